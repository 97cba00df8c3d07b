// Package snapshot writes engine snapshots to disk, on demand or on a
// cron schedule.
package snapshot

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/user/agentstream/internal/engine"
	"github.com/user/agentstream/internal/types"
)

// Source yields the current snapshot. *engine.Engine satisfies it.
type Source interface {
	Snapshot() engine.Snapshot
}

// Exporter stores snapshots as individual JSON files per run.
// Files are located at snapshots/<runID>.json.
type Exporter struct {
	root string
}

// NewExporter creates a new Exporter rooted at the given directory.
func NewExporter(root string) *Exporter {
	return &Exporter{root: root}
}

func (e *Exporter) dir() string {
	return filepath.Join(e.root, "snapshots")
}

// Path returns the file a run's snapshot is written to. Snapshots taken
// before a run is known go to "current.json".
func (e *Exporter) Path(runID types.RunID) string {
	name := string(runID)
	if name == "" {
		name = "current"
	}
	return filepath.Join(e.dir(), name+".json")
}

// Write stores snap and returns the path written.
func (e *Exporter) Write(snap engine.Snapshot) (string, error) {
	content, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal snapshot: %w", err)
	}

	if err := os.MkdirAll(e.dir(), 0o755); err != nil {
		return "", fmt.Errorf("create snapshots dir: %w", err)
	}

	// Atomic write via temp file + rename
	target := e.Path(snap.RunID)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, content, 0o644); err != nil {
		return "", fmt.Errorf("write temp snapshot: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("rename temp snapshot: %w", err)
	}
	return target, nil
}

// Load reads the last snapshot written for a run.
func (e *Exporter) Load(runID types.RunID) (*engine.Snapshot, error) {
	data, err := os.ReadFile(e.Path(runID))
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	var snap engine.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// Export writes src's current snapshot. Empty snapshots (no session yet)
// are skipped and return "".
func Export(src Source, exp *Exporter) (string, error) {
	snap := src.Snapshot()
	if snap.Session == "" {
		return "", nil
	}
	return exp.Write(snap)
}
