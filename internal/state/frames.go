// internal/state/frames.go
package state

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/user/agentstream/internal/types"
)

// maxLine bounds a single recorded frame. Transport frames can carry large
// tool outputs, well beyond bufio's 64KiB default.
const maxLine = 16 << 20

// FrameLog is a JSONL-backed append-only log of raw transport frames.
// Frames are stored per-run in sessions/<runID>/frames.jsonl.
type FrameLog struct {
	root  string
	mu    sync.Mutex
	locks map[types.RunID]*sync.Mutex
}

// NewFrameLog creates a new file-backed FrameLog rooted at the given directory.
func NewFrameLog(root string) *FrameLog {
	return &FrameLog{
		root:  root,
		locks: make(map[types.RunID]*sync.Mutex),
	}
}

// getLock returns the per-run mutex, creating one if it doesn't exist.
func (l *FrameLog) getLock(runID types.RunID) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()

	if lock, ok := l.locks[runID]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	l.locks[runID] = lock
	return lock
}

// Path returns the log file for a run.
func (l *FrameLog) Path(runID types.RunID) string {
	return filepath.Join(l.root, "sessions", string(runID), "frames.jsonl")
}

// scan calls fn for each recorded frame in order. Caller must hold the run lock.
func (l *FrameLog) scan(runID types.RunID, fn func(*types.Frame) error) error {
	f, err := os.Open(l.Path(runID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open frames file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLine)
	for scanner.Scan() {
		var frame types.Frame
		if err := json.Unmarshal(scanner.Bytes(), &frame); err != nil {
			return fmt.Errorf("unmarshal frame: %w", err)
		}
		if err := fn(&frame); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan frames file: %w", err)
	}
	return nil
}

// count reads the log and counts lines. Caller must hold the run lock.
func (l *FrameLog) count(runID types.RunID) (int64, error) {
	f, err := os.Open(l.Path(runID))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("open frames file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLine)
	var n int64
	for scanner.Scan() {
		n++
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("scan frames file: %w", err)
	}
	return n, nil
}

// Append adds a frame to the run's log with an auto-incremented sequence number.
func (l *FrameLog) Append(_ context.Context, frame *types.Frame) error {
	if frame.RunID == "" {
		return fmt.Errorf("append frame: empty run id")
	}
	lock := l.getLock(frame.RunID)
	lock.Lock()
	defer lock.Unlock()

	dir := filepath.Dir(l.Path(frame.RunID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create run dir: %w", err)
	}

	existing, err := l.count(frame.RunID)
	if err != nil {
		return err
	}
	frame.Seq = existing + 1

	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	f, err := os.OpenFile(l.Path(frame.RunID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open frames file: %w", err)
	}
	defer f.Close()

	data = append(data, '\n')
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Tail returns the last N frames for the given run.
func (l *FrameLog) Tail(_ context.Context, runID types.RunID, limit int) ([]*types.Frame, error) {
	lock := l.getLock(runID)
	lock.Lock()
	defer lock.Unlock()

	var frames []*types.Frame
	err := l.scan(runID, func(f *types.Frame) error {
		frames = append(frames, f)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if limit >= 0 && len(frames) > limit {
		frames = frames[len(frames)-limit:]
	}
	return frames, nil
}

// Replay calls fn with every recorded frame of the run, oldest first.
// It stops at the first error fn returns.
func (l *FrameLog) Replay(_ context.Context, runID types.RunID, fn func(*types.Frame) error) error {
	lock := l.getLock(runID)
	lock.Lock()
	defer lock.Unlock()

	return l.scan(runID, fn)
}

// Count returns the number of frames recorded for the given run.
func (l *FrameLog) Count(_ context.Context, runID types.RunID) (int64, error) {
	lock := l.getLock(runID)
	lock.Lock()
	defer lock.Unlock()

	return l.count(runID)
}

// Runs lists the runs that have a recorded log.
func (l *FrameLog) Runs() ([]types.RunID, error) {
	matches, err := filepath.Glob(filepath.Join(l.root, "sessions", "*", "frames.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("glob frame logs: %w", err)
	}
	runs := make([]types.RunID, 0, len(matches))
	for _, m := range matches {
		runs = append(runs, types.RunID(filepath.Base(filepath.Dir(m))))
	}
	return runs, nil
}
