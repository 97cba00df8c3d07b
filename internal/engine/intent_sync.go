package engine

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/singleflight"

	"github.com/user/agentstream/internal/projector"
	"github.com/user/agentstream/pkg/backend"
)

// IntentSync persists intent text and reads the workspace back to confirm
// the write landed. Concurrent calls for the same normalized text share
// one round trip.
type IntentSync struct {
	api         backend.API
	workspaceID string
	group       singleflight.Group
	logger      *slog.Logger
}

func NewIntentSync(api backend.API, workspaceID string, logger *slog.Logger) *IntentSync {
	if logger == nil {
		logger = slog.Default()
	}
	return &IntentSync{api: api, workspaceID: workspaceID, logger: logger}
}

// Persist writes text and reports whether the workspace now holds it.
// hash must be projector.IntentHash(text).
func (s *IntentSync) Persist(ctx context.Context, text, hash string) (bool, error) {
	v, err, shared := s.group.Do(hash, func() (any, error) {
		if err := s.api.UpdateIntent(ctx, s.workspaceID, text); err != nil {
			return false, fmt.Errorf("update intent: %w", err)
		}
		ws, err := s.api.GetWorkspace(ctx, s.workspaceID)
		if err != nil {
			return false, fmt.Errorf("confirm intent: %w", err)
		}
		return projector.IntentHash(ws.Intent) == hash, nil
	})
	if shared {
		s.logger.Debug("intent persistence shared with a concurrent call", "hash", hash)
	}
	if err != nil {
		return false, err
	}
	confirmed := v.(bool)
	if !confirmed {
		s.logger.Warn("workspace intent did not match after update", "workspace_id", s.workspaceID)
	}
	return confirmed, nil
}
