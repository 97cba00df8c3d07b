package transport

import (
	"context"
	"log/slog"
	"time"

	"github.com/user/agentstream/internal/types"
)

// Recorder appends every delivery to a frame store before passing it on.
// A failed append is logged and never blocks delivery.
type Recorder struct {
	next   Handler
	store  types.FrameStore
	runID  types.RunID
	now    func() time.Time
	logger *slog.Logger
}

// Record wraps next so each frame of runID is written to store first.
func Record(next Handler, store types.FrameStore, runID types.RunID, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		next:   next,
		store:  store,
		runID:  runID,
		now:    time.Now,
		logger: logger,
	}
}

func (r *Recorder) OnMessage(text, lastEventID string) {
	frame := &types.Frame{
		RunID:       r.runID,
		LastEventID: lastEventID,
		At:          r.now(),
		Text:        text,
	}
	if err := r.store.Append(context.Background(), frame); err != nil {
		r.logger.Warn("failed to record frame", "run_id", string(r.runID), "error", err)
	}
	r.next.OnMessage(text, lastEventID)
}

func (r *Recorder) OnError(err error) {
	r.next.OnError(err)
}
