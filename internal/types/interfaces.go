// internal/types/interfaces.go
package types

import (
	"context"
)

// FrameStore records raw transport frames so a run can be replayed.
type FrameStore interface {
	Append(ctx context.Context, frame *Frame) error
	Tail(ctx context.Context, runID RunID, limit int) ([]*Frame, error)
	Count(ctx context.Context, runID RunID) (int64, error)
}
