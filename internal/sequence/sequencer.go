// Package sequence assigns stable identity and ordering to parsed events
// and discards redelivered ones.
package sequence

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/zeebo/blake3"

	"github.com/user/agentstream/internal/types"
)

// Sequencer stamps events with a per-session sequence number and an
// ordering timestamp, dropping any whose id was already processed.
// Each stream session owns exactly one Sequencer.
type Sequencer struct {
	counter   int64
	processed *ProcessedSet
	logger    *slog.Logger
}

// New creates a Sequencer whose processed set holds up to processedCap ids.
func New(processedCap int, logger *slog.Logger) *Sequencer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sequencer{
		processed: NewProcessedSet(processedCap),
		logger:    logger,
	}
}

// Batch sequences the objects of one arrival. Objects without an
// event_type are discarded, as are duplicates. The returned events keep
// parse order.
func (s *Sequencer) Batch(objects []json.RawMessage, arrival time.Time) []types.Sequenced {
	return s.BatchFrame(objects, arrival, "")
}

// BatchFrame is Batch for the objects of one transport delivery carrying
// frameID as its last event id. Objects are then keyed by their place in
// that delivery, so replaying the delivery after a reconnect is dropped.
func (s *Sequencer) BatchFrame(objects []json.RawMessage, arrival time.Time, frameID string) []types.Sequenced {
	base := types.UnixMillis(arrival)
	out := make([]types.Sequenced, 0, len(objects))

	for i, raw := range objects {
		ev, err := types.DecodeEvent(raw)
		if err != nil {
			s.logger.Debug("skipping non-object frame", "index", i, "error", err)
			continue
		}
		if ev.Type == "" {
			s.logger.Debug("skipping frame without event_type", "index", i)
			continue
		}

		seq := s.counter + 1
		id := EventIdentity(ev, Position{Frame: frameID, Batch: base, Index: i, Seq: seq})
		if !s.processed.Add(id) {
			s.logger.Debug("dropping duplicate event",
				"event_type", ev.Type,
				"event_id", string(id),
			)
			continue
		}

		s.counter = seq
		out = append(out, types.Sequenced{
			Event:     ev,
			ID:        id,
			Seq:       seq,
			Timestamp: base + float64(seq)/1_000_000,
			Arrival:   arrival,
		})
	}
	return out
}

// Reset restores the counter and forgets every processed id.
func (s *Sequencer) Reset() {
	s.counter = 0
	s.processed = NewProcessedSet(s.processed.cap)
}

// Counter returns the last sequence number handed out.
func (s *Sequencer) Counter() int64 {
	return s.counter
}

// Processed returns the number of ids currently remembered.
func (s *Sequencer) Processed() int {
	return s.processed.Len()
}

// Position locates an event in the stream.
type Position struct {
	// Frame is the transport's last event id for the delivery, if any.
	Frame string
	// Batch is the arrival time of the batch in unix milliseconds.
	Batch float64
	Index int
	Seq   int64
}

// EventIdentity derives the dedup key for an event. A backend-supplied
// event_id (or id) wins. An event from an identified delivery is keyed by
// that delivery, its index in it and its bytes. Anything else gets a key
// built from its routing fields and stream position, which never repeats.
func EventIdentity(ev types.Event, pos Position) types.EventID {
	if id := ev.String("event_id"); id != "" {
		return types.EventID("id:" + id)
	}
	if id := ev.String("id"); id != "" {
		return types.EventID("id:" + id)
	}

	if pos.Frame != "" {
		h := blake3.New()
		h.Write([]byte(pos.Frame))
		h.Write([]byte{0})
		h.Write([]byte(strconv.Itoa(pos.Index)))
		h.Write([]byte{0})
		h.Write(ev.Raw())
		return types.EventID("frame:" + hex.EncodeToString(h.Sum(nil)[:16]))
	}
	return types.EventID(fmt.Sprintf("ev:%s:%s:%s:%d:%d:%d",
		ev.Type, ev.AgentID, ev.SubtaskID, int64(pos.Batch), pos.Index, pos.Seq))
}
