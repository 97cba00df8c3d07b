package sequence

import "github.com/user/agentstream/internal/types"

// DefaultProcessedCap is the default ProcessedSet capacity.
const DefaultProcessedCap = 1000

// ProcessedSet is a bounded set of event ids. Once it grows past its cap
// the oldest half is evicted, which keeps memory flat on long-lived
// connections while still catching the usual prompt redelivery.
type ProcessedSet struct {
	cap   int
	order []types.EventID
	ids   map[types.EventID]struct{}
}

// NewProcessedSet creates a set holding at most limit ids. A limit below 2
// falls back to DefaultProcessedCap.
func NewProcessedSet(limit int) *ProcessedSet {
	if limit < 2 {
		limit = DefaultProcessedCap
	}
	return &ProcessedSet{
		cap:   limit,
		order: make([]types.EventID, 0, limit),
		ids:   make(map[types.EventID]struct{}, limit),
	}
}

// Contains reports whether id was added and not yet evicted.
func (s *ProcessedSet) Contains(id types.EventID) bool {
	_, ok := s.ids[id]
	return ok
}

// Add inserts id. It returns false if id was already present.
func (s *ProcessedSet) Add(id types.EventID) bool {
	if s.Contains(id) {
		return false
	}
	s.ids[id] = struct{}{}
	s.order = append(s.order, id)
	if len(s.order) > s.cap {
		evict := len(s.order) / 2
		for _, old := range s.order[:evict] {
			delete(s.ids, old)
		}
		s.order = append(s.order[:0:0], s.order[evict:]...)
	}
	return true
}

// Len returns the number of ids held.
func (s *ProcessedSet) Len() int {
	return len(s.order)
}
