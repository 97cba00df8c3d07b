// Package reveal paces how much of each message is visible, independent
// of how bursty its arrival was.
package reveal

import (
	"sync"
	"time"
	"unicode/utf8"

	"github.com/user/agentstream/internal/clock"
	"github.com/user/agentstream/internal/types"
)

const (
	DefaultPerTick       = 3
	DefaultSettle        = 400 * time.Millisecond
	DefaultHistoryCutoff = 5 * time.Second
)

// Options configures a Scheduler. Zero values select the defaults.
type Options struct {
	PerTick       int
	Settle        time.Duration
	HistoryCutoff time.Duration
	Clock         clock.Clock
	// Ticks drives the reveal loop. When nil a timer source firing every
	// Interval (default 16ms) is used.
	Ticks    TickSource
	Interval time.Duration
	// OnTick is called after a tick advanced at least one entry.
	OnTick func()
}

// Entry is the reveal state of one message. Lengths are in code points.
type Entry struct {
	Revealed   int       `json:"revealed"`
	Full       int       `json:"full"`
	LastUpdate time.Time `json:"last_update"`
	Completed  bool      `json:"completed"`
}

// Scheduler tracks reveal progress per message id. The tick loop runs only
// while some entry has unrevealed text.
type Scheduler struct {
	perTick int
	settle  time.Duration
	cutoff  time.Duration
	clock   clock.Clock
	ticks   TickSource
	onTick  func()

	mu      sync.Mutex
	entries map[types.MessageID]*Entry
	pending TickHandle
	ticking bool
	stopped bool
}

func New(opts Options) *Scheduler {
	if opts.PerTick <= 0 {
		opts.PerTick = DefaultPerTick
	}
	if opts.Settle <= 0 {
		opts.Settle = DefaultSettle
	}
	if opts.HistoryCutoff <= 0 {
		opts.HistoryCutoff = DefaultHistoryCutoff
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Ticks == nil {
		opts.Ticks = NewTimerTicks(opts.Clock, opts.Interval)
	}
	return &Scheduler{
		perTick: opts.PerTick,
		settle:  opts.Settle,
		cutoff:  opts.HistoryCutoff,
		clock:   opts.Clock,
		ticks:   opts.Ticks,
		onTick:  opts.OnTick,
		entries: make(map[types.MessageID]*Entry),
	}
}

// Observe records the current full length of a message. A message first
// seen more than the history cutoff after it was sent is revealed at once.
func (s *Scheduler) Observe(id types.MessageID, full int, sentAt time.Time, completed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observe(id, full, sentAt, completed)
}

func (s *Scheduler) observe(id types.MessageID, full int, sentAt time.Time, completed bool) {
	if s.stopped {
		return
	}
	now := s.clock.Now()
	e, ok := s.entries[id]
	if !ok {
		e = &Entry{}
		s.entries[id] = e
		if now.Sub(sentAt) > s.cutoff {
			e.Revealed = full
		} else {
			e.LastUpdate = now
		}
	}
	if full != e.Full && ok {
		e.LastUpdate = now
	}
	e.Full = full
	if e.Revealed > full {
		e.Revealed = full
	}
	e.Completed = completed
	if e.Revealed < e.Full {
		s.ensureTicking()
	}
}

// Sync observes every message and forgets ids no longer present.
func (s *Scheduler) Sync(msgs []types.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[types.MessageID]bool, len(msgs))
	for i := range msgs {
		m := &msgs[i]
		seen[m.ID] = true
		s.observe(m.ID, utf8.RuneCountInString(m.Content), m.SentAt(), m.IsComplete)
	}
	for id := range s.entries {
		if !seen[id] {
			delete(s.entries, id)
		}
	}
}

// Visible returns the revealed length of id, or 0 if unknown.
func (s *Scheduler) Visible(id types.MessageID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[id]; ok {
		return e.Revealed
	}
	return 0
}

// VisibleText returns the revealed prefix of content.
func (s *Scheduler) VisibleText(id types.MessageID, content string) string {
	n := s.Visible(id)
	for i := range content {
		if n == 0 {
			return content[:i]
		}
		n--
	}
	return content
}

// IsStreaming reports whether id still has text to reveal, or is within
// the settle window of its last update and not yet completed.
func (s *Scheduler) IsStreaming(id types.MessageID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return false
	}
	if e.Revealed < e.Full {
		return true
	}
	if e.Completed || e.LastUpdate.IsZero() {
		return false
	}
	return s.clock.Now().Sub(e.LastUpdate) <= s.settle
}

// Entry returns a copy of id's reveal state.
func (s *Scheduler) Entry(id types.MessageID) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Ticking reports whether a tick is pending.
func (s *Scheduler) Ticking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ticking
}

// Stop cancels the pending tick. Later observations are ignored.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	if s.ticking {
		s.ticks.CancelTick(s.pending)
		s.ticking = false
	}
}

func (s *Scheduler) ensureTicking() {
	if s.ticking || s.stopped {
		return
	}
	s.ticking = true
	s.pending = s.ticks.RequestTick(s.tick)
}

func (s *Scheduler) tick(time.Time) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.ticking = false
	advanced, more := false, false
	for _, e := range s.entries {
		if e.Revealed >= e.Full {
			continue
		}
		e.Revealed = min(e.Full, e.Revealed+s.perTick)
		advanced = true
		if e.Revealed < e.Full {
			more = true
		}
	}
	if more {
		s.ensureTicking()
	}
	s.mu.Unlock()

	if advanced && s.onTick != nil {
		s.onTick()
	}
}
