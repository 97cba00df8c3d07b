package reveal

import (
	"sync"
	"time"

	"github.com/user/agentstream/internal/clock"
)

// TickHandle identifies a requested tick.
type TickHandle uint64

// TickSource delivers one callback per request, like an animation frame.
type TickSource interface {
	RequestTick(fn func(now time.Time)) TickHandle
	CancelTick(h TickHandle)
}

// DefaultInterval approximates a 60Hz frame.
const DefaultInterval = 16 * time.Millisecond

// TimerTicks is a TickSource backed by clock timers.
type TimerTicks struct {
	clock    clock.Clock
	interval time.Duration

	mu     sync.Mutex
	next   TickHandle
	timers map[TickHandle]clock.Timer
}

// NewTimerTicks returns a TickSource firing interval after each request.
func NewTimerTicks(c clock.Clock, interval time.Duration) *TimerTicks {
	if c == nil {
		c = clock.Real()
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &TimerTicks{
		clock:    c,
		interval: interval,
		timers:   make(map[TickHandle]clock.Timer),
	}
}

func (t *TimerTicks) RequestTick(fn func(now time.Time)) TickHandle {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.next++
	h := t.next
	t.timers[h] = t.clock.AfterFunc(t.interval, func() {
		t.mu.Lock()
		_, live := t.timers[h]
		delete(t.timers, h)
		t.mu.Unlock()
		if live {
			fn(t.clock.Now())
		}
	})
	return h
}

func (t *TimerTicks) CancelTick(h TickHandle) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if timer, ok := t.timers[h]; ok {
		timer.Stop()
		delete(t.timers, h)
	}
}
