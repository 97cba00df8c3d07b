// Package reconcile folds sequenced events into the transcript and the
// turn state.
package reconcile

import (
	"log/slog"
	"time"

	"github.com/user/agentstream/internal/clock"
	"github.com/user/agentstream/internal/types"
)

// DefaultTurnGrace is how long after the last open message completes the
// reconciler waits before clearing agents that never reported completion.
const DefaultTurnGrace = 1500 * time.Millisecond

// Handler folds one event into the reconciler's state.
type Handler func(r *Reconciler, ev types.Sequenced) types.Effect

// Options configures a Reconciler.
type Options struct {
	// TurnGrace is the safety-net delay; zero disables it, negative
	// selects DefaultTurnGrace.
	TurnGrace time.Duration
	Clock     clock.Clock
	Logger    *slog.Logger
	// Serialize runs timer callbacks under the owner's lock. When nil
	// they run directly.
	Serialize func(func())
	// OnChange is called, under Serialize, when a timer changes state.
	OnChange func()
}

// Reconciler owns the transcript and turn state of one session. It is not
// safe for concurrent use; the owning session serializes access.
type Reconciler struct {
	transcript *Transcript
	turn       *TurnState
	handlers   map[string][]Handler

	clock      clock.Clock
	grace      time.Duration
	graceTimer clock.Timer
	graceGen   uint64
	serialize  func(func())
	onChange   func()
	stopped    bool
	logger     *slog.Logger
}

// New creates a Reconciler with the default handler registry.
func New(opts Options) *Reconciler {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.TurnGrace < 0 {
		opts.TurnGrace = DefaultTurnGrace
	}
	if opts.Serialize == nil {
		opts.Serialize = func(f func()) { f() }
	}

	r := &Reconciler{
		transcript: NewTranscript(),
		turn:       NewTurnState(),
		handlers:   make(map[string][]Handler),
		clock:      opts.Clock,
		grace:      opts.TurnGrace,
		serialize:  opts.Serialize,
		onChange:   opts.OnChange,
		logger:     opts.Logger,
	}
	registerDefaults(r)
	return r
}

// Register adds h for eventType. Handlers for one type run in
// registration order.
func (r *Reconciler) Register(eventType string, h Handler) {
	r.handlers[eventType] = append(r.handlers[eventType], h)
}

// Handles reports whether any handler is registered for eventType.
func (r *Reconciler) Handles(eventType string) bool {
	return len(r.handlers[eventType]) > 0
}

// Adopt carries prev's transcript and turn state into r.
func (r *Reconciler) Adopt(prev *Reconciler) {
	r.transcript = prev.transcript.Clone()
	r.turn = prev.turn.Clone()
}

// Apply dispatches ev to its handlers. Unknown types are a no-op and a
// panicking handler is logged and ignored.
func (r *Reconciler) Apply(ev types.Sequenced) types.Effect {
	if r.stopped {
		return 0
	}
	var eff types.Effect
	for _, h := range r.handlers[ev.Type] {
		eff |= r.dispatch(h, ev)
	}
	return eff
}

func (r *Reconciler) dispatch(h Handler, ev types.Sequenced) (eff types.Effect) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("event handler panicked",
				"event_type", ev.Type,
				"event_id", string(ev.ID),
				"panic", p,
			)
			eff = 0
		}
	}()
	return h(r, ev)
}

// Yield closes the turn: active agents and open messages are cleared
// together and any pending grace timer is cancelled.
func (r *Reconciler) Yield() {
	r.stopGrace()
	r.turn.Yield()
}

// Stop cancels timers. Further Apply calls are ignored.
func (r *Reconciler) Stop() {
	r.stopGrace()
	r.stopped = true
}

// AddLocal inserts a message that did not come from the stream, such as
// the optimistic echo of user input.
func (r *Reconciler) AddLocal(m types.Message) bool {
	m.IsComplete = true
	return r.transcript.Insert(&m)
}

func (r *Reconciler) Transcript() *Transcript {
	return r.transcript
}

func (r *Reconciler) Turn() *TurnState {
	return r.turn
}

// Messages returns a copy of the transcript.
func (r *Reconciler) Messages() []types.Message {
	return r.transcript.Messages()
}

// armGrace starts the safety-net timer when nothing is streaming but
// agents are still marked as working.
func (r *Reconciler) armGrace() {
	if r.grace <= 0 || r.turn.IsTurnOpen() || !r.turn.HasActiveAgents() {
		return
	}
	r.stopGrace()
	gen := r.graceGen
	r.graceTimer = r.clock.AfterFunc(r.grace, func() {
		r.serialize(func() { r.graceExpired(gen) })
	})
}

func (r *Reconciler) graceExpired(gen uint64) {
	// A timer stopped after it already fired still lands here.
	if gen != r.graceGen {
		return
	}
	r.graceTimer = nil
	if r.stopped || r.turn.IsTurnOpen() || !r.turn.HasActiveAgents() {
		return
	}
	r.logger.Debug("turn grace expired, clearing active agents")
	r.turn.ClearAgents()
	if r.onChange != nil {
		r.onChange()
	}
}

func (r *Reconciler) stopGrace() {
	r.graceGen++
	if r.graceTimer != nil {
		r.graceTimer.Stop()
		r.graceTimer = nil
	}
}
