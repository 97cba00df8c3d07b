package engine

import (
	"encoding/json"
	"log/slog"
	"slices"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/user/agentstream/internal/clock"
	"github.com/user/agentstream/internal/frame"
	"github.com/user/agentstream/internal/projector"
	"github.com/user/agentstream/internal/reconcile"
	"github.com/user/agentstream/internal/reveal"
	"github.com/user/agentstream/internal/sequence"
	"github.com/user/agentstream/internal/types"
)

// Session is one stream connection's worth of state. Every structure it
// holds is built fresh per session; nothing is shared with other sessions.
// All handling is serialized under mu.
type Session struct {
	token types.SessionToken
	runID types.RunID
	clock clock.Clock

	mu          sync.Mutex
	parser      *frame.Parser
	seq         *sequence.Sequencer
	rec         *reconcile.Reconciler
	proj        *projector.Set
	reveal      *reveal.Scheduler
	lastEventID string
	frames      int64
	closed      bool
	dirty       bool

	onChange func()
	logger   *slog.Logger
}

func newSession(runID types.RunID, opts Options, notify projector.Notifier) *Session {
	s := &Session{
		token:    types.NewSessionToken(),
		runID:    runID,
		clock:    opts.Clock,
		onChange: opts.OnChange,
	}
	s.logger = opts.Logger.With("run_id", string(runID), "session", string(s.token))

	s.parser = frame.NewParser(frame.WithLogger(s.logger))
	s.seq = sequence.New(opts.ProcessedCap, s.logger)
	s.rec = reconcile.New(reconcile.Options{
		TurnGrace: opts.TurnGrace,
		Clock:     opts.Clock,
		Logger:    s.logger,
		Serialize: s.serialize,
		OnChange:  func() { s.dirty = true },
	})
	s.proj = projector.NewSet(projector.Options{Notify: notify, Logger: s.logger})

	ro := opts.Reveal
	ro.Clock = opts.Clock
	ro.OnTick = s.changed
	s.reveal = reveal.New(ro)
	return s
}

// Token identifies the session for outbound result guarding.
func (s *Session) Token() types.SessionToken { return s.token }

func (s *Session) RunID() types.RunID { return s.runID }

// Ingest handles one transport delivery. A non-empty lastEventID equal to
// the previous one marks a redelivered frame, which is ignored.
func (s *Session) Ingest(text, lastEventID string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if lastEventID != "" && lastEventID == s.lastEventID {
		s.mu.Unlock()
		s.logger.Debug("ignoring redelivered frame", "last_event_id", lastEventID)
		return
	}
	if lastEventID != "" {
		s.lastEventID = lastEventID
	}
	s.frames++

	objects := s.parser.Feed(text)
	changed := s.applyBatch(objects, lastEventID)
	s.mu.Unlock()

	if changed {
		s.changed()
	}
}

// Flush parses whatever the parser still retains, for end of input.
func (s *Session) Flush() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	changed := s.applyBatch(s.parser.Flush(), "")
	s.mu.Unlock()

	if changed {
		s.changed()
	}
}

// applyBatch must be called with mu held.
func (s *Session) applyBatch(objects []json.RawMessage, frameID string) bool {
	if len(objects) == 0 {
		return false
	}
	batch := s.seq.BatchFrame(objects, s.clock.Now(), frameID)
	changed := false
	for _, ev := range batch {
		if s.apply(ev) != 0 {
			changed = true
		}
	}
	if changed {
		s.reveal.Sync(s.rec.Messages())
	}
	return changed
}

func (s *Session) apply(ev types.Sequenced) types.Effect {
	eff := s.rec.Apply(ev) | s.proj.Apply(ev)
	if eff.Has(types.EffectFatal) && !slices.Contains(s.proj.Workflow.Handles(), ev.Type) {
		s.proj.Workflow.Fail(ev)
	}
	if eff.Closes() {
		s.rec.Yield()
	}
	if !s.rec.Handles(ev.Type) && !s.proj.Handles(ev.Type) {
		s.logger.Debug("ignoring unknown event type", "event_type", ev.Type)
	}
	return eff
}

// AddLocalUserMessage inserts the optimistic echo of user input.
func (s *Session) AddLocalUserMessage(text string) types.MessageID {
	s.mu.Lock()
	now := s.clock.Now()
	id := types.MessageID("local:" + types.NewRequestID())
	ok := !s.closed && s.rec.AddLocal(types.Message{
		ID:        id,
		Role:      types.RoleUser,
		Content:   text,
		Timestamp: types.UnixMillis(now),
	})
	if ok {
		s.reveal.Sync(s.rec.Messages())
	}
	s.mu.Unlock()

	if ok {
		s.changed()
	}
	return id
}

// AnswerClarification removes a question from the pending queue and
// remembers it as answered.
func (s *Session) AnswerClarification(id string) bool {
	s.mu.Lock()
	ok := !s.closed && s.proj.Clarification.Answer(id)
	s.mu.Unlock()
	if ok {
		s.changed()
	}
	return ok
}

// settleIntent applies an outbound persistence result.
func (s *Session) settleIntent(hash string, persisted bool) {
	s.mu.Lock()
	if !s.closed {
		s.proj.Intent.Settle(hash, persisted)
	}
	s.mu.Unlock()
	s.changed()
}

// Visible returns the currently revealed prefix of a message.
func (s *Session) Visible(id types.MessageID) (Visibility, bool) {
	s.mu.Lock()
	m, ok := s.rec.Transcript().Get(id)
	var content string
	if ok {
		content = m.Content
	}
	s.mu.Unlock()
	if !ok {
		return Visibility{}, false
	}

	text := s.reveal.VisibleText(id, content)
	return Visibility{
		ID:        id,
		Text:      text,
		Visible:   utf8.RuneCountInString(text),
		Full:      utf8.RuneCountInString(content),
		Streaming: s.reveal.IsStreaming(id),
	}, true
}

// Visibility is the reveal state of one message.
type Visibility struct {
	ID        types.MessageID `json:"id"`
	Text      string          `json:"text"`
	Visible   int             `json:"visible"`
	Full      int             `json:"full"`
	Streaming bool            `json:"streaming"`
}

// Snapshot returns a consistent copy of the session state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Session:   s.token,
		RunID:     s.runID,
		Messages:  s.rec.Messages(),
		Turn:      s.rec.Turn().Snapshot(),
		Artifacts: s.proj.Snapshot(),
		Stats: Stats{
			Frames:       s.frames,
			Events:       s.seq.Counter(),
			Processed:    s.seq.Processed(),
			LastEventID:  s.lastEventID,
			PendingBytes: len(s.parser.Remainder()),
		},
		TakenAt: s.clock.Now(),
	}
}

// Close stops all further processing and cancels timers and ticks.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.rec.Stop()
	s.reveal.Stop()
}

// Closed reports whether Close was called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// serialize runs timer callbacks under the session lock.
func (s *Session) serialize(f func()) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	f()
	dirty := s.dirty
	s.dirty = false
	s.mu.Unlock()

	if dirty {
		s.changed()
	}
}

func (s *Session) changed() {
	if s.onChange != nil {
		s.onChange()
	}
}

// adopt carries prev's transcript, turn and artifacts into s.
func (s *Session) adopt(prev *Session) {
	prev.mu.Lock()
	defer prev.mu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rec.Adopt(prev.rec)
	s.proj.Adopt(prev.proj)
	s.reveal.Sync(s.rec.Messages())
}

// Snapshot is a point-in-time copy of a session.
type Snapshot struct {
	Session   types.SessionToken     `json:"session"`
	RunID     types.RunID            `json:"run_id,omitempty"`
	Messages  []types.Message        `json:"messages"`
	Turn      reconcile.TurnSnapshot `json:"turn"`
	Artifacts projector.Artifacts    `json:"artifacts"`
	Stats     Stats                  `json:"stats"`
	TakenAt   time.Time              `json:"taken_at"`
}

type Stats struct {
	Frames       int64  `json:"frames"`
	Events       int64  `json:"events"`
	Processed    int    `json:"processed"`
	LastEventID  string `json:"last_event_id,omitempty"`
	PendingBytes int    `json:"pending_bytes"`
}
