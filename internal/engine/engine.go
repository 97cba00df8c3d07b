// Package engine ties the frame parser, sequencer, reconciler, projectors
// and reveal scheduler into stream sessions. Transports feed it with
// Ingest; presentation reads Snapshot.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/user/agentstream/internal/clock"
	"github.com/user/agentstream/internal/projector"
	"github.com/user/agentstream/internal/reveal"
	"github.com/user/agentstream/internal/types"
	"github.com/user/agentstream/pkg/backend"
)

var (
	ErrNoSession    = errors.New("no active stream session")
	ErrEmptyMessage = errors.New("message is empty")
)

// Options configures an Engine.
type Options struct {
	// ProcessedCap bounds each session's processed-event set.
	ProcessedCap int
	// TurnGrace is the safety-net delay before clearing agents that never
	// reported completion. Zero disables it; negative selects the default.
	TurnGrace time.Duration
	Reveal    reveal.Options

	// Backend receives outbound calls. When nil they are skipped.
	Backend     backend.API
	WorkspaceID string
	// OutboundTimeout bounds each outbound confirmation.
	OutboundTimeout time.Duration
	// MaxOutbound limits concurrent outbound confirmations. Default 4.
	MaxOutbound int64

	Clock  clock.Clock
	Logger *slog.Logger
	// OnChange is called after visible state changed. It runs without any
	// engine lock held and must not block.
	OnChange func()
	// OnNotify receives every projector notification after the engine has
	// handled it.
	OnNotify func(types.SessionToken, projector.Notification)
}

// StartOptions configures a new session.
type StartOptions struct {
	RunID types.RunID
	// PreserveMessages carries the transcript, turn state and artifacts of
	// the current session into the new one.
	PreserveMessages bool
}

// Engine owns the current session.
type Engine struct {
	opts     Options
	intent   *IntentSync
	outbound *semaphore.Weighted
	logger   *slog.Logger

	mu      sync.Mutex
	session *Session
	wg      sync.WaitGroup
}

func New(opts Options) *Engine {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.OutboundTimeout <= 0 {
		opts.OutboundTimeout = 30 * time.Second
	}
	if opts.MaxOutbound <= 0 {
		opts.MaxOutbound = 4
	}
	e := &Engine{
		opts:     opts,
		outbound: semaphore.NewWeighted(opts.MaxOutbound),
		logger:   opts.Logger,
	}
	if opts.Backend != nil && opts.WorkspaceID != "" {
		e.intent = NewIntentSync(opts.Backend, opts.WorkspaceID, opts.Logger)
	}
	return e
}

// StartStream replaces the current session with a fresh one.
func (e *Engine) StartStream(o StartOptions) *Session {
	e.mu.Lock()
	defer e.mu.Unlock()

	var s *Session
	s = newSession(o.RunID, e.opts, func(n projector.Notification) {
		e.notify(s.token, n)
	})
	prev := e.session
	if prev != nil {
		if o.PreserveMessages {
			s.adopt(prev)
		}
		prev.Close()
	}
	e.session = s
	e.logger.Info("stream session started",
		"run_id", string(o.RunID),
		"session", string(s.token),
		"preserve_messages", o.PreserveMessages,
	)
	return s
}

// Current returns the active session, or nil.
func (e *Engine) Current() *Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session
}

// Ingest forwards one transport delivery to the current session.
func (e *Engine) Ingest(text, lastEventID string) {
	s := e.Current()
	if s == nil {
		e.logger.Warn("dropping frame without an active session")
		return
	}
	s.Ingest(text, lastEventID)
}

// Snapshot returns the current session's state, or an empty snapshot.
func (e *Engine) Snapshot() Snapshot {
	s := e.Current()
	if s == nil {
		return Snapshot{Messages: []types.Message{}, TakenAt: e.opts.Clock.Now()}
	}
	return s.Snapshot()
}

// Visible returns the reveal state of a message in the current session.
func (e *Engine) Visible(id types.MessageID) (Visibility, bool) {
	s := e.Current()
	if s == nil {
		return Visibility{}, false
	}
	return s.Visible(id)
}

// Reset tears down the current session.
func (e *Engine) Reset() {
	e.mu.Lock()
	s := e.session
	e.session = nil
	e.mu.Unlock()
	if s != nil {
		s.Close()
		e.logger.Info("stream session closed", "session", string(s.token))
	}
}

// Close resets the engine and waits for in-flight outbound calls.
func (e *Engine) Close() {
	e.Reset()
	e.wg.Wait()
}

// Wait blocks until in-flight outbound calls have returned.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// SubmitUserMessage echoes text into the transcript at once, then appends
// it to the run log. The server's later echo is absorbed by duplicate
// suppression.
func (e *Engine) SubmitUserMessage(ctx context.Context, text string) (types.MessageID, error) {
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyMessage
	}
	s := e.Current()
	if s == nil {
		return "", ErrNoSession
	}
	id := s.AddLocalUserMessage(text)
	if e.opts.Backend == nil {
		return id, nil
	}
	if err := e.opts.Backend.AppendUserMessage(ctx, s.runID, text); err != nil {
		return id, fmt.Errorf("append user message: %w", err)
	}
	return id, nil
}

// AnswerClarification marks a question answered and, when answer is not
// empty, submits it as user input.
func (e *Engine) AnswerClarification(ctx context.Context, questionID, answer string) (bool, error) {
	s := e.Current()
	if s == nil {
		return false, ErrNoSession
	}
	found := s.AnswerClarification(questionID)
	if strings.TrimSpace(answer) == "" {
		return found, nil
	}
	_, err := e.SubmitUserMessage(ctx, answer)
	return found, err
}

// notify runs under the session lock, so anything slow goes to a goroutine.
func (e *Engine) notify(token types.SessionToken, n projector.Notification) {
	switch n.Kind {
	case projector.NotifyIntent:
		if e.intent == nil {
			e.logger.Debug("no backend configured, intent stays local")
			break
		}
		e.wg.Add(1)
		go e.persistIntent(token, n)
	default:
		e.logger.Debug("projector notification", "kind", string(n.Kind), "seq", n.Seq)
	}
	if e.opts.OnNotify != nil {
		e.opts.OnNotify(token, n)
	}
}

func (e *Engine) persistIntent(token types.SessionToken, n projector.Notification) {
	defer e.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), e.opts.OutboundTimeout)
	defer cancel()

	var ok bool
	if err := e.outbound.Acquire(ctx, 1); err != nil {
		e.logger.Warn("intent persistence not started", "error", err)
	} else {
		var perr error
		ok, perr = e.intent.Persist(ctx, n.Text, n.Hash)
		e.outbound.Release(1)
		if perr != nil {
			e.logger.Warn("intent persistence failed", "error", perr)
		}
	}

	e.mu.Lock()
	s := e.session
	e.mu.Unlock()
	if s == nil || s.token != token {
		e.logger.Debug("dropping intent result for a stale session", "session", string(token))
		return
	}
	s.settleIntent(n.Hash, ok)
}
