package engine

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/user/agentstream/internal/clock"
	"github.com/user/agentstream/internal/reveal"
	"github.com/user/agentstream/internal/types"
	"github.com/user/agentstream/pkg/backend"
)

type fakeBackend struct {
	mu       sync.Mutex
	intent   string
	appended []string
	updates  int
	failWith error

	entered chan struct{}
	release chan struct{}
}

func (f *fakeBackend) AppendUserMessage(_ context.Context, _ types.RunID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appended = append(f.appended, text)
	return f.failWith
}

func (f *fakeBackend) UpdateIntent(_ context.Context, _ string, text string) error {
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.release != nil {
		<-f.release
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates++
	if f.failWith != nil {
		return f.failWith
	}
	f.intent = text
	return nil
}

func (f *fakeBackend) GetWorkspace(_ context.Context, id string) (*backend.Workspace, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &backend.Workspace{ID: id, Intent: f.intent}, nil
}

// manualTicks never fires on its own; reveal state is not under test here.
type manualTicks struct{}

func (manualTicks) RequestTick(func(time.Time)) reveal.TickHandle { return 1 }
func (manualTicks) CancelTick(reveal.TickHandle)                  {}

func newEngine(t *testing.T, api backend.API) (*Engine, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(time.UnixMilli(1_700_000_000_000))
	opts := Options{
		TurnGrace: 1500 * time.Millisecond,
		Clock:     clk,
		Reveal:    reveal.Options{Ticks: manualTicks{}},
	}
	if api != nil {
		opts.Backend = api
		opts.WorkspaceID = "ws1"
	}
	e := New(opts)
	t.Cleanup(e.Close)
	return e, clk
}

func TestExampleScenario(t *testing.T) {
	e, _ := newEngine(t, nil)
	e.StartStream(StartOptions{RunID: "run-1"})

	e.Ingest(`{"event_type":"user_message","message":"hi"}`+"\n"+
		`{"event_type":"agent_message","message_id":"x1","message":"Hel","accumulated_length":3}`+"\n"+
		`{"event_type":"agent_message","message_id":"x1","message":"lo","accumulated_length":5,"completed":true}`+"\n", "")

	snap := e.Snapshot()
	if len(snap.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %+v", snap.Messages)
	}
	user, asst := snap.Messages[0], snap.Messages[1]
	if user.Role != types.RoleUser || user.Content != "hi" {
		t.Errorf("unexpected user message %+v", user)
	}
	if asst.Role != types.RoleAssistant || asst.Content != "Hello" || !asst.IsComplete {
		t.Errorf("unexpected assistant message %+v", asst)
	}
	if snap.Turn.IsTurnOpen {
		t.Error("turn should be closed")
	}
}

var replayFrames = []struct{ text, id string }{
	{`{"event_type":"workflow_started","workflow_id":"wf"}{"event_type":"user_message","message":"hi"}`, "1"},
	{`{"event_type":"agent_thinking","agent_id":"A"}` + "\n" + `{"event_type":"agent_message","agent_id":"A","message_id":"m1","message":"use {x}","accumulated_length":7}`, "2"},
	{`{"event_type":"agent_message","agent_id":"A","message_id":"m1","message":" now","accumulated_length":11,"completed":true}`, "3"},
	{`{"event_type":"scope_updated","scope":{"entities":["a","b"]}}` + "\n" + `{"event_type":"clarification_needed","questions":[{"id":"q1","question":"Which?"}]}`, "4"},
	{`{"event_type":"intent_proposed","intent":"grow"}{"event_type":"team_building_progress","member":"m","task":"t"}`, "5"},
	{`{"event_type":"execution_progress","entity":"a","progress":0.5}{"event_type":"agent_completed","agent_id":"A"}`, "6"},
}

func TestIdempotentReplay(t *testing.T) {
	e, clk := newEngine(t, nil)
	e.StartStream(StartOptions{RunID: "run-1"})

	for _, f := range replayFrames {
		e.Ingest(f.text, f.id)
		clk.Advance(10 * time.Millisecond)
	}
	first := e.Snapshot()

	for _, f := range replayFrames {
		e.Ingest(f.text, f.id)
		clk.Advance(10 * time.Millisecond)
	}
	second := e.Snapshot()

	if !reflect.DeepEqual(first.Messages, second.Messages) {
		t.Errorf("transcript changed on replay:\n%+v\n%+v", first.Messages, second.Messages)
	}
	if !reflect.DeepEqual(first.Artifacts, second.Artifacts) {
		t.Errorf("artifacts changed on replay:\n%+v\n%+v", first.Artifacts, second.Artifacts)
	}
	if !reflect.DeepEqual(first.Turn, second.Turn) {
		t.Errorf("turn changed on replay")
	}
	m := first.Messages[len(first.Messages)-1]
	if m.Content != "use {x} now" {
		t.Errorf("unexpected streamed content %q", m.Content)
	}
}

func TestTransportRedeliveryGuard(t *testing.T) {
	e, _ := newEngine(t, nil)
	s := e.StartStream(StartOptions{RunID: "run-1"})

	e.Ingest(`{"event_type":"status","message":"one"}`, "evt-1")
	e.Ingest(`{"event_type":"status","message":"two"}`, "evt-1")
	e.Ingest(`{"event_type":"status","message":"three"}`, "evt-2")

	snap := s.Snapshot()
	if len(snap.Messages) != 2 {
		t.Fatalf("expected redelivered frame to be ignored, got %d messages", len(snap.Messages))
	}
	if snap.Stats.Frames != 2 || snap.Stats.LastEventID != "evt-2" {
		t.Errorf("unexpected stats %+v", snap.Stats)
	}
}

func TestPartialFramesAcrossDeliveries(t *testing.T) {
	e, _ := newEngine(t, nil)
	e.StartStream(StartOptions{RunID: "run-1"})

	full := `{"event_type":"agent_message","message_id":"m1","message":"a } { b","completed":true}`
	e.Ingest(full[:30], "")
	if n := len(e.Snapshot().Messages); n != 0 {
		t.Fatalf("partial frame produced %d messages", n)
	}
	if e.Snapshot().Stats.PendingBytes != 30 {
		t.Errorf("expected 30 pending bytes, got %d", e.Snapshot().Stats.PendingBytes)
	}
	e.Ingest(full[30:], "")
	msgs := e.Snapshot().Messages
	if len(msgs) != 1 || msgs[0].Content != "a } { b" {
		t.Errorf("unexpected messages %+v", msgs)
	}
}

func TestErrorForceClosesTurn(t *testing.T) {
	e, _ := newEngine(t, nil)
	e.StartStream(StartOptions{RunID: "run-1"})

	e.Ingest(`{"event_type":"agent_thinking","agent_id":"A"}`+"\n"+
		`{"event_type":"agent_message","message_id":"m1","message":"partial"}`, "")
	if !e.Snapshot().Turn.IsTurnOpen {
		t.Fatal("turn should be open")
	}

	e.Ingest(`{"event_type":"workflow_error","error":"backend exploded"}`, "")
	snap := e.Snapshot()
	if snap.Turn.IsTurnOpen || snap.Turn.InputLocked {
		t.Errorf("error must release input: %+v", snap.Turn)
	}
	if len(snap.Turn.ActiveAgents) != 0 || len(snap.Turn.OpenMessageIDs) != 0 {
		t.Errorf("error must clear tracking: %+v", snap.Turn)
	}
	if got := snap.Artifacts.WorkflowError; !got.Ready || got.Value.Message != "backend exploded" {
		t.Errorf("unexpected workflow error %+v", got)
	}
	last := snap.Messages[len(snap.Messages)-1]
	if !strings.Contains(last.Content, "backend exploded") {
		t.Errorf("expected visible error entry, got %q", last.Content)
	}
}

func TestRepeatedEventsAcrossTurns(t *testing.T) {
	tests := []struct {
		name string
		ids  [4]string
	}{
		{"unidentified deliveries", [4]string{}},
		{"identified deliveries", [4]string{"1", "2", "3", "4"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, clk := newEngine(t, nil)
			e.StartStream(StartOptions{RunID: "run-1"})

			thinking := `{"event_type":"agent_thinking","agent_id":"A"}`
			failure := `{"event_type":"workflow_error","error":"timeout"}`
			turn := func(n int, msgID string) {
				t.Helper()
				e.Ingest(thinking+"\n"+`{"event_type":"agent_message","agent_id":"A","message_id":"`+msgID+`","message":"working"}`, tt.ids[2*n])
				snap := e.Snapshot()
				if len(snap.Turn.ActiveAgents) != 1 || !snap.Turn.IsTurnOpen {
					t.Fatalf("turn %d: expected A active with an open message, got %+v", n+1, snap.Turn)
				}
				clk.Advance(10 * time.Millisecond)
				e.Ingest(failure, tt.ids[2*n+1])
				clk.Advance(10 * time.Millisecond)
			}
			turn(0, "m1")
			turn(1, "m2")

			snap := e.Snapshot()
			if snap.Turn.IsTurnOpen || snap.Turn.InputLocked {
				t.Errorf("second error must close the turn: %+v", snap.Turn)
			}
			failures := 0
			for _, m := range snap.Messages {
				if strings.Contains(m.Content, "timeout") {
					failures++
				}
			}
			if failures != 2 {
				t.Errorf("expected 2 visible error entries, got %d", failures)
			}
		})
	}
}

func TestReadyArtifactYields(t *testing.T) {
	e, _ := newEngine(t, nil)
	e.StartStream(StartOptions{RunID: "run-1"})

	e.Ingest(`{"event_type":"agent_thinking","agent_id":"A"}`+"\n"+
		`{"event_type":"agent_message","message_id":"m1","message":"Proposing"}`+"\n"+
		`{"event_type":"intent_ready","intent":"grow revenue"}`, "")

	snap := e.Snapshot()
	if snap.Turn.InputLocked {
		t.Errorf("ready intent should hand control back: %+v", snap.Turn)
	}
	if !snap.Artifacts.Intent.Ready {
		t.Error("intent should be ready")
	}
}

func TestTurnGraceThroughSession(t *testing.T) {
	e, clk := newEngine(t, nil)
	e.StartStream(StartOptions{RunID: "run-1"})

	e.Ingest(`{"event_type":"agent_thinking","agent_id":"A"}`+"\n"+
		`{"event_type":"agent_message","message_id":"m1","message":"done","completed":true}`, "")
	if !e.Snapshot().Turn.InputLocked {
		t.Fatal("active agent should lock input")
	}
	clk.Advance(1500 * time.Millisecond)
	if e.Snapshot().Turn.InputLocked {
		t.Error("grace should release input")
	}
}

func TestCloseStopsProcessing(t *testing.T) {
	e, clk := newEngine(t, nil)
	s := e.StartStream(StartOptions{RunID: "run-1"})
	e.Ingest(`{"event_type":"agent_thinking","agent_id":"A"}`+"\n"+
		`{"event_type":"agent_message","message_id":"m1","message":"done","completed":true}`, "")

	e.Reset()
	if !s.Closed() {
		t.Fatal("reset should close the session")
	}
	s.Ingest(`{"event_type":"status","message":"late"}`, "")
	if n := len(s.Snapshot().Messages); n != 1 {
		t.Errorf("closed session processed input, %d messages", n)
	}
	if clk.Pending() != 0 {
		t.Errorf("closed session left %d timers pending", clk.Pending())
	}
	if snap := e.Snapshot(); len(snap.Messages) != 0 || snap.Session != "" {
		t.Error("engine without session should return an empty snapshot")
	}
}

func TestPreserveMessages(t *testing.T) {
	e, _ := newEngine(t, nil)
	first := e.StartStream(StartOptions{RunID: "run-1"})
	e.Ingest(`{"event_type":"agent_message","message_id":"m1","message":"kept","completed":true}`+"\n"+
		`{"event_type":"clarification_needed","question_id":"q1","question":"Which?"}`, "evt-9")
	e.AnswerClarification(context.Background(), "q1", "")

	second := e.StartStream(StartOptions{RunID: "run-2", PreserveMessages: true})
	if second.Token() == first.Token() {
		t.Fatal("new session must get a new token")
	}
	if !first.Closed() {
		t.Error("previous session should be closed")
	}

	snap := second.Snapshot()
	if len(snap.Messages) != 1 || snap.Messages[0].Content != "kept" {
		t.Errorf("transcript not preserved: %+v", snap.Messages)
	}
	if snap.Stats.Events != 0 || snap.Stats.Processed != 0 || snap.Stats.LastEventID != "" {
		t.Errorf("dedup state must be fresh: %+v", snap.Stats)
	}

	// Replay from the start of the stream after a reconnect.
	e.Ingest(`{"event_type":"agent_message","message_id":"m1","message":" again"}`+"\n"+
		`{"event_type":"clarification_needed","question_id":"q1","question":"Which?"}`, "evt-9")
	snap = second.Snapshot()
	if snap.Messages[0].Content != "kept" {
		t.Errorf("closed message reopened: %q", snap.Messages[0].Content)
	}
	if n := len(snap.Artifacts.Clarification.Value.Pending); n != 0 {
		t.Errorf("answered question resurrected after reconnect: %d pending", n)
	}

	fresh := e.StartStream(StartOptions{RunID: "run-3"})
	if n := len(fresh.Snapshot().Messages); n != 0 {
		t.Errorf("non-preserving start kept %d messages", n)
	}
}

func TestSubmitUserMessage(t *testing.T) {
	api := &fakeBackend{}
	e, _ := newEngine(t, api)
	e.StartStream(StartOptions{RunID: "run-1"})

	if _, err := e.SubmitUserMessage(context.Background(), "   "); !errors.Is(err, ErrEmptyMessage) {
		t.Errorf("expected ErrEmptyMessage, got %v", err)
	}
	if _, err := e.SubmitUserMessage(context.Background(), "show me churn"); err != nil {
		t.Fatal(err)
	}
	if len(api.appended) != 1 || api.appended[0] != "show me churn" {
		t.Errorf("unexpected appended %v", api.appended)
	}

	// The server echo of the same input is absorbed.
	e.Ingest(`{"event_type":"user_message","message":"show me churn"}`, "")
	if n := len(e.Snapshot().Messages); n != 1 {
		t.Errorf("expected echo to be suppressed, got %d messages", n)
	}
}

func TestSubmitWithoutSession(t *testing.T) {
	e, _ := newEngine(t, nil)
	if _, err := e.SubmitUserMessage(context.Background(), "hi"); !errors.Is(err, ErrNoSession) {
		t.Errorf("expected ErrNoSession, got %v", err)
	}
}

func TestIntentPersistedAndConfirmed(t *testing.T) {
	api := &fakeBackend{}
	e, _ := newEngine(t, api)
	e.StartStream(StartOptions{RunID: "run-1"})

	e.Ingest(`{"event_type":"intent_updated","intent":"Find churn drivers"}`, "")
	e.Wait()

	if api.updates != 1 {
		t.Fatalf("expected 1 update, got %d", api.updates)
	}
	if !e.Snapshot().Artifacts.Intent.Value.Persisted {
		t.Error("confirmed intent should be marked persisted")
	}

	e.Ingest(`{"event_type":"intent_updated","intent":"find  churn drivers","v":2}`, "")
	e.Wait()
	if api.updates != 1 {
		t.Errorf("equivalent text persisted twice")
	}
}

func TestIntentResultDroppedForStaleSession(t *testing.T) {
	api := &fakeBackend{entered: make(chan struct{}, 1), release: make(chan struct{})}
	e, _ := newEngine(t, api)
	e.StartStream(StartOptions{RunID: "run-1"})

	e.Ingest(`{"event_type":"intent_updated","intent":"grow"}`, "")
	<-api.entered

	next := e.StartStream(StartOptions{RunID: "run-1", PreserveMessages: true})
	close(api.release)
	e.Wait()

	got := next.Snapshot().Artifacts.Intent
	if got.Value.Text != "grow" {
		t.Fatalf("intent not preserved: %+v", got)
	}
	if got.Value.Persisted {
		t.Error("result from the previous session must not be applied")
	}
}

func TestIntentFailureLogged(t *testing.T) {
	api := &fakeBackend{failWith: errors.New("down")}
	e, _ := newEngine(t, api)
	e.StartStream(StartOptions{RunID: "run-1"})

	e.Ingest(`{"event_type":"intent_updated","intent":"grow"}`, "")
	e.Wait()
	if e.Snapshot().Artifacts.Intent.Value.Persisted {
		t.Error("failed persistence marked as persisted")
	}

	api.mu.Lock()
	api.failWith = nil
	api.mu.Unlock()
	e.Ingest(`{"event_type":"intent_updated","intent":"grow","retry":true}`, "")
	e.Wait()
	if !e.Snapshot().Artifacts.Intent.Value.Persisted {
		t.Error("retry after failure should persist")
	}
}

func TestOutboundConcurrencyBounded(t *testing.T) {
	api := &fakeBackend{entered: make(chan struct{}, 2), release: make(chan struct{})}
	e := New(Options{
		Clock:       clock.NewFake(time.UnixMilli(1_700_000_000_000)),
		Reveal:      reveal.Options{Ticks: manualTicks{}},
		Backend:     api,
		WorkspaceID: "ws1",
		MaxOutbound: 1,
	})
	defer e.Close()
	e.StartStream(StartOptions{RunID: "run-1"})

	e.Ingest(`{"event_type":"intent_updated","intent":"first"}`, "")
	<-api.entered
	e.Ingest(`{"event_type":"intent_updated","intent":"second"}`, "")

	select {
	case <-api.entered:
		t.Fatal("second persistence started while the first was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	api.release <- struct{}{}
	<-api.entered
	api.release <- struct{}{}
	e.Wait()

	if api.updates != 2 {
		t.Errorf("expected 2 updates, got %d", api.updates)
	}
}

func TestVisible(t *testing.T) {
	e, _ := newEngine(t, nil)
	s := e.StartStream(StartOptions{RunID: "run-1"})
	e.Ingest(`{"event_type":"agent_message","message_id":"m1","message":"Hello"}`, "")

	v, ok := s.Visible("msg:m1")
	if !ok {
		t.Fatal("message not found")
	}
	if v.Full != 5 || v.Visible != 0 || !v.Streaming {
		t.Errorf("unexpected visibility %+v", v)
	}
	if _, ok := s.Visible("msg:none"); ok {
		t.Error("unknown id should not be found")
	}
	if _, ok := e.Visible("msg:m1"); !ok {
		t.Error("engine should resolve the current session's message")
	}
	e.Reset()
	if _, ok := e.Visible("msg:m1"); ok {
		t.Error("no session, nothing visible")
	}
}
