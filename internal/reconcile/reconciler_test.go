package reconcile

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/user/agentstream/internal/clock"
	"github.com/user/agentstream/internal/sequence"
	"github.com/user/agentstream/internal/types"
)

type harness struct {
	t   *testing.T
	clk *clock.Fake
	seq *sequence.Sequencer
	rec *Reconciler
}

func newHarness(t *testing.T, grace time.Duration) *harness {
	clk := clock.NewFake(time.UnixMilli(1_700_000_000_000))
	return &harness{
		t:   t,
		clk: clk,
		seq: sequence.New(0, nil),
		rec: New(Options{TurnGrace: grace, Clock: clk}),
	}
}

// send applies each object as its own arrival and returns the combined effect.
func (h *harness) send(objs ...string) types.Effect {
	h.t.Helper()
	var eff types.Effect
	for _, o := range objs {
		h.clk.Advance(time.Millisecond)
		batch := h.seq.Batch([]json.RawMessage{json.RawMessage(o)}, h.clk.Now())
		for _, ev := range batch {
			eff |= h.rec.Apply(ev)
		}
	}
	return eff
}

func TestExampleScenario(t *testing.T) {
	h := newHarness(t, 0)
	h.send(
		`{"event_type":"user_message","message":"hi"}`,
		`{"event_type":"agent_message","message_id":"x1","message":"Hel","accumulated_length":3}`,
		`{"event_type":"agent_message","message_id":"x1","message":"lo","accumulated_length":5,"completed":true}`,
	)

	msgs := h.rec.Messages()
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d: %+v", len(msgs), msgs)
	}
	if msgs[0].Role != types.RoleUser || msgs[0].Content != "hi" {
		t.Errorf("unexpected first message: %+v", msgs[0])
	}
	if msgs[1].Role != types.RoleAssistant || msgs[1].Content != "Hello" || !msgs[1].IsComplete {
		t.Errorf("unexpected second message: %+v", msgs[1])
	}
	if h.rec.Turn().IsTurnOpen() {
		t.Error("turn should be closed")
	}
}

func TestAccumulation(t *testing.T) {
	const full = "Hello world! Goodbye"
	chunk := func(text string, acc int, completed bool) string {
		b, _ := json.Marshal(map[string]any{
			"event_type":         "agent_message",
			"message_id":         "m1",
			"message":            text,
			"accumulated_length": acc,
			"completed":          completed,
		})
		return string(b)
	}

	tests := []struct {
		name   string
		frames []string
	}{
		{
			name: "in order with duplicates",
			frames: []string{
				chunk("Hello", 5, false),
				chunk("Hello", 5, false),
				chunk(" world!", 12, false),
				chunk(" world!", 12, false),
				chunk(" Goodbye", 20, true),
			},
		},
		{
			name: "late duplicate of first chunk",
			frames: []string{
				chunk("Hello", 5, false),
				chunk(" world!", 12, false),
				chunk("Hello", 5, false),
				chunk(" world!", 12, false),
				chunk(" Goodbye", 20, true),
			},
		},
		{
			name: "duplicate carries full text so far",
			frames: []string{
				chunk("Hello", 5, false),
				chunk("Hello", 5, false),
				chunk(" world!", 12, false),
				chunk("Hello world!", 12, false),
				chunk(" Goodbye", 20, true),
			},
		},
		{
			name: "overlapping final chunk",
			frames: []string{
				chunk("Hello", 5, false),
				chunk("Hello", 5, false),
				chunk(" world!", 12, false),
				chunk(" world!", 12, false),
				chunk("! Goodbye", 20, true),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, 0)
			var lengths []int
			for _, f := range tt.frames {
				h.send(f)
				m, ok := h.rec.Transcript().Get("msg:m1")
				if !ok {
					t.Fatal("message missing")
				}
				lengths = append(lengths, len([]rune(m.Content)))
			}
			m, _ := h.rec.Transcript().Get("msg:m1")
			if m.Content != full {
				t.Errorf("expected %q, got %q", full, m.Content)
			}
			for i := 1; i < len(lengths); i++ {
				if lengths[i] < lengths[i-1] {
					t.Errorf("content shrank: %v", lengths)
				}
			}
		})
	}
}

func TestMergeContent(t *testing.T) {
	n := func(v int) *int { return &v }
	tests := []struct {
		name     string
		existing string
		incoming string
		acc      *int
		want     string
	}{
		{"no hint appends", "ab", "cd", nil, "abcd"},
		{"full text replaces", "ab", "abcd", n(4), "abcd"},
		{"covered ignores", "abcd", "cd", n(4), "abcd"},
		{"equal length keeps existing", "abcd", "wxyz", n(4), "abcd"},
		{"longer full text replaces", "abcd", "abcde", n(5), "abcde"},
		{"tail slice", "abc", "bcd", n(4), "abcd"},
		{"short chunk appended whole", "ab", "c", n(4), "abc"},
		{"code points", "héllo", " wörld", n(11), "héllo wörld"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := mergeContent(tt.existing, tt.incoming, tt.acc); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTurnClosure(t *testing.T) {
	h := newHarness(t, 0)

	h.send(`{"event_type":"agent_thinking","agent_id":"A"}`)
	h.send(`{"event_type":"agent_message","agent_id":"A","message_id":"m1","message":"Work","completed":false}`)
	if !h.rec.Turn().IsTurnOpen() {
		t.Fatal("turn should be open while m1 streams")
	}

	h.send(`{"event_type":"agent_message","agent_id":"A","message_id":"m1","message":"","completed":true}`)
	h.send(`{"event_type":"agent_completed","agent_id":"A"}`)

	snap := h.rec.Turn().Snapshot()
	if snap.IsTurnOpen || snap.InputLocked {
		t.Errorf("turn should be closed and input unlocked: %+v", snap)
	}
	if len(snap.ClosedMessageIDs) != 1 || snap.ClosedMessageIDs[0] != "msg:m1" {
		t.Errorf("unexpected closed ids: %v", snap.ClosedMessageIDs)
	}
}

func TestClosedMessageIgnoresLateChunks(t *testing.T) {
	h := newHarness(t, 0)
	h.send(
		`{"event_type":"agent_message","message_id":"m1","message":"done","completed":true}`,
		`{"event_type":"agent_message","message_id":"m1","message":" more"}`,
		`{"event_type":"agent_message","message_id":"m1","message":" again","completed":true}`,
	)
	m, _ := h.rec.Transcript().Get("msg:m1")
	if m.Content != "done" {
		t.Errorf("closed content should be frozen, got %q", m.Content)
	}
	if h.rec.Turn().IsTurnOpen() {
		t.Error("late chunk reopened the turn")
	}
}

func TestEmptyCompletionForAbsentMessage(t *testing.T) {
	h := newHarness(t, 0)
	eff := h.send(`{"event_type":"agent_message","message_id":"ghost","message":"","completed":true}`)
	if eff != 0 {
		t.Errorf("expected no effect, got %v", eff)
	}
	if h.rec.Transcript().Len() != 0 {
		t.Error("empty completion created a message")
	}
}

func TestUserEchoSuppressed(t *testing.T) {
	h := newHarness(t, 0)
	h.rec.AddLocal(types.Message{ID: "local:1", Role: types.RoleUser, Content: "hello there"})
	h.send(`{"event_type":"user_message","message":"  hello there \n"}`)

	if n := h.rec.Transcript().Len(); n != 1 {
		t.Errorf("expected server echo to be absorbed, got %d messages", n)
	}
}

func TestOneShotSynthesizedText(t *testing.T) {
	h := newHarness(t, 0)
	h.send(
		`{"event_type":"subtask_assigned","subtask_id":"s1","agent_id":"A"}`,
		`{"event_type":"task_decomposed","subtasks":[{},{},{}]}`,
		`{"event_type":"log"}`,
	)
	msgs := h.rec.Messages()
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Content != "Subtask s1 assigned to A" {
		t.Errorf("unexpected text %q", msgs[0].Content)
	}
	if msgs[1].Content != "Task decomposed into 3 subtasks" {
		t.Errorf("unexpected text %q", msgs[1].Content)
	}
	if msgs[0].ID == msgs[1].ID {
		t.Error("one-shot events collided")
	}
}

func TestIdenticalOneShotsStayDistinct(t *testing.T) {
	h := newHarness(t, 0)
	h.send(
		`{"event_type":"status","message":"working"}`,
		`{"event_type":"status","message":"working"}`,
	)
	if n := h.rec.Transcript().Len(); n != 2 {
		t.Errorf("expected 2 status lines, got %d", n)
	}
}

func TestWorkingAttachesEvents(t *testing.T) {
	h := newHarness(t, 0)
	h.send(
		`{"event_type":"agent_message","message_id":"m1","message":"Let me check","completed":true}`,
		`{"event_type":"tool_called","agent_id":"A","tool_name":"search"}`,
		`{"event_type":"agent_thinking","agent_id":"A","message":"hmm"}`,
	)
	m, _ := h.rec.Transcript().Get("msg:m1")
	if len(m.AttachedEvents) != 2 {
		t.Fatalf("expected 2 attached events, got %d", len(m.AttachedEvents))
	}
	if m.AttachedEvents[0].DisplayLabel != "A called search" {
		t.Errorf("unexpected label %q", m.AttachedEvents[0].DisplayLabel)
	}
	if m.AttachedEvents[1].Message != "hmm" {
		t.Errorf("unexpected message %q", m.AttachedEvents[1].Message)
	}
	if !h.rec.Turn().Snapshot().InputLocked {
		t.Error("working agent should lock input")
	}
}

func TestErrorIsFatal(t *testing.T) {
	h := newHarness(t, 0)
	h.send(`{"event_type":"agent_message","message_id":"m1","message":"partial"}`)
	eff := h.send(`{"event_type":"workflow_error","error":"boom"}`)

	if !eff.Has(types.EffectFatal) {
		t.Fatalf("expected fatal effect, got %v", eff)
	}
	h.rec.Yield()
	if h.rec.Turn().IsTurnOpen() {
		t.Error("turn should be closed after yield")
	}
	msgs := h.rec.Messages()
	if last := msgs[len(msgs)-1]; last.Content != "Error: boom" {
		t.Errorf("unexpected error entry %q", last.Content)
	}
}

func TestUnknownEventIsNoop(t *testing.T) {
	h := newHarness(t, 0)
	if eff := h.send(`{"event_type":"mystery","message":"?"}`); eff != 0 {
		t.Errorf("expected no effect, got %v", eff)
	}
}

func TestHandlerPanicRecovered(t *testing.T) {
	h := newHarness(t, 0)
	h.rec.Register("boom", func(*Reconciler, types.Sequenced) types.Effect {
		panic("handler bug")
	})
	if eff := h.send(`{"event_type":"boom"}`); eff != 0 {
		t.Errorf("expected no effect, got %v", eff)
	}
}

func TestTurnGrace(t *testing.T) {
	h := newHarness(t, 1500*time.Millisecond)
	h.send(
		`{"event_type":"agent_thinking","agent_id":"A"}`,
		`{"event_type":"agent_message","message_id":"m1","message":"x","completed":true}`,
	)
	if !h.rec.Turn().HasActiveAgents() {
		t.Fatal("agent should still be active before grace")
	}

	h.clk.Advance(1499 * time.Millisecond)
	if !h.rec.Turn().HasActiveAgents() {
		t.Fatal("grace fired early")
	}
	h.clk.Advance(time.Millisecond)
	if h.rec.Turn().HasActiveAgents() {
		t.Error("grace should have cleared active agents")
	}
}

func TestTurnGraceRestartedByNewWork(t *testing.T) {
	h := newHarness(t, time.Second)
	h.send(
		`{"event_type":"agent_thinking","agent_id":"A"}`,
		`{"event_type":"agent_message","message_id":"m1","message":"x","completed":true}`,
	)
	h.clk.Advance(900 * time.Millisecond)
	h.send(`{"event_type":"tool_called","agent_id":"A"}`)

	h.clk.Advance(900 * time.Millisecond)
	if !h.rec.Turn().HasActiveAgents() {
		t.Fatal("new work should restart the grace window")
	}
	h.clk.Advance(100 * time.Millisecond)
	if h.rec.Turn().HasActiveAgents() {
		t.Error("grace should clear the agent once the window passes")
	}
}

func TestTurnGraceAfterWorkWithoutCompletion(t *testing.T) {
	h := newHarness(t, 1500*time.Millisecond)
	h.send(
		`{"event_type":"agent_message","message_id":"m1","message":"Let me look","completed":true}`,
		`{"event_type":"tool_called","agent_id":"A","tool_name":"search"}`,
	)
	if !h.rec.Turn().Snapshot().InputLocked {
		t.Fatal("working agent should lock input")
	}

	h.clk.Advance(10 * time.Second)
	snap := h.rec.Turn().Snapshot()
	if len(snap.ActiveAgents) != 0 || snap.InputLocked {
		t.Errorf("agent left working with nothing open: %+v", snap)
	}
}

func TestTurnGraceWaitsForOpenMessage(t *testing.T) {
	h := newHarness(t, time.Second)
	h.send(
		`{"event_type":"agent_thinking","agent_id":"A"}`,
		`{"event_type":"agent_message","message_id":"m1","message":"still going"}`,
	)
	h.clk.Advance(time.Minute)
	if !h.rec.Turn().HasActiveAgents() {
		t.Error("grace cleared an agent while its message is open")
	}
}

func TestTurnGraceDisabled(t *testing.T) {
	h := newHarness(t, 0)
	h.send(
		`{"event_type":"agent_thinking","agent_id":"A"}`,
		`{"event_type":"agent_message","message_id":"m1","message":"x","completed":true}`,
	)
	h.clk.Advance(time.Minute)
	if !h.rec.Turn().HasActiveAgents() {
		t.Error("disabled grace cleared agents")
	}
	if h.clk.Pending() != 0 {
		t.Error("disabled grace armed a timer")
	}
}

func TestStopCancelsGrace(t *testing.T) {
	h := newHarness(t, time.Second)
	h.send(
		`{"event_type":"agent_thinking","agent_id":"A"}`,
		`{"event_type":"agent_message","message_id":"m1","message":"x","completed":true}`,
	)
	h.rec.Stop()
	if h.clk.Pending() != 0 {
		t.Error("stop left a timer pending")
	}
	if eff := h.send(`{"event_type":"log","message":"after stop"}`); eff != 0 {
		t.Error("stopped reconciler applied an event")
	}
}

func TestOrderingStability(t *testing.T) {
	tr := NewTranscript()
	inputs := []types.Message{
		{ID: "c", Timestamp: 100.000003, Seq: 3},
		{ID: "a", Timestamp: 100.000001, Seq: 1},
		{ID: "e", Timestamp: 200, Seq: 5},
		{ID: "b", Timestamp: 100.000002, Seq: 2},
		{ID: "d", Timestamp: 150, Seq: 4},
		{ID: "d2", Timestamp: 150, Seq: 6},
	}
	for i := range inputs {
		tr.Insert(&inputs[i])
	}

	var ids []string
	for _, m := range tr.Messages() {
		ids = append(ids, string(m.ID))
	}
	if got := strings.Join(ids, ","); got != "a,b,c,d,d2,e" {
		t.Errorf("unexpected order %s", got)
	}
	if tr.Insert(&types.Message{ID: "a"}) {
		t.Error("duplicate id inserted")
	}
}

func TestAdoptCarriesState(t *testing.T) {
	h := newHarness(t, 0)
	h.send(`{"event_type":"agent_message","message_id":"m1","message":"done","completed":true}`)

	next := New(Options{Clock: h.clk})
	next.Adopt(h.rec)
	if next.Transcript().Len() != 1 || !next.Turn().IsClosed("msg:m1") {
		t.Fatal("adopt lost state")
	}

	// Mutating the new session leaves the old one alone.
	next.AddLocal(types.Message{ID: "local", Role: types.RoleUser, Content: "x"})
	if h.rec.Transcript().Len() != 1 {
		t.Error("adopt shares the transcript")
	}
}
