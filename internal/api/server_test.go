package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/user/agentstream/internal/clock"
	"github.com/user/agentstream/internal/engine"
	"github.com/user/agentstream/internal/reveal"
	"github.com/user/agentstream/internal/state"
	"github.com/user/agentstream/internal/types"
)

type idleTicks struct{}

func (idleTicks) RequestTick(func(time.Time)) reveal.TickHandle { return 1 }
func (idleTicks) CancelTick(reveal.TickHandle)                  {}

func setupServer(t *testing.T) (*Server, *engine.Engine) {
	t.Helper()
	e := engine.New(engine.Options{
		Clock:  clock.NewFake(time.UnixMilli(1_700_000_000_000)),
		Reveal: reveal.Options{Ticks: idleTicks{}},
	})
	t.Cleanup(e.Close)
	return NewServer(e, nil, nil), e
}

func do(srv *Server, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	return w
}

func TestHealthEndpoint(t *testing.T) {
	srv, e := setupServer(t)

	w := do(srv, "GET", "/api/v1/health", "")
	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
	var body map[string]any
	json.NewDecoder(w.Body).Decode(&body)
	if body["status"] != "ok" || body["session"] != false {
		t.Errorf("unexpected body %v", body)
	}

	e.StartStream(engine.StartOptions{RunID: "run-1"})
	w = do(srv, "GET", "/api/v1/health", "")
	body = nil
	json.NewDecoder(w.Body).Decode(&body)
	if body["session"] != true || body["run_id"] != "run-1" {
		t.Errorf("unexpected body %v", body)
	}
}

func TestSnapshotEndpoint(t *testing.T) {
	srv, e := setupServer(t)
	e.StartStream(engine.StartOptions{RunID: "run-1"})
	e.Ingest(`{"event_type":"user_message","message":"hi"}`+"\n"+
		`{"event_type":"agent_message","message_id":"x1","message":"Hello","completed":true}`+"\n", "")

	w := do(srv, "GET", "/api/v1/snapshot", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected application/json, got %s", ct)
	}

	var snap engine.Snapshot
	if err := json.NewDecoder(w.Body).Decode(&snap); err != nil {
		t.Fatal(err)
	}
	if len(snap.Messages) != 2 || snap.Messages[1].Content != "Hello" {
		t.Errorf("unexpected messages %+v", snap.Messages)
	}
	if snap.RunID != "run-1" {
		t.Errorf("expected run-1, got %s", snap.RunID)
	}
}

func TestVisibleEndpoint(t *testing.T) {
	srv, e := setupServer(t)
	e.StartStream(engine.StartOptions{RunID: "run-1"})
	e.Ingest(`{"event_type":"agent_message","message_id":"m1","message":"Hello"}`, "")

	w := do(srv, "GET", "/api/v1/snapshot/messages/msg:m1/visible", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var v engine.Visibility
	json.NewDecoder(w.Body).Decode(&v)
	if v.Full != 5 || !v.Streaming {
		t.Errorf("unexpected visibility %+v", v)
	}

	w = do(srv, "GET", "/api/v1/snapshot/messages/msg:none/visible", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestPostMessage(t *testing.T) {
	srv, e := setupServer(t)

	w := do(srv, "POST", "/api/v1/messages", `{"text":"hello"}`)
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409 without a session, got %d", w.Code)
	}

	e.StartStream(engine.StartOptions{RunID: "run-1"})

	tests := []struct {
		body string
		code int
	}{
		{`{"text":"hello"}`, http.StatusAccepted},
		{`{"text":"   "}`, http.StatusBadRequest},
		{`not json`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		w := do(srv, "POST", "/api/v1/messages", tt.body)
		if w.Code != tt.code {
			t.Errorf("body %q: expected %d, got %d", tt.body, tt.code, w.Code)
		}
	}

	snap := e.Snapshot()
	if len(snap.Messages) != 1 || snap.Messages[0].Role != types.RoleUser {
		t.Errorf("expected one local user message, got %+v", snap.Messages)
	}
}

func TestAnswerClarification(t *testing.T) {
	srv, e := setupServer(t)
	e.StartStream(engine.StartOptions{RunID: "run-1"})
	e.Ingest(`{"event_type":"clarification_needed","questions":[{"id":"q1","question":"Which region?"}]}`+"\n", "")

	if !e.Snapshot().Artifacts.Clarification.Ready {
		t.Fatal("expected a pending question")
	}

	w := do(srv, "POST", "/api/v1/clarifications/q1/answer", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if e.Snapshot().Artifacts.Clarification.Ready {
		t.Error("question should be answered")
	}

	w = do(srv, "POST", "/api/v1/clarifications/q1/answer", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for an answered question, got %d", w.Code)
	}
}

type failingEngine struct {
	snap engine.Snapshot
}

func (f failingEngine) Snapshot() engine.Snapshot { return f.snap }
func (failingEngine) Visible(types.MessageID) (engine.Visibility, bool) {
	return engine.Visibility{}, false
}
func (failingEngine) SubmitUserMessage(context.Context, string) (types.MessageID, error) {
	return "local:1", errors.New("backend down")
}
func (failingEngine) AnswerClarification(context.Context, string, string) (bool, error) {
	return true, errors.New("backend down")
}

func TestBackendFailures(t *testing.T) {
	srv := NewServer(failingEngine{}, nil, nil)

	w := do(srv, "POST", "/api/v1/messages", `{"text":"hello"}`)
	if w.Code != http.StatusBadGateway {
		t.Errorf("expected 502, got %d", w.Code)
	}
	var body map[string]string
	json.NewDecoder(w.Body).Decode(&body)
	if body["id"] != "local:1" {
		t.Errorf("local echo id should be reported, got %v", body)
	}

	w = do(srv, "POST", "/api/v1/clarifications/q1/answer", `{"answer":"EU"}`)
	if w.Code != http.StatusBadGateway {
		t.Errorf("expected 502, got %d", w.Code)
	}
}

func TestFramesEndpoint(t *testing.T) {
	srv, _ := setupServer(t)
	w := do(srv, "GET", "/api/v1/runs/run-1/frames", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 without a frame log, got %d", w.Code)
	}

	frames := state.NewFrameLog(t.TempDir())
	ctx := context.Background()
	for _, text := range []string{"a", "b", "c"} {
		if err := frames.Append(ctx, &types.Frame{RunID: "run-1", Text: text}); err != nil {
			t.Fatal(err)
		}
	}
	srv = NewServer(failingEngine{}, frames, nil)

	w = do(srv, "GET", "/api/v1/runs/run-1/frames?limit=2", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var got []types.Frame
	json.NewDecoder(w.Body).Decode(&got)
	if len(got) != 2 || got[0].Text != "b" {
		t.Errorf("unexpected frames %+v", got)
	}

	w = do(srv, "GET", "/api/v1/runs/other/frames", "")
	if w.Body.String() != "[]\n" {
		t.Errorf("expected empty list, got %q", w.Body.String())
	}
}
