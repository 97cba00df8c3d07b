package reconcile

import (
	"fmt"
	"strings"

	"github.com/user/agentstream/internal/types"
)

// oneShotTypes become standalone, already complete transcript entries.
var oneShotTypes = []string{
	"task_decomposed",
	"subtask_assigned",
	"task_completed",
	"status",
	"log",
	"agent_status",
	"user_message",
	"feedback",
	"feedback_received",
}

var errorTypes = []string{"execution_error", "workflow_error", "error"}

func registerDefaults(r *Reconciler) {
	r.Register("agent_message", handleAgentMessage)
	r.Register("assistant_message", handleAgentMessage)
	for _, t := range oneShotTypes {
		r.Register(t, handleOneShot)
	}
	r.Register("agent_thinking", handleWorking)
	r.Register("tool_called", handleWorking)
	r.Register("agent_completed", handleAgentCompleted)
	for _, t := range errorTypes {
		r.Register(t, handleError)
	}
}

// handleAgentMessage drives the absent -> open -> closed machine for one
// streamed message.
func handleAgentMessage(r *Reconciler, ev types.Sequenced) types.Effect {
	if ev.MessageID == "" {
		// Nothing to fold into; keep it as a finished entry.
		if ev.Message == "" {
			return 0
		}
		r.transcript.Insert(newMessage(ev, compositeID(ev), types.RoleAssistant, ev.Message))
		return types.EffectChanged
	}

	id := types.BackendMessageID(ev.MessageID)
	m, ok := r.transcript.Get(id)
	if !ok {
		if ev.Completed && ev.Message == "" {
			return 0
		}
		m = newMessage(ev, id, types.RoleAssistant, ev.Message)
		m.IsComplete = ev.Completed
		r.transcript.Insert(m)
		if ev.Completed {
			r.turn.Close(id)
			r.armGrace()
		} else {
			r.turn.Open(id)
		}
		return types.EffectChanged
	}

	if m.IsComplete || r.turn.IsClosed(id) {
		if !ev.Completed {
			r.logger.Debug("dropping chunk for closed message", "message_id", string(id))
		}
		return 0
	}

	m.Content = mergeContent(m.Content, ev.Message, ev.AccumulatedLength)
	if ev.AgentID != "" && m.AgentID == "" {
		m.AgentID = ev.AgentID
	}
	if ev.Completed {
		m.IsComplete = true
		r.turn.Close(id)
		r.armGrace()
	} else {
		r.turn.Open(id)
	}
	return types.EffectChanged
}

// mergeContent reconciles a new chunk against the existing content. Lengths
// are counted in code points. With a length hint the result never shrinks.
func mergeContent(existing, incoming string, accumulated *int) string {
	if accumulated == nil {
		return existing + incoming
	}
	want := *accumulated
	ex := []rune(existing)
	in := []rune(incoming)

	switch {
	case len(ex) >= want && len(ex) >= len(in):
		// Already covered; a duplicate or stale chunk.
		return existing
	case len(in) >= want:
		// The chunk is the full text so far.
		return incoming
	}

	need := want - len(ex)
	if need >= len(in) {
		return existing + incoming
	}
	return existing + string(in[len(in)-need:])
}

func handleOneShot(r *Reconciler, ev types.Sequenced) types.Effect {
	role := roleFor(ev.Type)
	text := ev.Message
	if text == "" {
		text = synthesizeText(ev)
	}
	if strings.TrimSpace(text) == "" {
		return 0
	}
	if role == types.RoleUser && r.transcript.HasContent(role, text) {
		return 0
	}

	id := compositeID(ev)
	if ev.MessageID != "" {
		id = types.BackendMessageID(ev.MessageID)
		if _, ok := r.transcript.Get(id); ok {
			return 0
		}
	}
	r.transcript.Insert(newMessage(ev, id, role, text))
	return types.EffectChanged
}

func roleFor(eventType string) types.Role {
	switch eventType {
	case "user_message":
		return types.RoleUser
	case "feedback":
		return types.RoleFeedback
	case "feedback_received":
		return types.RoleFeedbackReceived
	default:
		return types.RoleAssistant
	}
}

// synthesizeText fills in a readable line for events that arrive without
// message text.
func synthesizeText(ev types.Sequenced) string {
	switch ev.Type {
	case "task_decomposed":
		var subtasks []any
		if ev.Decode("subtasks", &subtasks) && len(subtasks) > 0 {
			return fmt.Sprintf("Task decomposed into %d subtasks", len(subtasks))
		}
		return "Task decomposed"
	case "subtask_assigned":
		subtask := orDefault(ev.SubtaskID, "subtask")
		if ev.AgentID == "" {
			return fmt.Sprintf("Subtask %s assigned", subtask)
		}
		return fmt.Sprintf("Subtask %s assigned to %s", subtask, ev.AgentID)
	case "task_completed":
		return "Task completed"
	case "agent_status":
		status := ev.String("status")
		if status == "" {
			return ""
		}
		return fmt.Sprintf("%s is %s", orDefault(ev.AgentID, "Agent"), status)
	case "status":
		return ev.String("status")
	case "feedback", "feedback_received":
		return ev.String("feedback")
	}
	return ""
}

// handleWorking raises the agent's working indicator and notes the step on
// the latest assistant message. With nothing open the grace window restarts.
func handleWorking(r *Reconciler, ev types.Sequenced) types.Effect {
	r.stopGrace()
	r.turn.RaiseAgent(ev.AgentID)

	if last := r.transcript.LastAssistant(); last != nil {
		last.AttachedEvents = append(last.AttachedEvents, types.AttachedEvent{
			EventType:    ev.Type,
			DisplayLabel: workingLabel(ev),
			Message:      ev.Message,
			Timestamp:    ev.Timestamp,
		})
	}
	r.armGrace()
	return types.EffectChanged
}

func workingLabel(ev types.Sequenced) string {
	agent := orDefault(ev.AgentID, "Agent")
	if ev.Type == "tool_called" {
		tool := ev.String("tool_name")
		if tool == "" {
			tool = ev.String("tool")
		}
		if tool == "" {
			return fmt.Sprintf("%s called a tool", agent)
		}
		return fmt.Sprintf("%s called %s", agent, tool)
	}
	return fmt.Sprintf("%s is thinking", agent)
}

func handleAgentCompleted(r *Reconciler, ev types.Sequenced) types.Effect {
	if !r.turn.LowerAgent(ev.AgentID) {
		return 0
	}
	return types.EffectChanged
}

// handleError surfaces a backend error as a transcript entry. The session
// closes the turn on EffectFatal.
func handleError(r *Reconciler, ev types.Sequenced) types.Effect {
	r.transcript.Insert(newMessage(ev, compositeID(ev), types.RoleAssistant, "Error: "+ErrorText(ev)))
	return types.EffectChanged | types.EffectFatal
}

// ErrorText extracts the human-readable error of a backend error event.
func ErrorText(ev types.Sequenced) string {
	for _, name := range []string{"message", "error", "detail"} {
		if s := ev.String(name); s != "" {
			return s
		}
	}
	if ev.Message != "" {
		return ev.Message
	}
	return "the workflow failed"
}

func newMessage(ev types.Sequenced, id types.MessageID, role types.Role, content string) *types.Message {
	return &types.Message{
		ID:         id,
		Role:       role,
		Content:    content,
		Timestamp:  ev.Timestamp,
		Seq:        ev.Seq,
		IsComplete: true,
		AgentID:    ev.AgentID,
		EventType:  ev.Type,
	}
}

func compositeID(ev types.Sequenced) types.MessageID {
	return types.CompositeMessageID(ev.Type, ev.AgentID, ev.SubtaskID, ev.Arrival.UnixMilli(), ev.Seq)
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
