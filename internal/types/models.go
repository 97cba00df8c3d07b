// internal/types/models.go
package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Event is one backend event decoded from the stream. Only event_type is
// required; the common fields are lifted out and everything else stays
// reachable through Field and Decode. Events are never mutated after
// DecodeEvent returns.
type Event struct {
	Type              string
	AgentID           string
	SubtaskID         string
	MessageID         string
	Message           string
	AccumulatedLength *int
	Completed         bool

	raw    json.RawMessage
	fields map[string]json.RawMessage
}

// DecodeEvent decodes a JSON object into an Event. Field types are read
// leniently: a non-string "message" is kept as its compact JSON text and a
// fractional accumulated_length is truncated.
func DecodeEvent(raw json.RawMessage) (Event, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}

	e := Event{raw: raw, fields: fields}
	e.Type = e.String("event_type")
	e.AgentID = e.String("agent_id")
	e.SubtaskID = e.String("subtask_id")
	e.MessageID = e.String("message_id")
	e.Message = e.text("message")

	var n float64
	if e.Decode("accumulated_length", &n) && n >= 0 {
		l := int(n)
		e.AccumulatedLength = &l
	}
	var done bool
	if e.Decode("completed", &done) {
		e.Completed = done
	}
	return e, nil
}

// Raw returns the original JSON object.
func (e Event) Raw() json.RawMessage {
	return e.raw
}

// Has reports whether the event carries a non-null field.
func (e Event) Has(name string) bool {
	v, ok := e.fields[name]
	return ok && !bytes.Equal(bytes.TrimSpace(v), []byte("null"))
}

// Field returns the raw JSON of a field, or nil.
func (e Event) Field(name string) json.RawMessage {
	return e.fields[name]
}

// Decode unmarshals a field into v. It returns false when the field is
// missing, null or of the wrong shape.
func (e Event) Decode(name string, v any) bool {
	if !e.Has(name) {
		return false
	}
	return json.Unmarshal(e.fields[name], v) == nil
}

// String returns a string field, or "" when absent or not a string.
func (e Event) String(name string) string {
	var s string
	if e.Decode(name, &s) {
		return s
	}
	return ""
}

// text returns a string field, falling back to the compact JSON text of
// non-string values.
func (e Event) text(name string) string {
	if !e.Has(name) {
		return ""
	}
	var s string
	if err := json.Unmarshal(e.fields[name], &s); err == nil {
		return s
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, e.fields[name]); err != nil {
		return strings.TrimSpace(string(e.fields[name]))
	}
	return buf.String()
}

// Sequenced is an Event that passed deduplication, stamped with its
// session-wide sequence number and ordering timestamp.
type Sequenced struct {
	Event
	ID  EventID
	Seq int64
	// Timestamp is unix milliseconds of the batch arrival plus Seq/1e6.
	// It is non-decreasing within a session; ties are broken by Seq.
	Timestamp float64
	Arrival   time.Time
}

type Role string

const (
	RoleUser             Role = "user"
	RoleAssistant        Role = "assistant"
	RoleFeedback         Role = "feedback"
	RoleFeedbackReceived Role = "feedback_received"
)

// AttachedEvent is a side note hung off an assistant message.
type AttachedEvent struct {
	EventType    string  `json:"event_type"`
	DisplayLabel string  `json:"display_label"`
	Message      string  `json:"message,omitempty"`
	Timestamp    float64 `json:"timestamp"`
}

// Message is one transcript entry.
type Message struct {
	ID             MessageID       `json:"id"`
	Role           Role            `json:"role"`
	Content        string          `json:"content"`
	Timestamp      float64         `json:"timestamp"`
	Seq            int64           `json:"seq"`
	IsComplete     bool            `json:"is_complete"`
	AgentID        string          `json:"agent_id,omitempty"`
	EventType      string          `json:"event_type,omitempty"`
	AttachedEvents []AttachedEvent `json:"attached_events,omitempty"`
}

// Clone returns a deep copy.
func (m *Message) Clone() Message {
	c := *m
	if m.AttachedEvents != nil {
		c.AttachedEvents = append([]AttachedEvent(nil), m.AttachedEvents...)
	}
	return c
}

// SentAt converts the ordering timestamp back to wall-clock time.
func (m *Message) SentAt() time.Time {
	return time.UnixMicro(int64(m.Timestamp * 1000))
}

// Frame is one raw delivery from the transport, as recorded on disk.
type Frame struct {
	RunID       RunID     `json:"run_id"`
	Seq         int64     `json:"seq"`
	LastEventID string    `json:"last_event_id,omitempty"`
	At          time.Time `json:"at"`
	Text        string    `json:"text"`
}

// UnixMillis converts t to fractional unix milliseconds.
func UnixMillis(t time.Time) float64 {
	return float64(t.UnixMicro()) / 1000
}
