// internal/types/ids.go
package types

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

type RunID string
type TenantID string
type EventID string
type MessageID string
type SessionToken string
type QuestionID string

// NewSessionToken returns a fresh token identifying one stream session.
// Outbound completions compare it against the current session before
// applying their results.
func NewSessionToken() SessionToken {
	return SessionToken(uuid.New().String())
}

// NewRequestID returns a random id for outbound requests.
func NewRequestID() string {
	return uuid.New().String()
}

// BackendMessageID maps a backend-supplied message_id to a transcript id.
// Repeated delivery of the same logical message folds into one record.
func BackendMessageID(messageID string) MessageID {
	return MessageID("msg:" + messageID)
}

// CompositeMessageID builds the id for a one-shot event that carries no
// message_id. The arrival time and sequence keep distinct events apart.
func CompositeMessageID(eventType, agentID, subtaskID string, arrivalMs int64, seq int64) MessageID {
	return MessageID(strings.Join([]string{
		eventType,
		agentID,
		subtaskID,
		fmt.Sprintf("%d", arrivalMs),
		fmt.Sprintf("%d", seq),
	}, ":"))
}
