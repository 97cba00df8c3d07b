// Package backend is the outbound client for the multi-agent backend: it
// appends user input to a run log and persists workspace intent.
package backend

import (
	"context"
	"fmt"
	"time"

	"github.com/user/agentstream/internal/types"
)

// API is the set of outbound calls the engine makes.
type API interface {
	// AppendUserMessage appends a user_message event to the run log.
	AppendUserMessage(ctx context.Context, runID types.RunID, text string) error

	// UpdateIntent persists intent text against a workspace.
	UpdateIntent(ctx context.Context, workspaceID, text string) error

	// GetWorkspace re-reads workspace state, used to confirm a write landed.
	GetWorkspace(ctx context.Context, workspaceID string) (*Workspace, error)
}

// Config holds connection settings for the backend.
type Config struct {
	BaseURL  string
	TenantID types.TenantID
	Token    string
	Timeout  time.Duration
}

// Workspace is the subset of workspace state the engine reads back.
type Workspace struct {
	ID        string    `json:"id"`
	Name      string    `json:"name,omitempty"`
	Intent    string    `json:"intent"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// APIError is returned when the backend responds with a non-2xx status.
type APIError struct {
	// Op names the call that failed, e.g. "update intent".
	Op         string
	StatusCode int
	Message    string
}

func (err *APIError) Error() string {
	return fmt.Sprintf("backend: %s: HTTP %d: %s", err.Op, err.StatusCode, err.Message)
}

// Temporary reports whether retrying may succeed.
func (err *APIError) Temporary() bool {
	return err.StatusCode == 429 || err.StatusCode >= 500
}
