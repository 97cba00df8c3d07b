package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/user/agentstream/internal/types"
)

// Client implements API over HTTP.
type Client struct {
	config     Config
	httpClient *http.Client
}

// New creates a backend client with the given configuration.
func New(config Config) *Client {
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	return &Client{
		config: config,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// appendRequest is the body of a run log append.
type appendRequest struct {
	EventType string `json:"event_type"`
	Message   string `json:"message"`
}

// intentRequest is the body of an intent update.
type intentRequest struct {
	Intent string `json:"intent"`
}

func (c *Client) AppendUserMessage(ctx context.Context, runID types.RunID, text string) error {
	path := "/runs/" + url.PathEscape(string(runID)) + "/events"
	return c.do(ctx, "append user message", http.MethodPost, path,
		appendRequest{EventType: "user_message", Message: text}, nil)
}

func (c *Client) UpdateIntent(ctx context.Context, workspaceID, text string) error {
	path := "/workspaces/" + url.PathEscape(workspaceID) + "/intent"
	return c.do(ctx, "update intent", http.MethodPut, path, intentRequest{Intent: text}, nil)
}

func (c *Client) GetWorkspace(ctx context.Context, workspaceID string) (*Workspace, error) {
	var ws Workspace
	path := "/workspaces/" + url.PathEscape(workspaceID)
	if err := c.do(ctx, "get workspace", http.MethodGet, path, nil, &ws); err != nil {
		return nil, err
	}
	return &ws, nil
}

// do sends one JSON request. out may be nil when the response body is
// not needed.
func (c *Client) do(ctx context.Context, op, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: marshaling request: %w", op, err)
		}
		body = bytes.NewReader(data)
	}

	endpoint := c.config.BaseURL + path
	if c.config.TenantID != "" {
		endpoint += "?tid=" + url.QueryEscape(string(c.config.TenantID))
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("%s: creating request: %w", op, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", types.NewRequestID())
	if c.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.Token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s: sending request: %w", op, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s: reading response: %w", op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{Op: op, StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(respBody))}
	}

	if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("%s: parsing response: %w", op, err)
	}
	return nil
}
