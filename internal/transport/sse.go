package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
)

// SSEEvent is a single Server-Sent Event parsed from an SSE stream.
type SSEEvent struct {
	// Type is the "event:" field; empty for the default type.
	Type string

	// ID is the last event ID in effect when the event was dispatched.
	// Per the SSE rules it persists across events until changed.
	ID string

	// Data joins the event's "data:" lines with newlines.
	Data string
}

// SSEScanner reads Server-Sent Events from an io.Reader. Events are
// delimited by blank lines; comment lines and unknown fields are ignored.
type SSEScanner struct {
	reader  *bufio.Reader
	current SSEEvent
	lastID  string
	err     error
}

// NewSSEScanner creates a scanner reading from reader. lastID seeds the
// last event ID, as when resuming a stream.
func NewSSEScanner(reader io.Reader, lastID string) *SSEScanner {
	return &SSEScanner{
		reader: bufio.NewReaderSize(reader, 64*1024),
		lastID: lastID,
	}
}

// Next advances to the next event. Returns false when the stream ends or
// an error occurs; call Err to tell the two apart.
func (scanner *SSEScanner) Next() bool {
	if scanner.err != nil {
		return false
	}
	scanner.current = SSEEvent{}

	var dataLines []string
	var eventType string
	hasData := false

	for {
		line, err := scanner.reader.ReadString('\n')

		if err != nil && line == "" {
			// A stream cut mid-event drops the partial event.
			scanner.err = err
			return false
		}

		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			if hasData {
				scanner.current = SSEEvent{
					Type: eventType,
					ID:   scanner.lastID,
					Data: strings.Join(dataLines, "\n"),
				}
				return true
			}
			eventType = ""
			continue
		}

		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, hasColon := strings.Cut(line, ":")
		if !hasColon {
			field = line
			value = ""
		} else {
			value = strings.TrimPrefix(value, " ")
		}

		switch field {
		case "data":
			dataLines = append(dataLines, value)
			hasData = true
		case "event":
			eventType = value
		case "id":
			if !strings.ContainsRune(value, 0) {
				scanner.lastID = value
			}
		}

		if err != nil {
			// Final line without a trailing newline.
			scanner.err = err
			return false
		}
	}
}

// Event returns the most recently parsed event.
func (scanner *SSEScanner) Event() SSEEvent {
	return scanner.current
}

// LastID returns the last event ID seen so far.
func (scanner *SSEScanner) LastID() string {
	return scanner.lastID
}

// Err returns the first error encountered. A clean EOF yields nil.
func (scanner *SSEScanner) Err() error {
	if errors.Is(scanner.err, io.EOF) {
		return nil
	}
	return scanner.err
}

// SSEConfig configures an SSEClient.
type SSEConfig struct {
	URL   string
	Token string
	// LastEventID resumes the stream after the given event.
	LastEventID string
	Retry       *RetryPolicy
	HTTPClient  *http.Client
	Logger      *slog.Logger
}

// SSEClient consumes a text/event-stream endpoint, reconnecting with
// Last-Event-ID when the stream drops.
type SSEClient struct {
	config  SSEConfig
	handler Handler
	logger  *slog.Logger

	mu     sync.Mutex
	lastID string
	cancel context.CancelFunc
	closed bool
}

func NewSSEClient(config SSEConfig, handler Handler) *SSEClient {
	if config.Retry == nil {
		config.Retry = DefaultRetryPolicy()
	}
	if config.HTTPClient == nil {
		// No overall timeout: the response body is the stream.
		config.HTTPClient = &http.Client{}
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &SSEClient{
		config:  config,
		handler: handler,
		logger:  config.Logger.With("url", config.URL),
		lastID:  config.LastEventID,
	}
}

// Run connects and delivers events until ctx is done, Close is called, the
// server ends the stream with a permanent error, or the retry policy gives
// up. A connection that delivered at least one event resets the attempt
// count.
func (c *SSEClient) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cancel()
		return nil
	}
	c.cancel = cancel
	c.mu.Unlock()
	defer cancel()

	attempt := 0
	for {
		delivered, err := c.stream(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			err = io.ErrUnexpectedEOF
		}
		if delivered > 0 {
			attempt = 0
		}
		attempt++

		c.handler.OnError(err)
		if !c.config.Retry.ShouldRetry(err, attempt) {
			return fmt.Errorf("event stream: %w", err)
		}
		c.logger.Warn("event stream dropped, reconnecting",
			"attempt", attempt,
			"last_event_id", c.LastEventID(),
			"error", err,
		)
		if err := c.config.Retry.Wait(ctx, attempt); err != nil {
			return nil
		}
	}
}

// stream runs one connection and returns the number of events delivered.
func (c *SSEClient) stream(ctx context.Context) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.URL, nil)
	if err != nil {
		return 0, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if id := c.LastEventID(); id != "" {
		req.Header.Set("Last-Event-ID", id)
	}
	if c.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.Token)
	}

	resp, err := c.config.HTTPClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("connecting: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return 0, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	c.logger.Info("event stream connected")

	scanner := NewSSEScanner(resp.Body, c.LastEventID())
	delivered := 0
	for scanner.Next() {
		ev := scanner.Event()
		c.mu.Lock()
		c.lastID = ev.ID
		c.mu.Unlock()
		c.handler.OnMessage(ev.Data, ev.ID)
		delivered++
	}
	return delivered, scanner.Err()
}

// LastEventID returns the id of the last delivered event.
func (c *SSEClient) LastEventID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastID
}

// Close stops Run.
func (c *SSEClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.cancel != nil {
		c.cancel()
	}
}
