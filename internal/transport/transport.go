// Package transport delivers raw stream text to the engine. Clients call
// Handler.OnMessage once per delivered frame with the frame's event id.
package transport

import (
	"context"
	"net/url"
	"strings"

	"github.com/user/agentstream/internal/types"
)

// Handler receives deliveries from a transport client.
type Handler interface {
	OnMessage(text, lastEventID string)
	OnError(err error)
}

// Client is a running stream connection.
type Client interface {
	// Run delivers frames to the handler until ctx is cancelled, Close is
	// called, or the retry policy gives up.
	Run(ctx context.Context) error
	Close()
}

// HandlerFuncs adapts plain functions to Handler. OnErr may be nil.
type HandlerFuncs struct {
	OnMsg func(text, lastEventID string)
	OnErr func(err error)
}

func (h HandlerFuncs) OnMessage(text, lastEventID string) {
	if h.OnMsg != nil {
		h.OnMsg(text, lastEventID)
	}
}

func (h HandlerFuncs) OnError(err error) {
	if h.OnErr != nil {
		h.OnErr(err)
	}
}

// EndpointURL resolves the event stream URL of a run:
// {apiBase}/runs/{runID}/events?tid={tenantID}.
func EndpointURL(apiBase string, runID types.RunID, tenantID types.TenantID) string {
	u := strings.TrimRight(apiBase, "/") + "/runs/" + url.PathEscape(string(runID)) + "/events"
	if tenantID != "" {
		u += "?tid=" + url.QueryEscape(string(tenantID))
	}
	return u
}

// Subject is the NATS subject carrying a run's events.
func Subject(runID types.RunID) string {
	return "runs." + string(runID) + ".events"
}
