package main

import (
	"fmt"
	"log/slog"

	"github.com/user/agentstream/internal/config"
	"github.com/user/agentstream/internal/engine"
	"github.com/user/agentstream/internal/reveal"
	"github.com/user/agentstream/internal/transport"
	"github.com/user/agentstream/internal/types"
	"github.com/user/agentstream/pkg/backend"
)

// newBackend returns nil when no API base is configured, which keeps
// outbound calls local.
func newBackend(cfg *config.Config) backend.API {
	if cfg.API.BaseURL == "" {
		return nil
	}
	return backend.New(backend.Config{
		BaseURL:  cfg.API.BaseURL,
		TenantID: types.TenantID(cfg.API.TenantID),
		Token:    cfg.API.Token,
		Timeout:  config.Millis(cfg.API.TimeoutMs),
	})
}

func engineOptions(cfg *config.Config, api backend.API) engine.Options {
	return engine.Options{
		ProcessedCap: cfg.Engine.ProcessedCap,
		TurnGrace:    config.Millis(cfg.Engine.TurnGraceMs),
		Reveal: reveal.Options{
			PerTick:       cfg.Reveal.PerTick,
			Settle:        config.Millis(cfg.Reveal.SettleMs),
			HistoryCutoff: config.Millis(cfg.Reveal.HistoryCutoffMs),
			Interval:      config.Millis(cfg.Reveal.IntervalMs),
		},
		Backend:         api,
		WorkspaceID:     cfg.API.WorkspaceID,
		OutboundTimeout: config.Millis(cfg.API.TimeoutMs),
		Logger:          slog.Default(),
	}
}

// newClient builds the configured transport for runID.
func newClient(cfg *config.Config, kind string, runID types.RunID, lastEventID string, h transport.Handler) (transport.Client, error) {
	if kind == "" {
		kind = cfg.Transport.Kind
	}
	switch kind {
	case "", "sse":
		retry := transport.DefaultRetryPolicy()
		retry.MaxAttempts = cfg.Transport.MaxAttempts
		return transport.NewSSEClient(transport.SSEConfig{
			URL:         transport.EndpointURL(cfg.API.BaseURL, runID, types.TenantID(cfg.API.TenantID)),
			Token:       cfg.API.Token,
			LastEventID: lastEventID,
			Retry:       retry,
			Logger:      slog.Default(),
		}, h), nil
	case "nats":
		return transport.NewNATSClient(transport.NATSConfig{
			URL:           cfg.Transport.NATSURL,
			Subject:       transport.Subject(runID),
			MaxReconnects: cfg.Transport.MaxAttempts,
			Logger:        slog.Default(),
		}, h), nil
	default:
		return nil, fmt.Errorf("unknown transport %q (want sse or nats)", kind)
	}
}

// streamHandler feeds deliveries into e and logs transport errors.
func streamHandler(e *engine.Engine) transport.Handler {
	return transport.HandlerFuncs{
		OnMsg: e.Ingest,
		OnErr: func(err error) {
			slog.Warn("stream error", "error", err)
		},
	}
}
