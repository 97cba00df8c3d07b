package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSConfig configures a NATSClient.
type NATSConfig struct {
	URL     string
	Subject string
	// MaxReconnects bounds reconnect attempts; negative retries forever.
	MaxReconnects int
	Logger        *slog.Logger
}

// NATSClient forwards messages published on a run's subject. The
// Nats-Msg-Id header, when present, is passed on as the last event id.
type NATSClient struct {
	config  NATSConfig
	handler Handler
	logger  *slog.Logger

	done      chan struct{}
	closeOnce sync.Once
}

func NewNATSClient(config NATSConfig, handler Handler) *NATSClient {
	if config.URL == "" {
		config.URL = nats.DefaultURL
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &NATSClient{
		config:  config,
		handler: handler,
		logger:  config.Logger.With("subject", config.Subject),
		done:    make(chan struct{}),
	}
}

// Run subscribes and blocks until ctx is done or Close is called.
func (c *NATSClient) Run(ctx context.Context) error {
	nc, err := nats.Connect(c.config.URL,
		nats.Name("agentstream"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(c.config.MaxReconnects),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			c.logger.Warn("NATS disconnected", "error", err)
			if err != nil {
				c.handler.OnError(err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			c.logger.Info("NATS reconnected")
		}),
	)
	if err != nil {
		return fmt.Errorf("nats connect: %w", err)
	}
	defer nc.Drain()

	sub, err := nc.Subscribe(c.config.Subject, c.handleMsg)
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", c.config.Subject, err)
	}
	c.logger.Info("subscribed to run events")

	select {
	case <-ctx.Done():
	case <-c.done:
	}
	if err := sub.Unsubscribe(); err != nil {
		c.logger.Warn("unsubscribe failed", "error", err)
	}
	return nil
}

// handleMsg is called sequentially per subscription, so frames reach the
// handler in publish order.
func (c *NATSClient) handleMsg(msg *nats.Msg) {
	c.handler.OnMessage(string(msg.Data), msg.Header.Get(nats.MsgIdHdr))
}

func (c *NATSClient) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}
