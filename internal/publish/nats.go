package publish

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"ghostwall/internal/config"
)

const (
	natsConnectTimeout = 10 * time.Second
	natsReconnectWait  = 5 * time.Second
)

type natsConn interface {
	PublishMsg(m *nats.Msg) error
	FlushWithContext(ctx context.Context) error
	Drain() error
}

// NATSSink publishes actions on <prefix>.actions and events on
// <prefix>.events.<type>.
type NATSSink struct {
	conn   natsConn
	prefix string
	logger *slog.Logger
	closed atomic.Bool
}

// NewNATSSink connects to the NATS server. The connection reconnects on
// its own; publishes fail while it is down.
func NewNATSSink(cfg config.NATSConfig, logger *slog.Logger) (*NATSSink, error) {
	if logger == nil {
		logger = slog.Default()
	}
	nc, err := nats.Connect(cfg.URL,
		nats.Name("ghostwalld"),
		nats.Timeout(natsConnectTimeout),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(natsReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.URL, err)
	}
	logger.Info("nats publisher initialized", "url", cfg.URL, "prefix", cfg.SubjectPrefix)
	return newNATSSink(nc, cfg.SubjectPrefix, logger), nil
}

func newNATSSink(conn natsConn, prefix string, logger *slog.Logger) *NATSSink {
	if prefix == "" {
		prefix = "ghostwall"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSSink{conn: conn, prefix: prefix, logger: logger}
}

func (n *NATSSink) Name() string { return "nats" }

// Subject returns the subject a message is published on.
func (n *NATSSink) Subject(m Message) string {
	if m.Kind == KindAction {
		return n.prefix + ".actions"
	}
	return n.prefix + ".events." + m.Type
}

// Send publishes msgs and flushes so the batch reaches the server before
// returning.
func (n *NATSSink) Send(ctx context.Context, msgs []Message) error {
	if n.closed.Load() {
		return ErrSinkClosed
	}
	for _, m := range msgs {
		msg := nats.NewMsg(n.Subject(m))
		msg.Data = m.Value
		msg.Header.Set("x-src-ip", m.Key)
		msg.Header.Set("x-kind", string(m.Kind))
		msg.Header.Set("x-event-type", m.Type)
		if err := n.conn.PublishMsg(msg); err != nil {
			return fmt.Errorf("nats: publish %s: %w", msg.Subject, err)
		}
	}
	if err := n.conn.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("nats: flush: %w", err)
	}
	return nil
}

// Close drains pending publishes and closes the connection.
func (n *NATSSink) Close() error {
	if n.closed.Swap(true) {
		return nil
	}
	return n.conn.Drain()
}
