package messagebroker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// Publisher is the narrow publishing surface services depend on.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// MessageHandler processes one delivered message.
type MessageHandler func(ctx context.Context, subject string, data []byte)

// NATSClient wraps a NATS connection.
type NATSClient struct {
	conn   *nats.Conn
	logger *slog.Logger
}

// NewNATSClient connects to NATS.
// natsURL example: "nats://localhost:4222"
func NewNATSClient(natsURL string, logger *slog.Logger, appName string) (*NATSClient, error) {
	log := logger.With("component", "nats_client")
	nc, err := nats.Connect(natsURL,
		nats.Name(appName),
		nats.Timeout(5*time.Second),
		nats.PingInterval(20*time.Second),
		nats.MaxPingsOutstanding(3),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			log.Info("NATS connection closed", "error", nc.LastError())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return &NATSClient{conn: nc, logger: log}, nil
}

// Publish sends data on subject. Context cancellation is honoured before the write.
func (c *NATSClient) Publish(ctx context.Context, subject string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.conn == nil || c.conn.IsClosed() {
		return errors.New("nats connection is closed")
	}
	if err := c.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("nats publish to %s: %w", subject, err)
	}
	return nil
}

// QueueSubscribe delivers messages on subject to handler, load-balanced across queue members.
// The subscription is drained when ctx is done.
func (c *NATSClient) QueueSubscribe(ctx context.Context, subject, queue string, handler MessageHandler) error {
	sub, err := c.conn.QueueSubscribe(subject, queue, func(msg *nats.Msg) {
		handler(ctx, msg.Subject, msg.Data)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe to %s: %w", subject, err)
	}
	c.logger.InfoContext(ctx, "Subscribed", "subject", subject, "queue", queue)

	go func() {
		<-ctx.Done()
		if err := sub.Drain(); err != nil {
			c.logger.Warn("Failed to drain subscription", "subject", subject, "error", err)
		}
	}()
	return nil
}

// Close drains pending messages and closes the connection.
func (c *NATSClient) Close() {
	if c.conn != nil && !c.conn.IsClosed() {
		if err := c.conn.Drain(); err != nil {
			c.logger.Warn("NATS drain failed", "error", err)
		}
		c.conn.Close()
	}
}
