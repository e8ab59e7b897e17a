package client

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"
	natsclient "github.com/nats-io/nats.go"
	"github.com/wehubfusion/Daedalus/internal/nats"
	"github.com/wehubfusion/Daedalus/pkg/engine/handlers/trigger"
	sdkerrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/message"
	"go.uber.org/zap"
)

// Client owns the NATS connection and exposes the JetStream message service.
// JetStream must be enabled on the server.
//
//	c := client.NewClient("nats://localhost:4222")
//	if err := c.Connect(ctx); err != nil {
//	    return err
//	}
//	defer c.Close()
//	err := c.Submit(ctx, message.NewExecutionRequest(node, input, nil))
type Client struct {
	conn   *natsclient.Conn
	js     natsclient.JetStreamContext
	config *nats.ConnectionConfig
	logger *zap.Logger

	// Messages publishes requests and results and pulls requests
	Messages *message.MessageService
}

// NewClient creates a client with the default connection settings.
func NewClient(url string) *Client {
	return NewClientWithConfig(nats.DefaultConnectionConfig(url))
}

// NewClientWithConfig creates a client with custom connection settings.
func NewClientWithConfig(config *nats.ConnectionConfig) *Client {
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{config: config, logger: logger}
}

// NewClientWithJSContext creates a client over an existing JSContext without a
// connection. Tests use it with an in-memory JetStream.
func NewClientWithJSContext(js message.JSContext, config *nats.ConnectionConfig) (*Client, error) {
	if config == nil {
		config = nats.DefaultConnectionConfig("")
	}
	c := NewClientWithConfig(config)
	svc, err := message.NewMessageService(js, c.serviceConfig())
	if err != nil {
		return nil, err
	}
	c.Messages = svc
	return c, nil
}

func (c *Client) serviceConfig() message.ServiceConfig {
	return message.ServiceConfig{
		RequestStream:     c.config.RequestStream,
		RequestSubject:    c.config.RequestSubject,
		ResultStream:      c.config.ResultStream,
		ResultSubject:     c.config.ResultSubject,
		MaxDeliver:        c.config.MaxDeliver,
		PublishMaxRetries: c.config.PublishMaxRetries,
		Logger:            c.logger.Named("messages"),
	}
}

// Connect dials NATS, opens JetStream and creates the message service.
func (c *Client) Connect(ctx context.Context) error {
	if c.conn != nil && c.conn.IsConnected() {
		return nil
	}

	conn, err := nats.Connect(ctx, c.config)
	if err != nil {
		return sdkerrors.NewInternalError("failed to connect to NATS", "CONNECTION_FAILED", err)
	}
	c.conn = conn

	js, err := conn.JetStream()
	if err != nil {
		_ = nats.Close(c.conn)
		c.conn = nil
		return sdkerrors.NewInternalError("JetStream is not enabled on the NATS server", "JETSTREAM_NOT_ENABLED", err)
	}
	c.js = js

	svc, err := message.NewMessageService(message.WrapNATSJetStream(js), c.serviceConfig())
	if err != nil {
		_ = nats.Close(c.conn)
		c.conn = nil
		c.js = nil
		return sdkerrors.NewInternalError("failed to initialize message service", "SERVICE_INIT_FAILED", err)
	}
	c.Messages = svc

	c.logger.Info("Connected to NATS", zap.String("url", conn.ConnectedUrl()))
	return nil
}

// Submit ensures the streams exist and queues an execution request.
func (c *Client) Submit(ctx context.Context, req *message.ExecutionRequest) error {
	if c.Messages == nil {
		return sdkerrors.NewInternalError("client is not connected", "NOT_CONNECTED", sdkerrors.ErrNotConnected)
	}
	if err := c.Messages.EnsureTopology(""); err != nil {
		return err
	}
	return c.Messages.PublishRequest(ctx, req)
}

// Notifier returns a trigger.Notifier that publishes error notifications on the
// notification subject.
func (c *Client) Notifier() trigger.Notifier {
	return &jetStreamNotifier{client: c}
}

type jetStreamNotifier struct {
	client *Client
}

func (n *jetStreamNotifier) Notify(ctx context.Context, notification trigger.Notification) error {
	svc := n.client.Messages
	if svc == nil {
		return sdkerrors.NewInternalError("client is not connected", "NOT_CONNECTED", sdkerrors.ErrNotConnected)
	}
	if err := svc.EnsureStream(n.client.config.NotificationStream, n.client.config.NotificationSubject); err != nil {
		return sdkerrors.NewInternalError("failed to ensure notification stream", "STREAM_ENSURE_FAILED", err)
	}

	data, err := json.Marshal(notification)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}
	return svc.Publish(ctx, n.client.config.NotificationSubject, data)
}

// Close drains and closes the connection.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	if err := nats.Close(c.conn); err != nil {
		return sdkerrors.NewInternalError("failed to close connection", "CLOSE_FAILED", err)
	}
	c.conn = nil
	c.js = nil
	c.Messages = nil
	return nil
}

// IsConnected reports whether the connection is up.
func (c *Client) IsConnected() bool {
	return nats.IsConnected(c.conn)
}

// Connection returns the underlying NATS connection.
func (c *Client) Connection() *natsclient.Conn {
	return c.conn
}

// Stats returns connection statistics.
func (c *Client) Stats() ConnectionStats {
	if c.conn == nil {
		return ConnectionStats{}
	}
	stats := c.conn.Stats()
	return ConnectionStats{
		InMsgs:     stats.InMsgs,
		OutMsgs:    stats.OutMsgs,
		InBytes:    stats.InBytes,
		OutBytes:   stats.OutBytes,
		Reconnects: stats.Reconnects,
	}
}

// ConnectionStats holds connection statistics.
type ConnectionStats struct {
	InMsgs     uint64
	OutMsgs    uint64
	InBytes    uint64
	OutBytes   uint64
	Reconnects uint64
}

// Ping flushes the connection to verify the server is responsive.
func (c *Client) Ping(ctx context.Context) error {
	if !c.IsConnected() {
		return sdkerrors.NewInternalError("not connected to NATS", "NOT_CONNECTED", sdkerrors.ErrNotConnected)
	}

	resultCh := make(chan error, 1)
	go func() {
		resultCh <- c.conn.FlushTimeout(c.config.Timeout)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("ping cancelled: %w", ctx.Err())
	case err := <-resultCh:
		if err != nil {
			return sdkerrors.NewInternalError("ping failed", "PING_FAILED", err)
		}
		return nil
	}
}
