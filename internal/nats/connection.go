package nats

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// ConnectionConfig holds the NATS connection settings of a worker or client.
type ConnectionConfig struct {
	// URL is the NATS server URL (e.g., "nats://localhost:4222")
	URL string

	// Name identifies this connection on the server
	Name string

	// MaxReconnects is the maximum number of reconnection attempts (-1 for unlimited)
	MaxReconnects int

	// ReconnectWait is the time to wait between reconnection attempts
	ReconnectWait time.Duration

	// Timeout is the dial timeout
	Timeout time.Duration

	// Token is an optional authentication token
	Token string

	// Username and Password are optional credentials; Token takes precedence
	Username string
	Password string

	// MaxDeliver bounds redelivery of an execution request that is never acked.
	MaxDeliver int

	// RequestStream and RequestSubject carry execution requests.
	RequestStream  string
	RequestSubject string

	// ResultStream and ResultSubject carry execution results.
	ResultStream  string
	ResultSubject string

	// NotificationStream and NotificationSubject carry error trigger notifications.
	NotificationStream  string
	NotificationSubject string

	// PublishMaxRetries bounds result publish attempts.
	PublishMaxRetries int

	// Logger receives connection lifecycle events (nil for no logging)
	Logger *zap.Logger
}

// DefaultConnectionConfig returns the defaults used by the daedalus binaries.
func DefaultConnectionConfig(url string) *ConnectionConfig {
	return &ConnectionConfig{
		URL:            url,
		Name:           "daedalus",
		MaxReconnects:  10,
		ReconnectWait:  2 * time.Second,
		Timeout:        5 * time.Second,
		MaxDeliver:     5,
		RequestStream:  "EXECUTIONS",
		RequestSubject: "daedalus.execution.request",
		ResultStream:   "EXECUTION_RESULTS",
		ResultSubject:  "daedalus.execution.result",

		NotificationStream:  "NOTIFICATIONS",
		NotificationSubject: "daedalus.notification",
		PublishMaxRetries:   3,
	}
}

// Connect dials NATS, honoring ctx while the dial is in flight.
func Connect(ctx context.Context, config *ConnectionConfig) (*nats.Conn, error) {
	if config == nil {
		return nil, fmt.Errorf("connection config cannot be nil")
	}
	if config.URL == "" {
		return nil, fmt.Errorf("NATS URL cannot be empty")
	}

	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := []nats.Option{
		nats.Name(config.Name),
		nats.MaxReconnects(config.MaxReconnects),
		nats.ReconnectWait(config.ReconnectWait),
		nats.Timeout(config.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			logger.Info("NATS connection closed")
		}),
	}

	if config.Token != "" {
		opts = append(opts, nats.Token(config.Token))
	} else if config.Username != "" && config.Password != "" {
		opts = append(opts, nats.UserInfo(config.Username, config.Password))
	}

	type result struct {
		conn *nats.Conn
		err  error
	}
	resultCh := make(chan result, 1)

	go func() {
		conn, err := nats.Connect(config.URL, opts...)
		resultCh <- result{conn: conn, err: err}
	}()

	select {
	case <-ctx.Done():
		// Close a connection that completes after cancellation.
		go func() {
			if res := <-resultCh; res.conn != nil {
				res.conn.Close()
			}
		}()
		return nil, fmt.Errorf("connection cancelled: %w", ctx.Err())
	case res := <-resultCh:
		if res.err != nil {
			return nil, fmt.Errorf("failed to connect to NATS: %w", res.err)
		}
		return res.conn, nil
	}
}

// Close drains the connection, falling back to a hard close.
func Close(conn *nats.Conn) error {
	if conn == nil {
		return nil
	}
	if err := conn.Drain(); err != nil {
		conn.Close()
		return fmt.Errorf("error draining connection: %w", err)
	}
	return nil
}

// IsConnected checks if the connection is active
func IsConnected(conn *nats.Conn) bool {
	return conn != nil && conn.IsConnected()
}
