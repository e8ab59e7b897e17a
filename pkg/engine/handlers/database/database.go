// Package database implements the DATABASE_QUERY node against PostgreSQL.
package database

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/wehubfusion/Daedalus/pkg/engine/expression"
	"github.com/wehubfusion/Daedalus/pkg/engine/runtime"
	sdkerrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"go.uber.org/zap"
)

// Pool is the subset of *pgxpool.Pool the handler needs.
type Pool interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	Close()
}

// Dialer opens a pool for a connection string.
type Dialer func(ctx context.Context, connString string) (Pool, error)

// Config is the DATABASE_QUERY node config. Params are bound positionally ($1, $2, ...)
// and may contain expression placeholders; the query text itself is never resolved.
type Config struct {
	Query            string        `json:"query"`
	Params           []interface{} `json:"params"`
	ConnectionString string        `json:"connectionString"`
}

// Validate checks that a query is present.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Query) == "" {
		return sdkerrors.NewValidationError("query", "Query is required for database node")
	}
	return nil
}

// Option configures a Handler.
type Option func(*Handler)

// WithDialer replaces the pgxpool dialer.
func WithDialer(d Dialer) Option {
	return func(h *Handler) { h.dial = d }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(h *Handler) { h.logger = logger }
}

// Handler executes DATABASE_QUERY nodes. Pools are opened on first use and cached
// per connection string for the lifetime of the handler.
type Handler struct {
	dial   Dialer
	logger *zap.Logger

	mu    sync.Mutex
	pools map[string]Pool
}

// NewHandler creates a database handler.
func NewHandler(opts ...Option) *Handler {
	h := &Handler{
		dial:   Connect,
		logger: zap.NewNop(),
		pools:  make(map[string]Pool),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.logger == nil {
		h.logger = zap.NewNop()
	}
	return h
}

// Connect opens and pings a pgxpool.
func Connect(ctx context.Context, connString string) (Pool, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create pgx pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return pool, nil
}

// Execute runs the query and returns {rows, rowCount, rowsAffected}.
func (h *Handler) Execute(ctx context.Context, node runtime.WorkflowNode, ec *runtime.ExecutionContext) (interface{}, error) {
	cfg, err := runtime.DecodeConfig(node, Config{})
	if err != nil {
		return nil, err
	}
	if ec == nil {
		ec = runtime.NewExecutionContext(nil, nil)
	}

	connString, ok := ec.Credentials.Lookup(node.Config, "connectionString", "postgres")
	if !ok {
		return nil, sdkerrors.NewValidationError("connectionString", "Database connection string is required (config.connectionString or postgres credentials)")
	}

	pool, err := h.pool(ctx, connString)
	if err != nil {
		return nil, &sdkerrors.ExternalServiceError{Service: "PostgreSQL", Message: err.Error(), Err: err}
	}

	args := make([]interface{}, len(cfg.Params))
	for i, p := range cfg.Params {
		args[i] = expression.ResolveDeep(p, ec)
	}

	rows, err := pool.Query(ctx, cfg.Query, args...)
	if err != nil {
		return nil, &sdkerrors.ExternalServiceError{Service: "PostgreSQL", Message: fmt.Sprintf("query failed: %v", err), Err: err}
	}
	records, err := collect(rows)
	if err != nil {
		return nil, &sdkerrors.ExternalServiceError{Service: "PostgreSQL", Message: fmt.Sprintf("failed to read rows: %v", err), Err: err}
	}

	h.logger.Debug("Database query executed",
		zap.String("node_id", node.ID),
		zap.Int("row_count", len(records)))

	return map[string]interface{}{
		"rows":         records,
		"rowCount":     len(records),
		"rowsAffected": rows.CommandTag().RowsAffected(),
	}, nil
}

// Close closes every cached pool.
func (h *Handler) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for key, pool := range h.pools {
		pool.Close()
		delete(h.pools, key)
	}
}

func (h *Handler) pool(ctx context.Context, connString string) (Pool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if pool, ok := h.pools[connString]; ok {
		return pool, nil
	}
	pool, err := h.dial(ctx, connString)
	if err != nil {
		return nil, err
	}
	h.pools[connString] = pool
	return pool, nil
}

// collect reads every row into a column-name keyed map.
func collect(rows pgx.Rows) ([]interface{}, error) {
	defer rows.Close()

	records := make([]interface{}, 0)
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, err
		}
		fields := rows.FieldDescriptions()
		record := make(map[string]interface{}, len(values))
		for i, v := range values {
			if i < len(fields) {
				record[fields[i].Name] = plain(v)
			}
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

// plain converts driver values that do not serialize naturally.
func plain(v interface{}) interface{} {
	switch t := v.(type) {
	case [16]byte:
		return uuid.UUID(t).String()
	case pgtype.Numeric:
		f, err := t.Float64Value()
		if err != nil || !f.Valid {
			return nil
		}
		return f.Float64
	}
	return v
}
