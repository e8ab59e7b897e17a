// Package reporting forwards node execution failures to Sentry.
package reporting

import (
	"context"
	"errors"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/wehubfusion/Daedalus/pkg/engine/runtime"
	sdkerrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// DefaultFlushTimeout bounds Close.
const DefaultFlushTimeout = 2 * time.Second

// Config configures the Sentry reporter. An empty DSN builds a reporter that
// drops events unless Transport is set.
type Config struct {
	DSN         string
	Environment string
	Release     string
	SampleRate  float64
	ServerName  string

	// Transport overrides the HTTP transport (tests)
	Transport sentry.Transport
	Logger    *zap.Logger
}

// SentryReporter implements runtime.ErrorReporter.
type SentryReporter struct {
	hub    *sentry.Hub
	logger *zap.Logger
}

var _ runtime.ErrorReporter = (*SentryReporter)(nil)

// NewSentryReporter creates a reporter with its own client and hub, leaving the
// global Sentry hub untouched.
func NewSentryReporter(cfg Config) (*SentryReporter, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.SampleRate <= 0 || cfg.SampleRate > 1 {
		cfg.SampleRate = 1.0
	}

	client, err := sentry.NewClient(sentry.ClientOptions{
		Dsn:         cfg.DSN,
		Environment: cfg.Environment,
		Release:     cfg.Release,
		SampleRate:  cfg.SampleRate,
		ServerName:  cfg.ServerName,
		Transport:   cfg.Transport,
	})
	if err != nil {
		return nil, sdkerrors.NewInternalError("failed to create Sentry client", "SENTRY_INIT_FAILED", err)
	}

	return &SentryReporter{
		hub:    sentry.NewHub(client, sentry.NewScope()),
		logger: logger,
	}, nil
}

// Report captures err tagged with the failing node. Validation failures are
// reported as warnings.
func (r *SentryReporter) Report(ctx context.Context, node runtime.WorkflowNode, err error) {
	if err == nil {
		return
	}

	hub := r.hub.Clone()
	var eventID *sentry.EventID
	hub.WithScope(func(scope *sentry.Scope) {
		errorType := causeType(err)
		scope.SetTags(map[string]string{
			"node_id":    node.ID,
			"node_type":  string(node.Type),
			"error_type": errorType,
		})
		var wf *sdkerrors.WorkflowExecutionError
		if errors.As(err, &wf) && wf.ExecutionID != "" {
			scope.SetTag("execution_id", wf.ExecutionID)
		}
		if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
			scope.SetTag("trace_id", sc.TraceID().String())
		}
		scope.SetContext("node", sentry.Context{
			"id":   node.ID,
			"type": string(node.Type),
			"name": node.Name,
		})
		scope.SetFingerprint([]string{string(node.Type), errorType, node.ID})

		if sdkerrors.IsValidation(err) {
			scope.SetLevel(sentry.LevelWarning)
		} else {
			scope.SetLevel(sentry.LevelError)
		}
		eventID = hub.CaptureException(err)
	})

	if eventID != nil {
		r.logger.Debug("Reported node failure to Sentry",
			zap.String("event_id", string(*eventID)),
			zap.String("node_id", node.ID))
	}
}

// Flush waits up to timeout for buffered events to be sent.
func (r *SentryReporter) Flush(timeout time.Duration) bool {
	return r.hub.Flush(timeout)
}

// Close flushes pending events.
func (r *SentryReporter) Close() {
	if !r.Flush(DefaultFlushTimeout) {
		r.logger.Warn("Timed out flushing Sentry events")
	}
}

func causeType(err error) string {
	var wf *sdkerrors.WorkflowExecutionError
	if errors.As(err, &wf) && wf.Err != nil {
		return sdkerrors.TypeName(wf.Err)
	}
	return sdkerrors.TypeName(err)
}
