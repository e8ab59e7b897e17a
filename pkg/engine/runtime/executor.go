package runtime

import (
	"context"
	"fmt"
	"time"

	sdkerrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ExecutorConfig configures the node executor.
type ExecutorConfig struct {
	// Logger for structured logging (nil for no logging)
	Logger *zap.Logger

	// Metrics records per-node outcomes (nil disables metrics)
	Metrics MetricsCollector

	// Reporter receives wrapped execution failures (optional)
	Reporter ErrorReporter

	// Tracer starts one span per node execution (defaults to the global provider)
	Tracer trace.Tracer
}

// DefaultExecutorConfig returns the defaults used by NewNodeExecutor.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		Logger:  zap.NewNop(),
		Metrics: &NoOpMetricsCollector{},
		Tracer:  otel.Tracer("daedalus/executor"),
	}
}

// WithLogger sets the logger.
func (c ExecutorConfig) WithLogger(logger *zap.Logger) ExecutorConfig {
	c.Logger = logger
	return c
}

// WithMetrics sets the metrics collector.
func (c ExecutorConfig) WithMetrics(m MetricsCollector) ExecutorConfig {
	c.Metrics = m
	return c
}

// WithReporter sets the error reporter.
func (c ExecutorConfig) WithReporter(r ErrorReporter) ExecutorConfig {
	c.Reporter = r
	return c
}

// NodeExecutor dispatches a node to the handler registered for its type.
// The dispatch table is fixed at construction.
type NodeExecutor struct {
	registry *HandlerRegistry
	logger   *zap.Logger
	metrics  MetricsCollector
	reporter ErrorReporter
	tracer   trace.Tracer
}

// NewNodeExecutor creates an executor over a populated registry.
func NewNodeExecutor(registry *HandlerRegistry, config ExecutorConfig) *NodeExecutor {
	if registry == nil {
		registry = NewHandlerRegistry()
	}
	defaults := DefaultExecutorConfig()
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}
	if config.Metrics == nil {
		config.Metrics = defaults.Metrics
	}
	if config.Tracer == nil {
		config.Tracer = defaults.Tracer
	}

	return &NodeExecutor{
		registry: registry,
		logger:   config.Logger,
		metrics:  config.Metrics,
		reporter: config.Reporter,
		tracer:   config.Tracer,
	}
}

// Registry returns the dispatch table.
func (e *NodeExecutor) Registry() *HandlerRegistry {
	return e.registry
}

// Execute runs a single node against the execution context and returns the handler's
// result unchanged. Failures are returned as *errors.WorkflowExecutionError carrying
// the node id and any partial output; the handler's error stays reachable through
// errors.Unwrap.
func (e *NodeExecutor) Execute(ctx context.Context, node WorkflowNode, ec *ExecutionContext) (interface{}, error) {
	if ec == nil {
		ec = NewExecutionContext(nil, nil)
	}

	ctx, span := e.tracer.Start(ctx, "executor.Execute",
		trace.WithAttributes(
			attribute.String("node.id", node.ID),
			attribute.String("node.type", string(node.Type)),
			attribute.String("node.name", node.Name),
		))
	defer span.End()

	handler, ok := e.registry.Lookup(node.Type)
	if !ok {
		err := &sdkerrors.WorkflowExecutionError{
			Message:     fmt.Sprintf("No handler for node type: %s", node.Type),
			NodeID:      node.ID,
			ExecutionID: ec.ExecutionID(),
			Err:         sdkerrors.ErrNoHandler,
		}
		e.logger.Error("No handler registered for node type",
			zap.String("node_id", node.ID),
			zap.String("node_type", string(node.Type)))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	e.logger.Info("Executing node",
		zap.String("node_id", node.ID),
		zap.String("node_type", string(node.Type)),
		zap.String("node_name", node.Name))

	start := time.Now()
	result, err := e.invoke(ctx, handler, node, ec)
	duration := time.Since(start)
	e.metrics.RecordExecution(node.Type, duration, err)

	if err != nil {
		wrapped := &sdkerrors.WorkflowExecutionError{
			Message:     fmt.Sprintf("Node execution failed: %s", err.Error()),
			NodeID:      node.ID,
			ExecutionID: ec.ExecutionID(),
			Err:         err,
			Partial:     sdkerrors.PartialResult(err),
		}
		e.logger.Error("Node execution failed",
			zap.String("node_id", node.ID),
			zap.String("node_type", string(node.Type)),
			zap.Duration("duration", duration),
			zap.String("error_type", sdkerrors.TypeName(err)),
			zap.Error(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if e.reporter != nil {
			e.reporter.Report(ctx, node, wrapped)
		}
		return nil, wrapped
	}

	e.logger.Info("Node executed successfully",
		zap.String("node_id", node.ID),
		zap.String("node_type", string(node.Type)),
		zap.Duration("duration", duration))
	span.SetAttributes(attribute.Int64("processing.duration_ms", duration.Milliseconds()))
	span.SetStatus(codes.Ok, "node executed")

	return result, nil
}

// invoke calls the handler, converting a panic into an error.
func (e *NodeExecutor) invoke(ctx context.Context, handler NodeHandler, node WorkflowNode, ec *ExecutionContext) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return handler.Execute(ctx, node, ec)
}
