package runtime

import (
	"context"
	"time"
)

// NodeHandler is the interface that every node type implementation must satisfy.
// Execute is a function of (node, context); side effects happen only through explicit
// external calls (HTTP, database, delay). A non-nil error fails the node.
type NodeHandler interface {
	Execute(ctx context.Context, node WorkflowNode, ec *ExecutionContext) (interface{}, error)
}

// HandlerFunc adapts a plain function to NodeHandler.
type HandlerFunc func(ctx context.Context, node WorkflowNode, ec *ExecutionContext) (interface{}, error)

// Execute calls f.
func (f HandlerFunc) Execute(ctx context.Context, node WorkflowNode, ec *ExecutionContext) (interface{}, error) {
	return f(ctx, node, ec)
}

// MetricsCollector collects node execution metrics.
type MetricsCollector interface {
	// RecordExecution records one finished node execution
	RecordExecution(nodeType NodeType, duration time.Duration, err error)
	// GetMetrics returns the current metrics
	GetMetrics() Metrics
	// Reset resets all metrics
	Reset()
}

// ErrorReporter forwards execution failures to an external error tracker.
type ErrorReporter interface {
	Report(ctx context.Context, node WorkflowNode, err error)
}

// Metrics holds execution metrics for observability.
type Metrics struct {
	// TotalExecuted is the count of successful node executions
	TotalExecuted int64
	// TotalErrors is the count of failed node executions
	TotalErrors int64
	// ProcessingTimeNs is the total processing time in nanoseconds
	ProcessingTimeNs int64
}
