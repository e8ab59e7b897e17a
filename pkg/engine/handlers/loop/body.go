package loop

import (
	"context"

	"github.com/wehubfusion/Daedalus/pkg/engine/runtime"
)

// Body runs the loop body for a single item. The context carries the loop-scoped
// variables ($item, $index, $iteration, $length, $isFirst, $isLast).
type Body interface {
	RunItem(ctx context.Context, node runtime.WorkflowNode, ec *runtime.ExecutionContext) (interface{}, error)
}

// BodyFunc adapts a function to the Body interface.
type BodyFunc func(ctx context.Context, node runtime.WorkflowNode, ec *runtime.ExecutionContext) (interface{}, error)

// RunItem calls f.
func (f BodyFunc) RunItem(ctx context.Context, node runtime.WorkflowNode, ec *runtime.ExecutionContext) (interface{}, error) {
	return f(ctx, node, ec)
}

// PassthroughBody is the default body. It does not execute child nodes and reports
// each item as processed.
type PassthroughBody struct{}

// RunItem returns {item, processed, context{index, iteration}}.
func (PassthroughBody) RunItem(_ context.Context, _ runtime.WorkflowNode, ec *runtime.ExecutionContext) (interface{}, error) {
	item, _ := ec.Variable(runtime.VarItem)
	index, _ := ec.Variable(runtime.VarIndex)
	iteration, _ := ec.Variable(runtime.VarIteration)
	return map[string]interface{}{
		"item":      item,
		"processed": true,
		"context": map[string]interface{}{
			"index":     index,
			"iteration": iteration,
		},
	}, nil
}
