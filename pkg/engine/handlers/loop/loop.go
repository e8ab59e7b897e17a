// Package loop implements the LOOP node. It resolves an iterable, enforces the
// iteration ceiling and runs a Body for every item in batches, collecting per-item
// outcomes under a continue-or-abort error policy.
package loop

import (
	"context"
	"errors"
	"fmt"

	"github.com/wehubfusion/Daedalus/pkg/engine/expression"
	"github.com/wehubfusion/Daedalus/pkg/engine/runtime"
	sdkerrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/iteration"
	"go.uber.org/zap"
)

const (
	// DefaultMaxIterations is the iteration ceiling when the node does not set one
	DefaultMaxIterations = 1000
	// DefaultBatchSize is the number of items per batch when the node does not set one
	DefaultBatchSize = 1
)

// Config is the LOOP node config.
type Config struct {
	// Items is a literal array or an expression: $json.<path>, $input.<path>,
	// $node.<nodeId>[.<path>], {{key}} or a variable name.
	Items               interface{} `json:"items"`
	MaxIterations       int         `json:"maxIterations"`
	BatchSize           int         `json:"batchSize"`
	ContinueOnItemError bool        `json:"continueOnItemError"`

	// Parallel runs the items of a batch concurrently, at most MaxConcurrent at a time.
	Parallel      bool `json:"parallel"`
	MaxConcurrent int  `json:"maxConcurrent"`
}

// Validate checks the numeric limits.
func (c *Config) Validate() error {
	if c.MaxIterations < 0 {
		return sdkerrors.Validationf("maxIterations", "maxIterations must be positive, got %d", c.MaxIterations)
	}
	if c.BatchSize < 0 {
		return sdkerrors.Validationf("batchSize", "batchSize must be positive, got %d", c.BatchSize)
	}
	return nil
}

// Option configures a Handler.
type Option func(*Handler)

// WithBody sets the body executed for each item.
func WithBody(body Body) Option {
	return func(h *Handler) {
		if body != nil {
			h.body = body
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithMaxConcurrent sets the per-batch concurrency of parallel loops whose node
// config leaves maxConcurrent unset.
func WithMaxConcurrent(n int) Option {
	return func(h *Handler) {
		if n > 0 {
			h.maxConcurrent = n
		}
	}
}

// Handler executes LOOP nodes.
type Handler struct {
	body          Body
	logger        *zap.Logger
	maxConcurrent int
}

// NewHandler creates a loop handler. Without WithBody every item is passed through.
func NewHandler(opts ...Option) *Handler {
	h := &Handler{
		body:   PassthroughBody{},
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Execute runs the loop and returns {items, count, successCount, errorCount, errors?}.
//
// When an item fails and continueOnItemError is false, the returned error is a
// *errors.WorkflowExecutionError whose Partial field holds the aggregate of the items
// processed so far.
func (h *Handler) Execute(ctx context.Context, node runtime.WorkflowNode, ec *runtime.ExecutionContext) (interface{}, error) {
	cfg, err := runtime.DecodeConfig(node, Config{
		MaxIterations: DefaultMaxIterations,
		BatchSize:     DefaultBatchSize,
	})
	if err != nil {
		return nil, err
	}
	if ec == nil {
		ec = runtime.NewExecutionContext(nil, nil)
	}

	items, err := expression.ResolveIterable(cfg.Items, ec)
	if err != nil {
		return nil, err
	}

	if len(items) > cfg.MaxIterations {
		return nil, sdkerrors.WrapValidation("items",
			fmt.Sprintf("Loop has %d items, which exceeds the maximum iterations limit of %d", len(items), cfg.MaxIterations),
			sdkerrors.ErrMaxIterations)
	}

	strategy := iteration.StrategySequential
	if cfg.Parallel {
		strategy = iteration.StrategyParallel
	}
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = h.maxConcurrent
	}
	iterator := iteration.NewIterator(iteration.Config{
		Strategy:        strategy,
		MaxConcurrent:   maxConcurrent,
		BatchSize:       cfg.BatchSize,
		ContinueOnError: cfg.ContinueOnItemError,
	})

	h.logger.Debug("Starting loop",
		zap.String("node_id", node.ID),
		zap.Int("items", len(items)),
		zap.Int("batch_size", cfg.BatchSize))

	length := len(items)
	result, iterErr := iterator.Process(ctx, items, func(ctx context.Context, item interface{}, index int) (interface{}, error) {
		scoped := ec.WithVariables(map[string]interface{}{
			runtime.VarItem:      item,
			runtime.VarIndex:     index,
			runtime.VarIteration: index + 1,
			runtime.VarLength:    length,
			runtime.VarIsFirst:   index == 0,
			runtime.VarIsLast:    index == length-1,
		})
		return h.body.RunItem(ctx, node, scoped)
	})

	if iterErr != nil {
		var itemErr *iteration.ItemError
		if !errors.As(iterErr, &itemErr) {
			return nil, iterErr
		}
		h.logger.Warn("Loop aborted on item error",
			zap.String("node_id", node.ID),
			zap.Int("index", itemErr.Index),
			zap.Error(itemErr.Err))
		return nil, &sdkerrors.WorkflowExecutionError{
			Message: fmt.Sprintf("Loop item %d failed in node %s: %s", itemErr.Index, node.ID, itemErr.Err.Error()),
			NodeID:  node.ID,
			Err:     itemErr.Err,
			Partial: aggregate(result, length, true),
		}
	}

	h.logger.Debug("Loop completed",
		zap.String("node_id", node.ID),
		zap.Int("batches", result.Batches),
		zap.Int("errors", len(result.Errors)))

	return aggregate(result, length, false), nil
}

// aggregate builds the loop output. A partial aggregate only lists the items that
// were processed before the abort.
func aggregate(result *iteration.Result, count int, partial bool) map[string]interface{} {
	items := result.Results
	if partial && result.Processed < len(items) {
		items = items[:result.Processed]
	}

	out := map[string]interface{}{
		"items":        items,
		"count":        count,
		"successCount": result.SuccessCount(),
		"errorCount":   len(result.Errors),
	}
	if len(result.Errors) > 0 {
		errs := make([]interface{}, len(result.Errors))
		for i, e := range result.Errors {
			errs[i] = map[string]interface{}{
				"index": e.Index,
				"error": e.Err.Error(),
			}
		}
		out["errors"] = errs
	}
	return out
}
