package iteration

import (
	"context"
	"fmt"
)

// Strategy defines how the items of one batch are processed
type Strategy string

const (
	StrategySequential Strategy = "sequential" // Process items one by one
	StrategyParallel   Strategy = "parallel"   // Process the items of a batch concurrently
)

// Config holds configuration for array iteration
type Config struct {
	Strategy        Strategy // sequential or parallel
	MaxConcurrent   int      // Max concurrent workers per batch (0 = runtime.NumCPU())
	BatchSize       int      // Items per batch (0 = 1)
	ContinueOnError bool     // Record failed items and keep going instead of aborting
}

// ProcessFunc is the function called for each array item
type ProcessFunc func(ctx context.Context, item interface{}, index int) (interface{}, error)

// ItemError records the failure of a single item.
type ItemError struct {
	Index int
	Err   error
}

func (e *ItemError) Error() string {
	return fmt.Sprintf("failed processing item %d: %v", e.Index, e.Err)
}

// Unwrap returns the item's error
func (e *ItemError) Unwrap() error {
	return e.Err
}

// Result aggregates the outcome of an iteration. Results has one slot per input item;
// failed and unprocessed items are nil.
type Result struct {
	Results   []interface{}
	Errors    []*ItemError
	Processed int
	Batches   int
}

// SuccessCount returns the number of non-nil results.
func (r *Result) SuccessCount() int {
	count := 0
	for _, v := range r.Results {
		if v != nil {
			count++
		}
	}
	return count
}
