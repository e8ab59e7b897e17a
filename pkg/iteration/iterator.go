package iteration

import (
	"context"
	"runtime"
	"sort"
	"sync"
)

// Iterator handles array iteration in batches with a configurable execution strategy
type Iterator struct {
	config Config
}

// NewIterator creates a new iterator with given config
func NewIterator(config Config) *Iterator {
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = runtime.NumCPU()
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 1
	}
	if config.Strategy == "" {
		config.Strategy = StrategySequential
	}
	return &Iterator{config: config}
}

// Process iterates over items batch by batch and processes each with processFn.
//
// Without ContinueOnError the first failure stops the iteration: the returned Result
// holds the items processed so far and the error is the failing *ItemError. With
// ContinueOnError every item is processed and failures are collected in Result.Errors.
// Batches run in order; the context is checked between batches.
func (it *Iterator) Process(ctx context.Context, items []interface{}, processFn ProcessFunc) (*Result, error) {
	result := &Result{Results: make([]interface{}, len(items))}
	if len(items) == 0 {
		return result, nil
	}

	for start := 0; start < len(items); start += it.config.BatchSize {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		end := start + it.config.BatchSize
		if end > len(items) {
			end = len(items)
		}
		result.Batches++

		var err error
		if it.config.Strategy == StrategyParallel {
			err = it.processParallel(ctx, items, start, end, processFn, result)
		} else {
			err = it.processSequential(ctx, items, start, end, processFn, result)
		}
		if err != nil {
			return result, err
		}
	}

	return result, nil
}

// processSequential processes one batch item by item
func (it *Iterator) processSequential(ctx context.Context, items []interface{}, start, end int, processFn ProcessFunc, result *Result) error {
	for i := start; i < end; i++ {
		output, err := processFn(ctx, items[i], i)
		result.Processed++
		if err != nil {
			itemErr := &ItemError{Index: i, Err: err}
			result.Errors = append(result.Errors, itemErr)
			if !it.config.ContinueOnError {
				return itemErr
			}
			continue
		}
		result.Results[i] = output
	}
	return nil
}

// processParallel processes one batch with a worker pool
func (it *Iterator) processParallel(ctx context.Context, items []interface{}, start, end int, processFn ProcessFunc, result *Result) error {
	numItems := end - start
	numWorkers := it.config.MaxConcurrent
	if numWorkers > numItems {
		numWorkers = numItems
	}

	workCh := make(chan int, numItems)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	var mu sync.Mutex
	var batchErrors []*ItemError
	var firstError *ItemError

	for w := 0; w < numWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range workCh {
				select {
				case <-ctx.Done():
					return
				default:
				}

				output, err := processFn(ctx, items[idx], idx)

				mu.Lock()
				result.Processed++
				if err != nil {
					itemErr := &ItemError{Index: idx, Err: err}
					batchErrors = append(batchErrors, itemErr)
					if firstError == nil {
						firstError = itemErr
					}
					if !it.config.ContinueOnError {
						cancel() // Signal other workers to stop
					}
				} else {
					result.Results[idx] = output
				}
				mu.Unlock()
			}
		}()
	}

sendLoop:
	for i := start; i < end; i++ {
		select {
		case <-ctx.Done():
			break sendLoop
		case workCh <- i:
		}
	}
	close(workCh)

	wg.Wait()

	sort.Slice(batchErrors, func(a, b int) bool { return batchErrors[a].Index < batchErrors[b].Index })
	result.Errors = append(result.Errors, batchErrors...)

	if firstError != nil && !it.config.ContinueOnError {
		return firstError
	}
	return nil
}
