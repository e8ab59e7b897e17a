package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a reference points at nothing.
var ErrNotFound = errors.New("result not found")

// ResultStore persists execution results too large to travel inline on the result
// subject, and the per-execution result file.
type ResultStore interface {
	// Put stores data under path and returns a reference that Get accepts.
	Put(ctx context.Context, path string, data []byte, metadata map[string]string) (string, error)
	// Get returns the data behind a reference or a plain path.
	Get(ctx context.Context, reference string) ([]byte, error)
}
