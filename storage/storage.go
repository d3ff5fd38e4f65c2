package storage

import (
	"context"
	"errors"

	"github.com/songzhibin97/stepflow/types"
)

var (
	// ErrRunNotFound is returned when no snapshot exists for a run ID.
	ErrRunNotFound = errors.New("run not found")
	// ErrConflict is returned by CompareAndSwap when the stored version is not
	// the expected one.
	ErrConflict = errors.New("run snapshot version conflict")
)

// RunStore persists run snapshots keyed by run ID.
type RunStore interface {
	// Save writes the snapshot unconditionally.
	Save(ctx context.Context, run types.RunState) error

	// Load returns the snapshot for runID or ErrRunNotFound.
	Load(ctx context.Context, runID string) (types.RunState, error)

	// Delete removes the snapshot. Deleting an unknown run is not an error.
	Delete(ctx context.Context, runID string) error

	// CompareAndSwap writes the snapshot only if the stored version equals
	// expectedVersion. An expectedVersion of 0 means the run must not exist.
	// Writers serialize on a run through this call; losers get ErrConflict.
	CompareAndSwap(ctx context.Context, run types.RunState, expectedVersion int64) error
}

// Cleaner is implemented by stores that can garbage collect terminal runs.
type Cleaner interface {
	// ClearTerminal removes completed, bailed and failed runs and reports
	// how many were removed.
	ClearTerminal(ctx context.Context) (int, error)
}

// withContext is a standalone generic helper function.
func withContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	default:
		return fn()
	}
}

// withContextError handles context cancellation for operations that only return an error.
func withContextError(ctx context.Context, fn func() error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fn()
	}
}
