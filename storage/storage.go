package storage

import (
	"context"
	"errors"

	"github.com/stef9github/flowcore/types"
)

// Errors
var (
	// ErrDefinitionNotFound is returned when a workflow definition does not exist.
	ErrDefinitionNotFound = errors.New("definition not found")

	// ErrInstanceNotFound is returned when a workflow instance does not exist.
	ErrInstanceNotFound = errors.New("instance not found")

	// ErrTransient marks a retryable storage failure (lock contention,
	// busy database, lost connection). Callers may retry with backoff.
	ErrTransient = errors.New("transient storage error")
)

// IsTransient reports whether err is a retryable storage failure.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// MutateFunc inspects and mutates an instance under the store's
// per-instance lock. It returns the history entry to append:
//
//   - (entry, nil): the mutated instance and the entry are persisted
//     together atomically.
//   - (entry, err): the instance is persisted as mutated (error counters
//     only, by contract) together with the failed entry, and err is
//     returned to the caller. Used for audited rejections.
//   - (nil, err): nothing is persisted; err is returned.
type MutateFunc func(inst *types.Instance) (*types.HistoryEntry, error)

// InstanceFilter selects instances from the store. Zero values mean
// "no filter" for that field.
type InstanceFilter struct {
	AssignedTo     string
	OrganizationID uint64
	Status         string
	Limit          int
	Offset         int
}

// Storage defines the persistence contract for definitions, instances
// and the append-only history ledger.
type Storage interface {
	// SaveDefinition saves a workflow definition.
	SaveDefinition(ctx context.Context, def types.Definition) error

	// GetDefinition retrieves a definition by ID.
	GetDefinition(ctx context.Context, id uint64) (types.Definition, error)

	// CreateInstance persists a new instance, its creation history entry
	// and the definition usage count increment as one atomic unit.
	CreateInstance(ctx context.Context, inst types.Instance, entry types.HistoryEntry) error

	// GetInstance retrieves an instance by ID.
	GetInstance(ctx context.Context, id uint64) (types.Instance, error)

	// Mutate loads the instance under an exclusive per-instance lock,
	// applies fn and persists per the MutateFunc contract. At most one
	// Mutate call per instance runs at a time; concurrent callers observe
	// the committed state of earlier calls.
	Mutate(ctx context.Context, instanceID uint64, fn MutateFunc) error

	// ListInstances returns instances matching the filter, newest first.
	ListInstances(ctx context.Context, filter InstanceFilter) ([]types.Instance, error)

	// ListHistory returns up to limit history entries for an instance,
	// newest first. limit <= 0 means no limit.
	ListHistory(ctx context.Context, instanceID uint64, limit int) ([]types.HistoryEntry, error)
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
