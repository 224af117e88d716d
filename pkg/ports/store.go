package ports

import (
	"context"

	"github.com/aretw0/arbor/pkg/domain"
)

// CheckpointStore defines the interface for persisting execution snapshots.
// This allows for durable execution, enabling "Stop & Resume" conversations.
//
// The namespace is a tenant-scoping dimension independent of the key's
// tenant component; the same key under two namespaces addresses two
// unrelated rows. Save is last-writer-wins per (key, namespace): the store
// does not arbitrate concurrent writers, that is the session manager's job.
type CheckpointStore interface {
	// Save persists the state and returns the new monotonically increasing
	// version for (key, namespace).
	Save(ctx context.Context, key domain.IsolationKey, namespace string, state *domain.ExecutionState) (int64, error)

	// Load retrieves the latest state for (key, namespace).
	// Returns domain.ErrCheckpointNotFound if none exists.
	Load(ctx context.Context, key domain.IsolationKey, namespace string) (*domain.ExecutionState, error)

	// Delete removes all checkpoint data for (key, namespace).
	Delete(ctx context.Context, key domain.IsolationKey, namespace string) error
}
