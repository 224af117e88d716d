// Package middleware wraps a CheckpointStore with cross-cutting behavior:
// encryption at rest and PII masking.
package middleware

import "github.com/aretw0/arbor/pkg/ports"

// Middleware allows wrapping a CheckpointStore to add behavior.
type Middleware func(ports.CheckpointStore) ports.CheckpointStore

// Chain applies middlewares to a store, first middleware outermost.
func Chain(store ports.CheckpointStore, middlewares ...Middleware) ports.CheckpointStore {
	for i := len(middlewares) - 1; i >= 0; i-- {
		store = middlewares[i](store)
	}
	return store
}
