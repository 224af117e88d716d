// Package session implements the execution context registry: per-key
// execution locks with reference counting, an in-memory state cache with
// idle eviction, and optional distributed locking for multi-replica
// deployments. It guarantees at most one active execution per isolation key.
package session
