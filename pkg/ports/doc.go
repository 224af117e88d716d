// Package ports defines the interfaces between the Arbor engine and its
// pluggable collaborators: checkpoint persistence, distributed locking, and
// the language-model capability. Adapters live under pkg/adapters.
package ports
