// Package domain contains the core value types of the Arbor engine:
// execution state, isolation keys, tool descriptors and calls, capability
// bundles, and the error taxonomy shared by every component.
//
// The package has no dependencies on other Arbor packages so that adapters,
// the registry, and the executor can all share it without cycles.
package domain
