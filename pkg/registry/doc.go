// Package registry merges built-in tools, capability bundle script tools,
// and tool-server-discovered tools into one addressable catalog.
//
// The catalog is published as immutable versioned snapshots: a reload swaps
// the affected slice copy-on-write and bumps the version, while in-flight
// invocations keep the snapshot they started with. Capability filtering is
// enforced at invocation time as a hard boundary, before any dispatch.
package registry
