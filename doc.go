// Package arbor is a resumable execution engine for conversational agents.
//
// An Agent drives each user turn through a fixed state machine (classify
// the intent, select a capability bundle, run a bounded tool loop, format
// the result) while checkpointing the conversation state so any turn can
// resume after a crash. Conversations are isolated by (tenant, user,
// conversation) key: turns on the same key are serialized, different keys
// run concurrently.
//
// Tools come from three origins: built-ins (files, HTTP, shell), bundle
// scripts, and external tool server processes managed by a connection pool.
// Capability bundles restrict which tools a turn may use; the restriction
// is enforced at invocation time, not by prompt.
package arbor
