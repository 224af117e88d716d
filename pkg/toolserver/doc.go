// Package toolserver maintains connections to external tool server
// processes and dispatches tool calls to them.
//
// Each server is a subprocess spoken to over stdin/stdout with line-framed
// JSON, one object per line, correlated by request id. A per-server slot
// channel bounds concurrent calls; transport failures are retried a bounded
// number of times with backoff, while errors reported by the server itself
// are returned immediately. Discovery runs on connect and on reload; when a
// reload's discovery fails the previously discovered tool list stays in
// effect and the server is marked degraded.
package toolserver
