// Package observability turns engine lifecycle events into prometheus
// metrics and structured log lines.
package observability
