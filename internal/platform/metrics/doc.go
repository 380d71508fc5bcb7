// Package metrics exposes Prometheus instrumentation for the task runner,
// implemented as lifecycle hooks so the runner core stays free of metrics
// concerns.
package metrics
