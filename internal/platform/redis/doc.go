// Package redis provides Redis-backed implementations of the runner's
// messaging interfaces: the key-based pub/sub bus used for cross-process
// cancellation signaling, and the real-time fan-out channel that pushes
// task events to UI subscribers. Neither transport is durable; the task
// event log is the system of record and the durable store is the
// cancellation fallback.
package redis
