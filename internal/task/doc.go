// Package task implements the distributed background-task runner: creation,
// execution, progress reporting, cross-process cancellation, heartbeat-based
// liveness, per-type timeouts, and reclamation of tasks abandoned by dead
// processes. Long-running operations like document parsing or content
// generation run through this package so they survive pod restarts and can
// be observed and cancelled from any process in the fleet.
//
// The runner treats handler bodies as opaque asynchronous functions. A
// handler receives a Handle for reporting progress and terminating the task,
// and is expected to poll Handle.IsCancelled at its natural checkpoints.
package task
