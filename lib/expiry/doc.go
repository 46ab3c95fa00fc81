// Package expiry provides the timeout facility used to expire in-flight
// requests issued by the consensus engine.
//
// The package consists of two layers:
//
//   - Timer: a deadline-ordered timer wheel built from a binary heap combined
//     with a hash map (O(log n) scheduling, O(1) lookup, O(log n) cancel).
//     A single goroutine sleeps until the earliest deadline and fires the
//     due actions in deadline order.
//
//   - Service: a thin convenience layer over the Timer that ties timeouts to
//     response futures: FailAfter schedules a future to fail with ErrExpired
//     unless the timeout is cancelled first (typically because the request
//     completed).
//
// Actions fire on the timer goroutine and must not block; the engine only
// uses them to fail futures, which is non-blocking by construction.
package expiry
