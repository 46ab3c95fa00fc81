// Package scheduler provides a single-threaded periodic task executor.
//
// All scheduled tasks are executed by one worker goroutine, one at a time,
// in deadline order. The scheduler is used by the replicated log for its
// background maintenance work (flushing, retention checks), keeping all such
// maintenance off the consensus engine's poll loop.
//
// Features and Guarantees:
//
//   - Single worker: tasks never run concurrently with each other
//   - Tasks can be scheduled before or after the worker has started
//   - A slow task delays later tasks but never drops them; every task's next
//     run is computed from the time it finished
//   - Close stops the worker and waits for an in-flight task to finish
//
// Example usage:
//
//	sched := scheduler.NewScheduler()
//	sched.Schedule("log-flush", time.Second, func() { _ = log.Flush() })
//	...
//	_ = sched.Close()
package scheduler
