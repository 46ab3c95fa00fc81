package scheduler

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lni/dragonboat/v4/logger"
)

var log = logger.GetLogger("scheduler")

// maxIdleWait bounds how long the worker sleeps when no task is due,
// so newly scheduled tasks are picked up promptly
const maxIdleWait = 100 * time.Millisecond

// --------------------------------------------------------------------------
// Interface Definition
// --------------------------------------------------------------------------

// Task is a unit of periodic background work
type Task func()

// IScheduler is the interface of the single-threaded periodic task executor
type IScheduler interface {
	// Schedule registers a named task to run every interval. It can be
	// called before or after the worker has started. Scheduling on a closed
	// scheduler returns an error.
	Schedule(name string, interval time.Duration, task Task) error

	// Close stops the worker goroutine and waits for an in-flight task to
	// finish. Close is idempotent.
	Close() error
}

// --------------------------------------------------------------------------
// Implementation
// --------------------------------------------------------------------------

// scheduledTask holds a task together with its interval and next deadline
type scheduledTask struct {
	name     string
	interval time.Duration
	nextRun  time.Time
	task     Task
}

type schedulerImpl struct {
	mu     sync.Mutex
	tasks  []*scheduledTask
	wakeCh chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup
	closed atomic.Bool
}

// NewScheduler creates a new scheduler and starts its worker goroutine
func NewScheduler() IScheduler {
	s := &schedulerImpl{
		wakeCh: make(chan struct{}, 1),
		stopCh: make(chan struct{}),
	}

	s.wg.Add(1)
	go s.run()

	return s
}

// --------------------------------------------------------------------------
// Interface Methods (docu see IScheduler)
// --------------------------------------------------------------------------

func (s *schedulerImpl) Schedule(name string, interval time.Duration, task Task) error {
	if interval <= 0 {
		return fmt.Errorf("invalid interval %v for task %s", interval, name)
	}
	if s.closed.Load() {
		return fmt.Errorf("scheduler is closed, cannot schedule task %s", name)
	}

	s.mu.Lock()
	s.tasks = append(s.tasks, &scheduledTask{
		name:     name,
		interval: interval,
		nextRun:  time.Now().Add(interval),
		task:     task,
	})
	s.mu.Unlock()

	// Wake the worker so it can take the new task into account
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}

	log.Debugf("scheduled task %s (interval %v)", name, interval)
	return nil
}

func (s *schedulerImpl) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(s.stopCh)
	s.wg.Wait()
	return nil
}

// --------------------------------------------------------------------------
// Worker
// --------------------------------------------------------------------------

// run is the single worker loop. It sleeps until the earliest deadline,
// executes all due tasks one at a time and reschedules them.
func (s *schedulerImpl) run() {
	defer s.wg.Done()

	timer := time.NewTimer(maxIdleWait)
	defer timer.Stop()

	for {
		wait := s.untilNextDeadline()
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-s.stopCh:
			return
		case <-s.wakeCh:
			// A new task was scheduled, recompute the deadline
		case <-timer.C:
			s.runDueTasks()
		}
	}
}

// untilNextDeadline returns the time until the earliest scheduled deadline,
// capped at maxIdleWait
func (s *schedulerImpl) untilNextDeadline() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	wait := maxIdleWait
	now := time.Now()
	for _, t := range s.tasks {
		if d := t.nextRun.Sub(now); d < wait {
			wait = d
		}
	}
	if wait < 0 {
		wait = 0
	}
	return wait
}

// runDueTasks executes every task whose deadline has passed, FIFO in
// scheduling order, and computes each task's next run from its finish time
func (s *schedulerImpl) runDueTasks() {
	now := time.Now()

	s.mu.Lock()
	var due []*scheduledTask
	for _, t := range s.tasks {
		if !t.nextRun.After(now) {
			due = append(due, t)
		}
	}
	s.mu.Unlock()

	for _, t := range due {
		t.task()

		s.mu.Lock()
		t.nextRun = time.Now().Add(t.interval)
		s.mu.Unlock()
	}
}
