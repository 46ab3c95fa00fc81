package expiry

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dRaft/lib/common"
	"github.com/lni/dragonboat/v4/logger"
)

var log = logger.GetLogger("expiry")

// ErrExpired is the failure set on a future whose timeout fired before the
// request completed
var ErrExpired = errors.New("request timed out waiting for completion")

// maxTimerIdle bounds how long the timer goroutine sleeps when nothing is
// scheduled
const maxTimerIdle = 100 * time.Millisecond

// --------------------------------------------------------------------------
// Timer
// --------------------------------------------------------------------------

// Timer is a deadline-ordered timeout facility backed by a single goroutine.
// Scheduled actions fire in deadline order on the timer goroutine and must
// not block.
type Timer struct {
	mu      sync.Mutex
	heap    *deadlineHeap
	actions map[uint64]func()

	nextID atomic.Uint64
	wakeCh chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup
	closed atomic.Bool
}

// NewTimer creates a new timer and starts its goroutine
func NewTimer() *Timer {
	t := &Timer{
		heap:    newDeadlineHeap(),
		actions: make(map[uint64]func()),
		wakeCh:  make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
	}

	t.wg.Add(1)
	go t.run()

	return t
}

// Schedule registers an action to fire after the given delay and returns the
// timeout id used for cancellation. Scheduling on a closed timer returns 0
// and never fires.
func (t *Timer) Schedule(delay time.Duration, action func()) uint64 {
	if t.closed.Load() {
		return 0
	}

	id := t.nextID.Add(1)
	deadline := time.Now().Add(delay).UnixMilli()

	t.mu.Lock()
	t.heap.add(id, deadline)
	t.actions[id] = action
	t.mu.Unlock()

	// Wake the goroutine so it can adopt the new deadline
	select {
	case t.wakeCh <- struct{}{}:
	default:
	}

	return id
}

// Cancel removes a scheduled timeout. The boolean return value indicates
// whether the timeout was still pending.
func (t *Timer) Cancel(id uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.heap.remove(id) {
		return false
	}
	delete(t.actions, id)
	return true
}

// Close stops the timer goroutine. Pending timeouts are dropped without
// firing. Close is idempotent.
func (t *Timer) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(t.stopCh)
	t.wg.Wait()
	return nil
}

// run sleeps until the earliest deadline and fires due actions in order
func (t *Timer) run() {
	defer t.wg.Done()

	sleep := time.NewTimer(maxTimerIdle)
	defer sleep.Stop()

	for {
		wait := t.untilNextDeadline()
		if !sleep.Stop() {
			select {
			case <-sleep.C:
			default:
			}
		}
		sleep.Reset(wait)

		select {
		case <-t.stopCh:
			return
		case <-t.wakeCh:
			// New deadline scheduled, recompute the wait
		case <-sleep.C:
			t.fireDue()
		}
	}
}

// untilNextDeadline returns the time until the earliest deadline, capped at
// maxTimerIdle
func (t *Timer) untilNextDeadline() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.heap.peek()
	if !ok {
		return maxTimerIdle
	}

	wait := time.Until(time.UnixMilli(e.deadline))
	if wait < 0 {
		wait = 0
	}
	if wait > maxTimerIdle {
		wait = maxTimerIdle
	}
	return wait
}

// fireDue pops every entry whose deadline has passed and runs its action
// outside the lock
func (t *Timer) fireDue() {
	now := time.Now().UnixMilli()

	for {
		t.mu.Lock()
		e, ok := t.heap.popDue(now)
		if !ok {
			t.mu.Unlock()
			return
		}
		action := t.actions[e.id]
		delete(t.actions, e.id)
		t.mu.Unlock()

		if action != nil {
			action()
		}
	}
}

// --------------------------------------------------------------------------
// Service
// --------------------------------------------------------------------------

// Service is the expiration facility handed to the consensus engine. It ties
// timeouts to futures and owns no goroutine of its own; all work happens on
// the underlying Timer.
type Service struct {
	timer  *Timer
	closed atomic.Bool
}

// NewService creates a new expiration service over the given timer
func NewService(timer *Timer) *Service {
	return &Service{timer: timer}
}

// ScheduleTimeout registers an action to fire after the given delay.
// See Timer.Schedule.
func (s *Service) ScheduleTimeout(delay time.Duration, onExpire func()) uint64 {
	if s.closed.Load() {
		return 0
	}
	return s.timer.Schedule(delay, onExpire)
}

// FailAfter schedules the future to fail with ErrExpired after the given
// delay unless the timeout is cancelled first. Failing an already completed
// future is a no-op, so races between completion and expiry are benign.
func (s *Service) FailAfter(fut *common.ResponseFuture, delay time.Duration) uint64 {
	return s.ScheduleTimeout(delay, func() {
		log.Debugf("request %d expired after %v", fut.CorrelationID(), delay)
		fut.Fail(ErrExpired)
	})
}

// Cancel removes a scheduled timeout. See Timer.Cancel.
func (s *Service) Cancel(id uint64) bool {
	return s.timer.Cancel(id)
}

// Close marks the service closed. The underlying timer is owned by the
// replica manager and closed separately.
func (s *Service) Close() error {
	s.closed.Store(true)
	return nil
}
