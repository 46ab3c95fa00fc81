package etcdraft

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// qnode is a single element of the intake queue's linked list.
type qnode[T any] struct {
	value *T
	next  atomic.Pointer[qnode[T]]
}

// intakeQueue is an unbounded lock-free multi-producer single-consumer queue.
// Any number of goroutines may Push concurrently; a single internal consumer
// goroutine forwards the items to the Recv channel so the engine can wait on
// it in a select. Strict FIFO is not guaranteed under concurrent pushes, the
// ordering is determined by which producer completes its append first.
type intakeQueue[T any] struct {
	head     atomic.Pointer[qnode[T]]
	tail     atomic.Pointer[qnode[T]]
	out      chan *T
	consumer sync.WaitGroup
	closed   atomic.Bool

	mu   sync.Mutex
	cond *sync.Cond
}

// newIntakeQueue creates the queue and starts its consumer goroutine.
func newIntakeQueue[T any]() *intakeQueue[T] {
	sentinel := &qnode[T]{}

	q := &intakeQueue[T]{
		out: make(chan *T),
	}
	q.cond = sync.NewCond(&q.mu)
	q.head.Store(sentinel)
	q.tail.Store(sentinel)

	q.consumer.Add(1)
	go q.consume()

	return q
}

// Push appends an item to the queue. It returns false if the item is nil or
// the queue has been closed.
func (q *intakeQueue[T]) Push(value *T) bool {
	if value == nil || q.closed.Load() {
		return false
	}

	newNode := &qnode[T]{value: value}

	var backoff uint8
	for {
		tailNode := q.tail.Load()

		next := tailNode.next.Load()
		if next == nil {
			if tailNode.next.CompareAndSwap(nil, newNode) {
				// the tail CAS may fail if another producer helped, the
				// tail still converges eventually
				q.tail.CompareAndSwap(tailNode, newNode)
				q.cond.Signal()
				return true
			}
		} else {
			// help a producer that appended but has not moved the tail yet
			q.tail.CompareAndSwap(tailNode, next)
		}

		// exponential backoff under contention, spin first and yield once
		// the retry count grows
		if backoff < 10 {
			backoff++
			for i := 0; i < 1<<backoff; i++ {
				runtime.Gosched()
			}
		}
		runtime.Gosched()
	}
}

// consume moves items from the linked list to the output channel.
func (q *intakeQueue[T]) consume() {
	defer q.consumer.Done()
	defer close(q.out)

	for {
		hasItems := false

		for {
			head := q.head.Load()
			next := head.next.Load()
			if next == nil {
				break
			}

			hasItems = true
			value := next.value

			// moving head releases the consumed node for the gc
			q.head.Store(next)
			q.out <- value
			next.value = nil
		}

		if !hasItems && q.closed.Load() {
			return
		}

		if !hasItems {
			q.mu.Lock()
			head := q.head.Load()
			if head.next.Load() == nil && !q.closed.Load() {
				q.cond.Wait()
			}
			q.mu.Unlock()
		}
	}
}

// Recv returns the receive side of the queue for use in select statements.
// The channel is closed once the queue is closed and drained.
func (q *intakeQueue[T]) Recv() <-chan *T {
	return q.out
}

// Close prevents further pushes. Items already queued are still delivered.
func (q *intakeQueue[T]) Close() {
	q.closed.Store(true)
	q.cond.Signal()
}

// IsClosed returns true once Close has been called.
func (q *intakeQueue[T]) IsClosed() bool {
	return q.closed.Load()
}
