package expiry

import (
	"container/heap"
)

// entry represents a single scheduled timeout with a unique id and its
// absolute deadline in unix milliseconds
type entry struct {
	id       uint64 // Unique identifier of the timeout
	deadline int64  // Absolute deadline (unix ms) used as heap priority
	index    int    // Index in the heap, maintained by heap package
}

// deadlineHeap is a min-heap of timeouts ordered by deadline, combined with
// a map for O(1) access by timeout id. It is not thread-safe; the Timer
// serializes all access under its own mutex.
type deadlineHeap struct {
	entries    []*entry          // The actual heap slice
	entriesMap map[uint64]*entry // Map for O(1) access by id
}

// newDeadlineHeap creates a new empty deadline heap
func newDeadlineHeap() *deadlineHeap {
	return &deadlineHeap{
		entries:    make([]*entry, 0),
		entriesMap: make(map[uint64]*entry),
	}
}

// Len returns the number of scheduled timeouts (part of heap.Interface)
func (dh *deadlineHeap) Len() int { return len(dh.entries) }

// Less compares entries by deadline, earliest first (part of heap.Interface)
func (dh *deadlineHeap) Less(i, j int) bool {
	return dh.entries[i].deadline < dh.entries[j].deadline
}

// Swap exchanges entries at positions i and j (part of heap.Interface)
func (dh *deadlineHeap) Swap(i, j int) {
	dh.entries[i], dh.entries[j] = dh.entries[j], dh.entries[i]
	dh.entries[i].index = i
	dh.entries[j].index = j
}

// Push adds an entry to the heap (part of heap.Interface)
func (dh *deadlineHeap) Push(x interface{}) {
	n := len(dh.entries)
	e := x.(*entry)
	e.index = n
	dh.entries = append(dh.entries, e)
	dh.entriesMap[e.id] = e
}

// Pop removes and returns the earliest entry (part of heap.Interface)
func (dh *deadlineHeap) Pop() interface{} {
	old := dh.entries
	n := len(old)
	e := old[n-1]
	old[n-1] = nil // Avoid memory leak
	e.index = -1   // For safety
	dh.entries = old[:n-1]
	delete(dh.entriesMap, e.id)
	return e
}

// add schedules a new timeout or moves an existing one to a new deadline
func (dh *deadlineHeap) add(id uint64, deadline int64) {
	if e, exists := dh.entriesMap[id]; exists {
		e.deadline = deadline
		heap.Fix(dh, e.index)
		return
	}

	heap.Push(dh, &entry{
		id:       id,
		deadline: deadline,
	})
}

// remove cancels a scheduled timeout by id. The boolean return value
// indicates whether the id was present.
func (dh *deadlineHeap) remove(id uint64) bool {
	e, exists := dh.entriesMap[id]
	if !exists {
		return false
	}

	heap.Remove(dh, e.index)
	return true
}

// peek returns the earliest entry without removing it
func (dh *deadlineHeap) peek() (*entry, bool) {
	if len(dh.entries) == 0 {
		return nil, false
	}
	return dh.entries[0], true
}

// popDue removes and returns the earliest entry if its deadline has passed
func (dh *deadlineHeap) popDue(nowMs int64) (*entry, bool) {
	e, ok := dh.peek()
	if !ok || e.deadline > nowMs {
		return nil, false
	}
	return heap.Pop(dh).(*entry), true
}
