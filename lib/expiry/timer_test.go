package expiry

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/dRaft/lib/common"
)

// TestTimerFiresInOrder tests that scheduled actions fire in deadline order
func TestTimerFiresInOrder(t *testing.T) {
	timer := NewTimer()
	defer timer.Close()

	var mu sync.Mutex
	var fired []int

	record := func(n int) func() {
		return func() {
			mu.Lock()
			fired = append(fired, n)
			mu.Unlock()
		}
	}

	timer.Schedule(60*time.Millisecond, record(3))
	timer.Schedule(20*time.Millisecond, record(1))
	timer.Schedule(40*time.Millisecond, record(2))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(fired)
		mu.Unlock()
		if n == 3 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(fired) != 3 {
		t.Fatalf("expected 3 actions to fire, got %d", len(fired))
	}
	for i, n := range fired {
		if n != i+1 {
			t.Errorf("actions fired out of order: %v", fired)
			break
		}
	}
}

// TestTimerCancel tests that a cancelled timeout never fires
func TestTimerCancel(t *testing.T) {
	timer := NewTimer()
	defer timer.Close()

	firedCh := make(chan struct{}, 1)
	id := timer.Schedule(30*time.Millisecond, func() {
		firedCh <- struct{}{}
	})

	if !timer.Cancel(id) {
		t.Fatal("Cancel should return true for a pending timeout")
	}
	if timer.Cancel(id) {
		t.Error("Cancel should return false for an already cancelled timeout")
	}

	select {
	case <-firedCh:
		t.Error("cancelled timeout fired")
	case <-time.After(100 * time.Millisecond):
	}
}

// TestServiceFailAfter tests that FailAfter fails the future with ErrExpired
// and that completion before the deadline wins
func TestServiceFailAfter(t *testing.T) {
	timer := NewTimer()
	defer timer.Close()
	svc := NewService(timer)

	// Case 1: the timeout fires first
	fut := common.NewResponseFuture(1)
	svc.FailAfter(fut, 20*time.Millisecond)

	if _, err := fut.Await(2 * time.Second); !errors.Is(err, ErrExpired) {
		t.Errorf("expected ErrExpired, got: %v", err)
	}

	// Case 2: completion wins, the late expiry is a no-op
	fut = common.NewResponseFuture(2)
	id := svc.FailAfter(fut, 20*time.Millisecond)
	fut.Complete([]byte("response"))
	svc.Cancel(id)

	body, err := fut.Result()
	if err != nil {
		t.Fatalf("future should have completed successfully, got: %v", err)
	}
	if string(body) != "response" {
		t.Errorf("unexpected response body: %q", body)
	}
}

// TestServiceClose tests that a closed service no longer schedules timeouts
func TestServiceClose(t *testing.T) {
	timer := NewTimer()
	defer timer.Close()
	svc := NewService(timer)

	if err := svc.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if id := svc.ScheduleTimeout(time.Millisecond, func() {}); id != 0 {
		t.Errorf("closed service should return id 0, got %d", id)
	}
}
