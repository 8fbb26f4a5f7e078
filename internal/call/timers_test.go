package call

import (
	"sync"
	"testing"
	"time"
)

func TestScheduleRunsCallback(t *testing.T) {
	timers := NewTimers()
	done := make(chan struct{})

	timers.Schedule("a", time.Millisecond, func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("callback never ran")
	}

	// The fired callback removes its own handle.
	deadline := time.Now().Add(time.Second)
	for timers.Pending() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("expected no pending timers, got %d", timers.Pending())
		}
		time.Sleep(time.Millisecond)
	}
}

func TestCancelStopsCallback(t *testing.T) {
	timers := NewTimers()
	fired := make(chan struct{})

	timers.Schedule("a", 20*time.Millisecond, func() { close(fired) })
	if !timers.Cancel("a") {
		t.Fatal("cancel should report an armed timer")
	}
	if timers.Cancel("a") {
		t.Fatal("second cancel should find nothing")
	}

	select {
	case <-fired:
		t.Fatal("cancelled callback ran")
	case <-time.After(60 * time.Millisecond):
	}
}

func TestScheduleReplacesExisting(t *testing.T) {
	timers := NewTimers()
	var mu sync.Mutex
	var runs []string

	timers.Schedule("a", 10*time.Millisecond, func() {
		mu.Lock()
		runs = append(runs, "first")
		mu.Unlock()
	})
	timers.Schedule("a", 20*time.Millisecond, func() {
		mu.Lock()
		runs = append(runs, "second")
		mu.Unlock()
	})

	time.Sleep(80 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(runs) != 1 || runs[0] != "second" {
		t.Fatalf("expected only the replacement to run, got %v", runs)
	}
}
