package call

import (
	"sync"
	"time"
)

// Timers tracks cancellable timer handles per key (call id or group id).
// Every terminal transition cancels its handle before the call is marked
// terminal, closing the race where a stale timeout fires after completion.
type Timers struct {
	mu     sync.Mutex
	timers map[string]*time.Timer
}

func NewTimers() *Timers {
	return &Timers{timers: make(map[string]*time.Timer)}
}

// Schedule arms fn to run after d, replacing any timer already armed for
// key. The callback removes its own handle before running.
func (t *Timers) Schedule(key string, d time.Duration, fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if old, ok := t.timers[key]; ok {
		old.Stop()
	}
	var timer *time.Timer
	timer = time.AfterFunc(d, func() {
		t.mu.Lock()
		if t.timers[key] == timer {
			delete(t.timers, key)
		}
		t.mu.Unlock()
		fn()
	})
	t.timers[key] = timer
}

// Cancel stops and forgets the timer for key. Reports whether a handle was
// present. A timer whose callback already started cannot be stopped; the
// callback must tolerate that by re-checking state.
func (t *Timers) Cancel(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	timer, ok := t.timers[key]
	if !ok {
		return false
	}
	timer.Stop()
	delete(t.timers, key)
	return true
}

func (t *Timers) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.timers)
}
