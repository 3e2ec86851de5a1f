package history

import (
	"sync"
	"time"
)

// idleTimer is a single-shot timer that is re-armed on every Reset. The
// callback never fires after Stop returns and never fires for a superseded
// arm, which is what lets the engine treat "the inactivity window elapsed"
// as a synchronous state transition.
type idleTimer struct {
	mu      sync.Mutex
	d       time.Duration
	fn      func()
	t       *time.Timer
	gen     uint64
	stopped bool
}

func newIdleTimer(d time.Duration, fn func()) *idleTimer {
	return &idleTimer{d: d, fn: fn}
}

// Reset arms the timer for a fresh window, cancelling any pending fire.
func (it *idleTimer) Reset() {
	it.mu.Lock()
	defer it.mu.Unlock()
	if it.stopped {
		return
	}
	it.gen++
	gen := it.gen
	if it.t != nil {
		it.t.Stop()
	}
	it.t = time.AfterFunc(it.d, func() {
		if it.current(gen) {
			it.fn()
		}
	})
}

// Stop cancels the timer permanently.
func (it *idleTimer) Stop() {
	it.mu.Lock()
	defer it.mu.Unlock()
	it.stopped = true
	it.gen++
	if it.t != nil {
		it.t.Stop()
		it.t = nil
	}
}

// current reports whether the provided arm generation is still the live one.
// Checked without holding the lock across the callback so the callback may
// take locks of its own.
func (it *idleTimer) current(gen uint64) bool {
	it.mu.Lock()
	defer it.mu.Unlock()
	return !it.stopped && gen == it.gen
}
