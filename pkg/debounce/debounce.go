// Package debounce provides a cancellable coalescing timer: rapid triggers
// within the window collapse into a single callback invocation.
package debounce

import (
	"sync"
	"time"
)

// Debouncer coalesces triggers into one callback per quiet window. The zero
// value is not usable; construct with New.
type Debouncer struct {
	d time.Duration

	mu      sync.Mutex
	timer   *time.Timer
	pending func()
	stopped bool
}

func New(d time.Duration) *Debouncer {
	return &Debouncer{d: d}
}

// Trigger schedules fn to run after the debounce window. A trigger while a
// previous one is pending restarts the window and replaces the callback, so
// only the last fn of a burst runs. A trigger after Stop is a no-op.
func (d *Debouncer) Trigger(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	d.pending = fn
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.d, d.fire)
}

// fire runs on the timer goroutine. The stopped flag is the authority: a
// timer that was already due when Stop was called must still do nothing.
func (d *Debouncer) fire() {
	d.mu.Lock()
	if d.stopped || d.pending == nil {
		d.mu.Unlock()
		return
	}
	fn := d.pending
	d.pending = nil
	d.mu.Unlock()
	fn()
}

// Flush runs any pending callback immediately instead of waiting out the
// window.
func (d *Debouncer) Flush() {
	d.mu.Lock()
	if d.timer != nil {
		d.timer.Stop()
	}
	fn := d.pending
	d.pending = nil
	stopped := d.stopped
	d.mu.Unlock()
	if fn != nil && !stopped {
		fn()
	}
}

// Stop cancels any pending callback and prevents all future ones.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	d.pending = nil
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}
