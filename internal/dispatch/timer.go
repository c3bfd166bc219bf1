package dispatch

import (
	"sync"
	"time"
)

// Timer delivers its callback on the owning queue. Stopping or resetting
// from a queue task is deterministic: once Stop returns, the callback will
// not run, even if the underlying timer already fired and the delivery is
// sitting in the queue.
type Timer struct {
	q  *Queue
	fn func()

	mu  sync.Mutex
	gen uint64
	t   *time.Timer
}

// AfterFunc schedules fn to run on the queue after d.
func (q *Queue) AfterFunc(d time.Duration, fn func()) *Timer {
	tm := &Timer{q: q, fn: fn}
	tm.mu.Lock()
	tm.schedule(d)
	tm.mu.Unlock()
	return tm
}

// schedule arms the underlying timer for the current generation.
// Callers hold tm.mu.
func (tm *Timer) schedule(d time.Duration) {
	gen := tm.gen
	tm.t = time.AfterFunc(d, func() {
		tm.q.Submit(func() {
			tm.mu.Lock()
			live := tm.gen == gen
			tm.mu.Unlock()
			if live {
				tm.fn()
			}
		})
	})
}

// Stop cancels the timer. Pending deliveries from an earlier generation
// are discarded when they surface on the queue.
func (tm *Timer) Stop() {
	tm.mu.Lock()
	tm.gen++
	if tm.t != nil {
		tm.t.Stop()
	}
	tm.mu.Unlock()
}

// Reset cancels any pending delivery and re-arms the timer for d from now.
func (tm *Timer) Reset(d time.Duration) {
	tm.mu.Lock()
	tm.gen++
	if tm.t != nil {
		tm.t.Stop()
	}
	tm.schedule(d)
	tm.mu.Unlock()
}
