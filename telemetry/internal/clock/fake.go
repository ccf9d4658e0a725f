package clock

import (
	"sync"
	"time"
)

// Fake is a deterministic Clock for tests. Time stands still until
// Advance is called; pending After channels fire when the clock moves
// past their deadline, in deadline order.
//
// Fake is safe for concurrent use.
type Fake struct {
	mu      sync.Mutex
	current time.Time
	waiters []*waiter
	changed *sync.Cond
}

type waiter struct {
	deadline time.Time
	ch       chan time.Time
}

// NewFake returns a Fake initialized to the given time.
func NewFake(initial time.Time) *Fake {
	f := &Fake{current: initial}
	f.changed = sync.NewCond(&f.mu)
	return f
}

// Now returns the current fake time.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

// After returns a channel that receives once the clock advances past
// the deadline. If d <= 0 the channel receives immediately.
func (f *Fake) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()

	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- f.current
		return ch
	}

	f.waiters = append(f.waiters, &waiter{
		deadline: f.current.Add(d),
		ch:       ch,
	})
	f.changed.Broadcast()
	return ch
}

// Advance moves the clock forward by d and fires every pending waiter
// whose deadline falls within the new time, in deadline order.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.current = f.current.Add(d)
	target := f.current

	var fire []*waiter
	var remaining []*waiter
	for _, w := range f.waiters {
		if !w.deadline.After(target) {
			fire = append(fire, w)
		} else {
			remaining = append(remaining, w)
		}
	}
	f.waiters = remaining
	f.mu.Unlock()

	for i := 0; i < len(fire); i++ {
		earliest := i
		for j := i + 1; j < len(fire); j++ {
			if fire[j].deadline.Before(fire[earliest].deadline) {
				earliest = j
			}
		}
		fire[i], fire[earliest] = fire[earliest], fire[i]
		fire[i].ch <- target
	}
}

// WaitForTimers blocks until at least n After channels are pending.
// It removes the race between a goroutine registering its timer and
// the test advancing the clock.
func (f *Fake) WaitForTimers(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for len(f.waiters) < n {
		f.changed.Wait()
	}
}

// Pending returns the number of registered, not-yet-fired waiters.
func (f *Fake) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.waiters)
}
