// Package clock abstracts the timers the pipeline depends on (batch
// waits, retry backoff, drain deadlines) so tests can drive them
// deterministically instead of sleeping.
package clock

import "time"

// Clock provides the two time operations the pipeline uses. Production
// code takes Real(); tests substitute NewFake.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives the current time once
	// duration d has elapsed. Equivalent to time.After.
	After(d time.Duration) <-chan time.Time
}

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
