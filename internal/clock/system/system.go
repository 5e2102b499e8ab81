// Package system is the production crawler.Clock. Lease timestamps, visit
// report times and the worker's idle and backoff waits all read from it.
package system

import "time"

// Clock reads the wall clock in UTC.
type Clock struct{}

// New returns the wall clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current UTC time.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}

// After fires once d has elapsed. Non-positive durations are ready at once.
func (Clock) After(d time.Duration) <-chan time.Time {
	if d <= 0 {
		ch := make(chan time.Time, 1)
		ch <- time.Now().UTC()
		return ch
	}
	return time.After(d)
}
