// Package system provides the wall clock used outside of tests.
package system

import "time"

// Clock implements analysis.Clock backed by time.Now.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time normalized to UTC, so timestamps stored on
// jobs and events compare consistently regardless of host timezone.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}
