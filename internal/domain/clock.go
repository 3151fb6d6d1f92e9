package domain

import "time"

// Clock provides the current time. Lease expiry and reuse decisions read it
// instead of calling time.Now directly so tests can move time.
type Clock interface {
	Now() time.Time
}

// RealClock implements Clock using the system clock.
type RealClock struct{}

// Now returns time.Now().
func (RealClock) Now() time.Time {
	return time.Now()
}

// NowUTC returns c.Now() in UTC with the monotonic reading stripped, which is
// what persisted lease timestamps carry.
func NowUTC(c Clock) time.Time {
	return c.Now().UTC().Round(0)
}

var _ Clock = RealClock{}
