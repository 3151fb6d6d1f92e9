// Package domaintest holds test doubles shared by the lease pool packages.
package domaintest

import (
	"sync"
	"time"

	"github.com/felipealfah/leasepool/internal/domain"
)

var _ domain.Clock = (*FakeClock)(nil)

// FakeClock is a manually driven clock. Lease expiry, reuse eligibility and
// inbox TTLs are all computed from it, so tests step across the reuse
// window instead of sleeping through it.
type FakeClock struct {
	mu  sync.RWMutex
	now time.Time
}

// NewFakeClock starts the clock at start.
func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

func (c *FakeClock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Set jumps to t, forward or back.
func (c *FakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// ExpireFrom puts the clock exactly at the end of the reuse window of a
// lease first acquired at acquired, the first instant it counts as expired.
func (c *FakeClock) ExpireFrom(acquired time.Time) {
	c.Set(acquired.Add(domain.ReuseWindow))
}
