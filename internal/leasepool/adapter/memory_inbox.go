package adapter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/felipealfah/leasepool/internal/domain"
	"github.com/felipealfah/leasepool/internal/leasepool/app"
)

var _ app.CodeInbox = (*MemoryInbox)(nil)

// MemoryInbox holds webhook deliveries in process memory. Entries older than
// the TTL are dropped on the next delivery.
type MemoryInbox struct {
	clock domain.Clock
	ttl   time.Duration

	mu      sync.Mutex
	codes   map[string]domain.CodeDelivery
	changed chan struct{}
}

// NewMemoryInbox creates an empty MemoryInbox. A non-positive ttl uses
// domain.InboxTTL.
func NewMemoryInbox(clock domain.Clock, ttl time.Duration) *MemoryInbox {
	if clock == nil {
		clock = domain.RealClock{}
	}
	if ttl <= 0 {
		ttl = domain.InboxTTL
	}
	return &MemoryInbox{
		clock:   clock,
		ttl:     ttl,
		codes:   make(map[string]domain.CodeDelivery),
		changed: make(chan struct{}),
	}
}

// Deliver stores d and wakes every waiter. A later delivery for the same
// activation replaces the earlier one.
func (m *MemoryInbox) Deliver(_ context.Context, d domain.CodeDelivery) error {
	if d.ActivationID == "" {
		return fmt.Errorf("deliver code: activation id is required: %w", domain.ErrInvalidInput)
	}
	now := domain.NowUTC(m.clock)
	if d.ReceivedAt.IsZero() {
		d.ReceivedAt = now
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for id, c := range m.codes {
		if now.Sub(c.ReceivedAt) >= m.ttl {
			delete(m.codes, id)
		}
	}
	m.codes[d.ActivationID] = d
	close(m.changed)
	m.changed = make(chan struct{})
	return nil
}

// Wait blocks until a code for activationID is delivered or ctx ends.
func (m *MemoryInbox) Wait(ctx context.Context, activationID string) (domain.CodeDelivery, error) {
	for {
		m.mu.Lock()
		d, ok := m.codes[activationID]
		changed := m.changed
		m.mu.Unlock()

		if ok {
			return d, nil
		}
		select {
		case <-ctx.Done():
			return domain.CodeDelivery{}, ctx.Err()
		case <-changed:
		}
	}
}

// Lookup returns the delivery for activationID without blocking.
func (m *MemoryInbox) Lookup(_ context.Context, activationID string) (domain.CodeDelivery, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.codes[activationID]
	return d, ok, nil
}
