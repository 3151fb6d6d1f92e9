package domain

import (
	"slices"
	"time"
)

// NumberLease is one outstanding or recently used rented number.
// PhoneNumber is the unique key within the pool.
type NumberLease struct {
	PhoneNumber     string    `json:"phone_number"`
	CountryCode     string    `json:"country_code"`
	ActivationID    string    `json:"activation_id"`
	FirstAcquiredAt time.Time `json:"first_acquired_at"`
	LastUsedAt      time.Time `json:"last_used_at"`
	TimesUsed       int       `json:"times_used"`
	ServicesUsed    []string  `json:"services_used"`
	WebhookURL      string    `json:"webhook_url,omitempty"`
	SavingsPerReuse float64   `json:"savings_per_reuse,omitempty"`
}

// NewLease builds the record for a freshly purchased number. Duplicate
// services are collapsed.
func NewLease(phone, country, activationID string, services []string, now time.Time) NumberLease {
	l := NumberLease{
		PhoneNumber:     phone,
		CountryCode:     country,
		ActivationID:    activationID,
		FirstAcquiredAt: now,
		LastUsedAt:      now,
		TimesUsed:       1,
	}
	for _, s := range services {
		l.addService(s)
	}
	return l
}

// Expired reports whether the lease has outlived window since it was first acquired.
func (l NumberLease) Expired(now time.Time, window time.Duration) bool {
	return now.Sub(l.FirstAcquiredAt) >= window
}

// HasService reports whether service already consumed this number.
func (l NumberLease) HasService(service string) bool {
	return slices.Contains(l.ServicesUsed, service)
}

// ReusableFor reports whether the lease may be handed out for service at now.
func (l NumberLease) ReusableFor(service string, now time.Time, window time.Duration) bool {
	if l.Expired(now, window) || l.HasService(service) {
		return false
	}
	return now.Sub(l.LastUsedAt) < window
}

// MarkUsed records one more use of the number for service.
func (l *NumberLease) MarkUsed(service string, now time.Time) {
	l.LastUsedAt = now
	l.TimesUsed++
	l.addService(service)
}

// Reuses is the number of uses beyond the initial acquisition.
func (l NumberLease) Reuses() int {
	if l.TimesUsed <= 1 {
		return 0
	}
	return l.TimesUsed - 1
}

// Remaining returns how much of the reuse window is left, never negative.
func (l NumberLease) Remaining(now time.Time, window time.Duration) time.Duration {
	left := window - now.Sub(l.FirstAcquiredAt)
	if left < 0 {
		return 0
	}
	return left
}

// Clone returns a deep copy safe to hand to callers.
func (l NumberLease) Clone() NumberLease {
	l.ServicesUsed = slices.Clone(l.ServicesUsed)
	return l
}

func (l *NumberLease) addService(service string) {
	if service == "" || l.HasService(service) {
		return
	}
	l.ServicesUsed = append(l.ServicesUsed, service)
}

// PoolStats summarizes the lease pool.
type PoolStats struct {
	TotalLeases          int     `json:"total_leases"`
	TotalReuses          int     `json:"total_reuses"`
	TotalServicesCovered int     `json:"total_services_covered"`
	EstimatedSavings     float64 `json:"estimated_savings"`
}
