package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/felipealfah/leasepool/internal/domain"
	"github.com/felipealfah/leasepool/internal/leasepool/app"
	"github.com/felipealfah/leasepool/internal/observability"
	redisclient "github.com/felipealfah/leasepool/internal/redis"
)

const codeKeyPrefix = "sms_code:"

var _ app.CodeInbox = (*RedisInbox)(nil)

// RedisInbox keeps webhook deliveries in Redis so the webhook receiver and
// the waiting worker may run in different processes. Each delivery is a
// JSON value under sms_code:<activation id> that expires after the TTL.
type RedisInbox struct {
	cmd      redisclient.Cmdable
	clock    domain.Clock
	ttl      time.Duration
	interval time.Duration
}

// RedisInboxOption configures a RedisInbox.
type RedisInboxOption func(*RedisInbox)

// WithPollInterval sets how often Wait checks for a delivery.
func WithPollInterval(d time.Duration) RedisInboxOption {
	return func(r *RedisInbox) { r.interval = d }
}

// NewRedisInbox creates a RedisInbox that uses cmd for Redis operations.
func NewRedisInbox(cmd redisclient.Cmdable, clock domain.Clock, ttl time.Duration, opts ...RedisInboxOption) *RedisInbox {
	if clock == nil {
		clock = domain.RealClock{}
	}
	if ttl <= 0 {
		ttl = domain.InboxTTL
	}
	r := &RedisInbox{cmd: cmd, clock: clock, ttl: ttl, interval: domain.InboxPollInterval}
	for _, opt := range opts {
		opt(r)
	}
	if r.interval <= 0 {
		r.interval = domain.InboxPollInterval
	}
	return r
}

// Deliver stores d under its activation id.
func (r *RedisInbox) Deliver(ctx context.Context, d domain.CodeDelivery) error {
	ctx, span := tracer.Start(ctx, "redis.inbox.deliver")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "redis"),
		attribute.String("db.operation", "SET"),
	)

	if d.ActivationID == "" {
		return fmt.Errorf("deliver code: activation id is required: %w", domain.ErrInvalidInput)
	}
	if d.ReceivedAt.IsZero() {
		d.ReceivedAt = domain.NowUTC(r.clock)
	}

	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encode delivery: %w", err)
	}
	if err := r.cmd.Set(ctx, codeKeyPrefix+d.ActivationID, data, r.ttl).Err(); err != nil {
		observability.FailSpan(span, err, "redis set")
		return fmt.Errorf("store delivery %q: %w", d.ActivationID, err)
	}
	return nil
}

// Lookup returns the delivery for activationID without blocking.
func (r *RedisInbox) Lookup(ctx context.Context, activationID string) (domain.CodeDelivery, bool, error) {
	ctx, span := tracer.Start(ctx, "redis.inbox.lookup")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "redis"),
		attribute.String("db.operation", "GET"),
	)

	data, err := r.cmd.Get(ctx, codeKeyPrefix+activationID).Bytes()
	if redisclient.IsNil(err) {
		return domain.CodeDelivery{}, false, nil
	}
	if err != nil {
		observability.FailSpan(span, err, "redis get")
		return domain.CodeDelivery{}, false, fmt.Errorf("load delivery %q: %w", activationID, err)
	}

	var d domain.CodeDelivery
	if err := json.Unmarshal(data, &d); err != nil {
		return domain.CodeDelivery{}, false, fmt.Errorf("decode delivery %q: %w", activationID, err)
	}
	return d, true, nil
}

// Wait polls Redis until a delivery for activationID appears or ctx ends.
func (r *RedisInbox) Wait(ctx context.Context, activationID string) (domain.CodeDelivery, error) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		d, ok, err := r.Lookup(ctx, activationID)
		if err != nil && ctx.Err() == nil {
			return domain.CodeDelivery{}, err
		}
		if ok {
			return d, nil
		}
		select {
		case <-ctx.Done():
			return domain.CodeDelivery{}, ctx.Err()
		case <-ticker.C:
		}
	}
}
