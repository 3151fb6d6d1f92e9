// Package retry runs provider calls under a bounded retry policy and maps
// every failure onto a caller-supplied safe default.
package retry

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/felipealfah/leasepool/internal/domain"
	"github.com/felipealfah/leasepool/internal/observability"
)

var attemptsTotal metric.Int64Counter

func init() {
	m := otel.Meter("leasepool/retry")
	attemptsTotal, _ = m.Int64Counter("retry_attempts_total",
		metric.WithDescription("Provider call attempts made by the retry executor"))
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Executor holds a fixed-delay retry policy. It is safe for concurrent use.
type Executor struct {
	maxRetries int
	delay      time.Duration
	sleep      SleepFunc
	logger     *slog.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithSleep replaces the wait between attempts. Tests use it to avoid real delays.
func WithSleep(fn SleepFunc) Option {
	return func(e *Executor) { e.sleep = fn }
}

// WithLogger sets the logger used for retry warnings.
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// NewExecutor returns an executor making at most maxRetries attempts with
// delay between consecutive attempts. maxRetries below 1 is treated as 1.
func NewExecutor(maxRetries int, delay time.Duration, opts ...Option) *Executor {
	if maxRetries < 1 {
		maxRetries = 1
	}
	e := &Executor{
		maxRetries: maxRetries,
		delay:      delay,
		sleep:      Sleep,
		logger:     observability.DiscardLogger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "retry")
	return e
}

// Once returns a copy of e that never retries. Used for calls that must not
// be repeated after a lost response, such as purchases.
func (e *Executor) Once() *Executor {
	c := *e
	c.maxRetries = 1
	return &c
}

// MaxRetries returns the attempt budget.
func (e *Executor) MaxRetries() int { return e.maxRetries }

// Do runs op under e's policy.
//
// Transient results are retried up to the attempt budget with e's delay
// between attempts and no wait after the last one. Rejected and unclassified
// results end the loop at once. Whenever the final result is not OK its Value
// is replaced by fallback, so callers may read Value unconditionally.
func Do[T any](ctx context.Context, e *Executor, name string, fallback T, op func(context.Context) domain.Result[T]) domain.Result[T] {
	var res domain.Result[T]
	for attempt := 1; attempt <= e.maxRetries; attempt++ {
		attemptsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("call", name)))
		res = op(ctx)

		switch res.Outcome {
		case domain.OutcomeOK:
			return res
		case domain.OutcomeRejected:
			e.logger.DebugContext(ctx, "provider rejected call",
				slog.String("call", name),
				slog.String("error", errString(res.Err)),
			)
			return res.WithDefault(fallback)
		case domain.OutcomeTransient:
		default:
			e.logger.WarnContext(ctx, "unclassified provider result",
				slog.String("call", name),
				slog.Int("attempt", attempt),
			)
			return res.WithDefault(fallback)
		}

		e.logger.WarnContext(ctx, "transient provider failure",
			slog.String("call", name),
			slog.Int("attempt", attempt),
			slog.Int("max_retries", e.maxRetries),
			slog.String("error", errString(res.Err)),
		)
		if attempt == e.maxRetries {
			break
		}
		if err := e.sleep(ctx, e.delay); err != nil {
			return domain.Transient[T](err).WithDefault(fallback)
		}
	}

	e.logger.ErrorContext(ctx, "retries exhausted", slog.String("call", name))
	return res.WithDefault(fallback)
}

// Sleep waits for d, returning ctx.Err() if ctx is done first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
