package app

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/felipealfah/leasepool/internal/domain"
	"github.com/felipealfah/leasepool/internal/observability"
	"github.com/felipealfah/leasepool/internal/provider"
	"github.com/felipealfah/leasepool/internal/retry"
)

// PolicyConfig holds the dependencies and knobs of a Policy.
type PolicyConfig struct {
	Store    LeaseStore
	Provider NumberProvider
	Clock    domain.Clock
	Logger   *slog.Logger

	Countries       domain.CountryTable
	TieBreak        domain.TieBreak
	Window          time.Duration
	ForcedAttempts  int
	ForcedDelay     time.Duration
	SavingsPerReuse float64
	Sleep           retry.SleepFunc
}

// Policy decides between reusing a lease and buying a new number.
type Policy struct {
	store    LeaseStore
	provider NumberProvider
	clock    domain.Clock
	logger   *slog.Logger

	countries       domain.CountryTable
	tieBreak        domain.TieBreak
	window          time.Duration
	forcedAttempts  int
	forcedDelay     time.Duration
	savingsPerReuse float64
	sleep           retry.SleepFunc
}

// NewPolicy creates a Policy, filling zero values with defaults.
func NewPolicy(cfg PolicyConfig) *Policy {
	p := &Policy{
		store:           cfg.Store,
		provider:        cfg.Provider,
		clock:           cfg.Clock,
		logger:          cfg.Logger,
		countries:       cfg.Countries,
		tieBreak:        cfg.TieBreak,
		window:          cfg.Window,
		forcedAttempts:  cfg.ForcedAttempts,
		forcedDelay:     cfg.ForcedDelay,
		savingsPerReuse: cfg.SavingsPerReuse,
		sleep:           cfg.Sleep,
	}
	if p.clock == nil {
		p.clock = domain.RealClock{}
	}
	if p.logger == nil {
		p.logger = observability.DiscardLogger()
	}
	p.logger = p.logger.With("component", "policy")
	if !domain.IsValidTieBreak(p.tieBreak) {
		p.tieBreak = domain.TieBreakLeastUsed
	}
	if p.window <= 0 {
		p.window = domain.ReuseWindow
	}
	if p.forcedAttempts <= 0 {
		p.forcedAttempts = domain.DefaultForcedAttempts
	}
	if p.forcedDelay < 0 {
		p.forcedDelay = 0
	}
	if p.sleep == nil {
		p.sleep = retry.Sleep
	}
	return p
}

// Prune drops every lease that has outlived the reuse window and persists the
// remaining set. It returns the number of leases removed.
func (p *Policy) Prune(ctx context.Context) (int, error) {
	leases, err := p.store.All(ctx)
	if err != nil {
		return 0, fmt.Errorf("load leases: %w", err)
	}
	_, removed, err := p.prune(ctx, leases, p.clock.Now())
	return removed, err
}

func (p *Policy) prune(ctx context.Context, leases []domain.NumberLease, now time.Time) ([]domain.NumberLease, int, error) {
	kept := slices.DeleteFunc(slices.Clone(leases), func(l domain.NumberLease) bool {
		return l.Expired(now, p.window)
	})
	removed := len(leases) - len(kept)
	if removed == 0 {
		return kept, 0, nil
	}
	if err := p.store.Replace(ctx, kept); err != nil {
		return nil, 0, fmt.Errorf("persist pruned leases: %w", err)
	}
	p.logger.InfoContext(ctx, "pruned expired leases", slog.Int("removed", removed))
	return kept, removed, nil
}

// SelectReusable returns a lease that may serve service, already marked used
// and persisted, or nil when no lease qualifies.
func (p *Policy) SelectReusable(ctx context.Context, service string) (*domain.NumberLease, error) {
	ctx, span := tracer.Start(ctx, "policy.select_reusable")
	defer span.End()
	span.SetAttributes(attribute.String("service", service))

	now := p.clock.Now()
	leases, err := p.store.All(ctx)
	if err != nil {
		observability.FailSpan(span, err, "load leases")
		return nil, fmt.Errorf("load leases: %w", err)
	}

	leases, _, err = p.prune(ctx, leases, now)
	if err != nil {
		observability.FailSpan(span, err, "prune")
		return nil, err
	}

	candidates := slices.DeleteFunc(leases, func(l domain.NumberLease) bool {
		return !l.ReusableFor(service, now, p.window)
	})
	if len(candidates) == 0 {
		return nil, nil
	}
	slices.SortStableFunc(candidates, p.compare)

	chosen := candidates[0].Clone()
	chosen.MarkUsed(service, now)
	if err := p.store.Upsert(ctx, chosen); err != nil {
		observability.FailSpan(span, err, "persist reuse")
		return nil, fmt.Errorf("persist reused lease: %w", err)
	}

	span.SetAttributes(attribute.Int("lease.times_used", chosen.TimesUsed))
	p.logger.InfoContext(ctx, "reusing lease",
		slog.String("phone_number", chosen.PhoneNumber),
		slog.String("country", chosen.CountryCode),
		slog.String("service", service),
		slog.Int("times_used", chosen.TimesUsed),
		slog.Duration("window_left", chosen.Remaining(now, p.window)),
	)
	return &chosen, nil
}

func (p *Policy) compare(a, b domain.NumberLease) int {
	byUse := cmp.Compare(a.TimesUsed, b.TimesUsed)
	byCountry := cmp.Compare(p.countries.Rank(a.CountryCode), p.countries.Rank(b.CountryCode))
	if p.tieBreak == domain.TieBreakCountryBucketed {
		return cmp.Or(byCountry, byUse)
	}
	return cmp.Or(byUse, byCountry)
}

// AcquireRequest describes one acquisition.
type AcquireRequest struct {
	Services []string
	// Countries in the order they are tried.
	Countries []string
	// Forced, when set, gets the forced-attempt budget before Countries are
	// walked. It is never tried again from the list.
	Forced     string
	WebhookURL string
}

// Acquire buys one number, trying countries in order, and stores the new
// lease. NO_NUMBERS moves on to the next country; account-wide rejections
// and lost purchase responses stop with ErrAcquisitionFailed. Running out of
// countries returns ErrAcquisitionExhausted.
func (p *Policy) Acquire(ctx context.Context, req AcquireRequest) (domain.NumberLease, error) {
	ctx, span := tracer.Start(ctx, "policy.acquire")
	defer span.End()

	if len(req.Services) == 0 {
		return domain.NumberLease{}, fmt.Errorf("acquire: no services: %w", domain.ErrInvalidInput)
	}

	acquisitionID := uuid.NewString()
	logger := observability.WithTraceID(ctx, p.logger).With(
		slog.String("acquisition_id", acquisitionID),
		slog.Any("services", req.Services),
	)
	span.SetAttributes(
		attribute.String("acquisition.id", acquisitionID),
		attribute.StringSlice("services", req.Services),
	)

	attempted := make(map[string]bool, len(req.Countries)+1)

	if req.Forced != "" {
		attempted[req.Forced] = true
		for attempt := 1; attempt <= p.forcedAttempts; attempt++ {
			logger.InfoContext(ctx, "forced country attempt",
				slog.String("country", req.Forced),
				slog.Int("attempt", attempt),
				slog.Int("max_attempts", p.forcedAttempts),
			)
			lease, ok, err := p.tryCountry(ctx, logger, req, req.Forced)
			if err != nil {
				return p.fail(ctx, span, err)
			}
			if ok {
				return p.succeed(ctx, lease)
			}
			if attempt == p.forcedAttempts {
				break
			}
			if err := p.sleep(ctx, p.forcedDelay); err != nil {
				return p.fail(ctx, span, fmt.Errorf("%w: %w", domain.ErrAcquisitionFailed, err))
			}
		}
	}

	for _, country := range req.Countries {
		if attempted[country] {
			continue
		}
		attempted[country] = true

		lease, ok, err := p.tryCountry(ctx, logger, req, country)
		if err != nil {
			return p.fail(ctx, span, err)
		}
		if ok {
			return p.succeed(ctx, lease)
		}
	}

	logger.ErrorContext(ctx, "no country yielded a number", slog.Int("countries_tried", len(attempted)))
	return p.fail(ctx, span, domain.ErrAcquisitionExhausted)
}

// tryCountry checks stock and purchases in one country. ok reports a stored
// lease; a non-nil error aborts the whole acquisition.
func (p *Policy) tryCountry(ctx context.Context, logger *slog.Logger, req AcquireRequest, country string) (domain.NumberLease, bool, error) {
	if err := ctx.Err(); err != nil {
		return domain.NumberLease{}, false, fmt.Errorf("%w: %w", domain.ErrAcquisitionFailed, err)
	}
	logger = logger.With(slog.String("country", country), slog.String("country_name", p.countries.Name(country)))

	for _, service := range req.Services {
		avail := p.provider.Availability(ctx, country, service)
		if domain.IsAccountWide(avail.Err) {
			return domain.NumberLease{}, false, fmt.Errorf("%w: %w", domain.ErrAcquisitionFailed, avail.Err)
		}
		if avail.Value <= 0 {
			logger.InfoContext(ctx, "no stock, skipping country", slog.String("service", service))
			return domain.NumberLease{}, false, nil
		}
	}

	res := p.provider.Purchase(ctx, provider.PurchaseRequest{
		Services:   req.Services,
		Country:    country,
		WebhookURL: req.WebhookURL,
	})
	switch res.Outcome {
	case domain.OutcomeOK:
	case domain.OutcomeTransient:
		// The number may have been bought; trying elsewhere could buy a second.
		return domain.NumberLease{}, false, fmt.Errorf("%w: purchase outcome unknown: %w", domain.ErrAcquisitionFailed, res.Err)
	default:
		if domain.IsAccountWide(res.Err) {
			return domain.NumberLease{}, false, fmt.Errorf("%w: %w", domain.ErrAcquisitionFailed, res.Err)
		}
		logger.WarnContext(ctx, "purchase rejected, trying next country", slog.String("error", errText(res.Err)))
		return domain.NumberLease{}, false, nil
	}

	lease := domain.NewLease(res.Value.PhoneNumber, country, res.Value.ActivationID, req.Services, p.clock.Now())
	lease.WebhookURL = req.WebhookURL
	lease.SavingsPerReuse = p.savingsPerReuse

	if err := p.store.Upsert(ctx, lease); err != nil {
		p.release(ctx, logger, lease.ActivationID)
		return domain.NumberLease{}, false, fmt.Errorf("%w: persist new lease: %w", domain.ErrAcquisitionFailed, err)
	}

	logger.InfoContext(ctx, "number acquired",
		slog.String("phone_number", lease.PhoneNumber),
		slog.String("activation_id", lease.ActivationID),
	)
	return lease, true, nil
}

// release cancels an activation that was bought but could not be recorded,
// so the number is not paid for with no lease pointing at it. It runs even
// when ctx is already done.
func (p *Policy) release(ctx context.Context, logger *slog.Logger, activationID string) {
	res := p.provider.Cancel(context.WithoutCancel(ctx), activationID)
	if res.Outcome != domain.OutcomeOK || !res.Value {
		logger.ErrorContext(ctx, "unrecorded activation left open",
			slog.String("activation_id", activationID),
			slog.String("error", errText(res.Err)),
		)
		return
	}
	logger.WarnContext(ctx, "unrecorded activation canceled", slog.String("activation_id", activationID))
}

func (p *Policy) succeed(ctx context.Context, lease domain.NumberLease) (domain.NumberLease, error) {
	acquisitionsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "acquired")))
	return lease, nil
}

func (p *Policy) fail(ctx context.Context, span trace.Span, err error) (domain.NumberLease, error) {
	outcome := "failed"
	if errors.Is(err, domain.ErrAcquisitionExhausted) {
		outcome = "exhausted"
	}
	acquisitionsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	observability.FailSpan(span, err, "acquire "+outcome)
	return domain.NumberLease{}, err
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
