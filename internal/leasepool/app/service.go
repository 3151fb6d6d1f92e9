package app

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/felipealfah/leasepool/internal/domain"
	"github.com/felipealfah/leasepool/internal/observability"
	"github.com/felipealfah/leasepool/internal/provider"
	"github.com/felipealfah/leasepool/internal/retry"
)

var tracer = otel.Tracer("leasepool/app")

var (
	reuseTotal        metric.Int64Counter
	acquisitionsTotal metric.Int64Counter
	codesTotal        metric.Int64Counter
)

func init() {
	m := otel.Meter("leasepool/app")

	reuseTotal, _ = m.Int64Counter("leasepool_reuse_total",
		metric.WithDescription("Requests served from an existing lease"))
	acquisitionsTotal, _ = m.Int64Counter("leasepool_acquisitions_total",
		metric.WithDescription("Number acquisitions by outcome"))
	codesTotal, _ = m.Int64Counter("leasepool_codes_total",
		metric.WithDescription("Verification code waits by final state and source"))
}

// LeaseStore persists the lease pool. Every mutating call is durable when it
// returns.
type LeaseStore interface {
	All(ctx context.Context) ([]domain.NumberLease, error)
	Get(ctx context.Context, phone string) (domain.NumberLease, error)
	Upsert(ctx context.Context, lease domain.NumberLease) error
	Remove(ctx context.Context, phone string) (bool, error)
	Replace(ctx context.Context, leases []domain.NumberLease) error
}

// NumberProvider is the provider surface the pool needs. *provider.Client
// satisfies it.
type NumberProvider interface {
	Balance(ctx context.Context) domain.Result[float64]
	Prices(ctx context.Context, service string, countries []string) domain.Result[provider.Prices]
	Availability(ctx context.Context, country, service string) domain.Result[int]
	Purchase(ctx context.Context, req provider.PurchaseRequest) domain.Result[provider.Purchase]
	SetStatus(ctx context.Context, activationID string, status domain.ActivationStatus) domain.Result[bool]
	Cancel(ctx context.Context, activationID string) domain.Result[bool]
	ExtraService(ctx context.Context, activationID, service string) domain.Result[bool]
	PollForCode(ctx context.Context, activationID string, maxAttempts int, interval time.Duration) domain.CodeResult
}

// CodeInbox is the rendezvous for codes pushed by the provider webhook.
// Wait blocks until a code for activationID arrives or ctx ends.
type CodeInbox interface {
	Deliver(ctx context.Context, d domain.CodeDelivery) error
	Wait(ctx context.Context, activationID string) (domain.CodeDelivery, error)
	Lookup(ctx context.Context, activationID string) (domain.CodeDelivery, bool, error)
}

var _ NumberProvider = (*provider.Client)(nil)

// Config holds the dependencies and policy for the Orchestrator.
type Config struct {
	Store    LeaseStore
	Provider NumberProvider
	Inbox    CodeInbox // optional; without it codes are only polled
	Clock    domain.Clock
	Logger   *slog.Logger

	Countries       domain.CountryTable
	TieBreak        domain.TieBreak
	ForcedServices  []string
	ForcedAttempts  int
	ForcedDelay     time.Duration
	SavingsPerReuse float64
	WebhookURL      string

	PollAttempts int
	PollInterval time.Duration

	// Sleep waits between forced-country attempts. Defaults to retry.Sleep.
	Sleep retry.SleepFunc
}

// Orchestrator is the facade the automation layer calls to get numbers and
// verification codes.
type Orchestrator struct {
	store    LeaseStore
	provider NumberProvider
	inbox    CodeInbox
	policy   *Policy
	clock    domain.Clock
	logger   *slog.Logger

	countries      domain.CountryTable
	forcedServices map[string]bool
	webhookURL     string
	pollAttempts   int
	pollInterval   time.Duration
}

// NewOrchestrator creates an Orchestrator. Zero policy values fall back to
// the compiled defaults.
func NewOrchestrator(cfg Config) *Orchestrator {
	if cfg.Clock == nil {
		cfg.Clock = domain.RealClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.DiscardLogger()
	}
	if len(cfg.Countries.Order) == 0 {
		cfg.Countries = domain.DefaultCountryTable()
	}
	if cfg.PollAttempts <= 0 {
		cfg.PollAttempts = domain.DefaultPollAttempts
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = domain.DefaultPollInterval
	}

	forced := make(map[string]bool, len(cfg.ForcedServices))
	for _, s := range cfg.ForcedServices {
		forced[s] = true
	}

	logger := cfg.Logger.With("component", "orchestrator")

	return &Orchestrator{
		store:    cfg.Store,
		provider: cfg.Provider,
		inbox:    cfg.Inbox,
		policy: NewPolicy(PolicyConfig{
			Store:           cfg.Store,
			Provider:        cfg.Provider,
			Clock:           cfg.Clock,
			Logger:          cfg.Logger,
			Countries:       cfg.Countries,
			TieBreak:        cfg.TieBreak,
			ForcedAttempts:  cfg.ForcedAttempts,
			ForcedDelay:     cfg.ForcedDelay,
			SavingsPerReuse: cfg.SavingsPerReuse,
			Sleep:           cfg.Sleep,
		}),
		clock:          cfg.Clock,
		logger:         logger,
		countries:      cfg.Countries,
		forcedServices: forced,
		webhookURL:     cfg.WebhookURL,
		pollAttempts:   cfg.PollAttempts,
		pollInterval:   cfg.PollInterval,
	}
}

// Policy exposes the reuse and acquisition policy.
func (o *Orchestrator) Policy() *Policy { return o.policy }
