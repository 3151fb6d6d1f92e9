package app

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/felipealfah/leasepool/internal/domain"
	"github.com/felipealfah/leasepool/internal/observability"
)

// GetNumber returns a lease for service, reusing a pool number when one
// qualifies and buying a new one otherwise. preferred, when set, is tried
// before the rest of the country table.
func (o *Orchestrator) GetNumber(ctx context.Context, service, preferred string) (domain.NumberLease, error) {
	ctx, span := tracer.Start(ctx, "orchestrator.get_number")
	defer span.End()
	span.SetAttributes(attribute.String("service", service))

	if service == "" {
		return domain.NumberLease{}, fmt.Errorf("get number: service is required: %w", domain.ErrInvalidInput)
	}

	reused, err := o.policy.SelectReusable(ctx, service)
	if err != nil {
		observability.FailSpan(span, err, "select reusable")
		return domain.NumberLease{}, err
	}
	if reused != nil {
		reuseTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("service", service)))
		span.SetAttributes(attribute.Bool("reused", true))
		return *reused, nil
	}

	req := AcquireRequest{
		Services:   []string{service},
		Countries:  o.countries.WithFirst(preferred),
		WebhookURL: o.webhookURL,
	}
	if o.forcedServices[service] {
		req.Forced = preferred
		if req.Forced == "" {
			req.Forced = o.countries.Preferred
		}
	}

	lease, err := o.policy.Acquire(ctx, req)
	if err != nil {
		return domain.NumberLease{}, err
	}
	return lease, nil
}

// GetNumberForServices buys one number tagged with every service. It never
// reuses. When country is set only that country is tried.
func (o *Orchestrator) GetNumberForServices(ctx context.Context, services []string, country string) (domain.NumberLease, error) {
	ctx, span := tracer.Start(ctx, "orchestrator.get_number_for_services")
	defer span.End()

	unique := make([]string, 0, len(services))
	for _, s := range services {
		if s != "" && !slices.Contains(unique, s) {
			unique = append(unique, s)
		}
	}
	if len(unique) == 0 {
		return domain.NumberLease{}, fmt.Errorf("get number for services: no services: %w", domain.ErrInvalidInput)
	}
	span.SetAttributes(attribute.StringSlice("services", unique))

	countries := o.countries.Codes()
	if country != "" {
		countries = []string{country}
	}

	return o.policy.Acquire(ctx, AcquireRequest{
		Services:   unique,
		Countries:  countries,
		WebhookURL: o.webhookURL,
	})
}

// Release cancels the activation and drops the lease. The lease stays in the
// pool unless the provider confirms the cancellation.
func (o *Orchestrator) Release(ctx context.Context, lease domain.NumberLease) (bool, error) {
	ctx, span := tracer.Start(ctx, "orchestrator.release")
	defer span.End()

	res := o.provider.Cancel(ctx, lease.ActivationID)
	if !res.Value {
		o.logger.WarnContext(ctx, "cancellation not confirmed, keeping lease",
			slog.String("phone_number", lease.PhoneNumber),
			slog.String("activation_id", lease.ActivationID),
			slog.String("outcome", res.Outcome.String()),
		)
		return false, nil
	}

	if _, err := o.store.Remove(ctx, lease.PhoneNumber); err != nil {
		observability.FailSpan(span, err, "remove lease")
		return true, fmt.Errorf("remove released lease: %w", err)
	}
	o.logger.InfoContext(ctx, "lease released",
		slog.String("phone_number", lease.PhoneNumber),
		slog.String("activation_id", lease.ActivationID),
	)
	return true, nil
}

// MarkUsed records that phone was used for service outside the reuse path.
// It returns false when the number is not in the pool or already served
// service.
func (o *Orchestrator) MarkUsed(ctx context.Context, phone, service string) (bool, error) {
	ctx, span := tracer.Start(ctx, "orchestrator.mark_used")
	defer span.End()

	lease, err := o.store.Get(ctx, phone)
	if domain.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		observability.FailSpan(span, err, "load lease")
		return false, fmt.Errorf("load lease: %w", err)
	}
	if lease.HasService(service) {
		return false, nil
	}

	lease.MarkUsed(service, o.clock.Now())
	if err := o.store.Upsert(ctx, lease); err != nil {
		observability.FailSpan(span, err, "persist lease")
		return false, fmt.Errorf("persist lease: %w", err)
	}
	return true, nil
}

// Confirm tells the provider the activation is complete (status 8).
func (o *Orchestrator) Confirm(ctx context.Context, lease domain.NumberLease) bool {
	return o.provider.SetStatus(ctx, lease.ActivationID, domain.StatusConfirmed).Value
}

// AddService asks the provider to route another service to the lease's
// activation, records it on the lease and puts the activation back to
// awaiting a code (status 1).
func (o *Orchestrator) AddService(ctx context.Context, lease domain.NumberLease, service string) (bool, error) {
	ctx, span := tracer.Start(ctx, "orchestrator.add_service")
	defer span.End()

	if lease.HasService(service) {
		return false, nil
	}
	if !o.provider.ExtraService(ctx, lease.ActivationID, service).Value {
		return false, nil
	}

	stored, err := o.store.Get(ctx, lease.PhoneNumber)
	if err != nil {
		observability.FailSpan(span, err, "load lease")
		return true, fmt.Errorf("load lease: %w", err)
	}
	stored.MarkUsed(service, o.clock.Now())
	if err := o.store.Upsert(ctx, stored); err != nil {
		observability.FailSpan(span, err, "persist lease")
		return true, fmt.Errorf("persist lease: %w", err)
	}
	if !o.provider.SetStatus(ctx, lease.ActivationID, domain.StatusAwaitingCode).Value {
		o.logger.WarnContext(ctx, "activation not reset to awaiting code",
			slog.String("activation_id", lease.ActivationID),
			slog.String("service", service),
		)
	}
	return true, nil
}
