package app

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"

	"github.com/felipealfah/leasepool/internal/domain"
	"github.com/felipealfah/leasepool/internal/observability"
)

// CountryQuote is the stock and unit price of a service in one country.
type CountryQuote struct {
	Code      string  `json:"country_code"`
	Name      string  `json:"country_name"`
	Cost      float64 `json:"cost"`
	Available int     `json:"available"`
}

// AvailabilityReport summarizes where a service can be bought right now.
type AvailabilityReport struct {
	Service        string         `json:"service"`
	Balance        float64        `json:"balance"`
	Countries      []CountryQuote `json:"countries"`
	TotalAvailable int            `json:"total_available"`
	Recommended    *CountryQuote  `json:"recommended,omitempty"`
}

// CheapestCountry picks the country to buy service in. The preferred country
// wins whenever it has stock, regardless of price elsewhere; otherwise the
// first country in table order with stock is returned. ok is false when no
// country has stock.
func (o *Orchestrator) CheapestCountry(ctx context.Context, service string) (CountryQuote, bool) {
	ctx, span := tracer.Start(ctx, "orchestrator.cheapest_country")
	defer span.End()
	span.SetAttributes(attribute.String("service", service))

	for _, code := range o.countries.WithFirst(o.countries.Preferred) {
		available := o.provider.Availability(ctx, code, service).Value
		if available <= 0 {
			continue
		}
		quote := CountryQuote{
			Code:      code,
			Name:      o.countries.Name(code),
			Available: available,
		}
		prices := o.provider.Prices(ctx, service, []string{code}).Value
		if p, ok := prices[code][service]; ok {
			quote.Cost = p.Cost
		}
		span.SetAttributes(attribute.String("country", code))
		return quote, true
	}
	return CountryQuote{}, false
}

// AvailabilityReport lists the countries of the table that stock service, in
// priority order, together with the account balance.
func (o *Orchestrator) AvailabilityReport(ctx context.Context, service string) AvailabilityReport {
	ctx, span := tracer.Start(ctx, "orchestrator.availability_report")
	defer span.End()

	report := AvailabilityReport{
		Service:   service,
		Balance:   o.provider.Balance(ctx).Value,
		Countries: []CountryQuote{},
	}

	prices := o.provider.Prices(ctx, service, nil).Value
	for _, code := range o.countries.WithFirst(o.countries.Preferred) {
		p, ok := prices[code][service]
		if !ok || p.Count <= 0 {
			continue
		}
		report.Countries = append(report.Countries, CountryQuote{
			Code:      code,
			Name:      o.countries.Name(code),
			Cost:      p.Cost,
			Available: p.Count,
		})
		report.TotalAvailable += p.Count
	}
	if len(report.Countries) > 0 {
		rec := report.Countries[0]
		report.Recommended = &rec
	}

	o.logger.InfoContext(ctx, "availability report",
		slog.String("service", service),
		slog.Int("countries", len(report.Countries)),
		slog.Int("total_available", report.TotalAvailable),
	)
	return report
}

// Stats aggregates the lease pool.
func (o *Orchestrator) Stats(ctx context.Context) (domain.PoolStats, error) {
	ctx, span := tracer.Start(ctx, "orchestrator.stats")
	defer span.End()

	leases, err := o.store.All(ctx)
	if err != nil {
		observability.FailSpan(span, err, "load leases")
		return domain.PoolStats{}, fmt.Errorf("load leases: %w", err)
	}

	stats := domain.PoolStats{TotalLeases: len(leases)}
	for _, l := range leases {
		reuses := l.Reuses()
		stats.TotalReuses += reuses
		stats.TotalServicesCovered += len(l.ServicesUsed)
		stats.EstimatedSavings += l.SavingsPerReuse * float64(reuses)
	}
	return stats, nil
}
