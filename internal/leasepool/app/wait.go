package app

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/felipealfah/leasepool/internal/domain"
)

const (
	sourcePoll    = "poll"
	sourceWebhook = "webhook"
)

// WaitForCode blocks until the lease's verification code arrives, the
// provider cancels the activation, or polling gives up. The provider poll
// and the webhook inbox race; whichever observes the code first stops the
// other. A code is returned only in the CODE_RECEIVED state. The error is
// non-nil only when ctx ends before either path finishes.
func (o *Orchestrator) WaitForCode(ctx context.Context, lease domain.NumberLease) (domain.CodeResult, error) {
	ctx, span := tracer.Start(ctx, "orchestrator.wait_for_code")
	defer span.End()
	span.SetAttributes(attribute.String("activation.id", lease.ActivationID))

	logger := o.logger.With(
		slog.String("activation_id", lease.ActivationID),
		slog.String("phone_number", lease.PhoneNumber),
	)

	if o.inbox != nil {
		d, ok, err := o.inbox.Lookup(ctx, lease.ActivationID)
		if err != nil {
			logger.WarnContext(ctx, "inbox lookup failed, polling only", slog.String("error", err.Error()))
		}
		if ok {
			return o.finish(ctx, logger, o.fromWebhook(ctx, lease, d)), nil
		}
	}

	raceCtx, stop := context.WithCancel(ctx)
	defer stop()

	results := make(chan domain.CodeResult, 2)
	g, gctx := errgroup.WithContext(raceCtx)

	g.Go(func() error {
		res := o.provider.PollForCode(gctx, lease.ActivationID, o.pollAttempts, o.pollInterval)
		if res.State.IsTerminal() {
			res.Source = sourcePoll
			results <- res
			stop()
		}
		return nil
	})

	if o.inbox != nil {
		g.Go(func() error {
			d, err := o.inbox.Wait(gctx, lease.ActivationID)
			if err != nil {
				// Inbox failures leave the poll running on its own.
				if gctx.Err() == nil {
					logger.WarnContext(ctx, "inbox wait failed", slog.String("error", err.Error()))
				}
				return nil
			}
			results <- domain.CodeResult{Code: d.Code, State: domain.VerificationCodeReceived, Source: sourceWebhook}
			stop()
			return nil
		})
	}

	_ = g.Wait()

	select {
	case res := <-results:
		if res.Source == sourceWebhook {
			res = o.fromWebhook(ctx, lease, domain.CodeDelivery{Code: res.Code})
		}
		return o.finish(ctx, logger, res), nil
	default:
		span.SetAttributes(attribute.String("verification.state", string(domain.VerificationWaiting)))
		return domain.CodeResult{State: domain.VerificationWaiting}, ctx.Err()
	}
}

// fromWebhook acknowledges a pushed code to the provider.
func (o *Orchestrator) fromWebhook(ctx context.Context, lease domain.NumberLease, d domain.CodeDelivery) domain.CodeResult {
	if !o.provider.SetStatus(ctx, lease.ActivationID, domain.StatusCodeReceived).Value {
		o.logger.WarnContext(ctx, "could not acknowledge webhook code", slog.String("activation_id", lease.ActivationID))
	}
	return domain.CodeResult{Code: d.Code, State: domain.VerificationCodeReceived, Source: sourceWebhook}
}

func (o *Orchestrator) finish(ctx context.Context, logger *slog.Logger, res domain.CodeResult) domain.CodeResult {
	codesTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("state", string(res.State)),
		attribute.String("source", res.Source),
	))
	logger.InfoContext(ctx, "verification wait finished",
		slog.String("state", string(res.State)),
		slog.String("source", res.Source),
	)
	return res
}
