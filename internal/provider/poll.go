package provider

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/felipealfah/leasepool/internal/domain"
)

// PollForCode waits for the verification code of an activation.
//
// It checks the remote status up to maxAttempts times, sleeping interval
// between checks but not after the last. A received code is acknowledged
// with status 3. A remote cancellation ends the wait at once. Running out of
// attempts cancels the activation with status 6. If ctx ends first the wait
// stops without any status call and the result stays WAITING.
func (c *Client) PollForCode(ctx context.Context, activationID string, maxAttempts int, interval time.Duration) domain.CodeResult {
	ctx, span := tracer.Start(ctx, "provider.PollForCode")
	defer span.End()
	span.SetAttributes(attribute.String("activation.id", activationID))

	logger := c.logger.With(slog.String("activation_id", activationID))
	logger.InfoContext(ctx, "waiting for verification code", slog.Int("max_attempts", maxAttempts))

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if ctx.Err() != nil {
			return domain.CodeResult{State: domain.VerificationWaiting, Source: "poll"}
		}

		res := c.Status(ctx, activationID)
		if res.IsOK() {
			switch res.Value.State {
			case domain.VerificationCodeReceived:
				c.SetStatus(ctx, activationID, domain.StatusCodeReceived)
				span.SetAttributes(attribute.String("verification.state", string(domain.VerificationCodeReceived)))
				logger.InfoContext(ctx, "verification code received", slog.Int("attempt", attempt))
				return domain.CodeResult{Code: res.Value.Code, State: domain.VerificationCodeReceived, Source: "poll"}
			case domain.VerificationCanceled:
				span.SetAttributes(attribute.String("verification.state", string(domain.VerificationCanceled)))
				logger.WarnContext(ctx, "activation canceled by provider")
				return domain.CodeResult{State: domain.VerificationCanceled, Source: "poll"}
			}
		} else if ctx.Err() == nil {
			logger.WarnContext(ctx, "status check failed",
				slog.Int("attempt", attempt),
				slog.String("error", res.Err.Error()),
			)
		}

		if attempt == maxAttempts {
			break
		}
		if err := c.sleep(ctx, interval); err != nil {
			return domain.CodeResult{State: domain.VerificationWaiting, Source: "poll"}
		}
	}

	if ctx.Err() != nil {
		return domain.CodeResult{State: domain.VerificationWaiting, Source: "poll"}
	}

	logger.WarnContext(ctx, "no verification code before timeout, canceling activation")
	c.SetStatus(ctx, activationID, domain.StatusCancel)
	span.SetAttributes(attribute.String("verification.state", string(domain.VerificationTimedOut)))
	return domain.CodeResult{State: domain.VerificationTimedOut, Source: "poll"}
}
