package app_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felipealfah/leasepool/internal/domain"
)

// blockingPoll waits for ctx like a poll that never sees a code.
func blockingPoll(ctx context.Context, _ string, _ int, _ time.Duration) domain.CodeResult {
	<-ctx.Done()
	return domain.CodeResult{State: domain.VerificationWaiting}
}

func TestWaitForCode(t *testing.T) {
	ctx := context.Background()
	l := lease("+5511999990001", "BR", time.Minute, 1, "mail")

	t.Run("poll only: code received", func(t *testing.T) {
		h := newTestHarness(t)
		h.provider.pollFn = func(_ context.Context, id string, maxAttempts int, interval time.Duration) domain.CodeResult {
			assert.Equal(t, l.ActivationID, id)
			assert.Equal(t, 3, maxAttempts)
			assert.Equal(t, time.Second, interval)
			return domain.CodeResult{Code: "123456", State: domain.VerificationCodeReceived}
		}

		got, err := h.orch.WaitForCode(ctx, l)
		require.NoError(t, err)
		assert.Equal(t, "123456", got.Code)
		assert.Equal(t, domain.VerificationCodeReceived, got.State)
		assert.Equal(t, "poll", got.Source)
	})

	t.Run("poll only: timeout yields no code", func(t *testing.T) {
		h := newTestHarness(t)

		got, err := h.orch.WaitForCode(ctx, l)
		require.NoError(t, err)
		assert.Empty(t, got.Code)
		assert.Equal(t, domain.VerificationTimedOut, got.State)
	})

	t.Run("webhook wins and stops the poll", func(t *testing.T) {
		inbox := &stubInbox{
			waitFn: func(_ context.Context, id string) (domain.CodeDelivery, error) {
				return domain.CodeDelivery{ActivationID: id, Code: "654321"}, nil
			},
		}
		h := newTestHarness(t, withInbox(inbox))
		pollStopped := make(chan struct{})
		h.provider.pollFn = func(ctx context.Context, id string, n int, d time.Duration) domain.CodeResult {
			defer close(pollStopped)
			return blockingPoll(ctx, id, n, d)
		}

		got, err := h.orch.WaitForCode(ctx, l)
		require.NoError(t, err)
		assert.Equal(t, "654321", got.Code)
		assert.Equal(t, "webhook", got.Source)
		assert.Equal(t, []domain.ActivationStatus{domain.StatusCodeReceived}, h.provider.statusCalls())

		select {
		case <-pollStopped:
		default:
			t.Fatal("poll still running after webhook win")
		}
	})

	t.Run("poll wins and stops the inbox wait", func(t *testing.T) {
		inboxStopped := make(chan struct{})
		inbox := &stubInbox{
			waitFn: func(ctx context.Context, _ string) (domain.CodeDelivery, error) {
				defer close(inboxStopped)
				<-ctx.Done()
				return domain.CodeDelivery{}, ctx.Err()
			},
		}
		h := newTestHarness(t, withInbox(inbox))
		h.provider.pollFn = func(context.Context, string, int, time.Duration) domain.CodeResult {
			return domain.CodeResult{Code: "111222", State: domain.VerificationCodeReceived}
		}

		got, err := h.orch.WaitForCode(ctx, l)
		require.NoError(t, err)
		assert.Equal(t, "111222", got.Code)
		assert.Equal(t, "poll", got.Source)
		assert.Empty(t, h.provider.statusCalls(), "poll marks status itself")
		<-inboxStopped
	})

	t.Run("remote cancellation ends the wait", func(t *testing.T) {
		h := newTestHarness(t, withInbox(&stubInbox{}))
		h.provider.pollFn = func(context.Context, string, int, time.Duration) domain.CodeResult {
			return domain.CodeResult{State: domain.VerificationCanceled}
		}

		got, err := h.orch.WaitForCode(ctx, l)
		require.NoError(t, err)
		assert.Equal(t, domain.VerificationCanceled, got.State)
		assert.Empty(t, got.Code)
	})

	t.Run("code already in the inbox skips polling", func(t *testing.T) {
		inbox := &stubInbox{
			lookupFn: func(_ context.Context, id string) (domain.CodeDelivery, bool, error) {
				return domain.CodeDelivery{ActivationID: id, Code: "999000"}, true, nil
			},
		}
		h := newTestHarness(t, withInbox(inbox))
		h.provider.pollFn = func(context.Context, string, int, time.Duration) domain.CodeResult {
			t.Fatal("poll must not start")
			return domain.CodeResult{}
		}

		got, err := h.orch.WaitForCode(ctx, l)
		require.NoError(t, err)
		assert.Equal(t, "999000", got.Code)
		assert.Equal(t, "webhook", got.Source)
	})

	t.Run("inbox failure leaves the poll in charge", func(t *testing.T) {
		inbox := &stubInbox{
			waitFn: func(context.Context, string) (domain.CodeDelivery, error) {
				return domain.CodeDelivery{}, errors.New("redis: connection refused")
			},
		}
		h := newTestHarness(t, withInbox(inbox))
		h.provider.pollFn = func(context.Context, string, int, time.Duration) domain.CodeResult {
			return domain.CodeResult{Code: "424242", State: domain.VerificationCodeReceived}
		}

		got, err := h.orch.WaitForCode(ctx, l)
		require.NoError(t, err)
		assert.Equal(t, "424242", got.Code)
	})

	t.Run("caller cancellation returns waiting", func(t *testing.T) {
		h := newTestHarness(t, withInbox(&stubInbox{}))
		h.provider.pollFn = blockingPoll

		cctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()

		got, err := h.orch.WaitForCode(cctx, l)
		require.Error(t, err)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Equal(t, domain.VerificationWaiting, got.State)
		assert.Empty(t, h.provider.statusCalls())
	})
}
