package app_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felipealfah/leasepool/internal/domain"
	"github.com/felipealfah/leasepool/internal/leasepool/app"
	"github.com/felipealfah/leasepool/internal/provider"
)

func TestSelectReusable(t *testing.T) {
	ctx := context.Background()

	t.Run("empty pool: no candidate", func(t *testing.T) {
		h := newTestHarness(t)

		got, err := h.orch.Policy().SelectReusable(ctx, "mail")
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("expired lease is pruned and not returned", func(t *testing.T) {
		h := newTestHarness(t)
		h.seed(lease("+5511999990001", "BR", 31*time.Minute, 1, "mail"))

		got, err := h.orch.Policy().SelectReusable(ctx, "social")
		require.NoError(t, err)
		assert.Nil(t, got)
		assert.Equal(t, 0, h.store.len())
		assert.Equal(t, 1, h.store.replaced)
	})

	t.Run("lease used for another service is reused", func(t *testing.T) {
		h := newTestHarness(t)
		h.seed(lease("+5511999990001", "BR", 10*time.Minute, 1, "mail"))

		got, err := h.orch.Policy().SelectReusable(ctx, "social")
		require.NoError(t, err)
		require.NotNil(t, got)

		assert.Equal(t, 2, got.TimesUsed)
		assert.ElementsMatch(t, []string{"mail", "social"}, got.ServicesUsed)
		assert.Equal(t, testStart, got.LastUsedAt)

		stored := h.store.get(t, "+5511999990001")
		assert.Equal(t, 2, stored.TimesUsed, "reuse must be persisted")
		assert.ElementsMatch(t, []string{"mail", "social"}, stored.ServicesUsed)
		assert.Equal(t, 0, h.store.replaced, "nothing to prune")
	})

	t.Run("never returns a lease that already served the service", func(t *testing.T) {
		h := newTestHarness(t)
		h.seed(
			lease("+5511999990001", "BR", 5*time.Minute, 1, "mail"),
			lease("+5511999990002", "US", 5*time.Minute, 2, "mail", "social"),
		)

		got, err := h.orch.Policy().SelectReusable(ctx, "mail")
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("prune boundary: exactly the window is expired", func(t *testing.T) {
		h := newTestHarness(t)
		h.seed(
			lease("+5511999990001", "BR", domain.ReuseWindow, 1, "mail"),
			lease("+5511999990002", "BR", domain.ReuseWindow-time.Second, 1, "mail"),
			lease("+5511999990003", "US", time.Minute, 1, "mail"),
		)

		removed, err := h.orch.Policy().Prune(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, removed)

		all, err := h.store.All(ctx)
		require.NoError(t, err)
		phones := []string{all[0].PhoneNumber, all[1].PhoneNumber}
		assert.ElementsMatch(t, []string{"+5511999990002", "+5511999990003"}, phones)
	})

	t.Run("least used wins", func(t *testing.T) {
		h := newTestHarness(t)
		h.seed(
			lease("+5511999990001", "BR", 5*time.Minute, 3, "a", "b", "c"),
			lease("+5511999990002", "CL", 5*time.Minute, 1, "a"),
			lease("+5511999990003", "US", 5*time.Minute, 2, "a", "b"),
		)

		got, err := h.orch.Policy().SelectReusable(ctx, "mail")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "+5511999990002", got.PhoneNumber)
	})

	t.Run("least used ties broken by country rank", func(t *testing.T) {
		h := newTestHarness(t)
		h.seed(
			lease("+5511999990001", "CL", 5*time.Minute, 1, "a"),
			lease("+5511999990002", "XX", 5*time.Minute, 1, "a"),
			lease("+5511999990003", "US", 5*time.Minute, 1, "a"),
		)

		got, err := h.orch.Policy().SelectReusable(ctx, "mail")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "US", got.CountryCode)
	})

	t.Run("country bucketed: preferred country first even if used more", func(t *testing.T) {
		h := newTestHarness(t, withTieBreak(domain.TieBreakCountryBucketed))
		h.seed(
			lease("+14155550001", "US", 5*time.Minute, 1, "a"),
			lease("+5511999990001", "BR", 5*time.Minute, 3, "a", "b", "c"),
			lease("+5511999990002", "BR", 5*time.Minute, 2, "a", "b"),
		)

		got, err := h.orch.Policy().SelectReusable(ctx, "mail")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "+5511999990002", got.PhoneNumber)
	})

	t.Run("persist failure is returned", func(t *testing.T) {
		h := newTestHarness(t)
		h.seed(lease("+5511999990001", "BR", 5*time.Minute, 1, "mail"))
		errDisk := errors.New("disk full")
		h.store.upsertErr = errDisk

		_, err := h.orch.Policy().SelectReusable(ctx, "social")
		require.Error(t, err)
		assert.ErrorIs(t, err, errDisk)
	})
}

func TestAcquire(t *testing.T) {
	ctx := context.Background()

	t.Run("skips country without stock and buys in the next", func(t *testing.T) {
		h := newTestHarness(t)
		h.provider.availabilityFn = stock(map[string]int{"BR": 0, "US": 3})
		h.provider.purchaseFn = sells("+14155550123")

		got, err := h.orch.Policy().Acquire(ctx, app.AcquireRequest{
			Services:  []string{"mail"},
			Countries: []string{"BR", "US"},
		})
		require.NoError(t, err)

		assert.Equal(t, []string{"US"}, h.provider.purchaseCountries(), "purchase attempted on US only")
		assert.Equal(t, "US", got.CountryCode)
		assert.Equal(t, 1, got.TimesUsed)
		assert.Equal(t, []string{"mail"}, got.ServicesUsed)
		assert.Equal(t, "act-US", got.ActivationID)
		assert.Equal(t, testStart, got.FirstAcquiredAt)

		stored := h.store.get(t, "+14155550123")
		assert.Equal(t, got, stored)
	})

	t.Run("stops at first success", func(t *testing.T) {
		h := newTestHarness(t)
		h.provider.availabilityFn = stock(map[string]int{"BR": 5, "US": 5, "CL": 5})
		h.provider.purchaseFn = sells("+5511999990001")

		_, err := h.orch.Policy().Acquire(ctx, app.AcquireRequest{
			Services:  []string{"mail"},
			Countries: []string{"BR", "US", "CL"},
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"BR"}, h.provider.purchaseCountries())
	})

	t.Run("no numbers moves on in priority order", func(t *testing.T) {
		h := newTestHarness(t)
		h.provider.availabilityFn = stock(map[string]int{"BR": 1, "US": 1, "CL": 1})
		h.provider.purchaseFn = func(_ context.Context, req provider.PurchaseRequest) domain.Result[provider.Purchase] {
			if req.Country != "CL" {
				return domain.Rejected[provider.Purchase](domain.ErrNoInventory)
			}
			return domain.Ok(provider.Purchase{ActivationID: "9", PhoneNumber: "+56912345678"})
		}

		got, err := h.orch.Policy().Acquire(ctx, app.AcquireRequest{
			Services:  []string{"mail"},
			Countries: []string{"BR", "US", "CL"},
		})
		require.NoError(t, err)
		assert.Equal(t, "CL", got.CountryCode)
		assert.Equal(t, []string{"BR", "US", "CL"}, h.provider.purchaseCountries())
	})

	t.Run("exhaustion returns ErrAcquisitionExhausted and stores nothing", func(t *testing.T) {
		h := newTestHarness(t)
		h.provider.availabilityFn = stock(map[string]int{"BR": 1, "US": 1})

		_, err := h.orch.Policy().Acquire(ctx, app.AcquireRequest{
			Services:  []string{"mail"},
			Countries: []string{"BR", "US"},
		})
		require.Error(t, err)
		assert.ErrorIs(t, err, domain.ErrAcquisitionExhausted)
		assert.Equal(t, 0, h.store.len())
	})

	t.Run("account-wide rejection aborts without trying other countries", func(t *testing.T) {
		for _, reason := range []error{domain.ErrInsufficientBalance, domain.ErrInvalidCredential, domain.ErrInvalidService} {
			t.Run(reason.Error(), func(t *testing.T) {
				h := newTestHarness(t)
				h.provider.availabilityFn = stock(map[string]int{"BR": 1, "US": 1})
				h.provider.purchaseFn = func(context.Context, provider.PurchaseRequest) domain.Result[provider.Purchase] {
					return domain.Rejected[provider.Purchase](reason)
				}

				_, err := h.orch.Policy().Acquire(ctx, app.AcquireRequest{
					Services:  []string{"mail"},
					Countries: []string{"BR", "US"},
				})
				require.Error(t, err)
				assert.ErrorIs(t, err, domain.ErrAcquisitionFailed)
				assert.ErrorIs(t, err, reason)
				assert.Equal(t, []string{"BR"}, h.provider.purchaseCountries())
			})
		}
	})

	t.Run("invalid credential on availability aborts", func(t *testing.T) {
		h := newTestHarness(t)
		h.provider.availabilityFn = func(context.Context, string, string) domain.Result[int] {
			return domain.Rejected[int](domain.ErrInvalidCredential)
		}

		_, err := h.orch.Policy().Acquire(ctx, app.AcquireRequest{
			Services:  []string{"mail"},
			Countries: []string{"BR", "US"},
		})
		assert.ErrorIs(t, err, domain.ErrAcquisitionFailed)
		assert.Empty(t, h.provider.purchaseCountries())
	})

	t.Run("transient purchase failure never buys twice", func(t *testing.T) {
		h := newTestHarness(t)
		h.provider.availabilityFn = stock(map[string]int{"BR": 1, "US": 1})
		h.provider.purchaseFn = func(context.Context, provider.PurchaseRequest) domain.Result[provider.Purchase] {
			return domain.Transient[provider.Purchase](errors.New("read: connection reset"))
		}

		_, err := h.orch.Policy().Acquire(ctx, app.AcquireRequest{
			Services:  []string{"mail"},
			Countries: []string{"BR", "US"},
		})
		require.Error(t, err)
		assert.ErrorIs(t, err, domain.ErrAcquisitionFailed)
		assert.Len(t, h.provider.purchaseCountries(), 1)
	})

	t.Run("forced country gets bounded attempts before fallback", func(t *testing.T) {
		h := newTestHarness(t)
		var mu sync.Mutex
		checks := map[string]int{}
		h.provider.availabilityFn = func(_ context.Context, country, _ string) domain.Result[int] {
			mu.Lock()
			checks[country]++
			mu.Unlock()
			if country == "US" {
				return domain.Ok(2)
			}
			return domain.Ok(0)
		}
		h.provider.purchaseFn = sells("+14155550123")

		got, err := h.orch.Policy().Acquire(ctx, app.AcquireRequest{
			Services:  []string{"go"},
			Countries: []string{"BR", "US", "CL"},
			Forced:    "BR",
		})
		require.NoError(t, err)
		assert.Equal(t, "US", got.CountryCode)
		assert.Equal(t, 3, checks["BR"], "forced attempts, and BR is not revisited from the list")
		assert.Equal(t, 1, checks["US"])
		assert.Equal(t, []time.Duration{5 * time.Second, 5 * time.Second}, h.slept, "no sleep after the last attempt")
	})

	t.Run("forced country succeeding on a later attempt", func(t *testing.T) {
		h := newTestHarness(t)
		calls := 0
		h.provider.availabilityFn = func(context.Context, string, string) domain.Result[int] {
			calls++
			if calls < 2 {
				return domain.Ok(0)
			}
			return domain.Ok(1)
		}
		h.provider.purchaseFn = sells("+5511999990001")

		got, err := h.orch.Policy().Acquire(ctx, app.AcquireRequest{
			Services:  []string{"go"},
			Countries: []string{"BR", "US"},
			Forced:    "BR",
		})
		require.NoError(t, err)
		assert.Equal(t, "BR", got.CountryCode)
		assert.Len(t, h.slept, 1)
	})

	t.Run("multi-service purchase tags every service", func(t *testing.T) {
		h := newTestHarness(t, withSavings(0.25))
		h.provider.availabilityFn = stock(map[string]int{"BR": 4})
		h.provider.purchaseFn = sells("+5511999990001")

		got, err := h.orch.Policy().Acquire(ctx, app.AcquireRequest{
			Services:   []string{"mail", "social"},
			Countries:  []string{"BR"},
			WebhookURL: "https://hooks.example.com/sms",
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"mail", "social"}, got.ServicesUsed)
		assert.Equal(t, "https://hooks.example.com/sms", got.WebhookURL)
		assert.InDelta(t, 0.25, got.SavingsPerReuse, 1e-9)
		require.Len(t, h.provider.purchases, 1)
		assert.Equal(t, "https://hooks.example.com/sms", h.provider.purchases[0].WebhookURL)
	})

	t.Run("store failure cancels the bought activation", func(t *testing.T) {
		h := newTestHarness(t)
		h.provider.availabilityFn = stock(map[string]int{"BR": 1})
		h.provider.purchaseFn = sells("+5511999990001")
		errDisk := errors.New("disk full")
		h.store.upsertErr = errDisk

		_, err := h.orch.Policy().Acquire(ctx, app.AcquireRequest{
			Services:  []string{"mail"},
			Countries: []string{"BR"},
		})

		assert.ErrorIs(t, err, errDisk)
		assert.ErrorIs(t, err, domain.ErrAcquisitionFailed)
		assert.Equal(t, []string{"BR"}, h.provider.purchaseCountries())
		assert.Equal(t, []string{"act-BR"}, h.provider.cancelCalls())
	})

	t.Run("duplicate activation on persist cancels and stops", func(t *testing.T) {
		h := newTestHarness(t)
		h.provider.availabilityFn = stock(map[string]int{"BR": 1, "US": 1})
		h.provider.purchaseFn = sells("+5511999990001")
		h.store.upsertErr = domain.ErrDuplicateActivation

		_, err := h.orch.Policy().Acquire(ctx, app.AcquireRequest{
			Services:  []string{"mail"},
			Countries: []string{"BR", "US"},
		})

		assert.ErrorIs(t, err, domain.ErrDuplicateActivation)
		assert.Equal(t, []string{"BR"}, h.provider.purchaseCountries())
		assert.Len(t, h.provider.cancelCalls(), 1)
	})

	t.Run("no services is invalid input", func(t *testing.T) {
		h := newTestHarness(t)

		_, err := h.orch.Policy().Acquire(ctx, app.AcquireRequest{Countries: []string{"BR"}})
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
	})

	t.Run("cancelled context stops the walk", func(t *testing.T) {
		h := newTestHarness(t)
		h.provider.availabilityFn = stock(map[string]int{"BR": 1})
		cctx, cancel := context.WithCancel(ctx)
		cancel()

		_, err := h.orch.Policy().Acquire(cctx, app.AcquireRequest{
			Services:  []string{"mail"},
			Countries: []string{"BR"},
		})
		assert.ErrorIs(t, err, domain.ErrAcquisitionFailed)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Empty(t, h.provider.purchaseCountries())
	})
}
