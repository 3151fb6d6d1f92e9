package port

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felipealfah/leasepool/internal/domain"
)

type stubInbox struct {
	deliverFn func(ctx context.Context, d domain.CodeDelivery) error
	lookupFn  func(ctx context.Context, id string) (domain.CodeDelivery, bool, error)
}

func (s *stubInbox) Deliver(ctx context.Context, d domain.CodeDelivery) error {
	if s.deliverFn != nil {
		return s.deliverFn(ctx, d)
	}
	return nil
}

func (s *stubInbox) Lookup(ctx context.Context, id string) (domain.CodeDelivery, bool, error) {
	if s.lookupFn != nil {
		return s.lookupFn(ctx, id)
	}
	return domain.CodeDelivery{}, false, nil
}

var _ codeInbox = (*stubInbox)(nil)

type stubStats struct {
	statsFn func(ctx context.Context) (domain.PoolStats, error)
}

func (s *stubStats) Stats(ctx context.Context) (domain.PoolStats, error) {
	return s.statsFn(ctx)
}

func newRouter(inbox codeInbox, stats poolStats) http.Handler {
	r := chi.NewRouter()
	NewWebhookHandler(inbox, stats, nil).Routes(r)
	return r
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestWebhookHandler_Receive(t *testing.T) {
	t.Run("json body is delivered", func(t *testing.T) {
		var got domain.CodeDelivery
		inbox := &stubInbox{deliverFn: func(_ context.Context, d domain.CodeDelivery) error {
			got = d
			return nil
		}}
		req := httptest.NewRequest(http.MethodPost, "/sms-webhook",
			strings.NewReader(`{"id": 123456789, "phone": "5511987654321", "sms": "482913", "status": "STATUS_OK"}`))
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()

		newRouter(inbox, nil).ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, true, decodeBody(t, rec)["success"])
		assert.Equal(t, "123456789", got.ActivationID)
		assert.Equal(t, "+5511987654321", got.PhoneNumber)
		assert.Equal(t, "482913", got.Code)
		assert.Equal(t, "STATUS_OK", got.Status)
	})

	t.Run("form body is delivered", func(t *testing.T) {
		var got domain.CodeDelivery
		inbox := &stubInbox{deliverFn: func(_ context.Context, d domain.CodeDelivery) error {
			got = d
			return nil
		}}
		form := url.Values{"id": {"1001"}, "phone": {"not-a-number"}, "sms": {"555666"}}
		req := httptest.NewRequest(http.MethodPost, "/sms-webhook", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		rec := httptest.NewRecorder()

		newRouter(inbox, nil).ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "1001", got.ActivationID)
		assert.Equal(t, "not-a-number", got.PhoneNumber, "unparseable numbers are kept as sent")
		assert.Equal(t, "555666", got.Code)
	})

	t.Run("missing sms is rejected", func(t *testing.T) {
		inbox := &stubInbox{deliverFn: func(context.Context, domain.CodeDelivery) error {
			t.Fatal("must not deliver")
			return nil
		}}
		req := httptest.NewRequest(http.MethodPost, "/sms-webhook", strings.NewReader(`{"id": "1001"}`))
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()

		newRouter(inbox, nil).ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		body := decodeBody(t, rec)
		assert.Equal(t, false, body["success"])
		assert.Equal(t, "INVALID_ARGUMENT", body["code"])
	})

	t.Run("broken json is rejected", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/sms-webhook", strings.NewReader(`{"id":`))
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()

		newRouter(&stubInbox{}, nil).ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("inbox failure is a 500 without details", func(t *testing.T) {
		inbox := &stubInbox{deliverFn: func(context.Context, domain.CodeDelivery) error {
			return errors.New("redis: connection refused")
		}}
		form := url.Values{"id": {"1001"}, "sms": {"555666"}}
		req := httptest.NewRequest(http.MethodPost, "/sms-webhook", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		rec := httptest.NewRecorder()

		newRouter(inbox, nil).ServeHTTP(rec, req)

		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.NotContains(t, rec.Body.String(), "redis")
	})
}

func TestWebhookHandler_Status(t *testing.T) {
	t.Run("known activation", func(t *testing.T) {
		inbox := &stubInbox{lookupFn: func(_ context.Context, id string) (domain.CodeDelivery, bool, error) {
			assert.Equal(t, "1001", id)
			return domain.CodeDelivery{ActivationID: id, Code: "482913"}, true, nil
		}}
		req := httptest.NewRequest(http.MethodGet, "/sms-status/1001", nil)
		rec := httptest.NewRecorder()

		newRouter(inbox, nil).ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		body := decodeBody(t, rec)
		assert.Equal(t, "482913", body["code"])
		assert.Equal(t, "1001", body["activation_id"])
	})

	t.Run("unknown activation is 404", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/sms-status/9999", nil)
		rec := httptest.NewRecorder()

		newRouter(&stubInbox{}, nil).ServeHTTP(rec, req)

		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, false, decodeBody(t, rec)["success"])
	})
}

func TestWebhookHandler_Stats(t *testing.T) {
	t.Run("returns pool stats", func(t *testing.T) {
		stats := &stubStats{statsFn: func(context.Context) (domain.PoolStats, error) {
			return domain.PoolStats{TotalLeases: 2, TotalReuses: 3, TotalServicesCovered: 5, EstimatedSavings: 1.5}, nil
		}}
		req := httptest.NewRequest(http.MethodGet, "/stats", nil)
		rec := httptest.NewRecorder()

		newRouter(&stubInbox{}, stats).ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		body := decodeBody(t, rec)
		assert.InDelta(t, 2, body["total_leases"], 0)
		assert.InDelta(t, 1.5, body["estimated_savings"], 1e-9)
	})

	t.Run("not mounted without a stats source", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/stats", nil)
		rec := httptest.NewRecorder()

		newRouter(&stubInbox{}, nil).ServeHTTP(rec, req)

		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}
