package port

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/felipealfah/leasepool/internal/domain"
	"github.com/felipealfah/leasepool/internal/errmap"
	"github.com/felipealfah/leasepool/internal/observability"
)

const maxWebhookBody = 64 << 10

// codeInbox is the part of app.CodeInbox the handler needs.
type codeInbox interface {
	Deliver(ctx context.Context, d domain.CodeDelivery) error
	Lookup(ctx context.Context, activationID string) (domain.CodeDelivery, bool, error)
}

// poolStats is satisfied by *app.Orchestrator.
type poolStats interface {
	Stats(ctx context.Context) (domain.PoolStats, error)
}

// WebhookHandler receives verification codes pushed by the provider and
// exposes what it has seen.
type WebhookHandler struct {
	inbox  codeInbox
	stats  poolStats
	logger *slog.Logger
}

// NewWebhookHandler creates a WebhookHandler. stats may be nil, in which case
// /stats is not mounted.
func NewWebhookHandler(inbox codeInbox, stats poolStats, logger *slog.Logger) *WebhookHandler {
	if logger == nil {
		logger = observability.DiscardLogger()
	}
	return &WebhookHandler{
		inbox:  inbox,
		stats:  stats,
		logger: logger.With("component", "webhook"),
	}
}

// Routes mounts the handler on r.
func (h *WebhookHandler) Routes(r chi.Router) {
	r.Post("/sms-webhook", h.receive)
	r.Get("/sms-status/{activationID}", h.status)
	if h.stats != nil {
		r.Get("/stats", h.poolStats)
	}
}

// webhookPayload is the provider's push body, sent as JSON or a form.
type webhookPayload struct {
	ID     string `json:"id"`
	Phone  string `json:"phone"`
	SMS    string `json:"sms"`
	Status string `json:"status"`
}

func (h *WebhookHandler) receive(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := observability.WithTraceID(ctx, h.logger)

	payload, err := decodePayload(w, r)
	if err != nil {
		logger.WarnContext(ctx, "unreadable webhook body", slog.String("error", err.Error()))
		writeError(w, fmt.Errorf("decode webhook: %w", domain.ErrInvalidInput))
		return
	}
	if payload.ID == "" || payload.SMS == "" {
		logger.WarnContext(ctx, "incomplete webhook", slog.String("activation_id", payload.ID))
		writeError(w, fmt.Errorf("webhook requires id and sms: %w", domain.ErrInvalidInput))
		return
	}

	phone := payload.Phone
	if normalized, err := domain.NormalizePhone(phone); err == nil {
		phone = normalized
	}

	delivery := domain.CodeDelivery{
		ActivationID: payload.ID,
		PhoneNumber:  phone,
		Code:         payload.SMS,
		Status:       payload.Status,
	}
	if err := h.inbox.Deliver(ctx, delivery); err != nil {
		logger.ErrorContext(ctx, "failed to store webhook code",
			slog.String("activation_id", payload.ID),
			slog.String("error", err.Error()),
		)
		writeError(w, err)
		return
	}

	logger.InfoContext(ctx, "webhook code received",
		slog.String("activation_id", payload.ID),
		slog.String("phone_number", phone),
		slog.String("region", domain.PhoneRegion(phone)),
		slog.String("status", payload.Status),
	)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "code received"})
}

func (h *WebhookHandler) status(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "activationID")

	d, ok, err := h.inbox.Lookup(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		writeError(w, fmt.Errorf("activation %s: %w", id, domain.ErrNotFound))
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (h *WebhookHandler) poolStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.stats.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func decodePayload(w http.ResponseWriter, r *http.Request) (webhookPayload, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBody)

	var p webhookPayload
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		var raw map[string]any
		dec := json.NewDecoder(r.Body)
		dec.UseNumber()
		if err := dec.Decode(&raw); err != nil {
			return p, err
		}
		p.ID = field(raw, "id")
		p.Phone = field(raw, "phone")
		p.SMS = field(raw, "sms")
		p.Status = field(raw, "status")
		return p, nil
	}

	if err := r.ParseForm(); err != nil {
		return p, err
	}
	p.ID = strings.TrimSpace(r.PostForm.Get("id"))
	p.Phone = strings.TrimSpace(r.PostForm.Get("phone"))
	p.SMS = strings.TrimSpace(r.PostForm.Get("sms"))
	p.Status = strings.TrimSpace(r.PostForm.Get("status"))
	return p, nil
}

// field reads a JSON value that the provider may send as a string or a
// number.
func field(raw map[string]any, key string) string {
	switch v := raw[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case json.Number:
		return v.String()
	default:
		return ""
	}
}

type errorBody struct {
	Success bool `json:"success"`
	errmap.HTTPError
}

func writeError(w http.ResponseWriter, err error) {
	httpErr := errmap.ToHTTPError(err)
	writeJSON(w, httpErr.StatusCode, errorBody{Success: false, HTTPError: httpErr})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
