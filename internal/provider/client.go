// Package provider is the gateway to the number-rental provider's
// handler_api protocol. Every call re-reads the API key, goes through the
// retry executor and comes back as a domain.Result classified once here.
package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/felipealfah/leasepool/internal/domain"
	"github.com/felipealfah/leasepool/internal/observability"
	"github.com/felipealfah/leasepool/internal/retry"
)

var tracer = otel.Tracer("leasepool/provider")

var callsTotal metric.Int64Counter

func init() {
	m := otel.Meter("leasepool/provider")
	callsTotal, _ = m.Int64Counter("provider_calls_total",
		metric.WithDescription("Provider API calls by action and outcome"))
}

const maxResponseBytes = 1 << 20

// Config holds the provider endpoint settings.
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// Client talks to the provider. It holds no per-call state and is safe for
// concurrent use.
type Client struct {
	baseURL string
	http    *http.Client
	creds   CredentialSource
	exec    *retry.Executor
	sleep   retry.SleepFunc
	logger  *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger sets the client logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithPollSleep replaces the wait between code polls.
func WithPollSleep(fn retry.SleepFunc) Option {
	return func(c *Client) { c.sleep = fn }
}

// NewClient creates a provider client.
func NewClient(cfg Config, creds CredentialSource, exec *retry.Executor, opts ...Option) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = domain.ProviderTimeout
	}
	c := &Client{
		baseURL: cfg.BaseURL,
		http:    &http.Client{Timeout: timeout},
		creds:   creds,
		exec:    exec,
		sleep:   retry.Sleep,
		logger:  observability.DiscardLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "provider")
	return c
}

// Balance returns the account balance; 0 on failure.
func (c *Client) Balance(ctx context.Context) domain.Result[float64] {
	return retry.Do(ctx, c.exec, "getBalance", 0, func(ctx context.Context) domain.Result[float64] {
		return call(ctx, c, "getBalance", nil, parseBalance)
	})
}

// Prices returns a price and stock snapshot filtered by service and
// countries when given; an empty map on failure.
func (c *Client) Prices(ctx context.Context, service string, countries []string) domain.Result[Prices] {
	params := url.Values{}
	if service != "" {
		params.Set("service", service)
	}
	if len(countries) == 1 {
		params.Set("country", countries[0])
	}
	return retry.Do(ctx, c.exec, "getPrices", Prices{}, func(ctx context.Context) domain.Result[Prices] {
		return call(ctx, c, "getPrices", params, parsePrices(service, countries))
	})
}

// Availability returns the stock for one (country, service) pair; 0 on
// failure or when the provider reports nothing usable.
func (c *Client) Availability(ctx context.Context, country, service string) domain.Result[int] {
	if country == "" || service == "" {
		return domain.Rejected[int](fmt.Errorf("getNumbersStatus: country and service required: %w", domain.ErrInvalidInput))
	}
	params := url.Values{"country": {country}}
	return retry.Do(ctx, c.exec, "getNumbersStatus", 0, func(ctx context.Context) domain.Result[int] {
		return call(ctx, c, "getNumbersStatus", params, parseAvailability(service))
	})
}

// Purchase rents one number. It is attempted exactly once: a transient
// failure may hide a completed purchase, and retrying could buy twice.
func (c *Client) Purchase(ctx context.Context, req PurchaseRequest) domain.Result[Purchase] {
	if len(req.Services) == 0 || req.Country == "" {
		return domain.Rejected[Purchase](fmt.Errorf("purchase: services and country required: %w", domain.ErrInvalidInput))
	}

	action := "getNumber"
	params := url.Values{"country": {req.Country}}
	if len(req.Services) == 1 {
		params.Set("service", req.Services[0])
	} else {
		action = "getMultiServiceNumber"
		params.Set("multiService", strings.Join(req.Services, ","))
	}
	if req.WebhookURL != "" {
		params.Set("webhook", req.WebhookURL)
	}

	return retry.Do(ctx, c.exec.Once(), action, Purchase{}, func(ctx context.Context) domain.Result[Purchase] {
		return call(ctx, c, action, params, parsePurchase(action))
	})
}

// SetStatus reports an activation status change to the provider.
func (c *Client) SetStatus(ctx context.Context, activationID string, status domain.ActivationStatus) domain.Result[bool] {
	params := url.Values{"id": {activationID}, "status": {strconv.Itoa(int(status))}}
	return retry.Do(ctx, c.exec, "setStatus", false, func(ctx context.Context) domain.Result[bool] {
		return call(ctx, c, "setStatus", params, parseSetStatus)
	})
}

// Cancel releases an activation. Value is true only on confirmed cancellation.
func (c *Client) Cancel(ctx context.Context, activationID string) domain.Result[bool] {
	params := url.Values{"id": {activationID}}
	return retry.Do(ctx, c.exec, "cancel", false, func(ctx context.Context) domain.Result[bool] {
		return call(ctx, c, "cancel", params, parseCancel)
	})
}

// ExtraService asks the provider to route another service to an existing
// activation.
func (c *Client) ExtraService(ctx context.Context, activationID, service string) domain.Result[bool] {
	params := url.Values{"id": {activationID}, "service": {service}}
	return retry.Do(ctx, c.exec, "getExtraService", false, func(ctx context.Context) domain.Result[bool] {
		return call(ctx, c, "getExtraService", params, parseExtraService)
	})
}

// Status performs one getStatus round trip.
func (c *Client) Status(ctx context.Context, activationID string) domain.Result[domain.ActivationState] {
	params := url.Values{"id": {activationID}}
	return call(ctx, c, "getStatus", params, parseStatus)
}

// call performs one request and classifies the reply. Transport failures,
// 429 and 5xx are transient; other HTTP errors and unrecognized bodies are
// rejections.
func call[T any](ctx context.Context, c *Client, action string, params url.Values, parse func(string) domain.Result[T]) domain.Result[T] {
	ctx, span := tracer.Start(ctx, "provider."+action,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("provider.action", action)),
	)
	defer span.End()

	var res domain.Result[T]
	raw := c.roundTrip(ctx, action, params)
	if raw.IsOK() {
		res = parse(raw.Value)
	} else {
		res = domain.Result[T]{Outcome: raw.Outcome, Err: raw.Err}
	}

	callsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("action", action),
		attribute.String("outcome", res.Outcome.String()),
	))
	span.SetAttributes(attribute.String("provider.outcome", res.Outcome.String()))

	if !res.IsOK() {
		observability.FailSpan(span, res.Err, action+" failed")
		if errors.Is(res.Err, domain.ErrMalformedResponse) {
			c.logger.WarnContext(ctx, "malformed provider response",
				slog.String("action", action),
				slog.String("error", res.Err.Error()),
			)
		}
	}
	return res
}

func (c *Client) roundTrip(ctx context.Context, action string, params url.Values) domain.Result[string] {
	key, err := c.creds.APIKey(ctx)
	if err != nil {
		if !domain.IsCredentialPermanent(err) {
			c.logger.WarnContext(ctx, "provider credential fetch failed",
				slog.String("action", action),
				slog.String("error", err.Error()),
			)
			return domain.Transient[string](fmt.Errorf("%s: read credential: %w", action, err))
		}
		c.logger.ErrorContext(ctx, "provider credential unavailable",
			slog.String("action", action),
			slog.String("error", err.Error()),
		)
		return domain.Rejected[string](fmt.Errorf("%s: %w: %w", action, domain.ErrInvalidCredential, err))
	}
	if key.IsEmpty() {
		return domain.Rejected[string](fmt.Errorf("%s: %w: %w", action, domain.ErrInvalidCredential, domain.ErrCredentialMissing))
	}

	q := url.Values{}
	for k, v := range params {
		q[k] = v
	}
	q.Set("api_key", key.Expose())
	q.Set("action", action)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return domain.Rejected[string](fmt.Errorf("%s: build request: %w", action, domain.ErrInvalidInput))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		// url.Error carries the full URL, which includes the API key.
		var uerr *url.Error
		if errors.As(err, &uerr) {
			err = uerr.Err
		}
		return domain.Transient[string](fmt.Errorf("%s: %w", action, err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return domain.Transient[string](fmt.Errorf("%s: read body: %w", action, err))
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError:
		return domain.Transient[string](fmt.Errorf("%s: http status %d", action, resp.StatusCode))
	case resp.StatusCode >= http.StatusBadRequest:
		return domain.Rejected[string](fmt.Errorf("%s: http status %d: %w", action, resp.StatusCode, domain.ErrUnexpectedResponse))
	}

	text := strings.TrimSpace(string(body))
	switch {
	case text == tokenBadKey:
		return domain.Rejected[string](fmt.Errorf("%s: %w", action, domain.ErrInvalidCredential))
	case text == tokenErrorSQL:
		return domain.Transient[string](fmt.Errorf("%s: provider reported %s", action, text))
	}
	return domain.Ok(text)
}
