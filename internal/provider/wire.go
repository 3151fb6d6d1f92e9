package provider

import (
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"

	"github.com/felipealfah/leasepool/internal/domain"
)

// Response tokens of the handler_api protocol.
const (
	tokenBalance      = "ACCESS_BALANCE:"
	tokenNumber       = "ACCESS_NUMBER:"
	tokenStatusOK     = "STATUS_OK:"
	tokenStatusWait   = "STATUS_WAIT"
	tokenStatusCancel = "STATUS_CANCEL"
	tokenCancel       = "ACCESS_CANCEL"
	tokenExtraService = "ACCESS_EXTRA_SERVICE"
	tokenNoActivation = "NO_ACTIVATION"
	tokenBadKey       = "BAD_KEY"
	tokenErrorSQL     = "ERROR_SQL"
)

// purchaseRejections maps getNumber error tokens to domain reasons.
var purchaseRejections = []struct {
	token string
	err   error
}{
	{"NO_NUMBERS", domain.ErrNoInventory},
	{"NO_BALANCE", domain.ErrInsufficientBalance},
	{"BAD_SERVICE", domain.ErrInvalidService},
	{tokenBadKey, domain.ErrInvalidCredential},
}

// setStatusAccepted lists the replies that mean setStatus took effect.
var setStatusAccepted = []string{
	"ACCESS_CANCEL",
	"ACCESS_READY",
	"ACCESS_RETRY_GET",
	"ACCESS_ACTIVATION",
	"ACCESS_CONFIRM_GET",
}

// Price is the cost and stock of one (country, service) pair.
type Price struct {
	Cost  float64 `json:"cost"`
	Count int     `json:"count"`
}

// Prices maps country -> service -> Price.
type Prices map[string]map[string]Price

// PurchaseRequest describes one number purchase. More than one service uses
// the multi-service endpoint. WebhookURL is optional.
type PurchaseRequest struct {
	Services   []string
	Country    string
	WebhookURL string
}

// Purchase is a successfully rented number.
type Purchase struct {
	ActivationID string
	PhoneNumber  string
}

func unexpected[T any](action, text string) domain.Result[T] {
	return domain.Rejected[T](fmt.Errorf("%s: %q: %w", action, truncate(text), domain.ErrUnexpectedResponse))
}

func malformed[T any](action, text string) domain.Result[T] {
	return domain.Rejected[T](fmt.Errorf("%s: %q: %w", action, truncate(text), domain.ErrMalformedResponse))
}

func truncate(s string) string {
	const limit = 120
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}

func parseBalance(text string) domain.Result[float64] {
	amount, ok := strings.CutPrefix(text, tokenBalance)
	if !ok {
		return unexpected[float64]("getBalance", text)
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(amount), 64)
	if err != nil {
		return malformed[float64]("getBalance", text)
	}
	return domain.Ok(v)
}

type wirePrice struct {
	Cost  json.Number `json:"cost"`
	Count json.Number `json:"count"`
}

func parsePrices(service string, countries []string) func(string) domain.Result[Prices] {
	return func(text string) domain.Result[Prices] {
		var raw map[string]map[string]wirePrice
		if err := json.Unmarshal([]byte(text), &raw); err != nil {
			return malformed[Prices]("getPrices", text)
		}

		out := make(Prices)
		for country, services := range raw {
			if len(countries) > 0 && !slices.Contains(countries, country) {
				continue
			}
			for srv, p := range services {
				if service != "" && srv != service {
					continue
				}
				cost, err := p.Cost.Float64()
				if err != nil {
					continue
				}
				if out[country] == nil {
					out[country] = make(map[string]Price)
				}
				out[country][srv] = Price{Cost: cost, Count: toInt(p.Count)}
			}
		}
		return domain.Ok(out)
	}
}

// parseAvailability reads a getNumbersStatus document. Keys may carry a "_0"
// suffix. Missing or non-integer counts are 0.
func parseAvailability(service string) func(string) domain.Result[int] {
	return func(text string) domain.Result[int] {
		var raw map[string]any
		if err := json.Unmarshal([]byte(text), &raw); err != nil {
			return malformed[int]("getNumbersStatus", text)
		}
		for _, key := range []string{service, service + "_0"} {
			switch v := raw[key].(type) {
			case string:
				return domain.Ok(toInt(json.Number(strings.TrimSpace(v))))
			case float64:
				return domain.Ok(toInt(json.Number(strconv.FormatFloat(v, 'f', -1, 64))))
			}
		}
		return domain.Ok(0)
	}
}

func toInt(n json.Number) int {
	if i, err := n.Int64(); err == nil {
		return int(i)
	}
	if f, err := n.Float64(); err == nil && f == math.Trunc(f) {
		return int(f)
	}
	return 0
}

type wireMultiNumber struct {
	Phone      json.Number `json:"phone"`
	Activation json.Number `json:"activation"`
	Service    string      `json:"service"`
}

func parsePurchase(action string) func(string) domain.Result[Purchase] {
	return func(text string) domain.Result[Purchase] {
		if rest, ok := strings.CutPrefix(text, tokenNumber); ok {
			id, phone, found := strings.Cut(rest, ":")
			id, phone = strings.TrimSpace(id), strings.TrimSpace(phone)
			if !found || id == "" || phone == "" {
				return malformed[Purchase](action, text)
			}
			return domain.Ok(Purchase{ActivationID: id, PhoneNumber: normalize(phone)})
		}

		if strings.HasPrefix(text, "[") {
			var numbers []wireMultiNumber
			if err := json.Unmarshal([]byte(text), &numbers); err != nil || len(numbers) == 0 {
				return malformed[Purchase](action, text)
			}
			first := numbers[0]
			if first.Activation == "" || first.Phone == "" {
				return malformed[Purchase](action, text)
			}
			return domain.Ok(Purchase{ActivationID: first.Activation.String(), PhoneNumber: normalize(first.Phone.String())})
		}

		for _, r := range purchaseRejections {
			if strings.HasPrefix(text, r.token) {
				return domain.Rejected[Purchase](fmt.Errorf("%s: %w", action, r.err))
			}
		}
		return unexpected[Purchase](action, text)
	}
}

// normalize returns the E.164 form of a provider number, or the number
// unchanged when it cannot be parsed.
func normalize(phone string) string {
	if p, err := domain.NormalizePhone(phone); err == nil {
		return p
	}
	return phone
}

func parseSetStatus(text string) domain.Result[bool] {
	if slices.Contains(setStatusAccepted, text) {
		return domain.Ok(true)
	}
	if text == tokenNoActivation {
		return domain.Rejected[bool](fmt.Errorf("setStatus: %w", domain.ErrActivationNotFound))
	}
	return unexpected[bool]("setStatus", text)
}

func parseCancel(text string) domain.Result[bool] {
	switch {
	case strings.HasPrefix(text, tokenCancel):
		return domain.Ok(true)
	case text == tokenNoActivation:
		return domain.Rejected[bool](fmt.Errorf("cancel: %w", domain.ErrActivationNotFound))
	default:
		return unexpected[bool]("cancel", text)
	}
}

func parseExtraService(text string) domain.Result[bool] {
	switch {
	case strings.HasPrefix(text, tokenExtraService):
		return domain.Ok(true)
	case text == tokenNoActivation:
		return domain.Rejected[bool](fmt.Errorf("getExtraService: %w", domain.ErrActivationNotFound))
	case strings.HasPrefix(text, "BAD_SERVICE"):
		return domain.Rejected[bool](fmt.Errorf("getExtraService: %w", domain.ErrInvalidService))
	case strings.HasPrefix(text, "NO_BALANCE"):
		return domain.Rejected[bool](fmt.Errorf("getExtraService: %w", domain.ErrInsufficientBalance))
	default:
		return unexpected[bool]("getExtraService", text)
	}
}

func parseStatus(text string) domain.Result[domain.ActivationState] {
	switch {
	case strings.HasPrefix(text, tokenStatusOK):
		code := strings.TrimSpace(strings.TrimPrefix(text, tokenStatusOK))
		if code == "" {
			return malformed[domain.ActivationState]("getStatus", text)
		}
		return domain.Ok(domain.ActivationState{State: domain.VerificationCodeReceived, Code: code})
	case strings.HasPrefix(text, tokenStatusCancel):
		return domain.Ok(domain.ActivationState{State: domain.VerificationCanceled})
	case strings.HasPrefix(text, tokenStatusWait):
		return domain.Ok(domain.ActivationState{State: domain.VerificationWaiting})
	case text == tokenNoActivation:
		return domain.Rejected[domain.ActivationState](fmt.Errorf("getStatus: %w", domain.ErrActivationNotFound))
	default:
		return unexpected[domain.ActivationState]("getStatus", text)
	}
}
