package errmap

import (
	"errors"
	"net/http"

	"github.com/felipealfah/leasepool/internal/domain"
)

// HTTPError represents an HTTP error response.
type HTTPError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"error"`
}

func (e HTTPError) Error() string {
	return e.Message
}

// httpMapping defines a domain error to HTTP status/code mapping.
type httpMapping struct {
	err        error
	statusCode int
	code       string
}

// httpMappings maps domain errors to HTTP status codes and error codes.
// Order matters: first match wins (via errors.Is).
var httpMappings = []httpMapping{
	// Resource errors
	{domain.ErrNotFound, http.StatusNotFound, "NOT_FOUND"},
	{domain.ErrActivationNotFound, http.StatusNotFound, "ACTIVATION_NOT_FOUND"},
	{domain.ErrDuplicateActivation, http.StatusConflict, "DUPLICATE_ACTIVATION"},

	// Validation errors
	{domain.ErrInvalidInput, http.StatusBadRequest, "INVALID_ARGUMENT"},
	{domain.ErrInvalidPhoneNumber, http.StatusBadRequest, "INVALID_ARGUMENT"},

	// Acquisition outcomes
	{domain.ErrAcquisitionExhausted, http.StatusServiceUnavailable, "NO_NUMBERS"},
	{domain.ErrInsufficientBalance, http.StatusPaymentRequired, "NO_BALANCE"},
	{domain.ErrAcquisitionFailed, http.StatusBadGateway, "ACQUISITION_FAILED"},

	// Provider availability
	{domain.ErrProviderUnavailable, http.StatusBadGateway, "PROVIDER_UNAVAILABLE"},
}

// ToHTTPError converts a domain error to an HTTP error.
func ToHTTPError(err error) HTTPError {
	if err == nil {
		return HTTPError{StatusCode: http.StatusOK}
	}
	for _, m := range httpMappings {
		if errors.Is(err, m.err) {
			return HTTPError{StatusCode: m.statusCode, Code: m.code, Message: err.Error()}
		}
	}
	if domain.IsRejection(err) {
		return HTTPError{StatusCode: http.StatusUnprocessableEntity, Code: "PROVIDER_REJECTED", Message: err.Error()}
	}
	// Never expose internal error details to clients
	return HTTPError{StatusCode: http.StatusInternalServerError, Code: "INTERNAL", Message: "internal error"}
}

// ToHTTPStatusCode extracts just the HTTP status code for a domain error.
func ToHTTPStatusCode(err error) int {
	return ToHTTPError(err).StatusCode
}
