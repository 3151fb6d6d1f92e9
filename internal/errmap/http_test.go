package errmap_test

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/felipealfah/leasepool/internal/domain"
	"github.com/felipealfah/leasepool/internal/errmap"
)

func TestToHTTPError(t *testing.T) {
	tests := []struct {
		name           string
		err            error
		wantStatusCode int
		wantCode       string
	}{
		{"nil error", nil, http.StatusOK, ""},

		{"ErrNotFound", domain.ErrNotFound, http.StatusNotFound, "NOT_FOUND"},
		{"ErrActivationNotFound", domain.ErrActivationNotFound, http.StatusNotFound, "ACTIVATION_NOT_FOUND"},
		{"ErrDuplicateActivation", domain.ErrDuplicateActivation, http.StatusConflict, "DUPLICATE_ACTIVATION"},

		{"ErrInvalidInput", domain.ErrInvalidInput, http.StatusBadRequest, "INVALID_ARGUMENT"},
		{"ErrInvalidPhoneNumber", domain.ErrInvalidPhoneNumber, http.StatusBadRequest, "INVALID_ARGUMENT"},

		{"ErrAcquisitionExhausted", domain.ErrAcquisitionExhausted, http.StatusServiceUnavailable, "NO_NUMBERS"},
		{"ErrAcquisitionFailed", domain.ErrAcquisitionFailed, http.StatusBadGateway, "ACQUISITION_FAILED"},
		{"ErrProviderUnavailable", domain.ErrProviderUnavailable, http.StatusBadGateway, "PROVIDER_UNAVAILABLE"},

		// Balance wins over the generic acquisition failure that wraps it.
		{
			"acquisition failed on balance",
			fmt.Errorf("%w: %w", domain.ErrAcquisitionFailed, domain.ErrInsufficientBalance),
			http.StatusPaymentRequired, "NO_BALANCE",
		},

		{"wrapped ErrNotFound", fmt.Errorf("lease: %w", domain.ErrNotFound), http.StatusNotFound, "NOT_FOUND"},

		{"ErrNoInventory", domain.ErrNoInventory, http.StatusUnprocessableEntity, "PROVIDER_REJECTED"},
		{"ErrInvalidService", fmt.Errorf("getNumber: %w", domain.ErrInvalidService), http.StatusUnprocessableEntity, "PROVIDER_REJECTED"},
		{"ErrUnexpectedResponse", domain.ErrUnexpectedResponse, http.StatusUnprocessableEntity, "PROVIDER_REJECTED"},

		{"unknown error", errors.New("unexpected"), http.StatusInternalServerError, "INTERNAL"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := errmap.ToHTTPError(tt.err)
			assert.Equal(t, tt.wantStatusCode, got.StatusCode)
			assert.Equal(t, tt.wantCode, got.Code)
		})
	}
}

func TestToHTTPError_HidesInternalDetails(t *testing.T) {
	got := errmap.ToHTTPError(errors.New("open /srv/credentials.json: permission denied"))
	assert.Equal(t, "internal error", got.Message)
}

func TestToHTTPStatusCode(t *testing.T) {
	assert.Equal(t, http.StatusOK, errmap.ToHTTPStatusCode(nil))
	assert.Equal(t, http.StatusNotFound, errmap.ToHTTPStatusCode(domain.ErrNotFound))
	assert.Equal(t, http.StatusBadRequest, errmap.ToHTTPStatusCode(domain.ErrInvalidInput))
}

func TestHTTPErrorImplementsError(t *testing.T) {
	var err error = errmap.ToHTTPError(domain.ErrNotFound)
	assert.NotEmpty(t, err.Error())
}
