package domain

import "errors"

// Sentinel errors for domain error conditions.
// Use errors.Is() for matching - never compare error strings.
var (
	// Resource errors
	ErrNotFound            = errors.New("resource not found")
	ErrDuplicateActivation = errors.New("activation id already bound to another lease")

	// Validation errors
	ErrInvalidInput       = errors.New("invalid input")
	ErrInvalidPhoneNumber = errors.New("invalid phone number format")

	// Provider rejections. These are decided by the provider and never retried.
	ErrNoInventory         = errors.New("no numbers available")
	ErrInsufficientBalance = errors.New("insufficient provider balance")
	ErrInvalidService      = errors.New("invalid service")
	ErrInvalidCredential   = errors.New("invalid provider credential")
	ErrActivationNotFound  = errors.New("activation not found")

	// Provider transport and payload errors
	ErrProviderUnavailable = errors.New("provider temporarily unavailable")
	ErrMalformedResponse   = errors.New("malformed provider response")
	ErrUnexpectedResponse  = errors.New("unexpected provider response")

	// Acquisition outcomes surfaced to orchestrator callers
	ErrAcquisitionExhausted = errors.New("no country yielded a number")
	ErrAcquisitionFailed    = errors.New("number acquisition aborted")

	// Credential source errors
	ErrCredentialMissing   = errors.New("credential not found in source")
	ErrCredentialMalformed = errors.New("credential document unreadable")

	// Configuration errors
	ErrConfigRequired = errors.New("required configuration key missing")
)

// accountWideRejections fail identically for every country, so acquisition
// stops instead of walking the rest of the priority list.
var accountWideRejections = []error{
	ErrInvalidCredential,
	ErrInsufficientBalance,
	ErrInvalidService,
}

// IsAccountWide reports whether err is a rejection that no other country
// could succeed past.
func IsAccountWide(err error) bool {
	for _, target := range accountWideRejections {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// IsCredentialPermanent reports whether a credential source error will
// repeat on the next read: the key is absent or its document cannot be parsed.
// Anything else, such as a network failure fetching a secret, may clear up.
func IsCredentialPermanent(err error) bool {
	return errors.Is(err, ErrCredentialMissing) || errors.Is(err, ErrCredentialMalformed)
}

// IsNotFound returns true if the error represents a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrActivationNotFound)
}

// IsRejection returns true if err is a provider decision that will not change
// on retry.
func IsRejection(err error) bool {
	return errors.Is(err, ErrNoInventory) || IsAccountWide(err) ||
		errors.Is(err, ErrActivationNotFound) || errors.Is(err, ErrUnexpectedResponse)
}
