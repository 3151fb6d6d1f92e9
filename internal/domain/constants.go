package domain

import "time"

// Compiled defaults. Most can be overridden via configuration; ReuseWindow is fixed.
const (
	// Lease pool
	ReuseWindow = 30 * time.Minute // A lease is expired once it is this old

	// Retry executor
	DefaultMaxRetries = 3
	DefaultRetryDelay = 2 * time.Second

	// Forced-country acquisition
	DefaultForcedAttempts = 3
	DefaultForcedDelay    = 5 * time.Second

	// Verification code polling
	DefaultPollAttempts = 10
	DefaultPollInterval = 10 * time.Second

	// Provider HTTP
	ProviderTimeout = 15 * time.Second

	// Webhook code inbox
	InboxTTL          = ReuseWindow
	InboxPollInterval = 500 * time.Millisecond

	// Timeout contracts
	RedisTimeout = 2 * time.Second
	AWSTimeout   = 5 * time.Second

	// Graceful shutdown
	GracefulShutdownTimeout = 30 * time.Second
	ShutdownDrainDelay      = 1 * time.Second
	ShutdownHTTPTimeout     = 10 * time.Second
	ShutdownOTELTimeout     = 5 * time.Second
)

// Provider activation status codes accepted by setStatus.
type ActivationStatus int

const (
	StatusAwaitingCode ActivationStatus = 1
	StatusCodeReceived ActivationStatus = 3
	StatusCancel       ActivationStatus = 6
	StatusConfirmed    ActivationStatus = 8
)

// TieBreak selects how reusable candidates are ordered.
type TieBreak string

const (
	// TieBreakLeastUsed orders by times used, then by country priority.
	TieBreakLeastUsed TieBreak = "least_used"
	// TieBreakCountryBucketed orders by country priority, then by times used.
	TieBreakCountryBucketed TieBreak = "country_bucketed"
)

// IsValidTieBreak checks if a tie-break strategy is supported.
func IsValidTieBreak(tb TieBreak) bool {
	return tb == TieBreakLeastUsed || tb == TieBreakCountryBucketed
}
