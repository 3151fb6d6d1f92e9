package domain

import "time"

// VerificationState is the code-wait state machine of one lease.
// Every state except VerificationWaiting is terminal.
type VerificationState string

const (
	VerificationWaiting      VerificationState = "WAITING"
	VerificationCodeReceived VerificationState = "CODE_RECEIVED"
	VerificationCanceled     VerificationState = "CANCELED"
	VerificationTimedOut     VerificationState = "TIMED_OUT"
)

// IsTerminal reports whether no further transition is possible.
func (s VerificationState) IsTerminal() bool {
	return s != VerificationWaiting && s != ""
}

// ActivationState is the provider's answer to a single getStatus call.
type ActivationState struct {
	State VerificationState
	Code  string
}

// CodeDelivery is one verification code pushed by the provider webhook.
type CodeDelivery struct {
	ActivationID string    `json:"activation_id"`
	PhoneNumber  string    `json:"phone_number,omitempty"`
	Code         string    `json:"code"`
	Status       string    `json:"status,omitempty"`
	ReceivedAt   time.Time `json:"received_at"`
}

// CodeResult is what a caller waiting for a verification code gets back.
// Code is empty unless State is VerificationCodeReceived.
type CodeResult struct {
	Code   string
	State  VerificationState
	Source string // "poll" or "webhook"
}
