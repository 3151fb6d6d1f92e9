package domain

import "fmt"

// Outcome tags a provider call result. The zero value is deliberately not a
// valid tag: an unset Result is treated as unclassified by the retry layer.
type Outcome uint8

const (
	OutcomeUnknown Outcome = iota
	OutcomeOK
	OutcomeRejected
	OutcomeTransient
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeRejected:
		return "rejected"
	case OutcomeTransient:
		return "transient"
	default:
		return "unknown"
	}
}

// Result is the closed tagged result produced once at the provider boundary:
// Ok(value), Rejected(reason) or Transient(cause). Downstream code switches on
// Outcome and never inspects response text.
//
// When Outcome is not OutcomeOK, Value holds the caller's safe default.
type Result[T any] struct {
	Value   T
	Outcome Outcome
	Err     error
}

// Ok wraps a successful value.
func Ok[T any](v T) Result[T] {
	return Result[T]{Value: v, Outcome: OutcomeOK}
}

// Rejected wraps a provider decision that will not change on retry.
func Rejected[T any](reason error) Result[T] {
	return Result[T]{Outcome: OutcomeRejected, Err: reason}
}

// Transient wraps a connection or timeout class failure.
func Transient[T any](cause error) Result[T] {
	return Result[T]{Outcome: OutcomeTransient, Err: fmt.Errorf("%w: %w", ErrProviderUnavailable, cause)}
}

// IsOK reports whether the call succeeded.
func (r Result[T]) IsOK() bool { return r.Outcome == OutcomeOK }

// WithDefault returns a copy of r carrying fallback as its value unless r
// succeeded.
func (r Result[T]) WithDefault(fallback T) Result[T] {
	if r.Outcome != OutcomeOK {
		r.Value = fallback
	}
	return r
}
