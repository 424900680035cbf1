package mutation

import (
	"errors"
	"fmt"
	"time"
)

// Reasons carried by rejections; they double as metric labels and API codes.
const (
	ReasonMissingKey        = "missing_idempotency_key"
	ReasonInvalidKey        = "invalid_idempotency_key"
	ReasonMissingIfMatch    = "missing_if_match"
	ReasonKeyReuse          = "idempotency_key_reuse"
	ReasonStaleVersion      = "stale_version"
	ReasonDuplicateInFlight = "duplicate_in_flight"
	ReasonAlreadyExists     = "already_exists"
	ReasonThrottled         = "throttled"
	ReasonTransient         = "transient"
	ReasonValidation        = "validation"
	ReasonInvalidTransition = "invalid_transition"
	ReasonNotFound          = "not_found"
	ReasonInternal          = "internal"
)

// ClientContractError is a request the caller must fix; never retried.
type ClientContractError struct {
	Reason string
	Err    error
}

func (e *ClientContractError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("mutation: %s: %v", e.Reason, e.Err)
	}
	return "mutation: " + e.Reason
}

func (e *ClientContractError) Unwrap() error { return e.Err }

// ConflictError reports a lost race. CurrentTag is set for stale versions so
// the caller can re-fetch and retry.
type ConflictError struct {
	Reason     string
	CurrentTag string
}

func (e *ConflictError) Error() string {
	if e.CurrentTag != "" {
		return fmt.Sprintf("mutation: conflict (%s), current version %s", e.Reason, e.CurrentTag)
	}
	return fmt.Sprintf("mutation: conflict (%s)", e.Reason)
}

// AdmissionError is a throttled request.
type AdmissionError struct {
	RetryAfter time.Duration
}

func (e *AdmissionError) Error() string {
	return fmt.Sprintf("mutation: throttled, retry after %s", e.RetryAfter)
}

// TransientError wraps an infrastructure failure on the synchronous path.
// Nothing was committed; retrying with the same idempotency key is safe.
type TransientError struct {
	Stage string
	Err   error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("mutation: transient failure during %s: %v", e.Stage, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// ValidationError is a business payload rejected by the domain.
type ValidationError struct {
	Message string
	Fields  map[string]string
}

func (e *ValidationError) Error() string {
	if e.Message == "" {
		return "mutation: validation failed"
	}
	return "mutation: " + e.Message
}

// ErrInvalidTransition is returned by business code for a state change the
// resource does not allow (e.g. rescheduling a cancelled order).
var ErrInvalidTransition = errors.New("mutation: invalid state transition")

// reasonOf maps a returned error to its rejection reason.
func reasonOf(err error) string {
	var (
		cce *ClientContractError
		ce  *ConflictError
		ae  *AdmissionError
		te  *TransientError
		ve  *ValidationError
	)
	switch {
	case errors.As(err, &cce):
		return cce.Reason
	case errors.As(err, &ce):
		return ce.Reason
	case errors.As(err, &ae):
		return ReasonThrottled
	case errors.As(err, &te):
		return ReasonTransient
	case errors.As(err, &ve):
		return ReasonValidation
	case errors.Is(err, ErrInvalidTransition):
		return ReasonInvalidTransition
	case errors.Is(err, ErrNotFound):
		return ReasonNotFound
	default:
		return ReasonInternal
	}
}
