package wire

import (
	"fmt"

	"github.com/weavemesh/weavenet/pkg/constants"
)

// Error is a structured protocol error carried in error frames and returned
// by frame validation.
type Error struct {
	Code       uint16  `cbor:"code"`
	Reason     string  `cbor:"reason"`
	RetryAfter *uint32 `cbor:"retry_after,omitempty"` // seconds
}

// NewError creates a protocol error.
func NewError(code uint16, reason string) *Error {
	return &Error{Code: code, Reason: reason}
}

// NewErrorWithRetry creates a protocol error carrying a retry hint.
func NewErrorWithRetry(code uint16, reason string, retryAfter uint32) *Error {
	return &Error{Code: code, Reason: reason, RetryAfter: &retryAfter}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.RetryAfter != nil {
		return fmt.Sprintf("weavenet error %d: %s (retry after %ds)", e.Code, e.Reason, *e.RetryAfter)
	}
	return fmt.Sprintf("weavenet error %d: %s", e.Code, e.Reason)
}

// IsRetryable reports whether the error suggests retrying.
func (e *Error) IsRetryable() bool {
	return e.RetryAfter != nil || e.Code == constants.ErrorRateLimit
}

// ErrorCodeName returns the symbolic name for an error code.
func ErrorCodeName(code uint16) string {
	switch code {
	case constants.ErrorInvalidSig:
		return "INVALID_SIG"
	case constants.ErrorVersionMismatch:
		return "VERSION_MISMATCH"
	case constants.ErrorNoProvider:
		return "NO_PROVIDER"
	case constants.ErrorRateLimit:
		return "RATE_LIMIT"
	case constants.ErrorMalformed:
		return "MALFORMED"
	case constants.ErrorNotFound:
		return "NOT_FOUND"
	default:
		return fmt.Sprintf("UNKNOWN_%d", code)
	}
}
