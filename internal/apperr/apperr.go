package apperr

import (
	"errors"
	"fmt"
)

// Kind is the closed classification for gateway failures. Callers branch on
// Kind rather than matching error strings or concrete types.
type Kind string

const (
	KindInvalidInput      Kind = "INVALID_INPUT"
	KindUnauthorized      Kind = "UNAUTHORIZED"
	KindForbidden         Kind = "FORBIDDEN"
	KindNotFound          Kind = "NOT_FOUND"
	KindConflict          Kind = "CONFLICT"
	KindRateLimited       Kind = "RATE_LIMITED"
	KindProviderError     Kind = "PROVIDER_ERROR"
	KindPolicyViolation   Kind = "POLICY_VIOLATION"
	KindKillSwitchActive  Kind = "KILL_SWITCH_ACTIVE"
	KindInvalidApproval   Kind = "INVALID_APPROVAL_TOKEN"
	KindExpiredApproval   Kind = "EXPIRED_APPROVAL_TOKEN"
	KindMarketClosed      Kind = "MARKET_CLOSED"
	KindInsufficientFunds Kind = "INSUFFICIENT_BUYING_POWER"
	KindFeatureDisabled   Kind = "FEATURE_DISABLED"
	KindNotSupported      Kind = "NOT_SUPPORTED"
	KindInternal          Kind = "INTERNAL"
)

// Error carries a Kind alongside a human-readable message and an optional
// wrapped cause. It is the only error type crossing package boundaries above
// the protocol client.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New constructs an Error without a cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf constructs an Error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying cause.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf extracts the Kind from err, walking the wrap chain. Errors that do
// not carry a Kind classify as KindInternal.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind == kind
	}
	return false
}

// Retryable reports whether an operation failing with err may be retried
// without a change of input. Not-found symbol resolutions and policy gates
// are terminal; rate limits and provider hiccups are not.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindRateLimited, KindProviderError:
		return true
	default:
		return false
	}
}
