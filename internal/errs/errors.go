// Package errs contains sentinel errors and the classified error type delivered
// across callback boundaries for stable error mapping.
package errs

import (
	"errors"
	"fmt"
)

// Common sentinels across storage/backend layers.
var (
	// ErrNotFound indicates the requested entry does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConfiguration indicates the SDK was constructed with unusable settings.
	ErrConfiguration = errors.New("configuration error")
)

// Kind classifies a failure for retry and propagation decisions.
type Kind int

const (
	KindUnknown Kind = iota

	// KindNetwork is a transport failure; retryable.
	KindNetwork

	// KindStoreProblem is a billing backend/service error; retryable per policy.
	KindStoreProblem

	// KindProductNotAvailable is terminal: the item cannot be acknowledged/purchased.
	KindProductNotAvailable

	// KindPurchaseNotAllowed is terminal; carries restore-specific messaging.
	KindPurchaseNotAllowed

	// KindUnsupported is a terminal, permanent business rejection from the backend.
	KindUnsupported

	// KindUnknownBackend is a backend failure with no more specific mapping;
	// 5xx failures of this kind allow an offline entitlement fallback.
	KindUnknownBackend

	// KindCustomerInfo means a response could not be parsed into a valid snapshot.
	KindCustomerInfo
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network_error"
	case KindStoreProblem:
		return "store_problem"
	case KindProductNotAvailable:
		return "product_not_available"
	case KindPurchaseNotAllowed:
		return "purchase_not_allowed"
	case KindUnsupported:
		return "unsupported"
	case KindUnknownBackend:
		return "unknown_backend"
	case KindCustomerInfo:
		return "customer_info"
	default:
		return "unknown"
	}
}

// Error is the classified failure delivered via error callbacks. It never
// escapes as a panic; every layer converts platform and transport failures
// into one of these before invoking the caller.
type Error struct {
	Kind       Kind
	Message    string
	Underlying error
}

func (e *Error) Error() string {
	if e.Underlying != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Underlying)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Underlying }

// New builds a classified error.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Wrap builds a classified error around an underlying cause.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Underlying: err}
}

// KindOf extracts the Kind from any error, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
