// Package errs defines the error taxonomy shared across wxrelay's core
// components: remote client, store, rule engine, platform, and delivery
// pipeline all classify failures into one of these kinds so callers can
// make retry/propagation decisions without string-matching error text.
package errs

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind identifies a member of the error taxonomy.
type Kind string

const (
	KindConfig    Kind = "config"    // static validation failure
	KindNetwork   Kind = "network"   // transport-level failure
	KindTimeout   Kind = "timeout"   // a call exceeded its deadline
	KindAuth      Kind = "auth"      // remote or platform 401/403
	KindProtocol  Kind = "protocol"  // non-zero code / malformed payload
	KindPlatform  Kind = "platform"  // platform-reported failure
	KindStore     Kind = "store"     // database failure
	KindOverload  Kind = "overload"  // serializer queue full
	KindInternal  Kind = "internal"  // logic bug
)

// Error is a taxonomy-classified error. Platform errors additionally carry
// whether the failure is permanent (no point retrying) or transient.
type Error struct {
	Kind      Kind
	Permanent bool
	Err       error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err (adding a stack via pkg/errors when err doesn't already
// carry one) under the given taxonomy kind.
func New(kind Kind, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: errors.WithStack(err)}
}

// Newf builds a taxonomy error from a format string, grounded on the call
// site rather than an upstream error.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: errors.Errorf(format, args...)}
}

// Permanent marks a platform error as non-retryable (e.g. auth rejection).
func Permanent(err error) *Error {
	return &Error{Kind: KindPlatform, Permanent: true, Err: errors.WithStack(err)}
}

// Transient marks a platform error as retryable.
func Transient(err error) *Error {
	return &Error{Kind: KindPlatform, Permanent: false, Err: errors.WithStack(err)}
}

// Is reports whether err is a taxonomy error of the given kind.
func Is(err error, kind Kind) bool {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind == kind
	}
	return false
}

// IsRetryable reports whether err should be retried by the delivery
// pipeline: network/timeout errors and transient platform errors are
// retryable, everything else is not.
func IsRetryable(err error) bool {
	var te *Error
	if !errors.As(err, &te) {
		return false
	}
	switch te.Kind {
	case KindNetwork, KindTimeout:
		return true
	case KindPlatform:
		return !te.Permanent
	default:
		return false
	}
}
