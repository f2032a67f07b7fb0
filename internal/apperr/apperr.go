// Package apperr defines the typed error taxonomy shared by the engine and
// the API layer, so a handler can map any engine failure to an HTTP status
// without string-matching error messages.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for HTTP status mapping and logging.
type Kind string

const (
	KindValidation          Kind = "validation"
	KindAuthorization       Kind = "authorization"
	KindState               Kind = "state"
	KindHashMismatch        Kind = "hash_mismatch"
	KindStorage             Kind = "storage"
	KindAdapter             Kind = "adapter"
	KindVerifier            Kind = "verifier"
	KindInsufficientAllowance Kind = "insufficient_allowance"
	KindNotFound            Kind = "not_found"
)

// Error is the common shape for every error the engine and store surface to
// the API layer.
type Error struct {
	Kind    Kind
	Message string
	Detail  string
	Cause   error
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Message, e.Detail)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

func newErr(k Kind, msg string, args ...any) *Error {
	return &Error{Kind: k, Message: fmt.Sprintf(msg, args...)}
}

func Validation(msg string, args ...any) *Error    { return newErr(KindValidation, msg, args...) }
func Authorization(msg string, args ...any) *Error { return newErr(KindAuthorization, msg, args...) }
func State(msg string, args ...any) *Error         { return newErr(KindState, msg, args...) }
func HashMismatch(msg string, args ...any) *Error  { return newErr(KindHashMismatch, msg, args...) }
func NotFound(msg string, args ...any) *Error      { return newErr(KindNotFound, msg, args...) }

func Storage(cause error) *Error {
	return &Error{Kind: KindStorage, Message: "durable store failure", Cause: cause}
}

func Adapter(cause error) *Error {
	return &Error{Kind: KindAdapter, Message: "payment-channel adapter failure", Cause: cause}
}

func Verifier(cause error) *Error {
	return &Error{Kind: KindVerifier, Message: "verifier failure", Cause: cause}
}

func InsufficientAllowance(msg string, args ...any) *Error {
	return newErr(KindInsufficientAllowance, msg, args...)
}

// StatusCode maps a Kind to the HTTP status the API layer should return.
func StatusCode(k Kind) int {
	switch k {
	case KindValidation, KindState, KindHashMismatch:
		return 400
	case KindAuthorization:
		return 403
	case KindNotFound:
		return 404
	case KindStorage, KindAdapter, KindVerifier, KindInsufficientAllowance:
		return 500
	default:
		return 500
	}
}

// As extracts an *Error from any error, if present.
func As(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}
