package types

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrorKind is the stable, machine-readable identifier of a consent error
type ErrorKind string

const (
	KindInvalidScope              ErrorKind = "invalid_scope"
	KindUnauthorized              ErrorKind = "unauthorized"
	KindAlreadyResolved           ErrorKind = "already_resolved"
	KindExpired                   ErrorKind = "expired"
	KindAlreadyUsed               ErrorKind = "already_used"
	KindAttemptsExceeded          ErrorKind = "attempts_exceeded"
	KindInvalidCode               ErrorKind = "invalid_code"
	KindRateLimited               ErrorKind = "rate_limited"
	KindDeniedLockout             ErrorKind = "denied_lockout"
	KindSuspiciousActivityBlocked ErrorKind = "suspicious_activity_blocked"
	KindInvalidWindow             ErrorKind = "invalid_window"
	KindAlreadyRevoked            ErrorKind = "already_revoked"
	KindNoActiveGrant             ErrorKind = "no_active_grant"
	KindScopeMissing              ErrorKind = "scope_missing"
	KindImmutableRecord           ErrorKind = "immutable_record"
	KindNotFound                  ErrorKind = "not_found"
	KindValidation                ErrorKind = "validation_failed"
	KindServiceUnavailable        ErrorKind = "service_unavailable"
	KindInternal                  ErrorKind = "internal_error"
)

// ConsentError represents a structured error raised by the consent engine
type ConsentError struct {
	Kind    ErrorKind              `json:"error"`
	Message string                 `json:"message"`
	ResetIn time.Duration          `json:"-"`
	Details map[string]interface{} `json:"details,omitempty"`
	Cause   error                  `json:"-"`
}

// Error implements the error interface
func (e *ConsentError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause error
func (e *ConsentError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a ConsentError of the same kind, so the
// sentinel values below can be used with errors.Is.
func (e *ConsentError) Is(target error) bool {
	t, ok := target.(*ConsentError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// WithResetIn attaches a cooldown duration callers can render to users
func (e *ConsentError) WithResetIn(d time.Duration) *ConsentError {
	e.ResetIn = d
	return e
}

// WithDetails attaches structured context
func (e *ConsentError) WithDetails(details map[string]interface{}) *ConsentError {
	e.Details = details
	return e
}

// NewError creates a consent error of the given kind
func NewError(kind ErrorKind, message string) *ConsentError {
	return &ConsentError{Kind: kind, Message: message}
}

// NewErrorWithCause creates a consent error wrapping an underlying cause
func NewErrorWithCause(kind ErrorKind, message string, cause error) *ConsentError {
	return &ConsentError{Kind: kind, Message: message, Cause: cause}
}

// Sentinels for errors.Is comparisons.
var (
	ErrInvalidScope              = NewError(KindInvalidScope, "invalid scope")
	ErrUnauthorized              = NewError(KindUnauthorized, "caller is not permitted to perform this action")
	ErrAlreadyResolved           = NewError(KindAlreadyResolved, "access request has already been resolved")
	ErrExpired                   = NewError(KindExpired, "expired")
	ErrAlreadyUsed               = NewError(KindAlreadyUsed, "one-time code has already been used")
	ErrAttemptsExceeded          = NewError(KindAttemptsExceeded, "maximum verification attempts exceeded")
	ErrInvalidCode               = NewError(KindInvalidCode, "invalid one-time code")
	ErrRateLimited               = NewError(KindRateLimited, "request limit exceeded")
	ErrDeniedLockout             = NewError(KindDeniedLockout, "requests temporarily blocked after repeated denials")
	ErrSuspiciousActivityBlocked = NewError(KindSuspiciousActivityBlocked, "suspicious activity detected, request blocked")
	ErrInvalidWindow             = NewError(KindInvalidWindow, "valid_from must be before valid_to")
	ErrAlreadyRevoked            = NewError(KindAlreadyRevoked, "grant has already been revoked")
	ErrNoActiveGrant             = NewError(KindNoActiveGrant, "no active grant for this patient")
	ErrScopeMissing              = NewError(KindScopeMissing, "grant does not include the required scope")
	ErrImmutableRecord           = NewError(KindImmutableRecord, "audit log entries are immutable")
	ErrNotFound                  = NewError(KindNotFound, "not found")
	ErrValidation                = NewError(KindValidation, "validation failed")
	ErrServiceUnavailable        = NewError(KindServiceUnavailable, "dependency unavailable, retry later")
)

// KindOf extracts the error kind, defaulting to internal for foreign errors
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var ce *ConsentError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindInternal
}

// AsConsentError extracts a ConsentError from an error chain
func AsConsentError(err error) (*ConsentError, bool) {
	var ce *ConsentError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// IsSecurityDenial reports whether the kind must be logged before returning
func IsSecurityDenial(kind ErrorKind) bool {
	switch kind {
	case KindRateLimited, KindDeniedLockout, KindSuspiciousActivityBlocked,
		KindNoActiveGrant, KindScopeMissing:
		return true
	}
	return false
}

// IsRetryable reports whether the caller may retry the operation later
func IsRetryable(kind ErrorKind) bool {
	return kind == KindServiceUnavailable
}

// HTTPStatus maps an error kind to a transport status code
func HTTPStatus(kind ErrorKind) int {
	switch kind {
	case KindInvalidScope, KindInvalidWindow, KindValidation, KindAlreadyResolved,
		KindExpired, KindAlreadyUsed, KindInvalidCode, KindAlreadyRevoked:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindNoActiveGrant, KindScopeMissing, KindSuspiciousActivityBlocked:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindRateLimited, KindDeniedLockout, KindAttemptsExceeded:
		return http.StatusTooManyRequests
	case KindServiceUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
