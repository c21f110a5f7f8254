package domain

import (
	"errors"
	"time"
)

// Sentinel errors for domain error conditions.
// Use errors.Is() for matching - never compare error strings.
// The stable wire identifiers for these live in internal/errmap.
var (
	// ID validation errors
	ErrEmptyID   = errors.New("ID cannot be empty")
	ErrInvalidID = errors.New("invalid ID format")

	// Envelope / payload errors
	ErrInvalidJSON    = errors.New("malformed JSON")
	ErrUnknownType    = errors.New("unknown envelope type")
	ErrInvalidPayload = errors.New("invalid payload")

	// Resource errors
	ErrNotFound      = errors.New("resource not found")
	ErrAlreadyExists = errors.New("resource already exists")
	ErrUserNotFound  = errors.New("user not found")

	// Authorization errors
	ErrUnauthorized       = errors.New("authentication required")
	ErrForbidden          = errors.New("permission denied")
	ErrInvalidCredentials = errors.New("invalid credentials")

	// Token errors
	ErrInvalidToken   = errors.New("invalid token")
	ErrTokenExpired   = errors.New("token has expired")
	ErrTokenRevoked   = errors.New("token has been revoked")
	ErrWrongTokenType = errors.New("wrong token type")

	// Session errors
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExpired  = errors.New("session has expired")

	// Rate limiting
	ErrRateLimited   = errors.New("rate limit exceeded")
	ErrAccountLocked = errors.New("account temporarily locked")

	// Security gate errors
	ErrForbiddenOrigin = errors.New("origin not allowed")
	ErrCSRFInvalid     = errors.New("missing or invalid CSRF token")
	ErrXSSDetected     = errors.New("potential XSS content detected")
	ErrSQLiSuspicious  = errors.New("suspicious SQL pattern detected")
	ErrPathTraversal   = errors.New("path traversal attempt detected")

	// Broker errors
	ErrBackpressure = errors.New("broker queue over threshold")

	// Transport errors
	ErrFrameTooLarge  = errors.New("frame exceeds size limit")
	ErrProtocolError  = errors.New("websocket protocol violation")
	ErrConnectionGone = errors.New("connection closed")

	// Operational errors
	ErrUnavailable = errors.New("service temporarily unavailable")
	ErrTimeout     = errors.New("operation timed out")
	ErrInternal    = errors.New("internal error")

	// Configuration errors
	ErrConfigRequired = errors.New("required configuration key missing")
)

// LockedError carries the remaining lockout duration alongside the sentinel.
// Wraps ErrAccountLocked or ErrRateLimited so errors.Is still matches.
type LockedError struct {
	Sentinel   error
	RetryAfter time.Duration
}

func (e *LockedError) Error() string { return e.Sentinel.Error() }
func (e *LockedError) Unwrap() error { return e.Sentinel }

// NewAccountLocked builds a LockedError for a brute-force lockout.
func NewAccountLocked(retryAfter time.Duration) error {
	return &LockedError{Sentinel: ErrAccountLocked, RetryAfter: retryAfter}
}

// NewRateLimited builds a LockedError for a connection rate lockout.
func NewRateLimited(retryAfter time.Duration) error {
	return &LockedError{Sentinel: ErrRateLimited, RetryAfter: retryAfter}
}

// RetryAfter extracts the lockout duration from err, if any.
func RetryAfter(err error) (time.Duration, bool) {
	var locked *LockedError
	if errors.As(err, &locked) {
		return locked.RetryAfter, true
	}
	return 0, false
}

// IsRetryable returns true if the error represents a transient condition
// that may succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrUnavailable) ||
		errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrBackpressure) ||
		errors.Is(err, ErrTimeout)
}

// clientErrors enumerates all domain errors that represent client-side issues.
var clientErrors = []error{
	ErrEmptyID,
	ErrInvalidID,
	ErrInvalidJSON,
	ErrUnknownType,
	ErrInvalidPayload,
	ErrNotFound,
	ErrUserNotFound,
	ErrUnauthorized,
	ErrForbidden,
	ErrInvalidCredentials,
	ErrInvalidToken,
	ErrTokenExpired,
	ErrTokenRevoked,
	ErrWrongTokenType,
	ErrSessionNotFound,
	ErrSessionExpired,
	ErrForbiddenOrigin,
	ErrCSRFInvalid,
	ErrXSSDetected,
	ErrSQLiSuspicious,
	ErrPathTraversal,
}

// IsClientError returns true if the error represents a client-side issue
// that will not succeed on retry without client-side changes.
func IsClientError(err error) bool {
	for _, target := range clientErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// IsSecurityDenial returns true if the error came from a security gate.
// Gate failures are terminal for the single request or message and are
// never partially applied.
func IsSecurityDenial(err error) bool {
	return errors.Is(err, ErrForbiddenOrigin) ||
		errors.Is(err, ErrCSRFInvalid) ||
		errors.Is(err, ErrXSSDetected) ||
		errors.Is(err, ErrSQLiSuspicious) ||
		errors.Is(err, ErrPathTraversal) ||
		errors.Is(err, ErrRateLimited)
}
