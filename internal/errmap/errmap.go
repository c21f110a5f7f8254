// Package errmap translates domain errors into the stable wire codes
// carried by error and *.failure envelopes. Codes are part of the protocol
// contract; clients match on them, never on message text.
package errmap

import (
	"errors"

	"github.com/gameoverstudios/deeperhub/internal/domain"
	"github.com/gameoverstudios/deeperhub/pkg/protocol"
)

// Stable wire codes.
const (
	CodeInvalidJSON        = "invalid_json"
	CodeUnknownType        = "unknown_type"
	CodeInvalidPayload     = "invalid_payload"
	CodeUnauthorized       = "unauthorized"
	CodeForbidden          = "forbidden"
	CodeInvalidCredentials = "invalid_credentials"
	CodeInvalidToken       = "invalid_token"
	CodeTokenExpired       = "token_expired"
	CodeTokenRevoked       = "token_revoked"
	CodeWrongTokenType     = "wrong_token_type"
	CodeSessionNotFound    = "session_not_found"
	CodeSessionExpired     = "session_expired"
	CodeUserNotFound       = "user_not_found"
	CodeAlreadyExists      = "already_exists"
	CodeNotFound           = "not_found"
	CodeRateLimited        = "rate_limited"
	CodeAccountLocked      = "account_locked"
	CodeForbiddenOrigin    = "forbidden_origin"
	CodeCSRFInvalid        = "csrf_invalid"
	CodeXSSDetected        = "xss_detected"
	CodeSQLiSuspicious     = "sqli_suspicious"
	CodePathTraversal      = "path_traversal"
	CodeBackpressure       = "backpressure"
	CodeFrameTooLarge      = "frame_too_large"
	CodeProtocolError      = "protocol_error"
	CodeTimeout            = "timeout"
	CodeInternalError      = "internal_error"
)

// ordered pairs: first match wins. Specific sentinels precede broader ones.
var codes = []struct {
	sentinel error
	code     string
}{
	{domain.ErrInvalidJSON, CodeInvalidJSON},
	{domain.ErrUnknownType, CodeUnknownType},
	{domain.ErrInvalidPayload, CodeInvalidPayload},
	{domain.ErrEmptyID, CodeInvalidPayload},
	{domain.ErrInvalidID, CodeInvalidPayload},
	{domain.ErrInvalidCredentials, CodeInvalidCredentials},
	{domain.ErrTokenExpired, CodeTokenExpired},
	{domain.ErrTokenRevoked, CodeTokenRevoked},
	{domain.ErrWrongTokenType, CodeWrongTokenType},
	{domain.ErrInvalidToken, CodeInvalidToken},
	{domain.ErrSessionNotFound, CodeSessionNotFound},
	{domain.ErrSessionExpired, CodeSessionExpired},
	{domain.ErrUserNotFound, CodeUserNotFound},
	{domain.ErrAlreadyExists, CodeAlreadyExists},
	{domain.ErrNotFound, CodeNotFound},
	{domain.ErrAccountLocked, CodeAccountLocked},
	{domain.ErrRateLimited, CodeRateLimited},
	{domain.ErrForbiddenOrigin, CodeForbiddenOrigin},
	{domain.ErrCSRFInvalid, CodeCSRFInvalid},
	{domain.ErrXSSDetected, CodeXSSDetected},
	{domain.ErrSQLiSuspicious, CodeSQLiSuspicious},
	{domain.ErrPathTraversal, CodePathTraversal},
	{domain.ErrBackpressure, CodeBackpressure},
	{domain.ErrFrameTooLarge, CodeFrameTooLarge},
	{domain.ErrProtocolError, CodeProtocolError},
	{domain.ErrUnauthorized, CodeUnauthorized},
	{domain.ErrForbidden, CodeForbidden},
	{domain.ErrTimeout, CodeTimeout},
}

// Code returns the stable wire code for err. Unrecognized errors map to
// internal_error so internals never leak onto the wire.
func Code(err error) string {
	for _, entry := range codes {
		if errors.Is(err, entry.sentinel) {
			return entry.code
		}
	}
	return CodeInternalError
}

// messages are the client-facing texts per code. Kept deliberately flat;
// diagnostic detail goes to logs, not the wire.
var messages = map[string]string{
	CodeInvalidJSON:        "message is not valid JSON",
	CodeUnknownType:        "unknown message type",
	CodeInvalidPayload:     "invalid payload",
	CodeUnauthorized:       "authentication required",
	CodeForbidden:          "permission denied",
	CodeInvalidCredentials: "invalid username or password",
	CodeInvalidToken:       "invalid token",
	CodeTokenExpired:       "token has expired",
	CodeTokenRevoked:       "token has been revoked",
	CodeWrongTokenType:     "wrong token type",
	CodeSessionNotFound:    "session not found",
	CodeSessionExpired:     "session has expired",
	CodeUserNotFound:       "user not found",
	CodeAlreadyExists:      "resource already exists",
	CodeNotFound:           "resource not found",
	CodeRateLimited:        "rate limit exceeded",
	CodeAccountLocked:      "account temporarily locked",
	CodeForbiddenOrigin:    "origin not allowed",
	CodeCSRFInvalid:        "missing or invalid CSRF token",
	CodeXSSDetected:        "message content rejected",
	CodeSQLiSuspicious:     "message content rejected",
	CodePathTraversal:      "message content rejected",
	CodeBackpressure:       "server busy, try again later",
	CodeFrameTooLarge:      "message too large",
	CodeProtocolError:      "protocol violation",
	CodeTimeout:            "operation timed out",
	CodeInternalError:      "internal error",
}

// Payload builds the wire error payload for err. RetryAfterMs is populated
// for lockout and rate-limit conditions that carry a duration.
func Payload(err error) protocol.ErrorPayload {
	code := Code(err)
	p := protocol.ErrorPayload{
		Code:    code,
		Message: messages[code],
	}
	if retry, ok := domain.RetryAfter(err); ok {
		p.RetryAfterMs = retry.Milliseconds()
	}
	return p
}
