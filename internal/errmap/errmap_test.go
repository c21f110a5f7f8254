package errmap

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/gameoverstudios/deeperhub/internal/domain"
)

func TestCode(t *testing.T) {
	cases := map[string]struct {
		err  error
		want string
	}{
		"invalid json":        {domain.ErrInvalidJSON, CodeInvalidJSON},
		"unknown type":        {domain.ErrUnknownType, CodeUnknownType},
		"invalid credentials": {domain.ErrInvalidCredentials, CodeInvalidCredentials},
		"token expired":       {domain.ErrTokenExpired, CodeTokenExpired},
		"token revoked":       {domain.ErrTokenRevoked, CodeTokenRevoked},
		"wrong token type":    {domain.ErrWrongTokenType, CodeWrongTokenType},
		"invalid token":       {domain.ErrInvalidToken, CodeInvalidToken},
		"session not found":   {domain.ErrSessionNotFound, CodeSessionNotFound},
		"user not found":      {domain.ErrUserNotFound, CodeUserNotFound},
		"unauthorized":        {domain.ErrUnauthorized, CodeUnauthorized},
		"forbidden":           {domain.ErrForbidden, CodeForbidden},
		"backpressure":        {domain.ErrBackpressure, CodeBackpressure},
		"path traversal":      {domain.ErrPathTraversal, CodePathTraversal},
		"unknown error":       {errors.New("disk on fire"), CodeInternalError},

		"wrapped sentinel": {
			fmt.Errorf("verify: %w", domain.ErrTokenExpired),
			CodeTokenExpired,
		},
		"doubly wrapped": {
			fmt.Errorf("outer: %w", fmt.Errorf("inner: %w", domain.ErrSessionExpired)),
			CodeSessionExpired,
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.want, Code(tc.err))
		})
	}
}

// More specific token sentinels must win over the broad invalid_token
// mapping even when both match.
func TestCodeSpecificity(t *testing.T) {
	err := fmt.Errorf("%w: %w", domain.ErrInvalidToken, domain.ErrTokenExpired)
	assert.Equal(t, CodeTokenExpired, Code(err))
}

func TestPayload(t *testing.T) {
	t.Run("plain error", func(t *testing.T) {
		p := Payload(domain.ErrInvalidCredentials)
		assert.Equal(t, CodeInvalidCredentials, p.Code)
		assert.Equal(t, "invalid username or password", p.Message)
		assert.Zero(t, p.RetryAfterMs)
	})

	t.Run("lockout carries retry_after_ms", func(t *testing.T) {
		p := Payload(domain.NewAccountLocked(15 * time.Minute))
		assert.Equal(t, CodeAccountLocked, p.Code)
		assert.Equal(t, int64(900000), p.RetryAfterMs)
	})

	t.Run("rate limit carries retry_after_ms", func(t *testing.T) {
		p := Payload(domain.NewRateLimited(30 * time.Second))
		assert.Equal(t, CodeRateLimited, p.Code)
		assert.Equal(t, int64(30000), p.RetryAfterMs)
	})

	t.Run("internal detail never leaks", func(t *testing.T) {
		p := Payload(errors.New("pq: connection refused on 10.1.2.3"))
		assert.Equal(t, CodeInternalError, p.Code)
		assert.Equal(t, "internal error", p.Message)
		assert.NotContains(t, p.Message, "10.1.2.3")
	})
}
