package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/gameoverstudios/deeperhub/internal/domain"
	"github.com/gameoverstudios/deeperhub/internal/domain/domaintest"
)

// signTestToken builds a token outside the Minter so tests can produce
// shapes the Minter never emits.
func signTestToken(t *testing.T, key []byte, claims Claims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, &claims).SignedString(key)
	require.NoError(t, err)
	return signed
}

func baseClaims(now time.Time) Claims {
	return Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			Issuer:    "deeperhub",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
			ID:        "jti-1",
		},
		TokenType: TokenTypeAccess,
	}
}

func TestVerifyExpiryBoundary(t *testing.T) {
	svc, _, clock := newTestService(t)
	ctx := context.Background()

	pair, err := svc.IssuePair("user-1", false)
	require.NoError(t, err)

	clock.Advance(testAccessTTL - time.Second)
	_, err = svc.Verify(ctx, pair.AccessToken)
	require.NoError(t, err)

	// Exactly at exp the token is already expired.
	clock.Advance(time.Second)
	_, err = svc.Verify(ctx, pair.AccessToken)
	require.ErrorIs(t, err, domain.ErrTokenExpired)
}

func TestVerifyRejections(t *testing.T) {
	svc, _, clock := newTestService(t)
	ctx := context.Background()
	now := clock.Now()
	key := testSigningKey.Expose()

	t.Run("malformed", func(t *testing.T) {
		_, err := svc.Verify(ctx, "not.a.token")
		require.ErrorIs(t, err, domain.ErrInvalidToken)
	})

	t.Run("wrong signing key", func(t *testing.T) {
		token := signTestToken(t, []byte("another-key-entirely-32-bytes..."), baseClaims(now))
		_, err := svc.Verify(ctx, token)
		require.ErrorIs(t, err, domain.ErrInvalidToken)
	})

	t.Run("unsigned token", func(t *testing.T) {
		unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, baseClaims(now)).
			SignedString(jwt.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)
		_, err = svc.Verify(ctx, unsigned)
		require.ErrorIs(t, err, domain.ErrInvalidToken)
	})

	t.Run("wrong issuer", func(t *testing.T) {
		claims := baseClaims(now)
		claims.Issuer = "someone-else"
		_, err := svc.Verify(ctx, signTestToken(t, key, claims))
		require.ErrorIs(t, err, domain.ErrInvalidToken)
	})

	t.Run("unrecognized typ", func(t *testing.T) {
		claims := baseClaims(now)
		claims.TokenType = "session"
		_, err := svc.Verify(ctx, signTestToken(t, key, claims))
		require.ErrorIs(t, err, domain.ErrWrongTokenType)
	})

	t.Run("missing jti", func(t *testing.T) {
		claims := baseClaims(now)
		claims.ID = ""
		_, err := svc.Verify(ctx, signTestToken(t, key, claims))
		require.ErrorIs(t, err, domain.ErrInvalidToken)
	})

	t.Run("missing exp", func(t *testing.T) {
		claims := baseClaims(now)
		claims.ExpiresAt = nil
		_, err := svc.Verify(ctx, signTestToken(t, key, claims))
		require.ErrorIs(t, err, domain.ErrInvalidToken)
	})
}

type failingRevocations struct{}

func (failingRevocations) RevokeIfNew(context.Context, string, time.Time) (bool, error) {
	return false, errors.New("store down")
}

func (failingRevocations) IsRevoked(context.Context, string) (bool, error) {
	return true, errors.New("store down")
}

func TestVerifyFailsClosedWhenRevocationStoreDown(t *testing.T) {
	clock := domaintest.NewFakeClock(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
	minter := NewMinter(MinterConfig{
		SigningKey: testSigningKey,
		AccessTTL:  testAccessTTL,
		RefreshTTL: testRefreshTTL,
		Issuer:     "deeperhub",
		Clock:      clock,
	})
	validator := NewValidator(ValidatorConfig{
		SigningKey:  testSigningKey,
		Issuer:      "deeperhub",
		Clock:       clock,
		Revocations: failingRevocations{},
	})

	pair, err := minter.MintPair("user-1", false)
	require.NoError(t, err)

	_, err = validator.Verify(context.Background(), pair.AccessToken)
	require.ErrorIs(t, err, domain.ErrTokenRevoked)
}
