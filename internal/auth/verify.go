package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/gameoverstudios/deeperhub/internal/domain"
)

// Validator parses and fully validates hub JWTs, including the revocation
// check. Verification outcomes map onto the domain sentinels so callers can
// distinguish expired, malformed, bad-signature, revoked, and wrong-type.
type Validator struct {
	signingKey  []byte
	issuer      string
	clock       domain.Clock
	revocations RevocationStore
}

// ValidatorConfig holds configuration for creating a Validator.
type ValidatorConfig struct {
	SigningKey  domain.SecretBytes
	Issuer      string
	Clock       domain.Clock
	Revocations RevocationStore
}

// NewValidator creates a new JWT validator.
func NewValidator(cfg ValidatorConfig) *Validator {
	return &Validator{
		signingKey:  cfg.SigningKey.Expose(),
		issuer:      cfg.Issuer,
		clock:       cfg.Clock,
		revocations: cfg.Revocations,
	}
}

// Verify parses and validates a token of either type.
// Revoked tokens fail with domain.ErrTokenRevoked until their exp passes,
// after which the expiry check fires first.
func (v *Validator) Verify(ctx context.Context, tokenString string) (*Claims, error) {
	var claims Claims

	opts := []jwt.ParserOption{
		jwt.WithIssuer(v.issuer),
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithTimeFunc(v.clock.Now),
		jwt.WithExpirationRequired(),
	}

	_, err := jwt.ParseWithClaims(tokenString, &claims, v.keyFunc, opts...)
	if err != nil {
		return nil, classifyParseError(err)
	}

	if claims.TokenType != TokenTypeAccess && claims.TokenType != TokenTypeRefresh {
		return nil, fmt.Errorf("unrecognized typ claim %q: %w", claims.TokenType, domain.ErrWrongTokenType)
	}
	if claims.ID == "" {
		return nil, fmt.Errorf("missing jti claim: %w", domain.ErrInvalidToken)
	}

	revoked, err := v.revocations.IsRevoked(ctx, claims.ID)
	if err != nil {
		// Fail closed: an unreachable revocation store denies access.
		return nil, fmt.Errorf("revocation check: %w", domain.ErrTokenRevoked)
	}
	if revoked {
		return nil, domain.ErrTokenRevoked
	}

	return &claims, nil
}

// VerifyType verifies the token and additionally requires its typ claim.
func (v *Validator) VerifyType(ctx context.Context, tokenString string, typ TokenType) (*Claims, error) {
	claims, err := v.Verify(ctx, tokenString)
	if err != nil {
		return nil, err
	}
	if claims.TokenType != typ {
		return nil, fmt.Errorf("expected %s token, got %s: %w", typ, claims.TokenType, domain.ErrWrongTokenType)
	}
	return claims, nil
}

func (v *Validator) keyFunc(token *jwt.Token) (any, error) {
	if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
	}
	return v.signingKey, nil
}

// classifyParseError maps golang-jwt parse failures onto domain sentinels.
// A token exactly at exp counts as expired (the library treats the interval
// as closed on the past side).
func classifyParseError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return fmt.Errorf("%w", domain.ErrTokenExpired)
	case errors.Is(err, jwt.ErrTokenMalformed):
		return fmt.Errorf("malformed token: %w", domain.ErrInvalidToken)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return fmt.Errorf("bad signature: %w", domain.ErrInvalidToken)
	default:
		return fmt.Errorf("token validation: %w", domain.ErrInvalidToken)
	}
}
