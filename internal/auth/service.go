package auth

import (
	"context"
	"fmt"

	"github.com/gameoverstudios/deeperhub/internal/domain"
)

// Service is the token service: issue, verify, refresh, revoke.
// It owns no session state; sessions live in the session registry.
type Service struct {
	minter      *Minter
	validator   *Validator
	revocations RevocationStore
}

// NewService creates the token service from its three collaborators.
func NewService(minter *Minter, validator *Validator, revocations RevocationStore) *Service {
	return &Service{
		minter:      minter,
		validator:   validator,
		revocations: revocations,
	}
}

// AccessTTL returns the configured access token lifetime.
func (s *Service) AccessTTL() int64 {
	return int64(s.minter.AccessTTL().Seconds())
}

// IssuePair signs a fresh access + refresh pair for userID.
func (s *Service) IssuePair(userID string, remember bool) (Pair, error) {
	return s.minter.MintPair(userID, remember)
}

// Verify validates a token of either type.
func (s *Service) Verify(ctx context.Context, token string) (*Claims, error) {
	return s.validator.Verify(ctx, token)
}

// VerifyAccess validates an access token.
func (s *Service) VerifyAccess(ctx context.Context, token string) (*Claims, error) {
	return s.validator.VerifyType(ctx, token, TokenTypeAccess)
}

// Refresh rotates a refresh token into a new pair. The old refresh jti is
// revoked atomically; when two callers race on the same token, the first
// writer wins and the loser observes domain.ErrTokenRevoked.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (Pair, *Claims, error) {
	claims, err := s.validator.VerifyType(ctx, refreshToken, TokenTypeRefresh)
	if err != nil {
		return Pair{}, nil, err
	}

	won, err := s.revocations.RevokeIfNew(ctx, claims.ID, claims.ExpiresAt.Time)
	if err != nil {
		return Pair{}, nil, fmt.Errorf("revoke old refresh jti: %w", err)
	}
	if !won {
		return Pair{}, nil, domain.ErrTokenRevoked
	}

	pair, err := s.minter.MintPair(claims.Subject, false)
	if err != nil {
		return Pair{}, nil, err
	}

	return pair, claims, nil
}

// Revoke inserts the token's jti into the revocation set with the token's
// own exp. Revoking an already-revoked or expired token is a no-op.
func (s *Service) Revoke(ctx context.Context, token string) error {
	claims, err := s.validator.Verify(ctx, token)
	if err != nil {
		if domain.IsClientError(err) {
			// Expired or already revoked: nothing left to revoke.
			return nil
		}
		return err
	}

	if _, err := s.revocations.RevokeIfNew(ctx, claims.ID, claims.ExpiresAt.Time); err != nil {
		return fmt.Errorf("revoke jti: %w", err)
	}
	return nil
}
