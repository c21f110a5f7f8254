package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/gameoverstudios/deeperhub/internal/domain"
)

// Pair holds a freshly minted access + refresh token pair.
type Pair struct {
	AccessToken      string
	RefreshToken     string
	AccessJTI        string
	RefreshJTI       string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

// Minter creates signed HS256 JWT pairs. Minting records no server-side
// state; revocation is tracked separately by jti.
type Minter struct {
	signingKey  []byte
	accessTTL   time.Duration
	refreshTTL  time.Duration
	rememberTTL time.Duration
	issuer      string
	clock       domain.Clock
}

// MinterConfig holds configuration for creating a Minter.
type MinterConfig struct {
	SigningKey  domain.SecretBytes
	AccessTTL   time.Duration
	RefreshTTL  time.Duration
	RememberTTL time.Duration
	Issuer      string
	Clock       domain.Clock
}

// NewMinter creates a new JWT minter.
func NewMinter(cfg MinterConfig) *Minter {
	return &Minter{
		signingKey:  cfg.SigningKey.Expose(),
		accessTTL:   cfg.AccessTTL,
		refreshTTL:  cfg.RefreshTTL,
		rememberTTL: cfg.RememberTTL,
		issuer:      cfg.Issuer,
		clock:       cfg.Clock,
	}
}

// AccessTTL returns the configured access token lifetime.
func (m *Minter) AccessTTL() time.Duration { return m.accessTTL }

// MintPair signs a new access + refresh pair for userID with fresh JTIs.
// remember extends the refresh lifetime to the remember-me TTL.
func (m *Minter) MintPair(userID string, remember bool) (Pair, error) {
	refreshTTL := m.refreshTTL
	if remember {
		refreshTTL = m.rememberTTL
	}

	now := m.clock.Now().UTC()

	access, accessJTI, err := m.mint(userID, TokenTypeAccess, now, m.accessTTL)
	if err != nil {
		return Pair{}, err
	}
	refresh, refreshJTI, err := m.mint(userID, TokenTypeRefresh, now, refreshTTL)
	if err != nil {
		return Pair{}, err
	}

	return Pair{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessJTI:        accessJTI,
		RefreshJTI:       refreshJTI,
		AccessExpiresAt:  now.Add(m.accessTTL),
		RefreshExpiresAt: now.Add(refreshTTL),
	}, nil
}

func (m *Minter) mint(userID string, typ TokenType, now time.Time, ttl time.Duration) (string, string, error) {
	jti := uuid.NewString()

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    m.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        jti,
		},
		TokenType: typ,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, &claims)
	signed, err := token.SignedString(m.signingKey)
	if err != nil {
		return "", "", fmt.Errorf("sign %s token: %w", typ, err)
	}

	return signed, jti, nil
}
