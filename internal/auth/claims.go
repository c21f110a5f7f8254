package auth

import "github.com/golang-jwt/jwt/v5"

// TokenType distinguishes the two halves of an issued pair via the "typ"
// claim.
type TokenType string

const (
	TokenTypeAccess  TokenType = "access"
	TokenTypeRefresh TokenType = "refresh"
)

// Claims represents the JWT claims for hub tokens:
// {sub, typ, iat, exp, jti} plus the registered issuer.
type Claims struct {
	jwt.RegisteredClaims
	TokenType TokenType `json:"typ"`
}

// UserID returns the subject claim.
func (c *Claims) UserID() string { return c.Subject }

// JTI returns the token's unique identifier.
func (c *Claims) JTI() string { return c.ID }
