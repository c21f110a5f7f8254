// Package user defines the hub's port onto the external user store, plus
// password hashing helpers. The hub never persists users itself.
package user

import (
	"context"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// Record mirrors one row of the external user store. PasswordHash is
// opaque to every caller except VerifyPassword.
type Record struct {
	UserID       string
	Username     string
	Email        string
	PasswordHash string
	IsActive     bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Update holds the mutable user fields. Nil pointers leave the field
// unchanged.
type Update struct {
	Email    *string
	Password *string
	IsActive *bool
}

// Store is the narrow CRUD interface the hub consumes.
type Store interface {
	Create(ctx context.Context, rec Record) error
	GetByID(ctx context.Context, userID string) (*Record, error)
	GetByUsername(ctx context.Context, username string) (*Record, error)
	Update(ctx context.Context, userID string, upd Update) (*Record, error)
	Delete(ctx context.Context, userID string) error
	List(ctx context.Context) ([]Record, error)
}

// HashPassword derives a bcrypt hash for storage.
func HashPassword(plaintext string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifyPassword compares a candidate against the stored hash in constant
// time. Returns true on match.
func VerifyPassword(storedHash, candidate string) bool {
	return bcrypt.CompareHashAndPassword([]byte(storedHash), []byte(candidate)) == nil
}
