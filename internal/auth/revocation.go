package auth

import (
	"context"
	"sync"
	"time"

	"github.com/gameoverstudios/deeperhub/internal/domain"
)

// RevocationStore tracks revoked JTIs until their natural expiry.
type RevocationStore interface {
	// RevokeIfNew marks jti revoked until exp. Returns true when this call
	// performed the revocation, false when the jti was already revoked.
	// The distinction implements first-writer-wins for concurrent refresh.
	RevokeIfNew(ctx context.Context, jti string, exp time.Time) (bool, error)

	// IsRevoked reports whether jti is currently revoked.
	IsRevoked(ctx context.Context, jti string) (bool, error)
}

// MemoryRevocations is the in-process revocation set: jti → exp.
// Entries are swept once past exp; a restart clears the set.
type MemoryRevocations struct {
	clock domain.Clock

	mu      sync.Mutex
	revoked map[string]time.Time
}

// NewMemoryRevocations creates an empty in-memory revocation set.
func NewMemoryRevocations(clock domain.Clock) *MemoryRevocations {
	return &MemoryRevocations{
		clock:   clock,
		revoked: make(map[string]time.Time),
	}
}

// RevokeIfNew implements RevocationStore.
func (s *MemoryRevocations) RevokeIfNew(_ context.Context, jti string, exp time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.revoked[jti]; ok && s.clock.Now().Before(existing) {
		return false, nil
	}
	s.revoked[jti] = exp
	return true, nil
}

// IsRevoked implements RevocationStore.
func (s *MemoryRevocations) IsRevoked(_ context.Context, jti string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	exp, ok := s.revoked[jti]
	if !ok {
		return false, nil
	}
	if !s.clock.Now().Before(exp) {
		// Past exp the token fails its own expiry check; drop the entry.
		delete(s.revoked, jti)
		return false, nil
	}
	return true, nil
}

// Sweep removes entries whose exp has passed. Returns the number removed.
func (s *MemoryRevocations) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	removed := 0
	for jti, exp := range s.revoked {
		if !now.Before(exp) {
			delete(s.revoked, jti)
			removed++
		}
	}
	return removed
}

// Len reports the current number of revoked entries.
func (s *MemoryRevocations) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.revoked)
}

// RunSweeper sweeps on the given interval until ctx is cancelled.
// The caller owns the goroutine.
func (s *MemoryRevocations) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Ensure implementations satisfy the interface at compile time.
var _ RevocationStore = (*MemoryRevocations)(nil)
