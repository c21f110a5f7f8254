package user

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/gameoverstudios/deeperhub/internal/domain"
)

// MemoryStore is the in-process user store used for local development and
// tests.
type MemoryStore struct {
	clock domain.Clock

	mu      sync.RWMutex
	byID    map[string]Record
	byName  map[string]string // username → user_id
	byEmail map[string]string // email → user_id
}

// NewMemoryStore creates an empty memory user store.
func NewMemoryStore(clock domain.Clock) *MemoryStore {
	return &MemoryStore{
		clock:   clock,
		byID:    make(map[string]Record),
		byName:  make(map[string]string),
		byEmail: make(map[string]string),
	}
}

// Create implements Store. Username and email are unique.
func (s *MemoryStore) Create(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[rec.UserID]; ok {
		return fmt.Errorf("user %s: %w", rec.UserID, domain.ErrAlreadyExists)
	}
	if _, ok := s.byName[rec.Username]; ok {
		return fmt.Errorf("username %s: %w", rec.Username, domain.ErrAlreadyExists)
	}
	if _, ok := s.byEmail[rec.Email]; ok {
		return fmt.Errorf("email %s: %w", rec.Email, domain.ErrAlreadyExists)
	}

	s.byID[rec.UserID] = rec
	s.byName[rec.Username] = rec.UserID
	s.byEmail[rec.Email] = rec.UserID
	return nil
}

// GetByID implements Store.
func (s *MemoryStore) GetByID(_ context.Context, userID string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.byID[userID]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", userID, domain.ErrUserNotFound)
	}
	out := rec
	return &out, nil
}

// GetByUsername implements Store.
func (s *MemoryStore) GetByUsername(_ context.Context, username string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byName[username]
	if !ok {
		return nil, fmt.Errorf("username %s: %w", username, domain.ErrUserNotFound)
	}
	rec := s.byID[id]
	return &rec, nil
}

// Update implements Store.
func (s *MemoryStore) Update(_ context.Context, userID string, upd Update) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.byID[userID]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", userID, domain.ErrUserNotFound)
	}

	if upd.Email != nil && *upd.Email != rec.Email {
		if _, taken := s.byEmail[*upd.Email]; taken {
			return nil, fmt.Errorf("email %s: %w", *upd.Email, domain.ErrAlreadyExists)
		}
		delete(s.byEmail, rec.Email)
		rec.Email = *upd.Email
		s.byEmail[rec.Email] = userID
	}
	if upd.Password != nil {
		hash, err := HashPassword(*upd.Password)
		if err != nil {
			return nil, err
		}
		rec.PasswordHash = hash
	}
	if upd.IsActive != nil {
		rec.IsActive = *upd.IsActive
	}
	rec.UpdatedAt = s.clock.Now().UTC()

	s.byID[userID] = rec
	out := rec
	return &out, nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.byID[userID]
	if !ok {
		return fmt.Errorf("user %s: %w", userID, domain.ErrUserNotFound)
	}
	delete(s.byID, userID)
	delete(s.byName, rec.Username)
	delete(s.byEmail, rec.Email)
	return nil
}

// List implements Store, ordered by username for stable output.
func (s *MemoryStore) List(_ context.Context) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Record, 0, len(s.byID))
	for _, rec := range s.byID {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}

// Ensure implementations satisfy the interface at compile time.
var _ Store = (*MemoryStore)(nil)
