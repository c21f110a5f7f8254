package user

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gameoverstudios/deeperhub/internal/domain"
	"github.com/gameoverstudios/deeperhub/internal/domain/domaintest"
)

func newTestStore(t *testing.T) *MemoryStore {
	t.Helper()
	return NewMemoryStore(domaintest.NewFakeClock(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)))
}

func seedUser(t *testing.T, store *MemoryStore, id, username, email string) Record {
	t.Helper()
	rec := Record{
		UserID:   id,
		Username: username,
		Email:    email,
		IsActive: true,
	}
	require.NoError(t, store.Create(context.Background(), rec))
	return rec
}

func TestMemoryStoreUniqueness(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedUser(t, store, "u1", "alice", "alice@example.com")

	t.Run("duplicate username", func(t *testing.T) {
		err := store.Create(ctx, Record{UserID: "u2", Username: "alice", Email: "other@example.com"})
		require.ErrorIs(t, err, domain.ErrAlreadyExists)
	})

	t.Run("duplicate email", func(t *testing.T) {
		err := store.Create(ctx, Record{UserID: "u2", Username: "bob", Email: "alice@example.com"})
		require.ErrorIs(t, err, domain.ErrAlreadyExists)
	})

	t.Run("duplicate id", func(t *testing.T) {
		err := store.Create(ctx, Record{UserID: "u1", Username: "carol", Email: "carol@example.com"})
		require.ErrorIs(t, err, domain.ErrAlreadyExists)
	})
}

func TestMemoryStoreLookups(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedUser(t, store, "u1", "alice", "alice@example.com")

	byID, err := store.GetByID(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "alice", byID.Username)

	byName, err := store.GetByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "u1", byName.UserID)

	_, err = store.GetByID(ctx, "nope")
	require.ErrorIs(t, err, domain.ErrUserNotFound)
	_, err = store.GetByUsername(ctx, "nope")
	require.ErrorIs(t, err, domain.ErrUserNotFound)
}

func TestMemoryStoreUpdate(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedUser(t, store, "u1", "alice", "alice@example.com")
	seedUser(t, store, "u2", "bob", "bob@example.com")

	t.Run("email moves the index", func(t *testing.T) {
		email := "alice2@example.com"
		rec, err := store.Update(ctx, "u1", Update{Email: &email})
		require.NoError(t, err)
		assert.Equal(t, email, rec.Email)

		// The old address is free again.
		err = store.Create(ctx, Record{UserID: "u3", Username: "carol", Email: "alice@example.com"})
		assert.NoError(t, err)
	})

	t.Run("email taken by another user", func(t *testing.T) {
		email := "bob@example.com"
		_, err := store.Update(ctx, "u1", Update{Email: &email})
		require.ErrorIs(t, err, domain.ErrAlreadyExists)
	})

	t.Run("password is rehashed", func(t *testing.T) {
		password := "hunter2-but-longer"
		rec, err := store.Update(ctx, "u1", Update{Password: &password})
		require.NoError(t, err)
		assert.NotEqual(t, password, rec.PasswordHash)
		assert.True(t, VerifyPassword(rec.PasswordHash, password))
	})

	t.Run("deactivate", func(t *testing.T) {
		inactive := false
		rec, err := store.Update(ctx, "u2", Update{IsActive: &inactive})
		require.NoError(t, err)
		assert.False(t, rec.IsActive)
	})

	t.Run("unknown user", func(t *testing.T) {
		_, err := store.Update(ctx, "nope", Update{})
		require.ErrorIs(t, err, domain.ErrUserNotFound)
	})
}

func TestMemoryStoreDelete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedUser(t, store, "u1", "alice", "alice@example.com")

	require.NoError(t, store.Delete(ctx, "u1"))
	_, err := store.GetByID(ctx, "u1")
	require.ErrorIs(t, err, domain.ErrUserNotFound)

	t.Run("username and email freed", func(t *testing.T) {
		err := store.Create(ctx, Record{UserID: "u2", Username: "alice", Email: "alice@example.com"})
		assert.NoError(t, err)
	})

	t.Run("deleting twice fails", func(t *testing.T) {
		require.ErrorIs(t, store.Delete(ctx, "u1"), domain.ErrUserNotFound)
	})
}

func TestMemoryStoreListSorted(t *testing.T) {
	store := newTestStore(t)
	seedUser(t, store, "u1", "carol", "carol@example.com")
	seedUser(t, store, "u2", "alice", "alice@example.com")
	seedUser(t, store, "u3", "bob", "bob@example.com")

	all, err := store.List(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"alice", "bob", "carol"},
		[]string{all[0].Username, all[1].Username, all[2].Username})
}

func TestPasswordHashing(t *testing.T) {
	hash, err := HashPassword("correct horse battery staple")
	require.NoError(t, err)

	assert.True(t, VerifyPassword(hash, "correct horse battery staple"))
	assert.False(t, VerifyPassword(hash, "wrong"))
	assert.False(t, VerifyPassword("not-a-bcrypt-hash", "anything"))
}
