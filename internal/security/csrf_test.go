package security

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gameoverstudios/deeperhub/internal/domain"
	"github.com/gameoverstudios/deeperhub/internal/domain/domaintest"
)

func newTestCSRF(t *testing.T) (*CSRFMinter, *domaintest.FakeClock) {
	t.Helper()
	clock := domaintest.NewFakeClock(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
	return NewCSRFMinter(domain.SecretBytes("csrf-test-key-32-bytes-long-...."), time.Hour.Milliseconds(), clock), clock
}

func TestCSRFIssueValidate(t *testing.T) {
	minter, clock := newTestCSRF(t)

	token, err := minter.Issue()
	require.NoError(t, err)
	require.NoError(t, minter.Validate(token))

	t.Run("still valid just before expiry", func(t *testing.T) {
		clock.Advance(time.Hour - time.Millisecond)
		assert.NoError(t, minter.Validate(token))
	})

	t.Run("expired at ttl", func(t *testing.T) {
		clock.Advance(time.Millisecond)
		require.ErrorIs(t, minter.Validate(token), domain.ErrCSRFInvalid)
	})
}

func TestCSRFValidateRejectsGarbage(t *testing.T) {
	minter, _ := newTestCSRF(t)

	cases := map[string]string{
		"empty":      "",
		"not base64": "!!!not-base64!!!",
		"too short":  base64.RawURLEncoding.EncodeToString([]byte("short")),
	}
	for name, token := range cases {
		t.Run(name, func(t *testing.T) {
			require.ErrorIs(t, minter.Validate(token), domain.ErrCSRFInvalid)
		})
	}
}

func TestCSRFValidateRejectsTamper(t *testing.T) {
	minter, _ := newTestCSRF(t)

	token, err := minter.Issue()
	require.NoError(t, err)

	raw, err := base64.RawURLEncoding.DecodeString(token)
	require.NoError(t, err)

	t.Run("flipped payload bit", func(t *testing.T) {
		tampered := append([]byte(nil), raw...)
		tampered[0] ^= 0x01
		require.ErrorIs(t, minter.Validate(base64.RawURLEncoding.EncodeToString(tampered)), domain.ErrCSRFInvalid)
	})

	t.Run("wrong key", func(t *testing.T) {
		other := NewCSRFMinter(domain.SecretBytes("a completely different key......"), time.Hour.Milliseconds(),
			domaintest.NewFakeClock(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)))
		require.ErrorIs(t, other.Validate(token), domain.ErrCSRFInvalid)
	})
}
