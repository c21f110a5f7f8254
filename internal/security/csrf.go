package security

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"fmt"

	"github.com/gameoverstudios/deeperhub/internal/domain"
)

const (
	csrfNonceLen = 16
	csrfMACLen   = 16
	csrfTokenLen = csrfNonceLen + 8 + csrfMACLen
)

// CSRFMinter issues and validates stateless CSRF tokens. A token is
// base64url(nonce || expiry-millis || truncated HMAC-SHA256) keyed with the
// hub's CSRF key, so no server-side token store is needed.
type CSRFMinter struct {
	key   domain.SecretBytes
	ttl   int64 // millis
	clock domain.Clock
}

// NewCSRFMinter creates a minter. ttlMillis bounds token validity.
func NewCSRFMinter(key domain.SecretBytes, ttlMillis int64, clock domain.Clock) *CSRFMinter {
	return &CSRFMinter{key: key, ttl: ttlMillis, clock: clock}
}

// Issue mints a token valid for the configured TTL.
func (m *CSRFMinter) Issue() (string, error) {
	buf := make([]byte, csrfTokenLen)
	if _, err := rand.Read(buf[:csrfNonceLen]); err != nil {
		return "", fmt.Errorf("csrf: nonce: %w", err)
	}

	exp := m.clock.Now().UTC().UnixMilli() + m.ttl
	binary.BigEndian.PutUint64(buf[csrfNonceLen:csrfNonceLen+8], uint64(exp))

	mac := m.sign(buf[:csrfNonceLen+8])
	copy(buf[csrfNonceLen+8:], mac[:csrfMACLen])

	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// Validate checks a presented token's MAC and expiry.
func (m *CSRFMinter) Validate(token string) error {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil || len(raw) != csrfTokenLen {
		return domain.ErrCSRFInvalid
	}

	mac := m.sign(raw[:csrfNonceLen+8])
	if !hmac.Equal(raw[csrfNonceLen+8:], mac[:csrfMACLen]) {
		return domain.ErrCSRFInvalid
	}

	exp := int64(binary.BigEndian.Uint64(raw[csrfNonceLen : csrfNonceLen+8]))
	if m.clock.Now().UTC().UnixMilli() >= exp {
		return domain.ErrCSRFInvalid
	}
	return nil
}

func (m *CSRFMinter) sign(payload []byte) []byte {
	h := hmac.New(sha256.New, m.key.Expose())
	h.Write(payload)
	return h.Sum(nil)
}
