package ws

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gameoverstudios/deeperhub/internal/domain"
)

func clientFrame(t *testing.T, fin bool, opcode byte, payload []byte) []byte {
	t.Helper()

	var buf bytes.Buffer
	b0 := opcode
	if fin {
		b0 |= 0x80
	}
	buf.WriteByte(b0)

	key := [4]byte{0xA1, 0xB2, 0xC3, 0xD4}
	switch {
	case len(payload) <= 125:
		buf.WriteByte(0x80 | byte(len(payload)))
	case len(payload) <= 0xFFFF:
		buf.WriteByte(0x80 | 126)
		var ext [2]byte
		binary.BigEndian.PutUint16(ext[:], uint16(len(payload)))
		buf.Write(ext[:])
	default:
		buf.WriteByte(0x80 | 127)
		var ext [8]byte
		binary.BigEndian.PutUint64(ext[:], uint64(len(payload)))
		buf.Write(ext[:])
	}
	buf.Write(key[:])

	masked := append([]byte(nil), payload...)
	MaskBytes(key, 0, masked)
	buf.Write(masked)
	return buf.Bytes()
}

func TestMaskBytesRoundTrip(t *testing.T) {
	key := [4]byte{0x12, 0x34, 0x56, 0x78}
	original := []byte("the quick brown fox jumps over the lazy dog")

	payload := append([]byte(nil), original...)
	MaskBytes(key, 0, payload)
	assert.NotEqual(t, original, payload)

	MaskBytes(key, 0, payload)
	assert.Equal(t, original, payload)
}

func TestMaskBytesOffset(t *testing.T) {
	key := [4]byte{1, 2, 3, 4}
	whole := []byte("abcdefgh")

	full := append([]byte(nil), whole...)
	MaskBytes(key, 0, full)

	// Masking in two chunks with carried offset equals masking at once.
	split := append([]byte(nil), whole...)
	pos := MaskBytes(key, 0, split[:3])
	MaskBytes(key, pos, split[3:])
	assert.Equal(t, full, split)
}

func TestReadFrameLengthEncodings(t *testing.T) {
	cases := []struct {
		name string
		size int
	}{
		{"seven_bit", 125},
		{"sixteen_bit", 126},
		{"sixteen_bit_max", 65535},
		{"sixty_four_bit", 65536},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			payload := bytes.Repeat([]byte("x"), tc.size)
			r := bufio.NewReader(bytes.NewReader(clientFrame(t, true, OpBinary, payload)))

			frame, err := ReadFrame(r, 1<<20, true)
			require.NoError(t, err)
			assert.True(t, frame.FIN)
			assert.Equal(t, OpBinary, frame.Opcode)
			assert.Equal(t, payload, frame.Payload)
		})
	}
}

func TestReadFrameSizeLimit(t *testing.T) {
	t.Run("exactly at limit accepted", func(t *testing.T) {
		payload := bytes.Repeat([]byte("a"), 64)
		r := bufio.NewReader(bytes.NewReader(clientFrame(t, true, OpText, payload)))

		frame, err := ReadFrame(r, 64, true)
		require.NoError(t, err)
		assert.Len(t, frame.Payload, 64)
	})

	t.Run("one byte over rejected", func(t *testing.T) {
		payload := bytes.Repeat([]byte("a"), 65)
		r := bufio.NewReader(bytes.NewReader(clientFrame(t, true, OpText, payload)))

		_, err := ReadFrame(r, 64, true)
		require.ErrorIs(t, err, domain.ErrFrameTooLarge)
	})
}

func TestReadFrameProtocolErrors(t *testing.T) {
	t.Run("unmasked client frame", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, WriteFrame(bufio.NewWriter(&buf), true, OpText, []byte("hi")))
		// Server-encoded frames are unmasked; a client may not send these.
		_, err := ReadFrame(bufio.NewReader(&buf), 1<<20, true)
		require.ErrorIs(t, err, domain.ErrProtocolError)
	})

	t.Run("reserved bits", func(t *testing.T) {
		data := clientFrame(t, true, OpText, []byte("hi"))
		data[0] |= 0x40
		_, err := ReadFrame(bufio.NewReader(bytes.NewReader(data)), 1<<20, true)
		require.ErrorIs(t, err, domain.ErrProtocolError)
	})

	t.Run("unknown opcode", func(t *testing.T) {
		data := clientFrame(t, true, 0x3, []byte("hi"))
		_, err := ReadFrame(bufio.NewReader(bytes.NewReader(data)), 1<<20, true)
		require.ErrorIs(t, err, domain.ErrProtocolError)
	})

	t.Run("fragmented control frame", func(t *testing.T) {
		data := clientFrame(t, false, OpPing, nil)
		_, err := ReadFrame(bufio.NewReader(bytes.NewReader(data)), 1<<20, true)
		require.ErrorIs(t, err, domain.ErrProtocolError)
	})

	t.Run("oversize control payload", func(t *testing.T) {
		data := clientFrame(t, true, OpPing, bytes.Repeat([]byte("p"), 126))
		_, err := ReadFrame(bufio.NewReader(bytes.NewReader(data)), 1<<20, true)
		require.ErrorIs(t, err, domain.ErrProtocolError)
	})
}

func TestWriteFrameReadBack(t *testing.T) {
	payload := []byte(strings.Repeat("deeperhub ", 40))

	var buf bytes.Buffer
	require.NoError(t, WriteFrame(bufio.NewWriter(&buf), true, OpText, payload))

	frame, err := ReadFrame(bufio.NewReader(&buf), 1<<20, false)
	require.NoError(t, err)
	assert.True(t, frame.FIN)
	assert.Equal(t, OpText, frame.Opcode)
	assert.Equal(t, payload, frame.Payload)
}

func TestClosePayloadCodec(t *testing.T) {
	payload := EncodeClosePayload(CloseTooLarge, "frame too large")
	code, reason := DecodeClosePayload(payload)
	assert.Equal(t, CloseTooLarge, code)
	assert.Equal(t, "frame too large", reason)

	t.Run("empty payload means normal close", func(t *testing.T) {
		code, reason := DecodeClosePayload(nil)
		assert.Equal(t, CloseNormal, code)
		assert.Empty(t, reason)
	})

	t.Run("long reason truncated to control limit", func(t *testing.T) {
		payload := EncodeClosePayload(CloseNormal, strings.Repeat("r", 300))
		assert.LessOrEqual(t, len(payload), maxControlPayload)
	})
}
