// Package ws implements the hub's WebSocket transport: the RFC 6455
// handshake, the frame codec, the per-connection worker, and the connection
// registry. The codec is written against the wire format directly; the hub
// owns its framing so that limits and close semantics stay explicit.
package ws

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/gameoverstudios/deeperhub/internal/domain"
)

// Frame opcodes (RFC 6455 §5.2).
const (
	OpContinuation byte = 0x0
	OpText         byte = 0x1
	OpBinary       byte = 0x2
	OpClose        byte = 0x8
	OpPing         byte = 0x9
	OpPong         byte = 0xA
)

// Close status codes (RFC 6455 §7.4.1).
const (
	CloseNormal          uint16 = 1000
	CloseGoingAway       uint16 = 1001
	CloseProtocolError   uint16 = 1002
	CloseUnsupported     uint16 = 1003
	ClosePolicyViolation uint16 = 1008
	CloseTooLarge        uint16 = 1009
	CloseInternal        uint16 = 1011
)

// maxControlPayload bounds control-frame payloads per RFC 6455 §5.5.
const maxControlPayload = 125

// Frame is one decoded WebSocket frame.
type Frame struct {
	FIN     bool
	Opcode  byte
	Payload []byte
}

// IsControl reports whether the frame carries a control opcode.
func (f Frame) IsControl() bool { return f.Opcode&0x8 != 0 }

// MaskBytes XORs payload in place with the 4-byte key, starting at key
// offset pos, and returns the next offset. Applying it twice with the same
// key restores the original bytes.
func MaskBytes(key [4]byte, pos int, payload []byte) int {
	for i := range payload {
		payload[i] ^= key[(pos+i)&3]
	}
	return (pos + len(payload)) & 3
}

// ReadFrame decodes a single frame. requireMask enforces the
// client-to-server masking rule; maxPayload bounds the declared payload
// length before any allocation. Oversize data frames return
// domain.ErrFrameTooLarge; malformed headers return domain.ErrProtocolError.
func ReadFrame(r *bufio.Reader, maxPayload int64, requireMask bool) (Frame, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Frame{}, err
	}

	fin := hdr[0]&0x80 != 0
	if hdr[0]&0x70 != 0 {
		// RSV bits without a negotiated extension.
		return Frame{}, fmt.Errorf("reserved bits set: %w", domain.ErrProtocolError)
	}
	opcode := hdr[0] & 0x0F
	switch opcode {
	case OpContinuation, OpText, OpBinary, OpClose, OpPing, OpPong:
	default:
		return Frame{}, fmt.Errorf("opcode 0x%X: %w", opcode, domain.ErrProtocolError)
	}

	masked := hdr[1]&0x80 != 0
	if requireMask && !masked {
		return Frame{}, fmt.Errorf("unmasked client frame: %w", domain.ErrProtocolError)
	}

	length := int64(hdr[1] & 0x7F)
	switch length {
	case 126:
		var ext [2]byte
		if _, err := io.ReadFull(r, ext[:]); err != nil {
			return Frame{}, err
		}
		length = int64(binary.BigEndian.Uint16(ext[:]))
	case 127:
		var ext [8]byte
		if _, err := io.ReadFull(r, ext[:]); err != nil {
			return Frame{}, err
		}
		v := binary.BigEndian.Uint64(ext[:])
		if v > uint64(1<<62) {
			return Frame{}, fmt.Errorf("length overflow: %w", domain.ErrProtocolError)
		}
		length = int64(v)
	}

	if opcode&0x8 != 0 {
		if !fin {
			return Frame{}, fmt.Errorf("fragmented control frame: %w", domain.ErrProtocolError)
		}
		if length > maxControlPayload {
			return Frame{}, fmt.Errorf("control payload %d bytes: %w", length, domain.ErrProtocolError)
		}
	} else if length > maxPayload {
		return Frame{}, fmt.Errorf("payload %d bytes over limit %d: %w", length, maxPayload, domain.ErrFrameTooLarge)
	}

	var key [4]byte
	if masked {
		if _, err := io.ReadFull(r, key[:]); err != nil {
			return Frame{}, err
		}
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Frame{}, err
	}
	if masked {
		MaskBytes(key, 0, payload)
	}

	return Frame{FIN: fin, Opcode: opcode, Payload: payload}, nil
}

// WriteFrame encodes one unmasked server-to-client frame.
func WriteFrame(w *bufio.Writer, fin bool, opcode byte, payload []byte) error {
	var hdr [10]byte
	hdr[0] = opcode
	if fin {
		hdr[0] |= 0x80
	}

	n := 2
	switch {
	case len(payload) <= 125:
		hdr[1] = byte(len(payload))
	case len(payload) <= 0xFFFF:
		hdr[1] = 126
		binary.BigEndian.PutUint16(hdr[2:4], uint16(len(payload)))
		n = 4
	default:
		hdr[1] = 127
		binary.BigEndian.PutUint64(hdr[2:10], uint64(len(payload)))
		n = 10
	}

	if _, err := w.Write(hdr[:n]); err != nil {
		return err
	}
	if _, err := w.Write(payload); err != nil {
		return err
	}
	return w.Flush()
}

// EncodeClosePayload builds a close-frame payload from a status code and an
// optional UTF-8 reason, truncated to the control-frame limit.
func EncodeClosePayload(code uint16, reason string) []byte {
	if len(reason) > maxControlPayload-2 {
		reason = reason[:maxControlPayload-2]
	}
	payload := make([]byte, 2+len(reason))
	binary.BigEndian.PutUint16(payload[:2], code)
	copy(payload[2:], reason)
	return payload
}

// DecodeClosePayload extracts the status code and reason from a peer close
// frame. An empty payload means no code was sent (treated as 1000).
func DecodeClosePayload(payload []byte) (uint16, string) {
	if len(payload) < 2 {
		return CloseNormal, ""
	}
	return binary.BigEndian.Uint16(payload[:2]), string(payload[2:])
}
