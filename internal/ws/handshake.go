package ws

import (
	"bufio"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/gameoverstudios/deeperhub/internal/domain"
)

// websocketGUID is the fixed key-derivation constant from RFC 6455 §1.3.
const websocketGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// AcceptKey computes the Sec-WebSocket-Accept value for a client key:
// base64(sha1(key + GUID)).
func AcceptKey(clientKey string) string {
	h := sha1.Sum([]byte(clientKey + websocketGUID))
	return base64.StdEncoding.EncodeToString(h[:])
}

// ValidateUpgrade checks the upgrade request headers and returns the client
// key. The caller responds 400 on error.
func ValidateUpgrade(r *http.Request) (string, error) {
	if r.Method != http.MethodGet {
		return "", fmt.Errorf("method %s: %w", r.Method, domain.ErrProtocolError)
	}
	if !strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		return "", fmt.Errorf("missing Upgrade header: %w", domain.ErrProtocolError)
	}
	if !headerContainsToken(r.Header.Get("Connection"), "upgrade") {
		return "", fmt.Errorf("missing Connection: Upgrade: %w", domain.ErrProtocolError)
	}
	if r.Header.Get("Sec-WebSocket-Version") != "13" {
		return "", fmt.Errorf("unsupported websocket version: %w", domain.ErrProtocolError)
	}
	key := r.Header.Get("Sec-WebSocket-Key")
	if key == "" {
		return "", fmt.Errorf("missing Sec-WebSocket-Key: %w", domain.ErrProtocolError)
	}
	if raw, err := base64.StdEncoding.DecodeString(key); err != nil || len(raw) != 16 {
		return "", fmt.Errorf("malformed Sec-WebSocket-Key: %w", domain.ErrProtocolError)
	}
	return key, nil
}

// Upgrade performs the handshake: validates the request, hijacks the
// underlying TCP connection, and writes the 101 response. On validation
// failure it writes 400 and returns the error.
func Upgrade(w http.ResponseWriter, r *http.Request) (net.Conn, *bufio.ReadWriter, error) {
	key, err := ValidateUpgrade(r)
	if err != nil {
		http.Error(w, "bad websocket handshake", http.StatusBadRequest)
		return nil, nil, err
	}

	hj, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "upgrade unsupported", http.StatusInternalServerError)
		return nil, nil, fmt.Errorf("response writer cannot hijack: %w", domain.ErrInternal)
	}
	conn, rw, err := hj.Hijack()
	if err != nil {
		return nil, nil, fmt.Errorf("hijack: %w", err)
	}

	response := "HTTP/1.1 101 Switching Protocols\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Accept: " + AcceptKey(key) + "\r\n\r\n"
	if _, err := rw.WriteString(response); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("write 101: %w", err)
	}
	if err := rw.Flush(); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("flush 101: %w", err)
	}

	return conn, rw, nil
}

// headerContainsToken reports whether a comma-separated header value
// contains the given token, case-insensitively.
func headerContainsToken(header, token string) bool {
	for _, part := range strings.Split(header, ",") {
		if strings.EqualFold(strings.TrimSpace(part), token) {
			return true
		}
	}
	return false
}
