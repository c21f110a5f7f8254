// Package protocol defines the JSON envelopes exchanged over WebSocket text
// frames. These types are the only wire schemas the hub owns besides JWT
// claims.
package protocol

import (
	"encoding/json"
	"time"
)

// Envelope type identifiers. Requests use the bare name; replies append
// .success, .failure, .response, or use the bare error type.
const (
	TypeAuth        = "auth"
	TypeAuthSuccess = "auth.success"
	TypeAuthFailure = "auth.failure"
	TypeAuthRefresh = "auth.refresh"
	TypeLogout      = "logout"

	TypeEcho         = "echo"
	TypeEchoResponse = "echo.response"

	TypeHeartbeat = "heartbeat"

	TypeChannelMessage = "channel.message"
	TypeChannelClosed  = "channel.closed"

	TypeError = "error"
)

// User operation prefixes. user.create, user.get, user.update, user.delete,
// user.list each reply with "<type>.response".
const (
	TypeUserCreate = "user.create"
	TypeUserGet    = "user.get"
	TypeUserUpdate = "user.update"
	TypeUserDelete = "user.delete"
	TypeUserList   = "user.list"
)

// Channel operation types.
const (
	TypeChannelCreate      = "channel.create"
	TypeChannelSubscribe   = "channel.subscribe"
	TypeChannelUnsubscribe = "channel.unsubscribe"
	TypeChannelPublish     = "channel.publish"
	TypeChannelList        = "channel.list"
	TypeChannelRemove      = "channel.remove"
)

// Envelope is the outermost JSON object on the wire.
// Inbound requests and outbound responses share this shape; broadcasts use
// Broadcast instead.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Ref     string          `json:"ref,omitempty"`
}

// Broadcast is the channel fan-out envelope delivered to subscribers.
type Broadcast struct {
	Type      string          `json:"type"` // Always TypeChannelMessage
	Topic     string          `json:"topic"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp string          `json:"timestamp"` // ISO-8601 UTC
}

// NewEnvelope creates an Envelope with the given type, marshaled payload,
// and optional ref (echoed from the request).
func NewEnvelope(envType string, payload any, ref string) (Envelope, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, err
		}
		raw = b
	}
	return Envelope{Type: envType, Payload: raw, Ref: ref}, nil
}

// EncodeBroadcast serializes a broadcast to its wire form.
func EncodeBroadcast(b Broadcast) ([]byte, error) {
	return json.Marshal(b)
}

// NewBroadcast creates a channel broadcast envelope stamped with ts.
func NewBroadcast(topic string, payload json.RawMessage, ts time.Time) Broadcast {
	return Broadcast{
		Type:      TypeChannelMessage,
		Topic:     topic,
		Payload:   payload,
		Timestamp: ts.UTC().Format(time.RFC3339),
	}
}

// ParsePayload unmarshals the envelope payload into the given struct.
// Extra fields in the payload are accepted and ignored; the hub never
// dispatches on them.
func (e *Envelope) ParsePayload(v any) error {
	if e.Payload == nil {
		return nil
	}
	return json.Unmarshal(e.Payload, v)
}

// Encode serializes the envelope to its wire form.
func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Decode parses a wire message into an Envelope. The type field is required.
func Decode(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, err
	}
	return e, nil
}

// AuthRequest is the payload of an "auth" envelope. Either username+password
// or token must be set.
type AuthRequest struct {
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	Token    string `json:"token,omitempty"`
	Remember bool   `json:"remember,omitempty"`
}

// AuthSuccess is the payload of an "auth.success" envelope.
type AuthSuccess struct {
	UserID       string `json:"user_id"`
	SessionID    string `json:"session_id"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresInS   int64  `json:"expires_in_s"`
}

// RefreshRequest is the payload of an "auth.refresh" envelope.
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// RefreshResponse is the payload of an "auth.refresh.response" envelope.
// The presented refresh token is revoked; both tokens are new.
type RefreshResponse struct {
	UserID       string `json:"user_id"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresInS   int64  `json:"expires_in_s"`
}

// LogoutRequest is the payload of a "logout" envelope. Tokens are optional;
// any presented token is revoked along with the session.
type LogoutRequest struct {
	AccessToken  string `json:"access_token,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

// ErrorPayload is the payload of failure and error envelopes.
// RetryAfterMs is present only for lockout and backpressure conditions.
type ErrorPayload struct {
	Code         string `json:"code"`
	Message      string `json:"message"`
	RetryAfterMs int64  `json:"retry_after_ms,omitempty"`
}

// PublishRequest is the payload of a "channel.publish" envelope.
// Content carries the broadcast body; Priority defaults to normal.
type PublishRequest struct {
	Topic    string          `json:"topic"`
	Content  json.RawMessage `json:"content"`
	Priority string          `json:"priority,omitempty"`
}

// PublishResponse is the payload of a "channel.publish.response" envelope.
type PublishResponse struct {
	MessageID string `json:"message_id"`
}

// SubscribeRequest is the payload of channel.subscribe / channel.unsubscribe.
// Selector optionally restricts delivery to broadcasts whose payload
// fields equal the given values.
type SubscribeRequest struct {
	Topic    string            `json:"topic"`
	Selector map[string]string `json:"selector,omitempty"`
}

// ChannelInfo describes one topic in a "channel.list.response".
type ChannelInfo struct {
	Name            string `json:"name"`
	OwnerID         string `json:"owner_id,omitempty"`
	SubscriberCount int    `json:"subscriber_count"`
	MessageCount    uint64 `json:"message_count"`
	LastActivity    string `json:"last_activity,omitempty"`
}
