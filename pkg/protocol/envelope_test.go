package protocol

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	env, err := NewEnvelope(TypeEcho, map[string]string{"message": "hi"}, "r-1")
	require.NoError(t, err)

	data, err := env.Encode()
	require.NoError(t, err)

	back, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, TypeEcho, back.Type)
	assert.Equal(t, "r-1", back.Ref)
	assert.JSONEq(t, `{"message":"hi"}`, string(back.Payload))
}

func TestEnvelopeOmitsEmptyFields(t *testing.T) {
	env, err := NewEnvelope(TypeHeartbeat, nil, "")
	require.NoError(t, err)

	data, err := env.Encode()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"heartbeat"}`, string(data))
}

func TestDecodeMalformed(t *testing.T) {
	_, err := Decode([]byte(`{"type":`))
	require.Error(t, err)
}

func TestParsePayloadIgnoresExtraFields(t *testing.T) {
	env, err := NewEnvelope(TypeAuth, map[string]any{
		"username": "alice",
		"password": "pw",
		"color":    "purple",
		"attempt":  3,
	}, "")
	require.NoError(t, err)

	var req AuthRequest
	require.NoError(t, env.ParsePayload(&req))
	assert.Equal(t, "alice", req.Username)
	assert.Equal(t, "pw", req.Password)
	assert.Empty(t, req.Token)
}

func TestParsePayloadNilPayload(t *testing.T) {
	env := Envelope{Type: TypeHeartbeat}

	var req AuthRequest
	require.NoError(t, env.ParsePayload(&req))
	assert.Empty(t, req.Username)
}

func TestBroadcastShape(t *testing.T) {
	ts := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	b := NewBroadcast("room", json.RawMessage(`{"content":"x"}`), ts)

	data, err := EncodeBroadcast(b)
	require.NoError(t, err)
	assert.JSONEq(t,
		`{"type":"channel.message","topic":"room","payload":{"content":"x"},"timestamp":"2026-08-24T12:00:00Z"}`,
		string(data))
}
