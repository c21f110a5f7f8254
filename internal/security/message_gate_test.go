package security

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gameoverstudios/deeperhub/internal/domain"
	"github.com/gameoverstudios/deeperhub/pkg/protocol"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func envelopeWithPayload(t *testing.T, payload any) protocol.Envelope {
	t.Helper()
	env, err := protocol.NewEnvelope("channel.publish", payload, "1")
	require.NoError(t, err)
	return env
}

func TestMessageGateSanitizesNestedStrings(t *testing.T) {
	gate := NewMessageGate(false, discardLogger())

	env := envelopeWithPayload(t, map[string]any{
		"topic":   "room",
		"content": "<script>alert(1)</script>",
		"meta": map[string]any{
			"note": "<img onerror=x>",
			"tags": []any{"a<b", 7, true},
		},
	})

	out, err := gate.Filter(context.Background(), env)
	require.NoError(t, err)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(out.Payload, &payload))

	content := payload["content"].(string)
	assert.Contains(t, content, "&lt;script&gt;")
	assert.NotContains(t, content, "<script")

	meta := payload["meta"].(map[string]any)
	assert.NotContains(t, meta["note"].(string), "onerror=")

	tags := meta["tags"].([]any)
	assert.Equal(t, "a&lt;b", tags[0])
	assert.Equal(t, float64(7), tags[1])
	assert.Equal(t, true, tags[2])
}

func TestMessageGateEmptyPayloadPasses(t *testing.T) {
	gate := NewMessageGate(false, discardLogger())

	env := protocol.Envelope{Type: "heartbeat"}
	out, err := gate.Filter(context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, env, out)
}

func TestMessageGateRejectsTraversal(t *testing.T) {
	gate := NewMessageGate(false, discardLogger())

	env := envelopeWithPayload(t, map[string]any{"file": "../../etc/passwd"})
	_, err := gate.Filter(context.Background(), env)
	require.ErrorIs(t, err, domain.ErrPathTraversal)
}

func TestMessageGateSQLiPolicy(t *testing.T) {
	payload := map[string]any{"content": "1 union select * from users"}

	t.Run("log-only admits", func(t *testing.T) {
		gate := NewMessageGate(false, discardLogger())
		_, err := gate.Filter(context.Background(), envelopeWithPayload(t, payload))
		assert.NoError(t, err)
	})

	t.Run("reject mode denies", func(t *testing.T) {
		gate := NewMessageGate(true, discardLogger())
		_, err := gate.Filter(context.Background(), envelopeWithPayload(t, payload))
		require.ErrorIs(t, err, domain.ErrSQLiSuspicious)
	})
}
