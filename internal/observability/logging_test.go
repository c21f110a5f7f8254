package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gameoverstudios/deeperhub/internal/domain"
)

func logLine(t *testing.T, attrs ...slog.Attr) map[string]any {
	t.Helper()
	var buf bytes.Buffer
	logger := slog.New(NewRedactingHandler(&buf, nil))
	logger.LogAttrs(context.Background(), slog.LevelInfo, "test entry", attrs...)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	return entry
}

func TestRedactsSensitiveKeys(t *testing.T) {
	entry := logLine(t,
		slog.String("password", "hunter2"),
		slog.String("access_token", "eyJ..."),
		slog.String("jwt_signing_key", "k"),
		slog.String("api_key", "k"),
		slog.String("Authorization", "Bearer x"),
		slog.String("username", "alice"),
	)

	assert.Equal(t, "[REDACTED]", entry["password"])
	assert.Equal(t, "[REDACTED]", entry["access_token"])
	assert.Equal(t, "[REDACTED]", entry["jwt_signing_key"])
	assert.Equal(t, "[REDACTED]", entry["api_key"])
	assert.Equal(t, "[REDACTED]", entry["Authorization"])
	assert.Equal(t, "alice", entry["username"])
}

func TestSecretTypesRedactThemselves(t *testing.T) {
	// Even under a non-redacting key the LogValuer keeps the value out.
	entry := logLine(t, slog.Any("config_value", domain.SecretString("sensitive")))
	assert.Equal(t, "[REDACTED]", entry["config_value"])
}

func TestPlainFieldsSurvive(t *testing.T) {
	entry := logLine(t,
		slog.String("user_id", "u-1"),
		slog.Int("count", 3),
	)
	assert.Equal(t, "u-1", entry["user_id"])
	assert.Equal(t, float64(3), entry["count"])
	assert.Equal(t, "test entry", entry["msg"])
}
