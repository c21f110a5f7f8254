package security

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/gameoverstudios/deeperhub/internal/domain"
	"github.com/gameoverstudios/deeperhub/pkg/protocol"
)

// MessageGate filters every inbound envelope after JSON decoding and before
// dispatch. Per string field the order is XSS sanitization, SQL-injection
// scan, then path-traversal check. XSS rewrites in place; the other two
// deny. SQLi can be configured log-only, in which case the message passes
// with the hit recorded.
type MessageGate struct {
	rejectSQLi bool
	logger     *slog.Logger

	sanitized  metric.Int64Counter
	sqliHits   metric.Int64Counter
	traversals metric.Int64Counter
}

// NewMessageGate wires the gate with its SQLi policy.
func NewMessageGate(rejectSQLi bool, logger *slog.Logger) *MessageGate {
	sanitized, _ := meter.Int64Counter("security_xss_sanitized_total",
		metric.WithDescription("String fields altered by XSS sanitization"))
	sqliHits, _ := meter.Int64Counter("security_sqli_hits_total",
		metric.WithDescription("String fields matching a SQL-injection pattern"))
	traversals, _ := meter.Int64Counter("security_traversal_denials_total",
		metric.WithDescription("Messages denied by the path-traversal check"))
	return &MessageGate{
		rejectSQLi: rejectSQLi,
		logger:     logger,
		sanitized:  sanitized,
		sqliHits:   sqliHits,
		traversals: traversals,
	}
}

// Filter returns the envelope with its payload sanitized, or an error when
// a deny rule fires. A denied message is dropped whole; the returned
// envelope is only valid when err is nil.
func (g *MessageGate) Filter(ctx context.Context, env protocol.Envelope) (protocol.Envelope, error) {
	if len(env.Payload) == 0 {
		return env, nil
	}

	var payload any
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return env, fmt.Errorf("message gate: %w", domain.ErrInvalidJSON)
	}

	clean, err := g.walk(ctx, env.Type, payload)
	if err != nil {
		return env, err
	}

	raw, err := json.Marshal(clean)
	if err != nil {
		return env, fmt.Errorf("message gate: re-encode payload: %w", err)
	}
	env.Payload = raw
	return env, nil
}

// walk visits every string in the decoded payload, descending into objects
// and arrays. Non-string scalars pass through untouched.
func (g *MessageGate) walk(ctx context.Context, msgType string, v any) (any, error) {
	switch val := v.(type) {
	case string:
		return g.filterString(ctx, msgType, val)
	case map[string]any:
		for k, elem := range val {
			clean, err := g.walk(ctx, msgType, elem)
			if err != nil {
				return nil, err
			}
			val[k] = clean
		}
		return val, nil
	case []any:
		for i, elem := range val {
			clean, err := g.walk(ctx, msgType, elem)
			if err != nil {
				return nil, err
			}
			val[i] = clean
		}
		return val, nil
	default:
		return v, nil
	}
}

func (g *MessageGate) filterString(ctx context.Context, msgType, s string) (string, error) {
	clean := SanitizeXSS(s)
	if clean != s {
		g.sanitized.Add(ctx, 1, metric.WithAttributes(attribute.String("type", msgType)))
	}

	if rule := ScanSQLi(clean); rule != "" {
		g.sqliHits.Add(ctx, 1, metric.WithAttributes(attribute.String("rule", rule)))
		if g.rejectSQLi {
			return "", fmt.Errorf("message gate: rule %s: %w", rule, domain.ErrSQLiSuspicious)
		}
		g.logger.WarnContext(ctx, "suspicious SQL pattern in message",
			slog.String("rule", rule),
			slog.String("type", msgType),
		)
	}

	if err := CheckPath(clean); err != nil {
		g.traversals.Add(ctx, 1, metric.WithAttributes(attribute.String("type", msgType)))
		return "", fmt.Errorf("message gate: %w", err)
	}

	return clean, nil
}
