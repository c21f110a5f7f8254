package auth

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/gameoverstudios/deeperhub/internal/domain"
	redisclient "github.com/gameoverstudios/deeperhub/internal/redis"
)

var tracer = otel.Tracer("auth")

// revokedJTIPrefix is the Redis key prefix for revoked JTI entries.
// Key pattern: revoked_jti:{jti}.
const revokedJTIPrefix = "revoked_jti:"

// RedisRevocations implements JTI revocation backed by Redis.
// Reads follow the fail-closed policy: Redis errors are reported and the
// Validator treats the token as revoked. Keys expire with the token's exp,
// so the set needs no sweeper and survives hub restarts.
type RedisRevocations struct {
	cmd   redisclient.Cmdable
	clock domain.Clock
}

// NewRedisRevocations creates a RedisRevocations that uses cmd for Redis
// operations.
func NewRedisRevocations(cmd redisclient.Cmdable, clock domain.Clock) *RedisRevocations {
	return &RedisRevocations{cmd: cmd, clock: clock}
}

// RevokeIfNew implements RevocationStore. SETNX gives first-writer-wins for
// concurrent refreshes of the same token.
func (s *RedisRevocations) RevokeIfNew(ctx context.Context, jti string, exp time.Time) (bool, error) {
	ctx, span := tracer.Start(ctx, "redis.revocation.revoke")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "redis"),
		attribute.String("db.operation", "SETNX"),
	)

	ttl := exp.Sub(s.clock.Now())
	if ttl <= 0 {
		// Already expired; the exp check rejects it without our help.
		return false, nil
	}

	ok, err := s.cmd.SetNX(ctx, revokedJTIPrefix+jti, "1", ttl).Result()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return false, fmt.Errorf("revoke JTI %q: %w", jti, err)
	}

	return ok, nil
}

// IsRevoked implements RevocationStore.
func (s *RedisRevocations) IsRevoked(ctx context.Context, jti string) (bool, error) {
	ctx, span := tracer.Start(ctx, "redis.revocation.is_revoked")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "redis"),
		attribute.String("db.operation", "EXISTS"),
	)

	result, err := s.cmd.Exists(ctx, revokedJTIPrefix+jti).Result()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		// Fail closed: treat as revoked when the store is unavailable.
		return true, fmt.Errorf("check revocation %q: %w", jti, err)
	}

	return result > 0, nil
}

// Ensure implementations satisfy the interface at compile time.
var _ RevocationStore = (*RedisRevocations)(nil)
