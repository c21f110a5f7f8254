package ratelimit

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

var tracer = otel.Tracer("ratelimit")

// recordScript implements the sliding window atomically: a ZSET of event
// timestamps per key plus a separate lockout key. Run as a Lua script so
// the count/lock decision cannot interleave with another writer.
//
// KEYS[1] = event zset, KEYS[2] = lock key
// ARGV[1] = now ms, ARGV[2] = window ms, ARGV[3] = max,
// ARGV[4] = lockout ms, ARGV[5] = success (0/1)
// Returns {state, value}: state 0 = allowed (value = count),
// state 1 = locked (value = remaining lockout ms).
const recordScript = `
local lock_ttl = redis.call('PTTL', KEYS[2])
if lock_ttl > 0 then
  return {1, lock_ttl}
end
if ARGV[5] == '1' then
  redis.call('DEL', KEYS[1])
  return {0, 0}
end
redis.call('ZADD', KEYS[1], ARGV[1], ARGV[1] .. '-' .. redis.call('INCR', KEYS[1] .. ':seq'))
redis.call('PEXPIRE', KEYS[1], ARGV[2])
redis.call('PEXPIRE', KEYS[1] .. ':seq', ARGV[2])
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[1] - ARGV[2])
local count = redis.call('ZCARD', KEYS[1])
if count >= tonumber(ARGV[3]) then
  redis.call('SET', KEYS[2], '1', 'PX', ARGV[4])
  return {1, tonumber(ARGV[4])}
end
return {0, count}
`

// checkScript is the side-effect-free read of the same structures.
const checkScript = `
local lock_ttl = redis.call('PTTL', KEYS[2])
if lock_ttl > 0 then
  return {1, lock_ttl}
end
local count = redis.call('ZCOUNT', KEYS[1], ARGV[1] - ARGV[2] + 1, '+inf')
return {0, count}
`

// Redis is the Limiter backed by Redis, for deployments where lockouts must
// be shared across hub restarts. Errors fail closed: the caller sees a
// locked result, never a silent allow.
type Redis struct {
	cmd           redisclient.Cmdable
	clock         domain.Clock
	defaultPolicy Policy
	policies      Policies
}

// NewRedis creates a Redis-backed limiter.
func NewRedis(cmd redisclient.Cmdable, clock domain.Clock, defaultPolicy Policy, policies Policies) *Redis {
	return &Redis{
		cmd:           cmd,
		clock:         clock,
		defaultPolicy: defaultPolicy,
		policies:      policies,
	}
}

func (r *Redis) policy(scope string) Policy {
	if p, ok := r.policies[scope]; ok {
		return p
	}
	return r.defaultPolicy
}

// Record implements Limiter.
func (r *Redis) Record(ctx context.Context, scope, id string, success bool) (Result, error) {
	ctx, span := tracer.Start(ctx, "redis.ratelimit.record")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "redis"),
		attribute.String("db.operation", "EVAL"),
		attribute.String("ratelimit.scope", scope),
	)

	p := r.policy(scope)
	successArg := "0"
	if success {
		successArg = "1"
	}

	vals, err := r.cmd.Eval(ctx, recordScript,
		[]string{eventKey(scope, id), lockKey(scope, id)},
		r.clock.Now().UnixMilli(), p.Window.Milliseconds(), p.Max,
		p.Lockout.Milliseconds(), successArg,
	).Int64Slice()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Result{Allowed: false, RetryAfter: p.Lockout},
			fmt.Errorf("rate limit record %s/%s: %w", scope, id, err)
	}

	return decodeResult(vals, p), nil
}

// Check implements Limiter.
func (r *Redis) Check(ctx context.Context, scope, id string) (Result, error) {
	ctx, span := tracer.Start(ctx, "redis.ratelimit.check")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "redis"),
		attribute.String("db.operation", "EVAL"),
		attribute.String("ratelimit.scope", scope),
	)

	p := r.policy(scope)

	vals, err := r.cmd.Eval(ctx, checkScript,
		[]string{eventKey(scope, id), lockKey(scope, id)},
		r.clock.Now().UnixMilli(), p.Window.Milliseconds(),
	).Int64Slice()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Result{Allowed: false, RetryAfter: p.Lockout},
			fmt.Errorf("rate limit check %s/%s: %w", scope, id, err)
	}

	return decodeResult(vals, p), nil
}

func decodeResult(vals []int64, p Policy) Result {
	if len(vals) != 2 {
		return Result{Allowed: false, RetryAfter: p.Lockout}
	}
	if vals[0] == 1 {
		return Result{Allowed: false, RetryAfter: time.Duration(vals[1]) * time.Millisecond}
	}
	remaining := p.Max - int(vals[1])
	if remaining < 0 {
		remaining = 0
	}
	return Result{Allowed: true, Remaining: remaining}
}

func eventKey(scope, id string) string { return "ratelimit:" + scope + ":" + id }
func lockKey(scope, id string) string  { return "ratelimit_lock:" + scope + ":" + id }

// Ensure implementations satisfy the interface at compile time.
var _ Limiter = (*Redis)(nil)
