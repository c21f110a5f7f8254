// Package ratelimit implements the sliding-window counter store with
// lockouts used by the security gates and the auth flow.
package ratelimit

import (
	"context"
	"time"
)

// Result reports the outcome of a rate-limit check.
// Allowed=false always carries RetryAfter.
type Result struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Policy is the per-scope sliding-window configuration.
type Policy struct {
	// Window is the sliding interval within which events are counted.
	Window time.Duration
	// Max is the number of failures inside Window that trigger a lockout.
	Max int
	// Lockout is how long a key stays locked once Max is reached.
	Lockout time.Duration
}

// Limiter is the counter store: Record mutates, Check is side-effect-free.
// Keys are (scope, id) pairs; id is an opaque identifier such as "ip" or
// "ip:username".
type Limiter interface {
	// Record registers one event for the key. success=true resets the
	// failure counter unless the key is locked; a locked key refuses
	// successes and failures alike.
	Record(ctx context.Context, scope, id string, success bool) (Result, error)

	// Check reports the key's current state without mutating it.
	Check(ctx context.Context, scope, id string) (Result, error)
}

// Policies maps scope names to their Policy; scopes not present fall back
// to the store's default policy.
type Policies map[string]Policy
