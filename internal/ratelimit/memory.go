package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/gameoverstudios/deeperhub/internal/domain"
)

// Memory is the in-process Limiter. Per key it keeps a bounded ring of
// event timestamps within the window and an optional unlock time.
type Memory struct {
	clock         domain.Clock
	defaultPolicy Policy
	policies      Policies

	mu   sync.Mutex
	keys map[string]*entry
}

type entry struct {
	events   []time.Time
	unlockAt time.Time
}

// NewMemory creates a memory limiter with per-scope policies and a default
// for unknown scopes.
func NewMemory(clock domain.Clock, defaultPolicy Policy, policies Policies) *Memory {
	return &Memory{
		clock:         clock,
		defaultPolicy: defaultPolicy,
		policies:      policies,
		keys:          make(map[string]*entry),
	}
}

func (m *Memory) policy(scope string) Policy {
	if p, ok := m.policies[scope]; ok {
		return p
	}
	return m.defaultPolicy
}

// Record implements Limiter.
func (m *Memory) Record(_ context.Context, scope, id string, success bool) (Result, error) {
	p := m.policy(scope)
	now := m.clock.Now()
	key := scope + ":" + id

	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.keys[key]
	if !ok {
		e = &entry{}
		m.keys[key] = e
	}

	if now.Before(e.unlockAt) {
		// A locked key refuses successes and failures alike.
		return Result{Allowed: false, RetryAfter: e.unlockAt.Sub(now)}, nil
	}

	if success {
		e.events = e.events[:0]
		e.unlockAt = time.Time{}
		return Result{Allowed: true, Remaining: p.Max}, nil
	}

	e.events = append(e.events, now)
	e.prune(now, p.Window)

	if len(e.events) >= p.Max {
		e.unlockAt = now.Add(p.Lockout)
		return Result{Allowed: false, RetryAfter: p.Lockout}, nil
	}

	return Result{Allowed: true, Remaining: p.Max - len(e.events)}, nil
}

// Check implements Limiter. It never mutates stored state.
func (m *Memory) Check(_ context.Context, scope, id string) (Result, error) {
	p := m.policy(scope)
	now := m.clock.Now()
	key := scope + ":" + id

	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.keys[key]
	if !ok {
		return Result{Allowed: true, Remaining: p.Max}, nil
	}

	if now.Before(e.unlockAt) {
		return Result{Allowed: false, RetryAfter: e.unlockAt.Sub(now)}, nil
	}

	count := e.countInWindow(now, p.Window)
	if count >= p.Max {
		// Window still saturated but lockout elapsed; treat as locked for
		// the residual window so callers see a consistent deny.
		return Result{Allowed: false, RetryAfter: p.Window}, nil
	}

	return Result{Allowed: true, Remaining: p.Max - count}, nil
}

// Sweep removes keys with no events inside any policy window and no active
// lockout. Returns the number removed.
func (m *Memory) Sweep() int {
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for key, e := range m.keys {
		if now.Before(e.unlockAt) {
			continue
		}
		// The longest configured window bounds liveness for every scope.
		window := m.defaultPolicy.Window
		for _, p := range m.policies {
			if p.Window > window {
				window = p.Window
			}
		}
		if e.countInWindow(now, window) == 0 {
			delete(m.keys, key)
			removed++
		}
	}
	return removed
}

// RunSweeper sweeps on the given interval until ctx is cancelled.
// The caller owns the goroutine.
func (m *Memory) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// prune drops events at or before now-window. An event exactly at the
// window boundary no longer counts.
func (e *entry) prune(now time.Time, window time.Duration) {
	cutoff := now.Add(-window)
	i := 0
	for ; i < len(e.events); i++ {
		if e.events[i].After(cutoff) {
			break
		}
	}
	if i > 0 {
		e.events = append(e.events[:0], e.events[i:]...)
	}
}

func (e *entry) countInWindow(now time.Time, window time.Duration) int {
	cutoff := now.Add(-window)
	count := 0
	for _, ts := range e.events {
		if ts.After(cutoff) {
			count++
		}
	}
	return count
}

// Ensure implementations satisfy the interface at compile time.
var _ Limiter = (*Memory)(nil)
