package session

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/gameoverstudios/deeperhub/internal/domain"
)

var (
	sessionsCreatedTotal     metric.Int64Counter
	sessionsInvalidatedTotal metric.Int64Counter
	sessionsEvictedTotal     metric.Int64Counter
)

func init() {
	m := otel.Meter("session")

	sessionsCreatedTotal, _ = m.Int64Counter("sessions_created_total",
		metric.WithDescription("Total sessions created"))
	sessionsInvalidatedTotal, _ = m.Int64Counter("sessions_invalidated_total",
		metric.WithDescription("Total sessions invalidated"))
	sessionsEvictedTotal, _ = m.Int64Counter("sessions_evicted_total",
		metric.WithDescription("Total sessions evicted by the per-user cap"))
}

// EndListener observes session termination: logout, eviction, timeout, or
// expiry. The connection registry uses it to close bound connections.
type EndListener func(rec Record, reason domain.SessionEndReason)

// RegistryConfig holds registry policy and dependencies.
type RegistryConfig struct {
	Store             Store
	Clock             domain.Clock
	MaxPerUser        int
	InactivityTimeout time.Duration
	SweepInterval     time.Duration
	Logger            *slog.Logger
	OnEnd             EndListener // optional
}

// Registry enforces session policy over a Store: at most MaxPerUser active
// sessions per user, inactivity invalidation, and expiry.
type Registry struct {
	store      Store
	clock      domain.Clock
	maxPerUser int
	inactivity time.Duration
	sweepEvery time.Duration
	logger     *slog.Logger
	onEnd      EndListener
}

// NewRegistry creates a session registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	onEnd := cfg.OnEnd
	if onEnd == nil {
		onEnd = func(Record, domain.SessionEndReason) {}
	}
	return &Registry{
		store:      cfg.Store,
		clock:      cfg.Clock,
		maxPerUser: cfg.MaxPerUser,
		inactivity: cfg.InactivityTimeout,
		sweepEvery: cfg.SweepInterval,
		logger:     cfg.Logger,
		onEnd:      onEnd,
	}
}

// CreateParams holds the inputs for a new session.
type CreateParams struct {
	UserID     string
	DeviceInfo map[string]string
	IP         string
	UserAgent  string
	Persistent bool
	// TTL sets the initial expires_at. Persistent sessions keep this
	// absolute expiry; non-persistent ones have it extended on Touch.
	TTL time.Duration
}

// Create registers a new session, evicting the least-recently-active one
// when the user is at the cap.
func (r *Registry) Create(ctx context.Context, p CreateParams) (*Record, error) {
	now := r.clock.Now().UTC()

	active, err := r.ListActive(ctx, p.UserID)
	if err != nil {
		return nil, err
	}
	if len(active) >= r.maxPerUser {
		sort.Slice(active, func(i, j int) bool {
			return active[i].LastActivityAt.Before(active[j].LastActivityAt)
		})
		evict := active[0]
		if err := r.store.Delete(ctx, evict.SessionID); err != nil {
			return nil, fmt.Errorf("evict session %s: %w", evict.SessionID, err)
		}
		sessionsEvictedTotal.Add(ctx, 1)
		r.logger.InfoContext(ctx, "session evicted by cap",
			slog.String("session_id", evict.SessionID),
			slog.String("user_id", evict.UserID),
		)
		r.onEnd(evict, domain.SessionEndEvicted)
	}

	rec := Record{
		SessionID:      domain.GenerateSessionID().String(),
		UserID:         p.UserID,
		DeviceInfo:     p.DeviceInfo,
		IP:             p.IP,
		UserAgent:      p.UserAgent,
		Persistent:     p.Persistent,
		CreatedAt:      now,
		LastActivityAt: now,
		ExpiresAt:      now.Add(p.TTL),
	}
	if err := r.store.Create(ctx, rec); err != nil {
		return nil, err
	}

	sessionsCreatedTotal.Add(ctx, 1)
	return &rec, nil
}

// Touch updates last_activity_at and, for non-persistent sessions only,
// extends expires_at by the inactivity timeout. Persistent sessions keep
// their absolute expiry.
func (r *Registry) Touch(ctx context.Context, sessionID string) error {
	rec, err := r.store.Get(ctx, sessionID)
	if err != nil {
		return err
	}

	now := r.clock.Now().UTC()
	expiresAt := rec.ExpiresAt
	if !rec.Persistent {
		expiresAt = now.Add(r.inactivity)
	}
	return r.store.Touch(ctx, sessionID, now, expiresAt)
}

// Invalidate terminates a session with the given reason.
func (r *Registry) Invalidate(ctx context.Context, sessionID string, reason domain.SessionEndReason) error {
	rec, err := r.store.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if err := r.store.Delete(ctx, sessionID); err != nil {
		return err
	}

	sessionsInvalidatedTotal.Add(ctx, 1)
	r.logger.InfoContext(ctx, "session_invalidated",
		slog.String("session_id", sessionID),
		slog.String("user_id", rec.UserID),
		slog.String("reason", string(reason)),
	)
	r.onEnd(*rec, reason)
	return nil
}

// ListActive returns the user's live sessions; never more than the cap.
func (r *Registry) ListActive(ctx context.Context, userID string) ([]Record, error) {
	all, err := r.store.ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	now := r.clock.Now()
	active := all[:0]
	for _, rec := range all {
		if r.isLive(rec, now) {
			active = append(active, rec)
		}
	}
	return active, nil
}

// Validate reports whether a session is usable.
// Returns nil, domain.ErrSessionExpired, or domain.ErrSessionNotFound.
func (r *Registry) Validate(ctx context.Context, sessionID string) error {
	rec, err := r.store.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if !r.isLive(*rec, r.clock.Now()) {
		return domain.ErrSessionExpired
	}
	return nil
}

func (r *Registry) isLive(rec Record, now time.Time) bool {
	if !now.Before(rec.ExpiresAt) {
		return false
	}
	if now.Sub(rec.LastActivityAt) > r.inactivity {
		return false
	}
	return true
}

// Sweep invalidates sessions past their expiry or inactivity bound.
// Returns the number invalidated. Errors are logged and retried next tick.
func (r *Registry) Sweep(ctx context.Context) int {
	all, err := r.store.All(ctx)
	if err != nil {
		r.logger.ErrorContext(ctx, "session sweep failed", slog.String("error", err.Error()))
		return 0
	}

	now := r.clock.Now()
	removed := 0
	for _, rec := range all {
		var reason domain.SessionEndReason
		switch {
		case !now.Before(rec.ExpiresAt):
			reason = domain.SessionEndExpired
		case now.Sub(rec.LastActivityAt) > r.inactivity:
			reason = domain.SessionEndTimeout
		default:
			continue
		}
		if err := r.Invalidate(ctx, rec.SessionID, reason); err != nil {
			r.logger.ErrorContext(ctx, "session sweep invalidate failed",
				slog.String("session_id", rec.SessionID),
				slog.String("error", err.Error()),
			)
			continue
		}
		removed++
	}
	return removed
}

// RunSweeper sweeps on the configured interval until ctx is cancelled.
// The caller owns the goroutine.
func (r *Registry) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(r.sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}
