package security

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/gameoverstudios/deeperhub/internal/domain"
	"github.com/gameoverstudios/deeperhub/internal/ratelimit"
)

// profile tracks one ip:user traffic baseline. Finished windows fold into
// the baseline; the current window is compared against it.
type profile struct {
	windowStart  time.Time
	current      int
	baseline     float64
	blockedUntil time.Time
}

// AnomalyDetector flags traffic bursts per ip:user key. A window whose
// message count reaches AnomalyBurstFactor times the established baseline
// counts as a failure against the anomaly_profile rate-limit scope; the
// limiter's lockout then refuses the key.
type AnomalyDetector struct {
	limiter     ratelimit.Limiter
	clock       domain.Clock
	window      time.Duration
	minBaseline int
	logger      *slog.Logger

	mu       sync.Mutex
	profiles map[string]*profile

	bursts metric.Int64Counter
}

// AnomalyConfig holds AnomalyDetector dependencies. Zero Window and
// MinBaseline take the compiled defaults.
type AnomalyConfig struct {
	Limiter     ratelimit.Limiter
	Clock       domain.Clock
	Window      time.Duration
	MinBaseline int
	Logger      *slog.Logger
}

// NewAnomalyDetector wires the burst profiler.
func NewAnomalyDetector(cfg AnomalyConfig) *AnomalyDetector {
	if cfg.Window <= 0 {
		cfg.Window = domain.AnomalyWindow
	}
	if cfg.MinBaseline <= 0 {
		cfg.MinBaseline = domain.AnomalyMinBaseline
	}
	bursts, _ := meter.Int64Counter("anomaly_bursts_total",
		metric.WithDescription("Traffic bursts detected against established baselines"))
	return &AnomalyDetector{
		limiter:     cfg.Limiter,
		clock:       cfg.Clock,
		window:      cfg.Window,
		minBaseline: cfg.MinBaseline,
		logger:      cfg.Logger,
		profiles:    make(map[string]*profile),
		bursts:      bursts,
	}
}

// Observe counts one message for the ip:user key and reports whether the
// key is currently refused. A long gap resets the profile; otherwise each
// finished window is averaged into the baseline before the current one is
// judged against it.
func (d *AnomalyDetector) Observe(ctx context.Context, ip string, userID domain.UserID) error {
	key := ip + ":" + userID.String()
	now := d.clock.Now()

	d.mu.Lock()
	p, ok := d.profiles[key]
	if !ok {
		p = &profile{windowStart: now}
		d.profiles[key] = p
	}
	if !p.blockedUntil.IsZero() {
		if now.Before(p.blockedUntil) {
			retry := p.blockedUntil.Sub(now)
			d.mu.Unlock()
			return domain.NewRateLimited(retry)
		}
		p.blockedUntil = time.Time{}
	}
	d.roll(p, now)
	p.current++
	burst := p.baseline >= float64(d.minBaseline) &&
		float64(p.current) >= domain.AnomalyBurstFactor*p.baseline
	d.mu.Unlock()

	if !burst {
		return nil
	}

	d.bursts.Add(ctx, 1)
	res, err := d.limiter.Record(ctx, domain.ScopeAnomaly, key, false)
	if err != nil {
		d.logger.ErrorContext(ctx, "anomaly record failed", slog.String("error", err.Error()))
		return nil
	}
	if res.Allowed {
		return nil
	}

	d.mu.Lock()
	p.blockedUntil = now.Add(res.RetryAfter)
	d.mu.Unlock()

	d.logger.WarnContext(ctx, "traffic burst locked",
		slog.String("key", key),
		slog.Duration("retry_after", res.RetryAfter),
	)
	return domain.NewRateLimited(res.RetryAfter)
}

// roll folds finished windows into the baseline. Idle keys that skipped
// many windows start over rather than averaging against dead air.
func (d *AnomalyDetector) roll(p *profile, now time.Time) {
	elapsed := now.Sub(p.windowStart)
	if elapsed < d.window {
		return
	}
	if elapsed >= 8*d.window {
		p.windowStart = now
		p.current = 0
		p.baseline = 0
		return
	}
	if p.baseline == 0 {
		p.baseline = float64(p.current)
	} else {
		p.baseline = (p.baseline + float64(p.current)) / 2
	}
	p.windowStart = now
	p.current = 0
}

// Sweep drops profiles idle past the reset horizon and returns how many
// were removed.
func (d *AnomalyDetector) Sweep() int {
	now := d.clock.Now()

	d.mu.Lock()
	defer d.mu.Unlock()

	removed := 0
	for key, p := range d.profiles {
		if now.Before(p.blockedUntil) {
			continue
		}
		if now.Sub(p.windowStart) >= 8*d.window {
			delete(d.profiles, key)
			removed++
		}
	}
	return removed
}

// RunSweeper sweeps on the interval until ctx is canceled.
func (d *AnomalyDetector) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Sweep()
		}
	}
}
