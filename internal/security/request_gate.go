package security

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/gameoverstudios/deeperhub/internal/domain"
	"github.com/gameoverstudios/deeperhub/internal/ratelimit"
)

var meter = otel.Meter("security")

// RequestGate runs the ordered admission checks over a WebSocket upgrade
// request: connection rate limit, CSRF and origin consistency, then the
// origin and user-agent blacklists. The first failing stage denies the
// request; later stages never run.
type RequestGate struct {
	limiter ratelimit.Limiter
	csrf    *CSRFMinter

	allowedOrigins        []string
	blacklistedOrigins    []string
	blacklistedUserAgents []string
	csrfRequired          bool

	logger  *slog.Logger
	denials metric.Int64Counter
}

// NewRequestGate wires the gate. csrf may be nil only when csrfRequired is
// false.
func NewRequestGate(
	limiter ratelimit.Limiter,
	csrf *CSRFMinter,
	allowedOrigins, blacklistedOrigins, blacklistedUserAgents []string,
	csrfRequired bool,
	logger *slog.Logger,
) *RequestGate {
	denials, _ := meter.Int64Counter("security_request_denials_total",
		metric.WithDescription("Upgrade requests denied by the request gate"))
	return &RequestGate{
		limiter:               limiter,
		csrf:                  csrf,
		allowedOrigins:        allowedOrigins,
		blacklistedOrigins:    blacklistedOrigins,
		blacklistedUserAgents: blacklistedUserAgents,
		csrfRequired:          csrfRequired,
		logger:                logger,
		denials:               denials,
	}
}

// Admit evaluates the upgrade request. A nil error admits the connection.
// Every connection attempt counts as a connect_rate event for the client IP,
// so a flood locks the IP out for the lockout duration.
func (g *RequestGate) Admit(ctx context.Context, r *http.Request) error {
	ip := ClientIP(r)

	res, err := g.limiter.Record(ctx, domain.ScopeConnectRate, ip, false)
	if err != nil {
		return fmt.Errorf("request gate: rate limit: %w", err)
	}
	if !res.Allowed {
		g.deny(ctx, "rate_limit", ip)
		return domain.NewRateLimited(res.RetryAfter)
	}

	if err := g.checkCSRF(r); err != nil {
		g.deny(ctx, "csrf", ip)
		return err
	}

	origin := r.Header.Get("Origin")
	if origin != "" && matchesAny(origin, g.blacklistedOrigins) {
		g.deny(ctx, "origin_blacklist", ip)
		return fmt.Errorf("origin %q: %w", origin, domain.ErrForbiddenOrigin)
	}
	ua := r.Header.Get("User-Agent")
	if ua != "" && matchesAny(ua, g.blacklistedUserAgents) {
		g.deny(ctx, "user_agent_blacklist", ip)
		return fmt.Errorf("user agent: %w", domain.ErrForbiddenOrigin)
	}

	return nil
}

// checkCSRF validates the x-csrf-token header and, when an Origin header is
// present, its membership in the allowlist. A request with neither Origin
// nor Referer is admitted on the strength of the token alone.
func (g *RequestGate) checkCSRF(r *http.Request) error {
	origin := r.Header.Get("Origin")
	if origin != "" && len(g.allowedOrigins) > 0 && !matchesAny(origin, g.allowedOrigins) {
		return fmt.Errorf("origin %q: %w", origin, domain.ErrForbiddenOrigin)
	}

	if !g.csrfRequired {
		return nil
	}
	token := r.Header.Get("X-CSRF-Token")
	if token == "" {
		return domain.ErrCSRFInvalid
	}
	return g.csrf.Validate(token)
}

func (g *RequestGate) deny(ctx context.Context, stage, ip string) {
	g.denials.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage)))
	g.logger.WarnContext(ctx, "upgrade request denied",
		slog.String("stage", stage),
		slog.String("ip", ip),
	)
}

// ClientIP resolves the client address, preferring the first entry of
// X-Forwarded-For when the hub sits behind a proxy.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func matchesAny(value string, list []string) bool {
	for _, candidate := range list {
		if strings.EqualFold(value, candidate) {
			return true
		}
	}
	return false
}
