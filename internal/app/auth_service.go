// Package app composes the domain services into the flows the dispatcher
// invokes: login, token refresh, logout, and the user management
// operations.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/gameoverstudios/deeperhub/internal/auth"
	"github.com/gameoverstudios/deeperhub/internal/domain"
	"github.com/gameoverstudios/deeperhub/internal/ratelimit"
	"github.com/gameoverstudios/deeperhub/internal/session"
	"github.com/gameoverstudios/deeperhub/internal/user"
)

var (
	tracer = otel.Tracer("app")
	meter  = otel.Meter("app")
)

// AuthService runs the credential and token login flows. Brute-force
// throttling keys on ip:username so one attacker cannot lock out a user
// from everywhere, and a locked key refuses correct passwords too.
type AuthService struct {
	users    user.Store
	tokens   *auth.Service
	sessions *session.Registry
	limiter  ratelimit.Limiter
	clock    domain.Clock
	logger   *slog.Logger

	sessionTTL    time.Duration
	persistentTTL time.Duration

	logins metric.Int64Counter
}

// AuthServiceConfig holds AuthService dependencies.
type AuthServiceConfig struct {
	Users    user.Store
	Tokens   *auth.Service
	Sessions *session.Registry
	Limiter  ratelimit.Limiter
	Clock    domain.Clock
	Logger   *slog.Logger

	// SessionTTL seeds expires_at for ordinary sessions; PersistentTTL for
	// remember-me sessions, which never have expiry extended on activity.
	SessionTTL    time.Duration
	PersistentTTL time.Duration
}

// NewAuthService wires the login flow.
func NewAuthService(cfg AuthServiceConfig) *AuthService {
	logins, _ := meter.Int64Counter("auth_logins_total",
		metric.WithDescription("Login attempts by result"))
	return &AuthService{
		users:         cfg.Users,
		tokens:        cfg.Tokens,
		sessions:      cfg.Sessions,
		limiter:       cfg.Limiter,
		clock:         cfg.Clock,
		logger:        cfg.Logger,
		sessionTTL:    cfg.SessionTTL,
		persistentTTL: cfg.PersistentTTL,
		logins:        logins,
	}
}

// LoginParams carries one credential login attempt.
type LoginParams struct {
	Username   string
	Password   string
	Remember   bool
	IP         string
	UserAgent  string
	DeviceInfo map[string]string
}

// LoginResult is a successful authentication.
type LoginResult struct {
	UserID    string
	SessionID string
	Pair      auth.Pair
}

// Login authenticates a username+password attempt. Failures count against
// the ip:username key; the Nth failure inside the window locks the key and
// every further attempt, right or wrong, is refused until the lockout
// lapses.
func (s *AuthService) Login(ctx context.Context, p LoginParams) (*LoginResult, error) {
	ctx, span := tracer.Start(ctx, "auth.login")
	defer span.End()
	span.SetAttributes(attribute.String("auth.method", "credentials"))

	key := p.IP + ":" + p.Username

	state, err := s.limiter.Check(ctx, domain.ScopeAuthLogin, key)
	if err != nil {
		return nil, fmt.Errorf("login: rate limit check: %w", err)
	}
	if !state.Allowed {
		s.count(ctx, "locked")
		return nil, domain.NewAccountLocked(state.RetryAfter)
	}

	rec, err := s.users.GetByUsername(ctx, p.Username)
	if err != nil {
		s.recordFailure(ctx, key, p.Username)
		// Indistinguishable from a wrong password.
		return nil, domain.ErrInvalidCredentials
	}

	if !user.VerifyPassword(rec.PasswordHash, p.Password) {
		s.recordFailure(ctx, key, p.Username)
		return nil, domain.ErrInvalidCredentials
	}

	if !rec.IsActive {
		s.count(ctx, "inactive")
		return nil, fmt.Errorf("user %s is inactive: %w", rec.UserID, domain.ErrForbidden)
	}

	if _, err := s.limiter.Record(ctx, domain.ScopeAuthLogin, key, true); err != nil {
		return nil, fmt.Errorf("login: rate limit record: %w", err)
	}

	return s.establish(ctx, rec.UserID, p.Remember, p.IP, p.UserAgent, p.DeviceInfo)
}

// TokenLogin authenticates with an existing access token, establishing a
// fresh session for the connection.
func (s *AuthService) TokenLogin(ctx context.Context, token, ip, userAgent string, deviceInfo map[string]string) (*LoginResult, error) {
	ctx, span := tracer.Start(ctx, "auth.token_login")
	defer span.End()
	span.SetAttributes(attribute.String("auth.method", "token"))

	claims, err := s.tokens.VerifyAccess(ctx, token)
	if err != nil {
		s.count(ctx, "invalid_token")
		return nil, err
	}

	return s.establish(ctx, claims.Subject, false, ip, userAgent, deviceInfo)
}

func (s *AuthService) establish(ctx context.Context, userID string, remember bool, ip, userAgent string, deviceInfo map[string]string) (*LoginResult, error) {
	ttl := s.sessionTTL
	if remember {
		ttl = s.persistentTTL
	}

	sess, err := s.sessions.Create(ctx, session.CreateParams{
		UserID:     userID,
		DeviceInfo: deviceInfo,
		IP:         ip,
		UserAgent:  userAgent,
		Persistent: remember,
		TTL:        ttl,
	})
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	pair, err := s.tokens.IssuePair(userID, remember)
	if err != nil {
		return nil, fmt.Errorf("issue token pair: %w", err)
	}

	s.count(ctx, "success")
	s.logger.InfoContext(ctx, "login succeeded",
		slog.String("user_id", userID),
		slog.String("session_id", sess.SessionID),
	)

	return &LoginResult{UserID: userID, SessionID: sess.SessionID, Pair: pair}, nil
}

// Refresh rotates a refresh token into a new pair.
func (s *AuthService) Refresh(ctx context.Context, refreshToken string) (*LoginResult, error) {
	ctx, span := tracer.Start(ctx, "auth.refresh")
	defer span.End()

	pair, claims, err := s.tokens.Refresh(ctx, refreshToken)
	if err != nil {
		return nil, err
	}
	return &LoginResult{UserID: claims.Subject, Pair: pair}, nil
}

// Logout ends a session and revokes the presented tokens. Tokens already
// expired or revoked are skipped silently.
func (s *AuthService) Logout(ctx context.Context, sessionID, accessToken, refreshToken string) error {
	ctx, span := tracer.Start(ctx, "auth.logout")
	defer span.End()

	if sessionID != "" {
		if err := s.sessions.Invalidate(ctx, sessionID, domain.SessionEndLogout); err != nil &&
			!domain.IsClientError(err) {
			return err
		}
	}
	for _, token := range []string{accessToken, refreshToken} {
		if token == "" {
			continue
		}
		if err := s.tokens.Revoke(ctx, token); err != nil {
			return err
		}
	}
	return nil
}

// AccessTTL exposes the access token lifetime in seconds for auth.success
// payloads.
func (s *AuthService) AccessTTL() int64 { return s.tokens.AccessTTL() }

func (s *AuthService) recordFailure(ctx context.Context, key, username string) {
	res, err := s.limiter.Record(ctx, domain.ScopeAuthLogin, key, false)
	if err != nil {
		s.logger.ErrorContext(ctx, "rate limit record failed", slog.String("error", err.Error()))
		return
	}
	s.count(ctx, "invalid_credentials")
	if !res.Allowed {
		s.logger.WarnContext(ctx, "login key locked",
			slog.String("username", username),
			slog.Duration("retry_after", res.RetryAfter),
		)
	}
}

func (s *AuthService) count(ctx context.Context, result string) {
	s.logins.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}
