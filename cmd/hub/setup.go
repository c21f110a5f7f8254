package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"time"

	"github.com/gameoverstudios/deeperhub/internal/app"
	"github.com/gameoverstudios/deeperhub/internal/auth"
	"github.com/gameoverstudios/deeperhub/internal/broker"
	"github.com/gameoverstudios/deeperhub/internal/config"
	"github.com/gameoverstudios/deeperhub/internal/dispatch"
	"github.com/gameoverstudios/deeperhub/internal/domain"
	"github.com/gameoverstudios/deeperhub/internal/dynamo"
	"github.com/gameoverstudios/deeperhub/internal/observability"
	"github.com/gameoverstudios/deeperhub/internal/ratelimit"
	redisclient "github.com/gameoverstudios/deeperhub/internal/redis"
	"github.com/gameoverstudios/deeperhub/internal/security"
	"github.com/gameoverstudios/deeperhub/internal/server"
	"github.com/gameoverstudios/deeperhub/internal/session"
	"github.com/gameoverstudios/deeperhub/internal/user"
	"github.com/gameoverstudios/deeperhub/internal/ws"
)

const csrfTokenTTL = time.Hour

// buildServer is the composition root. Memory backends are the default;
// redis.addr switches the rate limiter and revocation set to Redis, and the
// DynamoDB table names switch the session and user stores to DynamoDB.
func buildServer(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*server.Server, func(), error) {
	clock := domain.RealClock{}
	var cleanups []func()
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

	tracerProvider, err := observability.InitTracer(ctx, observability.TracerConfig{
		ServiceName:  cfg.OTEL.ServiceName,
		Environment:  cfg.Environment,
		OTLPEndpoint: cfg.OTEL.Endpoint,
	})
	if err != nil {
		return nil, cleanup, fmt.Errorf("init tracer: %w", err)
	}
	cleanups = append(cleanups, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), domain.ShutdownOTELTimeout)
		defer cancel()
		tracerProvider.Shutdown(shutdownCtx)
	})

	metricsProvider, err := observability.InitMetrics(ctx, observability.MetricsConfig{
		ServiceName:  cfg.OTEL.ServiceName,
		Environment:  cfg.Environment,
		OTLPEndpoint: cfg.OTEL.Endpoint,
	})
	if err != nil {
		return nil, cleanup, fmt.Errorf("init metrics: %w", err)
	}
	cleanups = append(cleanups, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), domain.ShutdownOTELTimeout)
		defer cancel()
		metricsProvider.Shutdown(shutdownCtx)
	})

	signingKey, csrfKey, err := resolveKeys(cfg, logger)
	if err != nil {
		return nil, cleanup, err
	}

	var tasks []server.Task

	// Rate limiter and revocation set: Redis when configured, else memory.
	policies := ratelimit.Policies{
		domain.ScopeAuthLogin: {
			Window:  cfg.RateLimit.BruteForceWindow,
			Max:     cfg.RateLimit.BruteForceMaxAttempts,
			Lockout: cfg.RateLimit.LockoutDuration,
		},
		domain.ScopeConnectRate: {
			Window:  cfg.RateLimit.Window,
			Max:     cfg.RateLimit.Max,
			Lockout: cfg.RateLimit.LockoutDuration,
		},
		domain.ScopeAnomaly: {
			Window:  domain.AnomalyWindow,
			Max:     3,
			Lockout: cfg.RateLimit.LockoutDuration,
		},
	}
	defaultPolicy := ratelimit.Policy{
		Window:  cfg.RateLimit.Window,
		Max:     cfg.RateLimit.Max,
		Lockout: cfg.RateLimit.LockoutDuration,
	}

	var (
		limiter     ratelimit.Limiter
		revocations auth.RevocationStore
	)
	if cfg.Redis.Addr != "" {
		rdb := redisclient.NewClient(redisclient.Config{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			ReadTimeout:  cfg.Redis.Timeout,
			WriteTimeout: cfg.Redis.Timeout,
		})
		cleanups = append(cleanups, func() { rdb.Close() })
		limiter = ratelimit.NewRedis(rdb.RDB, clock, defaultPolicy, policies)
		revocations = auth.NewRedisRevocations(rdb.RDB, clock)
	} else {
		memLimiter := ratelimit.NewMemory(clock, defaultPolicy, policies)
		memRevocations := auth.NewMemoryRevocations(clock)
		limiter = memLimiter
		revocations = memRevocations
		tasks = append(tasks,
			func(ctx context.Context) { memLimiter.RunSweeper(ctx, domain.RateLimitSweepEvery) },
			func(ctx context.Context) { memRevocations.RunSweeper(ctx, domain.RevocationSweepInterval) },
		)
	}

	// Session and user stores: DynamoDB when tables are configured.
	var (
		sessionStore session.Store
		userStore    user.Store
	)
	if cfg.Session.DynamoTable != "" || cfg.DynamoDB.UsersTable != "" {
		db, err := dynamo.NewClient(ctx, dynamo.Config{
			Endpoint: cfg.DynamoDB.Endpoint,
			Region:   cfg.AWS.Region,
			Timeout:  cfg.DynamoDB.Timeout,
		})
		if err != nil {
			return nil, cleanup, fmt.Errorf("init dynamodb: %w", err)
		}
		if cfg.Session.DynamoTable != "" {
			sessionStore = session.NewDynamoStore(db.DB, cfg.Session.DynamoTable)
		}
		if cfg.DynamoDB.UsersTable != "" {
			userStore = user.NewDynamoStore(db.DB, cfg.DynamoDB.UsersTable, clock)
		}
	}
	if sessionStore == nil {
		sessionStore = session.NewMemoryStore()
	}
	if userStore == nil {
		userStore = user.NewMemoryStore(clock)
	}

	wsRegistry := ws.NewRegistry(cfg.Hub.MaxConnections)

	sessions := session.NewRegistry(session.RegistryConfig{
		Store:             sessionStore,
		Clock:             clock,
		MaxPerUser:        cfg.Session.MaxPerUser,
		InactivityTimeout: cfg.Session.InactivityTimeout,
		SweepInterval:     cfg.Session.SweepInterval,
		Logger:            logger,
		OnEnd: func(rec session.Record, _ domain.SessionEndReason) {
			closeSessionConns(wsRegistry, rec)
		},
	})
	tasks = append(tasks, func(ctx context.Context) { sessions.RunSweeper(ctx) })

	minter := auth.NewMinter(auth.MinterConfig{
		SigningKey:  signingKey,
		AccessTTL:   cfg.Auth.AccessTokenTTL,
		RefreshTTL:  cfg.Auth.RefreshTokenTTL,
		RememberTTL: cfg.Auth.RememberMeTTL,
		Issuer:      cfg.Auth.Issuer,
		Clock:       clock,
	})
	validator := auth.NewValidator(auth.ValidatorConfig{
		SigningKey:  signingKey,
		Issuer:      cfg.Auth.Issuer,
		Clock:       clock,
		Revocations: revocations,
	})
	tokens := auth.NewService(minter, validator, revocations)

	authService := app.NewAuthService(app.AuthServiceConfig{
		Users:         userStore,
		Tokens:        tokens,
		Sessions:      sessions,
		Limiter:       limiter,
		Clock:         clock,
		Logger:        logger,
		SessionTTL:    cfg.Auth.RefreshTokenTTL,
		PersistentTTL: cfg.Auth.RememberMeTTL,
	})
	userService := app.NewUserService(userStore, sessions, clock, logger)

	csrf := security.NewCSRFMinter(csrfKey, csrfTokenTTL.Milliseconds(), clock)
	requestGate := security.NewRequestGate(
		limiter,
		csrf,
		cfg.Security.AllowedOrigins,
		cfg.Security.BlacklistedOrigins,
		cfg.Security.BlacklistedUserAgents,
		cfg.Security.CSRFRequired,
		logger,
	)
	messageGate := security.NewMessageGate(cfg.Security.RejectSQLi, logger)

	anomaly := security.NewAnomalyDetector(security.AnomalyConfig{
		Limiter: limiter,
		Clock:   clock,
		Logger:  logger,
	})
	tasks = append(tasks, func(ctx context.Context) { anomaly.RunSweeper(ctx, domain.RateLimitSweepEvery) })

	hub := broker.New(cfg.Broker.QueueThreshold, cfg.Broker.FanoutWorkers, clock, logger)
	cleanups = append(cleanups, hub.Close)

	dispatcher := dispatch.New(dispatch.Config{
		Gate:     messageGate,
		Anomaly:  anomaly,
		Auth:     authService,
		Users:    userService,
		Broker:   hub,
		Sessions: sessions,
		Registry: wsRegistry,
		Clock:    clock,
		Logger:   logger,
	})

	srv := server.New(server.Config{
		Cfg:        cfg,
		Logger:     logger,
		Clock:      clock,
		Gate:       requestGate,
		Registry:   wsRegistry,
		Dispatcher: dispatcher,
		Tasks:      tasks,
	})

	return srv, cleanup, nil
}

// resolveKeys returns the signing and CSRF keys, generating ephemeral ones
// for local development when unset. Non-local environments already failed
// config validation if a required key is missing.
func resolveKeys(cfg *config.Config, logger *slog.Logger) (domain.SecretBytes, domain.SecretBytes, error) {
	signingKey := domain.SecretBytes(cfg.Auth.JWTSigningKey.Expose())
	if signingKey.IsEmpty() {
		if !cfg.IsLocal() {
			return nil, nil, fmt.Errorf("%w: auth.jwt_signing_key", domain.ErrConfigRequired)
		}
		key, err := randomKey()
		if err != nil {
			return nil, nil, err
		}
		signingKey = key
		logger.Warn("using ephemeral JWT signing key, tokens will not survive restart")
	}

	csrfKey := domain.SecretBytes(cfg.Security.CSRFKey.Expose())
	if csrfKey.IsEmpty() && cfg.Security.CSRFRequired {
		if !cfg.IsLocal() {
			return nil, nil, fmt.Errorf("%w: security.csrf_key", domain.ErrConfigRequired)
		}
		key, err := randomKey()
		if err != nil {
			return nil, nil, err
		}
		csrfKey = key
		logger.Warn("using ephemeral CSRF key")
	}

	return signingKey, csrfKey, nil
}

func randomKey() (domain.SecretBytes, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return key, nil
}

// closeSessionConns closes every connection bound to a terminated session.
func closeSessionConns(registry *ws.Registry, rec session.Record) {
	uid, err := domain.NewUserID(rec.UserID)
	if err != nil {
		return
	}
	for _, c := range registry.ByUser(uid) {
		if _, sid, ok := c.Identity(); ok && sid.String() == rec.SessionID {
			c.Close(ws.CloseGoingAway, "session ended")
		}
	}
}
