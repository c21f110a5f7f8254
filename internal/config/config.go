// Package config provides configuration loading using koanf.
// Precedence: environment variables over compiled defaults. Unknown keys fall
// back to defaults; type mismatches fail loudly at startup.
package config

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"

	"github.com/gameoverstudios/deeperhub/internal/domain"
)

// Config holds all hub configuration.
type Config struct {
	// Environment identifier: "local", "dev", "prod"
	Environment string `koanf:"environment"`

	// Logging configuration
	LogLevel  string `koanf:"log_level"`
	LogFormat string `koanf:"log_format"`

	Hub       HubConfig       `koanf:"hub"`
	Auth      AuthConfig      `koanf:"auth"`
	Session   SessionConfig   `koanf:"session"`
	RateLimit RateLimitConfig `koanf:"ratelimit"`
	Security  SecurityConfig  `koanf:"security"`
	Broker    BrokerConfig    `koanf:"broker"`

	// Infrastructure configurations
	Redis    RedisConfig    `koanf:"redis"`
	DynamoDB DynamoDBConfig `koanf:"dynamodb"`
	AWS      AWSConfig      `koanf:"aws"`

	// OpenTelemetry configuration
	OTEL OTELConfig `koanf:"otel"`
}

// HubConfig holds listener and connection-runtime configuration.
type HubConfig struct {
	Port              int           `koanf:"port"`
	MaxConnections    int           `koanf:"max_connections"`
	MaxFrameBytes     int           `koanf:"max_frame_bytes"`
	IdleTimeout       time.Duration `koanf:"idle_timeout"`
	HeartbeatInterval time.Duration `koanf:"heartbeat_interval"`
	WriteTimeout      time.Duration `koanf:"write_timeout"`
}

// AuthConfig holds token issuance configuration.
type AuthConfig struct {
	AccessTokenTTL  time.Duration       `koanf:"access_token_ttl"`
	RefreshTokenTTL time.Duration       `koanf:"refresh_token_ttl"`
	RememberMeTTL   time.Duration       `koanf:"remember_me_ttl"`
	JWTSigningKey   domain.SecretString `koanf:"jwt_signing_key"`
	JWTAlgorithm    string              `koanf:"jwt_algorithm"`
	Issuer          string              `koanf:"issuer"`
}

// SessionConfig holds session registry policy.
type SessionConfig struct {
	MaxPerUser        int           `koanf:"max_per_user"`
	InactivityTimeout time.Duration `koanf:"inactivity_timeout"`
	SweepInterval     time.Duration `koanf:"sweep_interval"`
	DynamoTable       string        `koanf:"dynamo_table"` // Empty selects the memory store
}

// RateLimitConfig holds sliding-window counter policy per scope.
type RateLimitConfig struct {
	Window                time.Duration `koanf:"window"`
	Max                   int           `koanf:"max"`
	LockoutDuration       time.Duration `koanf:"lockout_duration"`
	BruteForceMaxAttempts int           `koanf:"brute_force_max_attempts"`
	BruteForceWindow      time.Duration `koanf:"brute_force_window"`
}

// SecurityConfig holds request/message gate policy.
type SecurityConfig struct {
	AllowedOrigins        []string            `koanf:"allowed_origins"`
	BlacklistedOrigins    []string            `koanf:"blacklisted_origins"`
	BlacklistedUserAgents []string            `koanf:"blacklisted_user_agents"`
	CSRFRequired          bool                `koanf:"csrf_required"`
	CSRFKey               domain.SecretString `koanf:"csrf_key"`
	// RejectSQLi switches the SQL-injection scan from log-only to reject.
	RejectSQLi bool `koanf:"reject_sqli"`
}

// BrokerConfig holds pub/sub admission policy.
type BrokerConfig struct {
	QueueThreshold int `koanf:"queue_threshold"`
	MailboxSize    int `koanf:"mailbox_size"`
	FanoutWorkers  int `koanf:"fanout_workers"`
}

// RedisConfig holds Redis configuration. A non-empty Addr switches the
// rate limiter and revocation set to their Redis backends.
type RedisConfig struct {
	Addr     string        `koanf:"addr"`
	Password string        `koanf:"password"`
	DB       int           `koanf:"db"`
	Timeout  time.Duration `koanf:"timeout"`
}

// DynamoDBConfig holds DynamoDB configuration.
type DynamoDBConfig struct {
	Endpoint   string        `koanf:"endpoint"` // Empty for production (default AWS endpoint)
	Timeout    time.Duration `koanf:"timeout"`
	UsersTable string        `koanf:"users_table"` // Empty selects the memory user store
}

// AWSConfig holds AWS SDK configuration.
type AWSConfig struct {
	Region   string `koanf:"region"`
	Endpoint string `koanf:"endpoint"`
}

// OTELConfig holds OpenTelemetry configuration.
type OTELConfig struct {
	Endpoint    string `koanf:"endpoint"` // Empty disables OTLP export
	ServiceName string `koanf:"service_name"`
}

// defaults returns a Config with compiled default values.
// These match the normative limits in internal/domain/constants.go.
func defaults() *Config {
	return &Config{
		Environment: "local",
		LogLevel:    "info",
		LogFormat:   "json",

		Hub: HubConfig{
			Port:              4000,
			MaxConnections:    10000,
			MaxFrameBytes:     domain.MaxFrameBytes,
			IdleTimeout:       domain.IdleTimeout,
			HeartbeatInterval: domain.HeartbeatInterval,
			WriteTimeout:      domain.WriteTimeout,
		},
		Auth: AuthConfig{
			AccessTokenTTL:  domain.AccessTokenLifetime,
			RefreshTokenTTL: domain.RefreshTokenLifetime,
			RememberMeTTL:   domain.RememberMeTokenLifetime,
			JWTAlgorithm:    "HS256",
			Issuer:          "deeperhub",
		},
		Session: SessionConfig{
			MaxPerUser:        domain.MaxSessionsPerUser,
			InactivityTimeout: domain.SessionInactivityMax,
			SweepInterval:     domain.SessionSweepInterval,
		},
		RateLimit: RateLimitConfig{
			Window:                domain.ConnectRateWindow,
			Max:                   domain.ConnectRateMax,
			LockoutDuration:       domain.LockoutDuration,
			BruteForceMaxAttempts: domain.AuthLoginMax,
			BruteForceWindow:      domain.AuthLoginWindow,
		},
		Security: SecurityConfig{
			CSRFRequired: true,
		},
		Broker: BrokerConfig{
			QueueThreshold: domain.BrokerQueueThreshold,
			MailboxSize:    domain.MailboxSize,
			FanoutWorkers:  4,
		},
		Redis: RedisConfig{
			Timeout: 2 * time.Second,
		},
		DynamoDB: DynamoDBConfig{
			Timeout: 5 * time.Second,
		},
		AWS: AWSConfig{
			Region: "us-east-1",
		},
		OTEL: OTELConfig{
			ServiceName: "deeperhub",
		},
	}
}

// Load loads configuration following the precedence:
// 1. Environment variables (highest)
// 2. Compiled defaults (lowest)
//
// Required keys missing → startup failure. Optional keys missing → defaults.
func Load(ctx context.Context) (*Config, error) {
	k := koanf.New(".")

	// Start with compiled defaults
	cfg := defaults()

	// Load environment variables.
	// No prefix; __ maps to . for nesting, single _ stays part of the key
	// (HUB__PORT → hub.port, AUTH__JWT_SIGNING_KEY → auth.jwt_signing_key).
	err := k.Load(env.Provider("", ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(s), "__", ".")
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("load env vars: %w", err)
	}

	// Unmarshal into config struct. Type mismatches surface here.
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Validate required fields
	if err := validateRequired(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validateRequired checks that required configuration is present.
func validateRequired(cfg *Config) error {
	if cfg.Auth.JWTAlgorithm != "HS256" {
		return fmt.Errorf("%w: auth.jwt_algorithm must be HS256, got %q",
			domain.ErrConfigRequired, cfg.Auth.JWTAlgorithm)
	}

	// Local development generates ephemeral keys in the composition root.
	if cfg.Environment == "local" {
		return nil
	}

	if cfg.Auth.JWTSigningKey.IsEmpty() {
		return fmt.Errorf("%w: auth.jwt_signing_key", domain.ErrConfigRequired)
	}
	if cfg.Security.CSRFRequired && cfg.Security.CSRFKey.IsEmpty() {
		return fmt.Errorf("%w: security.csrf_key", domain.ErrConfigRequired)
	}

	return nil
}

// IsLocal returns true if running in local development environment.
func (c *Config) IsLocal() bool {
	return c.Environment == "local"
}

// IsProd returns true if running in production environment.
func (c *Config) IsProd() bool {
	return c.Environment == "prod"
}
