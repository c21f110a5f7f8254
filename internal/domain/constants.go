package domain

import "time"

// Normative hub limits. These are compiled defaults that can be overridden
// via configuration (internal/config).
const (
	// Token lifetimes
	AccessTokenLifetime      = 1 * time.Hour        // JWT access token validity
	RefreshTokenLifetime     = 30 * 24 * time.Hour  // Refresh token validity
	RememberMeTokenLifetime  = 180 * 24 * time.Hour // Refresh validity with remember-me
	RevocationSweepInterval  = 1 * time.Minute      // How often expired revocations are dropped

	// Session policy
	MaxSessionsPerUser   = 5                // Oldest session evicted beyond this
	SessionInactivityMax = 30 * time.Minute // Inactivity before a session is invalidated
	SessionSweepInterval = 1 * time.Minute  // Upper bound on sweep cadence

	// Connection limits
	MaxFrameBytes     = 1 << 20          // 1 MiB max WebSocket frame payload
	IdleTimeout       = 30 * time.Minute // No inbound activity closes the worker
	HeartbeatInterval = 30 * time.Second // Server ping cadence
	WriteTimeout      = 10 * time.Second // Max time for one outbound frame write
	MailboxSize       = 256              // Outbound envelopes buffered per connection

	// Rate limiting
	ConnectRateWindow   = 10 * time.Second
	ConnectRateMax      = 5
	AuthLoginWindow     = 5 * time.Minute
	AuthLoginMax        = 5
	AnomalyWindow       = 1 * time.Minute // Traffic profile bucket for burst detection
	AnomalyMinBaseline  = 20              // Messages per window before a profile can trip
	AnomalyBurstFactor  = 2               // Current window at this multiple of baseline is a burst
	LockoutDuration     = 15 * time.Minute
	RateLimitSweepEvery = 1 * time.Minute

	// Broker admission
	BrokerQueueThreshold = 1024 // Normal priority rejected at 2x, low at 1x

	// Graceful shutdown
	GracefulShutdownTimeout = 30 * time.Second
	ShutdownDrainDelay      = 2 * time.Second
	ShutdownHTTPTimeout     = 10 * time.Second
	ShutdownOTELTimeout     = 5 * time.Second
)

// Rate-limit scopes used by the core. Keys within a scope are opaque
// identifiers such as "ip" or "ip:username".
const (
	ScopeAuthLogin   = "auth_login"
	ScopeConnectRate = "connect_rate"
	ScopeAnomaly     = "anomaly_profile"
)

// Priority classifies publish admission under backpressure.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// IsValidPriority checks if a publish priority is recognized.
func IsValidPriority(p Priority) bool {
	return p == PriorityHigh || p == PriorityNormal || p == PriorityLow
}

// SessionEndReason explains why a session became terminal.
type SessionEndReason string

const (
	SessionEndLogout  SessionEndReason = "logout"
	SessionEndTimeout SessionEndReason = "timeout"
	SessionEndExpired SessionEndReason = "expired"
	SessionEndEvicted SessionEndReason = "evicted"
)
