package authserver

import "log/slog"

// Default rate limiting values for the client-facing endpoints
const (
	DefaultRateLimit         = 10 // requests per second per IP
	DefaultRateLimitBurst    = 20
	DefaultMaxRequestBodyLen = 64 << 10
)

// Config holds the HTTP handler configuration
type Config struct {
	// Authenticator identifies the end user at the authorization endpoint.
	// Without one the authorization code flow endpoints are not served.
	Authenticator Authenticator

	// RateLimit configures per-IP limiting of /token, /introspect and /revoke
	RateLimit RateLimitConfig

	// MaxRequestBodyBytes caps form bodies (default 64 KiB)
	MaxRequestBodyBytes int64

	// Logger for structured logging (optional, uses the engine's logger if not provided)
	Logger *slog.Logger
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	// Rate is requests per second allowed per IP. Zero uses DefaultRateLimit,
	// a negative value disables limiting.
	Rate int

	// Burst is the maximum burst size allowed per IP.
	Burst int

	// MaxTrackedIPs bounds the limiter state (default 10000)
	MaxTrackedIPs int

	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers.
	// Only enable behind a trusted reverse proxy.
	TrustProxy bool

	// TrustedProxyCount is the number of proxies in front of the server
	TrustedProxyCount int
}

func (c *Config) applyDefaults(fallback *slog.Logger) {
	if c.RateLimit.Rate == 0 {
		c.RateLimit.Rate = DefaultRateLimit
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = DefaultRateLimitBurst
	}
	if c.RateLimit.MaxTrackedIPs == 0 {
		c.RateLimit.MaxTrackedIPs = 10000
	}
	if c.RateLimit.TrustedProxyCount == 0 {
		c.RateLimit.TrustedProxyCount = 1
	}
	if c.MaxRequestBodyBytes == 0 {
		c.MaxRequestBodyBytes = DefaultMaxRequestBodyLen
	}
	if c.Logger == nil {
		c.Logger = fallback
	}
}
