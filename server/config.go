package server

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/giantswarm/oauth-authserver/instrumentation"
	"github.com/giantswarm/oauth-authserver/security"
)

// Default lifetimes and limits.
const (
	DefaultAuthorizationCodeTTL    = 60 * time.Second
	DefaultAuthorizationRequestTTL = 5 * time.Minute
	DefaultIDTokenTTL              = 30 * time.Minute
	DefaultStoreTimeout            = 5 * time.Second

	// MaxAuthorizationCodeTTL is the upper bound recommended by RFC 6749 section 4.1.2
	MaxAuthorizationCodeTTL = 10 * time.Minute
)

// Config holds authorization server configuration
type Config struct {
	// Issuer is the server's issuer identifier, an absolute URL without query
	// or fragment. Endpoint URLs in the metadata document are derived from it.
	Issuer string

	// AuthorizationCodeTTL is how long authorization codes are valid (default 60s)
	AuthorizationCodeTTL time.Duration

	// AuthorizationRequestTTL is how long a request waits for the end user's
	// consent decision (default 5m)
	AuthorizationRequestTTL time.Duration

	// IDTokenTTL is the lifetime of OIDC ID tokens (default 30m)
	IDTokenTTL time.Duration

	// MaxTokenLifetime caps the lifetime of every signed token (access and ID
	// tokens) so a retired signing key keeps verifying until all tokens it
	// signed have expired. Zero takes the key manager's verification window
	// when it reports one; it may not exceed that window.
	MaxTokenLifetime time.Duration

	// StoreTimeout bounds the storage calls of every engine operation (default 5s)
	StoreTimeout time.Duration

	// AllowPKCEPlain allows the 'plain' code_challenge_method (NOT RECOMMENDED)
	// When false, only S256 is accepted (secure by default)
	AllowPKCEPlain bool

	// IssueRefreshTokenForClientCredentials issues a refresh token from the
	// client_credentials grant. Default: false (RFC 6749 section 4.4.3)
	IssueRefreshTokenForClientCredentials bool

	// SupportedScopes is advertised as scopes_supported in the metadata
	// documents. Default: openid, profile, email
	SupportedScopes []string

	// SecretHashCost is the bcrypt cost for client secrets (default bcrypt.DefaultCost)
	SecretHashCost int

	// Clock is the time source for every expiry decision (default system clock)
	Clock security.Clock

	// Logger is the structured logger (default slog.Default())
	Logger *slog.Logger

	// Auditor records security events (optional)
	Auditor *security.Auditor

	// Instrumentation provides metrics and tracing (optional)
	Instrumentation *instrumentation.Instrumentation
}

// applySecureDefaults fills unset values and logs warnings for insecure settings
func applySecureDefaults(config *Config) {
	if config.AuthorizationCodeTTL == 0 {
		config.AuthorizationCodeTTL = DefaultAuthorizationCodeTTL
	}
	if config.AuthorizationRequestTTL == 0 {
		config.AuthorizationRequestTTL = DefaultAuthorizationRequestTTL
	}
	if config.IDTokenTTL == 0 {
		config.IDTokenTTL = DefaultIDTokenTTL
	}
	if config.StoreTimeout == 0 {
		config.StoreTimeout = DefaultStoreTimeout
	}
	if len(config.SupportedScopes) == 0 {
		config.SupportedScopes = []string{ScopeOpenID, ScopeProfile, ScopeEmail}
	}
	if config.SecretHashCost == 0 {
		config.SecretHashCost = bcrypt.DefaultCost
	}
	if config.Clock == nil {
		config.Clock = security.SystemClock()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	config.Issuer = strings.TrimSuffix(config.Issuer, "/")

	if config.AllowPKCEPlain {
		config.Logger.Warn("⚠️  SECURITY WARNING: Plain PKCE method is ALLOWED",
			"risk", "Weak code challenge protection",
			"recommendation", "Set AllowPKCEPlain=false to require S256",
			"learn_more", "https://datatracker.ietf.org/doc/html/rfc7636#section-4.2")
	}
	if config.IssueRefreshTokenForClientCredentials {
		config.Logger.Warn("⚠️  SECURITY NOTICE: Refresh tokens are issued for client_credentials",
			"recommendation", "Clients holding credentials can request new access tokens directly")
	}
}

// validate fails fast on invalid combinations
func (c *Config) validate() error {
	if c.Issuer == "" {
		return fmt.Errorf("issuer is required")
	}
	u, err := url.Parse(c.Issuer)
	if err != nil {
		return fmt.Errorf("invalid issuer URL: %w", err)
	}
	if (u.Scheme != SchemeHTTPS && u.Scheme != SchemeHTTP) || u.Host == "" {
		return fmt.Errorf("issuer must be an absolute http(s) URL: %q", c.Issuer)
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return fmt.Errorf("issuer must not contain a query or fragment")
	}

	for name, ttl := range map[string]time.Duration{
		"authorization code TTL":    c.AuthorizationCodeTTL,
		"authorization request TTL": c.AuthorizationRequestTTL,
		"ID token TTL":              c.IDTokenTTL,
		"store timeout":             c.StoreTimeout,
	} {
		if ttl <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, ttl)
		}
	}
	if c.MaxTokenLifetime < 0 {
		return fmt.Errorf("max token lifetime must not be negative, got %s", c.MaxTokenLifetime)
	}
	if c.MaxTokenLifetime > 0 && c.IDTokenTTL > c.MaxTokenLifetime {
		return fmt.Errorf("ID token TTL %s exceeds the max token lifetime %s", c.IDTokenTTL, c.MaxTokenLifetime)
	}
	if c.AuthorizationCodeTTL > MaxAuthorizationCodeTTL {
		return fmt.Errorf("authorization code TTL must not exceed %s", MaxAuthorizationCodeTTL)
	}
	if c.SecretHashCost < bcrypt.MinCost || c.SecretHashCost > bcrypt.MaxCost {
		return fmt.Errorf("secret hash cost must be between %d and %d", bcrypt.MinCost, bcrypt.MaxCost)
	}
	return nil
}

func (c *Config) metrics() *instrumentation.Metrics {
	if c.Instrumentation == nil {
		return nil
	}
	return c.Instrumentation.Metrics()
}
