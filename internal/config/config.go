// Package config loads the authserver binary's configuration from a YAML
// file with AUTHSERVER_* environment overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"time"

	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"

	authserver "github.com/giantswarm/oauth-authserver"
	"github.com/giantswarm/oauth-authserver/keys"
	"github.com/giantswarm/oauth-authserver/server"
	"github.com/giantswarm/oauth-authserver/storage"
)

// Storage backends
const (
	StorageMemory = "memory"
	StorageValkey = "valkey"
)

// Log formats
const (
	LogFormatJSON = "json"
	LogFormatText = "text"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "AUTHSERVER_"

// Config is the binary's configuration
type Config struct {
	Issuer    string          `yaml:"issuer"`
	Listen    string          `yaml:"listen"`
	Log       LogConfig       `yaml:"log"`
	Storage   StorageConfig   `yaml:"storage"`
	Keys      KeysConfig      `yaml:"keys"`
	Tokens    TokensConfig    `yaml:"tokens"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Audit     bool            `yaml:"audit"`
	Clients   []ClientConfig  `yaml:"clients"`
	Users     []UserConfig    `yaml:"users"`
}

// LogConfig selects the slog handler
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// StorageConfig selects the storage backend
type StorageConfig struct {
	Type   string       `yaml:"type"`
	Valkey ValkeyConfig `yaml:"valkey"`
}

// ValkeyConfig configures the valkey backend
type ValkeyConfig struct {
	Address      string `yaml:"address"`
	Password     string `yaml:"password"`
	DB           int    `yaml:"db"`
	KeyPrefix    string `yaml:"key_prefix"`
	DisableCache bool   `yaml:"disable_cache"`
}

// KeysConfig configures token signing keys
type KeysConfig struct {
	Algorithm string `yaml:"algorithm"`

	// Dir persists keys as PEM files. Empty keeps keys in memory only.
	Dir string `yaml:"dir"`

	// EncryptionKey is a base64 AES-256 key sealing the key files at rest
	EncryptionKey string `yaml:"encryption_key"`

	MaxTokenLifetime time.Duration `yaml:"max_token_lifetime"`
}

// TokensConfig holds server-wide token settings
type TokensConfig struct {
	AuthorizationCodeTTL                  time.Duration `yaml:"authorization_code_ttl"`
	AuthorizationRequestTTL               time.Duration `yaml:"authorization_request_ttl"`
	IDTokenTTL                            time.Duration `yaml:"id_token_ttl"`
	AllowPKCEPlain                        bool          `yaml:"allow_pkce_plain"`
	IssueRefreshTokenForClientCredentials bool          `yaml:"issue_refresh_token_for_client_credentials"`
	SupportedScopes                       []string      `yaml:"supported_scopes"`
}

// RateLimitConfig configures per-IP limiting of the client endpoints
type RateLimitConfig struct {
	Rate              int  `yaml:"rate"`
	Burst             int  `yaml:"burst"`
	TrustProxy        bool `yaml:"trust_proxy"`
	TrustedProxyCount int  `yaml:"trusted_proxy_count"`
}

// MetricsConfig enables the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// ClientConfig is a statically registered client
type ClientConfig struct {
	ClientID           string        `yaml:"client_id"`
	ClientSecret       string        `yaml:"client_secret"`
	ClientName         string        `yaml:"client_name"`
	AuthMethod         string        `yaml:"auth_method"`
	GrantTypes         []string      `yaml:"grant_types"`
	RedirectURIs       []string      `yaml:"redirect_uris"`
	Scopes             []string      `yaml:"scopes"`
	RequireConsent     bool          `yaml:"require_consent"`
	RequirePKCE        bool          `yaml:"require_pkce"`
	ReuseRefreshTokens bool          `yaml:"reuse_refresh_tokens"`
	AccessTokenTTL     time.Duration `yaml:"access_token_ttl"`
	RefreshTokenTTL    time.Duration `yaml:"refresh_token_ttl"`
}

// UserConfig is an end user. Exactly one of Password and PasswordHash is set.
type UserConfig struct {
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	PasswordHash string `yaml:"password_hash"`
	Name         string `yaml:"name"`
	Email        string `yaml:"email"`
}

// Default returns the demo deployment: a consent-requiring authorization
// code client, a client credentials client and two users.
func Default() *Config {
	return &Config{
		Issuer: "http://auth.localtest.me:9000",
		Listen: ":9000",
		Log:    LogConfig{Level: "info", Format: LogFormatJSON},
		Storage: StorageConfig{
			Type:   StorageMemory,
			Valkey: ValkeyConfig{KeyPrefix: "authserver:"},
		},
		Keys: KeysConfig{
			Algorithm:        keys.AlgorithmRS256,
			MaxTokenLifetime: keys.DefaultMaxTokenLifetime,
		},
		Tokens: TokensConfig{
			AuthorizationCodeTTL:    server.DefaultAuthorizationCodeTTL,
			AuthorizationRequestTTL: server.DefaultAuthorizationRequestTTL,
			IDTokenTTL:              server.DefaultIDTokenTTL,
			SupportedScopes:         []string{"openid", "profile", "resource.read", "resource.write", "resource.client_credentials_only"},
		},
		RateLimit: RateLimitConfig{
			Rate:  authserver.DefaultRateLimit,
			Burst: authserver.DefaultRateLimitBurst,
		},
		Metrics: MetricsConfig{Path: "/metrics"},
		Audit:   true,
		Clients: []ClientConfig{
			{
				ClientID:     "frontend-client",
				ClientSecret: "frontend-client-secret",
				ClientName:   "Frontend",
				AuthMethod:   storage.AuthMethodClientSecretBasic,
				GrantTypes:   []string{storage.GrantTypeAuthorizationCode, storage.GrantTypeRefreshToken},
				RedirectURIs: []string{
					"http://frontend.localtest.me:8080/login/oauth2/code/frontend-client",
					"http://frontend.localtest.me:8080/authorized",
				},
				Scopes:          []string{"openid", "profile", "resource.read", "resource.write"},
				RequireConsent:  true,
				AccessTokenTTL:  20 * time.Second,
				RefreshTokenTTL: time.Minute,
			},
			{
				ClientID:        "backend-client-credentials-client",
				ClientSecret:    "backend-client-credentials-client-secret",
				ClientName:      "Backend",
				AuthMethod:      storage.AuthMethodClientSecretBasic,
				GrantTypes:      []string{storage.GrantTypeClientCredentials},
				Scopes:          []string{"openid", "profile", "resource.client_credentials_only"},
				AccessTokenTTL:  5 * time.Minute,
				RefreshTokenTTL: time.Hour,
			},
		},
		Users: []UserConfig{
			{Username: "u", Password: "p"},
			{Username: "u2", Password: "p"},
		},
	}
}

// Load reads path over the defaults, then applies environment overrides
// read through getenv. An empty path uses the defaults alone.
func Load(path string, getenv func(string) string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := cfg.decode(data); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}
	if getenv == nil {
		getenv = os.Getenv
	}
	if err := cfg.ApplyEnv(getenv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// ApplyEnv overrides settings from AUTHSERVER_* variables
func (c *Config) ApplyEnv(getenv func(string) string) error {
	strs := map[string]*string{
		"ISSUER":              &c.Issuer,
		"LISTEN":              &c.Listen,
		"LOG_LEVEL":           &c.Log.Level,
		"LOG_FORMAT":          &c.Log.Format,
		"STORAGE":             &c.Storage.Type,
		"VALKEY_ADDRESS":      &c.Storage.Valkey.Address,
		"VALKEY_PASSWORD":     &c.Storage.Valkey.Password,
		"VALKEY_KEY_PREFIX":   &c.Storage.Valkey.KeyPrefix,
		"KEYS_ALGORITHM":      &c.Keys.Algorithm,
		"KEYS_DIR":            &c.Keys.Dir,
		"KEYS_ENCRYPTION_KEY": &c.Keys.EncryptionKey,
	}
	for name, dst := range strs {
		if v := getenv(EnvPrefix + name); v != "" {
			*dst = v
		}
	}

	bools := map[string]*bool{
		"METRICS_ENABLED":        &c.Metrics.Enabled,
		"AUDIT":                  &c.Audit,
		"RATE_LIMIT_TRUST_PROXY": &c.RateLimit.TrustProxy,
	}
	for name, dst := range bools {
		v := getenv(EnvPrefix + name)
		if v == "" {
			continue
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
		}
		*dst = b
	}

	ints := map[string]*int{
		"VALKEY_DB":        &c.Storage.Valkey.DB,
		"RATE_LIMIT":       &c.RateLimit.Rate,
		"RATE_LIMIT_BURST": &c.RateLimit.Burst,
	}
	for name, dst := range ints {
		v := getenv(EnvPrefix + name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
		}
		*dst = n
	}
	return nil
}

// Validate fails fast on settings the binary cannot start with. Client and
// issuer details are validated again by the engine.
func (c *Config) Validate() error {
	if c.Issuer == "" {
		return fmt.Errorf("issuer is required")
	}
	if c.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	if _, err := c.LogLevel(); err != nil {
		return err
	}
	if c.Log.Format != LogFormatJSON && c.Log.Format != LogFormatText {
		return fmt.Errorf("log format must be %q or %q, got %q", LogFormatJSON, LogFormatText, c.Log.Format)
	}

	switch c.Storage.Type {
	case StorageMemory:
	case StorageValkey:
		if c.Storage.Valkey.Address == "" {
			return fmt.Errorf("valkey address is required for valkey storage")
		}
	default:
		return fmt.Errorf("unknown storage type %q", c.Storage.Type)
	}

	if c.Keys.Algorithm != keys.AlgorithmRS256 && c.Keys.Algorithm != keys.AlgorithmES256 {
		return fmt.Errorf("unsupported key algorithm %q", c.Keys.Algorithm)
	}
	if c.Keys.EncryptionKey != "" && c.Keys.Dir == "" {
		return fmt.Errorf("keys encryption key requires a key directory")
	}
	if c.Keys.MaxTokenLifetime < 0 {
		return fmt.Errorf("keys max token lifetime must not be negative")
	}

	maxLifetime := c.Keys.MaxTokenLifetime
	if maxLifetime == 0 {
		maxLifetime = keys.DefaultMaxTokenLifetime
	}
	if c.Tokens.IDTokenTTL > maxLifetime {
		return fmt.Errorf("id token TTL %s exceeds the keys max token lifetime %s", c.Tokens.IDTokenTTL, maxLifetime)
	}
	for _, cl := range c.Clients {
		if cl.AccessTokenTTL > maxLifetime {
			return fmt.Errorf("client %q: access token TTL %s exceeds the keys max token lifetime %s", cl.ClientID, cl.AccessTokenTTL, maxLifetime)
		}
	}

	seen := make(map[string]bool, len(c.Users))
	for _, u := range c.Users {
		if u.Username == "" {
			return fmt.Errorf("user without username")
		}
		if seen[u.Username] {
			return fmt.Errorf("duplicate user %q", u.Username)
		}
		seen[u.Username] = true
		if (u.Password == "") == (u.PasswordHash == "") {
			return fmt.Errorf("user %q: exactly one of password and password_hash is required", u.Username)
		}
	}
	return nil
}

// LogLevel parses Log.Level
func (c *Config) LogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", c.Log.Level, err)
	}
	return level, nil
}

// NewLogger builds the slog logger described by Log
func (c *Config) NewLogger(w io.Writer) (*slog.Logger, error) {
	level, err := c.LogLevel()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Log.Format == LogFormatText {
		return slog.New(slog.NewTextHandler(w, opts)), nil
	}
	return slog.New(slog.NewJSONHandler(w, opts)), nil
}

// ServerConfig maps the token settings onto the engine configuration
func (c *Config) ServerConfig() server.Config {
	return server.Config{
		Issuer:                                c.Issuer,
		AuthorizationCodeTTL:                  c.Tokens.AuthorizationCodeTTL,
		AuthorizationRequestTTL:               c.Tokens.AuthorizationRequestTTL,
		IDTokenTTL:                            c.Tokens.IDTokenTTL,
		MaxTokenLifetime:                      c.Keys.MaxTokenLifetime,
		AllowPKCEPlain:                        c.Tokens.AllowPKCEPlain,
		IssueRefreshTokenForClientCredentials: c.Tokens.IssueRefreshTokenForClientCredentials,
		SupportedScopes:                       c.Tokens.SupportedScopes,
	}
}

// ClientConfigs returns the registration input of every configured client
func (c *Config) ClientConfigs() []server.ClientConfig {
	out := make([]server.ClientConfig, 0, len(c.Clients))
	for _, cl := range c.Clients {
		out = append(out, server.ClientConfig{
			ClientID:           cl.ClientID,
			ClientSecret:       cl.ClientSecret,
			ClientName:         cl.ClientName,
			AuthMethod:         cl.AuthMethod,
			GrantTypes:         cl.GrantTypes,
			RedirectURIs:       cl.RedirectURIs,
			Scopes:             cl.Scopes,
			RequireConsent:     cl.RequireConsent,
			RequirePKCE:        cl.RequirePKCE,
			ReuseRefreshTokens: cl.ReuseRefreshTokens,
			AccessTokenTTL:     cl.AccessTokenTTL,
			RefreshTokenTTL:    cl.RefreshTokenTTL,
		})
	}
	return out
}

// DirectoryUsers returns the users with plain passwords hashed at cost
func (c *Config) DirectoryUsers(cost int) ([]authserver.User, error) {
	out := make([]authserver.User, 0, len(c.Users))
	for _, u := range c.Users {
		hash := u.PasswordHash
		if u.Password != "" {
			h, err := bcrypt.GenerateFromPassword([]byte(u.Password), cost)
			if err != nil {
				return nil, fmt.Errorf("user %q: failed to hash password: %w", u.Username, err)
			}
			hash = string(h)
		}
		out = append(out, authserver.User{
			Username:     u.Username,
			PasswordHash: hash,
			Name:         u.Name,
			Email:        u.Email,
		})
	}
	return out, nil
}

// HandlerConfig maps the rate limit settings onto the HTTP handler configuration
func (c *Config) HandlerConfig() authserver.Config {
	return authserver.Config{
		RateLimit: authserver.RateLimitConfig{
			Rate:              c.RateLimit.Rate,
			Burst:             c.RateLimit.Burst,
			TrustProxy:        c.RateLimit.TrustProxy,
			TrustedProxyCount: c.RateLimit.TrustedProxyCount,
		},
	}
}
