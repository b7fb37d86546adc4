package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/oauth2"

	"github.com/giantswarm/oauth-authserver/storage"
)

// KeyManager signs and verifies tokens. *keys.Manager implements it.
type KeyManager interface {
	Sign(claims jwt.Claims) (string, error)
	Verify(token string, claims jwt.Claims) error
	PublicKeySet() jose.JSONWebKeySet
	SigningAlgorithms() []string
}

// verificationWindow is implemented by key managers whose retired keys stop
// verifying after a fixed lifetime, such as *keys.Manager
type verificationWindow interface {
	MaxTokenLifetime() time.Duration
}

// Server is the authorization server engine. It runs the authorization code,
// refresh token and client credentials grants over the injected store and
// key manager. It is safe for concurrent use.
type Server struct {
	Clients  *ClientRegistry
	Consents *ConsentService
	Tokens   *TokenService

	store    storage.Store
	keys     KeyManager
	claims   ClaimsSource
	metadata Metadata

	config *Config
	logger *slog.Logger
	tracer trace.Tracer
}

// New creates the engine. config.Issuer is required; every other field has a default.
func New(store storage.Store, keyManager KeyManager, config *Config) (*Server, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if keyManager == nil {
		return nil, fmt.Errorf("key manager is required")
	}
	if config == nil {
		config = &Config{}
	}

	cfg := *config
	applySecureDefaults(&cfg)
	if kw, ok := keyManager.(verificationWindow); ok {
		window := kw.MaxTokenLifetime()
		if cfg.MaxTokenLifetime == 0 {
			cfg.MaxTokenLifetime = window
		}
		if cfg.MaxTokenLifetime > window {
			return nil, fmt.Errorf("invalid server configuration: max token lifetime %s exceeds the key verification window %s",
				cfg.MaxTokenLifetime, window)
		}
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid server configuration: %w", err)
	}

	var tracer trace.Tracer = tracenoop.NewTracerProvider().Tracer("server")
	if cfg.Instrumentation != nil {
		tracer = cfg.Instrumentation.Tracer("server")
	}

	clients := newClientRegistry(store, &cfg)
	srv := &Server{
		Clients:  clients,
		Consents: newConsentService(store, clients, &cfg),
		Tokens:   newTokenService(store, keyManager, clients, &cfg),
		store:    store,
		keys:     keyManager,
		config:   &cfg,
		logger:   cfg.Logger,
		tracer:   tracer,
	}
	srv.metadata = buildMetadata(&cfg, keyManager.SigningAlgorithms())

	cfg.Logger.Info("Authorization server initialized",
		"issuer", cfg.Issuer,
		"authorization_code_ttl", cfg.AuthorizationCodeTTL,
		"allow_pkce_plain", cfg.AllowPKCEPlain)

	return srv, nil
}

// SetClaimsSource sets the provider of end-user claims for the UserInfo endpoint
func (s *Server) SetClaimsSource(source ClaimsSource) {
	s.claims = source
}

// Config returns a copy of the effective configuration
func (s *Server) Config() Config {
	return *s.config
}

// PublicKeySet returns the JWKS document of the signing keys
func (s *Server) PublicKeySet() jose.JSONWebKeySet {
	return s.keys.PublicKeySet()
}

// Logger returns the server's logger
func (s *Server) Logger() *slog.Logger {
	return s.logger
}

// withStoreTimeout bounds the storage calls made on behalf of one operation
func withStoreTimeout(ctx context.Context, config *Config) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, config.StoreTimeout)
}

// generateRandomToken generates a cryptographically secure random token.
// This is an alias for oauth2.GenerateVerifier() which produces a URL-safe,
// base64-encoded 256-bit random string suitable for codes and refresh tokens.
func generateRandomToken() string {
	return oauth2.GenerateVerifier()
}
