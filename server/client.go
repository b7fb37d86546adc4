package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/giantswarm/oauth-authserver/storage"
)

// MinTokenTTL is the smallest access or refresh token lifetime a client may
// register. Token timestamps have one-second resolution.
const MinTokenTTL = time.Second

// ClientConfig is the plain registration input for a client
type ClientConfig struct {
	ClientID     string
	ClientSecret string // plain text; hashed with bcrypt on registration
	ClientName   string

	// AuthMethod is client_secret_basic (default), client_secret_post or none
	AuthMethod string

	GrantTypes   []string
	RedirectURIs []string
	Scopes       []string

	RequireConsent     bool
	RequirePKCE        bool
	ReuseRefreshTokens bool

	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
}

// Validate checks the configuration and fails on invalid combinations
func (c *ClientConfig) Validate() error {
	if c.ClientID == "" {
		return fmt.Errorf("%w: client_id is required", ErrInvalidClientConfig)
	}

	switch c.AuthMethod {
	case storage.AuthMethodClientSecretBasic, storage.AuthMethodClientSecretPost:
		if c.ClientSecret == "" {
			return fmt.Errorf("%w: client %s: secret is required for %s", ErrInvalidClientConfig, c.ClientID, c.AuthMethod)
		}
	case storage.AuthMethodNone:
		if c.ClientSecret != "" {
			return fmt.Errorf("%w: client %s: public clients must not have a secret", ErrInvalidClientConfig, c.ClientID)
		}
		if !c.RequirePKCE {
			return fmt.Errorf("%w: client %s: public clients must require PKCE", ErrInvalidClientConfig, c.ClientID)
		}
		if slices.Contains(c.GrantTypes, storage.GrantTypeClientCredentials) {
			return fmt.Errorf("%w: client %s: public clients cannot use client_credentials", ErrInvalidClientConfig, c.ClientID)
		}
	default:
		return fmt.Errorf("%w: client %s: unsupported auth method %q", ErrInvalidClientConfig, c.ClientID, c.AuthMethod)
	}

	if len(c.GrantTypes) == 0 {
		return fmt.Errorf("%w: client %s: at least one grant type is required", ErrInvalidClientConfig, c.ClientID)
	}
	for _, gt := range c.GrantTypes {
		switch gt {
		case storage.GrantTypeAuthorizationCode, storage.GrantTypeRefreshToken, storage.GrantTypeClientCredentials:
		default:
			return fmt.Errorf("%w: client %s: unsupported grant type %q", ErrInvalidClientConfig, c.ClientID, gt)
		}
	}

	if slices.Contains(c.GrantTypes, storage.GrantTypeAuthorizationCode) && len(c.RedirectURIs) == 0 {
		return fmt.Errorf("%w: client %s: authorization_code requires at least one redirect URI", ErrInvalidClientConfig, c.ClientID)
	}
	for _, uri := range c.RedirectURIs {
		if err := validateRedirectURIForRegistration(uri); err != nil {
			return fmt.Errorf("%w: client %s: %v", ErrInvalidClientConfig, c.ClientID, err)
		}
	}

	if c.AccessTokenTTL < MinTokenTTL {
		return fmt.Errorf("%w: client %s: access token TTL must be at least %s, got %s", ErrInvalidClientConfig, c.ClientID, MinTokenTTL, c.AccessTokenTTL)
	}
	if c.RefreshTokenTTL < MinTokenTTL {
		return fmt.Errorf("%w: client %s: refresh token TTL must be at least %s, got %s", ErrInvalidClientConfig, c.ClientID, MinTokenTTL, c.RefreshTokenTTL)
	}
	return nil
}

// ClientRegistry holds registered clients. Registrations are immutable.
type ClientRegistry struct {
	store     storage.ClientStore
	config    *Config
	logger    *slog.Logger
	dummyHash []byte
}

func newClientRegistry(store storage.ClientStore, config *Config) *ClientRegistry {
	// Compared against for unknown clients so response timing does not reveal
	// which client ids exist
	dummy, _ := bcrypt.GenerateFromPassword([]byte("dummy-client-secret"), config.SecretHashCost)
	return &ClientRegistry{
		store:     store,
		config:    config,
		logger:    config.Logger,
		dummyHash: dummy,
	}
}

// Register validates cfg, hashes its secret and stores the client.
// A duplicate client id fails with ErrDuplicateClient.
func (r *ClientRegistry) Register(ctx context.Context, cfg ClientConfig) (*storage.Client, error) {
	if cfg.AuthMethod == "" {
		cfg.AuthMethod = storage.AuthMethodClientSecretBasic
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if limit := r.config.MaxTokenLifetime; limit > 0 && cfg.AccessTokenTTL > limit {
		return nil, fmt.Errorf("%w: client %s: access token TTL %s exceeds the max token lifetime %s",
			ErrInvalidClientConfig, cfg.ClientID, cfg.AccessTokenTTL, limit)
	}

	var secretHash string
	if cfg.ClientSecret != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(cfg.ClientSecret), r.config.SecretHashCost)
		if err != nil {
			return nil, fmt.Errorf("failed to hash client secret: %w", err)
		}
		secretHash = string(hash)
	}

	client := &storage.Client{
		ClientID:           cfg.ClientID,
		ClientSecretHash:   secretHash,
		ClientName:         cfg.ClientName,
		AuthMethod:         cfg.AuthMethod,
		GrantTypes:         slices.Clone(cfg.GrantTypes),
		RedirectURIs:       slices.Clone(cfg.RedirectURIs),
		Scopes:             slices.Clone(cfg.Scopes),
		RequireConsent:     cfg.RequireConsent,
		RequirePKCE:        cfg.RequirePKCE,
		AccessTokenTTL:     cfg.AccessTokenTTL,
		RefreshTokenTTL:    cfg.RefreshTokenTTL,
		ReuseRefreshTokens: cfg.ReuseRefreshTokens,
		CreatedAt:          r.config.Clock.Now(),
	}

	ctx, cancel := withStoreTimeout(ctx, r.config)
	defer cancel()

	if err := r.store.CreateClient(ctx, client); err != nil {
		if errors.Is(err, storage.ErrClientExists) {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateClient, cfg.ClientID)
		}
		return nil, fmt.Errorf("failed to save client: %w", err)
	}

	r.config.Auditor.LogClientRegistered(client.ClientID, client.AuthMethod)
	r.config.metrics().RecordClientRegistration(ctx, client.AuthMethod)
	r.logger.Info("Registered client",
		"client_id", client.ClientID,
		"client_name", client.ClientName,
		"auth_method", client.AuthMethod,
		"grant_types", client.GrantTypes)

	return client, nil
}

// Lookup returns a registered client or ErrClientNotFound
func (r *ClientRegistry) Lookup(ctx context.Context, clientID string) (*storage.Client, error) {
	if clientID == "" {
		return nil, ErrClientNotFound
	}

	ctx, cancel := withStoreTimeout(ctx, r.config)
	defer cancel()

	client, err := r.store.GetClient(ctx, clientID)
	if err != nil {
		if errors.Is(err, storage.ErrClientNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrClientNotFound, clientID)
		}
		return nil, fmt.Errorf("failed to get client: %w", err)
	}
	return client, nil
}

// List returns every registered client
func (r *ClientRegistry) List(ctx context.Context) ([]*storage.Client, error) {
	ctx, cancel := withStoreTimeout(ctx, r.config)
	defer cancel()
	return r.store.ListClients(ctx)
}

// Authenticate verifies a client's credentials presented with method.
// Secrets are compared with bcrypt in constant time; unknown clients are
// compared against a dummy hash. Any mismatch yields ErrInvalidClientCredentials.
func (r *ClientRegistry) Authenticate(ctx context.Context, clientID, secret, method string) (*storage.Client, error) {
	client, err := r.Lookup(ctx, clientID)
	if err != nil {
		if !errors.Is(err, ErrClientNotFound) {
			return nil, err
		}
		_ = bcrypt.CompareHashAndPassword(r.dummyHash, []byte(secret))
		r.authFailed(ctx, clientID, method, "unknown_client")
		return nil, ErrInvalidClientCredentials
	}

	if client.AuthMethod != method {
		_ = bcrypt.CompareHashAndPassword(r.dummyHash, []byte(secret))
		r.authFailed(ctx, clientID, method, "auth_method_mismatch")
		return nil, ErrInvalidClientCredentials
	}

	if client.IsPublic() {
		// Public clients prove possession through PKCE, not a secret
		if secret != "" {
			r.authFailed(ctx, clientID, method, "secret_sent_by_public_client")
			return nil, ErrInvalidClientCredentials
		}
		return client, nil
	}

	if err := bcrypt.CompareHashAndPassword([]byte(client.ClientSecretHash), []byte(secret)); err != nil {
		r.authFailed(ctx, clientID, method, "invalid_secret")
		return nil, ErrInvalidClientCredentials
	}
	return client, nil
}

func (r *ClientRegistry) authFailed(ctx context.Context, clientID, method, reason string) {
	r.config.Auditor.LogAuthFailure("", clientID, "", reason)
	r.config.metrics().RecordClientAuthFailed(ctx, method)
	r.logger.Debug("Client authentication failed", "client_id", clientID, "reason", reason)
}
