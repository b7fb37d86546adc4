package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/giantswarm/oauth-authserver/internal/util"
	"github.com/giantswarm/oauth-authserver/storage"
)

// ConsentService records the scopes end users granted to clients
type ConsentService struct {
	store   storage.ConsentStore
	clients *ClientRegistry
	config  *Config
}

func newConsentService(store storage.ConsentStore, clients *ClientRegistry, config *Config) *ConsentService {
	return &ConsentService{store: store, clients: clients, config: config}
}

// GetConsent returns the consent of subject for clientID, or nil when none
// was recorded
func (c *ConsentService) GetConsent(ctx context.Context, subject, clientID string) (*storage.Consent, error) {
	ctx, cancel := withStoreTimeout(ctx, c.config)
	defer cancel()

	consent, err := c.store.GetConsent(ctx, subject, clientID)
	if err != nil {
		if errors.Is(err, storage.ErrConsentNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get consent: %w", err)
	}
	return consent, nil
}

// Grant records scopes for (subject, clientID). Scopes accumulate across
// grants unless reset is set, in which case they replace the previous grant.
// Scopes outside the client's registration fail with ErrScopeNotAllowed.
func (c *ConsentService) Grant(ctx context.Context, subject, clientID string, scopes []string, reset bool) (*storage.Consent, error) {
	if subject == "" {
		return nil, fmt.Errorf("subject is required")
	}
	client, err := c.clients.Lookup(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if missing := util.MissingScopes(scopes, client.Scopes); len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s not registered for client %s", ErrScopeNotAllowed, util.JoinScopes(missing), clientID)
	}

	ctx, cancel := withStoreTimeout(ctx, c.config)
	defer cancel()

	consent, err := c.store.GrantConsent(ctx, subject, clientID, scopes, reset, c.config.Clock.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to save consent: %w", err)
	}

	c.config.Auditor.LogConsentGranted(subject, clientID, util.JoinScopes(scopes))
	return consent, nil
}

// Revoke deletes the consent of subject for clientID
func (c *ConsentService) Revoke(ctx context.Context, subject, clientID string) error {
	ctx, cancel := withStoreTimeout(ctx, c.config)
	defer cancel()

	if err := c.store.RevokeConsent(ctx, subject, clientID); err != nil {
		return fmt.Errorf("failed to revoke consent: %w", err)
	}
	return nil
}

// Covers reports whether the recorded consent covers scopes. The openid
// scope never needs consent.
func (c *ConsentService) Covers(consent *storage.Consent, scopes []string) bool {
	return len(c.Missing(consent, scopes)) == 0
}

// Missing returns the scopes that still need the end user's consent
func (c *ConsentService) Missing(consent *storage.Consent, scopes []string) []string {
	needed := util.RemoveScope(scopes, ScopeOpenID)
	if consent == nil {
		return needed
	}
	return util.MissingScopes(needed, consent.Scopes)
}
