package valkey

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/giantswarm/oauth-authserver/storage"
)

// ============================================================
// ConsentStore Implementation
// ============================================================

// GetConsent retrieves the consent of subject for clientID
func (s *Store) GetConsent(ctx context.Context, subject, clientID string) (*storage.Consent, error) {
	granted, err := s.client.Do(ctx, s.client.B().Get().Key(s.consentGrantedKey(subject, clientID)).Build()).AsInt64()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrConsentNotFound
		}
		return nil, fmt.Errorf("failed to get consent: %w", err)
	}

	scopes, err := s.client.Do(ctx, s.client.B().Smembers().Key(s.consentScopesKey(subject, clientID)).Build()).AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("failed to get consented scopes: %w", err)
	}
	slices.Sort(scopes)

	return &storage.Consent{
		Subject:   subject,
		ClientID:  clientID,
		Scopes:    scopes,
		GrantedAt: fromMillis(granted),
	}, nil
}

// GrantConsent atomically records scopes for (subject, clientID)
func (s *Store) GrantConsent(ctx context.Context, subject, clientID string, scopes []string, reset bool, now time.Time) (c *storage.Consent, err error) {
	ctx, span := s.startStorageSpan(ctx, "grant_consent")
	defer span.End()
	startTime := timeNow()
	defer func() { s.recordStorageOperation(ctx, span, "grant_consent", err, startTime) }()

	if subject == "" || clientID == "" {
		return nil, fmt.Errorf("subject and client id are required")
	}

	resetFlag := "0"
	if reset {
		resetFlag = "1"
	}
	args := append([]string{resetFlag, strconv.FormatInt(now.UnixMilli(), 10)}, scopes...)

	merged, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaGrantConsent).
			Numkeys(2).
			Key(s.consentScopesKey(subject, clientID), s.consentGrantedKey(subject, clientID)).
			Arg(args...).
			Build()).AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("failed to grant consent: %w", err)
	}
	slices.Sort(merged)

	return &storage.Consent{
		Subject:   subject,
		ClientID:  clientID,
		Scopes:    merged,
		GrantedAt: now,
	}, nil
}

// RevokeConsent deletes the consent of subject for clientID
func (s *Store) RevokeConsent(ctx context.Context, subject, clientID string) error {
	err := s.client.Do(ctx, s.client.B().Del().
		Key(s.consentScopesKey(subject, clientID), s.consentGrantedKey(subject, clientID)).
		Build()).Error()
	if err != nil {
		return fmt.Errorf("failed to revoke consent: %w", err)
	}
	return nil
}
