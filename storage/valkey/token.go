package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/giantswarm/oauth-authserver/internal/util"
	"github.com/giantswarm/oauth-authserver/storage"
)

// ============================================================
// TokenStore Implementation
// ============================================================

// SaveRefreshToken stores a newly issued refresh token and indexes it by
// family and by subject and client.
func (s *Store) SaveRefreshToken(ctx context.Context, token *storage.RefreshToken) (err error) {
	ctx, span := s.startStorageSpan(ctx, "save_refresh_token")
	defer span.End()
	startTime := timeNow()
	defer func() { s.recordStorageOperation(ctx, span, "save_refresh_token", err, startTime) }()

	if err := validateRefreshToken(token); err != nil {
		return err
	}

	ttl := calculateTTL(token.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("refresh token already expired")
	}

	data, err := json.Marshal(toRefreshTokenJSON(token))
	if err != nil {
		return fmt.Errorf("failed to marshal refresh token: %w", err)
	}

	if err := s.client.Do(ctx, s.client.B().Set().Key(s.refreshTokenKey(token.Token)).Value(string(data)).Ex(ttl).Build()).Error(); err != nil {
		return fmt.Errorf("failed to save refresh token: %w", err)
	}

	// The index sets live as long as their longest lived member and dangling
	// members are skipped on revocation.
	familyKey := s.familyKey(token.FamilyID)
	subjectKey := s.subjectClientKey(token.Subject, token.ClientID)
	cmds := []struct {
		name string
		err  error
	}{
		{"add to family", s.client.Do(ctx, s.client.B().Sadd().Key(familyKey).Member(token.Token).Build()).Error()},
		{"expire family", s.extendTTL(ctx, familyKey, ttl)},
		{"index family", s.client.Do(ctx, s.client.B().Sadd().Key(subjectKey).Member(token.FamilyID).Build()).Error()},
		{"expire family index", s.extendTTL(ctx, subjectKey, ttl)},
	}
	for _, c := range cmds {
		if c.err != nil {
			return fmt.Errorf("failed to %s: %w", c.name, c.err)
		}
	}

	s.logger.Debug("Saved refresh token",
		"token_prefix", util.SafeTruncate(token.Token, tokenIDLogLength),
		"family_id", util.SafeTruncate(token.FamilyID, tokenIDLogLength),
		"generation", token.Generation)
	return nil
}

// extendTTL raises the TTL of an index key to at least ttl
func (s *Store) extendTTL(ctx context.Context, key string, ttl time.Duration) error {
	return s.client.Do(ctx,
		s.client.B().Eval().Script(luaExtendTTL).
			Numkeys(1).
			Key(key).
			Arg(strconv.FormatInt(ttl.Milliseconds(), 10)).
			Build()).Error()
}

// validateRefreshToken validates the refresh token parameters.
func validateRefreshToken(token *storage.RefreshToken) error {
	if token == nil || token.Token == "" {
		return fmt.Errorf("refresh token cannot be empty")
	}
	if token.FamilyID == "" {
		return fmt.Errorf("familyID cannot be empty")
	}
	if err := validateStringLength(token.Token, MaxTokenLength, "refresh token"); err != nil {
		return err
	}
	for field, value := range map[string]string{
		"subject":  token.Subject,
		"clientID": token.ClientID,
		"familyID": token.FamilyID,
	} {
		if err := validateStringLength(value, MaxIDLength, field); err != nil {
			return err
		}
	}
	return nil
}

// GetRefreshToken retrieves a refresh token without consuming it
func (s *Store) GetRefreshToken(ctx context.Context, token string) (*storage.RefreshToken, error) {
	return getAndUnmarshal(ctx, s, s.refreshTokenKey(token), storage.ErrRefreshTokenNotFound, fromRefreshTokenJSON)
}

// ConsumeRefreshToken atomically marks a refresh token consumed
func (s *Store) ConsumeRefreshToken(ctx context.Context, token string, now time.Time) (rt *storage.RefreshToken, err error) {
	ctx, span := s.startStorageSpan(ctx, "consume_refresh_token")
	defer span.End()
	startTime := timeNow()
	defer func() { s.recordStorageOperation(ctx, span, "consume_refresh_token", err, startTime) }()

	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaConsumeRefreshToken).
			Numkeys(1).
			Key(s.refreshTokenKey(token)).
			Arg(strconv.FormatInt(now.UnixMilli(), 10)).
			Build()).ToString()
	if err != nil {
		return nil, fmt.Errorf("failed to consume refresh token: %w", err)
	}

	for prefix, sentinel := range map[string]error{
		"REVOKED:": storage.ErrRefreshTokenRevoked,
		"USED:":    storage.ErrRefreshTokenUsed,
	} {
		if strings.HasPrefix(result, prefix) {
			stored, err := unmarshalAs(strings.TrimPrefix(result, prefix), fromRefreshTokenJSON)
			if err != nil {
				return nil, err
			}
			return stored, sentinel
		}
	}

	switch result {
	case "NOT_FOUND":
		return nil, storage.ErrRefreshTokenNotFound
	case "EXPIRED":
		return nil, fmt.Errorf("%w: refresh token expired", storage.ErrTokenExpired)
	}

	return unmarshalAs(result, fromRefreshTokenJSON)
}

// RevokeRefreshTokenFamily revokes every refresh token of a family and its access tokens
func (s *Store) RevokeRefreshTokenFamily(ctx context.Context, familyID string, now time.Time) (n int, err error) {
	ctx, span := s.startStorageSpan(ctx, "revoke_refresh_token_family")
	defer span.End()
	startTime := timeNow()
	defer func() { s.recordStorageOperation(ctx, span, "revoke_refresh_token_family", err, startTime) }()

	revoked, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaRevokeFamily).
			Numkeys(1).
			Key(s.familyKey(familyID)).
			Arg(strconv.FormatInt(now.UnixMilli(), 10), s.prefix).
			Build()).AsInt64()
	if err != nil {
		return 0, fmt.Errorf("failed to revoke refresh token family: %w", err)
	}

	s.logger.Info("Revoked refresh token family",
		"family_id", util.SafeTruncate(familyID, tokenIDLogLength),
		"tokens_revoked", revoked)
	return int(revoked), nil
}

// RevokeTokensForSubjectClient revokes every family issued to subject for clientID
func (s *Store) RevokeTokensForSubjectClient(ctx context.Context, subject, clientID string, now time.Time) (int, error) {
	if err := validateStringLength(subject, MaxIDLength, "subject"); err != nil {
		return 0, err
	}
	if err := validateStringLength(clientID, MaxIDLength, "clientID"); err != nil {
		return 0, err
	}

	families, err := s.client.Do(ctx, s.client.B().Smembers().Key(s.subjectClientKey(subject, clientID)).Build()).AsStrSlice()
	if err != nil {
		return 0, fmt.Errorf("failed to get token families: %w", err)
	}

	total := 0
	for _, familyID := range families {
		n, err := s.RevokeRefreshTokenFamily(ctx, familyID, now)
		if err != nil {
			return total, err
		}
		total += n
	}

	accessRevoked, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaRevokeIssuedAccessTokens).
			Numkeys(1).
			Key(s.issuedAccessKey(subject, clientID)).
			Arg(strconv.FormatInt(now.UnixMilli(), 10), s.prefix).
			Build()).AsInt64()
	if err != nil {
		return total, fmt.Errorf("failed to revoke issued access tokens: %w", err)
	}
	total += int(accessRevoked)

	s.logger.Info("Revoked tokens for subject and client",
		"client_id", clientID,
		"families", len(families),
		"tokens_revoked", total)
	return total, nil
}

// TrackAccessToken records an access token issued to subject for clientID
func (s *Store) TrackAccessToken(ctx context.Context, subject, clientID, tokenID string, expiresAt time.Time) (err error) {
	ctx, span := s.startStorageSpan(ctx, "track_access_token")
	defer span.End()
	startTime := timeNow()
	defer func() { s.recordStorageOperation(ctx, span, "track_access_token", err, startTime) }()

	if tokenID == "" {
		return fmt.Errorf("token id is required")
	}
	if err := validateStringLength(tokenID, MaxTokenLength, "token id"); err != nil {
		return err
	}
	for field, value := range map[string]string{"subject": subject, "clientID": clientID} {
		if err := validateStringLength(value, MaxIDLength, field); err != nil {
			return err
		}
	}

	ttl := calculateTTL(expiresAt)
	if ttl <= 0 {
		return nil
	}

	err = s.client.Do(ctx,
		s.client.B().Eval().Script(luaTrackAccessToken).
			Numkeys(1).
			Key(s.issuedAccessKey(subject, clientID)).
			Arg(
				tokenID,
				strconv.FormatInt(expiresAt.UnixMilli(), 10),
				strconv.FormatInt(timeNow().UnixMilli(), 10),
				strconv.FormatInt(ttl.Milliseconds(), 10),
			).
			Build()).Error()
	if err != nil {
		return fmt.Errorf("failed to track access token: %w", err)
	}
	return nil
}

// RevokeAccessToken marks an access token id revoked until expiresAt
func (s *Store) RevokeAccessToken(ctx context.Context, tokenID string, expiresAt time.Time) error {
	if tokenID == "" {
		return fmt.Errorf("token id is required")
	}
	if err := validateStringLength(tokenID, MaxTokenLength, "token id"); err != nil {
		return err
	}

	ttl := calculateTTL(expiresAt)
	if ttl <= 0 {
		// Already expired; verification rejects it regardless.
		return nil
	}

	if err := s.client.Do(ctx, s.client.B().Set().Key(s.revokedKey(tokenID)).Value("1").Ex(ttl).Build()).Error(); err != nil {
		return fmt.Errorf("failed to revoke access token: %w", err)
	}
	return nil
}

// IsAccessTokenRevoked reports whether an access token id is in the revocation set
func (s *Store) IsAccessTokenRevoked(ctx context.Context, tokenID string) (bool, error) {
	n, err := s.client.Do(ctx, s.client.B().Exists().Key(s.revokedKey(tokenID)).Build()).AsInt64()
	if err != nil {
		return false, fmt.Errorf("failed to check revocation: %w", err)
	}
	return n > 0, nil
}
