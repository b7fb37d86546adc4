package server

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/giantswarm/oauth-authserver/internal/util"
	"github.com/giantswarm/oauth-authserver/keys"
	"github.com/giantswarm/oauth-authserver/security"
	"github.com/giantswarm/oauth-authserver/storage"
)

// tokenPrefixLength is how much of a token value may appear in logs
const tokenPrefixLength = 8

// Token type identifiers (RFC 7009 section 2.1, RFC 7662 section 2.1)
const (
	TokenTypeAccessToken  = "access_token"
	TokenTypeRefreshToken = "refresh_token"
	TokenTypeBearer       = "Bearer"
)

// AccessTokenClaims are the claims of a signed access token (RFC 9068 layout)
type AccessTokenClaims struct {
	jwt.RegisteredClaims
	ClientID string `json:"client_id"`
	Scope    string `json:"scope,omitempty"`
}

// Scopes returns the granted scopes
func (c *AccessTokenClaims) Scopes() []string {
	return util.ParseScope(c.Scope)
}

// IDTokenClaims are the claims of an OIDC ID token
type IDTokenClaims struct {
	jwt.RegisteredClaims
	Nonce           string           `json:"nonce,omitempty"`
	AuthTime        *jwt.NumericDate `json:"auth_time,omitempty"`
	AuthorizedParty string           `json:"azp,omitempty"`
	AccessTokenHash string           `json:"at_hash,omitempty"`
}

// AccessToken is a minted access token
type AccessToken struct {
	Token     string // signed JWT
	TokenID   string // jti
	ClientID  string
	Subject   string
	Scopes    []string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// ExpiresIn returns the token lifetime in whole seconds
func (t *AccessToken) ExpiresIn() int64 {
	return int64(t.ExpiresAt.Sub(t.IssuedAt) / time.Second)
}

// CodeRequest describes an authorization code to issue
type CodeRequest struct {
	ClientID            string
	Subject             string
	Scopes              []string
	RedirectURI         string // as sent in the authorization request, empty if omitted
	CodeChallenge       string
	CodeChallengeMethod string
	Nonce               string
	AuthTime            time.Time
}

// CodeGrant is what a consumed authorization code authorizes
type CodeGrant struct {
	ClientID            string
	Subject             string
	Scopes              []string
	Nonce               string
	AuthTime            time.Time
	CodeChallengeMethod string
}

// RefreshTokenRequest describes a refresh token to issue. An empty FamilyID
// starts a new family.
type RefreshTokenRequest struct {
	ClientID    string
	Subject     string
	Scopes      []string
	TTL         time.Duration
	FamilyID    string
	Generation  int
	RotatedFrom string

	// The access token issued alongside, revoked together with the family
	AccessToken *AccessToken
}

// IDTokenRequest describes an OIDC ID token to issue
type IDTokenRequest struct {
	ClientID    string
	Subject     string
	Nonce       string
	AuthTime    time.Time
	AccessToken string // used for at_hash
}

// TokenService mints, stores and validates authorization codes, access
// tokens, refresh tokens and ID tokens.
type TokenService struct {
	flows   storage.FlowStore
	tokens  storage.TokenStore
	keys    KeyManager
	clients *ClientRegistry
	config  *Config
	logger  *slog.Logger
}

func newTokenService(store storage.Store, keyManager KeyManager, clients *ClientRegistry, config *Config) *TokenService {
	return &TokenService{
		flows:   store,
		tokens:  store,
		keys:    keyManager,
		clients: clients,
		config:  config,
		logger:  config.Logger,
	}
}

// IssueAuthorizationCode issues a single-use code valid for AuthorizationCodeTTL
func (t *TokenService) IssueAuthorizationCode(ctx context.Context, req CodeRequest) (*storage.AuthorizationCode, error) {
	if req.ClientID == "" || req.Subject == "" {
		return nil, fmt.Errorf("client id and subject are required")
	}

	now := t.config.Clock.Now()
	code := &storage.AuthorizationCode{
		Code:                generateRandomToken(),
		ClientID:            req.ClientID,
		Subject:             req.Subject,
		Scopes:              slices.Clone(req.Scopes),
		RedirectURI:         req.RedirectURI,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		Nonce:               req.Nonce,
		AuthTime:            req.AuthTime,
		IssuedAt:            now,
		ExpiresAt:           now.Add(t.config.AuthorizationCodeTTL),
	}

	ctx, cancel := withStoreTimeout(ctx, t.config)
	defer cancel()

	if err := t.flows.SaveAuthorizationCode(ctx, code); err != nil {
		return nil, fmt.Errorf("failed to save authorization code: %w", err)
	}

	t.config.Auditor.LogEvent(security.Event{
		Type:     security.EventAuthorizationCodeIssued,
		Subject:  req.Subject,
		ClientID: req.ClientID,
		Details: map[string]any{
			"scope":       util.JoinScopes(req.Scopes),
			"pkce_method": req.CodeChallengeMethod,
		},
	})
	t.config.metrics().RecordCodeIssued(ctx, req.ClientID)
	return code, nil
}

// ConsumeAuthorizationCode redeems a code. The client, redirect URI and PKCE
// verifier are checked before the atomic consume, so a wrong verifier does
// not burn the code. Exactly one concurrent caller succeeds. A replayed code
// revokes every token issued to its subject and client.
func (t *TokenService) ConsumeAuthorizationCode(ctx context.Context, code, clientID, redirectURI, codeVerifier string) (*CodeGrant, error) {
	ctx, cancel := withStoreTimeout(ctx, t.config)
	defer cancel()

	stored, err := t.flows.GetAuthorizationCode(ctx, code)
	if err != nil {
		if errors.Is(err, storage.ErrAuthorizationCodeNotFound) {
			return nil, ErrCodeInvalid
		}
		return nil, fmt.Errorf("failed to get authorization code: %w", err)
	}

	// A code bound to another client is reported as unknown
	if stored.ClientID != clientID {
		t.logger.Debug("Authorization code validation failed",
			"reason", "client_id_mismatch",
			"client_id", clientID,
			"code_prefix", util.SafeTruncate(code, tokenPrefixLength))
		return nil, ErrCodeInvalid
	}

	now := t.config.Clock.Now()
	if stored.Used {
		t.handleCodeReuse(ctx, stored, now)
		return nil, ErrCodeAlreadyUsed
	}
	if security.IsExpired(now, stored.ExpiresAt) {
		return nil, ErrCodeExpired
	}
	if stored.RedirectURI != redirectURI {
		t.config.Auditor.LogInvalidRedirect(clientID, redirectURI)
		return nil, ErrRedirectMismatch
	}
	if err := verifyPKCE(stored.CodeChallenge, stored.CodeChallengeMethod, codeVerifier); err != nil {
		t.config.Auditor.LogInvalidPKCE(clientID, stored.CodeChallengeMethod)
		t.config.metrics().RecordPKCEValidationFailed(ctx, stored.CodeChallengeMethod)
		return nil, err
	}

	// SECURITY: the synchronization point, only one caller gets past it
	consumed, err := t.flows.ConsumeAuthorizationCode(ctx, code, now)
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrAuthorizationCodeUsed):
		if consumed != nil {
			t.handleCodeReuse(ctx, consumed, now)
		}
		return nil, ErrCodeAlreadyUsed
	case errors.Is(err, storage.ErrTokenExpired):
		return nil, ErrCodeExpired
	case errors.Is(err, storage.ErrAuthorizationCodeNotFound):
		return nil, ErrCodeInvalid
	default:
		return nil, fmt.Errorf("failed to consume authorization code: %w", err)
	}

	method := consumed.CodeChallengeMethod
	if consumed.CodeChallenge == "" {
		method = "none"
	}
	t.config.metrics().RecordCodeExchange(ctx, clientID, method)

	return &CodeGrant{
		ClientID:            consumed.ClientID,
		Subject:             consumed.Subject,
		Scopes:              consumed.Scopes,
		Nonce:               consumed.Nonce,
		AuthTime:            consumed.AuthTime,
		CodeChallengeMethod: consumed.CodeChallengeMethod,
	}, nil
}

// handleCodeReuse revokes every token issued to the code's subject and client
// (RFC 6749 section 4.1.2). A replayed code indicates it was intercepted.
func (t *TokenService) handleCodeReuse(ctx context.Context, code *storage.AuthorizationCode, now time.Time) {
	revoked, err := t.tokens.RevokeTokensForSubjectClient(ctx, code.Subject, code.ClientID, now)
	if err != nil {
		t.logger.Error("Failed to revoke tokens after code reuse detection",
			"client_id", code.ClientID,
			"error", err)
	}

	t.logger.Warn("Authorization code reuse detected - revoking all tokens",
		"client_id", code.ClientID,
		"code_prefix", util.SafeTruncate(code.Code, tokenPrefixLength),
		"tokens_revoked", revoked)
	t.config.Auditor.LogCodeReuse(code.Subject, code.ClientID, revoked)
	t.config.metrics().RecordCodeReuseDetected(ctx)
}

// IssueAccessToken signs an access token for a registered client. issuedAt is
// truncated to the second; ttl = 0 yields an already expired token.
func (t *TokenService) IssueAccessToken(ctx context.Context, clientID, subject string, scopes []string, ttl time.Duration) (*AccessToken, error) {
	if ttl < 0 || (t.config.MaxTokenLifetime > 0 && ttl > t.config.MaxTokenLifetime) {
		return nil, ErrInvalidTTL
	}
	if _, err := t.clients.Lookup(ctx, clientID); err != nil {
		return nil, err
	}

	issuedAt := t.config.Clock.Now().Truncate(time.Second)
	expiresAt := issuedAt.Add(ttl.Truncate(time.Second))
	token := &AccessToken{
		TokenID:   uuid.NewString(),
		ClientID:  clientID,
		Subject:   subject,
		Scopes:    slices.Clone(scopes),
		IssuedAt:  issuedAt,
		ExpiresAt: expiresAt,
	}

	claims := AccessTokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    t.config.Issuer,
			Subject:   subject,
			Audience:  jwt.ClaimStrings{clientID},
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			NotBefore: jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        token.TokenID,
		},
		ClientID: clientID,
		Scope:    util.JoinScopes(scopes),
	}

	signed, err := t.keys.Sign(claims)
	if err != nil {
		return nil, fmt.Errorf("failed to sign access token: %w", err)
	}
	token.Token = signed

	// Tracked so a replayed authorization code also reaches access tokens
	// that have no refresh token.
	if expiresAt.After(issuedAt) {
		ctx, cancel := withStoreTimeout(ctx, t.config)
		defer cancel()
		if err := t.tokens.TrackAccessToken(ctx, subject, clientID, token.TokenID, expiresAt); err != nil {
			return nil, fmt.Errorf("failed to track access token: %w", err)
		}
	}
	return token, nil
}

// IssueRefreshToken stores a new opaque refresh token
func (t *TokenService) IssueRefreshToken(ctx context.Context, req RefreshTokenRequest) (*storage.RefreshToken, error) {
	if req.TTL <= 0 {
		return nil, fmt.Errorf("%w: refresh token TTL must be positive", ErrInvalidTTL)
	}

	now := t.config.Clock.Now()
	familyID := req.FamilyID
	if familyID == "" {
		familyID = uuid.NewString()
	}

	rt := &storage.RefreshToken{
		Token:       generateRandomToken(),
		FamilyID:    familyID,
		Generation:  req.Generation,
		ClientID:    req.ClientID,
		Subject:     req.Subject,
		Scopes:      slices.Clone(req.Scopes),
		IssuedAt:    now,
		ExpiresAt:   now.Add(req.TTL),
		RotatedFrom: req.RotatedFrom,
	}
	if req.AccessToken != nil {
		rt.AccessTokenID = req.AccessToken.TokenID
		rt.AccessTokenExpiresAt = req.AccessToken.ExpiresAt
	}

	ctx, cancel := withStoreTimeout(ctx, t.config)
	defer cancel()

	if err := t.tokens.SaveRefreshToken(ctx, rt); err != nil {
		return nil, fmt.Errorf("failed to save refresh token: %w", err)
	}
	return rt, nil
}

// RotateRefreshToken redeems oldToken for a new access token and, unless the
// client reuses refresh tokens, a new refresh token in the same family.
// Presenting an already rotated token revokes the whole family and fails
// with ErrTokenReused. scopes may narrow the original grant; nil keeps it.
func (t *TokenService) RotateRefreshToken(ctx context.Context, client *storage.Client, oldToken string, scopes []string) (*AccessToken, *storage.RefreshToken, error) {
	storeCtx, cancel := withStoreTimeout(ctx, t.config)
	defer cancel()

	stored, err := t.tokens.GetRefreshToken(storeCtx, oldToken)
	if err != nil {
		if errors.Is(err, storage.ErrRefreshTokenNotFound) {
			return nil, nil, ErrTokenNotFound
		}
		return nil, nil, fmt.Errorf("failed to get refresh token: %w", err)
	}

	// A token bound to another client is reported as unknown and left untouched
	if stored.ClientID != client.ClientID {
		t.logger.Debug("Refresh token validation failed",
			"reason", "client_id_mismatch",
			"client_id", client.ClientID,
			"token_prefix", util.SafeTruncate(oldToken, tokenPrefixLength))
		return nil, nil, ErrTokenNotFound
	}

	if len(scopes) == 0 {
		scopes = stored.Scopes
	} else if missing := util.MissingScopes(scopes, stored.Scopes); len(missing) > 0 {
		return nil, nil, fmt.Errorf("%w: refresh may not widen the original grant", ErrScopeNotAllowed)
	}

	now := t.config.Clock.Now()
	if client.ReuseRefreshTokens {
		return t.reuseRefreshToken(ctx, client, stored, scopes, now)
	}

	// SECURITY: the synchronization point, only one caller rotates a token
	consumed, err := t.tokens.ConsumeRefreshToken(storeCtx, oldToken, now)
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrRefreshTokenUsed):
		if consumed == nil {
			consumed = stored
		}
		t.handleRefreshTokenReuse(storeCtx, consumed, now)
		return nil, nil, ErrTokenReused
	case errors.Is(err, storage.ErrRefreshTokenRevoked):
		t.config.Auditor.LogAuthFailure(stored.Subject, client.ClientID, "", "revoked_refresh_token")
		return nil, nil, ErrTokenRevoked
	case errors.Is(err, storage.ErrTokenExpired):
		return nil, nil, ErrTokenExpired
	case errors.Is(err, storage.ErrRefreshTokenNotFound):
		return nil, nil, ErrTokenNotFound
	default:
		return nil, nil, fmt.Errorf("failed to consume refresh token: %w", err)
	}

	access, err := t.IssueAccessToken(ctx, client.ClientID, consumed.Subject, scopes, client.AccessTokenTTL)
	if err != nil {
		return nil, nil, err
	}

	// The rotated token keeps the family's original scopes so later refreshes
	// can still ask for anything the grant covered
	next, err := t.IssueRefreshToken(ctx, RefreshTokenRequest{
		ClientID:    client.ClientID,
		Subject:     consumed.Subject,
		Scopes:      consumed.Scopes,
		TTL:         client.RefreshTokenTTL,
		FamilyID:    consumed.FamilyID,
		Generation:  consumed.Generation + 1,
		RotatedFrom: consumed.Token,
		AccessToken: access,
	})
	if err != nil {
		return nil, nil, err
	}

	// A replay of the old token may have revoked the family between the
	// consume and the save above; the new token must not escape it.
	if current, err := t.tokens.GetRefreshToken(storeCtx, consumed.Token); err == nil && current.Revoked {
		if _, err := t.tokens.RevokeRefreshTokenFamily(storeCtx, consumed.FamilyID, now); err != nil {
			t.logger.Error("Failed to revoke token family", "error", err)
		}
		return nil, nil, ErrTokenRevoked
	}

	t.logger.Debug("Rotated refresh token",
		"client_id", client.ClientID,
		"family_id", util.SafeTruncate(consumed.FamilyID, tokenPrefixLength),
		"generation", next.Generation)
	t.config.Auditor.LogTokenRefreshed(consumed.Subject, client.ClientID, true)
	t.config.metrics().RecordTokenRefresh(ctx, client.ClientID, true)
	return access, next, nil
}

// reuseRefreshToken serves clients registered with ReuseRefreshTokens: the
// refresh token stays valid and only a new access token is minted.
func (t *TokenService) reuseRefreshToken(ctx context.Context, client *storage.Client, stored *storage.RefreshToken, scopes []string, now time.Time) (*AccessToken, *storage.RefreshToken, error) {
	switch {
	case stored.Revoked:
		return nil, nil, ErrTokenRevoked
	case stored.Consumed:
		t.handleRefreshTokenReuse(ctx, stored, now)
		return nil, nil, ErrTokenReused
	case security.IsExpired(now, stored.ExpiresAt):
		return nil, nil, ErrTokenExpired
	}

	access, err := t.IssueAccessToken(ctx, client.ClientID, stored.Subject, scopes, client.AccessTokenTTL)
	if err != nil {
		return nil, nil, err
	}

	t.config.Auditor.LogTokenRefreshed(stored.Subject, client.ClientID, false)
	t.config.metrics().RecordTokenRefresh(ctx, client.ClientID, false)
	return access, stored, nil
}

// handleRefreshTokenReuse revokes the family of a replayed refresh token,
// including the access tokens minted with it
func (t *TokenService) handleRefreshTokenReuse(ctx context.Context, token *storage.RefreshToken, now time.Time) {
	revoked, err := t.tokens.RevokeRefreshTokenFamily(ctx, token.FamilyID, now)
	if err != nil {
		t.logger.Error("Failed to revoke token family", "error", err)
	}

	t.logger.Warn("Refresh token reuse detected - token family revoked",
		"client_id", token.ClientID,
		"family_id", util.SafeTruncate(token.FamilyID, tokenPrefixLength),
		"generation", token.Generation,
		"tokens_revoked", revoked)
	t.config.Auditor.LogTokenReuse(token.Subject, token.ClientID, token.FamilyID)
	t.config.metrics().RecordTokenReuseDetected(ctx)
}

// ValidateAccessToken verifies an access token. Errors: ErrTokenMalformed,
// ErrSignatureInvalid, ErrTokenExpired (now >= exp, so a ttl of zero is
// expired immediately) and ErrTokenRevoked.
func (t *TokenService) ValidateAccessToken(ctx context.Context, token string) (*AccessTokenClaims, error) {
	claims, err := t.verifyAccessToken(token)
	if err != nil {
		return nil, err
	}

	if security.IsExpired(t.config.Clock.Now(), claims.ExpiresAt.Time) {
		return nil, ErrTokenExpired
	}

	ctx, cancel := withStoreTimeout(ctx, t.config)
	defer cancel()

	revoked, err := t.tokens.IsAccessTokenRevoked(ctx, claims.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to check token revocation: %w", err)
	}
	if revoked {
		return nil, ErrTokenRevoked
	}
	return claims, nil
}

// verifyAccessToken checks signature, issuer and required claims, not expiry
func (t *TokenService) verifyAccessToken(token string) (*AccessTokenClaims, error) {
	if token == "" {
		return nil, ErrTokenMalformed
	}

	claims := &AccessTokenClaims{}
	if err := t.keys.Verify(token, claims); err != nil {
		if errors.Is(err, keys.ErrMalformedToken) {
			return nil, fmt.Errorf("%w: %v", ErrTokenMalformed, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}

	if claims.ExpiresAt == nil || claims.IssuedAt == nil || claims.ID == "" || claims.ClientID == "" {
		return nil, fmt.Errorf("%w: missing required claims", ErrTokenMalformed)
	}
	if claims.Issuer != t.config.Issuer {
		return nil, fmt.Errorf("%w: unexpected issuer %q", ErrSignatureInvalid, claims.Issuer)
	}
	return claims, nil
}

// IssueIDToken signs an OIDC ID token (OpenID Connect Core section 2)
func (t *TokenService) IssueIDToken(ctx context.Context, req IDTokenRequest) (string, error) {
	issuedAt := t.config.Clock.Now().Truncate(time.Second)

	claims := IDTokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    t.config.Issuer,
			Subject:   req.Subject,
			Audience:  jwt.ClaimStrings{req.ClientID},
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(issuedAt.Add(t.config.IDTokenTTL)),
			ID:        uuid.NewString(),
		},
		Nonce:           req.Nonce,
		AuthorizedParty: req.ClientID,
	}
	if !req.AuthTime.IsZero() {
		claims.AuthTime = jwt.NewNumericDate(req.AuthTime)
	}
	if req.AccessToken != "" {
		claims.AccessTokenHash = accessTokenHash(req.AccessToken)
	}

	signed, err := t.keys.Sign(claims)
	if err != nil {
		return "", fmt.Errorf("failed to sign ID token: %w", err)
	}
	return signed, nil
}

// accessTokenHash computes at_hash: the left half of the SHA-256 digest,
// base64url encoded. Both RS256 and ES256 use SHA-256.
func accessTokenHash(accessToken string) string {
	sum := sha256.Sum256([]byte(accessToken))
	return base64.RawURLEncoding.EncodeToString(sum[:len(sum)/2])
}

// Revoke revokes token on behalf of client (RFC 7009). A refresh token
// revokes its whole family; an access token is added to the revocation set.
// Unknown or invalid tokens are not an error. A token issued to another
// client fails with ErrInvalidClientCredentials.
func (t *TokenService) Revoke(ctx context.Context, client *storage.Client, token, tokenTypeHint string) error {
	if token == "" {
		return nil
	}

	storeCtx, cancel := withStoreTimeout(ctx, t.config)
	defer cancel()
	now := t.config.Clock.Now()

	revokeRefresh := func() (bool, error) {
		rt, err := t.tokens.GetRefreshToken(storeCtx, token)
		if err != nil {
			if errors.Is(err, storage.ErrRefreshTokenNotFound) {
				return false, nil
			}
			return false, fmt.Errorf("failed to get refresh token: %w", err)
		}
		if rt.ClientID != client.ClientID {
			return true, ErrInvalidClientCredentials
		}
		if _, err := t.tokens.RevokeRefreshTokenFamily(storeCtx, rt.FamilyID, now); err != nil {
			return true, fmt.Errorf("failed to revoke token family: %w", err)
		}
		t.config.Auditor.LogTokenRevoked(rt.Subject, client.ClientID, TokenTypeRefreshToken)
		t.config.metrics().RecordTokenRevocation(ctx, client.ClientID, TokenTypeRefreshToken)
		return true, nil
	}

	revokeAccess := func() (bool, error) {
		claims, err := t.verifyAccessToken(token)
		if err != nil {
			return false, nil
		}
		if claims.ClientID != client.ClientID {
			return true, ErrInvalidClientCredentials
		}
		if security.IsExpired(now, claims.ExpiresAt.Time) {
			return true, nil
		}
		if err := t.tokens.RevokeAccessToken(storeCtx, claims.ID, claims.ExpiresAt.Time); err != nil {
			return true, fmt.Errorf("failed to revoke access token: %w", err)
		}
		t.config.Auditor.LogTokenRevoked(claims.Subject, client.ClientID, TokenTypeAccessToken)
		t.config.metrics().RecordTokenRevocation(ctx, client.ClientID, TokenTypeAccessToken)
		return true, nil
	}

	// The hint only decides which lookup runs first (RFC 7009 section 2.1)
	lookups := []func() (bool, error){revokeRefresh, revokeAccess}
	if tokenTypeHint == TokenTypeAccessToken {
		lookups = []func() (bool, error){revokeAccess, revokeRefresh}
	}
	for _, lookup := range lookups {
		found, err := lookup()
		if found || err != nil {
			return err
		}
	}
	return nil
}

// Introspection is an RFC 7662 introspection response
type Introspection struct {
	Active    bool     `json:"active"`
	Scope     string   `json:"scope,omitempty"`
	ClientID  string   `json:"client_id,omitempty"`
	TokenType string   `json:"token_type,omitempty"`
	Exp       int64    `json:"exp,omitempty"`
	Iat       int64    `json:"iat,omitempty"`
	Nbf       int64    `json:"nbf,omitempty"`
	Sub       string   `json:"sub,omitempty"`
	Aud       []string `json:"aud,omitempty"`
	Iss       string   `json:"iss,omitempty"`
	Jti       string   `json:"jti,omitempty"`
}

// Introspect describes token (RFC 7662). Invalid, expired, revoked or
// unknown tokens are reported as inactive, never as an error; only storage
// failures return one.
func (t *TokenService) Introspect(ctx context.Context, token, tokenTypeHint string) (*Introspection, error) {
	inactive := &Introspection{Active: false}
	if token == "" {
		return inactive, nil
	}

	introspectAccess := func() (*Introspection, error) {
		claims, err := t.ValidateAccessToken(ctx, token)
		if err != nil {
			if isTokenError(err) {
				return nil, nil
			}
			return nil, err
		}
		return &Introspection{
			Active:    true,
			Scope:     claims.Scope,
			ClientID:  claims.ClientID,
			TokenType: TokenTypeBearer,
			Exp:       claims.ExpiresAt.Unix(),
			Iat:       claims.IssuedAt.Unix(),
			Nbf:       numericDateUnix(claims.NotBefore),
			Sub:       claims.Subject,
			Aud:       claims.Audience,
			Iss:       claims.Issuer,
			Jti:       claims.ID,
		}, nil
	}

	introspectRefresh := func() (*Introspection, error) {
		storeCtx, cancel := withStoreTimeout(ctx, t.config)
		defer cancel()

		rt, err := t.tokens.GetRefreshToken(storeCtx, token)
		if err != nil {
			if errors.Is(err, storage.ErrRefreshTokenNotFound) {
				return nil, nil
			}
			return nil, fmt.Errorf("failed to get refresh token: %w", err)
		}
		if rt.Revoked || rt.Consumed || security.IsExpired(t.config.Clock.Now(), rt.ExpiresAt) {
			return inactive, nil
		}
		return &Introspection{
			Active:    true,
			Scope:     util.JoinScopes(rt.Scopes),
			ClientID:  rt.ClientID,
			TokenType: TokenTypeRefreshToken,
			Exp:       rt.ExpiresAt.Unix(),
			Iat:       rt.IssuedAt.Unix(),
			Sub:       rt.Subject,
			Iss:       t.config.Issuer,
		}, nil
	}

	lookups := []func() (*Introspection, error){introspectAccess, introspectRefresh}
	if tokenTypeHint == TokenTypeRefreshToken {
		lookups = []func() (*Introspection, error){introspectRefresh, introspectAccess}
	}
	for _, lookup := range lookups {
		result, err := lookup()
		if err != nil {
			return nil, err
		}
		if result != nil {
			return result, nil
		}
	}
	return inactive, nil
}

// isTokenError reports whether err describes a bad token rather than a failure
func isTokenError(err error) bool {
	return errors.Is(err, ErrTokenMalformed) ||
		errors.Is(err, ErrSignatureInvalid) ||
		errors.Is(err, ErrTokenExpired) ||
		errors.Is(err, ErrTokenRevoked)
}

func numericDateUnix(d *jwt.NumericDate) int64 {
	if d == nil {
		return 0
	}
	return d.Unix()
}
