// Package storage defines the persistence interfaces of the authorization server.
package storage

import (
	"context"
	"slices"
	"time"
)

// ClientStore defines the interface for managing registered OAuth clients.
// All methods accept context.Context for tracing and cancellation.
type ClientStore interface {
	// CreateClient stores a new client. It fails with ErrClientExists when
	// a client with the same id is already registered; registrations are immutable.
	CreateClient(ctx context.Context, client *Client) error

	// GetClient retrieves a client by ID
	GetClient(ctx context.Context, clientID string) (*Client, error)

	// ListClients lists all registered clients
	ListClients(ctx context.Context) ([]*Client, error)
}

// FlowStore defines the interface for the single-use artifacts of the
// authorization code flow: requests parked while the end user decides on
// consent, and issued authorization codes.
type FlowStore interface {
	// SaveAuthorizationRequest parks an authorization request awaiting consent
	SaveAuthorizationRequest(ctx context.Context, req *AuthorizationRequest) error

	// ConsumeAuthorizationRequest atomically retrieves and deletes a pending
	// request. Returns ErrAuthorizationRequestNotFound when it does not exist
	// and ErrAuthorizationRequestExpired (with the request) when now is at or
	// past its expiry.
	ConsumeAuthorizationRequest(ctx context.Context, id string, now time.Time) (*AuthorizationRequest, error)

	// SaveAuthorizationCode saves an issued authorization code. It is kept
	// until CodeReplayRetention after its expiry.
	SaveAuthorizationCode(ctx context.Context, code *AuthorizationCode) error

	// GetAuthorizationCode retrieves an authorization code without consuming it
	GetAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error)

	// ConsumeAuthorizationCode atomically checks that a code is unused and
	// marks it used. Exactly one concurrent caller succeeds. Errors:
	//   - ErrAuthorizationCodeNotFound: unknown code
	//   - ErrTokenExpired: now is at or past the code's expiry
	//   - ErrAuthorizationCodeUsed: the code was already consumed; the stored
	//     code is returned alongside the error so the caller can react to replay
	ConsumeAuthorizationCode(ctx context.Context, code string, now time.Time) (*AuthorizationCode, error)

	// DeleteAuthorizationCode removes an authorization code
	DeleteAuthorizationCode(ctx context.Context, code string) error
}

// TokenStore persists refresh tokens grouped in rotation families and the
// revocation set for access tokens, which are otherwise stateless.
type TokenStore interface {
	// SaveRefreshToken stores a newly issued refresh token
	SaveRefreshToken(ctx context.Context, token *RefreshToken) error

	// GetRefreshToken retrieves a refresh token without consuming it
	GetRefreshToken(ctx context.Context, token string) (*RefreshToken, error)

	// ConsumeRefreshToken atomically marks a refresh token consumed. Exactly
	// one concurrent caller succeeds. Errors:
	//   - ErrRefreshTokenNotFound: unknown token
	//   - ErrRefreshTokenRevoked: the token (or its family) was revoked
	//   - ErrRefreshTokenUsed: the token was already rotated; the stored token
	//     is returned alongside the error for reuse handling
	//   - ErrTokenExpired: now is at or past the token's expiry
	ConsumeRefreshToken(ctx context.Context, token string, now time.Time) (*RefreshToken, error)

	// RevokeRefreshTokenFamily revokes every refresh token of a family and adds
	// the access tokens minted alongside them to the revocation set.
	// Returns the number of refresh tokens newly revoked.
	RevokeRefreshTokenFamily(ctx context.Context, familyID string, now time.Time) (int, error)

	// TrackAccessToken records an access token id issued to subject for
	// clientID until expiresAt, so RevokeTokensForSubjectClient can reach
	// access tokens that no refresh token points at.
	TrackAccessToken(ctx context.Context, subject, clientID, tokenID string, expiresAt time.Time) error

	// RevokeTokensForSubjectClient revokes every refresh token family issued
	// to subject for clientID, the access tokens minted alongside them and
	// every tracked access token of the pair. Returns the number of refresh
	// and access tokens newly revoked.
	RevokeTokensForSubjectClient(ctx context.Context, subject, clientID string, now time.Time) (int, error)

	// RevokeAccessToken adds an access token id to the revocation set until expiresAt
	RevokeAccessToken(ctx context.Context, tokenID string, expiresAt time.Time) error

	// IsAccessTokenRevoked reports whether an access token id is in the revocation set
	IsAccessTokenRevoked(ctx context.Context, tokenID string) (bool, error)
}

// ConsentStore records which scopes an end user has granted to a client.
type ConsentStore interface {
	// GetConsent retrieves the consent of subject for clientID.
	// Returns ErrConsentNotFound when none was recorded.
	GetConsent(ctx context.Context, subject, clientID string) (*Consent, error)

	// GrantConsent atomically records scopes for (subject, clientID). When
	// reset is false the scopes are merged with any existing grant; when reset
	// is true they replace it. Returns the resulting consent.
	GrantConsent(ctx context.Context, subject, clientID string, scopes []string, reset bool, now time.Time) (*Consent, error)

	// RevokeConsent deletes the consent of subject for clientID
	RevokeConsent(ctx context.Context, subject, clientID string) error
}

// Store aggregates every storage interface. Both backends implement it.
type Store interface {
	ClientStore
	FlowStore
	TokenStore
	ConsentStore
}

// CodeReplayRetention is how long a store keeps an authorization code past
// its expiry. A replay inside this window is still reported as
// ErrAuthorizationCodeUsed and triggers revocation instead of looking like an
// unknown code.
const CodeReplayRetention = 10 * time.Minute

// Client authentication methods at the token endpoint (RFC 7591 section 2).
const (
	AuthMethodClientSecretBasic = "client_secret_basic"
	AuthMethodClientSecretPost  = "client_secret_post"
	AuthMethodNone              = "none"
)

// Grant types supported by the server.
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeRefreshToken      = "refresh_token"
	GrantTypeClientCredentials = "client_credentials"
)

// Client represents a registered OAuth client. Registrations are immutable.
type Client struct {
	ClientID           string
	ClientSecretHash   string // bcrypt hash, empty for public clients
	ClientName         string
	AuthMethod         string
	GrantTypes         []string
	RedirectURIs       []string
	Scopes             []string
	RequireConsent     bool
	RequirePKCE        bool
	AccessTokenTTL     time.Duration
	RefreshTokenTTL    time.Duration
	ReuseRefreshTokens bool
	CreatedAt          time.Time
}

// HasGrantType reports whether the client may use grantType
func (c *Client) HasGrantType(grantType string) bool {
	return slices.Contains(c.GrantTypes, grantType)
}

// HasRedirectURI reports whether uri exactly matches a registered redirect URI
func (c *Client) HasRedirectURI(uri string) bool {
	return slices.Contains(c.RedirectURIs, uri)
}

// IsPublic reports whether the client has no secret
func (c *Client) IsPublic() bool {
	return c.AuthMethod == AuthMethodNone
}

// AuthorizationRequest is an authorization request parked while the end
// user decides on consent. It is consumed by the decision.
type AuthorizationRequest struct {
	ID                  string
	ClientID            string
	Subject             string
	RedirectURI         string
	Scopes              []string
	ClientState         string // the client's opaque state parameter
	Nonce               string
	CodeChallenge       string
	CodeChallengeMethod string
	AuthTime            time.Time
	CreatedAt           time.Time
	ExpiresAt           time.Time
}

// AuthorizationCode represents an issued authorization code
type AuthorizationCode struct {
	Code                string
	ClientID            string
	Subject             string
	Scopes              []string
	RedirectURI         string
	CodeChallenge       string
	CodeChallengeMethod string
	Nonce               string
	AuthTime            time.Time
	IssuedAt            time.Time
	ExpiresAt           time.Time
	Used                bool
}

// RefreshToken is a stored refresh token. Tokens that share a FamilyID
// descend from the same authorization grant by rotation.
type RefreshToken struct {
	Token       string
	FamilyID    string
	Generation  int
	ClientID    string
	Subject     string
	Scopes      []string
	IssuedAt    time.Time
	ExpiresAt   time.Time
	RotatedFrom string
	Consumed    bool
	ConsumedAt  time.Time
	Revoked     bool
	RevokedAt   time.Time

	// The access token minted together with this refresh token, so family
	// revocation can also revoke it.
	AccessTokenID        string
	AccessTokenExpiresAt time.Time
}

// Consent records the scopes an end user granted to a client
type Consent struct {
	Subject   string
	ClientID  string
	Scopes    []string
	GrantedAt time.Time
}
