package valkey

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oauth-authserver/instrumentation"
	"github.com/giantswarm/oauth-authserver/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all Valkey keys
	DefaultKeyPrefix = "authserver:"

	// tokenIDLogLength is the number of characters to include when logging token IDs
	tokenIDLogLength = 8

	// connectionVerifyTimeout is the timeout for initial connection verification
	connectionVerifyTimeout = 5 * time.Second

	// MaxTokenLength is the maximum allowed length for token strings (512 bytes)
	MaxTokenLength = 512

	// MaxIDLength is the maximum allowed length for identifiers (subject, clientID, familyID)
	MaxIDLength = 256
)

// Config holds configuration for the Valkey storage backend.
type Config struct {
	// Address is the Valkey server address (required), e.g., "localhost:6379"
	Address string

	// Password is the optional password for Valkey authentication
	Password string

	// DB is the optional database number (default 0)
	DB int

	// KeyPrefix is the prefix for all keys (default "authserver:")
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections
	TLS *tls.Config

	// DisableCache turns off client-side caching. Required for servers
	// without CLIENT TRACKING support.
	DisableCache bool

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger
}

// Store is a Valkey-backed implementation of storage.Store.
type Store struct {
	client valkeygo.Client
	prefix string
	logger *slog.Logger

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer
}

// Compile-time interface checks to ensure Store implements all storage interfaces
var (
	_ storage.ClientStore  = (*Store)(nil)
	_ storage.FlowStore    = (*Store)(nil)
	_ storage.TokenStore   = (*Store)(nil)
	_ storage.ConsentStore = (*Store)(nil)
	_ storage.Store        = (*Store)(nil)
)

// New creates a new Valkey-backed storage instance.
// Returns an error if the connection cannot be established.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	opts := valkeygo.ClientOption{
		InitAddress:  []string{cfg.Address},
		SelectDB:     cfg.DB,
		DisableCache: cfg.DisableCache,
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.TLS != nil {
		opts.TLSConfig = cfg.TLS
	}

	client, err := valkeygo.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}

	s := NewWithClient(client, cfg.KeyPrefix, cfg.Logger)
	s.logger.Info("Connected to Valkey storage",
		"address", cfg.Address,
		"db", cfg.DB,
		"prefix", s.prefix)
	return s, nil
}

// NewWithClient creates a Store around an existing client.
// The store takes ownership of the client and closes it in Close.
func NewWithClient(client valkeygo.Client, keyPrefix string, logger *slog.Logger) *Store {
	if keyPrefix == "" {
		keyPrefix = DefaultKeyPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		client: client,
		prefix: keyPrefix,
		logger: logger,
	}
}

// Close closes the Valkey client connection.
func (s *Store) Close() {
	s.client.Close()
	s.logger.Info("Valkey storage connection closed")
}

// SetLogger sets a custom logger for the store.
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store.
// Must be called before the store is shared between goroutines.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
	}
}

// Ping checks Valkey connectivity
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Do(ctx, s.client.B().Ping().Build()).Error()
}

// validateStringLength checks if a string exceeds the maximum allowed length
func validateStringLength(value string, maxLen int, fieldName string) error {
	if len(value) > maxLen {
		return fmt.Errorf("%s exceeds maximum length of %d bytes", fieldName, maxLen)
	}
	return nil
}

// ============================================================
// Key Helpers
// ============================================================

// clientKey returns the key for a client: {prefix}client:{clientID}
func (s *Store) clientKey(clientID string) string {
	return fmt.Sprintf("%sclient:%s", s.prefix, clientID)
}

// clientIndexKey returns the key of the set of registered client IDs
func (s *Store) clientIndexKey() string {
	return s.prefix + "clients"
}

// requestKey returns the key for a pending authorization request: {prefix}request:{id}
func (s *Store) requestKey(id string) string {
	return fmt.Sprintf("%srequest:%s", s.prefix, id)
}

// codeKey returns the key for an authorization code: {prefix}code:{code}
func (s *Store) codeKey(code string) string {
	return fmt.Sprintf("%scode:%s", s.prefix, code)
}

// refreshTokenKey returns the key for a refresh token: {prefix}refresh:{token}.
// luaRevokeFamily builds the same key from the prefix.
func (s *Store) refreshTokenKey(token string) string {
	return fmt.Sprintf("%srefresh:%s", s.prefix, token)
}

// familyKey returns the key for a token family: {prefix}family:{familyID}
func (s *Store) familyKey(familyID string) string {
	return fmt.Sprintf("%sfamily:%s", s.prefix, familyID)
}

// subjectClientKey returns the key of the families issued to a subject for a client
func (s *Store) subjectClientKey(subject, clientID string) string {
	return fmt.Sprintf("%ssubjectclient:%s:%s", s.prefix, subject, clientID)
}

// issuedAccessKey returns the sorted set of access token ids issued to a
// subject for a client, scored by expiry
func (s *Store) issuedAccessKey(subject, clientID string) string {
	return fmt.Sprintf("%saccesstokens:%s:%s", s.prefix, subject, clientID)
}

// revokedKey returns the key marking a revoked access token: {prefix}revoked:{jti}
func (s *Store) revokedKey(tokenID string) string {
	return fmt.Sprintf("%srevoked:%s", s.prefix, tokenID)
}

// consentScopesKey returns the set of consented scopes for a subject and client
func (s *Store) consentScopesKey(subject, clientID string) string {
	return fmt.Sprintf("%sconsent:%s:%s:scopes", s.prefix, subject, clientID)
}

// consentGrantedKey returns the key holding the consent grant time
func (s *Store) consentGrantedKey(subject, clientID string) string {
	return fmt.Sprintf("%sconsent:%s:%s:granted", s.prefix, subject, clientID)
}

// ============================================================
// Lua Scripts for Atomic Operations
// ============================================================
//
// Timestamps are Unix milliseconds. The caller supplies "now" so that all
// expiry decisions follow the server's clock rather than the Valkey host's.

// luaConsumeAuthorizationCode atomically checks that a code is unused and
// marks it used. Only one concurrent caller can succeed.
//
// KEYS[1] = code key
// ARGV[1] = now
//
// Returns the updated JSON on success, "NOT_FOUND", "EXPIRED" or
// "ALREADY_USED:<json>".
const luaConsumeAuthorizationCode = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 'NOT_FOUND'
end

local code = cjson.decode(data)
if code.used then
    return 'ALREADY_USED:' .. data
end

if tonumber(ARGV[1]) >= tonumber(code.expires_at) then
    return 'EXPIRED'
end

code.used = true
local updated = cjson.encode(code)
redis.call('SET', KEYS[1], updated, 'KEEPTTL')
return updated
`

// luaConsumeAuthorizationRequest atomically retrieves and deletes a pending request.
//
// KEYS[1] = request key
//
// Returns the JSON, or an empty string when the key does not exist.
const luaConsumeAuthorizationRequest = `
local data = redis.call('GET', KEYS[1])
if not data then
    return ''
end
redis.call('DEL', KEYS[1])
return data
`

// luaConsumeRefreshToken atomically marks a refresh token consumed.
//
// KEYS[1] = refresh token key
// ARGV[1] = now
//
// Returns the updated JSON on success, "NOT_FOUND", "EXPIRED",
// "REVOKED:<json>" or "USED:<json>".
const luaConsumeRefreshToken = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 'NOT_FOUND'
end

local rt = cjson.decode(data)
if rt.revoked then
    return 'REVOKED:' .. data
end
if rt.consumed then
    return 'USED:' .. data
end

local now = tonumber(ARGV[1])
if now >= tonumber(rt.expires_at) then
    return 'EXPIRED'
end

rt.consumed = true
rt.consumed_at = now
local updated = cjson.encode(rt)
redis.call('SET', KEYS[1], updated, 'KEEPTTL')
return updated
`

// luaRevokeFamily revokes every refresh token of a family and marks the
// access tokens minted with them as revoked until they expire.
//
// KEYS[1] = family set key
// ARGV[1] = now
// ARGV[2] = key prefix
//
// Returns the number of refresh tokens newly revoked.
const luaRevokeFamily = `
local now = tonumber(ARGV[1])
local revoked = 0
for _, tok in ipairs(redis.call('SMEMBERS', KEYS[1])) do
    local key = ARGV[2] .. 'refresh:' .. tok
    local data = redis.call('GET', key)
    if data then
        local rt = cjson.decode(data)
        if not rt.revoked then
            rt.revoked = true
            rt.revoked_at = now
            redis.call('SET', key, cjson.encode(rt), 'KEEPTTL')
            revoked = revoked + 1
        end
        if rt.access_token_id and rt.access_token_id ~= '' then
            local atExp = tonumber(rt.access_token_expires_at)
            if atExp and atExp > now then
                redis.call('SET', ARGV[2] .. 'revoked:' .. rt.access_token_id, '1', 'PX', tostring(atExp - now))
            end
        end
    end
end
return revoked
`

// luaExtendTTL raises a key's TTL to at least ARGV[1] milliseconds and never
// shortens it, so an index outlives its longest lived member.
//
// KEYS[1] = index key
// ARGV[1] = TTL in milliseconds
const luaExtendTTL = `
local ttl = tonumber(ARGV[1])
if redis.call('PTTL', KEYS[1]) < ttl then
    redis.call('PEXPIRE', KEYS[1], ttl)
end
return 1
`

// luaTrackAccessToken adds an access token id to the issued set of a
// subject and client and drops the members that already expired.
//
// KEYS[1] = issued access token set
// ARGV[1] = token id
// ARGV[2] = token expiry
// ARGV[3] = now
// ARGV[4] = TTL of the token in milliseconds
const luaTrackAccessToken = `
redis.call('ZADD', KEYS[1], ARGV[2], ARGV[1])
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[3])
local ttl = tonumber(ARGV[4])
if redis.call('PTTL', KEYS[1]) < ttl then
    redis.call('PEXPIRE', KEYS[1], ttl)
end
return 1
`

// luaRevokeIssuedAccessTokens marks every live access token of an issued
// set as revoked until it expires and deletes the set.
//
// KEYS[1] = issued access token set
// ARGV[1] = now
// ARGV[2] = key prefix
//
// Returns the number of access tokens newly revoked.
const luaRevokeIssuedAccessTokens = `
local now = tonumber(ARGV[1])
local revoked = 0
local live = redis.call('ZRANGEBYSCORE', KEYS[1], '(' .. ARGV[1], '+inf', 'WITHSCORES')
for i = 1, #live, 2 do
    local key = ARGV[2] .. 'revoked:' .. live[i]
    if redis.call('EXISTS', key) == 0 then
        revoked = revoked + 1
    end
    redis.call('SET', key, '1', 'PX', tostring(tonumber(live[i + 1]) - now))
end
redis.call('DEL', KEYS[1])
return revoked
`

// luaGrantConsent records consented scopes, replacing them first when ARGV[1] is "1".
//
// KEYS[1] = consent scopes set
// KEYS[2] = consent granted-at key
// ARGV[1] = reset flag
// ARGV[2] = now
// ARGV[3..] = scopes
//
// Returns the resulting scope set.
const luaGrantConsent = `
if ARGV[1] == '1' then
    redis.call('DEL', KEYS[1])
end
for i = 3, #ARGV do
    redis.call('SADD', KEYS[1], ARGV[i])
end
redis.call('SET', KEYS[2], ARGV[2])
return redis.call('SMEMBERS', KEYS[1])
`

// ============================================================
// JSON Serialization Helpers
// ============================================================
//
// Scopes are stored as a space-delimited string: Lua's cjson encodes an
// empty array as an object, which would not decode back into a slice.

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func joinScopes(scopes []string) string {
	return strings.Join(scopes, " ")
}

func splitScopes(scope string) []string {
	if scope == "" {
		return nil
	}
	return strings.Fields(scope)
}

// clientJSON is the JSON representation of an OAuth client
type clientJSON struct {
	ClientID           string   `json:"client_id"`
	ClientSecretHash   string   `json:"client_secret_hash,omitempty"`
	ClientName         string   `json:"client_name,omitempty"`
	AuthMethod         string   `json:"token_endpoint_auth_method"`
	GrantTypes         []string `json:"grant_types,omitempty"`
	RedirectURIs       []string `json:"redirect_uris,omitempty"`
	Scopes             []string `json:"scopes,omitempty"`
	RequireConsent     bool     `json:"require_consent"`
	RequirePKCE        bool     `json:"require_pkce"`
	AccessTokenTTLMs   int64    `json:"access_token_ttl_ms"`
	RefreshTokenTTLMs  int64    `json:"refresh_token_ttl_ms"`
	ReuseRefreshTokens bool     `json:"reuse_refresh_tokens"`
	CreatedAt          int64    `json:"created_at"`
}

func toClientJSON(c *storage.Client) *clientJSON {
	return &clientJSON{
		ClientID:           c.ClientID,
		ClientSecretHash:   c.ClientSecretHash,
		ClientName:         c.ClientName,
		AuthMethod:         c.AuthMethod,
		GrantTypes:         c.GrantTypes,
		RedirectURIs:       c.RedirectURIs,
		Scopes:             c.Scopes,
		RequireConsent:     c.RequireConsent,
		RequirePKCE:        c.RequirePKCE,
		AccessTokenTTLMs:   c.AccessTokenTTL.Milliseconds(),
		RefreshTokenTTLMs:  c.RefreshTokenTTL.Milliseconds(),
		ReuseRefreshTokens: c.ReuseRefreshTokens,
		CreatedAt:          toMillis(c.CreatedAt),
	}
}

func fromClientJSON(j *clientJSON) *storage.Client {
	if j == nil {
		return nil
	}
	return &storage.Client{
		ClientID:           j.ClientID,
		ClientSecretHash:   j.ClientSecretHash,
		ClientName:         j.ClientName,
		AuthMethod:         j.AuthMethod,
		GrantTypes:         j.GrantTypes,
		RedirectURIs:       j.RedirectURIs,
		Scopes:             j.Scopes,
		RequireConsent:     j.RequireConsent,
		RequirePKCE:        j.RequirePKCE,
		AccessTokenTTL:     time.Duration(j.AccessTokenTTLMs) * time.Millisecond,
		RefreshTokenTTL:    time.Duration(j.RefreshTokenTTLMs) * time.Millisecond,
		ReuseRefreshTokens: j.ReuseRefreshTokens,
		CreatedAt:          fromMillis(j.CreatedAt),
	}
}

// authorizationRequestJSON is the JSON representation of a pending authorization request
type authorizationRequestJSON struct {
	ID                  string `json:"id"`
	ClientID            string `json:"client_id"`
	Subject             string `json:"subject"`
	RedirectURI         string `json:"redirect_uri"`
	Scope               string `json:"scope"`
	ClientState         string `json:"state,omitempty"`
	Nonce               string `json:"nonce,omitempty"`
	CodeChallenge       string `json:"code_challenge,omitempty"`
	CodeChallengeMethod string `json:"code_challenge_method,omitempty"`
	AuthTime            int64  `json:"auth_time"`
	CreatedAt           int64  `json:"created_at"`
	ExpiresAt           int64  `json:"expires_at"`
}

func toAuthorizationRequestJSON(r *storage.AuthorizationRequest) *authorizationRequestJSON {
	return &authorizationRequestJSON{
		ID:                  r.ID,
		ClientID:            r.ClientID,
		Subject:             r.Subject,
		RedirectURI:         r.RedirectURI,
		Scope:               joinScopes(r.Scopes),
		ClientState:         r.ClientState,
		Nonce:               r.Nonce,
		CodeChallenge:       r.CodeChallenge,
		CodeChallengeMethod: r.CodeChallengeMethod,
		AuthTime:            toMillis(r.AuthTime),
		CreatedAt:           toMillis(r.CreatedAt),
		ExpiresAt:           toMillis(r.ExpiresAt),
	}
}

func fromAuthorizationRequestJSON(j *authorizationRequestJSON) *storage.AuthorizationRequest {
	return &storage.AuthorizationRequest{
		ID:                  j.ID,
		ClientID:            j.ClientID,
		Subject:             j.Subject,
		RedirectURI:         j.RedirectURI,
		Scopes:              splitScopes(j.Scope),
		ClientState:         j.ClientState,
		Nonce:               j.Nonce,
		CodeChallenge:       j.CodeChallenge,
		CodeChallengeMethod: j.CodeChallengeMethod,
		AuthTime:            fromMillis(j.AuthTime),
		CreatedAt:           fromMillis(j.CreatedAt),
		ExpiresAt:           fromMillis(j.ExpiresAt),
	}
}

// authorizationCodeJSON is the JSON representation of an authorization code
type authorizationCodeJSON struct {
	Code                string `json:"code"`
	ClientID            string `json:"client_id"`
	Subject             string `json:"subject"`
	Scope               string `json:"scope"`
	RedirectURI         string `json:"redirect_uri"`
	CodeChallenge       string `json:"code_challenge"`
	CodeChallengeMethod string `json:"code_challenge_method"`
	Nonce               string `json:"nonce"`
	AuthTime            int64  `json:"auth_time"`
	IssuedAt            int64  `json:"issued_at"`
	ExpiresAt           int64  `json:"expires_at"`
	Used                bool   `json:"used"`
}

func toAuthorizationCodeJSON(c *storage.AuthorizationCode) *authorizationCodeJSON {
	return &authorizationCodeJSON{
		Code:                c.Code,
		ClientID:            c.ClientID,
		Subject:             c.Subject,
		Scope:               joinScopes(c.Scopes),
		RedirectURI:         c.RedirectURI,
		CodeChallenge:       c.CodeChallenge,
		CodeChallengeMethod: c.CodeChallengeMethod,
		Nonce:               c.Nonce,
		AuthTime:            toMillis(c.AuthTime),
		IssuedAt:            toMillis(c.IssuedAt),
		ExpiresAt:           toMillis(c.ExpiresAt),
		Used:                c.Used,
	}
}

func fromAuthorizationCodeJSON(j *authorizationCodeJSON) *storage.AuthorizationCode {
	return &storage.AuthorizationCode{
		Code:                j.Code,
		ClientID:            j.ClientID,
		Subject:             j.Subject,
		Scopes:              splitScopes(j.Scope),
		RedirectURI:         j.RedirectURI,
		CodeChallenge:       j.CodeChallenge,
		CodeChallengeMethod: j.CodeChallengeMethod,
		Nonce:               j.Nonce,
		AuthTime:            fromMillis(j.AuthTime),
		IssuedAt:            fromMillis(j.IssuedAt),
		ExpiresAt:           fromMillis(j.ExpiresAt),
		Used:                j.Used,
	}
}

// refreshTokenJSON is the JSON representation of a refresh token.
// Field names are shared with luaConsumeRefreshToken and luaRevokeFamily.
type refreshTokenJSON struct {
	Token                string `json:"token"`
	FamilyID             string `json:"family_id"`
	Generation           int    `json:"generation"`
	ClientID             string `json:"client_id"`
	Subject              string `json:"subject"`
	Scope                string `json:"scope"`
	IssuedAt             int64  `json:"issued_at"`
	ExpiresAt            int64  `json:"expires_at"`
	RotatedFrom          string `json:"rotated_from"`
	Consumed             bool   `json:"consumed"`
	ConsumedAt           int64  `json:"consumed_at"`
	Revoked              bool   `json:"revoked"`
	RevokedAt            int64  `json:"revoked_at"`
	AccessTokenID        string `json:"access_token_id"`
	AccessTokenExpiresAt int64  `json:"access_token_expires_at"`
}

func toRefreshTokenJSON(t *storage.RefreshToken) *refreshTokenJSON {
	return &refreshTokenJSON{
		Token:                t.Token,
		FamilyID:             t.FamilyID,
		Generation:           t.Generation,
		ClientID:             t.ClientID,
		Subject:              t.Subject,
		Scope:                joinScopes(t.Scopes),
		IssuedAt:             toMillis(t.IssuedAt),
		ExpiresAt:            toMillis(t.ExpiresAt),
		RotatedFrom:          t.RotatedFrom,
		Consumed:             t.Consumed,
		ConsumedAt:           toMillis(t.ConsumedAt),
		Revoked:              t.Revoked,
		RevokedAt:            toMillis(t.RevokedAt),
		AccessTokenID:        t.AccessTokenID,
		AccessTokenExpiresAt: toMillis(t.AccessTokenExpiresAt),
	}
}

func fromRefreshTokenJSON(j *refreshTokenJSON) *storage.RefreshToken {
	return &storage.RefreshToken{
		Token:                j.Token,
		FamilyID:             j.FamilyID,
		Generation:           j.Generation,
		ClientID:             j.ClientID,
		Subject:              j.Subject,
		Scopes:               splitScopes(j.Scope),
		IssuedAt:             fromMillis(j.IssuedAt),
		ExpiresAt:            fromMillis(j.ExpiresAt),
		RotatedFrom:          j.RotatedFrom,
		Consumed:             j.Consumed,
		ConsumedAt:           fromMillis(j.ConsumedAt),
		Revoked:              j.Revoked,
		RevokedAt:            fromMillis(j.RevokedAt),
		AccessTokenID:        j.AccessTokenID,
		AccessTokenExpiresAt: fromMillis(j.AccessTokenExpiresAt),
	}
}

// ============================================================
// Helper methods
// ============================================================

// getAndUnmarshal is a generic helper for fetching a key from Valkey,
// unmarshalling the JSON data, and converting to the target type.
func getAndUnmarshal[J any, T any](
	ctx context.Context,
	s *Store,
	key string,
	notFoundErr error,
	fromJSON func(*J) *T,
) (*T, error) {
	data, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, notFoundErr
		}
		return nil, fmt.Errorf("failed to get data: %w", err)
	}
	return unmarshalAs(data, fromJSON)
}

// unmarshalAs decodes data into J and converts it to T
func unmarshalAs[J any, T any](data string, fromJSON func(*J) *T) (*T, error) {
	var j J
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal data: %w", err)
	}
	return fromJSON(&j), nil
}

// calculateTTL returns the key TTL for an entry expiring at expiresAt,
// rounded up to whole seconds. Returns 0 if the entry has already expired.
func calculateTTL(expiresAt time.Time) time.Duration {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return 0
	}
	return ttl.Truncate(time.Second) + time.Second
}

// isNilError checks if the error indicates a nil/not-found result from Valkey.
func isNilError(err error) bool {
	return valkeygo.IsValkeyNil(err)
}

// startStorageSpan starts a new span for a storage operation
func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return s.tracer.Start(ctx, "storage."+operation,
		trace.WithAttributes(
			attribute.String(instrumentation.AttrStorageOperation, operation),
			attribute.String(instrumentation.AttrStorageType, "valkey"),
		))
}

// recordStorageOperation records the outcome of a storage operation on the span and in metrics
func (s *Store) recordStorageOperation(ctx context.Context, span trace.Span, operation string, err error, startTime time.Time) {
	if s.instrumentation == nil {
		return
	}

	result := "success"
	if err != nil {
		result = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}

	durationMs := float64(time.Since(startTime).Microseconds()) / 1000
	s.instrumentation.Metrics().RecordStorageOperation(ctx, operation, result, durationMs)
}
