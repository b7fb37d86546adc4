// Package memory provides an in-memory implementation of all storage interfaces.
// It is suitable for development, testing, and single-instance deployments.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oauth-authserver/instrumentation"
	"github.com/giantswarm/oauth-authserver/internal/util"
	"github.com/giantswarm/oauth-authserver/security"
	"github.com/giantswarm/oauth-authserver/storage"
)

const (
	// tokenIDLogLength is the number of characters to include when logging token IDs
	tokenIDLogLength = 8

	// maxFamilyEntries is the threshold for warning about excessive family growth
	maxFamilyEntries = 10000
)

type consentKey struct {
	subject  string
	clientID string
}

// Store is an in-memory implementation of storage.Store.
type Store struct {
	mu sync.RWMutex

	clients  map[string]*storage.Client
	requests map[string]*storage.AuthorizationRequest
	codes    map[string]*storage.AuthorizationCode

	refreshTokens map[string]*storage.RefreshToken
	families      map[string][]string  // family ID -> refresh tokens
	revoked       map[string]time.Time // access token ID -> expiry
	issued        map[consentKey]map[string]time.Time

	consents map[consentKey]*storage.Consent

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer

	clock           security.Clock
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	logger          *slog.Logger
}

// Compile-time interface checks to ensure Store implements all storage interfaces
var (
	_ storage.ClientStore  = (*Store)(nil)
	_ storage.FlowStore    = (*Store)(nil)
	_ storage.TokenStore   = (*Store)(nil)
	_ storage.ConsentStore = (*Store)(nil)
	_ storage.Store        = (*Store)(nil)
)

// New creates a new in-memory store with default cleanup interval (1 minute)
func New() *Store {
	return NewWithInterval(time.Minute)
}

// NewWithInterval creates a new in-memory store with custom cleanup interval.
// If cleanupInterval is 0 or negative, uses default of 1 minute.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	s := &Store{
		clients:         make(map[string]*storage.Client),
		requests:        make(map[string]*storage.AuthorizationRequest),
		codes:           make(map[string]*storage.AuthorizationCode),
		refreshTokens:   make(map[string]*storage.RefreshToken),
		families:        make(map[string][]string),
		revoked:         make(map[string]time.Time),
		issued:          make(map[consentKey]map[string]time.Time),
		consents:        make(map[consentKey]*storage.Consent),
		clock:           security.SystemClock(),
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
		logger:          slog.Default(),
	}

	// Start background cleanup
	go s.cleanupLoop()

	return s
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if logger != nil {
		s.logger = logger
	}
}

// SetClock sets the time source used by the background cleanup
func (s *Store) SetClock(clock security.Clock) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if clock != nil {
		s.clock = clock
	}
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
	}
	s.mu.Unlock()

	if inst == nil {
		return
	}

	size := func(fn func() int) instrumentation.StorageSizeCallback {
		return func() int64 {
			s.mu.RLock()
			defer s.mu.RUnlock()
			return int64(fn())
		}
	}

	err := inst.RegisterStorageSizeCallbacks(instrumentation.StorageSizeCallbacks{
		Clients:       size(func() int { return len(s.clients) }),
		Codes:         size(func() int { return len(s.codes) }),
		PendingFlows:  size(func() int { return len(s.requests) }),
		RefreshTokens: size(func() int { return len(s.refreshTokens) }),
		Consents:      size(func() int { return len(s.consents) }),
		Revocations:   size(func() int { return len(s.revoked) }),
	})
	if err != nil {
		s.logger.Warn("Failed to register storage size metrics", "error", err)
	}
}

// Stop stops the background cleanup goroutine. It is safe to call more than once.
func (s *Store) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCleanup)
	})
}

// ============================================================
// ClientStore Implementation
// ============================================================

// CreateClient stores a new client, failing with storage.ErrClientExists on duplicates
func (s *Store) CreateClient(ctx context.Context, client *storage.Client) (err error) {
	ctx, span := s.startStorageSpan(ctx, "create_client")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "create_client", err, startTime) }()

	if client == nil || client.ClientID == "" {
		return fmt.Errorf("invalid client")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.clients[client.ClientID]; exists {
		return fmt.Errorf("%w: %s", storage.ErrClientExists, client.ClientID)
	}
	s.clients[client.ClientID] = cloneClient(client)

	s.logger.Debug("Saved client", "client_id", client.ClientID)
	return nil
}

// GetClient retrieves a client by ID
func (s *Store) GetClient(ctx context.Context, clientID string) (client *storage.Client, err error) {
	ctx, span := s.startStorageSpan(ctx, "get_client")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "get_client", err, startTime) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.clients[clientID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrClientNotFound, clientID)
	}
	return cloneClient(c), nil
}

// ListClients lists all registered clients ordered by client ID
func (s *Store) ListClients(ctx context.Context) ([]*storage.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	clients := make([]*storage.Client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, cloneClient(c))
	}
	slices.SortFunc(clients, func(a, b *storage.Client) int {
		switch {
		case a.ClientID < b.ClientID:
			return -1
		case a.ClientID > b.ClientID:
			return 1
		}
		return 0
	})
	return clients, nil
}

// ============================================================
// FlowStore Implementation
// ============================================================

// SaveAuthorizationRequest parks an authorization request awaiting consent
func (s *Store) SaveAuthorizationRequest(ctx context.Context, req *storage.AuthorizationRequest) (err error) {
	ctx, span := s.startStorageSpan(ctx, "save_authorization_request")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "save_authorization_request", err, startTime) }()

	if req == nil || req.ID == "" {
		return fmt.Errorf("invalid authorization request")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.requests[req.ID] = cloneRequest(req)
	return nil
}

// ConsumeAuthorizationRequest atomically retrieves and deletes a pending request
func (s *Store) ConsumeAuthorizationRequest(ctx context.Context, id string, now time.Time) (req *storage.AuthorizationRequest, err error) {
	ctx, span := s.startStorageSpan(ctx, "consume_authorization_request")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "consume_authorization_request", err, startTime) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.requests[id]
	if !ok {
		return nil, storage.ErrAuthorizationRequestNotFound
	}
	delete(s.requests, id)

	if security.IsExpired(now, stored.ExpiresAt) {
		return cloneRequest(stored), storage.ErrAuthorizationRequestExpired
	}
	return cloneRequest(stored), nil
}

// SaveAuthorizationCode saves an issued authorization code
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) (err error) {
	ctx, span := s.startStorageSpan(ctx, "save_authorization_code")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "save_authorization_code", err, startTime) }()

	if code == nil || code.Code == "" {
		return fmt.Errorf("invalid authorization code")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.codes[code.Code] = cloneCode(code)
	s.logger.Debug("Saved authorization code",
		"code_prefix", util.SafeTruncate(code.Code, tokenIDLogLength),
		"client_id", code.ClientID)
	return nil
}

// GetAuthorizationCode retrieves an authorization code without consuming it
func (s *Store) GetAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored, ok := s.codes[code]
	if !ok {
		return nil, storage.ErrAuthorizationCodeNotFound
	}
	return cloneCode(stored), nil
}

// ConsumeAuthorizationCode atomically checks that a code is unused and marks it used
func (s *Store) ConsumeAuthorizationCode(ctx context.Context, code string, now time.Time) (ac *storage.AuthorizationCode, err error) {
	ctx, span := s.startStorageSpan(ctx, "consume_authorization_code")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "consume_authorization_code", err, startTime) }()

	s.mu.Lock() // write lock: the check and the set must be one step
	defer s.mu.Unlock()

	stored, ok := s.codes[code]
	if !ok {
		return nil, storage.ErrAuthorizationCodeNotFound
	}

	if stored.Used {
		// Returned so the caller knows whose tokens to revoke
		return cloneCode(stored), storage.ErrAuthorizationCodeUsed
	}

	if security.IsExpired(now, stored.ExpiresAt) {
		return nil, fmt.Errorf("%w: authorization code expired", storage.ErrTokenExpired)
	}

	stored.Used = true
	s.logger.Debug("Marked authorization code as used",
		"code_prefix", util.SafeTruncate(code, tokenIDLogLength))

	return cloneCode(stored), nil
}

// DeleteAuthorizationCode removes an authorization code
func (s *Store) DeleteAuthorizationCode(ctx context.Context, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.codes, code)
	return nil
}

// ============================================================
// TokenStore Implementation
// ============================================================

// SaveRefreshToken stores a newly issued refresh token
func (s *Store) SaveRefreshToken(ctx context.Context, token *storage.RefreshToken) (err error) {
	ctx, span := s.startStorageSpan(ctx, "save_refresh_token")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "save_refresh_token", err, startTime) }()

	if token == nil || token.Token == "" || token.FamilyID == "" {
		return fmt.Errorf("invalid refresh token")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.refreshTokens[token.Token]; exists {
		return fmt.Errorf("refresh token already stored")
	}

	s.refreshTokens[token.Token] = cloneRefreshToken(token)
	s.families[token.FamilyID] = append(s.families[token.FamilyID], token.Token)

	s.logger.Debug("Saved refresh token",
		"token_prefix", util.SafeTruncate(token.Token, tokenIDLogLength),
		"family_id", util.SafeTruncate(token.FamilyID, tokenIDLogLength),
		"generation", token.Generation)
	return nil
}

// GetRefreshToken retrieves a refresh token without consuming it
func (s *Store) GetRefreshToken(ctx context.Context, token string) (*storage.RefreshToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored, ok := s.refreshTokens[token]
	if !ok {
		return nil, storage.ErrRefreshTokenNotFound
	}
	return cloneRefreshToken(stored), nil
}

// ConsumeRefreshToken atomically marks a refresh token consumed
func (s *Store) ConsumeRefreshToken(ctx context.Context, token string, now time.Time) (rt *storage.RefreshToken, err error) {
	ctx, span := s.startStorageSpan(ctx, "consume_refresh_token")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "consume_refresh_token", err, startTime) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.refreshTokens[token]
	if !ok {
		return nil, storage.ErrRefreshTokenNotFound
	}

	switch {
	case stored.Revoked:
		return cloneRefreshToken(stored), storage.ErrRefreshTokenRevoked
	case stored.Consumed:
		return cloneRefreshToken(stored), storage.ErrRefreshTokenUsed
	case security.IsExpired(now, stored.ExpiresAt):
		return nil, fmt.Errorf("%w: refresh token expired", storage.ErrTokenExpired)
	}

	stored.Consumed = true
	stored.ConsumedAt = now
	return cloneRefreshToken(stored), nil
}

// RevokeRefreshTokenFamily revokes every refresh token of a family and its access tokens
func (s *Store) RevokeRefreshTokenFamily(ctx context.Context, familyID string, now time.Time) (n int, err error) {
	ctx, span := s.startStorageSpan(ctx, "revoke_refresh_token_family")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "revoke_refresh_token_family", err, startTime) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	n = s.revokeFamilyLocked(familyID, now)
	s.logger.Info("Revoked refresh token family",
		"family_id", util.SafeTruncate(familyID, tokenIDLogLength),
		"tokens_revoked", n)
	return n, nil
}

// RevokeTokensForSubjectClient revokes every family issued to subject for clientID
func (s *Store) RevokeTokensForSubjectClient(ctx context.Context, subject, clientID string, now time.Time) (n int, err error) {
	ctx, span := s.startStorageSpan(ctx, "revoke_tokens_for_subject_client")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "revoke_tokens_for_subject_client", err, startTime) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	for familyID, tokens := range s.families {
		if len(tokens) == 0 {
			continue
		}
		first, ok := s.refreshTokens[tokens[0]]
		if !ok || first.Subject != subject || first.ClientID != clientID {
			continue
		}
		n += s.revokeFamilyLocked(familyID, now)
	}

	key := consentKey{subject: subject, clientID: clientID}
	for tokenID, exp := range s.issued[key] {
		if _, done := s.revoked[tokenID]; done || security.IsExpired(now, exp) {
			continue
		}
		s.revoked[tokenID] = exp
		n++
	}
	delete(s.issued, key)

	s.logger.Info("Revoked tokens for subject and client",
		"client_id", clientID,
		"tokens_revoked", n)
	return n, nil
}

// revokeFamilyLocked must be called with the write lock held
func (s *Store) revokeFamilyLocked(familyID string, now time.Time) int {
	revoked := 0
	for _, tok := range s.families[familyID] {
		rt, ok := s.refreshTokens[tok]
		if !ok {
			continue
		}
		if !rt.Revoked {
			rt.Revoked = true
			rt.RevokedAt = now
			revoked++
		}
		if rt.AccessTokenID != "" && now.Before(rt.AccessTokenExpiresAt) {
			s.revoked[rt.AccessTokenID] = rt.AccessTokenExpiresAt
		}
	}
	return revoked
}

// TrackAccessToken records an access token issued to subject for clientID
func (s *Store) TrackAccessToken(ctx context.Context, subject, clientID, tokenID string, expiresAt time.Time) error {
	if tokenID == "" {
		return fmt.Errorf("token id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := consentKey{subject: subject, clientID: clientID}
	if s.issued[key] == nil {
		s.issued[key] = make(map[string]time.Time)
	}
	s.issued[key][tokenID] = expiresAt
	return nil
}

// RevokeAccessToken adds an access token id to the revocation set until expiresAt
func (s *Store) RevokeAccessToken(ctx context.Context, tokenID string, expiresAt time.Time) error {
	if tokenID == "" {
		return fmt.Errorf("token id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.revoked[tokenID] = expiresAt
	return nil
}

// IsAccessTokenRevoked reports whether an access token id is in the revocation set
func (s *Store) IsAccessTokenRevoked(ctx context.Context, tokenID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.revoked[tokenID]
	return ok, nil
}

// ============================================================
// ConsentStore Implementation
// ============================================================

// GetConsent retrieves the consent of subject for clientID
func (s *Store) GetConsent(ctx context.Context, subject, clientID string) (*storage.Consent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.consents[consentKey{subject, clientID}]
	if !ok {
		return nil, storage.ErrConsentNotFound
	}
	return cloneConsent(c), nil
}

// GrantConsent records scopes for (subject, clientID), merging unless reset is set
func (s *Store) GrantConsent(ctx context.Context, subject, clientID string, scopes []string, reset bool, now time.Time) (c *storage.Consent, err error) {
	ctx, span := s.startStorageSpan(ctx, "grant_consent")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "grant_consent", err, startTime) }()

	if subject == "" || clientID == "" {
		return nil, fmt.Errorf("subject and client id are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := consentKey{subject, clientID}
	existing, ok := s.consents[key]

	merged := util.UnionScopes(nil, scopes)
	if ok && !reset {
		merged = util.UnionScopes(existing.Scopes, scopes)
	}

	consent := &storage.Consent{
		Subject:   subject,
		ClientID:  clientID,
		Scopes:    merged,
		GrantedAt: now,
	}
	s.consents[key] = consent
	return cloneConsent(consent), nil
}

// RevokeConsent deletes the consent of subject for clientID
func (s *Store) RevokeConsent(ctx context.Context, subject, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.consents, consentKey{subject, clientID})
	return nil
}

// ============================================================
// Cleanup
// ============================================================

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

func (s *Store) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	cleaned := 0

	for id, req := range s.requests {
		if security.IsExpired(now, req.ExpiresAt) {
			delete(s.requests, id)
			cleaned++
		}
	}

	for code, ac := range s.codes {
		if security.IsExpired(now, ac.ExpiresAt.Add(storage.CodeReplayRetention)) {
			delete(s.codes, code)
			cleaned++
		}
	}

	// Consumed refresh tokens are kept until they expire so that replay is
	// still recognized as reuse rather than as an unknown token.
	for tok, rt := range s.refreshTokens {
		if security.IsExpired(now, rt.ExpiresAt) {
			delete(s.refreshTokens, tok)
			cleaned++
		}
	}
	for familyID, tokens := range s.families {
		live := slices.DeleteFunc(tokens, func(tok string) bool {
			_, ok := s.refreshTokens[tok]
			return !ok
		})
		if len(live) == 0 {
			delete(s.families, familyID)
		} else {
			s.families[familyID] = live
		}
	}

	for id, exp := range s.revoked {
		if security.IsExpired(now, exp) {
			delete(s.revoked, id)
			cleaned++
		}
	}
	for key, tokens := range s.issued {
		for id, exp := range tokens {
			if security.IsExpired(now, exp) {
				delete(tokens, id)
				cleaned++
			}
		}
		if len(tokens) == 0 {
			delete(s.issued, key)
		}
	}

	if len(s.families) > maxFamilyEntries {
		s.logger.Warn("Refresh token family count is high",
			"current_count", len(s.families),
			"threshold", maxFamilyEntries)
	}

	if cleaned > 0 {
		s.logger.Debug("Cleaned up expired entries", "count", cleaned)
	}
}

// ============================================================
// Instrumentation
// ============================================================

// startStorageSpan starts a new span for a storage operation
func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}

	return s.tracer.Start(ctx, fmt.Sprintf("storage.%s", operation),
		trace.WithAttributes(
			attribute.String(instrumentation.AttrStorageOperation, operation),
			attribute.String(instrumentation.AttrStorageType, "memory"),
		))
}

// recordStorageOperation records the outcome of a storage operation on the span and in metrics
func (s *Store) recordStorageOperation(ctx context.Context, span trace.Span, operation string, err error, startTime time.Time) {
	if s.instrumentation == nil {
		return
	}

	durationMs := float64(time.Since(startTime).Microseconds()) / 1000
	result := "success"
	if err != nil {
		result = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}

	s.instrumentation.Metrics().RecordStorageOperation(ctx, operation, result, durationMs)
}

// ============================================================
// Copy helpers
// ============================================================

func cloneClient(c *storage.Client) *storage.Client {
	out := *c
	out.GrantTypes = slices.Clone(c.GrantTypes)
	out.RedirectURIs = slices.Clone(c.RedirectURIs)
	out.Scopes = slices.Clone(c.Scopes)
	return &out
}

func cloneRequest(r *storage.AuthorizationRequest) *storage.AuthorizationRequest {
	out := *r
	out.Scopes = slices.Clone(r.Scopes)
	return &out
}

func cloneCode(c *storage.AuthorizationCode) *storage.AuthorizationCode {
	out := *c
	out.Scopes = slices.Clone(c.Scopes)
	return &out
}

func cloneRefreshToken(t *storage.RefreshToken) *storage.RefreshToken {
	out := *t
	out.Scopes = slices.Clone(t.Scopes)
	return &out
}

func cloneConsent(c *storage.Consent) *storage.Consent {
	out := *c
	out.Scopes = slices.Clone(c.Scopes)
	return &out
}
