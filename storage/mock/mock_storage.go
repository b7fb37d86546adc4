// Package mock provides a mock implementation of storage.Store for testing.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/giantswarm/oauth-authserver/storage"
)

// Store is a mock storage.Store. Each method calls its Func field when set
// and otherwise delegates to the wrapped store, so tests can inject faults
// into single operations while the rest behaves normally.
type Store struct {
	next storage.Store

	mu         sync.Mutex
	callCounts map[string]int

	CreateClientFunc func(ctx context.Context, client *storage.Client) error
	GetClientFunc    func(ctx context.Context, clientID string) (*storage.Client, error)
	ListClientsFunc  func(ctx context.Context) ([]*storage.Client, error)

	SaveAuthorizationRequestFunc    func(ctx context.Context, req *storage.AuthorizationRequest) error
	ConsumeAuthorizationRequestFunc func(ctx context.Context, id string, now time.Time) (*storage.AuthorizationRequest, error)
	SaveAuthorizationCodeFunc       func(ctx context.Context, code *storage.AuthorizationCode) error
	GetAuthorizationCodeFunc        func(ctx context.Context, code string) (*storage.AuthorizationCode, error)
	ConsumeAuthorizationCodeFunc    func(ctx context.Context, code string, now time.Time) (*storage.AuthorizationCode, error)
	DeleteAuthorizationCodeFunc     func(ctx context.Context, code string) error

	SaveRefreshTokenFunc             func(ctx context.Context, token *storage.RefreshToken) error
	GetRefreshTokenFunc              func(ctx context.Context, token string) (*storage.RefreshToken, error)
	ConsumeRefreshTokenFunc          func(ctx context.Context, token string, now time.Time) (*storage.RefreshToken, error)
	RevokeRefreshTokenFamilyFunc     func(ctx context.Context, familyID string, now time.Time) (int, error)
	TrackAccessTokenFunc             func(ctx context.Context, subject, clientID, tokenID string, expiresAt time.Time) error
	RevokeTokensForSubjectClientFunc func(ctx context.Context, subject, clientID string, now time.Time) (int, error)
	RevokeAccessTokenFunc            func(ctx context.Context, tokenID string, expiresAt time.Time) error
	IsAccessTokenRevokedFunc         func(ctx context.Context, tokenID string) (bool, error)

	GetConsentFunc    func(ctx context.Context, subject, clientID string) (*storage.Consent, error)
	GrantConsentFunc  func(ctx context.Context, subject, clientID string, scopes []string, reset bool, now time.Time) (*storage.Consent, error)
	RevokeConsentFunc func(ctx context.Context, subject, clientID string) error
}

var _ storage.Store = (*Store)(nil)

// New creates a mock store delegating to next
func New(next storage.Store) *Store {
	return &Store{
		next:       next,
		callCounts: make(map[string]int),
	}
}

// CallCount returns how many times method was called
func (m *Store) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callCounts[method]
}

func (m *Store) record(method string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callCounts[method]++
}

// CreateClient implements storage.ClientStore
func (m *Store) CreateClient(ctx context.Context, client *storage.Client) error {
	m.record("CreateClient")
	if m.CreateClientFunc != nil {
		return m.CreateClientFunc(ctx, client)
	}
	return m.next.CreateClient(ctx, client)
}

// GetClient implements storage.ClientStore
func (m *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	m.record("GetClient")
	if m.GetClientFunc != nil {
		return m.GetClientFunc(ctx, clientID)
	}
	return m.next.GetClient(ctx, clientID)
}

// ListClients implements storage.ClientStore
func (m *Store) ListClients(ctx context.Context) ([]*storage.Client, error) {
	m.record("ListClients")
	if m.ListClientsFunc != nil {
		return m.ListClientsFunc(ctx)
	}
	return m.next.ListClients(ctx)
}

// SaveAuthorizationRequest implements storage.FlowStore
func (m *Store) SaveAuthorizationRequest(ctx context.Context, req *storage.AuthorizationRequest) error {
	m.record("SaveAuthorizationRequest")
	if m.SaveAuthorizationRequestFunc != nil {
		return m.SaveAuthorizationRequestFunc(ctx, req)
	}
	return m.next.SaveAuthorizationRequest(ctx, req)
}

// ConsumeAuthorizationRequest implements storage.FlowStore
func (m *Store) ConsumeAuthorizationRequest(ctx context.Context, id string, now time.Time) (*storage.AuthorizationRequest, error) {
	m.record("ConsumeAuthorizationRequest")
	if m.ConsumeAuthorizationRequestFunc != nil {
		return m.ConsumeAuthorizationRequestFunc(ctx, id, now)
	}
	return m.next.ConsumeAuthorizationRequest(ctx, id, now)
}

// SaveAuthorizationCode implements storage.FlowStore
func (m *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	m.record("SaveAuthorizationCode")
	if m.SaveAuthorizationCodeFunc != nil {
		return m.SaveAuthorizationCodeFunc(ctx, code)
	}
	return m.next.SaveAuthorizationCode(ctx, code)
}

// GetAuthorizationCode implements storage.FlowStore
func (m *Store) GetAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	m.record("GetAuthorizationCode")
	if m.GetAuthorizationCodeFunc != nil {
		return m.GetAuthorizationCodeFunc(ctx, code)
	}
	return m.next.GetAuthorizationCode(ctx, code)
}

// ConsumeAuthorizationCode implements storage.FlowStore
func (m *Store) ConsumeAuthorizationCode(ctx context.Context, code string, now time.Time) (*storage.AuthorizationCode, error) {
	m.record("ConsumeAuthorizationCode")
	if m.ConsumeAuthorizationCodeFunc != nil {
		return m.ConsumeAuthorizationCodeFunc(ctx, code, now)
	}
	return m.next.ConsumeAuthorizationCode(ctx, code, now)
}

// DeleteAuthorizationCode implements storage.FlowStore
func (m *Store) DeleteAuthorizationCode(ctx context.Context, code string) error {
	m.record("DeleteAuthorizationCode")
	if m.DeleteAuthorizationCodeFunc != nil {
		return m.DeleteAuthorizationCodeFunc(ctx, code)
	}
	return m.next.DeleteAuthorizationCode(ctx, code)
}

// SaveRefreshToken implements storage.TokenStore
func (m *Store) SaveRefreshToken(ctx context.Context, token *storage.RefreshToken) error {
	m.record("SaveRefreshToken")
	if m.SaveRefreshTokenFunc != nil {
		return m.SaveRefreshTokenFunc(ctx, token)
	}
	return m.next.SaveRefreshToken(ctx, token)
}

// GetRefreshToken implements storage.TokenStore
func (m *Store) GetRefreshToken(ctx context.Context, token string) (*storage.RefreshToken, error) {
	m.record("GetRefreshToken")
	if m.GetRefreshTokenFunc != nil {
		return m.GetRefreshTokenFunc(ctx, token)
	}
	return m.next.GetRefreshToken(ctx, token)
}

// ConsumeRefreshToken implements storage.TokenStore
func (m *Store) ConsumeRefreshToken(ctx context.Context, token string, now time.Time) (*storage.RefreshToken, error) {
	m.record("ConsumeRefreshToken")
	if m.ConsumeRefreshTokenFunc != nil {
		return m.ConsumeRefreshTokenFunc(ctx, token, now)
	}
	return m.next.ConsumeRefreshToken(ctx, token, now)
}

// RevokeRefreshTokenFamily implements storage.TokenStore
func (m *Store) RevokeRefreshTokenFamily(ctx context.Context, familyID string, now time.Time) (int, error) {
	m.record("RevokeRefreshTokenFamily")
	if m.RevokeRefreshTokenFamilyFunc != nil {
		return m.RevokeRefreshTokenFamilyFunc(ctx, familyID, now)
	}
	return m.next.RevokeRefreshTokenFamily(ctx, familyID, now)
}

// TrackAccessToken implements storage.TokenStore
func (m *Store) TrackAccessToken(ctx context.Context, subject, clientID, tokenID string, expiresAt time.Time) error {
	m.record("TrackAccessToken")
	if m.TrackAccessTokenFunc != nil {
		return m.TrackAccessTokenFunc(ctx, subject, clientID, tokenID, expiresAt)
	}
	return m.next.TrackAccessToken(ctx, subject, clientID, tokenID, expiresAt)
}

// RevokeTokensForSubjectClient implements storage.TokenStore
func (m *Store) RevokeTokensForSubjectClient(ctx context.Context, subject, clientID string, now time.Time) (int, error) {
	m.record("RevokeTokensForSubjectClient")
	if m.RevokeTokensForSubjectClientFunc != nil {
		return m.RevokeTokensForSubjectClientFunc(ctx, subject, clientID, now)
	}
	return m.next.RevokeTokensForSubjectClient(ctx, subject, clientID, now)
}

// RevokeAccessToken implements storage.TokenStore
func (m *Store) RevokeAccessToken(ctx context.Context, tokenID string, expiresAt time.Time) error {
	m.record("RevokeAccessToken")
	if m.RevokeAccessTokenFunc != nil {
		return m.RevokeAccessTokenFunc(ctx, tokenID, expiresAt)
	}
	return m.next.RevokeAccessToken(ctx, tokenID, expiresAt)
}

// IsAccessTokenRevoked implements storage.TokenStore
func (m *Store) IsAccessTokenRevoked(ctx context.Context, tokenID string) (bool, error) {
	m.record("IsAccessTokenRevoked")
	if m.IsAccessTokenRevokedFunc != nil {
		return m.IsAccessTokenRevokedFunc(ctx, tokenID)
	}
	return m.next.IsAccessTokenRevoked(ctx, tokenID)
}

// GetConsent implements storage.ConsentStore
func (m *Store) GetConsent(ctx context.Context, subject, clientID string) (*storage.Consent, error) {
	m.record("GetConsent")
	if m.GetConsentFunc != nil {
		return m.GetConsentFunc(ctx, subject, clientID)
	}
	return m.next.GetConsent(ctx, subject, clientID)
}

// GrantConsent implements storage.ConsentStore
func (m *Store) GrantConsent(ctx context.Context, subject, clientID string, scopes []string, reset bool, now time.Time) (*storage.Consent, error) {
	m.record("GrantConsent")
	if m.GrantConsentFunc != nil {
		return m.GrantConsentFunc(ctx, subject, clientID, scopes, reset, now)
	}
	return m.next.GrantConsent(ctx, subject, clientID, scopes, reset, now)
}

// RevokeConsent implements storage.ConsentStore
func (m *Store) RevokeConsent(ctx context.Context, subject, clientID string) error {
	m.record("RevokeConsent")
	if m.RevokeConsentFunc != nil {
		return m.RevokeConsentFunc(ctx, subject, clientID)
	}
	return m.next.RevokeConsent(ctx, subject, clientID)
}
