// Package storagetest provides a behavioral test suite that every
// storage.Store implementation must pass.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/giantswarm/oauth-authserver/storage"
)

// Factory returns a fresh, empty store. Cleanup is the factory's job
// (typically via t.Cleanup).
type Factory func(t *testing.T) storage.Store

// baseTime is close to the wall clock so that backends deriving key TTLs
// from real time accept the fixtures.
var baseTime = time.Now().Truncate(time.Second)

// Run executes the full suite against stores produced by newStore
func Run(t *testing.T, newStore Factory) {
	t.Run("Clients", func(t *testing.T) { testClients(t, newStore(t)) })
	t.Run("AuthorizationRequests", func(t *testing.T) { testAuthorizationRequests(t, newStore(t)) })
	t.Run("AuthorizationCodes", func(t *testing.T) { testAuthorizationCodes(t, newStore(t)) })
	t.Run("ConcurrentCodeConsume", func(t *testing.T) { testConcurrentCodeConsume(t, newStore(t)) })
	t.Run("RefreshTokenRotation", func(t *testing.T) { testRefreshTokenRotation(t, newStore(t)) })
	t.Run("ConcurrentRefreshConsume", func(t *testing.T) { testConcurrentRefreshConsume(t, newStore(t)) })
	t.Run("FamilyRevocation", func(t *testing.T) { testFamilyRevocation(t, newStore(t)) })
	t.Run("RevokeForSubjectClient", func(t *testing.T) { testRevokeForSubjectClient(t, newStore(t)) })
	t.Run("AccessTokenRevocation", func(t *testing.T) { testAccessTokenRevocation(t, newStore(t)) })
	t.Run("TrackedAccessTokens", func(t *testing.T) { testTrackedAccessTokens(t, newStore(t)) })
	t.Run("Consent", func(t *testing.T) { testConsent(t, newStore(t)) })
}

// NewRefreshToken builds a refresh token of the given family for tests
func NewRefreshToken(token, familyID, subject, clientID string, generation int) *storage.RefreshToken {
	return &storage.RefreshToken{
		Token:                token,
		FamilyID:             familyID,
		Generation:           generation,
		ClientID:             clientID,
		Subject:              subject,
		Scopes:               []string{"openid", "resource.read"},
		IssuedAt:             baseTime,
		ExpiresAt:            baseTime.Add(time.Hour),
		AccessTokenID:        "at-" + token,
		AccessTokenExpiresAt: baseTime.Add(5 * time.Minute),
	}
}

func testClients(t *testing.T, s storage.Store) {
	ctx := context.Background()

	client := &storage.Client{
		ClientID:     "frontend-client",
		AuthMethod:   storage.AuthMethodClientSecretBasic,
		GrantTypes:   []string{storage.GrantTypeAuthorizationCode, storage.GrantTypeRefreshToken},
		RedirectURIs: []string{"http://localhost/cb"},
		Scopes:       []string{"openid", "profile"},
		CreatedAt:    baseTime,
	}
	if err := s.CreateClient(ctx, client); err != nil {
		t.Fatalf("CreateClient() error = %v", err)
	}

	err := s.CreateClient(ctx, client)
	if !errors.Is(err, storage.ErrClientExists) {
		t.Fatalf("CreateClient() duplicate error = %v, want ErrClientExists", err)
	}

	got, err := s.GetClient(ctx, "frontend-client")
	if err != nil {
		t.Fatalf("GetClient() error = %v", err)
	}
	if !got.HasGrantType(storage.GrantTypeRefreshToken) || !got.HasRedirectURI("http://localhost/cb") {
		t.Errorf("GetClient() = %+v, fields not preserved", got)
	}

	// Returned values must not alias stored state
	got.Scopes[0] = "mutated"
	again, _ := s.GetClient(ctx, "frontend-client")
	if again.Scopes[0] != "openid" {
		t.Errorf("stored client was mutated through returned copy")
	}

	if _, err := s.GetClient(ctx, "unknown"); !errors.Is(err, storage.ErrClientNotFound) {
		t.Errorf("GetClient(unknown) error = %v, want ErrClientNotFound", err)
	}

	if err := s.CreateClient(ctx, &storage.Client{ClientID: "another", AuthMethod: storage.AuthMethodNone}); err != nil {
		t.Fatalf("CreateClient() error = %v", err)
	}
	clients, err := s.ListClients(ctx)
	if err != nil {
		t.Fatalf("ListClients() error = %v", err)
	}
	if len(clients) != 2 {
		t.Errorf("ListClients() returned %d clients, want 2", len(clients))
	}
}

func testAuthorizationRequests(t *testing.T, s storage.Store) {
	ctx := context.Background()

	req := &storage.AuthorizationRequest{
		ID:          "req-1",
		ClientID:    "frontend-client",
		Subject:     "u",
		RedirectURI: "http://localhost/cb",
		Scopes:      []string{"openid", "resource.read"},
		ClientState: "xyz",
		CreatedAt:   baseTime,
		ExpiresAt:   baseTime.Add(5 * time.Minute),
	}
	if err := s.SaveAuthorizationRequest(ctx, req); err != nil {
		t.Fatalf("SaveAuthorizationRequest() error = %v", err)
	}

	got, err := s.ConsumeAuthorizationRequest(ctx, "req-1", baseTime.Add(time.Minute))
	if err != nil {
		t.Fatalf("ConsumeAuthorizationRequest() error = %v", err)
	}
	if got.ClientState != "xyz" || got.Subject != "u" {
		t.Errorf("ConsumeAuthorizationRequest() = %+v", got)
	}

	// Consumed requests are gone
	if _, err := s.ConsumeAuthorizationRequest(ctx, "req-1", baseTime); !errors.Is(err, storage.ErrAuthorizationRequestNotFound) {
		t.Errorf("second consume error = %v, want ErrAuthorizationRequestNotFound", err)
	}

	expiring := *req
	expiring.ID = "req-2"
	if err := s.SaveAuthorizationRequest(ctx, &expiring); err != nil {
		t.Fatalf("SaveAuthorizationRequest() error = %v", err)
	}
	// Expiry is exact: at the expiry instant the request is already expired
	if _, err := s.ConsumeAuthorizationRequest(ctx, "req-2", expiring.ExpiresAt); !errors.Is(err, storage.ErrAuthorizationRequestExpired) {
		t.Errorf("consume at expiry error = %v, want ErrAuthorizationRequestExpired", err)
	}
}

func newCode(code string) *storage.AuthorizationCode {
	return &storage.AuthorizationCode{
		Code:                code,
		ClientID:            "frontend-client",
		Subject:             "u",
		Scopes:              []string{"openid", "resource.read"},
		RedirectURI:         "http://localhost/cb",
		CodeChallenge:       "challenge",
		CodeChallengeMethod: "S256",
		IssuedAt:            baseTime,
		ExpiresAt:           baseTime.Add(time.Minute),
	}
}

func testAuthorizationCodes(t *testing.T, s storage.Store) {
	ctx := context.Background()

	if err := s.SaveAuthorizationCode(ctx, newCode("code-1")); err != nil {
		t.Fatalf("SaveAuthorizationCode() error = %v", err)
	}

	peek, err := s.GetAuthorizationCode(ctx, "code-1")
	if err != nil {
		t.Fatalf("GetAuthorizationCode() error = %v", err)
	}
	if peek.Used {
		t.Error("GetAuthorizationCode() must not consume the code")
	}

	got, err := s.ConsumeAuthorizationCode(ctx, "code-1", baseTime.Add(59*time.Second))
	if err != nil {
		t.Fatalf("ConsumeAuthorizationCode() error = %v", err)
	}
	if !got.Used || got.CodeChallenge != "challenge" {
		t.Errorf("ConsumeAuthorizationCode() = %+v", got)
	}

	replay, err := s.ConsumeAuthorizationCode(ctx, "code-1", baseTime.Add(59*time.Second))
	if !errors.Is(err, storage.ErrAuthorizationCodeUsed) {
		t.Fatalf("replay error = %v, want ErrAuthorizationCodeUsed", err)
	}
	if replay == nil || replay.Subject != "u" {
		t.Errorf("replay should return the stored code, got %+v", replay)
	}

	if err := s.SaveAuthorizationCode(ctx, newCode("code-2")); err != nil {
		t.Fatalf("SaveAuthorizationCode() error = %v", err)
	}
	if _, err := s.ConsumeAuthorizationCode(ctx, "code-2", baseTime.Add(time.Minute)); !errors.Is(err, storage.ErrTokenExpired) {
		t.Errorf("consume at expiry error = %v, want ErrTokenExpired", err)
	}

	if _, err := s.ConsumeAuthorizationCode(ctx, "missing", baseTime); !errors.Is(err, storage.ErrAuthorizationCodeNotFound) {
		t.Errorf("consume unknown error = %v, want ErrAuthorizationCodeNotFound", err)
	}

	if err := s.DeleteAuthorizationCode(ctx, "code-2"); err != nil {
		t.Fatalf("DeleteAuthorizationCode() error = %v", err)
	}
	if _, err := s.GetAuthorizationCode(ctx, "code-2"); !errors.Is(err, storage.ErrAuthorizationCodeNotFound) {
		t.Errorf("GetAuthorizationCode() after delete error = %v", err)
	}
}

func testConcurrentCodeConsume(t *testing.T, s storage.Store) {
	ctx := context.Background()
	if err := s.SaveAuthorizationCode(ctx, newCode("race")); err != nil {
		t.Fatalf("SaveAuthorizationCode() error = %v", err)
	}

	const goroutines = 20
	var wins atomic.Int32
	var wg sync.WaitGroup
	for range goroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.ConsumeAuthorizationCode(ctx, "race", baseTime); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Errorf("%d goroutines consumed the code, want exactly 1", wins.Load())
	}
}

func testRefreshTokenRotation(t *testing.T, s storage.Store) {
	ctx := context.Background()

	rt := NewRefreshToken("rt-1", "fam-1", "u", "frontend-client", 1)
	if err := s.SaveRefreshToken(ctx, rt); err != nil {
		t.Fatalf("SaveRefreshToken() error = %v", err)
	}

	got, err := s.ConsumeRefreshToken(ctx, "rt-1", baseTime.Add(time.Minute))
	if err != nil {
		t.Fatalf("ConsumeRefreshToken() error = %v", err)
	}
	if !got.Consumed || got.FamilyID != "fam-1" {
		t.Errorf("ConsumeRefreshToken() = %+v", got)
	}

	replay, err := s.ConsumeRefreshToken(ctx, "rt-1", baseTime.Add(time.Minute))
	if !errors.Is(err, storage.ErrRefreshTokenUsed) {
		t.Fatalf("replay error = %v, want ErrRefreshTokenUsed", err)
	}
	if replay == nil || replay.FamilyID != "fam-1" {
		t.Errorf("replay should return the stored token, got %+v", replay)
	}

	expired := NewRefreshToken("rt-exp", "fam-2", "u", "frontend-client", 1)
	if err := s.SaveRefreshToken(ctx, expired); err != nil {
		t.Fatalf("SaveRefreshToken() error = %v", err)
	}
	if _, err := s.ConsumeRefreshToken(ctx, "rt-exp", expired.ExpiresAt); !errors.Is(err, storage.ErrTokenExpired) {
		t.Errorf("consume at expiry error = %v, want ErrTokenExpired", err)
	}

	if _, err := s.ConsumeRefreshToken(ctx, "nope", baseTime); !errors.Is(err, storage.ErrRefreshTokenNotFound) {
		t.Errorf("consume unknown error = %v, want ErrRefreshTokenNotFound", err)
	}
}

func testConcurrentRefreshConsume(t *testing.T, s storage.Store) {
	ctx := context.Background()
	if err := s.SaveRefreshToken(ctx, NewRefreshToken("rt-race", "fam-race", "u", "c", 1)); err != nil {
		t.Fatalf("SaveRefreshToken() error = %v", err)
	}

	const goroutines = 20
	var wins atomic.Int32
	var wg sync.WaitGroup
	for range goroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.ConsumeRefreshToken(ctx, "rt-race", baseTime); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Errorf("%d goroutines consumed the refresh token, want exactly 1", wins.Load())
	}
}

func testFamilyRevocation(t *testing.T, s storage.Store) {
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		rt := NewRefreshToken(fmt.Sprintf("fam-rt-%d", i), "fam", "u", "frontend-client", i)
		if err := s.SaveRefreshToken(ctx, rt); err != nil {
			t.Fatalf("SaveRefreshToken() error = %v", err)
		}
	}
	other := NewRefreshToken("other-rt", "other-fam", "u", "frontend-client", 1)
	if err := s.SaveRefreshToken(ctx, other); err != nil {
		t.Fatalf("SaveRefreshToken() error = %v", err)
	}

	n, err := s.RevokeRefreshTokenFamily(ctx, "fam", baseTime)
	if err != nil {
		t.Fatalf("RevokeRefreshTokenFamily() error = %v", err)
	}
	if n != 3 {
		t.Errorf("RevokeRefreshTokenFamily() revoked %d, want 3", n)
	}

	// Revocation is idempotent
	n, err = s.RevokeRefreshTokenFamily(ctx, "fam", baseTime)
	if err != nil || n != 0 {
		t.Errorf("second RevokeRefreshTokenFamily() = %d, %v; want 0, nil", n, err)
	}

	for i := 1; i <= 3; i++ {
		token := fmt.Sprintf("fam-rt-%d", i)
		if _, err := s.ConsumeRefreshToken(ctx, token, baseTime); !errors.Is(err, storage.ErrRefreshTokenRevoked) {
			t.Errorf("consume %s error = %v, want ErrRefreshTokenRevoked", token, err)
		}
		revoked, err := s.IsAccessTokenRevoked(ctx, "at-"+token)
		if err != nil || !revoked {
			t.Errorf("access token of %s revoked = %v, %v; want true", token, revoked, err)
		}
	}

	if _, err := s.ConsumeRefreshToken(ctx, "other-rt", baseTime); err != nil {
		t.Errorf("other family must stay usable, got %v", err)
	}
}

func testTrackedAccessTokens(t *testing.T, s storage.Store) {
	ctx := context.Background()

	for _, tc := range []struct {
		subject, clientID, tokenID string
		expiresAt                  time.Time
	}{
		{"u", "c2", "at-1", baseTime.Add(time.Minute)},
		{"u", "c2", "at-2", baseTime.Add(2 * time.Minute)},
		{"u", "c2", "at-old", baseTime.Add(-time.Minute)},
		{"u2", "c2", "at-other", baseTime.Add(time.Minute)},
	} {
		if err := s.TrackAccessToken(ctx, tc.subject, tc.clientID, tc.tokenID, tc.expiresAt); err != nil {
			t.Fatalf("TrackAccessToken(%s) error = %v", tc.tokenID, err)
		}
	}
	if err := s.TrackAccessToken(ctx, "u", "c2", "", baseTime.Add(time.Minute)); err == nil {
		t.Error("TrackAccessToken() with empty token id should fail")
	}

	n, err := s.RevokeTokensForSubjectClient(ctx, "u", "c2", baseTime)
	if err != nil {
		t.Fatalf("RevokeTokensForSubjectClient() error = %v", err)
	}
	if n != 2 {
		t.Errorf("RevokeTokensForSubjectClient() revoked %d, want 2", n)
	}

	for tokenID, want := range map[string]bool{"at-1": true, "at-2": true, "at-old": false, "at-other": false} {
		got, err := s.IsAccessTokenRevoked(ctx, tokenID)
		if err != nil {
			t.Fatalf("IsAccessTokenRevoked(%s) error = %v", tokenID, err)
		}
		if got != want {
			t.Errorf("%s revoked = %v, want %v", tokenID, got, want)
		}
	}

	// Already revoked tokens are not counted again
	if n, err := s.RevokeTokensForSubjectClient(ctx, "u", "c2", baseTime); err != nil || n != 0 {
		t.Errorf("second RevokeTokensForSubjectClient() = %d, %v, want 0", n, err)
	}
}

func testRevokeForSubjectClient(t *testing.T, s storage.Store) {
	ctx := context.Background()

	tokens := []*storage.RefreshToken{
		NewRefreshToken("a1", "fa", "u", "frontend-client", 1),
		NewRefreshToken("a2", "fa", "u", "frontend-client", 2),
		NewRefreshToken("b1", "fb", "u", "frontend-client", 1),
		NewRefreshToken("c1", "fc", "u2", "frontend-client", 1),
		NewRefreshToken("d1", "fd", "u", "other-client", 1),
	}
	for _, rt := range tokens {
		if err := s.SaveRefreshToken(ctx, rt); err != nil {
			t.Fatalf("SaveRefreshToken() error = %v", err)
		}
	}

	n, err := s.RevokeTokensForSubjectClient(ctx, "u", "frontend-client", baseTime)
	if err != nil {
		t.Fatalf("RevokeTokensForSubjectClient() error = %v", err)
	}
	if n != 3 {
		t.Errorf("RevokeTokensForSubjectClient() revoked %d, want 3", n)
	}

	for _, tc := range []struct {
		token   string
		revoked bool
	}{
		{"a1", true}, {"a2", true}, {"b1", true}, {"c1", false}, {"d1", false},
	} {
		got, err := s.GetRefreshToken(ctx, tc.token)
		if err != nil {
			t.Fatalf("GetRefreshToken(%s) error = %v", tc.token, err)
		}
		if got.Revoked != tc.revoked {
			t.Errorf("%s revoked = %v, want %v", tc.token, got.Revoked, tc.revoked)
		}
	}
}

func testAccessTokenRevocation(t *testing.T, s storage.Store) {
	ctx := context.Background()

	revoked, err := s.IsAccessTokenRevoked(ctx, "jti-1")
	if err != nil || revoked {
		t.Fatalf("IsAccessTokenRevoked() = %v, %v; want false, nil", revoked, err)
	}

	if err := s.RevokeAccessToken(ctx, "jti-1", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("RevokeAccessToken() error = %v", err)
	}

	revoked, err = s.IsAccessTokenRevoked(ctx, "jti-1")
	if err != nil || !revoked {
		t.Errorf("IsAccessTokenRevoked() = %v, %v; want true, nil", revoked, err)
	}
}

func testConsent(t *testing.T, s storage.Store) {
	ctx := context.Background()

	if _, err := s.GetConsent(ctx, "u", "frontend-client"); !errors.Is(err, storage.ErrConsentNotFound) {
		t.Fatalf("GetConsent() error = %v, want ErrConsentNotFound", err)
	}

	c, err := s.GrantConsent(ctx, "u", "frontend-client", []string{"resource.read"}, false, baseTime)
	if err != nil {
		t.Fatalf("GrantConsent() error = %v", err)
	}
	if len(c.Scopes) != 1 || c.Scopes[0] != "resource.read" {
		t.Errorf("GrantConsent() scopes = %v", c.Scopes)
	}

	c, err = s.GrantConsent(ctx, "u", "frontend-client", []string{"resource.write", "resource.read"}, false, baseTime)
	if err != nil {
		t.Fatalf("GrantConsent() merge error = %v", err)
	}
	if want := []string{"resource.read", "resource.write"}; fmt.Sprint(c.Scopes) != fmt.Sprint(want) {
		t.Errorf("merged scopes = %v, want %v", c.Scopes, want)
	}

	c, err = s.GrantConsent(ctx, "u", "frontend-client", []string{"profile"}, true, baseTime)
	if err != nil {
		t.Fatalf("GrantConsent() reset error = %v", err)
	}
	if len(c.Scopes) != 1 || c.Scopes[0] != "profile" {
		t.Errorf("reset scopes = %v, want [profile]", c.Scopes)
	}

	// Consents are per subject
	if _, err := s.GetConsent(ctx, "u2", "frontend-client"); !errors.Is(err, storage.ErrConsentNotFound) {
		t.Errorf("GetConsent(u2) error = %v, want ErrConsentNotFound", err)
	}

	if err := s.RevokeConsent(ctx, "u", "frontend-client"); err != nil {
		t.Fatalf("RevokeConsent() error = %v", err)
	}
	if _, err := s.GetConsent(ctx, "u", "frontend-client"); !errors.Is(err, storage.ErrConsentNotFound) {
		t.Errorf("GetConsent() after revoke error = %v", err)
	}
}
