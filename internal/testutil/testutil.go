// Package testutil provides testing utilities and helpers for the authorization server.
package testutil

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/oauth2"

	"github.com/giantswarm/oauth-authserver/storage"
)

// MockTime provides a controllable time source for deterministic testing.
// It is safe for concurrent use.
type MockTime struct {
	mu  sync.Mutex
	now time.Time
}

// NewMockTime creates a new mock time provider
func NewMockTime(t time.Time) *MockTime {
	return &MockTime{now: t}
}

// Now returns the current mock time
func (m *MockTime) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the mock time forward by the given duration
func (m *MockTime) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// Set sets the mock time to a specific value
func (m *MockTime) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t
}

// Test fixture constants matching the default client registrations
const (
	TestAuthCodeClientID    = "frontend-client"
	TestAuthCodeSecret      = "frontend-client-secret"
	TestAuthCodeRedirectURI = "http://frontend.localtest.me:8080/authorized"

	TestServiceClientID = "backend-client-credentials-client"
	TestServiceSecret   = "backend-client-credentials-client-secret"

	TestSubject = "u"
)

// HashSecret bcrypt-hashes a client secret at minimum cost for fast tests
func HashSecret(t testing.TB, secret string) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("failed to hash secret: %v", err)
	}
	return string(hash)
}

// GenerateAuthCodeClient creates a confidential authorization code client
func GenerateAuthCodeClient(t testing.TB) *storage.Client {
	t.Helper()
	return &storage.Client{
		ClientID:         TestAuthCodeClientID,
		ClientSecretHash: HashSecret(t, TestAuthCodeSecret),
		ClientName:       "Frontend",
		AuthMethod:       storage.AuthMethodClientSecretBasic,
		GrantTypes:       []string{storage.GrantTypeAuthorizationCode, storage.GrantTypeRefreshToken},
		RedirectURIs: []string{
			"http://frontend.localtest.me:8080/login/oauth2/code/frontend-client",
			TestAuthCodeRedirectURI,
		},
		Scopes:          []string{"openid", "profile", "resource.read", "resource.write"},
		RequireConsent:  true,
		AccessTokenTTL:  20 * time.Second,
		RefreshTokenTTL: time.Minute,
		CreatedAt:       time.Now(),
	}
}

// GenerateServiceClient creates a confidential client credentials client
func GenerateServiceClient(t testing.TB) *storage.Client {
	t.Helper()
	return &storage.Client{
		ClientID:         TestServiceClientID,
		ClientSecretHash: HashSecret(t, TestServiceSecret),
		ClientName:       "Backend",
		AuthMethod:       storage.AuthMethodClientSecretBasic,
		GrantTypes:       []string{storage.GrantTypeClientCredentials},
		Scopes:           []string{"openid", "profile", "resource.client_credentials_only"},
		AccessTokenTTL:   5 * time.Minute,
		RefreshTokenTTL:  time.Hour,
		CreatedAt:        time.Now(),
	}
}

// GenerateRandomString generates a random base64-encoded string
func GenerateRandomString(length int) string {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("failed to generate random string: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)[:length]
}

// GeneratePKCEPair generates a valid PKCE challenge and verifier pair for testing.
// Returns (challenge, verifier) where challenge is the S256 hash of the verifier.
func GeneratePKCEPair() (challenge, verifier string) {
	verifier = oauth2.GenerateVerifier()
	return oauth2.S256ChallengeFromVerifier(verifier), verifier
}

// AssertNoError fails the test if err is not nil
func AssertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// AssertError fails the test if err is nil
func AssertError(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error but got nil")
	}
}

// AssertStringContains fails the test if s does not contain substr
func AssertStringContains(t *testing.T, s, substr string) {
	t.Helper()
	if !strings.Contains(s, substr) {
		t.Errorf("string %q does not contain %q", s, substr)
	}
}

// AssertTimeEqual asserts two times are equal within a tolerance
func AssertTimeEqual(t *testing.T, got, want time.Time, tolerance time.Duration) {
	t.Helper()
	diff := got.Sub(want)
	if diff < 0 {
		diff = -diff
	}
	if diff > tolerance {
		t.Errorf("time mismatch: got %v, want %v (tolerance: %v, diff: %v)", got, want, tolerance, diff)
	}
}

// HTTPRequest is a helper for making test HTTP requests
type HTTPRequest struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    string
}

// NewHTTPRequest creates a new HTTP request helper
func NewHTTPRequest(method, url string) *HTTPRequest {
	return &HTTPRequest{
		Method:  method,
		URL:     url,
		Headers: make(map[string]string),
	}
}

// WithHeader adds a header to the request
func (r *HTTPRequest) WithHeader(key, value string) *HTTPRequest {
	r.Headers[key] = value
	return r
}

// WithForm sets a form-encoded body
func (r *HTTPRequest) WithForm(body string) *HTTPRequest {
	r.Body = body
	r.Headers["Content-Type"] = "application/x-www-form-urlencoded"
	return r
}

// WithBasicAuth sets HTTP Basic credentials
func (r *HTTPRequest) WithBasicAuth(user, password string) *HTTPRequest {
	cred := base64.StdEncoding.EncodeToString([]byte(user + ":" + password))
	r.Headers["Authorization"] = "Basic " + cred
	return r
}

// Do executes the HTTP request
func (r *HTTPRequest) Do(handler http.Handler) *httptest.ResponseRecorder {
	req := httptest.NewRequest(r.Method, r.URL, strings.NewReader(r.Body))
	for k, v := range r.Headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}
