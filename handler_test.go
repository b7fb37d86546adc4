package authserver

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/giantswarm/oauth-authserver/internal/testutil"
	"github.com/giantswarm/oauth-authserver/keys"
	"github.com/giantswarm/oauth-authserver/server"
	"github.com/giantswarm/oauth-authserver/storage/memory"
)

const (
	testIssuer   = "http://auth.localtest.me:9000"
	testPassword = "p"
)

type handlerEnv struct {
	srv     *server.Server
	handler *Handler
	routes  http.Handler
	ts      *httptest.Server
	clock   *testutil.MockTime
	users   *Users
}

func newTestUsers(t *testing.T) *Users {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(testPassword), bcrypt.MinCost)
	require.NoError(t, err)
	users, err := NewUsers([]User{
		{Username: "u", PasswordHash: string(hash)},
		{Username: "u2", PasswordHash: string(hash), Name: "User Two", Email: "u2@example.com"},
	})
	require.NoError(t, err)
	return users
}

func setupHandler(t *testing.T, configure ...func(*Config)) *handlerEnv {
	t.Helper()

	clock := testutil.NewMockTime(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	store := memory.New()
	store.SetClock(clock)
	t.Cleanup(store.Stop)

	km, err := keys.NewManager(context.Background(), keys.Config{Algorithm: keys.AlgorithmES256, Clock: clock})
	require.NoError(t, err)

	srv, err := server.New(store, km, &server.Config{
		Issuer:         testIssuer,
		SecretHashCost: bcrypt.MinCost,
		Clock:          clock,
	})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, store.CreateClient(ctx, testutil.GenerateAuthCodeClient(t)))
	require.NoError(t, store.CreateClient(ctx, testutil.GenerateServiceClient(t)))

	users := newTestUsers(t)
	srv.SetClaimsSource(users)

	cfg := &Config{Authenticator: users, RateLimit: RateLimitConfig{Rate: -1}}
	for _, fn := range configure {
		fn(cfg)
	}
	h := NewHandler(srv, cfg)
	t.Cleanup(h.Close)

	routes := h.Routes()
	ts := httptest.NewServer(routes)
	t.Cleanup(ts.Close)

	return &handlerEnv{srv: srv, handler: h, routes: routes, ts: ts, clock: clock, users: users}
}

// browser returns an HTTP client that logs in as username and does not
// follow redirects
func (e *handlerEnv) browser(username string) *browserClient {
	return &browserClient{
		client: &http.Client{
			CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
		},
		username: username,
	}
}

type browserClient struct {
	client   *http.Client
	username string
}

func (b *browserClient) do(t *testing.T, req *http.Request) (*http.Response, string) {
	t.Helper()
	req.SetBasicAuth(b.username, testPassword)
	resp, err := b.client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

func (b *browserClient) get(t *testing.T, target string) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, target, nil)
	require.NoError(t, err)
	return b.do(t, req)
}

func (b *browserClient) postForm(t *testing.T, target string, form url.Values) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, target, strings.NewReader(form.Encode()))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return b.do(t, req)
}

var requestIDPattern = regexp.MustCompile(`name="request_id" value="([^"]+)"`)

func frontendConfig(env *handlerEnv, scopes ...string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     testutil.TestAuthCodeClientID,
		ClientSecret: testutil.TestAuthCodeSecret,
		RedirectURL:  testutil.TestAuthCodeRedirectURI,
		Scopes:       scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   env.ts.URL + server.AuthorizationPath,
			TokenURL:  env.ts.URL + server.TokenPath,
			AuthStyle: oauth2.AuthStyleInHeader,
		},
	}
}

func backendConfig(env *handlerEnv, scopes ...string) *clientcredentials.Config {
	return &clientcredentials.Config{
		ClientID:     testutil.TestServiceClientID,
		ClientSecret: testutil.TestServiceSecret,
		TokenURL:     env.ts.URL + server.TokenPath,
		Scopes:       scopes,
		AuthStyle:    oauth2.AuthStyleInHeader,
	}
}

func TestHandler_AuthorizationCodeFlow(t *testing.T) {
	env := setupHandler(t)
	ctx := context.Background()
	conf := frontendConfig(env, "openid", "profile", "resource.read", "resource.write")
	browser := env.browser("u")

	verifier := oauth2.GenerateVerifier()
	authURL := conf.AuthCodeURL("xyz", oauth2.S256ChallengeOption(verifier), oauth2.SetAuthURLParam("nonce", "n1"))

	// First visit parks the request on the consent page
	resp, body := browser.get(t, authURL)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")
	assert.Contains(t, resp.Header.Get("Content-Security-Policy"), "frame-ancestors 'none'")
	assert.Contains(t, body, "Frontend wants to access your account")
	assert.Contains(t, body, `value="resource.write"`)
	match := requestIDPattern.FindStringSubmatch(body)
	require.Len(t, match, 2, "consent page must carry the request id")

	// Approve all but resource.write
	resp, _ = browser.postForm(t, env.ts.URL+server.ConsentPath, url.Values{
		"request_id": {match[1]},
		"scope":      {"profile", "resource.read"},
		"action":     {"approve"},
	})
	require.Equal(t, http.StatusFound, resp.StatusCode)
	location, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, testutil.TestAuthCodeRedirectURI, location.Scheme+"://"+location.Host+location.Path)
	assert.Equal(t, "xyz", location.Query().Get("state"))
	code := location.Query().Get("code")
	require.NotEmpty(t, code)

	token, err := conf.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	require.NoError(t, err)
	assert.Equal(t, "Bearer", token.TokenType)
	assert.NotEmpty(t, token.RefreshToken)
	assert.Equal(t, "openid profile resource.read", token.Extra("scope"))
	assert.EqualValues(t, 20, token.Extra("expires_in"))
	idToken, _ := token.Extra("id_token").(string)
	assert.NotEmpty(t, idToken)

	// The code cannot be exchanged twice
	_, err = conf.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	var retrieveErr *oauth2.RetrieveError
	require.ErrorAs(t, err, &retrieveErr)
	assert.Equal(t, "invalid_grant", retrieveErr.ErrorCode)

	// A second authorization needs no consent for the approved scopes
	conf.Scopes = []string{"openid", "resource.read"}
	resp, _ = browser.get(t, conf.AuthCodeURL("again"))
	require.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Location"), "code=")
	assert.Contains(t, resp.Header.Get("Location"), "state=again")
}

func TestHandler_RefreshToken(t *testing.T) {
	env := setupHandler(t)
	ctx := context.Background()
	conf := frontendConfig(env, "openid", "profile")
	browser := env.browser("u")

	resp, body := browser.get(t, conf.AuthCodeURL("s1"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	match := requestIDPattern.FindStringSubmatch(body)
	require.Len(t, match, 2)
	resp, _ = browser.postForm(t, env.ts.URL+server.ConsentPath, url.Values{
		"request_id": {match[1]},
		"scope":      {"profile"},
		"action":     {"approve"},
	})
	require.Equal(t, http.StatusFound, resp.StatusCode)
	location, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)

	token, err := conf.Exchange(ctx, location.Query().Get("code"))
	require.NoError(t, err)

	refreshed, err := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: token.RefreshToken}).Token()
	require.NoError(t, err)
	assert.NotEqual(t, token.AccessToken, refreshed.AccessToken)
	assert.NotEqual(t, token.RefreshToken, refreshed.RefreshToken, "refresh tokens rotate")

	// The rotated token expires with the refresh token lifetime
	env.clock.Advance(time.Minute)
	_, err = conf.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshed.RefreshToken}).Token()
	var retrieveErr *oauth2.RetrieveError
	require.ErrorAs(t, err, &retrieveErr)
	assert.Equal(t, "invalid_grant", retrieveErr.ErrorCode)

	// Replaying the consumed refresh token fails
	_, err = conf.TokenSource(ctx, &oauth2.Token{RefreshToken: token.RefreshToken}).Token()
	require.ErrorAs(t, err, &retrieveErr)
	assert.Equal(t, "invalid_grant", retrieveErr.ErrorCode)
}

func TestHandler_ConsentDenied(t *testing.T) {
	env := setupHandler(t)
	conf := frontendConfig(env, "openid", "resource.read")
	browser := env.browser("u")

	resp, body := browser.get(t, conf.AuthCodeURL("st"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	match := requestIDPattern.FindStringSubmatch(body)
	require.Len(t, match, 2)

	resp, _ = browser.postForm(t, env.ts.URL+server.ConsentPath, url.Values{
		"request_id": {match[1]},
		"action":     {"deny"},
	})
	require.Equal(t, http.StatusFound, resp.StatusCode)
	location, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "access_denied", location.Query().Get("error"))
	assert.Equal(t, "st", location.Query().Get("state"))
	assert.Empty(t, location.Query().Get("code"))

	// The decision consumed the request
	resp, body = browser.postForm(t, env.ts.URL+server.ConsentPath, url.Values{
		"request_id": {match[1]},
		"action":     {"approve"},
		"scope":      {"resource.read"},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body, "invalid_request")
}

func TestHandler_ConsentByAnotherUser(t *testing.T) {
	env := setupHandler(t)
	conf := frontendConfig(env, "resource.read")

	resp, body := env.browser("u").get(t, conf.AuthCodeURL("st"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	match := requestIDPattern.FindStringSubmatch(body)
	require.Len(t, match, 2)

	resp, _ = env.browser("u2").postForm(t, env.ts.URL+server.ConsentPath, url.Values{
		"request_id": {match[1]},
		"scope":      {"resource.read"},
		"action":     {"approve"},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Empty(t, resp.Header.Get("Location"))
}

func TestHandler_Authorize(t *testing.T) {
	env := setupHandler(t)
	base := env.ts.URL + server.AuthorizationPath

	tests := []struct {
		name         string
		query        string
		wantStatus   int
		wantError    string
		wantRedirect bool
	}{
		{
			name:       "unknown client",
			query:      "response_type=code&client_id=nope&redirect_uri=" + url.QueryEscape(testutil.TestAuthCodeRedirectURI),
			wantStatus: http.StatusUnauthorized,
			wantError:  "invalid_client",
		},
		{
			name:       "unregistered redirect uri",
			query:      "response_type=code&client_id=frontend-client&redirect_uri=" + url.QueryEscape("http://evil.example/cb"),
			wantStatus: http.StatusBadRequest,
			wantError:  "invalid_redirect_uri",
		},
		{
			name:       "redirect uri with trailing slash",
			query:      "response_type=code&client_id=frontend-client&redirect_uri=" + url.QueryEscape(testutil.TestAuthCodeRedirectURI+"/"),
			wantStatus: http.StatusBadRequest,
			wantError:  "invalid_redirect_uri",
		},
		{
			name:       "repeated parameter",
			query:      "response_type=code&client_id=frontend-client&state=a&state=b",
			wantStatus: http.StatusBadRequest,
			wantError:  "invalid_request",
		},
		{
			name:         "unsupported response type",
			query:        "response_type=token&client_id=frontend-client&state=s&redirect_uri=" + url.QueryEscape(testutil.TestAuthCodeRedirectURI),
			wantStatus:   http.StatusFound,
			wantError:    "unsupported_response_type",
			wantRedirect: true,
		},
		{
			name:         "scope not registered",
			query:        "response_type=code&client_id=frontend-client&state=s&scope=admin&redirect_uri=" + url.QueryEscape(testutil.TestAuthCodeRedirectURI),
			wantStatus:   http.StatusFound,
			wantError:    "invalid_scope",
			wantRedirect: true,
		},
		{
			name:         "client not allowed the code grant",
			query:        "response_type=code&client_id=backend-client-credentials-client&state=s",
			wantStatus:   http.StatusBadRequest,
			wantError:    "invalid_request",
			wantRedirect: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := env.browser("u").get(t, base+"?"+tt.query)
			require.Equal(t, tt.wantStatus, resp.StatusCode, body)

			if tt.wantRedirect {
				location, err := url.Parse(resp.Header.Get("Location"))
				require.NoError(t, err)
				assert.Equal(t, tt.wantError, location.Query().Get("error"))
				assert.Equal(t, "s", location.Query().Get("state"))
				return
			}
			assert.Empty(t, resp.Header.Get("Location"))
			assert.Empty(t, resp.Header.Get("WWW-Authenticate"))
			var errResp ErrorResponse
			require.NoError(t, json.Unmarshal([]byte(body), &errResp))
			assert.Equal(t, tt.wantError, errResp.Error)
		})
	}
}

func TestHandler_AuthorizeRequiresLogin(t *testing.T) {
	env := setupHandler(t)

	resp := testutil.NewHTTPRequest(http.MethodGet, server.AuthorizationPath+"?response_type=code&client_id=frontend-client").
		Do(env.routes)
	assert.Equal(t, http.StatusUnauthorized, resp.Code)
	assert.Contains(t, resp.Header().Get("WWW-Authenticate"), "Basic realm=")

	resp = testutil.NewHTTPRequest(http.MethodGet, server.AuthorizationPath+"?response_type=code&client_id=frontend-client").
		WithBasicAuth("u", "wrong").
		Do(env.routes)
	assert.Equal(t, http.StatusUnauthorized, resp.Code)
}

func TestHandler_NoAuthenticator(t *testing.T) {
	env := setupHandler(t, func(c *Config) { c.Authenticator = nil })

	resp := testutil.NewHTTPRequest(http.MethodGet, server.AuthorizationPath).Do(env.routes)
	assert.Equal(t, http.StatusNotFound, resp.Code)

	// The client-facing endpoints stay available
	resp = testutil.NewHTTPRequest(http.MethodGet, server.JWKSPath).Do(env.routes)
	assert.Equal(t, http.StatusOK, resp.Code)
}

func TestHandler_ClientCredentials(t *testing.T) {
	env := setupHandler(t)
	ctx := context.Background()

	token, err := backendConfig(env, "resource.client_credentials_only").Token(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, token.AccessToken)
	assert.Empty(t, token.RefreshToken)
	assert.EqualValues(t, 300, token.Extra("expires_in"))
	assert.Equal(t, "resource.client_credentials_only", token.Extra("scope"))

	_, err = backendConfig(env, "resource.write").Token(ctx)
	var retrieveErr *oauth2.RetrieveError
	require.ErrorAs(t, err, &retrieveErr)
	assert.Equal(t, "invalid_scope", retrieveErr.ErrorCode)

	// Expiry follows the server clock
	introspect := func() map[string]any {
		resp := testutil.NewHTTPRequest(http.MethodPost, server.IntrospectionPath).
			WithBasicAuth(testutil.TestServiceClientID, testutil.TestServiceSecret).
			WithForm("token=" + url.QueryEscape(token.AccessToken)).
			Do(env.routes)
		require.Equal(t, http.StatusOK, resp.Code)
		var out map[string]any
		require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &out))
		return out
	}
	got := introspect()
	assert.Equal(t, true, got["active"])
	assert.Equal(t, testutil.TestServiceClientID, got["sub"])
	assert.Equal(t, testutil.TestServiceClientID, got["client_id"])

	env.clock.Advance(5 * time.Minute)
	assert.Equal(t, false, introspect()["active"])
}

func TestHandler_TokenErrors(t *testing.T) {
	env := setupHandler(t)

	tests := []struct {
		name          string
		form          string
		user, pass    string
		wantStatus    int
		wantError     string
		wantChallenge bool
	}{
		{
			name:       "missing grant type",
			form:       "scope=openid",
			user:       testutil.TestServiceClientID,
			pass:       testutil.TestServiceSecret,
			wantStatus: http.StatusBadRequest,
			wantError:  "invalid_request",
		},
		{
			name:       "unsupported grant type",
			form:       "grant_type=password&username=u&password=p",
			user:       testutil.TestServiceClientID,
			pass:       testutil.TestServiceSecret,
			wantStatus: http.StatusBadRequest,
			wantError:  "unsupported_grant_type",
		},
		{
			name:          "wrong secret",
			form:          "grant_type=client_credentials",
			user:          testutil.TestServiceClientID,
			pass:          "wrong",
			wantStatus:    http.StatusUnauthorized,
			wantError:     "invalid_client",
			wantChallenge: true,
		},
		{
			name:          "no client authentication",
			form:          "grant_type=client_credentials",
			wantStatus:    http.StatusUnauthorized,
			wantError:     "invalid_client",
			wantChallenge: true,
		},
		{
			name:          "secret in body for a basic client",
			form:          "grant_type=client_credentials&client_id=backend-client-credentials-client&client_secret=backend-client-credentials-client-secret",
			wantStatus:    http.StatusUnauthorized,
			wantError:     "invalid_client",
			wantChallenge: true,
		},
		{
			name:       "credentials sent twice",
			form:       "grant_type=client_credentials&client_secret=x",
			user:       testutil.TestServiceClientID,
			pass:       testutil.TestServiceSecret,
			wantStatus: http.StatusBadRequest,
			wantError:  "invalid_request",
		},
		{
			name:       "grant not registered for client",
			form:       "grant_type=client_credentials",
			user:       testutil.TestAuthCodeClientID,
			pass:       testutil.TestAuthCodeSecret,
			wantStatus: http.StatusBadRequest,
			wantError:  "unauthorized_client",
		},
		{
			name:       "unknown authorization code",
			form:       "grant_type=authorization_code&code=nope&redirect_uri=" + url.QueryEscape(testutil.TestAuthCodeRedirectURI),
			user:       testutil.TestAuthCodeClientID,
			pass:       testutil.TestAuthCodeSecret,
			wantStatus: http.StatusBadRequest,
			wantError:  "invalid_grant",
		},
		{
			name:       "unknown refresh token",
			form:       "grant_type=refresh_token&refresh_token=nope",
			user:       testutil.TestAuthCodeClientID,
			pass:       testutil.TestAuthCodeSecret,
			wantStatus: http.StatusBadRequest,
			wantError:  "invalid_grant",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := testutil.NewHTTPRequest(http.MethodPost, server.TokenPath).WithForm(tt.form)
			if tt.user != "" {
				req = req.WithBasicAuth(tt.user, tt.pass)
			}
			resp := req.Do(env.routes)

			require.Equal(t, tt.wantStatus, resp.Code, resp.Body.String())
			assert.Equal(t, "application/json", resp.Header().Get("Content-Type"))
			assert.Contains(t, resp.Header().Get("Cache-Control"), "no-store")

			var errResp ErrorResponse
			require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &errResp))
			assert.Equal(t, tt.wantError, errResp.Error)

			if tt.wantChallenge {
				assert.Contains(t, resp.Header().Get("WWW-Authenticate"), "Basic realm=")
			}
		})
	}
}

func TestHandler_TokenMethodNotAllowed(t *testing.T) {
	env := setupHandler(t)
	resp := testutil.NewHTTPRequest(http.MethodGet, server.TokenPath).Do(env.routes)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.Code)
}

func TestHandler_RateLimit(t *testing.T) {
	env := setupHandler(t, func(c *Config) {
		c.RateLimit = RateLimitConfig{Rate: 1, Burst: 1}
	})

	send := func() int {
		return testutil.NewHTTPRequest(http.MethodPost, server.TokenPath).
			WithBasicAuth(testutil.TestServiceClientID, testutil.TestServiceSecret).
			WithForm("grant_type=client_credentials").
			Do(env.routes).Code
	}
	assert.Equal(t, http.StatusOK, send())

	resp := testutil.NewHTTPRequest(http.MethodPost, server.TokenPath).
		WithBasicAuth(testutil.TestServiceClientID, testutil.TestServiceSecret).
		WithForm("grant_type=client_credentials").
		Do(env.routes)
	assert.Equal(t, http.StatusTooManyRequests, resp.Code)
	assert.Equal(t, "1", resp.Header().Get("Retry-After"))

	env.clock.Advance(time.Second)
	assert.Equal(t, http.StatusOK, send())

	// Discovery is not limited
	assert.Equal(t, http.StatusOK, testutil.NewHTTPRequest(http.MethodGet, server.JWKSPath).Do(env.routes).Code)
}

func TestHandler_Discovery(t *testing.T) {
	env := setupHandler(t)

	for _, path := range []string{server.OpenIDConfigurationPath, server.OAuthServerMetadataPath} {
		t.Run(path, func(t *testing.T) {
			resp := testutil.NewHTTPRequest(http.MethodGet, path).Do(env.routes)
			require.Equal(t, http.StatusOK, resp.Code)
			assert.Equal(t, discoveryMaxAge, resp.Header().Get("Cache-Control"))

			var metadata server.Metadata
			require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &metadata))
			assert.Equal(t, testIssuer, metadata.Issuer)
			assert.Equal(t, testIssuer+server.TokenPath, metadata.TokenEndpoint)
			assert.Equal(t, testIssuer+server.JWKSPath, metadata.JWKSURI)
			assert.Equal(t, []string{"S256"}, metadata.CodeChallengeMethodsSupported)
			assert.Contains(t, metadata.GrantTypesSupported, "client_credentials")
		})
	}

	resp := testutil.NewHTTPRequest(http.MethodGet, server.JWKSPath).Do(env.routes)
	require.Equal(t, http.StatusOK, resp.Code)
	var jwks struct {
		Keys []map[string]any `json:"keys"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &jwks))
	require.Len(t, jwks.Keys, 1)
	assert.Equal(t, "ES256", jwks.Keys[0]["alg"])
	assert.NotContains(t, jwks.Keys[0], "d", "private key material must not be published")
}

func TestHandler_UserInfo(t *testing.T) {
	env := setupHandler(t)
	ctx := context.Background()

	withOpenID, err := backendConfig(env, "openid", "profile").Token(ctx)
	require.NoError(t, err)
	withoutOpenID, err := backendConfig(env, "resource.client_credentials_only").Token(ctx)
	require.NoError(t, err)

	tests := []struct {
		name          string
		method        string
		auth          string
		form          string
		wantStatus    int
		wantChallenge string
	}{
		{
			name:          "no token",
			method:        http.MethodGet,
			wantStatus:    http.StatusUnauthorized,
			wantChallenge: "Bearer",
		},
		{
			name:          "garbage token",
			method:        http.MethodGet,
			auth:          "Bearer not-a-jwt",
			wantStatus:    http.StatusUnauthorized,
			wantChallenge: `Bearer error="invalid_token"`,
		},
		{
			name:          "wrong scheme",
			method:        http.MethodGet,
			auth:          "Basic dTpw",
			wantStatus:    http.StatusUnauthorized,
			wantChallenge: `error="invalid_token"`,
		},
		{
			name:          "missing openid scope",
			method:        http.MethodGet,
			auth:          "Bearer " + withoutOpenID.AccessToken,
			wantStatus:    http.StatusForbidden,
			wantChallenge: `Bearer scope="openid", error="insufficient_scope"`,
		},
		{
			name:       "header token",
			method:     http.MethodGet,
			auth:       "Bearer " + withOpenID.AccessToken,
			wantStatus: http.StatusOK,
		},
		{
			name:       "form token",
			method:     http.MethodPost,
			form:       "access_token=" + url.QueryEscape(withOpenID.AccessToken),
			wantStatus: http.StatusOK,
		},
		{
			name:       "token sent twice",
			method:     http.MethodPost,
			auth:       "Bearer " + withOpenID.AccessToken,
			form:       "access_token=" + url.QueryEscape(withOpenID.AccessToken),
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := testutil.NewHTTPRequest(tt.method, server.UserInfoPath)
			if tt.auth != "" {
				req = req.WithHeader("Authorization", tt.auth)
			}
			if tt.form != "" {
				req = req.WithForm(tt.form)
			}
			resp := req.Do(env.routes)
			require.Equal(t, tt.wantStatus, resp.Code, resp.Body.String())

			if tt.wantChallenge != "" {
				assert.Contains(t, resp.Header().Get("WWW-Authenticate"), tt.wantChallenge)
			}
			if tt.wantStatus == http.StatusOK {
				var claims map[string]any
				require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &claims))
				assert.Equal(t, testutil.TestServiceClientID, claims["sub"])
			}
		})
	}

	// Past the five minute lifetime the token is rejected
	env.clock.Advance(5 * time.Minute)
	resp := testutil.NewHTTPRequest(http.MethodGet, server.UserInfoPath).
		WithHeader("Authorization", "Bearer "+withOpenID.AccessToken).
		Do(env.routes)
	assert.Equal(t, http.StatusUnauthorized, resp.Code)
}

func TestHandler_UserInfoClaims(t *testing.T) {
	env := setupHandler(t)
	ctx := context.Background()
	conf := frontendConfig(env, "openid", "profile")
	browser := env.browser("u2")

	resp, body := browser.get(t, conf.AuthCodeURL("s"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	match := requestIDPattern.FindStringSubmatch(body)
	require.Len(t, match, 2)
	resp, _ = browser.postForm(t, env.ts.URL+server.ConsentPath, url.Values{
		"request_id": {match[1]},
		"scope":      {"profile"},
		"action":     {"approve"},
	})
	require.Equal(t, http.StatusFound, resp.StatusCode)
	location, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	token, err := conf.Exchange(ctx, location.Query().Get("code"))
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodGet, env.ts.URL+server.UserInfoPath, nil)
	require.NoError(t, err)
	token.SetAuthHeader(req)
	userResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer userResp.Body.Close()
	require.Equal(t, http.StatusOK, userResp.StatusCode)

	var claims map[string]any
	require.NoError(t, json.NewDecoder(userResp.Body).Decode(&claims))
	assert.Equal(t, "u2", claims["sub"])
	assert.Equal(t, "User Two", claims["name"])
	assert.Equal(t, "u2", claims["preferred_username"])
	assert.NotContains(t, claims, "email", "email scope was not granted")
}

func TestHandler_RevokeAndIntrospect(t *testing.T) {
	env := setupHandler(t)
	ctx := context.Background()

	token, err := backendConfig(env, "profile").Token(ctx)
	require.NoError(t, err)

	// Another client may not revoke it
	resp := testutil.NewHTTPRequest(http.MethodPost, server.RevocationPath).
		WithBasicAuth(testutil.TestAuthCodeClientID, testutil.TestAuthCodeSecret).
		WithForm("token=" + url.QueryEscape(token.AccessToken)).
		Do(env.routes)
	assert.Equal(t, http.StatusUnauthorized, resp.Code)

	resp = testutil.NewHTTPRequest(http.MethodPost, server.RevocationPath).
		WithBasicAuth(testutil.TestServiceClientID, testutil.TestServiceSecret).
		WithForm("token=" + url.QueryEscape(token.AccessToken) + "&token_type_hint=access_token").
		Do(env.routes)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Empty(t, resp.Body.String())

	// Unknown tokens revoke successfully
	resp = testutil.NewHTTPRequest(http.MethodPost, server.RevocationPath).
		WithBasicAuth(testutil.TestServiceClientID, testutil.TestServiceSecret).
		WithForm("token=unknown").
		Do(env.routes)
	assert.Equal(t, http.StatusOK, resp.Code)

	resp = testutil.NewHTTPRequest(http.MethodPost, server.IntrospectionPath).
		WithBasicAuth(testutil.TestAuthCodeClientID, testutil.TestAuthCodeSecret).
		WithForm("token=" + url.QueryEscape(token.AccessToken)).
		Do(env.routes)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.JSONEq(t, `{"active":false}`, resp.Body.String())

	// Missing token parameter
	resp = testutil.NewHTTPRequest(http.MethodPost, server.IntrospectionPath).
		WithBasicAuth(testutil.TestAuthCodeClientID, testutil.TestAuthCodeSecret).
		WithForm("").
		Do(env.routes)
	assert.Equal(t, http.StatusBadRequest, resp.Code)

	// Introspection needs client authentication
	resp = testutil.NewHTTPRequest(http.MethodPost, server.IntrospectionPath).
		WithForm("token=" + url.QueryEscape(token.AccessToken)).
		Do(env.routes)
	assert.Equal(t, http.StatusUnauthorized, resp.Code)
}

func TestHandler_RequestID(t *testing.T) {
	env := setupHandler(t)
	resp := testutil.NewHTTPRequest(http.MethodGet, server.JWKSPath).Do(env.routes)
	assert.NotEmpty(t, resp.Header().Get("X-Request-ID"))
}

func TestFormatWWWAuthenticate(t *testing.T) {
	tests := []struct {
		name  string
		scope string
		code  string
		desc  string
		want  string
	}{
		{name: "bare", want: "Bearer"},
		{name: "error only", code: "invalid_token", want: `Bearer error="invalid_token"`},
		{
			name:  "scope and description",
			scope: "openid",
			code:  "insufficient_scope",
			desc:  "needs openid",
			want:  `Bearer scope="openid", error="insufficient_scope", error_description="needs openid"`,
		},
		{
			name: "escapes quotes",
			code: "invalid_token",
			desc: `bad "token" \ here`,
			want: `Bearer error="invalid_token", error_description="bad \"token\" \\ here"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, formatWWWAuthenticate(tt.scope, tt.code, tt.desc))
		})
	}
}

func TestRetryAfterSeconds(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want int
	}{
		{0, 1},
		{200 * time.Millisecond, 1},
		{time.Second, 1},
		{1500 * time.Millisecond, 2},
		{10 * time.Second, 10},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, retryAfterSeconds(tt.in), "retryAfterSeconds(%v)", tt.in)
	}
}
