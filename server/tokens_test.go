package server

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/giantswarm/oauth-authserver/internal/testutil"
	"github.com/giantswarm/oauth-authserver/storage"
)

// issueCode issues an authorization code for the frontend fixture client
func issueCode(t *testing.T, env *testEnv, scopes []string, challenge string) *storage.AuthorizationCode {
	t.Helper()
	req := CodeRequest{
		ClientID:    testutil.TestAuthCodeClientID,
		Subject:     testutil.TestSubject,
		Scopes:      scopes,
		RedirectURI: testutil.TestAuthCodeRedirectURI,
		AuthTime:    env.clock.Now(),
	}
	if challenge != "" {
		req.CodeChallenge = challenge
		req.CodeChallengeMethod = PKCEMethodS256
	}
	code, err := env.srv.Tokens.IssueAuthorizationCode(context.Background(), req)
	if err != nil {
		t.Fatalf("IssueAuthorizationCode() error = %v", err)
	}
	return code
}

// issueRefreshToken starts a refresh token family for client
func issueRefreshToken(t *testing.T, env *testEnv, client *storage.Client, scopes []string) (*AccessToken, *storage.RefreshToken) {
	t.Helper()
	ctx := context.Background()
	access, err := env.srv.Tokens.IssueAccessToken(ctx, client.ClientID, testutil.TestSubject, scopes, client.AccessTokenTTL)
	if err != nil {
		t.Fatalf("IssueAccessToken() error = %v", err)
	}
	rt, err := env.srv.Tokens.IssueRefreshToken(ctx, RefreshTokenRequest{
		ClientID:    client.ClientID,
		Subject:     testutil.TestSubject,
		Scopes:      scopes,
		TTL:         client.RefreshTokenTTL,
		AccessToken: access,
	})
	if err != nil {
		t.Fatalf("IssueRefreshToken() error = %v", err)
	}
	return access, rt
}

func TestTokenService_AccessTokenLifetime(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()
	client := env.frontendClient(t)

	token, err := env.srv.Tokens.IssueAccessToken(ctx, client.ClientID, testutil.TestSubject, []string{"resource.read"}, 20*time.Second)
	if err != nil {
		t.Fatalf("IssueAccessToken() error = %v", err)
	}
	if token.ExpiresIn() != 20 {
		t.Errorf("ExpiresIn() = %d, want 20", token.ExpiresIn())
	}

	claims, err := env.srv.Tokens.ValidateAccessToken(ctx, token.Token)
	if err != nil {
		t.Fatalf("ValidateAccessToken() error = %v", err)
	}
	if claims.Subject != testutil.TestSubject || claims.ClientID != client.ClientID || claims.Scope != "resource.read" {
		t.Errorf("claims = %+v", claims)
	}
	if claims.Issuer != testIssuer {
		t.Errorf("iss = %q, want %q", claims.Issuer, testIssuer)
	}
	if len(claims.Audience) != 1 || claims.Audience[0] != client.ClientID {
		t.Errorf("aud = %v, want [%s]", claims.Audience, client.ClientID)
	}
	if claims.ID != token.TokenID {
		t.Errorf("jti = %q, want %q", claims.ID, token.TokenID)
	}

	env.clock.Advance(19 * time.Second)
	if _, err := env.srv.Tokens.ValidateAccessToken(ctx, token.Token); err != nil {
		t.Errorf("ValidateAccessToken() before expiry error = %v", err)
	}

	env.clock.Advance(time.Second)
	if _, err := env.srv.Tokens.ValidateAccessToken(ctx, token.Token); !errors.Is(err, ErrTokenExpired) {
		t.Errorf("ValidateAccessToken() at expiry error = %v, want ErrTokenExpired", err)
	}
}

func TestTokenService_IssueAccessTokenTTL(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()
	env.frontendClient(t)

	expired, err := env.srv.Tokens.IssueAccessToken(ctx, testutil.TestAuthCodeClientID, testutil.TestSubject, nil, 0)
	if err != nil {
		t.Fatalf("IssueAccessToken(ttl=0) error = %v", err)
	}
	if _, err := env.srv.Tokens.ValidateAccessToken(ctx, expired.Token); !errors.Is(err, ErrTokenExpired) {
		t.Errorf("ValidateAccessToken(ttl=0) error = %v, want ErrTokenExpired", err)
	}

	if _, err := env.srv.Tokens.IssueAccessToken(ctx, testutil.TestAuthCodeClientID, testutil.TestSubject, nil, -time.Second); !errors.Is(err, ErrInvalidTTL) {
		t.Errorf("IssueAccessToken(ttl<0) error = %v, want ErrInvalidTTL", err)
	}
	if _, err := env.srv.Tokens.IssueAccessToken(ctx, "ghost", testutil.TestSubject, nil, time.Minute); !errors.Is(err, ErrClientNotFound) {
		t.Errorf("IssueAccessToken(unknown client) error = %v, want ErrClientNotFound", err)
	}
}

func TestTokenService_TokenLifetimeWithinKeyWindow(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()
	env.frontendClient(t)

	_, err := env.srv.Clients.Register(ctx, ClientConfig{
		ClientID:        "long-lived",
		ClientSecret:    "s",
		GrantTypes:      []string{storage.GrantTypeClientCredentials},
		Scopes:          []string{"read"},
		AccessTokenTTL:  2 * time.Hour,
		RefreshTokenTTL: time.Hour,
	})
	if !errors.Is(err, ErrInvalidClientConfig) {
		t.Errorf("Register(access TTL 2h) error = %v, want ErrInvalidClientConfig", err)
	}
	if _, err := env.srv.Tokens.IssueAccessToken(ctx, testutil.TestAuthCodeClientID, testutil.TestSubject, nil, 2*time.Hour); !errors.Is(err, ErrInvalidTTL) {
		t.Errorf("IssueAccessToken(ttl 2h) error = %v, want ErrInvalidTTL", err)
	}

	// A token with the longest allowed lifetime stays verifiable after its
	// signing key is rotated out
	token, err := env.srv.Tokens.IssueAccessToken(ctx, testutil.TestAuthCodeClientID, testutil.TestSubject, nil, time.Hour)
	if err != nil {
		t.Fatalf("IssueAccessToken(ttl 1h) error = %v", err)
	}
	if _, err := env.keys.Rotate(ctx); err != nil {
		t.Fatalf("Rotate() error = %v", err)
	}
	env.clock.Advance(59 * time.Minute)
	if _, err := env.srv.Tokens.ValidateAccessToken(ctx, token.Token); err != nil {
		t.Errorf("ValidateAccessToken() after rotation error = %v, want nil", err)
	}
}

func TestTokenService_ValidateAccessTokenErrors(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()
	env.frontendClient(t)

	first, err := env.srv.Tokens.IssueAccessToken(ctx, testutil.TestAuthCodeClientID, testutil.TestSubject, nil, time.Minute)
	if err != nil {
		t.Fatalf("IssueAccessToken() error = %v", err)
	}
	second, err := env.srv.Tokens.IssueAccessToken(ctx, testutil.TestAuthCodeClientID, "u2", nil, time.Minute)
	if err != nil {
		t.Fatalf("IssueAccessToken() error = %v", err)
	}
	a := strings.Split(first.Token, ".")
	b := strings.Split(second.Token, ".")
	swapped := a[0] + "." + a[1] + "." + b[2]

	other, err := New(env.store, env.keys, &Config{Issuer: "http://other.localtest.me", Clock: env.clock, SecretHashCost: bcrypt.MinCost})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	foreign, err := other.Tokens.IssueAccessToken(ctx, testutil.TestAuthCodeClientID, testutil.TestSubject, nil, time.Minute)
	if err != nil {
		t.Fatalf("IssueAccessToken() error = %v", err)
	}

	tests := []struct {
		name    string
		token   string
		wantErr error
	}{
		{name: "empty", token: "", wantErr: ErrTokenMalformed},
		{name: "garbage", token: "not-a-jwt", wantErr: ErrTokenMalformed},
		{name: "swapped signature", token: swapped, wantErr: ErrSignatureInvalid},
		{name: "foreign issuer", token: foreign.Token, wantErr: ErrSignatureInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.srv.Tokens.ValidateAccessToken(ctx, tt.token)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("ValidateAccessToken() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestTokenService_ConsumeAuthorizationCode(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()
	env.frontendClient(t)

	challenge, verifier := testutil.GeneratePKCEPair()
	code := issueCode(t, env, []string{"openid", "resource.read"}, challenge)

	if !code.ExpiresAt.Equal(env.clock.Now().Add(DefaultAuthorizationCodeTTL)) {
		t.Errorf("ExpiresAt = %v, want issue time + %v", code.ExpiresAt, DefaultAuthorizationCodeTTL)
	}

	// Failed checks before the consume leave the code redeemable
	_, err := env.srv.Tokens.ConsumeAuthorizationCode(ctx, code.Code, testutil.TestAuthCodeClientID, testutil.TestAuthCodeRedirectURI, testutil.GenerateRandomString(50))
	if !errors.Is(err, ErrPKCEMismatch) {
		t.Fatalf("wrong verifier error = %v, want ErrPKCEMismatch", err)
	}
	_, err = env.srv.Tokens.ConsumeAuthorizationCode(ctx, code.Code, testutil.TestAuthCodeClientID, testutil.TestAuthCodeRedirectURI+"/", verifier)
	if !errors.Is(err, ErrRedirectMismatch) {
		t.Fatalf("trailing slash redirect error = %v, want ErrRedirectMismatch", err)
	}
	_, err = env.srv.Tokens.ConsumeAuthorizationCode(ctx, code.Code, testutil.TestServiceClientID, testutil.TestAuthCodeRedirectURI, verifier)
	if !errors.Is(err, ErrCodeInvalid) {
		t.Fatalf("other client error = %v, want ErrCodeInvalid", err)
	}

	grant, err := env.srv.Tokens.ConsumeAuthorizationCode(ctx, code.Code, testutil.TestAuthCodeClientID, testutil.TestAuthCodeRedirectURI, verifier)
	if err != nil {
		t.Fatalf("ConsumeAuthorizationCode() error = %v", err)
	}
	if grant.Subject != testutil.TestSubject || grant.ClientID != testutil.TestAuthCodeClientID {
		t.Errorf("grant = %+v", grant)
	}
	if grant.CodeChallengeMethod != PKCEMethodS256 {
		t.Errorf("CodeChallengeMethod = %q, want S256", grant.CodeChallengeMethod)
	}

	_, err = env.srv.Tokens.ConsumeAuthorizationCode(ctx, code.Code, testutil.TestAuthCodeClientID, testutil.TestAuthCodeRedirectURI, verifier)
	if !errors.Is(err, ErrCodeAlreadyUsed) {
		t.Errorf("second consume error = %v, want ErrCodeAlreadyUsed", err)
	}

	_, err = env.srv.Tokens.ConsumeAuthorizationCode(ctx, "unknown", testutil.TestAuthCodeClientID, testutil.TestAuthCodeRedirectURI, verifier)
	if !errors.Is(err, ErrCodeInvalid) {
		t.Errorf("unknown code error = %v, want ErrCodeInvalid", err)
	}
}

func TestTokenService_ConsumeAuthorizationCodeExpiry(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()
	env.frontendClient(t)

	code := issueCode(t, env, []string{"resource.read"}, "")
	env.clock.Advance(DefaultAuthorizationCodeTTL)

	_, err := env.srv.Tokens.ConsumeAuthorizationCode(ctx, code.Code, testutil.TestAuthCodeClientID, testutil.TestAuthCodeRedirectURI, "")
	if !errors.Is(err, ErrCodeExpired) {
		t.Errorf("ConsumeAuthorizationCode() at expiry error = %v, want ErrCodeExpired", err)
	}
}

func TestTokenService_CodeReplayAfterExpiry(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()
	client := env.frontendClient(t)

	code := issueCode(t, env, []string{"resource.read"}, "")
	tokens, err := env.srv.ExchangeAuthorizationCode(ctx, client, code.Code, testutil.TestAuthCodeRedirectURI, "")
	if err != nil {
		t.Fatalf("ExchangeAuthorizationCode() error = %v", err)
	}

	// A replay after the code expired is still a replay
	env.clock.Advance(DefaultAuthorizationCodeTTL + time.Second)
	_, err = env.srv.Tokens.ConsumeAuthorizationCode(ctx, code.Code, testutil.TestAuthCodeClientID, testutil.TestAuthCodeRedirectURI, "")
	if !errors.Is(err, ErrCodeAlreadyUsed) {
		t.Fatalf("replay after expiry error = %v, want ErrCodeAlreadyUsed", err)
	}
	rt, err := env.store.GetRefreshToken(ctx, tokens.RefreshToken)
	if err != nil {
		t.Fatalf("GetRefreshToken() error = %v", err)
	}
	if !rt.Revoked {
		t.Error("refresh token should be revoked after a replay past code expiry")
	}
}

func TestTokenService_ConsumeAuthorizationCodeDowngrade(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()
	env.frontendClient(t)

	code := issueCode(t, env, []string{"resource.read"}, "")
	_, verifier := testutil.GeneratePKCEPair()

	_, err := env.srv.Tokens.ConsumeAuthorizationCode(ctx, code.Code, testutil.TestAuthCodeClientID, testutil.TestAuthCodeRedirectURI, verifier)
	if !errors.Is(err, ErrPKCEMismatch) {
		t.Errorf("verifier without challenge error = %v, want ErrPKCEMismatch", err)
	}
}

func TestTokenService_ConcurrentCodeConsumption(t *testing.T) {
	env := setupTestServer(t)
	env.frontendClient(t)

	challenge, verifier := testutil.GeneratePKCEPair()
	code := issueCode(t, env, []string{"resource.read"}, challenge)

	const attempts = 20
	var wins, reused atomic.Int32
	var wg sync.WaitGroup
	for range attempts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.srv.Tokens.ConsumeAuthorizationCode(context.Background(), code.Code, testutil.TestAuthCodeClientID, testutil.TestAuthCodeRedirectURI, verifier)
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, ErrCodeAlreadyUsed):
				reused.Add(1)
			default:
				t.Errorf("unexpected error = %v", err)
			}
		}()
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Errorf("successful consumptions = %d, want exactly 1", wins.Load())
	}
	if reused.Load() != attempts-1 {
		t.Errorf("reuse errors = %d, want %d", reused.Load(), attempts-1)
	}
}

func TestTokenService_RotateRefreshToken(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()
	client := env.frontendClient(t)

	_, r0 := issueRefreshToken(t, env, client, []string{"openid", "resource.read", "resource.write"})

	access, r1, err := env.srv.Tokens.RotateRefreshToken(ctx, client, r0.Token, []string{"resource.read"})
	if err != nil {
		t.Fatalf("RotateRefreshToken() error = %v", err)
	}
	if r1.Token == r0.Token {
		t.Fatal("rotation must issue a new refresh token")
	}
	if r1.FamilyID != r0.FamilyID || r1.Generation != r0.Generation+1 || r1.RotatedFrom != r0.Token {
		t.Errorf("rotated token lineage = family %s gen %d from %s", r1.FamilyID, r1.Generation, r1.RotatedFrom)
	}
	if access.ExpiresIn() != int64(client.AccessTokenTTL/time.Second) {
		t.Errorf("ExpiresIn() = %d, want %d", access.ExpiresIn(), int64(client.AccessTokenTTL/time.Second))
	}
	if got := strings.Join(access.Scopes, " "); got != "resource.read" {
		t.Errorf("narrowed access token scopes = %q, want resource.read", got)
	}
	if len(r1.Scopes) != 3 {
		t.Errorf("rotated refresh token scopes = %v, want the original grant", r1.Scopes)
	}

	_, _, err = env.srv.Tokens.RotateRefreshToken(ctx, client, r1.Token, []string{"admin"})
	if !errors.Is(err, ErrScopeNotAllowed) {
		t.Errorf("widening refresh error = %v, want ErrScopeNotAllowed", err)
	}

	// Replaying r0 revokes the family, including r1 and the access token minted with it
	_, _, err = env.srv.Tokens.RotateRefreshToken(ctx, client, r0.Token, nil)
	if !errors.Is(err, ErrTokenReused) {
		t.Fatalf("replay error = %v, want ErrTokenReused", err)
	}
	if _, _, err := env.srv.Tokens.RotateRefreshToken(ctx, client, r1.Token, nil); !errors.Is(err, ErrTokenRevoked) {
		t.Errorf("rotating r1 after replay error = %v, want ErrTokenRevoked", err)
	}
	if _, err := env.srv.Tokens.ValidateAccessToken(ctx, access.Token); !errors.Is(err, ErrTokenRevoked) {
		t.Errorf("ValidateAccessToken() after replay error = %v, want ErrTokenRevoked", err)
	}
}

func TestTokenService_RotateRefreshTokenErrors(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()
	client := env.frontendClient(t)
	other := env.backendClient(t)

	_, rt := issueRefreshToken(t, env, client, []string{"resource.read"})

	if _, _, err := env.srv.Tokens.RotateRefreshToken(ctx, client, "unknown", nil); !errors.Is(err, ErrTokenNotFound) {
		t.Errorf("unknown token error = %v, want ErrTokenNotFound", err)
	}
	if _, _, err := env.srv.Tokens.RotateRefreshToken(ctx, other, rt.Token, nil); !errors.Is(err, ErrTokenNotFound) {
		t.Errorf("other client error = %v, want ErrTokenNotFound", err)
	}

	env.clock.Advance(client.RefreshTokenTTL)
	if _, _, err := env.srv.Tokens.RotateRefreshToken(ctx, client, rt.Token, nil); !errors.Is(err, ErrTokenExpired) {
		t.Errorf("expired token error = %v, want ErrTokenExpired", err)
	}
}

func TestTokenService_ReuseRefreshTokens(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()

	client := testutil.GenerateAuthCodeClient(t)
	client.ReuseRefreshTokens = true
	env.addClient(t, client)

	_, rt := issueRefreshToken(t, env, client, []string{"resource.read"})

	for i := range 3 {
		access, next, err := env.srv.Tokens.RotateRefreshToken(ctx, client, rt.Token, nil)
		if err != nil {
			t.Fatalf("refresh %d error = %v", i, err)
		}
		if next.Token != rt.Token {
			t.Errorf("refresh %d returned a new refresh token", i)
		}
		if access.Token == "" {
			t.Errorf("refresh %d returned no access token", i)
		}
	}
}

func TestTokenService_Revoke(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()
	client := env.frontendClient(t)
	other := env.backendClient(t)

	access, rt := issueRefreshToken(t, env, client, []string{"resource.read"})

	if err := env.srv.Tokens.Revoke(ctx, other, rt.Token, TokenTypeRefreshToken); !errors.Is(err, ErrInvalidClientCredentials) {
		t.Errorf("Revoke() by other client error = %v, want ErrInvalidClientCredentials", err)
	}
	if err := env.srv.Tokens.Revoke(ctx, client, "unknown", ""); err != nil {
		t.Errorf("Revoke(unknown) error = %v, want nil", err)
	}

	if err := env.srv.Tokens.Revoke(ctx, client, rt.Token, TokenTypeRefreshToken); err != nil {
		t.Fatalf("Revoke() error = %v", err)
	}
	if _, _, err := env.srv.Tokens.RotateRefreshToken(ctx, client, rt.Token, nil); !errors.Is(err, ErrTokenRevoked) {
		t.Errorf("refresh after revoke error = %v, want ErrTokenRevoked", err)
	}
	if _, err := env.srv.Tokens.ValidateAccessToken(ctx, access.Token); !errors.Is(err, ErrTokenRevoked) {
		t.Errorf("access token of revoked family error = %v, want ErrTokenRevoked", err)
	}
}

func TestTokenService_RevokeAccessToken(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()
	client := env.backendClient(t)

	access, err := env.srv.Tokens.IssueAccessToken(ctx, client.ClientID, client.ClientID, nil, client.AccessTokenTTL)
	if err != nil {
		t.Fatalf("IssueAccessToken() error = %v", err)
	}

	// The hint is advisory; an access token is found with either hint
	if err := env.srv.Tokens.Revoke(ctx, client, access.Token, TokenTypeRefreshToken); err != nil {
		t.Fatalf("Revoke() error = %v", err)
	}
	if _, err := env.srv.Tokens.ValidateAccessToken(ctx, access.Token); !errors.Is(err, ErrTokenRevoked) {
		t.Errorf("ValidateAccessToken() error = %v, want ErrTokenRevoked", err)
	}
}

func TestTokenService_Introspect(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()
	client := env.frontendClient(t)

	access, rt := issueRefreshToken(t, env, client, []string{"openid", "resource.read"})

	got, err := env.srv.Tokens.Introspect(ctx, access.Token, "")
	if err != nil {
		t.Fatalf("Introspect() error = %v", err)
	}
	if !got.Active || got.TokenType != TokenTypeBearer || got.Scope != "openid resource.read" {
		t.Errorf("access introspection = %+v", got)
	}
	if got.Exp != access.ExpiresAt.Unix() || got.Sub != testutil.TestSubject || got.Jti != access.TokenID {
		t.Errorf("access introspection claims = %+v", got)
	}

	got, err = env.srv.Tokens.Introspect(ctx, rt.Token, TokenTypeRefreshToken)
	if err != nil {
		t.Fatalf("Introspect() error = %v", err)
	}
	if !got.Active || got.TokenType != TokenTypeRefreshToken || got.ClientID != client.ClientID {
		t.Errorf("refresh introspection = %+v", got)
	}

	for _, token := range []string{"", "garbage", "a.b.c"} {
		got, err := env.srv.Tokens.Introspect(ctx, token, "")
		if err != nil {
			t.Fatalf("Introspect(%q) error = %v", token, err)
		}
		if got.Active {
			t.Errorf("Introspect(%q) is active", token)
		}
	}

	env.clock.Advance(client.AccessTokenTTL)
	got, err = env.srv.Tokens.Introspect(ctx, access.Token, TokenTypeAccessToken)
	if err != nil {
		t.Fatalf("Introspect() error = %v", err)
	}
	if got.Active {
		t.Error("expired access token must be inactive")
	}
}

func TestTokenService_IssueIDToken(t *testing.T) {
	env := setupTestServer(t)
	authTime := env.clock.Now().Add(-time.Minute)

	signed, err := env.srv.Tokens.IssueIDToken(context.Background(), IDTokenRequest{
		ClientID:    testutil.TestAuthCodeClientID,
		Subject:     testutil.TestSubject,
		Nonce:       "n-0S6_WzA2Mj",
		AuthTime:    authTime,
		AccessToken: "access",
	})
	if err != nil {
		t.Fatalf("IssueIDToken() error = %v", err)
	}

	claims := &IDTokenClaims{}
	if err := env.keys.Verify(signed, claims); err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if claims.Nonce != "n-0S6_WzA2Mj" || claims.AuthorizedParty != testutil.TestAuthCodeClientID {
		t.Errorf("claims = %+v", claims)
	}
	if claims.AuthTime == nil || !claims.AuthTime.Time.Equal(authTime) {
		t.Errorf("auth_time = %v, want %v", claims.AuthTime, authTime)
	}
	if claims.AccessTokenHash != accessTokenHash("access") {
		t.Errorf("at_hash = %q, want %q", claims.AccessTokenHash, accessTokenHash("access"))
	}
	if got := claims.ExpiresAt.Sub(claims.IssuedAt.Time); got != DefaultIDTokenTTL {
		t.Errorf("ID token lifetime = %v, want %v", got, DefaultIDTokenTTL)
	}
}
