package server

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/giantswarm/oauth-authserver/internal/testutil"
	"github.com/giantswarm/oauth-authserver/keys"
	"github.com/giantswarm/oauth-authserver/storage"
	"github.com/giantswarm/oauth-authserver/storage/memory"
	"github.com/giantswarm/oauth-authserver/storage/mock"
)

var errStoreDown = errors.New("store unavailable")

func setupMockServer(t *testing.T) (*Server, *mock.Store) {
	t.Helper()

	clock := testutil.NewMockTime(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	backing := memory.New()
	backing.SetClock(clock)
	t.Cleanup(backing.Stop)
	store := mock.New(backing)

	km, err := keys.NewManager(context.Background(), keys.Config{
		Algorithm: keys.AlgorithmES256,
		Clock:     clock,
	})
	if err != nil {
		t.Fatalf("keys.NewManager() error = %v", err)
	}

	srv, err := New(store, km, &Config{
		Issuer:         testIssuer,
		SecretHashCost: bcrypt.MinCost,
		Clock:          clock,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return srv, store
}

func assertServerError(t *testing.T, err error, redirectable bool) {
	t.Helper()
	oauthErr := asOAuthError(t, err)
	if oauthErr.Code != ErrorCodeServerError {
		t.Fatalf("error code = %s, want %s", oauthErr.Code, ErrorCodeServerError)
	}
	if !errors.Is(err, errStoreDown) {
		t.Errorf("error does not wrap the store failure: %v", err)
	}
	if strings.Contains(oauthErr.Description, errStoreDown.Error()) {
		t.Errorf("description leaks internal detail: %q", oauthErr.Description)
	}
	if oauthErr.Redirectable() != redirectable {
		t.Errorf("Redirectable() = %v, want %v", oauthErr.Redirectable(), redirectable)
	}
}

func TestStorageFailure_ClientLookup(t *testing.T) {
	srv, store := setupMockServer(t)
	store.GetClientFunc = func(context.Context, string) (*storage.Client, error) {
		return nil, errStoreDown
	}

	_, err := srv.Authorize(context.Background(), AuthorizeRequest{
		ResponseType: ResponseTypeCode,
		ClientID:     "c1",
		RedirectURI:  "http://x/cb",
		Scope:        "read",
	}, testutil.TestSubject)
	assertServerError(t, err, false)
}

func TestStorageFailure_SaveAuthorizationCode(t *testing.T) {
	srv, store := setupMockServer(t)
	registerC1(t, &testEnv{srv: srv})
	store.SaveAuthorizationCodeFunc = func(context.Context, *storage.AuthorizationCode) error {
		return errStoreDown
	}

	_, err := srv.Authorize(context.Background(), AuthorizeRequest{
		ResponseType: ResponseTypeCode,
		ClientID:     "c1",
		RedirectURI:  "http://x/cb",
		Scope:        "read",
		State:        "xyz",
	}, testutil.TestSubject)
	assertServerError(t, err, true)

	oauthErr := asOAuthError(t, err)
	if !strings.Contains(oauthErr.RedirectLocation(), "state=xyz") {
		t.Errorf("redirect location = %s, want client state", oauthErr.RedirectLocation())
	}
	if store.CallCount("SaveAuthorizationCode") != 1 {
		t.Errorf("SaveAuthorizationCode calls = %d, want 1", store.CallCount("SaveAuthorizationCode"))
	}
}

func TestStorageFailure_SaveRefreshToken(t *testing.T) {
	srv, store := setupMockServer(t)
	ctx := context.Background()
	client := registerC1(t, &testEnv{srv: srv})

	result, err := srv.Authorize(ctx, AuthorizeRequest{
		ResponseType: ResponseTypeCode,
		ClientID:     "c1",
		RedirectURI:  "http://x/cb",
		Scope:        "read",
	}, testutil.TestSubject)
	if err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}

	store.SaveRefreshTokenFunc = func(context.Context, *storage.RefreshToken) error {
		return errStoreDown
	}
	_, err = srv.ExchangeAuthorizationCode(ctx, client, result.Code.Code, "http://x/cb", "")
	assertServerError(t, err, false)

	if store.CallCount("ConsumeAuthorizationCode") != 1 {
		t.Errorf("ConsumeAuthorizationCode calls = %d, want 1", store.CallCount("ConsumeAuthorizationCode"))
	}
}
