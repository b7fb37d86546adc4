package valkey

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/giantswarm/oauth-authserver/storage"
	"github.com/giantswarm/oauth-authserver/storage/storagetest"
)

// testStore returns a store backed by VALKEY_TEST_ADDR when set, or by an
// in-process miniredis server otherwise. Each test gets a unique prefix.
func testStore(t *testing.T) *Store {
	t.Helper()

	prefix := fmt.Sprintf("authtest:%s:", t.Name())

	if addr := os.Getenv("VALKEY_TEST_ADDR"); addr != "" {
		store, err := New(Config{Address: addr, KeyPrefix: prefix, DisableCache: true})
		if err != nil {
			t.Skipf("Skipping test: could not connect to Valkey at %s: %v", addr, err)
		}
		t.Cleanup(store.Close)
		return store
	}

	mr := miniredis.RunT(t)
	client, err := valkeygo.NewClient(valkeygo.ClientOption{
		InitAddress:  []string{mr.Addr()},
		DisableCache: true,
	})
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}

	store := NewWithClient(client, prefix, nil)
	t.Cleanup(store.Close)
	return store
}

func TestStore_Conformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Store {
		return testStore(t)
	})
}

func TestNew_MissingAddress(t *testing.T) {
	_, err := New(Config{})
	if err == nil {
		t.Error("New() with empty address should return error")
	}
}

func TestNew_Miniredis(t *testing.T) {
	mr := miniredis.RunT(t)

	store, err := New(Config{Address: mr.Addr(), DisableCache: true})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer store.Close()

	if store.prefix != DefaultKeyPrefix {
		t.Errorf("prefix = %q, want %q", store.prefix, DefaultKeyPrefix)
	}
	if err := store.Ping(context.Background()); err != nil {
		t.Errorf("Ping() error = %v", err)
	}
}

func TestStore_KeysUsePrefix(t *testing.T) {
	mr := miniredis.RunT(t)
	client, err := valkeygo.NewClient(valkeygo.ClientOption{InitAddress: []string{mr.Addr()}, DisableCache: true})
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	store := NewWithClient(client, "p:", nil)
	defer store.Close()

	ctx := context.Background()
	if err := store.CreateClient(ctx, &storage.Client{ClientID: "c1", AuthMethod: storage.AuthMethodNone}); err != nil {
		t.Fatalf("CreateClient() error = %v", err)
	}
	if !mr.Exists("p:client:c1") {
		t.Errorf("expected key p:client:c1, keys = %v", mr.Keys())
	}
}

func TestStore_KeyTTLs(t *testing.T) {
	mr := miniredis.RunT(t)
	client, err := valkeygo.NewClient(valkeygo.ClientOption{InitAddress: []string{mr.Addr()}, DisableCache: true})
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	store := NewWithClient(client, "p:", nil)
	defer store.Close()

	ctx := context.Background()
	now := time.Now()

	if err := store.SaveAuthorizationCode(ctx, &storage.AuthorizationCode{Code: "c", ExpiresAt: now.Add(time.Minute)}); err != nil {
		t.Fatalf("SaveAuthorizationCode() error = %v", err)
	}
	wantCodeTTL := time.Minute + storage.CodeReplayRetention
	if ttl := mr.TTL("p:code:c"); ttl < wantCodeTTL-time.Second || ttl > wantCodeTTL+time.Second {
		t.Errorf("code TTL = %v, want about %v", ttl, wantCodeTTL)
	}

	// Consuming keeps the TTL so replay stays detectable past expiry
	if _, err := store.ConsumeAuthorizationCode(ctx, "c", now); err != nil {
		t.Fatalf("ConsumeAuthorizationCode() error = %v", err)
	}
	if ttl := mr.TTL("p:code:c"); ttl <= 0 {
		t.Errorf("code TTL after consume = %v, want preserved", ttl)
	}

	mr.FastForward(2 * time.Minute)
	if _, err := store.ConsumeAuthorizationCode(ctx, "c", now.Add(2*time.Minute)); !errors.Is(err, storage.ErrAuthorizationCodeUsed) {
		t.Errorf("replay after expiry error = %v, want ErrAuthorizationCodeUsed", err)
	}

	mr.FastForward(storage.CodeReplayRetention)
	if _, err := store.GetAuthorizationCode(ctx, "c"); !errors.Is(err, storage.ErrAuthorizationCodeNotFound) {
		t.Errorf("key past the replay window should be gone, got %v", err)
	}
}

func TestStore_IndexTTLs(t *testing.T) {
	mr := miniredis.RunT(t)
	client, err := valkeygo.NewClient(valkeygo.ClientOption{InitAddress: []string{mr.Addr()}, DisableCache: true})
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	store := NewWithClient(client, "p:", nil)
	defer store.Close()

	ctx := context.Background()
	now := time.Now()

	long := storagetest.NewRefreshToken("rt-long", "f1", "u", "c1", 1)
	long.ExpiresAt = now.Add(time.Hour)
	short := storagetest.NewRefreshToken("rt-short", "f2", "u", "c1", 1)
	short.ExpiresAt = now.Add(time.Minute)
	for _, rt := range []*storage.RefreshToken{long, short} {
		if err := store.SaveRefreshToken(ctx, rt); err != nil {
			t.Fatalf("SaveRefreshToken() error = %v", err)
		}
	}

	// A later, shorter lived family must not shorten the subject index
	if ttl := mr.TTL("p:subjectclient:u:c1"); ttl < 59*time.Minute || ttl > time.Hour+time.Second {
		t.Errorf("subject index TTL = %v, want about an hour", ttl)
	}

	if err := store.TrackAccessToken(ctx, "u", "c2", "at-1", now.Add(time.Minute)); err != nil {
		t.Fatalf("TrackAccessToken() error = %v", err)
	}
	if ttl := mr.TTL("p:accesstokens:u:c2"); ttl <= 0 || ttl > time.Minute+time.Second {
		t.Errorf("issued access token index TTL = %v, want about a minute", ttl)
	}

	mr.FastForward(time.Hour + 2*time.Second)
	for _, key := range []string{"p:subjectclient:u:c1", "p:accesstokens:u:c2", "p:family:f1"} {
		if mr.Exists(key) {
			t.Errorf("index %s outlived its members", key)
		}
	}
}

func TestStore_SaveRejectsExpired(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	past := time.Now().Add(-time.Minute)

	if err := store.SaveAuthorizationCode(ctx, &storage.AuthorizationCode{Code: "x", ExpiresAt: past}); err == nil {
		t.Error("saving an expired code should fail")
	}
	if err := store.SaveAuthorizationRequest(ctx, &storage.AuthorizationRequest{ID: "x", ExpiresAt: past}); err == nil {
		t.Error("saving an expired request should fail")
	}
	rt := storagetest.NewRefreshToken("x", "f", "u", "c", 1)
	rt.ExpiresAt = past
	if err := store.SaveRefreshToken(ctx, rt); err == nil {
		t.Error("saving an expired refresh token should fail")
	}
	// Revoking an already expired access token is a no-op
	if err := store.RevokeAccessToken(ctx, "jti", past); err != nil {
		t.Errorf("RevokeAccessToken() error = %v", err)
	}
}

func TestValidation_InputTooLarge(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	long := make([]byte, MaxTokenLength+1)
	for i := range long {
		long[i] = 'a'
	}

	rt := storagetest.NewRefreshToken(string(long), "f", "u", "c", 1)
	if err := store.SaveRefreshToken(ctx, rt); err == nil {
		t.Error("oversized refresh token should be rejected")
	}
	if err := store.CreateClient(ctx, &storage.Client{ClientID: string(long)}); err == nil {
		t.Error("oversized client id should be rejected")
	}
}

func TestScopeEncoding(t *testing.T) {
	tests := []struct {
		scopes []string
		want   string
	}{
		{nil, ""},
		{[]string{"openid"}, "openid"},
		{[]string{"openid", "resource.read"}, "openid resource.read"},
	}
	for _, tt := range tests {
		got := joinScopes(tt.scopes)
		if got != tt.want {
			t.Errorf("joinScopes(%v) = %q, want %q", tt.scopes, got, tt.want)
		}
		if back := splitScopes(got); len(back) != len(tt.scopes) {
			t.Errorf("splitScopes(%q) = %v", got, back)
		}
	}
}

func TestCalculateTTL(t *testing.T) {
	if ttl := calculateTTL(time.Now().Add(-time.Second)); ttl != 0 {
		t.Errorf("calculateTTL(past) = %v, want 0", ttl)
	}
	if ttl := calculateTTL(time.Now().Add(1500 * time.Millisecond)); ttl < time.Second || ttl > 2*time.Second {
		t.Errorf("calculateTTL(1.5s) = %v, want rounded up to whole seconds", ttl)
	}
}

func TestMillis(t *testing.T) {
	if toMillis(time.Time{}) != 0 || !fromMillis(0).IsZero() {
		t.Error("zero time must round-trip as 0")
	}
	now := time.UnixMilli(time.Now().UnixMilli())
	if !fromMillis(toMillis(now)).Equal(now) {
		t.Error("millisecond timestamps must round-trip")
	}
}
