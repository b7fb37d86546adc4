package keys

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"

	"github.com/giantswarm/oauth-authserver/instrumentation"
	"github.com/giantswarm/oauth-authserver/security"
)

// DefaultMaxTokenLifetime bounds how long a retired key keeps verifying
const DefaultMaxTokenLifetime = time.Hour

// Config holds KeyManager configuration
type Config struct {
	// Algorithm of generated keys: RS256 (default) or ES256
	Algorithm string

	// RSAKeySize is the modulus size of generated RSA keys (default 2048)
	RSAKeySize int

	// Store persists keys. When nil keys live only in memory and a fresh
	// key is generated on every start.
	Store KeyStore

	// MaxTokenLifetime is the longest lifetime of any token signed by the
	// manager. Retired keys verify for this long after retirement (default 1h).
	MaxTokenLifetime time.Duration

	// Clock is the time source (default system clock)
	Clock security.Clock

	// Logger is the structured logger (default slog.Default())
	Logger *slog.Logger

	// Auditor records key rotations (optional)
	Auditor *security.Auditor

	// Instrumentation records signing metrics (optional)
	Instrumentation *instrumentation.Instrumentation
}

func (c *Config) applyDefaults() {
	if c.Algorithm == "" {
		c.Algorithm = AlgorithmRS256
	}
	if c.RSAKeySize <= 0 {
		c.RSAKeySize = DefaultRSAKeySize
	}
	if c.MaxTokenLifetime <= 0 {
		c.MaxTokenLifetime = DefaultMaxTokenLifetime
	}
	if c.Clock == nil {
		c.Clock = security.SystemClock()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// keySet is an immutable snapshot. keys[0] signs.
type keySet struct {
	keys []*keyEntry
	byID map[string]*keyEntry
}

func newKeySet(entries []*keyEntry) *keySet {
	sorted := slices.Clone(entries)
	// Active keys before retired ones, newest first within each group
	slices.SortStableFunc(sorted, func(a, b *keyEntry) int {
		if a.IsRetired() != b.IsRetired() {
			if a.IsRetired() {
				return 1
			}
			return -1
		}
		return b.CreatedAt.Compare(a.CreatedAt)
	})

	byID := make(map[string]*keyEntry, len(sorted))
	for _, e := range sorted {
		byID[e.KeyID] = e
	}
	return &keySet{keys: sorted, byID: byID}
}

// Manager signs and verifies tokens. It is safe for concurrent use.
type Manager struct {
	config Config

	current atomic.Pointer[keySet]

	// mu serializes mutations (rotate, prune, reload); readers use the snapshot
	mu sync.Mutex
}

// NewManager loads keys from the configured store, generating and
// persisting a first key when there is none.
func NewManager(ctx context.Context, config Config) (*Manager, error) {
	config.applyDefaults()
	if config.Algorithm != AlgorithmRS256 && config.Algorithm != AlgorithmES256 {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, config.Algorithm)
	}

	m := &Manager{config: config}
	if err := m.Reload(ctx); err != nil {
		return nil, err
	}

	if m.hasActiveKey() {
		return m, nil
	}

	key, err := m.Rotate(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create initial signing key: %w", err)
	}
	config.Logger.Info("Generated signing key", "kid", key.KeyID, "alg", key.Algorithm)
	return m, nil
}

// Reload replaces the in-memory key set with the store's content. Use it
// to pick up keys rotated by another process.
func (m *Manager) Reload(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.config.Store == nil {
		if m.current.Load() == nil {
			m.current.Store(newKeySet(nil))
		}
		return nil
	}

	persisted, err := m.config.Store.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load signing keys: %w", err)
	}

	entries := make([]*keyEntry, 0, len(persisted))
	for _, pk := range persisted {
		e, err := newKeyEntry(pk)
		if err != nil {
			return fmt.Errorf("invalid persisted key %q: %w", pk.KeyID, err)
		}
		entries = append(entries, e)
	}

	m.current.Store(newKeySet(entries))
	m.config.Logger.Debug("Loaded signing keys", "count", len(entries))
	return nil
}

func (m *Manager) hasActiveKey() bool {
	set := m.current.Load()
	return len(set.keys) > 0 && !set.keys[0].IsRetired()
}

// Rotate generates a new active key and retires the previously active keys.
// Retired keys keep verifying until RetiredAt + MaxTokenLifetime.
func (m *Manager) Rotate(ctx context.Context) (*SigningKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	signer, err := GenerateKey(m.config.Algorithm, m.config.RSAKeySize)
	if err != nil {
		return nil, err
	}

	now := m.config.Clock.Now()
	fresh, err := newKeyEntry(PersistedKey{
		Algorithm:  m.config.Algorithm,
		PrivateKey: signer,
		CreatedAt:  now,
	})
	if err != nil {
		return nil, err
	}

	old := m.current.Load()
	entries := make([]*keyEntry, 0, len(old.keys)+1)
	entries = append(entries, fresh)

	var previous string
	var newlyRetired []*keyEntry
	for _, e := range old.keys {
		if e.IsRetired() {
			entries = append(entries, e)
			continue
		}
		if previous == "" {
			previous = e.KeyID
		}
		retired := *e
		retired.RetiredAt = now
		entries = append(entries, &retired)
		newlyRetired = append(newlyRetired, &retired)
	}

	if store := m.config.Store; store != nil {
		if err := store.Save(ctx, fresh.persisted()); err != nil {
			return nil, fmt.Errorf("failed to persist signing key: %w", err)
		}
		for _, e := range newlyRetired {
			if err := store.Save(ctx, e.persisted()); err != nil {
				return nil, fmt.Errorf("failed to persist retired key: %w", err)
			}
		}
	}

	m.current.Store(newKeySet(entries))

	m.config.Logger.Info("Rotated signing key",
		"kid", fresh.KeyID,
		"previous_kid", previous,
		"alg", fresh.Algorithm)
	if m.config.Auditor != nil {
		m.config.Auditor.LogKeyRotated(fresh.KeyID, previous)
	}
	if m.config.Instrumentation != nil {
		m.config.Instrumentation.Metrics().RecordKeyRotation(ctx, fresh.Algorithm)
	}

	key := fresh.SigningKey
	return &key, nil
}

// Prune removes retired keys whose verification window has passed and
// returns how many were removed.
func (m *Manager) Prune(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.config.Clock.Now()
	old := m.current.Load()

	kept := make([]*keyEntry, 0, len(old.keys))
	removed := 0
	for _, e := range old.keys {
		if m.verifiable(e, now) {
			kept = append(kept, e)
			continue
		}
		if m.config.Store != nil {
			if err := m.config.Store.Delete(ctx, e.KeyID); err != nil {
				return removed, fmt.Errorf("failed to delete key %q: %w", e.KeyID, err)
			}
		}
		removed++
	}

	if removed > 0 {
		m.current.Store(newKeySet(kept))
		m.config.Logger.Info("Pruned retired signing keys", "count", removed)
	}
	return removed, nil
}

// MaxTokenLifetime is how long a retired key keeps verifying. Tokens signed
// with a longer lifetime would outlive their key.
func (m *Manager) MaxTokenLifetime() time.Duration {
	return m.config.MaxTokenLifetime
}

// verifiable reports whether e may still verify tokens at now
func (m *Manager) verifiable(e *keyEntry, now time.Time) bool {
	if !e.IsRetired() {
		return true
	}
	return !security.IsExpired(now, e.RetiredAt.Add(m.config.MaxTokenLifetime))
}

// ActiveKey returns the key that signs new tokens
func (m *Manager) ActiveKey() SigningKey {
	set := m.current.Load()
	if len(set.keys) == 0 {
		return SigningKey{}
	}
	return set.keys[0].SigningKey
}

// Keys returns every key currently held, active first
func (m *Manager) Keys() []SigningKey {
	set := m.current.Load()
	out := make([]SigningKey, 0, len(set.keys))
	for _, e := range set.keys {
		out = append(out, e.SigningKey)
	}
	return out
}

// SigningAlgorithms returns the algorithms of all held keys, without duplicates
func (m *Manager) SigningAlgorithms() []string {
	var algs []string
	for _, e := range m.current.Load().keys {
		if !slices.Contains(algs, e.Algorithm) {
			algs = append(algs, e.Algorithm)
		}
	}
	return algs
}

// PublicKeySet returns the JWKS document of every key that still verifies
func (m *Manager) PublicKeySet() jose.JSONWebKeySet {
	now := m.config.Clock.Now()
	set := m.current.Load()

	jwks := jose.JSONWebKeySet{Keys: make([]jose.JSONWebKey, 0, len(set.keys))}
	for _, e := range set.keys {
		if !m.verifiable(e, now) {
			continue
		}
		jwks.Keys = append(jwks.Keys, jose.JSONWebKey{
			Key:       e.PublicKey,
			KeyID:     e.KeyID,
			Algorithm: e.Algorithm,
			Use:       "sig",
		})
	}
	return jwks
}

// Sign signs claims with the active key and sets the kid header
func (m *Manager) Sign(claims jwt.Claims) (string, error) {
	set := m.current.Load()
	if len(set.keys) == 0 || set.keys[0].IsRetired() {
		return "", fmt.Errorf("no active signing key")
	}
	active := set.keys[0]

	token := jwt.NewWithClaims(active.method, claims)
	token.Header["kid"] = active.KeyID

	signed, err := token.SignedString(active.signer)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}

	if m.config.Instrumentation != nil {
		m.config.Instrumentation.Metrics().RecordTokenSigned(context.Background(), active.Algorithm)
	}
	return signed, nil
}

// Verify checks the signature of token and decodes its claims into claims.
// Only the signature is checked; time-based claims are left to the caller.
func (m *Manager) Verify(token string, claims jwt.Claims) error {
	set := m.current.Load()
	now := m.config.Clock.Now()

	algs := make([]string, 0, 2)
	for _, e := range set.keys {
		if !slices.Contains(algs, e.method.Alg()) {
			algs = append(algs, e.method.Alg())
		}
	}

	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		e, ok := set.byID[kid]
		if !ok || !m.verifiable(e, now) {
			return nil, ErrUnknownKey
		}
		if t.Method.Alg() != e.method.Alg() {
			return nil, ErrInvalidSignature
		}
		return e.PublicKey, nil
	}, jwt.WithValidMethods(algs), jwt.WithoutClaimsValidation())
	if err == nil {
		return nil
	}

	reason, wrapped := classifyVerifyError(err)
	if m.config.Instrumentation != nil {
		m.config.Instrumentation.Metrics().RecordVerifyFailure(context.Background(), reason)
	}
	return wrapped
}

func classifyVerifyError(err error) (string, error) {
	switch {
	case errors.Is(err, ErrUnknownKey):
		return "unknown_key", fmt.Errorf("%w: %v", ErrUnknownKey, err)
	case errors.Is(err, jwt.ErrTokenMalformed):
		return "malformed", fmt.Errorf("%w: %v", ErrMalformedToken, err)
	default:
		// Signature mismatch, disallowed algorithm, or wrong key type
		return "invalid_signature", fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
}
