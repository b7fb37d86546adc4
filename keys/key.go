package keys

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
)

// Supported signing algorithms.
const (
	AlgorithmRS256 = "RS256"
	AlgorithmES256 = "ES256"
)

// DefaultRSAKeySize is the modulus size of generated RSA keys
const DefaultRSAKeySize = 2048

// SigningKey describes a key without its private half.
type SigningKey struct {
	KeyID     string
	Algorithm string
	PublicKey crypto.PublicKey
	CreatedAt time.Time

	// RetiredAt is zero while the key is active. A retired key no longer
	// signs but keeps verifying until RetiredAt + MaxTokenLifetime.
	RetiredAt time.Time
}

// IsRetired reports whether the key has been retired
func (k SigningKey) IsRetired() bool {
	return !k.RetiredAt.IsZero()
}

// PersistedKey is a signing key together with its private key, as exchanged
// with a KeyStore.
type PersistedKey struct {
	KeyID      string
	Algorithm  string
	PrivateKey crypto.Signer
	CreatedAt  time.Time
	RetiredAt  time.Time
}

// keyEntry is the Manager's internal view of a key.
type keyEntry struct {
	SigningKey
	signer crypto.Signer
	method jwt.SigningMethod
}

// GenerateKey creates a new private key for algorithm
func GenerateKey(algorithm string, rsaBits int) (crypto.Signer, error) {
	switch algorithm {
	case AlgorithmRS256:
		if rsaBits <= 0 {
			rsaBits = DefaultRSAKeySize
		}
		key, err := rsa.GenerateKey(rand.Reader, rsaBits)
		if err != nil {
			return nil, fmt.Errorf("failed to generate RSA key: %w", err)
		}
		return key, nil
	case AlgorithmES256:
		key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("failed to generate EC key: %w", err)
		}
		return key, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, algorithm)
	}
}

// DeriveKeyID computes a key ID from the public key using RFC 7638 JWK Thumbprint.
func DeriveKeyID(pub crypto.PublicKey) (string, error) {
	jwk := jose.JSONWebKey{Key: pub}
	thumbprint, err := jwk.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("failed to compute key thumbprint: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(thumbprint), nil
}

// signingMethodFor checks that algorithm fits the key and returns its JWT signing method
func signingMethodFor(algorithm string, key crypto.Signer) (jwt.SigningMethod, error) {
	switch k := key.(type) {
	case *rsa.PrivateKey:
		if algorithm != AlgorithmRS256 {
			return nil, fmt.Errorf("algorithm %s is not compatible with RSA key", algorithm)
		}
		return jwt.SigningMethodRS256, nil
	case *ecdsa.PrivateKey:
		if algorithm != AlgorithmES256 || k.Curve != elliptic.P256() {
			return nil, fmt.Errorf("algorithm %s is not compatible with EC key using curve %s", algorithm, k.Curve.Params().Name)
		}
		return jwt.SigningMethodES256, nil
	default:
		return nil, fmt.Errorf("unsupported key type: %T", key)
	}
}

// newKeyEntry validates a persisted key and derives its public description
func newKeyEntry(pk PersistedKey) (*keyEntry, error) {
	if pk.PrivateKey == nil {
		return nil, fmt.Errorf("private key is required")
	}
	method, err := signingMethodFor(pk.Algorithm, pk.PrivateKey)
	if err != nil {
		return nil, err
	}

	kid, err := DeriveKeyID(pk.PrivateKey.Public())
	if err != nil {
		return nil, err
	}
	if pk.KeyID != "" && pk.KeyID != kid {
		return nil, fmt.Errorf("key id %q does not match key thumbprint %q", pk.KeyID, kid)
	}

	return &keyEntry{
		SigningKey: SigningKey{
			KeyID:     kid,
			Algorithm: pk.Algorithm,
			PublicKey: pk.PrivateKey.Public(),
			CreatedAt: pk.CreatedAt,
			RetiredAt: pk.RetiredAt,
		},
		signer: pk.PrivateKey,
		method: method,
	}, nil
}

func (e *keyEntry) persisted() PersistedKey {
	return PersistedKey{
		KeyID:      e.KeyID,
		Algorithm:  e.Algorithm,
		PrivateKey: e.signer,
		CreatedAt:  e.CreatedAt,
		RetiredAt:  e.RetiredAt,
	}
}
