package keys

import (
	"context"
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/giantswarm/oauth-authserver/security"
)

// KeyStore persists signing keys.
type KeyStore interface {
	// Load returns every persisted key
	Load(ctx context.Context) ([]PersistedKey, error)

	// Save creates or replaces a key
	Save(ctx context.Context, key PersistedKey) error

	// Delete removes a key; deleting a missing key is not an error
	Delete(ctx context.Context, keyID string) error
}

const (
	pemTypePrivateKey   = "PRIVATE KEY"
	pemTypeEncryptedKey = "ENCRYPTED SIGNING KEY"

	headerKeyID     = "Key-Id"
	headerAlgorithm = "Algorithm"
	headerCreatedAt = "Created-At"
	headerRetiredAt = "Retired-At"

	keyFileSuffix = ".pem"
)

// FileStore stores each key as a PKCS#8 PEM file named after its key id.
// Metadata travels in PEM headers. With an enabled Encryptor the DER body is
// sealed with AES-256-GCM.
type FileStore struct {
	dir       string
	encryptor *security.Encryptor
}

var _ KeyStore = (*FileStore)(nil)

// NewFileStore creates dir if needed and returns a store rooted there.
// encryptor may be nil.
func NewFileStore(dir string, encryptor *security.Encryptor) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("key directory is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create key directory: %w", err)
	}
	return &FileStore{dir: dir, encryptor: encryptor}, nil
}

func (f *FileStore) encrypting() bool {
	return f.encryptor.IsEnabled()
}

func (f *FileStore) path(keyID string) (string, error) {
	if keyID == "" || strings.ContainsAny(keyID, `/\`) || strings.HasPrefix(keyID, ".") {
		return "", fmt.Errorf("invalid key id %q", keyID)
	}
	return filepath.Join(f.dir, keyID+keyFileSuffix), nil
}

// Load reads every *.pem file in the directory, oldest first
func (f *FileStore) Load(ctx context.Context) ([]PersistedKey, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read key directory: %w", err)
	}

	var keys []PersistedKey
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), keyFileSuffix) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(f.dir, entry.Name())) // #nosec G304 -- names come from our own directory listing
		if err != nil {
			return nil, fmt.Errorf("failed to read key %s: %w", entry.Name(), err)
		}
		key, err := f.decode(data)
		if err != nil {
			return nil, fmt.Errorf("failed to decode key %s: %w", entry.Name(), err)
		}
		keys = append(keys, key)
	}

	sort.Slice(keys, func(i, j int) bool { return keys[i].CreatedAt.Before(keys[j].CreatedAt) })
	return keys, nil
}

// Save writes the key atomically with mode 0600
func (f *FileStore) Save(ctx context.Context, key PersistedKey) error {
	path, err := f.path(key.KeyID)
	if err != nil {
		return err
	}
	data, err := f.encode(key)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(f.dir, ".tmp-key-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary key file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write key: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to set key file mode: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close key file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to persist key: %w", err)
	}
	return nil
}

// Delete removes the key file
func (f *FileStore) Delete(ctx context.Context, keyID string) error {
	path, err := f.path(keyID)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete key: %w", err)
	}
	return nil
}

func (f *FileStore) encode(key PersistedKey) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}

	block := &pem.Block{
		Type: pemTypePrivateKey,
		Headers: map[string]string{
			headerKeyID:     key.KeyID,
			headerAlgorithm: key.Algorithm,
			headerCreatedAt: key.CreatedAt.UTC().Format(time.RFC3339Nano),
		},
		Bytes: der,
	}
	if !key.RetiredAt.IsZero() {
		block.Headers[headerRetiredAt] = key.RetiredAt.UTC().Format(time.RFC3339Nano)
	}

	if f.encrypting() {
		sealed, err := f.encryptor.Seal(der, []byte(key.KeyID))
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt private key: %w", err)
		}
		block.Type = pemTypeEncryptedKey
		block.Bytes = sealed
	}

	return pem.EncodeToMemory(block), nil
}

func (f *FileStore) decode(data []byte) (PersistedKey, error) {
	var pk PersistedKey

	block, _ := pem.Decode(data)
	if block == nil {
		return pk, fmt.Errorf("no PEM block found")
	}

	der := block.Bytes
	switch block.Type {
	case pemTypePrivateKey:
	case pemTypeEncryptedKey:
		if !f.encrypting() {
			return pk, fmt.Errorf("key is encrypted but no encryption key is configured")
		}
		plain, err := f.encryptor.Open(block.Bytes, []byte(block.Headers[headerKeyID]))
		if err != nil {
			return pk, fmt.Errorf("failed to decrypt private key: %w", err)
		}
		der = plain
	default:
		return pk, fmt.Errorf("unexpected PEM block type %q", block.Type)
	}

	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return pk, fmt.Errorf("failed to parse private key: %w", err)
	}
	signer, ok := parsed.(crypto.Signer)
	if !ok {
		return pk, fmt.Errorf("private key does not implement crypto.Signer")
	}
	pk.PrivateKey = signer

	pk.KeyID = block.Headers[headerKeyID]
	pk.Algorithm = block.Headers[headerAlgorithm]
	if pk.CreatedAt, err = parseHeaderTime(block.Headers[headerCreatedAt]); err != nil {
		return pk, err
	}
	if pk.RetiredAt, err = parseHeaderTime(block.Headers[headerRetiredAt]); err != nil {
		return pk, err
	}
	return pk, nil
}

func parseHeaderTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp header %q: %w", v, err)
	}
	return t, nil
}
