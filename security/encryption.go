package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
)

// EncryptionKeySize is the AES-256 key length in bytes
const EncryptionKeySize = 32

// ErrDecryptionFailed is returned when sealed data cannot be opened, either
// because the key is wrong or the data or its associated data was altered.
var ErrDecryptionFailed = errors.New("decryption failed")

// Encryptor seals signing keys at rest with AES-256-GCM. A nil or disabled
// Encryptor passes data through unchanged.
type Encryptor struct {
	aead cipher.AEAD
}

// NewEncryptor creates an encryptor for key. An empty key disables
// encryption; any other length than EncryptionKeySize is an error.
func NewEncryptor(key []byte) (*Encryptor, error) {
	if len(key) == 0 {
		return &Encryptor{}, nil
	}
	if len(key) != EncryptionKeySize {
		return nil, fmt.Errorf("encryption key must be exactly %d bytes for AES-256, got %d", EncryptionKeySize, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &Encryptor{aead: aead}, nil
}

// IsEnabled reports whether Seal actually encrypts
func (e *Encryptor) IsEnabled() bool {
	return e != nil && e.aead != nil
}

// Seal encrypts plaintext and binds it to associatedData, which must be
// passed unchanged to Open. The output is nonce || ciphertext.
func (e *Encryptor) Seal(plaintext, associatedData []byte) ([]byte, error) {
	if !e.IsEnabled() {
		return plaintext, nil
	}

	nonce := make([]byte, e.aead.NonceSize(), e.aead.NonceSize()+len(plaintext)+e.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return e.aead.Seal(nonce, nonce, plaintext, associatedData), nil
}

// Open reverses Seal
func (e *Encryptor) Open(sealed, associatedData []byte) ([]byte, error) {
	if !e.IsEnabled() {
		return sealed, nil
	}

	nonceSize := e.aead.NonceSize()
	if len(sealed) < nonceSize+e.aead.Overhead() {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrDecryptionFailed)
	}
	plaintext, err := e.aead.Open(nil, sealed[:nonceSize], sealed[nonceSize:], associatedData)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return plaintext, nil
}

// GenerateKey returns a random AES-256 key
func GenerateKey() ([]byte, error) {
	key := make([]byte, EncryptionKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return key, nil
}

// KeyFromBase64 decodes a standard base64 encryption key and checks its length
func KeyFromBase64(s string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64 key: %w", err)
	}
	if len(key) != EncryptionKeySize {
		return nil, fmt.Errorf("key must be %d bytes, got %d", EncryptionKeySize, len(key))
	}
	return key, nil
}

// KeyToBase64 encodes an encryption key for configuration files
func KeyToBase64(key []byte) string {
	return base64.StdEncoding.EncodeToString(key)
}
