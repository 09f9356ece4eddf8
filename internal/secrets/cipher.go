// Package secrets encrypts integration credentials at rest. Blobs are
// AES-256-GCM sealed with a process-wide key derived from a shared secret,
// and encoded as "iv:ciphertext" hex so they survive any text column.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/pbkdf2"

	"github.com/inqbatorchris/aimee-sub010/pkg/schema"
)

// Config configures key derivation for the credential cipher.
// Provide either MasterKey (raw 32 bytes) or SharedSecret + Salt.
type Config struct {
	MasterKey    []byte // raw 32-byte key (takes priority)
	SharedSecret string // derive key via PBKDF2
	Salt         []byte // salt for PBKDF2 (required with SharedSecret)
	Iterations   int    // PBKDF2 iterations (default 100_000)
}

// CredentialCipher seals and opens credential blobs.
type CredentialCipher struct {
	aead cipher.AEAD
}

// NewCredentialCipher creates a cipher with AES-256-GCM encryption.
func NewCredentialCipher(cfg Config) (*CredentialCipher, error) {
	key, err := deriveKey(cfg)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}
	return &CredentialCipher{aead: aead}, nil
}

func deriveKey(cfg Config) ([]byte, error) {
	if len(cfg.MasterKey) > 0 {
		if len(cfg.MasterKey) != 32 {
			return nil, schema.NewErrorf(schema.ErrCodeVault,
				"master key must be 32 bytes, got %d", len(cfg.MasterKey))
		}
		return cfg.MasterKey, nil
	}
	if cfg.SharedSecret == "" {
		return nil, schema.NewError(schema.ErrCodeVault, "either master_key or shared_secret is required")
	}
	if len(cfg.Salt) == 0 {
		return nil, schema.NewError(schema.ErrCodeVault, "salt is required with shared_secret")
	}
	iterations := cfg.Iterations
	if iterations <= 0 {
		iterations = 100_000
	}
	return pbkdf2.Key([]byte(cfg.SharedSecret), cfg.Salt, iterations, 32, sha256.New), nil
}

// Encrypt seals plaintext under a fresh random IV and returns "iv:ciphertext" hex.
func (c *CredentialCipher) Encrypt(plaintext []byte) (string, error) {
	iv := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("generate iv: %w", err)
	}
	ct := c.aead.Seal(nil, iv, plaintext, nil)
	return hex.EncodeToString(iv) + ":" + hex.EncodeToString(ct), nil
}

// Decrypt opens an "iv:ciphertext" hex blob. Any malformed or tampered blob
// surfaces as a credential decryption failure, never a panic.
func (c *CredentialCipher) Decrypt(blob string) ([]byte, error) {
	parts := strings.SplitN(blob, ":", 2)
	if len(parts) != 2 {
		return nil, decryptionFailed("blob is not iv:ciphertext")
	}
	iv, err := hex.DecodeString(parts[0])
	if err != nil {
		return nil, decryptionFailed("iv is not hex")
	}
	ct, err := hex.DecodeString(parts[1])
	if err != nil {
		return nil, decryptionFailed("ciphertext is not hex")
	}
	if len(iv) != c.aead.NonceSize() {
		return nil, decryptionFailed("iv has wrong length")
	}
	plaintext, err := c.aead.Open(nil, iv, ct, nil)
	if err != nil {
		return nil, decryptionFailed(err.Error())
	}
	return plaintext, nil
}

func decryptionFailed(reason string) *schema.EngineError {
	return schema.NewErrorf(schema.ErrCodeVault, "credential decryption failed: %s", reason)
}
