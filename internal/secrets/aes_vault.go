package secrets

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/pbkdf2"
	"crypto/rand"
	"crypto/sha256"
	"strings"

	"github.com/skein-dev/skein/pkg/schema"
)

const (
	keySize           = 32 // AES-256
	defaultIterations = 100_000
)

// VaultConfig selects the AES key. Provide either MasterKey (raw 32 bytes)
// or Passphrase plus Salt; Passphrase derivation uses PBKDF2-SHA256 so the
// same passphrase and salt always yield the same key across restarts.
type VaultConfig struct {
	MasterKey  []byte
	Passphrase string
	Salt       []byte
	Iterations int // PBKDF2 rounds, defaultIterations when <= 0
}

func (cfg VaultConfig) deriveKey() ([]byte, error) {
	if len(cfg.MasterKey) > 0 {
		if len(cfg.MasterKey) != keySize {
			return nil, schema.NewErrorf(schema.ErrCodeVault,
				"master key must be %d bytes, got %d", keySize, len(cfg.MasterKey))
		}
		return cfg.MasterKey, nil
	}
	if cfg.Passphrase == "" {
		return nil, schema.NewError(schema.ErrCodeVault, "either master_key or passphrase is required")
	}
	if len(cfg.Salt) == 0 {
		return nil, schema.NewError(schema.ErrCodeVault, "salt is required with passphrase")
	}
	iterations := cfg.Iterations
	if iterations <= 0 {
		iterations = defaultIterations
	}
	return pbkdf2.Key(sha256.New, cfg.Passphrase, cfg.Salt, iterations, keySize)
}

// AESVault stores secrets encrypted with AES-256-GCM. Only ciphertext ever
// reaches the store; plaintext exists in memory during {{secrets.KEY}}
// resolution and is never written to checkpoints, step records, or logs.
type AESVault struct {
	store SecretStore
	aead  cipher.AEAD
}

var _ Vault = (*AESVault)(nil)

// NewAESVault derives the key from cfg and prepares the AEAD.
func NewAESVault(s SecretStore, cfg VaultConfig) (*AESVault, error) {
	key, err := cfg.deriveKey()
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeVault, "aes cipher: %s", err.Error()).WithCause(err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeVault, "gcm mode: %s", err.Error()).WithCause(err)
	}
	return &AESVault{store: s, aead: aead}, nil
}

// Store encrypts the value and persists the ciphertext under key.
func (v *AESVault) Store(ctx context.Context, key string, value []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}
	sealed, err := v.seal(value)
	if err != nil {
		return err
	}
	return v.store.StoreSecret(ctx, key, sealed)
}

// Resolve fetches and decrypts the secret. A missing key surfaces the
// store's NOT_FOUND; a ciphertext that fails authentication surfaces
// ErrCodeVault (wrong key or tampered row).
func (v *AESVault) Resolve(ctx context.Context, key string) ([]byte, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	sealed, err := v.store.GetSecret(ctx, key)
	if err != nil {
		return nil, err
	}
	return v.open(sealed)
}

// Delete removes the secret from the store.
func (v *AESVault) Delete(ctx context.Context, key string) error {
	return v.store.DeleteSecret(ctx, key)
}

// List returns the stored secret names. Values are never listed.
func (v *AESVault) List(ctx context.Context) ([]string, error) {
	return v.store.ListSecrets(ctx)
}

// seal encrypts plaintext with a fresh random nonce, prepended to the
// ciphertext so open can recover it.
func (v *AESVault) seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeVault, "generate nonce: %s", err.Error()).WithCause(err)
	}
	return v.aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (v *AESVault) open(sealed []byte) ([]byte, error) {
	nonceSize := v.aead.NonceSize()
	if len(sealed) < nonceSize {
		return nil, schema.NewError(schema.ErrCodeVault, "ciphertext too short")
	}
	plaintext, err := v.aead.Open(nil, sealed[:nonceSize], sealed[nonceSize:], nil)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeVault, "decrypt failed: %s", err.Error())
	}
	return plaintext, nil
}

// validateKey rejects names a {{secrets.KEY}} reference could never address.
func validateKey(key string) error {
	if key == "" {
		return schema.NewError(schema.ErrCodeValidation, "secret key is empty")
	}
	if strings.ContainsAny(key, "{}. ") {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"secret key %q contains reserved characters", key)
	}
	return nil
}
