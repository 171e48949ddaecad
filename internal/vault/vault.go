// Package vault encrypts credentials at rest with AES-GCM. The store only
// ever sees ciphertext; plaintext lives in memory for the duration of a
// call.
package vault

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/gasable/hub/internal/store"
	"github.com/gasable/hub/pkg/models"
)

// Vault seals and opens secrets with a key derived from the process
// master key. Writes append a new version; reads return the latest.
type Vault struct {
	secrets store.SecretStore
	key     []byte
}

// New derives the AES key from masterKey. An empty master key is refused
// so secrets are never sealed with a predictable key.
func New(secrets store.SecretStore, masterKey string) (*Vault, error) {
	if masterKey == "" {
		return nil, models.E(models.KindConstraintViolation, "vault master key not configured")
	}
	sum := sha256.Sum256([]byte(masterKey))
	return &Vault{secrets: secrets, key: sum[:]}, nil
}

// Put seals plaintext and appends it as a new version of (scope, keyName).
func (v *Vault) Put(ctx context.Context, scope, keyName, plaintext string) error {
	if scope == "" || keyName == "" {
		return models.E(models.KindBadRequest, "secret scope and key name are required")
	}
	sealed, err := v.seal([]byte(plaintext))
	if err != nil {
		return fmt.Errorf("seal secret: %w", err)
	}
	return v.secrets.PutSecret(ctx, &models.Secret{
		Scope:      scope,
		KeyName:    keyName,
		Ciphertext: sealed,
	})
}

// Get returns the decrypted latest version of (scope, keyName).
func (v *Vault) Get(ctx context.Context, scope, keyName string) (string, error) {
	sec, err := v.secrets.GetSecret(ctx, scope, keyName)
	if err != nil {
		return "", err
	}
	plain, err := v.open(sec.Ciphertext)
	if err != nil {
		return "", fmt.Errorf("open secret %s/%s: %w", scope, keyName, err)
	}
	return string(plain), nil
}

// List returns the latest version metadata of every key in scope.
// Ciphertext stays out of the result.
func (v *Vault) List(ctx context.Context, scope string) ([]models.Secret, error) {
	secrets, err := v.secrets.ListSecrets(ctx, scope)
	if err != nil {
		return nil, err
	}
	for i := range secrets {
		secrets[i].Ciphertext = nil
	}
	return secrets, nil
}

// Rotate replaces (scope, keyName) with a fresh random token and returns
// the new plaintext, shown exactly once.
func (v *Vault) Rotate(ctx context.Context, scope, keyName string) (string, error) {
	if _, err := v.secrets.GetSecret(ctx, scope, keyName); err != nil {
		return "", err
	}
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	token := hex.EncodeToString(raw)
	if err := v.Put(ctx, scope, keyName, token); err != nil {
		return "", err
	}
	return token, nil
}

// seal encrypts plaintext, prepending the nonce to the ciphertext.
func (v *Vault) seal(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(v.key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func (v *Vault) open(sealed []byte) ([]byte, error) {
	block, err := aes.NewCipher(v.key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(sealed) < gcm.NonceSize() {
		return nil, fmt.Errorf("ciphertext shorter than nonce")
	}
	nonce, ciphertext := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ciphertext, nil)
}
