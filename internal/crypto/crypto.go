// Package crypto seals the facade's persisted SSH login payload at
// rest with AES-256-GCM. The key is derived (SHA-256) from the
// SLURMDECK_ENCRYPTION_KEY passphrase; when unset, a fixed development
// passphrase keeps local runs working.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

// EnvKey names the environment variable holding the encryption
// passphrase. Any non-empty string works.
const EnvKey = "SLURMDECK_ENCRYPTION_KEY"

// devPassphrase is used ONLY when EnvKey is unset. Not suitable for
// production.
const devPassphrase = "slurmdeck-dev-only"

var ErrCiphertextTooShort = errors.New("crypto: ciphertext too short")

var (
	aeadOnce sync.Once
	aead     cipher.AEAD
	aeadErr  error
)

// sealer returns the process-wide AEAD, built once on first use.
func sealer() (cipher.AEAD, error) {
	aeadOnce.Do(func() {
		pass := os.Getenv(EnvKey)
		if pass == "" {
			pass = devPassphrase
		}
		key := sha256.Sum256([]byte(pass))
		block, err := aes.NewCipher(key[:])
		if err != nil {
			aeadErr = fmt.Errorf("crypto: %w", err)
			return
		}
		aead, aeadErr = cipher.NewGCM(block)
	})
	return aead, aeadErr
}

// Encrypt seals plaintext and returns base64(nonce || ciphertext || tag).
func Encrypt(plaintext string) (string, error) {
	gcm, err := sealer()
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("crypto: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. It fails if the ciphertext was sealed
// under a different passphrase or has been tampered with.
func Decrypt(sealedB64 string) (string, error) {
	gcm, err := sealer()
	if err != nil {
		return "", err
	}

	data, err := base64.StdEncoding.DecodeString(sealedB64)
	if err != nil {
		return "", fmt.Errorf("crypto: invalid ciphertext encoding: %w", err)
	}
	if len(data) < gcm.NonceSize() {
		return "", ErrCiphertextTooShort
	}

	nonce, ciphertext := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("crypto: decryption failed: %w", err)
	}
	return string(plaintext), nil
}

// ResetKey drops the cached cipher so tests can switch passphrases.
func ResetKey() {
	aeadOnce = sync.Once{}
	aead = nil
	aeadErr = nil
}
