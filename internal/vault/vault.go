/**
 * @description
 * Key custody for hop private keys. Keys are sealed at rest with AES-256-GCM under a
 * master key derived from the operator's password with PBKDF2-HMAC-SHA256. Login
 * verification uses a separate bcrypt hash, so the stored hash never reveals the
 * encryption key.
 *
 * @dependencies
 * - golang.org/x/crypto/pbkdf2, golang.org/x/crypto/bcrypt
 */
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/pbkdf2"
)

const (
	SaltLength       = 16
	KeyLength        = 32
	PBKDF2Iterations = 480000
	nonceLength      = 12
)

var (
	// ErrAuthentication is the only error Decrypt reports: wrong key, truncation and
	// tampering are indistinguishable to the caller.
	ErrAuthentication = errors.New("decryption failed: wrong key or corrupted data")
	ErrVaultLocked    = errors.New("vault is locked")
	ErrEmptyPassword  = errors.New("password must not be empty")
)

// DeriveKey stretches a password into a 32-byte master key. Deterministic for a given salt.
func DeriveKey(password string, salt []byte) []byte {
	return pbkdf2.Key([]byte(password), salt, PBKDF2Iterations, KeyLength, sha256.New)
}

// NewSalt returns a random salt for DeriveKey.
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to read random salt: %w", err)
	}
	return salt, nil
}

// Encrypt seals plaintext with a fresh nonce and returns base64(nonce || ciphertext).
func Encrypt(plaintext string, key []byte) (string, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, nonceLength)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to read random nonce: %w", err)
	}
	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a value produced by Encrypt.
func Decrypt(ciphertext string, key []byte) (string, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return "", ErrAuthentication
	}
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil || len(data) < nonceLength+gcm.Overhead() {
		return "", ErrAuthentication
	}
	out, err := gcm.Open(nil, data[:nonceLength], data[nonceLength:], nil)
	if err != nil {
		return "", ErrAuthentication
	}
	return string(out), nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeyLength {
		return nil, fmt.Errorf("master key must be %d bytes, got %d", KeyLength, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, nonceLength)
	if err != nil {
		return nil, fmt.Errorf("failed to create gcm: %w", err)
	}
	return gcm, nil
}

// HashPassword produces the login verification hash.
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", ErrEmptyPassword
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}

// VerifyPassword checks a password against a HashPassword result.
func VerifyPassword(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
