package vault

import "sync"

// Keyring holds the master key in memory between login and logout.
type Keyring struct {
	mu  sync.RWMutex
	key []byte
}

func NewKeyring() *Keyring {
	return &Keyring{}
}

// Unlock derives the master key from the password and keeps it until Lock.
func (k *Keyring) Unlock(password string, salt []byte) {
	key := DeriveKey(password, salt)
	k.mu.Lock()
	defer k.mu.Unlock()
	k.key = key
}

// Lock wipes the master key.
func (k *Keyring) Lock() {
	k.mu.Lock()
	defer k.mu.Unlock()
	for i := range k.key {
		k.key[i] = 0
	}
	k.key = nil
}

func (k *Keyring) Unlocked() bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.key != nil
}

// Seal encrypts a private key under the master key.
func (k *Keyring) Seal(plaintext string) (string, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.key == nil {
		return "", ErrVaultLocked
	}
	return Encrypt(plaintext, k.key)
}

// Open decrypts a private key sealed under the master key.
func (k *Keyring) Open(ciphertext string) (string, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.key == nil {
		return "", ErrVaultLocked
	}
	return Decrypt(ciphertext, k.key)
}
