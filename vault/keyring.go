package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"sort"

	"golang.org/x/crypto/hkdf"
)

const (
	keySize = 32
	// hkdfInfo domain-separates endpoint URL keys from other uses of the master secret
	hkdfInfo = "perfwatch endpoint url v1"
)

// Keyring holds one AEAD per key id. New records are sealed with the active
// key; retired keys remain available to open records written under them.
type Keyring struct {
	active string
	aeads  map[string]cipher.AEAD
}

// NewKeyring derives an AES-256-GCM key per master secret with HKDF-SHA256.
// activeID must be one of the keys in masters.
func NewKeyring(activeID string, masters map[string][]byte) (*Keyring, error) {
	if _, ok := masters[activeID]; !ok {
		return nil, fmt.Errorf("active key %q not in keyring", activeID)
	}

	kr := &Keyring{active: activeID, aeads: make(map[string]cipher.AEAD, len(masters))}
	for id, master := range masters {
		if len(master) < 16 {
			return nil, fmt.Errorf("master key %q too short (%d bytes)", id, len(master))
		}
		key := make([]byte, keySize)
		if _, err := io.ReadFull(hkdf.New(sha256.New, master, []byte(id), []byte(hkdfInfo)), key); err != nil {
			return nil, fmt.Errorf("failed to derive key %q: %w", id, err)
		}
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("failed to create cipher: %w", err)
		}
		gcm, err := cipher.NewGCM(block)
		if err != nil {
			return nil, fmt.Errorf("failed to create GCM: %w", err)
		}
		kr.aeads[id] = gcm
	}
	return kr, nil
}

// ActiveKeyID returns the id new records are sealed under
func (k *Keyring) ActiveKeyID() string {
	return k.active
}

// KeyIDs lists the ids in the keyring, sorted
func (k *Keyring) KeyIDs() []string {
	ids := make([]string, 0, len(k.aeads))
	for id := range k.aeads {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Seal encrypts plaintext under the active key with a fresh random nonce
func (k *Keyring) Seal(plaintext, aad []byte) (ciphertext, nonce []byte, keyID string, err error) {
	gcm := k.aeads[k.active]
	nonce = make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, "", fmt.Errorf("failed to generate IV: %w", err)
	}
	return gcm.Seal(nil, nonce, plaintext, aad), nonce, k.active, nil
}

// Open decrypts a record sealed under keyID
func (k *Keyring) Open(keyID string, ciphertext, nonce, aad []byte) ([]byte, error) {
	gcm, ok := k.aeads[keyID]
	if !ok {
		return nil, fmt.Errorf("unknown key id %q", keyID)
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, fmt.Errorf("invalid IV length %d", len(nonce))
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}
