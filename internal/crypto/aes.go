// Package crypto encrypts the TMS bearer token at rest. The AES-256-GCM
// key is derived from the installation ID with PBKDF2 and a per-install
// salt kept in the key-value store.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"
)

const (
	KeySize   = 32
	NonceSize = 12
	SaltSize  = 16

	// PBKDF2Iterations is fixed; changing it orphans every stored token.
	PBKDF2Iterations = 100_000
)

var (
	ErrCryptoUnavailable = errors.New("crypto: no cryptographic random source available")
	ErrDecryptionFailed  = errors.New("crypto: token decryption failed")
	ErrCorruptSalt       = errors.New("crypto: stored salt is corrupt")
)

// DerivedKey is a ready AES-256-GCM cipher. The raw key bytes are not
// retained.
type DerivedKey struct {
	aead cipher.AEAD
}

func newDerivedKey(key []byte) (*DerivedKey, error) {
	if len(key) != KeySize {
		return nil, errors.New("crypto: key must be 32 bytes")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &DerivedKey{aead: gcm}, nil
}

// seal encrypts plaintext under nonce. The result carries the GCM tag.
func (k *DerivedKey) seal(nonce, plaintext []byte) []byte {
	return k.aead.Seal(nil, nonce, plaintext, nil)
}

func (k *DerivedKey) open(nonce, ciphertext []byte) ([]byte, error) {
	if len(nonce) != k.aead.NonceSize() {
		return nil, ErrDecryptionFailed
	}
	plaintext, err := k.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}
