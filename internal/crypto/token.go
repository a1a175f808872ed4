package crypto

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"

	"github.com/dispatchpilot/internal/clock"
	"github.com/dispatchpilot/internal/model"
)

// TokenCipher encrypts and decrypts the TMS bearer token. Every Encrypt
// uses a fresh random IV.
type TokenCipher struct {
	keys   *KeyDeriver
	random io.Reader
	clock  clock.Clock
}

func NewTokenCipher(keys *KeyDeriver, random io.Reader, clk clock.Clock) *TokenCipher {
	if clk == nil {
		clk = clock.Real()
	}
	return &TokenCipher{keys: keys, random: random, clock: clk}
}

func (c *TokenCipher) Encrypt(ctx context.Context, plaintext string) (*model.EncryptedToken, error) {
	if c.random == nil {
		return nil, ErrCryptoUnavailable
	}
	key, err := c.keys.GetOrCreateKey(ctx)
	if err != nil {
		return nil, err
	}

	iv := make([]byte, NonceSize)
	if _, err := io.ReadFull(c.random, iv); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoUnavailable, err)
	}
	sealed := key.seal(iv, []byte(plaintext))

	return &model.EncryptedToken{
		Ciphertext: base64.StdEncoding.EncodeToString(sealed),
		IV:         base64.StdEncoding.EncodeToString(iv),
		CreatedAt:  c.clock.Now().UnixMilli(),
	}, nil
}

// Decrypt returns ok=false without error for a nil token; nothing is
// derived in that case. Malformed base64, a wrong IV length and a tag
// mismatch all report ErrDecryptionFailed.
func (c *TokenCipher) Decrypt(ctx context.Context, token *model.EncryptedToken) (string, bool, error) {
	if token == nil {
		return "", false, nil
	}
	iv, err := base64.StdEncoding.DecodeString(token.IV)
	if err != nil || len(iv) != NonceSize {
		return "", false, ErrDecryptionFailed
	}
	sealed, err := base64.StdEncoding.DecodeString(token.Ciphertext)
	if err != nil {
		return "", false, ErrDecryptionFailed
	}

	key, err := c.keys.GetOrCreateKey(ctx)
	if err != nil {
		return "", false, err
	}
	plaintext, err := key.open(iv, sealed)
	if err != nil {
		return "", false, err
	}
	return string(plaintext), true, nil
}
