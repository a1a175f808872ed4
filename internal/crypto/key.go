package crypto

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"

	"github.com/dispatchpilot/internal/kv"
	"github.com/dispatchpilot/internal/model"
)

// KeyDeriver turns the installation secret into the token key. The salt is
// generated on first use and stored as a base64 JSON string under
// model.SaltKey; a stored salt is never replaced.
type KeyDeriver struct {
	store  kv.Store
	secret []byte
	random io.Reader
}

// NewKeyDeriver returns a deriver over store. random supplies salt bytes;
// nil means no cryptographic source is available and every derivation
// fails with ErrCryptoUnavailable.
func NewKeyDeriver(store kv.Store, installationID string, random io.Reader) *KeyDeriver {
	return &KeyDeriver{store: store, secret: []byte(installationID), random: random}
}

// GetOrCreateKey derives the key, creating and persisting the salt when
// none exists yet.
func (d *KeyDeriver) GetOrCreateKey(ctx context.Context) (*DerivedKey, error) {
	if d.random == nil {
		return nil, ErrCryptoUnavailable
	}
	salt, err := d.salt(ctx)
	if err != nil {
		return nil, err
	}

	key := pbkdf2.Key(d.secret, salt, PBKDF2Iterations, KeySize, sha256.New)
	defer clear(key)
	return newDerivedKey(key)
}

func (d *KeyDeriver) salt(ctx context.Context) ([]byte, error) {
	salt, ok, err := d.readSalt(ctx)
	if err != nil || ok {
		return salt, err
	}

	fresh := make([]byte, SaltSize)
	if _, err := io.ReadFull(d.random, fresh); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoUnavailable, err)
	}
	encoded, err := json.Marshal(base64.StdEncoding.EncodeToString(fresh))
	if err != nil {
		return nil, err
	}
	if err := d.store.Set(ctx, model.SaltKey, encoded); err != nil {
		return nil, fmt.Errorf("crypto: persist salt: %w", err)
	}

	// Read back so two first uses racing each other settle on whichever
	// salt the store kept.
	salt, ok, err = d.readSalt(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.New("crypto: salt was not persisted")
	}
	return salt, nil
}

// readSalt reports ok=false for an absent, null or empty salt.
func (d *KeyDeriver) readSalt(ctx context.Context) ([]byte, bool, error) {
	raw, ok, err := d.store.Get(ctx, model.SaltKey)
	if err != nil {
		return nil, false, fmt.Errorf("crypto: read salt: %w", err)
	}
	if !ok {
		return nil, false, nil
	}
	var encoded string
	if err := json.Unmarshal(raw, &encoded); err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrCorruptSalt, err)
	}
	if encoded == "" {
		return nil, false, nil
	}
	salt, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrCorruptSalt, err)
	}
	return salt, true, nil
}
