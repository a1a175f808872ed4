package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/dispatchpilot/internal/kv"
	"github.com/dispatchpilot/internal/model"
	"github.com/dispatchpilot/internal/schema"
)

type tokenCipher interface {
	Encrypt(ctx context.Context, plaintext string) (*model.EncryptedToken, error)
	Decrypt(ctx context.Context, token *model.EncryptedToken) (string, bool, error)
}

// SettingsStore reads and writes the single settings document. Nothing is
// cached: every Get goes to the key-value store, so callers always see the
// last write.
type SettingsStore struct {
	kv     kv.Store
	cipher tokenCipher
	logger *slog.Logger
}

func NewSettingsStore(store kv.Store, cipher tokenCipher, logger *slog.Logger) *SettingsStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &SettingsStore{kv: store, cipher: cipher, logger: logger}
}

// Get loads and defaults the stored settings. A first run with nothing
// stored yields the defaults; stored fields that are present but invalid
// fail with schema.ErrValidationFailed.
func (s *SettingsStore) Get(ctx context.Context) (*model.Settings, error) {
	raw, err := s.raw(ctx)
	if err != nil {
		return nil, err
	}
	return schema.Parse(raw)
}

// Save validates settings and persists the normalized value, so a nil
// AllowedHosts is saved as the default list. Nothing is written when
// validation fails.
func (s *SettingsStore) Save(ctx context.Context, settings *model.Settings) error {
	normalized, err := schema.Normalize(settings)
	if err != nil {
		return err
	}
	return s.put(ctx, normalized)
}

// Replace saves a settings document supplied as JSON. When the document
// omits tms.token the stored token is kept; an explicit null clears it.
// A null document counts as an empty one.
func (s *SettingsStore) Replace(ctx context.Context, doc []byte) (*model.Settings, error) {
	doc, err := s.keepToken(ctx, doc)
	if err != nil {
		return nil, err
	}
	settings, err := schema.Parse(doc)
	if err != nil {
		return nil, err
	}
	if err := s.put(ctx, settings); err != nil {
		return nil, err
	}
	return settings, nil
}

// keepToken copies the stored token into doc when doc says nothing about
// it. A document or tms section of the wrong shape is returned untouched
// for the schema to reject. Only the stored token is read, so a stored
// document that no longer validates can still be replaced.
func (s *SettingsStore) keepToken(ctx context.Context, doc []byte) ([]byte, error) {
	if len(bytes.TrimSpace(doc)) == 0 || !gjson.ValidBytes(doc) {
		return doc, nil
	}
	root := gjson.ParseBytes(doc)
	if root.Type == gjson.Null {
		doc = []byte(`{}`)
	} else if !root.IsObject() {
		return doc, nil
	}

	section := gjson.GetBytes(doc, "tms")
	if section.Exists() && section.Type != gjson.Null && !section.IsObject() {
		return doc, nil
	}
	if section.IsObject() && section.Get("token").Exists() {
		return doc, nil
	}

	raw, err := s.raw(ctx)
	if err != nil {
		return nil, err
	}
	stored := gjson.GetBytes(raw, "tms.token")
	if !stored.IsObject() {
		return doc, nil
	}

	if !section.IsObject() {
		if doc, err = sjson.SetRawBytes(doc, "tms", []byte(`{}`)); err != nil {
			return nil, fmt.Errorf("settings: keep token: %w", err)
		}
	}
	if doc, err = sjson.SetRawBytes(doc, "tms.token", []byte(stored.Raw)); err != nil {
		return nil, fmt.Errorf("settings: keep token: %w", err)
	}
	return doc, nil
}

// ExportPortable returns the settings without the encrypted token.
func (s *SettingsStore) ExportPortable(ctx context.Context) (*model.PortableSettings, error) {
	settings, err := s.Get(ctx)
	if err != nil {
		return nil, err
	}
	return settings.Portable(), nil
}

// ImportPortable validates and stores an exported document. The full
// shape is accepted too, token included; imports are not scrubbed.
func (s *SettingsStore) ImportPortable(ctx context.Context, doc []byte) (*model.Settings, error) {
	settings, err := schema.Parse(doc)
	if err != nil {
		return nil, err
	}
	if err := s.put(ctx, settings); err != nil {
		return nil, err
	}
	s.logger.Info("settings: imported", "hasToken", settings.TMS.Token != nil)
	return settings, nil
}

// RotateToken encrypts plaintext and stores it as the TMS token, replacing
// any previous one. Concurrent rotations are not serialized; the last
// write wins.
func (s *SettingsStore) RotateToken(ctx context.Context, plaintext string) (*model.EncryptedToken, error) {
	token, err := s.cipher.Encrypt(ctx, plaintext)
	if err != nil {
		return nil, err
	}
	settings, err := s.Get(ctx)
	if err != nil {
		return nil, err
	}
	settings.TMS.Token = token
	if err := s.put(ctx, settings); err != nil {
		return nil, err
	}
	s.logger.Info("settings: token rotated", "createdAt", token.CreatedAt)
	t := *token
	return &t, nil
}

func (s *SettingsStore) ClearToken(ctx context.Context) error {
	settings, err := s.Get(ctx)
	if err != nil {
		return err
	}
	settings.TMS.Token = nil
	if err := s.put(ctx, settings); err != nil {
		return err
	}
	s.logger.Info("settings: token cleared")
	return nil
}

// Token decrypts the stored TMS token. ok is false when none is stored.
func (s *SettingsStore) Token(ctx context.Context) (string, bool, error) {
	settings, err := s.Get(ctx)
	if err != nil {
		return "", false, err
	}
	return s.cipher.Decrypt(ctx, settings.TMS.Token)
}

// Subscribe calls fn with a fresh snapshot whenever the stored settings
// change, whether the write came from this process or another one.
// Snapshots that fail validation are logged and skipped.
func (s *SettingsStore) Subscribe(fn func(*model.Settings)) (unsubscribe func()) {
	return s.kv.Subscribe(func(c kv.Change) {
		if c.Key != model.SettingsKey {
			return
		}
		settings, err := schema.Parse(c.Value)
		if err != nil {
			s.logger.Warn("settings: ignoring invalid update", "err", err)
			return
		}
		fn(settings)
	})
}

func (s *SettingsStore) raw(ctx context.Context) ([]byte, error) {
	raw, ok, err := s.kv.Get(ctx, model.SettingsKey)
	if err != nil {
		return nil, fmt.Errorf("settings: load: %w", err)
	}
	if !ok {
		return nil, nil
	}
	return raw, nil
}

func (s *SettingsStore) put(ctx context.Context, settings *model.Settings) error {
	raw, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("settings: encode: %w", err)
	}
	if err := s.kv.Set(ctx, model.SettingsKey, raw); err != nil {
		return fmt.Errorf("settings: save: %w", err)
	}
	return nil
}
