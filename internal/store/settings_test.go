package store

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tidwall/sjson"

	"github.com/dispatchpilot/internal/clock"
	"github.com/dispatchpilot/internal/crypto"
	"github.com/dispatchpilot/internal/kv"
	"github.com/dispatchpilot/internal/model"
	"github.com/dispatchpilot/internal/schema"
)

func newTestStore(t *testing.T) (*SettingsStore, kv.Store, *crypto.TokenCipher) {
	t.Helper()
	backend := kv.NewMemory()
	keys := crypto.NewKeyDeriver(backend, "test-installation", rand.Reader)
	cipher := crypto.NewTokenCipher(keys, rand.Reader, clock.Fake(time.UnixMilli(1_700_000_000_000)))
	return NewSettingsStore(backend, cipher, nil), backend, cipher
}

func TestGet_EmptyStoreYieldsDefaults(t *testing.T) {
	s, _, _ := newTestStore(t)

	got, err := s.Get(context.Background())
	require.NoError(t, err)
	require.Equal(t, schema.Defaults(), got)
	require.Equal(t, []string{"power.dat.com"}, got.AllowedHosts)
	require.False(t, got.TelemetryEnabled)
	require.Equal(t, float64(50), got.Operations.DeadheadRadius)
}

func TestGet_PartialDocumentIsDefaulted(t *testing.T) {
	ctx := context.Background()
	s, backend, _ := newTestStore(t)
	require.NoError(t, backend.Set(ctx, model.SettingsKey, []byte(`{"company":{"name":"Acme"}}`)))

	got, err := s.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, "Acme", got.Company.Name)
	require.Equal(t, "", got.Company.MC)

	want := schema.Defaults()
	want.Company.Name = "Acme"
	require.Equal(t, want, got)
}

func TestGet_InvalidStoredValueFails(t *testing.T) {
	ctx := context.Background()
	s, backend, _ := newTestStore(t)
	require.NoError(t, backend.Set(ctx, model.SettingsKey, []byte(`{"operations":{"deadheadRadius":"far"}}`)))

	_, err := s.Get(ctx)
	require.ErrorIs(t, err, schema.ErrValidationFailed)
}

func TestSave_RejectsInvalidAndKeepsPrevious(t *testing.T) {
	ctx := context.Background()
	s, backend, _ := newTestStore(t)

	good := schema.Defaults()
	good.TMS.URL = "https://tms.example.com/hook"
	require.NoError(t, s.Save(ctx, good))
	before, _, err := backend.Get(ctx, model.SettingsKey)
	require.NoError(t, err)

	bad := good.Clone()
	bad.TMS.URL = "not-a-url"
	err = s.Save(ctx, bad)
	require.ErrorIs(t, err, schema.ErrValidationFailed)

	after, _, err := backend.Get(ctx, model.SettingsKey)
	require.NoError(t, err)
	require.Equal(t, before, after)

	got, err := s.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, "https://tms.example.com/hook", got.TMS.URL)
}

func TestSave_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t)

	in := schema.Defaults()
	in.Company = model.CompanyProfile{Name: "Acme Freight", MC: "123456", Phone: "555-0100"}
	in.Identity.SenderEmail = "ops@acme.example"
	in.AllowedHosts = []string{"*.dat.com", "loads.example.com"}
	in.TelemetryEnabled = true
	require.NoError(t, s.Save(ctx, in))

	got, err := s.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, in, got)
}

func TestSave_StoresNormalizedValue(t *testing.T) {
	ctx := context.Background()
	s, backend, _ := newTestStore(t)

	in := schema.Defaults()
	in.AllowedHosts = nil
	require.NoError(t, s.Save(ctx, in))

	raw, _, err := backend.Get(ctx, model.SettingsKey)
	require.NoError(t, err)
	require.JSONEq(t, `["power.dat.com"]`, jsonAt(t, raw, "allowedHosts"))

	got, err := s.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, schema.Defaults(), got)
}

func TestRotateToken_LastRotationWins(t *testing.T) {
	ctx := context.Background()
	s, _, cipher := newTestStore(t)

	first, err := s.RotateToken(ctx, "a")
	require.NoError(t, err)
	second, err := s.RotateToken(ctx, "b")
	require.NoError(t, err)
	require.NotEqual(t, first.IV, second.IV)

	got, err := s.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, second, got.TMS.Token)

	plain, ok, err := cipher.Decrypt(ctx, got.TMS.Token)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "b", plain)

	plain, ok, err = s.Token(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "b", plain)
}

func TestRotateToken_KeepsOtherSettings(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t)

	in := schema.Defaults()
	in.Company.Name = "Acme"
	require.NoError(t, s.Save(ctx, in))

	_, err := s.RotateToken(ctx, "secret")
	require.NoError(t, err)

	got, err := s.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, "Acme", got.Company.Name)
	require.NotNil(t, got.TMS.Token)
	require.Equal(t, int64(1_700_000_000_000), got.TMS.Token.CreatedAt)
}

func TestClearToken(t *testing.T) {
	ctx := context.Background()
	s, backend, cipher := newTestStore(t)

	_, err := s.RotateToken(ctx, "secret")
	require.NoError(t, err)
	require.NoError(t, s.ClearToken(ctx))

	got, err := s.Get(ctx)
	require.NoError(t, err)
	require.Nil(t, got.TMS.Token)

	plain, ok, err := cipher.Decrypt(ctx, got.TMS.Token)
	require.NoError(t, err)
	require.False(t, ok)
	require.Empty(t, plain)

	raw, _, err := backend.Get(ctx, model.SettingsKey)
	require.NoError(t, err)
	require.JSONEq(t, `null`, jsonAt(t, raw, "tms", "token"))
}

func jsonAt(t *testing.T, raw []byte, path ...string) string {
	t.Helper()
	var node any
	require.NoError(t, json.Unmarshal(raw, &node))
	for _, p := range path {
		m, ok := node.(map[string]any)
		require.True(t, ok)
		node = m[p]
	}
	out, err := json.Marshal(node)
	require.NoError(t, err)
	return string(out)
}

func TestExportPortable_StripsToken(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t)

	in := schema.Defaults()
	in.TMS.URL = "https://tms.example.com/hook"
	require.NoError(t, s.Save(ctx, in))
	_, err := s.RotateToken(ctx, "secret")
	require.NoError(t, err)

	out, err := s.ExportPortable(ctx)
	require.NoError(t, err)

	raw, err := json.Marshal(out)
	require.NoError(t, err)
	require.JSONEq(t, `{"url":"https://tms.example.com/hook"}`, jsonAt(t, raw, "tms"))
	require.NotContains(t, string(raw), `"ciphertext"`)
	require.NotContains(t, string(raw), `"iv"`)
	require.NotContains(t, string(raw), `"createdAt"`)
}

func TestImportPortable(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t)

	_, err := s.RotateToken(ctx, "secret")
	require.NoError(t, err)

	exported, err := s.ExportPortable(ctx)
	require.NoError(t, err)
	exported.Company.Name = "Imported Co"
	doc, err := json.Marshal(exported)
	require.NoError(t, err)

	got, err := s.ImportPortable(ctx, doc)
	require.NoError(t, err)
	require.Equal(t, "Imported Co", got.Company.Name)
	require.Nil(t, got.TMS.Token)

	stored, err := s.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, got, stored)
}

func TestImportPortable_FullShapeKeepsToken(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t)

	doc := []byte(`{"tms":{"url":"https://x.example","token":{"ciphertext":"YWJj","iv":"AAAAAAAAAAAAAAAA","createdAt":5}}}`)
	got, err := s.ImportPortable(ctx, doc)
	require.NoError(t, err)
	require.Equal(t, &model.EncryptedToken{Ciphertext: "YWJj", IV: "AAAAAAAAAAAAAAAA", CreatedAt: 5}, got.TMS.Token)
}

func TestImportPortable_InvalidIsNotPersisted(t *testing.T) {
	ctx := context.Background()
	s, backend, _ := newTestStore(t)

	_, err := s.ImportPortable(ctx, []byte(`{"identity":{"loginEmail":"nope"}}`))
	require.ErrorIs(t, err, schema.ErrValidationFailed)

	_, ok, err := backend.Get(ctx, model.SettingsKey)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestReplace_OmittedTokenIsKept(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t)

	token, err := s.RotateToken(ctx, "secret")
	require.NoError(t, err)

	got, err := s.Replace(ctx, []byte(`{"company":{"name":"Acme"},"tms":{"url":"https://tms.example.com"}}`))
	require.NoError(t, err)
	require.Equal(t, "Acme", got.Company.Name)
	require.Equal(t, token, got.TMS.Token)

	got, err = s.Replace(ctx, []byte(`{"tms":{"token":null}}`))
	require.NoError(t, err)
	require.Nil(t, got.TMS.Token)
}

func TestReplace_WrongShapedTMSWithStoredToken(t *testing.T) {
	ctx := context.Background()
	s, backend, _ := newTestStore(t)
	_, err := s.RotateToken(ctx, "secret")
	require.NoError(t, err)
	before, _, err := backend.Get(ctx, model.SettingsKey)
	require.NoError(t, err)

	for _, doc := range []string{`{"tms":"bogus"}`, `{"tms":5}`, `{"tms":true}`, `{"tms":[1,2]}`} {
		_, err := s.Replace(ctx, []byte(doc))
		require.ErrorIs(t, err, schema.ErrValidationFailed, doc)

		var verrs *schema.ValidationErrors
		require.ErrorAs(t, err, &verrs, doc)
		require.Equal(t, []string{"tms"}, verrs.Paths(), doc)
	}

	after, _, err := backend.Get(ctx, model.SettingsKey)
	require.NoError(t, err)
	require.Equal(t, before, after)
}

func TestReplace_NullSectionsKeepToken(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t)
	token, err := s.RotateToken(ctx, "secret")
	require.NoError(t, err)

	for _, doc := range []string{`null`, `{"tms":null}`, `{"tms":{"url":null}}`} {
		got, err := s.Replace(ctx, []byte(doc))
		require.NoError(t, err, doc)
		require.Equal(t, token, got.TMS.Token, doc)
	}
}

func TestReplace_RepairsInvalidStoredDocument(t *testing.T) {
	ctx := context.Background()
	s, backend, _ := newTestStore(t)
	_, err := s.RotateToken(ctx, "secret")
	require.NoError(t, err)

	raw, _, err := backend.Get(ctx, model.SettingsKey)
	require.NoError(t, err)
	broken, err := sjson.SetBytes(raw, "operations.deadheadRadius", "far")
	require.NoError(t, err)
	require.NoError(t, backend.Set(ctx, model.SettingsKey, broken))
	_, err = s.Get(ctx)
	require.ErrorIs(t, err, schema.ErrValidationFailed)

	got, err := s.Replace(ctx, []byte(`{"company":{"name":"Fixed"}}`))
	require.NoError(t, err)
	require.Equal(t, "Fixed", got.Company.Name)
	require.Equal(t, float64(50), got.Operations.DeadheadRadius)

	plain, ok, err := s.Token(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "secret", plain)
}

func TestReplace_Invalid(t *testing.T) {
	s, _, _ := newTestStore(t)
	_, err := s.Replace(context.Background(), []byte(`{"tms":{"url":"nope"}}`))
	require.ErrorIs(t, err, schema.ErrValidationFailed)
}

func TestSubscribe(t *testing.T) {
	ctx := context.Background()
	s, backend, _ := newTestStore(t)

	var (
		mu  sync.Mutex
		got []*model.Settings
	)
	unsubscribe := s.Subscribe(func(snap *model.Settings) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, snap)
	})

	in := schema.Defaults()
	in.Company.Name = "Acme"
	require.NoError(t, s.Save(ctx, in))
	// Salt writes and invalid documents are not settings updates.
	require.NoError(t, backend.Set(ctx, model.SaltKey, []byte(`"c2FsdA=="`)))
	require.NoError(t, backend.Set(ctx, model.SettingsKey, []byte(`{"operations":{"deadheadRadius":-1}}`)))

	unsubscribe()
	require.NoError(t, s.Save(ctx, schema.Defaults()))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	require.Equal(t, "Acme", got[0].Company.Name)
}

type failingKV struct {
	kv.Store
}

var errDiskFull = errors.New("disk full")

func (failingKV) Set(context.Context, string, []byte) error { return errDiskFull }

func TestPersistenceFailurePropagates(t *testing.T) {
	backend := failingKV{Store: kv.NewMemory()}
	keys := crypto.NewKeyDeriver(kv.NewMemory(), "id", rand.Reader)
	s := NewSettingsStore(backend, crypto.NewTokenCipher(keys, rand.Reader, nil), nil)

	err := s.Save(context.Background(), schema.Defaults())
	require.ErrorIs(t, err, errDiskFull)

	err = s.ClearToken(context.Background())
	require.ErrorIs(t, err, errDiskFull)
}
