package handler

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dispatchpilot/internal/background"
	"github.com/dispatchpilot/internal/clock"
	"github.com/dispatchpilot/internal/crypto"
	"github.com/dispatchpilot/internal/events"
	"github.com/dispatchpilot/internal/kv"
	"github.com/dispatchpilot/internal/message"
	"github.com/dispatchpilot/internal/schema"
	"github.com/dispatchpilot/internal/store"
	"github.com/dispatchpilot/internal/tms"
)

const createdAt = 1_700_000_000_000

type fakeWebhook struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeWebhook) Send(_ context.Context, url, token string, _ tms.Payload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, url+" "+token)
	return f.err
}

type fixture struct {
	settings *store.SettingsStore
	hub      *events.Hub
	webhook  *fakeWebhook
	s        *SettingsHandler
	m        *MessagesHandler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	backend := kv.NewMemory()
	clk := clock.Fake(time.UnixMilli(createdAt))
	cipher := crypto.NewTokenCipher(crypto.NewKeyDeriver(backend, "test", rand.Reader), rand.Reader, clk)
	settings := store.NewSettingsStore(backend, cipher, logger)
	hub := events.NewHub(logger)
	t.Cleanup(hub.Close)
	hook := &fakeWebhook{}

	return &fixture{
		settings: settings,
		hub:      hub,
		webhook:  hook,
		s:        NewSettingsHandler(logger, settings, hub),
		m:        NewMessagesHandler(logger, background.New(settings, hook, clk, logger), hub),
	}
}

func do(h http.HandlerFunc, method, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, "/", strings.NewReader(body))
	rr := httptest.NewRecorder()
	h(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out), rr.Body.String())
	return out
}

func TestSettingsGet_MasksToken(t *testing.T) {
	f := newFixture(t)
	_, err := f.settings.RotateToken(context.Background(), "secret")
	require.NoError(t, err)

	rr := do(f.s.Get, http.MethodGet, "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.NotContains(t, rr.Body.String(), `"ciphertext"`)
	require.NotContains(t, rr.Body.String(), `"iv"`)

	tmsSection := decode(t, rr)["tms"].(map[string]any)
	require.Equal(t, map[string]any{"createdAt": float64(createdAt)}, tmsSection["token"])
}

func TestSettingsUpdate_MaskedTokenRoundTrips(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.settings.RotateToken(ctx, "secret")
	require.NoError(t, err)

	body := do(f.s.Get, http.MethodGet, "").Body.String()
	body = strings.Replace(body, `"name":""`, `"name":"Acme"`, 1)

	rr := do(f.s.Update, http.MethodPut, body)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	got, err := f.settings.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, "Acme", got.Company.Name)

	token, ok, err := f.settings.Token(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "secret", token)
}

func TestSettingsUpdate_ValidationFailure(t *testing.T) {
	f := newFixture(t)

	rr := do(f.s.Update, http.MethodPut, `{"tms":{"url":"nope"},"operations":{"deadheadRadius":900}}`)
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)

	detail := decode(t, rr)["error"].(map[string]any)
	require.Equal(t, schema.ErrValidationFailed.Error(), detail["message"])

	var paths []string
	for _, field := range detail["fields"].([]any) {
		paths = append(paths, field.(map[string]any)["path"].(string))
	}
	require.ElementsMatch(t, []string{"tms.url", "operations.deadheadRadius"}, paths)
}

func TestSettingsUpdate_BadBody(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, http.StatusBadRequest, do(f.s.Update, http.MethodPut, "").Code)
	require.Equal(t, http.StatusBadRequest, do(f.s.Update, http.MethodPut, `{"company":`).Code)
}

func TestSettingsExport(t *testing.T) {
	f := newFixture(t)
	_, err := f.settings.RotateToken(context.Background(), "secret")
	require.NoError(t, err)

	rr := do(f.s.Export, http.MethodGet, "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Header().Get("Content-Disposition"), "dispatcher-settings.json")
	require.NotContains(t, rr.Body.String(), "token")
}

func TestSettingsImport(t *testing.T) {
	f := newFixture(t)

	rr := do(f.s.Import, http.MethodPost, `{"company":{"name":"Imported"},"tms":{"url":"https://tms.example.com"}}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	got, err := f.settings.Get(context.Background())
	require.NoError(t, err)
	require.Equal(t, "Imported", got.Company.Name)

	rr = do(f.s.Import, http.MethodPost, `{"identity":{"loginEmail":"nope"}}`)
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)
}

func TestSettingsToken(t *testing.T) {
	f := newFixture(t)

	require.Equal(t, http.StatusBadRequest, do(f.s.RotateToken, http.MethodPost, `{"token":"  "}`).Code)
	require.Equal(t, http.StatusBadRequest, do(f.s.RotateToken, http.MethodPost, `{"token":"a","extra":1}`).Code)

	rr := do(f.s.RotateToken, http.MethodPost, `{"token":"secret"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `{"token":{"createdAt":1700000000000}}`, rr.Body.String())

	rr = do(f.s.ClearToken, http.MethodDelete, "")
	require.Equal(t, http.StatusNoContent, rr.Code)

	_, ok, err := f.settings.Token(context.Background())
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSettingsEvents_StreamsHubMessages(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(http.HandlerFunc(f.s.Events))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	lines := bufio.NewReader(resp.Body)
	line, err := lines.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, ": connected\n", line)

	open := true
	f.hub.Publish(message.ToggleDrawer{Open: &open})

	line, err = lines.ReadString('\n')
	require.NoError(t, err)
	for line == "\n" {
		line, err = lines.ReadString('\n')
		require.NoError(t, err)
	}
	require.Equal(t, "event: TOGGLE_DRAWER\n", line)
	line, err = lines.ReadString('\n')
	require.NoError(t, err)
	require.JSONEq(t, `{"type":"TOGGLE_DRAWER","open":true}`, strings.TrimPrefix(strings.TrimSpace(line), "data: "))
}

func TestMessagesPost_ComputeRPM(t *testing.T) {
	f := newFixture(t)

	rr := do(f.m.Post, http.MethodPost, `{
		"sender": {"url": "https://power.dat.com/search"},
		"message": {"type": "COMPUTE_RPM", "posting": {"origin": {"city": "Dallas", "state": "TX"}, "destination": {"city": "Atlanta", "state": "GA"}, "totalMileage": 950, "rate": 2500, "broker": {"name": "B"}}}
	}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	out := decode(t, rr)
	require.Equal(t, map[string]any{"rpm": 2.5, "deadhead": float64(50)}, out["result"])
	msgs := out["messages"].([]any)
	require.Len(t, msgs, 2)
	require.Equal(t, "TOAST", msgs[0].(map[string]any)["type"])
	require.Equal(t, "RPM_RESULT", msgs[1].(map[string]any)["type"])
}

func TestMessagesPost_HostBlocked(t *testing.T) {
	f := newFixture(t)

	rr := do(f.m.Post, http.MethodPost, `{"sender":{"url":"https://evil.example"},"message":{"type":"OPEN_TEL","posting":{"broker":{"name":"B","phone":"555"}}}}`)
	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `{"result":null,"messages":[{"type":"HOST_BLOCKED"}]}`, rr.Body.String())
}

func TestMessagesPost_MissingContact(t *testing.T) {
	f := newFixture(t)

	rr := do(f.m.Post, http.MethodPost, `{"sender":{"url":"https://power.dat.com"},"message":{"type":"OPEN_MAILTO","posting":{"broker":{"name":"B"}}}}`)
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	require.Contains(t, rr.Body.String(), "Missing broker email")
}

func TestMessagesPost_WebhookFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := schema.Defaults()
	s.TMS.URL = "https://tms.example.com/hook"
	require.NoError(t, f.settings.Save(ctx, s))
	_, err := f.settings.RotateToken(ctx, "bearer")
	require.NoError(t, err)

	f.webhook.err = errors.New("connection refused")
	rr := do(f.m.Post, http.MethodPost, `{"sender":{"url":"https://power.dat.com"},"message":{"type":"SEND_TMS","posting":{"broker":{"name":"B"}}}}`)
	require.Equal(t, http.StatusBadGateway, rr.Code)
	require.Contains(t, rr.Body.String(), "TMS webhook failed")
	require.Equal(t, []string{"https://tms.example.com/hook bearer"}, f.webhook.calls)
}

func TestMessagesPost_BadRequests(t *testing.T) {
	f := newFixture(t)

	require.Equal(t, http.StatusBadRequest, do(f.m.Post, http.MethodPost, `{"sender":{"url":"x"}}`).Code)
	require.Equal(t, http.StatusBadRequest, do(f.m.Post, http.MethodPost, `{"sender":{},"message":{"type":"COMPUTE_RPM"}}`).Code)
	require.Equal(t, http.StatusBadRequest, do(f.m.Post, http.MethodPost, `not json`).Code)
}

func TestMessagesPost_UnknownTypeIsNoop(t *testing.T) {
	f := newFixture(t)

	rr := do(f.m.Post, http.MethodPost, `{"sender":{},"message":{"type":"SOMETHING_NEW"}}`)
	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `{"result":null,"messages":[]}`, rr.Body.String())
}

func TestToggleDrawer(t *testing.T) {
	f := newFixture(t)
	msgs, cancel := f.hub.Subscribe(1)
	defer cancel()

	rr := do(f.m.ToggleDrawer, http.MethodPost, "")
	require.Equal(t, http.StatusAccepted, rr.Code)
	require.Equal(t, message.ToggleDrawer{}, <-msgs)
}

type pingFunc func(context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestHealth(t *testing.T) {
	rr := do(Health(pingFunc(func(context.Context) error { return nil }), "sqlite"), http.MethodGet, "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `{"status":"ok","store":"sqlite"}`, rr.Body.String())

	rr = do(Health(pingFunc(func(context.Context) error { return errors.New("down") }), "postgres"), http.MethodGet, "")
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
	require.JSONEq(t, `{"status":"degraded","store":"postgres"}`, rr.Body.String())
}
