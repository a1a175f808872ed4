package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/dispatchpilot/internal/events"
	"github.com/dispatchpilot/internal/model"
)

type settingsStore interface {
	Get(ctx context.Context) (*model.Settings, error)
	Replace(ctx context.Context, doc []byte) (*model.Settings, error)
	ExportPortable(ctx context.Context) (*model.PortableSettings, error)
	ImportPortable(ctx context.Context, doc []byte) (*model.Settings, error)
	RotateToken(ctx context.Context, plaintext string) (*model.EncryptedToken, error)
	ClearToken(ctx context.Context) error
}

// SettingsHandler serves the settings API used by the options page.
type SettingsHandler struct {
	BaseHandler
	settings  settingsStore
	hub       *events.Hub
	keepAlive time.Duration
}

func NewSettingsHandler(logger *slog.Logger, settings settingsStore, hub *events.Hub) *SettingsHandler {
	return &SettingsHandler{
		BaseHandler: BaseHandler{Logger: logger},
		settings:    settings,
		hub:         hub,
		keepAlive:   25 * time.Second,
	}
}

// Get returns the current settings. The encrypted token is replaced by its
// creation time so the page can show that one is set.
func (h *SettingsHandler) Get(w http.ResponseWriter, r *http.Request) {
	s, err := h.settings.Get(r.Context())
	if err != nil {
		h.storeErrorResponse(w, r, err)
		return
	}
	h.writeSettings(w, r, s)
}

// Update replaces the settings. A body without tms.token keeps the stored
// token; use the token endpoints to change it.
func (h *SettingsHandler) Update(w http.ResponseWriter, r *http.Request) {
	doc, err := h.readRaw(w, r)
	if err != nil {
		h.badRequestResponse(w, r, err)
		return
	}
	// The masked token from Get carries no ciphertext; sending it back
	// means "unchanged".
	if t := gjson.GetBytes(doc, "tms.token"); t.IsObject() && !t.Get("ciphertext").Exists() {
		if doc, err = sjson.DeleteBytes(doc, "tms.token"); err != nil {
			h.badRequestResponse(w, r, err)
			return
		}
	}
	s, err := h.settings.Replace(r.Context(), doc)
	if err != nil {
		h.storeErrorResponse(w, r, err)
		return
	}
	h.writeSettings(w, r, s)
}

func (h *SettingsHandler) Export(w http.ResponseWriter, r *http.Request) {
	p, err := h.settings.ExportPortable(r.Context())
	if err != nil {
		h.storeErrorResponse(w, r, err)
		return
	}
	headers := http.Header{}
	headers.Set("Content-Disposition", `attachment; filename="dispatcher-settings.json"`)
	if err := h.writeJSON(w, http.StatusOK, p, headers); err != nil {
		h.serverErrorResponse(w, r, err)
	}
}

func (h *SettingsHandler) Import(w http.ResponseWriter, r *http.Request) {
	doc, err := h.readRaw(w, r)
	if err != nil {
		h.badRequestResponse(w, r, err)
		return
	}
	s, err := h.settings.ImportPortable(r.Context(), doc)
	if err != nil {
		h.storeErrorResponse(w, r, err)
		return
	}
	h.writeSettings(w, r, s)
}

// RotateToken encrypts and stores a new TMS bearer token.
func (h *SettingsHandler) RotateToken(w http.ResponseWriter, r *http.Request) {
	var input struct {
		Token string `json:"token"`
	}
	if err := h.readJSON(w, r, &input); err != nil {
		h.badRequestResponse(w, r, err)
		return
	}
	if strings.TrimSpace(input.Token) == "" {
		h.badRequestResponse(w, r, errors.New("token must not be empty"))
		return
	}

	t, err := h.settings.RotateToken(r.Context(), input.Token)
	if err != nil {
		h.storeErrorResponse(w, r, err)
		return
	}
	if err := h.writeJSON(w, http.StatusOK, envelope{"token": tokenInfo{CreatedAt: t.CreatedAt}}, nil); err != nil {
		h.serverErrorResponse(w, r, err)
	}
}

func (h *SettingsHandler) ClearToken(w http.ResponseWriter, r *http.Request) {
	if err := h.settings.ClearToken(r.Context()); err != nil {
		h.storeErrorResponse(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Events streams UI messages (settings changes, drawer toggles) as
// server-sent events until the client goes away.
func (h *SettingsHandler) Events(w http.ResponseWriter, r *http.Request) {
	rc := http.NewResponseController(w)
	// Streams outlive the server's write timeout.
	if err := rc.SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		h.serverErrorResponse(w, r, err)
		return
	}

	msgs, cancel := h.hub.Subscribe(16)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	if err := rc.Flush(); err != nil {
		h.logError(r, err)
		return
	}

	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			if err := rc.Flush(); err != nil {
				return
			}
		case m, ok := <-msgs:
			if !ok {
				return
			}
			data, err := json.Marshal(m)
			if err != nil {
				h.logError(r, err)
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", m.Type(), data)
			if err := rc.Flush(); err != nil {
				return
			}
		}
	}
}

type tokenInfo struct {
	CreatedAt int64 `json:"createdAt"`
}

func (h *SettingsHandler) writeSettings(w http.ResponseWriter, r *http.Request, s *model.Settings) {
	raw, err := MaskedSettings(s)
	if err != nil {
		h.serverErrorResponse(w, r, err)
		return
	}
	if err := h.writeJSON(w, http.StatusOK, json.RawMessage(raw), nil); err != nil {
		h.serverErrorResponse(w, r, err)
	}
}

// MaskedSettings encodes s with the token ciphertext and IV removed.
func MaskedSettings(s *model.Settings) ([]byte, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	if s.TMS.Token == nil {
		return raw, nil
	}
	return sjson.SetBytes(raw, "tms.token", tokenInfo{CreatedAt: s.TMS.Token.CreatedAt})
}
