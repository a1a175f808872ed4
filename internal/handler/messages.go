package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/dispatchpilot/internal/background"
	"github.com/dispatchpilot/internal/events"
	"github.com/dispatchpilot/internal/message"
)

type dispatcher interface {
	Handle(ctx context.Context, sender background.Sender, req message.Request) (*background.Response, error)
}

// MessagesHandler is the HTTP face of the messaging boundary: the drawer
// posts one request and gets its result and UI messages back.
type MessagesHandler struct {
	BaseHandler
	dispatcher dispatcher
	hub        *events.Hub
}

func NewMessagesHandler(logger *slog.Logger, d dispatcher, hub *events.Hub) *MessagesHandler {
	return &MessagesHandler{BaseHandler: BaseHandler{Logger: logger}, dispatcher: d, hub: hub}
}

// Post handles POST /api/messages. Request failures that the drawer can
// show (missing contact details, webhook errors) come back with their
// toasts and a non-2xx status.
func (h *MessagesHandler) Post(w http.ResponseWriter, r *http.Request) {
	var input struct {
		Sender  background.Sender `json:"sender"`
		Message json.RawMessage   `json:"message"`
	}
	if err := h.readJSON(w, r, &input); err != nil {
		h.badRequestResponse(w, r, err)
		return
	}
	if len(input.Message) == 0 {
		h.badRequestResponse(w, r, errors.New("message is required"))
		return
	}

	req, err := message.Decode(input.Message)
	if err != nil {
		h.badRequestResponse(w, r, err)
		return
	}

	resp, err := h.dispatcher.Handle(r.Context(), input.Sender, req)
	if err != nil {
		h.actionErrorResponse(w, r, resp, err)
		return
	}
	if err := h.writeJSON(w, http.StatusOK, resp, nil); err != nil {
		h.serverErrorResponse(w, r, err)
	}
}

func (h *MessagesHandler) actionErrorResponse(w http.ResponseWriter, r *http.Request, resp *background.Response, err error) {
	var status int
	switch {
	case errors.Is(err, background.ErrMissingBrokerEmail), errors.Is(err, background.ErrMissingBrokerPhone):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, background.ErrWebhookFailed):
		status = http.StatusBadGateway
	default:
		h.serverErrorResponse(w, r, err)
		return
	}
	h.Logger.Warn("messages: action failed", "err", err)

	var msgs []message.UI
	if resp != nil {
		msgs = resp.Messages
	}
	if err := h.writeJSON(w, status, envelope{"error": err.Error(), "messages": msgs}, nil); err != nil {
		h.serverErrorResponse(w, r, err)
	}
}

// ToggleDrawer asks every connected drawer to open or close.
func (h *MessagesHandler) ToggleDrawer(w http.ResponseWriter, r *http.Request) {
	h.hub.Publish(message.ToggleDrawer{})
	w.WriteHeader(http.StatusAccepted)
}
