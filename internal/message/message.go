// Package message defines the messages exchanged between the page-injected
// drawer and the background service. Both directions are closed sets of
// variants keyed by a "type" tag.
package message

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/dispatchpilot/internal/model"
	"github.com/dispatchpilot/internal/posting"
)

// Request tags.
const (
	TypeCheckHost   = "CHECK_HOST"
	TypeComputeRPM  = "COMPUTE_RPM"
	TypeCopyPosting = "COPY_POSTING"
	TypeOpenMailto  = "OPEN_MAILTO"
	TypeOpenTel     = "OPEN_TEL"
	TypeSendTMS     = "SEND_TMS"
	TypeTelemetry   = "TELEMETRY"
)

// UI message tags.
const (
	TypeToggleDrawer    = "TOGGLE_DRAWER"
	TypeToast           = "TOAST"
	TypeHostBlocked     = "HOST_BLOCKED"
	TypeSettingsUpdated = "SETTINGS_UPDATED"
	TypeRPMResult       = "RPM_RESULT"
)

var ErrMalformed = errors.New("message: malformed")

// Request is a message addressed to the background service.
type Request interface {
	Type() string
	isRequest()
}

type CheckHost struct {
	URL string `json:"url"`
}

type ComputeRPM struct {
	Posting posting.Posting `json:"posting"`
}

type CopyPosting struct {
	Posting posting.Posting `json:"posting"`
	AsJSON  bool            `json:"asJson"`
}

type OpenMailto struct {
	Posting posting.Posting `json:"posting"`
}

type OpenTel struct {
	Posting posting.Posting `json:"posting"`
}

type SendTMS struct {
	Posting posting.Posting `json:"posting"`
	Notes   string          `json:"notes,omitempty"`
}

type Telemetry struct {
	Event TelemetryEvent `json:"event"`
}

type TelemetryEvent struct {
	Action     string  `json:"action"`
	DurationMs float64 `json:"durationMs"`
	Success    bool    `json:"success"`
	Timestamp  int64   `json:"timestamp"`
}

var telemetryActions = map[string]bool{
	"compute":       true,
	"copy":          true,
	"email":         true,
	"call":          true,
	"send_tms":      true,
	"toggle_drawer": true,
}

// Unknown stands in for any tag this build does not recognize. Handlers
// treat it as a no-op.
type Unknown struct {
	Tag string
}

func (CheckHost) Type() string   { return TypeCheckHost }
func (ComputeRPM) Type() string  { return TypeComputeRPM }
func (CopyPosting) Type() string { return TypeCopyPosting }
func (OpenMailto) Type() string  { return TypeOpenMailto }
func (OpenTel) Type() string     { return TypeOpenTel }
func (SendTMS) Type() string     { return TypeSendTMS }
func (Telemetry) Type() string   { return TypeTelemetry }
func (u Unknown) Type() string   { return u.Tag }

func (CheckHost) isRequest()   {}
func (ComputeRPM) isRequest()  {}
func (CopyPosting) isRequest() {}
func (OpenMailto) isRequest()  {}
func (OpenTel) isRequest()     {}
func (SendTMS) isRequest()     {}
func (Telemetry) isRequest()   {}
func (Unknown) isRequest()     {}

// Decode parses one request. An unrecognized or missing tag yields
// Unknown; a recognized tag whose fields have the wrong shape is an
// ErrMalformed error.
func Decode(raw []byte) (Request, error) {
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("%w: invalid JSON", ErrMalformed)
	}
	root := gjson.ParseBytes(raw)
	if !root.IsObject() {
		return nil, fmt.Errorf("%w: expected object", ErrMalformed)
	}
	tag := root.Get("type").String()

	switch tag {
	case TypeCheckHost:
		if root.Get("url").Type != gjson.String {
			return nil, fmt.Errorf("%w: %s requires url", ErrMalformed, tag)
		}
		return CheckHost{URL: root.Get("url").Str}, nil
	case TypeComputeRPM:
		return withPosting[ComputeRPM](root, raw)
	case TypeCopyPosting:
		return withPosting[CopyPosting](root, raw)
	case TypeOpenMailto:
		return withPosting[OpenMailto](root, raw)
	case TypeOpenTel:
		return withPosting[OpenTel](root, raw)
	case TypeSendTMS:
		return withPosting[SendTMS](root, raw)
	case TypeTelemetry:
		var m Telemetry
		if !root.Get("event").IsObject() {
			return nil, fmt.Errorf("%w: %s requires event", ErrMalformed, tag)
		}
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if !telemetryActions[m.Event.Action] {
			return nil, fmt.Errorf("%w: unknown telemetry action %q", ErrMalformed, m.Event.Action)
		}
		return m, nil
	default:
		return Unknown{Tag: tag}, nil
	}
}

func withPosting[T Request](root gjson.Result, raw []byte) (Request, error) {
	if !root.Get("posting").IsObject() {
		return nil, fmt.Errorf("%w: %s requires posting", ErrMalformed, root.Get("type").Str)
	}
	var m T
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return m, nil
}

// UI is a message addressed to the drawer. Every variant marshals with
// its "type" tag.
type UI interface {
	Type() string
	isUI()
}

type Variant string

const (
	VariantInfo    Variant = "info"
	VariantSuccess Variant = "success"
	VariantError   Variant = "error"
)

type ToggleDrawer struct {
	Open *bool `json:"open,omitempty"`
}

type Toast struct {
	Variant Variant `json:"variant"`
	Message string  `json:"message"`
}

type HostBlocked struct{}

type SettingsUpdated struct {
	Settings *model.Settings `json:"settings"`
}

type RPMResult struct {
	RPM      float64 `json:"rpm"`
	Deadhead float64 `json:"deadhead"`
}

func (ToggleDrawer) Type() string    { return TypeToggleDrawer }
func (Toast) Type() string           { return TypeToast }
func (HostBlocked) Type() string     { return TypeHostBlocked }
func (SettingsUpdated) Type() string { return TypeSettingsUpdated }
func (RPMResult) Type() string       { return TypeRPMResult }

func (ToggleDrawer) isUI()    {}
func (Toast) isUI()           {}
func (HostBlocked) isUI()     {}
func (SettingsUpdated) isUI() {}
func (RPMResult) isUI()       {}

func (m ToggleDrawer) MarshalJSON() ([]byte, error) {
	type body ToggleDrawer
	return json.Marshal(struct {
		Type string `json:"type"`
		body
	}{m.Type(), body(m)})
}

func (m Toast) MarshalJSON() ([]byte, error) {
	type body Toast
	return json.Marshal(struct {
		Type string `json:"type"`
		body
	}{m.Type(), body(m)})
}

func (m HostBlocked) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type string `json:"type"`
	}{m.Type()})
}

func (m SettingsUpdated) MarshalJSON() ([]byte, error) {
	type body SettingsUpdated
	return json.Marshal(struct {
		Type string `json:"type"`
		body
	}{m.Type(), body(m)})
}

func (m RPMResult) MarshalJSON() ([]byte, error) {
	type body RPMResult
	return json.Marshal(struct {
		Type string `json:"type"`
		body
	}{m.Type(), body(m)})
}

func ErrorToast(msg string) Toast   { return Toast{Variant: VariantError, Message: msg} }
func SuccessToast(msg string) Toast { return Toast{Variant: VariantSuccess, Message: msg} }
