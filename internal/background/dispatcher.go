// Package background executes drawer requests against the current settings
// and answers with the UI messages the drawer should show.
package background

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dispatchpilot/internal/clock"
	"github.com/dispatchpilot/internal/hostmatch"
	"github.com/dispatchpilot/internal/mailer"
	"github.com/dispatchpilot/internal/message"
	"github.com/dispatchpilot/internal/model"
	"github.com/dispatchpilot/internal/posting"
	"github.com/dispatchpilot/internal/tms"
)

var (
	ErrMissingBrokerEmail = errors.New("background: posting has no broker email")
	ErrMissingBrokerPhone = errors.New("background: posting has no broker phone")
	ErrWebhookFailed      = errors.New("background: tms webhook failed")
)

type settingsSource interface {
	Get(ctx context.Context) (*model.Settings, error)
	Token(ctx context.Context) (string, bool, error)
}

type webhook interface {
	Send(ctx context.Context, url, token string, payload tms.Payload) error
}

// Sender identifies the page a request came from.
type Sender struct {
	URL string `json:"url"`
}

// Response carries the request's result plus the UI messages to deliver
// back to the sending page.
type Response struct {
	Result   any          `json:"result"`
	Messages []message.UI `json:"messages"`
}

func (r *Response) send(m message.UI) {
	r.Messages = append(r.Messages, m)
}

// LinkResult is the result of OPEN_MAILTO and OPEN_TEL: the page opens the
// URL itself.
type LinkResult struct {
	URL string `json:"url"`
}

// CopyResult is the clipboard text for COPY_POSTING.
type CopyResult struct {
	Text string `json:"text"`
}

type Dispatcher struct {
	settings settingsSource
	webhook  webhook
	clock    clock.Clock
	logger   *slog.Logger
}

func New(settings settingsSource, hook webhook, clk clock.Clock, logger *slog.Logger) *Dispatcher {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{settings: settings, webhook: hook, clock: clk, logger: logger}
}

// Handle runs one request. Every request reads a fresh settings snapshot.
// When an error is returned the Response still holds any messages produced
// before the failure.
func (d *Dispatcher) Handle(ctx context.Context, sender Sender, req message.Request) (*Response, error) {
	resp := &Response{Messages: []message.UI{}}

	settings, err := d.settings.Get(ctx)
	if err != nil {
		return resp, fmt.Errorf("background: load settings: %w", err)
	}

	switch m := req.(type) {
	case message.CheckHost:
		resp.Result = hostmatch.IsAllowed(m.URL, settings.AllowedHosts)
		return resp, nil
	case message.Telemetry:
		if settings.TelemetryEnabled {
			d.logger.Info("telemetry",
				"action", m.Event.Action,
				"durationMs", m.Event.DurationMs,
				"success", m.Event.Success,
				"timestamp", m.Event.Timestamp,
			)
		}
		return resp, nil
	case message.Unknown:
		d.logger.Debug("background: ignoring unknown message", "type", m.Tag)
		return resp, nil
	}

	if !d.ensureAllowed(sender, settings, resp) {
		return resp, nil
	}

	switch m := req.(type) {
	case message.ComputeRPM:
		d.computeRPM(m.Posting, settings, resp)
	case message.CopyPosting:
		return resp, d.copyPosting(m, resp)
	case message.OpenMailto:
		return resp, d.openMailto(m.Posting, settings, resp)
	case message.OpenTel:
		return resp, d.openTel(m.Posting, resp)
	case message.SendTMS:
		return resp, d.sendTMS(ctx, m, settings, resp)
	}
	return resp, nil
}

func (d *Dispatcher) ensureAllowed(sender Sender, settings *model.Settings, resp *Response) bool {
	if sender.URL == "" {
		resp.send(message.ErrorToast("Missing tab URL for action"))
		return false
	}
	if !hostmatch.IsAllowed(sender.URL, settings.AllowedHosts) {
		resp.send(message.HostBlocked{})
		return false
	}
	return true
}

func (d *Dispatcher) computeRPM(p posting.Posting, settings *model.Settings, resp *Response) {
	deadhead := settings.Operations.DeadheadRadius
	rpm, ok := posting.ComputeRPM(p, deadhead)
	if !ok {
		resp.send(message.ErrorToast("Rate and miles required for RPM"))
		return
	}
	resp.Result = message.RPMResult{RPM: rpm, Deadhead: deadhead}
	resp.send(message.SuccessToast(fmt.Sprintf("RPM %.2f", rpm)))
	resp.send(message.RPMResult{RPM: rpm, Deadhead: deadhead})
}

func (d *Dispatcher) copyPosting(m message.CopyPosting, resp *Response) error {
	if !m.AsJSON {
		resp.Result = CopyResult{Text: posting.FormatText(m.Posting)}
		resp.send(message.SuccessToast("Posting copied"))
		return nil
	}
	raw, err := json.MarshalIndent(m.Posting, "", "  ")
	if err != nil {
		return fmt.Errorf("background: encode posting: %w", err)
	}
	resp.Result = CopyResult{Text: string(raw)}
	resp.send(message.SuccessToast("Posting JSON copied"))
	return nil
}

func (d *Dispatcher) openMailto(p posting.Posting, settings *model.Settings, resp *Response) error {
	if p.Broker.Email == "" {
		resp.send(message.ErrorToast("Missing broker email"))
		return ErrMissingBrokerEmail
	}
	resp.Result = LinkResult{URL: mailer.BuildMailto(p, settings, d.clock.Now())}
	return nil
}

func (d *Dispatcher) openTel(p posting.Posting, resp *Response) error {
	if p.Broker.Phone == "" {
		resp.send(message.ErrorToast("Missing broker phone"))
		return ErrMissingBrokerPhone
	}
	resp.Result = LinkResult{URL: mailer.BuildTel(p.Broker.Phone)}
	return nil
}

func (d *Dispatcher) sendTMS(ctx context.Context, m message.SendTMS, settings *model.Settings, resp *Response) error {
	url := settings.TMS.URL
	if url == "" {
		resp.send(message.ErrorToast("Add a TMS webhook URL in Options"))
		return nil
	}
	if !strings.HasPrefix(url, "https://") {
		resp.send(message.ErrorToast("TMS webhook must use HTTPS"))
		return nil
	}

	token, _, err := d.settings.Token(ctx)
	if err != nil {
		return err
	}

	payload := tms.NewPayload(m.Posting, settings, m.Notes)
	if err := d.webhook.Send(ctx, url, token, payload); err != nil {
		resp.send(message.ErrorToast("TMS webhook failed"))
		return fmt.Errorf("%w: %w", ErrWebhookFailed, err)
	}
	d.logger.Info("background: posting sent to tms", "posting", m.Posting.ID)
	resp.send(message.SuccessToast("Posted to TMS"))
	return nil
}
