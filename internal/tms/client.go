// Package tms forwards postings to the carrier's dispatch system webhook.
package tms

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dispatchpilot/internal/model"
	"github.com/dispatchpilot/internal/posting"
)

const (
	DefaultTimeout = 8 * time.Second

	// Source identifies the marketplace the record came from.
	Source = "DAT"

	maxErrorBody = 4 << 10
)

var ErrInsecureURL = errors.New("tms: webhook must use https")

// StatusError is returned when the webhook answers with a non-2xx status.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("tms: webhook returned HTTP %d", e.Status)
}

type Company struct {
	Name        string `json:"name"`
	MC          string `json:"mc"`
	Phone       string `json:"phone"`
	SenderEmail string `json:"senderEmail"`
}

// Payload is the JSON body posted to the webhook.
type Payload struct {
	Source  string          `json:"source"`
	Record  posting.Posting `json:"record"`
	Company Company         `json:"company"`
	Notes   string          `json:"notes,omitempty"`
}

// NewPayload assembles the webhook body for one posting.
func NewPayload(p posting.Posting, s *model.Settings, notes string) Payload {
	return Payload{
		Source: Source,
		Record: p,
		Company: Company{
			Name:        s.Company.Name,
			MC:          s.Company.MC,
			Phone:       s.Company.Phone,
			SenderEmail: s.Identity.SenderEmail,
		},
		Notes: notes,
	}
}

type Client struct {
	http    *http.Client
	timeout time.Duration
}

// NewClient returns a client with its own TLS 1.2+ transport. A nil
// httpClient or zero timeout selects the defaults.
func NewClient(httpClient *http.Client, timeout time.Duration) *Client {
	if httpClient == nil {
		httpClient = &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        10,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 5 * time.Second,
				TLSClientConfig:     &tls.Config{MinVersion: tls.VersionTLS12},
			},
		}
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{http: httpClient, timeout: timeout}
}

// Send posts payload to url. The bearer token is attached when non-empty.
// The whole exchange is bounded by the client timeout.
func (c *Client) Send(ctx context.Context, url, token string, payload Payload) error {
	if !strings.HasPrefix(url, "https://") {
		return ErrInsecureURL
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("tms: encode payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("tms: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("tms: post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{Status: resp.StatusCode, Body: string(snippet)}
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
	return nil
}
