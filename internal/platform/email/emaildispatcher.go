// Package email dispatches goal notifications through the Resend REST API.
package email

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/tinywideclouds/go-platform/pkg/notification/v1"

	"github.com/tinywideclouds/werd-notification-service/notificationservice/config"
	"github.com/tinywideclouds/werd-notification-service/pkg/notify"
)

const (
	defaultEndpoint = "https://api.resend.com/emails"
	sendTimeout     = 10 * time.Second
)

// bodyTemplate is the RTL layout the original deployment sends. The first
// verb is the notification body, the second the app link.
const bodyTemplate = `<div style="font-family:sans-serif;direction:rtl;text-align:right;max-width:480px;margin:auto;padding:24px">
  <h2 style="color:#059669">🎉 تهانينا!</h2>
  <p style="font-size:16px">%s</p>
  <p style="color:#6b7280;font-size:14px">هل أتممت هدفك اليوم أيضاً؟ افتح التطبيق وسجّل قراءتك.</p>
  <a href="%s" style="display:inline-block;background:#059669;color:#fff;padding:12px 24px;border-radius:8px;text-decoration:none;font-weight:bold;margin-top:16px">افتح وِرْدٌ</a>
</div>`

type sendRequest struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Subject string `json:"subject"`
	HTML    string `json:"html"`
}

// Dispatcher sends one email per endpoint through Resend. Email addresses
// are never pruned; there is no "gone" signal on this channel, so failures
// are at most transient.
type Dispatcher struct {
	apiKey     string
	from       string
	appURL     string
	endpoint   string
	logger     *slog.Logger
	httpClient *http.Client
}

func NewDispatcher(cfg config.EmailConfig, logger *slog.Logger) *Dispatcher {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	return &Dispatcher{
		apiKey:     cfg.APIKey,
		from:       cfg.From,
		appURL:     cfg.AppURL,
		endpoint:   endpoint,
		logger:     logger.With("component", "EmailDispatcher"),
		httpClient: &http.Client{Timeout: sendTimeout},
	}
}

// Dispatch sends to every address concurrently. A rejected API key is a
// channel-level failure: every outcome stays TransientFailure and an error
// is returned so the caller treats the whole channel as down.
func (d *Dispatcher) Dispatch(
	ctx context.Context,
	endpoints []notify.Endpoint,
	content notification.NotificationContent,
) ([]notify.Outcome, error) {
	outcomes := make([]notify.Outcome, len(endpoints))

	var (
		wg           sync.WaitGroup
		mu           sync.Mutex
		unauthorized bool
	)
	for i, ep := range endpoints {
		wg.Add(1)
		go func(i int, ep notify.Endpoint) {
			defer wg.Done()
			outcome, badCredential := d.send(ctx, ep, content)
			outcomes[i] = outcome
			if badCredential {
				mu.Lock()
				unauthorized = true
				mu.Unlock()
			}
		}(i, ep)
	}
	wg.Wait()

	if unauthorized {
		return outcomes, fmt.Errorf("resend rejected the api key")
	}
	return outcomes, nil
}

func (d *Dispatcher) send(ctx context.Context, ep notify.Endpoint, content notification.NotificationContent) (notify.Outcome, bool) {
	if ep.Address == "" {
		return notify.Outcome{Endpoint: ep, Status: notify.TransientFailure, Reason: "missing address"}, false
	}

	body, err := json.Marshal(sendRequest{
		From:    d.from,
		To:      ep.Address,
		Subject: content.Title,
		HTML:    fmt.Sprintf(bodyTemplate, content.Body, d.appURL),
	})
	if err != nil {
		return notify.Outcome{Endpoint: ep, Status: notify.TransientFailure, Reason: err.Error()}, false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, bytes.NewReader(body))
	if err != nil {
		return notify.Outcome{Endpoint: ep, Status: notify.TransientFailure, Reason: err.Error()}, false
	}
	req.Header.Set("Authorization", "Bearer "+d.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		d.logger.Error("Email transport error", "to", ep.Address, "err", err)
		return notify.Outcome{Endpoint: ep, Status: notify.TransientFailure, Reason: err.Error()}, false
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return notify.Outcome{Endpoint: ep, Status: notify.Delivered}, false
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return notify.Outcome{Endpoint: ep, Status: notify.TransientFailure, Reason: strconv.Itoa(resp.StatusCode)}, true
	default:
		d.logger.Warn("Email rejected", "status", resp.StatusCode, "to", ep.Address)
		return notify.Outcome{Endpoint: ep, Status: notify.TransientFailure, Reason: strconv.Itoa(resp.StatusCode)}, false
	}
}
