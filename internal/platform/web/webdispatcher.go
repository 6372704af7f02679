// Package web dispatches notifications over the Web Push protocol.
package web

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/tinywideclouds/go-platform/pkg/notification/v1"

	"github.com/tinywideclouds/werd-notification-service/internal/vapid"
	"github.com/tinywideclouds/werd-notification-service/notificationservice/config"
	"github.com/tinywideclouds/werd-notification-service/pkg/notify"
)

const sendTimeout = 10 * time.Second

// Dispatcher sends to browser push services, authenticating each request
// with a VAPID token scoped to that request's push-service origin.
//
// Two payload modes exist. The default posts the plaintext JSON body the
// original deployment's service worker expects. With EncryptPayloads set,
// the payload is wrapped in RFC 8291 aes128gcm via webpush-go instead,
// which strict browser targets require.
type Dispatcher struct {
	signer     *vapid.Signer
	subscriber string
	privateKey string
	publicKey  string
	ttl        int
	encrypt    bool
	logger     *slog.Logger
	httpClient *http.Client
}

// NewDispatcher parses the VAPID key pair up front so bad key material fails
// at startup, not per send.
func NewDispatcher(vapidCfg config.VapidConfig, pushCfg config.WebPushConfig, logger *slog.Logger) (*Dispatcher, error) {
	signer, err := vapid.NewSigner(vapidCfg.PrivateKey, vapidCfg.PublicKey, vapidCfg.SubscriberEmail)
	if err != nil {
		return nil, err
	}

	ttl := pushCfg.TTLSeconds
	if ttl <= 0 {
		ttl = 60
	}

	return &Dispatcher{
		signer:     signer,
		subscriber: vapidCfg.SubscriberEmail,
		privateKey: vapidCfg.PrivateKey,
		publicKey:  vapidCfg.PublicKey,
		ttl:        ttl,
		encrypt:    pushCfg.EncryptPayloads,
		logger:     logger.With("component", "WebPushDispatcher"),
		httpClient: &http.Client{Timeout: sendTimeout},
	}, nil
}

// Dispatch sends to every endpoint concurrently. Each send writes its own
// outcome slot; one endpoint's failure never aborts another's send, and the
// call returns only once every send has completed.
func (d *Dispatcher) Dispatch(
	ctx context.Context,
	endpoints []notify.Endpoint,
	content notification.NotificationContent,
) ([]notify.Outcome, error) {
	payload, err := json.Marshal(map[string]string{
		"title": content.Title,
		"body":  content.Body,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	outcomes := make([]notify.Outcome, len(endpoints))
	var wg sync.WaitGroup
	for i, ep := range endpoints {
		wg.Add(1)
		go func(i int, ep notify.Endpoint) {
			defer wg.Done()
			outcomes[i] = d.send(ctx, ep, payload)
		}(i, ep)
	}
	wg.Wait()

	return outcomes, nil
}

func (d *Dispatcher) send(ctx context.Context, ep notify.Endpoint, payload []byte) notify.Outcome {
	if ep.Subscription == nil || ep.Subscription.Endpoint == "" {
		return notify.Outcome{Endpoint: ep, Status: notify.PermanentlyInvalid, Reason: "missing subscription"}
	}

	var (
		status int
		err    error
	)
	if d.encrypt {
		status, err = d.sendEncrypted(ctx, ep, payload)
	} else {
		status, err = d.sendPlain(ctx, ep, payload)
	}
	if err != nil {
		// Transport error (DNS, timeout). Keep the endpoint.
		d.logger.Error("WebPush transport error", "endpoint", ep.Subscription.Endpoint, "err", err)
		return notify.Outcome{Endpoint: ep, Status: notify.TransientFailure, Reason: err.Error()}
	}

	switch status {
	case http.StatusOK, http.StatusCreated:
		return notify.Outcome{Endpoint: ep, Status: notify.Delivered}
	case http.StatusNotFound, http.StatusGone:
		// The push service confirms the subscription no longer exists.
		return notify.Outcome{Endpoint: ep, Status: notify.PermanentlyInvalid, Reason: strconv.Itoa(status)}
	default:
		d.logger.Warn("WebPush rejected", "status", status, "endpoint", ep.Subscription.Endpoint)
		return notify.Outcome{Endpoint: ep, Status: notify.TransientFailure, Reason: strconv.Itoa(status)}
	}
}

// sendPlain posts the JSON body directly, authenticated with a token scoped
// to the push service's own origin. Using the application's origin as the
// audience instead is the classic mistake that makes every send bounce.
func (d *Dispatcher) sendPlain(ctx context.Context, ep notify.Endpoint, payload []byte) (int, error) {
	target, err := url.Parse(ep.Subscription.Endpoint)
	if err != nil || target.Host == "" {
		return 0, fmt.Errorf("bad subscription endpoint: %q", ep.Subscription.Endpoint)
	}
	audience := target.Scheme + "://" + target.Host

	tok, err := d.signer.Sign(audience)
	if err != nil {
		return 0, fmt.Errorf("vapid sign: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.Subscription.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Authorization", tok.AuthorizationHeader())
	req.Header.Set("TTL", strconv.Itoa(d.ttl))
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode, nil
}

// sendEncrypted delegates the full RFC 8291 + RFC 8292 exchange to
// webpush-go.
func (d *Dispatcher) sendEncrypted(ctx context.Context, ep notify.Endpoint, payload []byte) (int, error) {
	sub := &webpush.Subscription{
		Endpoint: ep.Subscription.Endpoint,
		Keys: webpush.Keys{
			P256dh: base64.RawURLEncoding.EncodeToString(ep.Subscription.Keys.P256dh),
			Auth:   base64.RawURLEncoding.EncodeToString(ep.Subscription.Keys.Auth),
		},
	}

	resp, err := webpush.SendNotificationWithContext(ctx, payload, sub, &webpush.Options{
		Subscriber:      d.subscriber,
		VAPIDPublicKey:  d.publicKey,
		VAPIDPrivateKey: d.privateKey,
		TTL:             d.ttl,
		HTTPClient:      d.httpClient,
	})
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode, nil
}
