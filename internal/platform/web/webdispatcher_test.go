package web_test

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tinywideclouds/go-platform/pkg/notification/v1"

	"github.com/tinywideclouds/werd-notification-service/internal/platform/web"
	"github.com/tinywideclouds/werd-notification-service/notificationservice/config"
	"github.com/tinywideclouds/werd-notification-service/pkg/notify"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testVapidConfig(t *testing.T) config.VapidConfig {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	scalar := make([]byte, 32)
	key.D.FillBytes(scalar)
	point := make([]byte, 65)
	point[0] = 0x04
	key.X.FillBytes(point[1:33])
	key.Y.FillBytes(point[33:65])

	return config.VapidConfig{
		PrivateKey:      base64.RawURLEncoding.EncodeToString(scalar),
		PublicKey:       base64.RawURLEncoding.EncodeToString(point),
		SubscriberEmail: "mailto:ops@werd.app",
	}
}

func subFor(endpoint string) *notification.WebPushSubscription {
	return &notification.WebPushSubscription{
		Endpoint: endpoint,
		Keys: struct {
			P256dh []byte `json:"p256dh"`
			Auth   []byte `json:"auth"`
		}{P256dh: []byte("p256dh-key"), Auth: []byte("auth-secret")},
	}
}

func TestDispatch_Lifecycle(t *testing.T) {
	// Fake push service. Routes by path, records the auth/TTL headers and
	// the body of successful sends.
	var mu sync.Mutex
	var seenBodies []string
	mockServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasPrefix(r.Header.Get("Authorization"), "vapid t="))
		assert.Equal(t, "60", r.Header.Get("TTL"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		seenBodies = append(seenBodies, string(body))
		mu.Unlock()

		switch r.URL.Path {
		case "/success":
			w.WriteHeader(http.StatusCreated)
		case "/expired":
			w.WriteHeader(http.StatusGone)
		case "/error":
			w.WriteHeader(http.StatusInternalServerError)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer mockServer.Close()

	dispatcher, err := web.NewDispatcher(testVapidConfig(t), config.WebPushConfig{}, newTestLogger())
	require.NoError(t, err)

	endpoints := []notify.Endpoint{
		{Channel: notify.ChannelWebPush, GroupID: "g1", Subscription: subFor(mockServer.URL + "/success")},
		{Channel: notify.ChannelWebPush, GroupID: "g1", Subscription: subFor(mockServer.URL + "/expired")},
		{Channel: notify.ChannelWebPush, GroupID: "g1", Subscription: subFor(mockServer.URL + "/error")},
	}
	content := notification.NotificationContent{Title: "الْوِرْدُ الْقُرْآنِيُّ", Body: "🎉 Sara أتمّ الهدف في Fajr Circle!"}

	outcomes, err := dispatcher.Dispatch(context.Background(), endpoints, content)

	require.NoError(t, err) // 410/500 are outcomes, not errors
	require.Len(t, outcomes, 3)

	assert.Equal(t, notify.Delivered, outcomes[0].Status)
	assert.Equal(t, notify.PermanentlyInvalid, outcomes[1].Status)
	assert.Equal(t, notify.TransientFailure, outcomes[2].Status)

	// Outcomes identify the endpoints they belong to, in input order.
	assert.Equal(t, mockServer.URL+"/expired", outcomes[1].Endpoint.Identity())

	// Plaintext mode sends the JSON body the service worker parses.
	var payload map[string]string
	require.NoError(t, json.Unmarshal([]byte(seenBodies[0]), &payload))
	assert.Equal(t, content.Title, payload["title"])
	assert.Equal(t, content.Body, payload["body"])
}

func TestDispatch_TransportFailureIsTransient(t *testing.T) {
	dispatcher, err := web.NewDispatcher(testVapidConfig(t), config.WebPushConfig{}, newTestLogger())
	require.NoError(t, err)

	// Closed port: connection refused.
	endpoints := []notify.Endpoint{
		{Channel: notify.ChannelWebPush, Subscription: subFor("http://127.0.0.1:1/push")},
	}

	outcomes, err := dispatcher.Dispatch(context.Background(), endpoints, notification.NotificationContent{Title: "t"})
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, notify.TransientFailure, outcomes[0].Status)
}

func TestDispatch_EncryptedHonorsCancellation(t *testing.T) {
	var hits atomic.Int32
	mockServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusCreated)
	}))
	defer mockServer.Close()

	dispatcher, err := web.NewDispatcher(testVapidConfig(t), config.WebPushConfig{EncryptPayloads: true}, newTestLogger())
	require.NoError(t, err)

	// Encryption needs a genuine browser key pair, unlike plaintext mode.
	browserKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	point := make([]byte, 65)
	point[0] = 0x04
	browserKey.X.FillBytes(point[1:33])
	browserKey.Y.FillBytes(point[33:65])
	auth := make([]byte, 16)
	_, err = rand.Read(auth)
	require.NoError(t, err)

	sub := &notification.WebPushSubscription{
		Endpoint: mockServer.URL + "/push",
		Keys: struct {
			P256dh []byte `json:"p256dh"`
			Auth   []byte `json:"auth"`
		}{P256dh: point, Auth: auth},
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	outcomes, err := dispatcher.Dispatch(ctx,
		[]notify.Endpoint{{Channel: notify.ChannelWebPush, Subscription: sub}},
		notification.NotificationContent{Title: "t"})
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, notify.TransientFailure, outcomes[0].Status)
	assert.Contains(t, outcomes[0].Reason, "context canceled")
	assert.Zero(t, hits.Load())
}

func TestDispatch_MissingSubscriptionIsInvalid(t *testing.T) {
	dispatcher, err := web.NewDispatcher(testVapidConfig(t), config.WebPushConfig{}, newTestLogger())
	require.NoError(t, err)

	outcomes, err := dispatcher.Dispatch(context.Background(),
		[]notify.Endpoint{{Channel: notify.ChannelWebPush}},
		notification.NotificationContent{Title: "t"})
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, notify.PermanentlyInvalid, outcomes[0].Status)
}

func TestNewDispatcher_RejectsBadKeys(t *testing.T) {
	_, err := web.NewDispatcher(config.VapidConfig{
		PrivateKey:      "not-a-key",
		PublicKey:       "also-not-a-key",
		SubscriberEmail: "mailto:ops@werd.app",
	}, config.WebPushConfig{}, newTestLogger())
	require.Error(t, err)
	assert.ErrorIs(t, err, notify.ErrCrypto)
}
