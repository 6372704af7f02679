// Package fcm dispatches notifications through Firebase Cloud Messaging.
package fcm

import (
	"context"
	"fmt"
	"log/slog"

	"firebase.google.com/go/v4/messaging"
	"github.com/tinywideclouds/go-platform/pkg/notification/v1"

	"github.com/tinywideclouds/werd-notification-service/pkg/notify"
)

// multicastLimit is FCM's hard cap on tokens per multicast call.
const multicastLimit = 500

// MessagingClient defines the subset of the Firebase Messaging API we use.
// This interface allows us to mock the client for unit testing.
type MessagingClient interface {
	SendEachForMulticast(ctx context.Context, msg *messaging.MulticastMessage) (*messaging.BatchResponse, error)
}

type Dispatcher struct {
	client MessagingClient
	logger *slog.Logger
}

// NewDispatcher accepts the concrete client but stores it as the interface.
// *messaging.Client satisfies MessagingClient.
func NewDispatcher(client MessagingClient, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		client: client,
		logger: logger.With("component", "FCMDispatcher"),
	}
}

// Dispatch sends to every token, chunking into multicast calls of at most
// 500 and concatenating results in input order: exactly one outcome per
// endpoint, always.
//
// A chunk-level transport or credential failure marks that chunk and every
// remaining token TransientFailure and surfaces a channel-level error, so
// the caller knows not to treat those outcomes as token verdicts.
func (d *Dispatcher) Dispatch(
	ctx context.Context,
	endpoints []notify.Endpoint,
	content notification.NotificationContent,
) ([]notify.Outcome, error) {
	outcomes := make([]notify.Outcome, len(endpoints))
	if len(endpoints) == 0 {
		return outcomes, nil
	}

	tokens := make([]string, len(endpoints))
	for i, ep := range endpoints {
		tokens[i] = ep.Token
	}

	for start := 0; start < len(tokens); start += multicastLimit {
		end := start + multicastLimit
		if end > len(tokens) {
			end = len(tokens)
		}
		chunk := tokens[start:end]

		msg := &messaging.MulticastMessage{
			Tokens: chunk,
			Notification: &messaging.Notification{
				Title: content.Title,
				Body:  content.Body,
			},
			Android: &messaging.AndroidConfig{
				Priority: "high",
				Notification: &messaging.AndroidNotification{
					Sound: "default",
				},
			},
		}

		br, err := d.client.SendEachForMulticast(ctx, msg)
		if err != nil {
			// Whole-call failure: auth, quota, network. No token verdicts
			// exist, so nothing here may be pruned.
			for i := start; i < len(endpoints); i++ {
				outcomes[i] = notify.Outcome{
					Endpoint: endpoints[i],
					Status:   notify.TransientFailure,
					Reason:   "fcm transport failed",
				}
			}
			return outcomes, fmt.Errorf("fcm transport failed: %w", err)
		}

		for idx, resp := range br.Responses {
			ep := endpoints[start+idx]
			switch {
			case resp.Success:
				outcomes[start+idx] = notify.Outcome{Endpoint: ep, Status: notify.Delivered}
			case messaging.IsRegistrationTokenNotRegistered(resp.Error), messaging.IsInvalidArgument(resp.Error):
				// The token is dead; flag it for cleanup.
				outcomes[start+idx] = notify.Outcome{
					Endpoint: ep,
					Status:   notify.PermanentlyInvalid,
					Reason:   resp.Error.Error(),
				}
			default:
				outcomes[start+idx] = notify.Outcome{
					Endpoint: ep,
					Status:   notify.TransientFailure,
					Reason:   resp.Error.Error(),
				}
			}
		}

		d.logger.Debug("FCM multicast chunk dispatched",
			"chunk_size", len(chunk), "success", br.SuccessCount, "failure", br.FailureCount)
	}

	return outcomes, nil
}
