// Package dispatch defines the contracts between the fan-out coordinator,
// the per-channel dispatchers and the storage layer.
package dispatch

import (
	"context"

	"github.com/tinywideclouds/go-platform/pkg/net/v1"
	"github.com/tinywideclouds/go-platform/pkg/notification/v1"

	"github.com/tinywideclouds/werd-notification-service/pkg/notify"
)

// Dispatcher sends one message to a batch of endpoints on a single channel.
//
// The returned slice always has exactly one Outcome per input endpoint, in
// input order. A non-nil error signals a channel-level failure (credential
// acquisition, transport to the provider itself); in that case the outcomes
// are still returned, classified TransientFailure, so the caller never
// prunes endpoints on the strength of a channel failure.
type Dispatcher interface {
	Dispatch(ctx context.Context, endpoints []notify.Endpoint, content notification.NotificationContent) ([]notify.Outcome, error)
}

// EndpointStore manages registered delivery endpoints. Implementations treat
// it as a filtered key-value table; deletes are idempotent.
type EndpointStore interface {
	// GroupEndpoints returns every endpoint registered by members of the group.
	GroupEndpoints(ctx context.Context, groupID string) ([]notify.Endpoint, error)
	// UserEndpoints returns every endpoint registered by the user, across groups.
	UserEndpoints(ctx context.Context, user urn.URN) ([]notify.Endpoint, error)

	RegisterFCM(ctx context.Context, user urn.URN, groupID, token string) error
	RegisterWeb(ctx context.Context, user urn.URN, groupID string, sub notification.WebPushSubscription) error
	UnregisterFCM(ctx context.Context, user urn.URN, token string) error
	UnregisterWeb(ctx context.Context, user urn.URN, endpoint string) error

	// DeleteEndpoint removes an endpoint by identity. Deleting an endpoint
	// that is already gone is a no-op, not an error.
	DeleteEndpoint(ctx context.Context, ep notify.Endpoint) error
	// DeleteUserEndpoints removes every endpoint owned by the user
	// (account offboarding).
	DeleteUserEndpoints(ctx context.Context, user urn.URN) error
}

// ProgressStore exposes the daily-goal bookkeeping the reminder run needs.
type ProgressStore interface {
	// OutstandingGoals returns, keyed by user URN string, the groups in
	// which today's progress is below the group goal.
	OutstandingGoals(ctx context.Context) (map[string][]notify.GroupProgress, error)
	// ResetDailyTasbeeh zeroes every member's daily tasbeeh counter.
	ResetDailyTasbeeh(ctx context.Context) error
}
