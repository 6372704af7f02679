// Package notify contains the domain models shared by the fan-out
// coordinator, the channel dispatchers and the storage layer.
package notify

import (
	"errors"
	"fmt"

	"github.com/tinywideclouds/go-platform/pkg/net/v1"
	"github.com/tinywideclouds/go-platform/pkg/notification/v1"
)

// Sentinel errors. Per-endpoint delivery failures are never errors; they are
// Outcome classifications. These two are the only failures that abort work
// before dispatch.
var (
	// ErrValidation marks an event that is missing required fields.
	ErrValidation = errors.New("invalid notification event")
	// ErrCrypto marks malformed VAPID key material.
	ErrCrypto = errors.New("invalid key material")
)

// Channel identifies a delivery transport.
type Channel string

const (
	ChannelWebPush Channel = "web"
	ChannelFCM     Channel = "fcm"
	ChannelEmail   Channel = "email"
)

// EventType is the closed set of group events that produce notifications.
type EventType int

const (
	EventGoal EventType = iota
	EventJoin
	EventLeave
	EventTasbeehGoal
	EventDailyReminder
)

// String returns the wire name used in API payloads and Pub/Sub messages.
func (t EventType) String() string {
	switch t {
	case EventGoal:
		return "goal"
	case EventJoin:
		return "join"
	case EventLeave:
		return "leave"
	case EventTasbeehGoal:
		return "tasbeeh"
	case EventDailyReminder:
		return "reminder"
	default:
		return fmt.Sprintf("unknown(%d)", int(t))
	}
}

// ParseEventType maps a wire string onto the enum. Unknown strings are
// rejected here so the composer can switch exhaustively.
func ParseEventType(s string) (EventType, error) {
	switch s {
	case "goal":
		return EventGoal, nil
	case "join":
		return EventJoin, nil
	case "leave":
		return EventLeave, nil
	case "tasbeeh":
		return EventTasbeehGoal, nil
	case "reminder":
		return EventDailyReminder, nil
	default:
		return 0, fmt.Errorf("%w: unknown event type %q", ErrValidation, s)
	}
}

// Event is one group notification trigger. It is constructed per trigger,
// consumed once and never persisted.
type Event struct {
	ID        string
	Type      EventType
	GroupID   string
	GroupName string
	Actor     urn.URN
	ActorName string
}

// Validate checks the fields every dispatch path requires.
func (e Event) Validate() error {
	if e.GroupID == "" {
		return fmt.Errorf("%w: missing group id", ErrValidation)
	}
	if e.ActorName == "" {
		return fmt.Errorf("%w: missing actor name", ErrValidation)
	}
	return nil
}

// Endpoint is a single registered delivery target. Exactly one of Token,
// Subscription or Address is set, depending on Channel. Identity() is the
// dedup and delete key.
type Endpoint struct {
	Channel      Channel
	Owner        urn.URN
	GroupID      string
	Token        string                            // fcm
	Subscription *notification.WebPushSubscription // web
	Address      string                            // email
}

// Identity returns the opaque key that identifies this endpoint for
// deduplication and deletion.
func (e Endpoint) Identity() string {
	switch e.Channel {
	case ChannelFCM:
		return e.Token
	case ChannelWebPush:
		if e.Subscription != nil {
			return e.Subscription.Endpoint
		}
		return ""
	case ChannelEmail:
		return e.Address
	default:
		return ""
	}
}

// OutcomeStatus classifies one delivery attempt.
type OutcomeStatus int

const (
	Delivered OutcomeStatus = iota
	TransientFailure
	PermanentlyInvalid
)

// Outcome is the per-endpoint result of one dispatch. It lives only for the
// duration of a fan-out call.
type Outcome struct {
	Endpoint Endpoint
	Status   OutcomeStatus
	Reason   string
}

// Summary aggregates one fan-out call.
type Summary struct {
	Delivered  int
	PerChannel map[Channel]int
	Attempted  []Channel
}

// ReminderSummary aggregates one daily reminder run.
type ReminderSummary struct {
	Sent          int
	UsersNotified int
}

// GroupProgress describes one group in which a user has not yet met the
// daily goal. Remaining is goal minus today's progress.
type GroupProgress struct {
	GroupID   string
	GroupName string
	Remaining int
}
