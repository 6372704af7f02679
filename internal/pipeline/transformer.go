// Package pipeline contains the core message processing components for the service.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/tinywideclouds/go-platform/pkg/net/v1"

	"github.com/tinywideclouds/werd-notification-service/pkg/notify"
)

// eventEnvelope is the wire shape published by the reading app when group
// activity happens.
type eventEnvelope struct {
	EventID      string `json:"eventId"`
	Type         string `json:"type"`
	GroupID      string `json:"groupId"`
	GroupName    string `json:"groupName"`
	SenderUserID string `json:"senderUserId"`
	SenderName   string `json:"senderName"`
}

// GroupEventTransformer is a dataflow Transformer that safely unmarshals and
// validates a raw message payload into a structured notify.Event.
//
// On any failure (malformed JSON, unknown event type, invalid sender URN) it
// returns an error with skip=true so the StreamingService can handle the
// Nack/DLQ logic. Poison messages must never wedge the pipeline.
func GroupEventTransformer(
	_ context.Context,
	msg *messagepipeline.Message,
) (*notify.Event, bool, error) {
	var envelope eventEnvelope
	if err := json.Unmarshal(msg.Payload, &envelope); err != nil {
		return nil, true, fmt.Errorf("failed to unmarshal group event from message %s: %w", msg.ID, err)
	}

	eventType, err := notify.ParseEventType(envelope.Type)
	if err != nil {
		return nil, true, fmt.Errorf("message %s: %w", msg.ID, err)
	}
	if envelope.GroupID == "" {
		return nil, true, fmt.Errorf("message %s has no groupId: %w", msg.ID, notify.ErrValidation)
	}
	if envelope.SenderUserID == "" {
		return nil, true, fmt.Errorf("message %s has no senderUserId: %w", msg.ID, notify.ErrValidation)
	}
	actor, err := urn.Parse(envelope.SenderUserID)
	if err != nil {
		return nil, true, fmt.Errorf("message %s has invalid senderUserId: %w", msg.ID, err)
	}

	eventID := envelope.EventID
	if eventID == "" {
		eventID = uuid.NewString()
	}

	return &notify.Event{
		ID:        eventID,
		Type:      eventType,
		GroupID:   envelope.GroupID,
		GroupName: envelope.GroupName,
		Actor:     actor,
		ActorName: envelope.SenderName,
	}, false, nil
}
