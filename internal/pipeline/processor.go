package pipeline

import (
	"context"
	"errors"
	"log/slog"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"

	"github.com/tinywideclouds/werd-notification-service/pkg/notify"
)

// Notifier is the fan-out surface the processor drives. Implemented by
// fanout.Coordinator.
type Notifier interface {
	Notify(ctx context.Context, ev notify.Event) (notify.Summary, error)
}

// NewProcessor creates the logic that hands decoded group events to the
// fan-out coordinator.
//
// Validation failures are swallowed: they would fail on every redelivery, so
// a Nack would only spin the message through the subscription. Store and
// lookup failures are returned so the message is retried.
func NewProcessor(
	notifier Notifier,
	logger *slog.Logger,
) messagepipeline.StreamProcessor[notify.Event] {

	return func(ctx context.Context, original messagepipeline.Message, ev *notify.Event) error {
		procLogger := logger.With(
			"event_id", ev.ID,
			"event_type", ev.Type.String(),
			"group_id", ev.GroupID,
			"pubsub_msg_id", original.ID,
		)

		summary, err := notifier.Notify(ctx, *ev)
		if err != nil {
			if errors.Is(err, notify.ErrValidation) {
				procLogger.Warn("Dropping invalid event", "err", err)
				return nil
			}
			procLogger.Error("Fan-out failed", "err", err)
			return err // Retryable
		}

		if summary.Delivered == 0 && len(summary.Attempted) == 0 {
			procLogger.Info("No endpoints registered for group; dropping notification.")
			return nil
		}

		procLogger.Info("Event dispatched",
			"delivered", summary.Delivered,
			"web", summary.PerChannel[notify.ChannelWebPush],
			"fcm", summary.PerChannel[notify.ChannelFCM],
			"email", summary.PerChannel[notify.ChannelEmail],
		)
		return nil
	}
}
