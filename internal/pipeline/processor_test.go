package pipeline_test

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/tinywideclouds/go-platform/pkg/net/v1"

	"github.com/tinywideclouds/werd-notification-service/internal/pipeline"
	"github.com/tinywideclouds/werd-notification-service/pkg/notify"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type mockNotifier struct {
	mock.Mock
}

func (m *mockNotifier) Notify(ctx context.Context, ev notify.Event) (notify.Summary, error) {
	args := m.Called(ctx, ev)
	return args.Get(0).(notify.Summary), args.Error(1)
}

func TestProcessor(t *testing.T) {
	ctx := context.Background()
	logger := newTestLogger()
	actor, _ := urn.Parse("urn:sm:user:test-processor")

	event := notify.Event{
		ID:        "evt-1",
		Type:      notify.EventGoal,
		GroupID:   "group-1",
		GroupName: "Fajr Circle",
		Actor:     actor,
		ActorName: "Sara",
	}

	t.Run("Acks On Successful Fan-Out", func(t *testing.T) {
		notifier := new(mockNotifier)
		notifier.On("Notify", mock.Anything, event).Return(notify.Summary{
			Delivered: 2,
			PerChannel: map[notify.Channel]int{notify.ChannelWebPush: 2},
			Attempted: []notify.Channel{notify.ChannelWebPush},
		}, nil)

		processor := pipeline.NewProcessor(notifier, logger)
		err := processor(ctx, messagepipeline.Message{}, &event)

		require.NoError(t, err)
		notifier.AssertExpectations(t)
	})

	t.Run("Swallows Validation Failures", func(t *testing.T) {
		// A validation failure repeats forever; a Nack would just spin the
		// message through the subscription.
		notifier := new(mockNotifier)
		notifier.On("Notify", mock.Anything, mock.Anything).
			Return(notify.Summary{}, notify.ErrValidation)

		processor := pipeline.NewProcessor(notifier, logger)
		err := processor(ctx, messagepipeline.Message{}, &event)

		require.NoError(t, err)
	})

	t.Run("Returns Store Failures For Retry", func(t *testing.T) {
		notifier := new(mockNotifier)
		notifier.On("Notify", mock.Anything, mock.Anything).
			Return(notify.Summary{}, assert.AnError)

		processor := pipeline.NewProcessor(notifier, logger)
		err := processor(ctx, messagepipeline.Message{}, &event)

		require.Error(t, err)
	})

	t.Run("Acks When Nobody Is Registered", func(t *testing.T) {
		notifier := new(mockNotifier)
		notifier.On("Notify", mock.Anything, mock.Anything).
			Return(notify.Summary{}, nil)

		processor := pipeline.NewProcessor(notifier, logger)
		err := processor(ctx, messagepipeline.Message{}, &event)

		require.NoError(t, err)
	})
}
