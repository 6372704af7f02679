package fcm_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"firebase.google.com/go/v4/messaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/tinywideclouds/go-platform/pkg/notification/v1"

	"github.com/tinywideclouds/werd-notification-service/internal/platform/fcm"
	"github.com/tinywideclouds/werd-notification-service/pkg/notify"
)

// MockClient satisfies the MessagingClient interface.
type MockClient struct {
	mock.Mock
}

func (m *MockClient) SendEachForMulticast(ctx context.Context, msg *messaging.MulticastMessage) (*messaging.BatchResponse, error) {
	args := m.Called(ctx, msg)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*messaging.BatchResponse), args.Error(1)
}

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func tokenEndpoints(n int) []notify.Endpoint {
	eps := make([]notify.Endpoint, n)
	for i := range eps {
		eps[i] = notify.Endpoint{Channel: notify.ChannelFCM, Token: fmt.Sprintf("token-%04d", i)}
	}
	return eps
}

func allSuccess(n int) *messaging.BatchResponse {
	responses := make([]*messaging.SendResponse, n)
	for i := range responses {
		responses[i] = &messaging.SendResponse{Success: true, MessageID: fmt.Sprintf("msg-%d", i)}
	}
	return &messaging.BatchResponse{SuccessCount: n, Responses: responses}
}

func TestFCMDispatch_Lifecycle(t *testing.T) {
	logger := newTestLogger()
	ctx := context.Background()
	content := notification.NotificationContent{Title: "الْوِرْدُ الْقُرْآنِيُّ", Body: "body"}

	t.Run("Happy Path - All Success", func(t *testing.T) {
		mockClient := new(MockClient)
		dispatcher := fcm.NewDispatcher(mockClient, logger)
		endpoints := tokenEndpoints(2)

		mockClient.On("SendEachForMulticast", ctx, mock.MatchedBy(func(msg *messaging.MulticastMessage) bool {
			return len(msg.Tokens) == 2 &&
				msg.Notification.Title == content.Title &&
				msg.Android != nil && msg.Android.Priority == "high" &&
				msg.Android.Notification.Sound == "default"
		})).Return(allSuccess(2), nil)

		outcomes, err := dispatcher.Dispatch(ctx, endpoints, content)

		require.NoError(t, err)
		require.Len(t, outcomes, 2)
		for _, o := range outcomes {
			assert.Equal(t, notify.Delivered, o.Status)
		}
		mockClient.AssertExpectations(t)
	})

	t.Run("Chunks Batches Of 500 Preserving Order", func(t *testing.T) {
		mockClient := new(MockClient)
		dispatcher := fcm.NewDispatcher(mockClient, logger)
		endpoints := tokenEndpoints(1201) // expect ceil(1201/500) = 3 calls

		var chunkSizes []int
		mockClient.On("SendEachForMulticast", ctx, mock.Anything).
			Run(func(args mock.Arguments) {
				msg := args.Get(1).(*messaging.MulticastMessage)
				chunkSizes = append(chunkSizes, len(msg.Tokens))
			}).
			Return(allSuccess(500), nil).Twice()
		mockClient.On("SendEachForMulticast", ctx, mock.Anything).
			Run(func(args mock.Arguments) {
				msg := args.Get(1).(*messaging.MulticastMessage)
				chunkSizes = append(chunkSizes, len(msg.Tokens))
			}).
			Return(allSuccess(201), nil).Once()

		outcomes, err := dispatcher.Dispatch(ctx, endpoints, content)

		require.NoError(t, err)
		assert.Equal(t, []int{500, 500, 201}, chunkSizes)
		require.Len(t, outcomes, 1201)
		// Order preserved across chunk boundaries.
		assert.Equal(t, "token-0000", outcomes[0].Endpoint.Token)
		assert.Equal(t, "token-0500", outcomes[500].Endpoint.Token)
		assert.Equal(t, "token-1200", outcomes[1200].Endpoint.Token)
		mockClient.AssertExpectations(t)
	})

	t.Run("Transport Failure Marks Everything Transient", func(t *testing.T) {
		mockClient := new(MockClient)
		dispatcher := fcm.NewDispatcher(mockClient, logger)
		endpoints := tokenEndpoints(3)

		mockClient.On("SendEachForMulticast", ctx, mock.Anything).Return(nil, errors.New("oauth token fetch failed"))

		outcomes, err := dispatcher.Dispatch(ctx, endpoints, content)

		// Channel-level failure is an error, distinct from token verdicts.
		require.Error(t, err)
		assert.Contains(t, err.Error(), "transport failed")
		require.Len(t, outcomes, 3)
		for _, o := range outcomes {
			assert.Equal(t, notify.TransientFailure, o.Status)
		}
	})

	t.Run("Per-Token Failures Stay In Slot", func(t *testing.T) {
		mockClient := new(MockClient)
		dispatcher := fcm.NewDispatcher(mockClient, logger)
		endpoints := tokenEndpoints(3)

		// Middle token fails with a generic (retryable) error.
		resp := &messaging.BatchResponse{
			SuccessCount: 2,
			FailureCount: 1,
			Responses: []*messaging.SendResponse{
				{Success: true, MessageID: "m0"},
				{Success: false, Error: errors.New("internal error")},
				{Success: true, MessageID: "m2"},
			},
		}
		mockClient.On("SendEachForMulticast", ctx, mock.Anything).Return(resp, nil)

		outcomes, err := dispatcher.Dispatch(ctx, endpoints, content)

		require.NoError(t, err)
		assert.Equal(t, notify.Delivered, outcomes[0].Status)
		assert.Equal(t, notify.TransientFailure, outcomes[1].Status)
		assert.Equal(t, notify.Delivered, outcomes[2].Status)
	})

	// The mapping of IsRegistrationTokenNotRegistered / IsInvalidArgument to
	// PermanentlyInvalid is not unit-tested: the Firebase SDK keeps those
	// error constructors internal, and fabricating them is brittle.
}

func TestFCMDispatch_EmptyBatch(t *testing.T) {
	mockClient := new(MockClient)
	dispatcher := fcm.NewDispatcher(mockClient, newTestLogger())

	outcomes, err := dispatcher.Dispatch(context.Background(), nil, notification.NotificationContent{Title: "t"})

	require.NoError(t, err)
	assert.Empty(t, outcomes)
	mockClient.AssertNotCalled(t, "SendEachForMulticast")
}
