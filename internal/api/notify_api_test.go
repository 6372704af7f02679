package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/werd-notification-service/internal/api"
	"github.com/tinywideclouds/werd-notification-service/pkg/notify"
)

type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) Notify(ctx context.Context, ev notify.Event) (notify.Summary, error) {
	args := m.Called(ctx, ev)
	return args.Get(0).(notify.Summary), args.Error(1)
}
func (m *MockNotifier) RunDailyReminder(ctx context.Context) (notify.ReminderSummary, error) {
	args := m.Called(ctx)
	return args.Get(0).(notify.ReminderSummary), args.Error(1)
}

func setupNotifyAPI(t *testing.T) (*api.NotifyAPI, *MockNotifier) {
	t.Helper()
	mockNotifier := new(MockNotifier)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return api.NewNotifyAPI(mockNotifier, logger), mockNotifier
}

func TestTrigger(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		apiHandler, mockNotifier := setupNotifyAPI(t)

		body, _ := json.Marshal(api.TriggerRequest{
			GroupID:      "group-1",
			GroupName:    "Fajr Circle",
			SenderUserID: "urn:sm:user:sara",
			SenderName:   "Sara",
			Type:         "goal",
		})
		req := httptest.NewRequest("POST", "/notify", bytes.NewReader(body))
		w := httptest.NewRecorder()

		mockNotifier.On("Notify", mock.Anything, mock.MatchedBy(func(ev notify.Event) bool {
			return ev.Type == notify.EventGoal &&
				ev.GroupID == "group-1" &&
				ev.ActorName == "Sara" &&
				ev.ID != ""
		})).Return(notify.Summary{
			Delivered: 5,
			PerChannel: map[notify.Channel]int{
				notify.ChannelWebPush: 3,
				notify.ChannelFCM:     1,
				notify.ChannelEmail:   1,
			},
		}, nil)

		apiHandler.Trigger(w, req)

		require.Equal(t, http.StatusOK, w.Code)
		var resp api.TriggerResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, 3, resp.WebSent)
		assert.Equal(t, 1, resp.FCMSent)
		assert.Equal(t, 1, resp.EmailSent)
		mockNotifier.AssertExpectations(t)
	})

	t.Run("Rejects Missing GroupID", func(t *testing.T) {
		apiHandler, mockNotifier := setupNotifyAPI(t)

		body, _ := json.Marshal(api.TriggerRequest{SenderUserID: "urn:sm:user:sara", Type: "goal"})
		w := httptest.NewRecorder()

		apiHandler.Trigger(w, httptest.NewRequest("POST", "/notify", bytes.NewReader(body)))

		assert.Equal(t, http.StatusBadRequest, w.Code)
		mockNotifier.AssertNotCalled(t, "Notify", mock.Anything, mock.Anything)
	})

	t.Run("Rejects Missing Sender", func(t *testing.T) {
		apiHandler, _ := setupNotifyAPI(t)

		body, _ := json.Marshal(api.TriggerRequest{GroupID: "group-1", Type: "goal"})
		w := httptest.NewRecorder()

		apiHandler.Trigger(w, httptest.NewRequest("POST", "/notify", bytes.NewReader(body)))

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("Rejects Unknown Event Type", func(t *testing.T) {
		apiHandler, _ := setupNotifyAPI(t)

		body, _ := json.Marshal(api.TriggerRequest{
			GroupID: "group-1", SenderUserID: "urn:sm:user:sara", Type: "party",
		})
		w := httptest.NewRecorder()

		apiHandler.Trigger(w, httptest.NewRequest("POST", "/notify", bytes.NewReader(body)))

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("Maps Validation Errors To 400", func(t *testing.T) {
		apiHandler, mockNotifier := setupNotifyAPI(t)

		body, _ := json.Marshal(api.TriggerRequest{
			GroupID: "group-1", SenderUserID: "urn:sm:user:sara", Type: "goal",
		})
		w := httptest.NewRecorder()

		mockNotifier.On("Notify", mock.Anything, mock.Anything).
			Return(notify.Summary{}, notify.ErrValidation)

		apiHandler.Trigger(w, httptest.NewRequest("POST", "/notify", bytes.NewReader(body)))

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestRunReminders(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		apiHandler, mockNotifier := setupNotifyAPI(t)

		mockNotifier.On("RunDailyReminder", mock.Anything).
			Return(notify.ReminderSummary{Sent: 7, UsersNotified: 4}, nil)

		w := httptest.NewRecorder()
		apiHandler.RunReminders(w, httptest.NewRequest("POST", "/reminders/run", nil))

		require.Equal(t, http.StatusOK, w.Code)
		var resp api.ReminderResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, 7, resp.Sent)
		assert.Equal(t, 4, resp.UsersNotified)
	})

	t.Run("Store Failure Is 500", func(t *testing.T) {
		apiHandler, mockNotifier := setupNotifyAPI(t)

		mockNotifier.On("RunDailyReminder", mock.Anything).
			Return(notify.ReminderSummary{}, assert.AnError)

		w := httptest.NewRecorder()
		apiHandler.RunReminders(w, httptest.NewRequest("POST", "/reminders/run", nil))

		assert.Equal(t, http.StatusInternalServerError, w.Code)
	})
}
