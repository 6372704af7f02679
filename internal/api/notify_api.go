package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"log/slog"

	"github.com/google/uuid"
	"github.com/tinywideclouds/go-microservice-base/pkg/response"
	"github.com/tinywideclouds/go-platform/pkg/net/v1"

	"github.com/tinywideclouds/werd-notification-service/pkg/notify"
)

// Notifier is the fan-out surface the HTTP handlers drive. Implemented by
// fanout.Coordinator.
type Notifier interface {
	Notify(ctx context.Context, ev notify.Event) (notify.Summary, error)
	RunDailyReminder(ctx context.Context) (notify.ReminderSummary, error)
}

// NotifyAPI exposes the event trigger and the reminder cron hook. Both are
// service-to-service routes, fronted by the auth middleware.
type NotifyAPI struct {
	Notifier Notifier
	Logger   *slog.Logger
}

func NewNotifyAPI(notifier Notifier, logger *slog.Logger) *NotifyAPI {
	return &NotifyAPI{
		Notifier: notifier,
		Logger:   logger,
	}
}

type TriggerRequest struct {
	GroupID      string `json:"groupId"`
	GroupName    string `json:"groupName"`
	SenderUserID string `json:"senderUserId"`
	SenderName   string `json:"senderName"`
	Type         string `json:"type"`
}

type TriggerResponse struct {
	WebSent   int `json:"webSent"`
	FCMSent   int `json:"fcmSent"`
	EmailSent int `json:"emailSent"`
}

// Trigger fans one group event out to every registered endpoint.
func (api *NotifyAPI) Trigger(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req TriggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}

	if req.GroupID == "" {
		response.WriteJSONError(w, http.StatusBadRequest, "missing groupId")
		return
	}
	if req.SenderUserID == "" {
		response.WriteJSONError(w, http.StatusBadRequest, "missing senderUserId")
		return
	}
	eventType, err := notify.ParseEventType(req.Type)
	if err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, "unknown event type")
		return
	}
	actor, err := urn.Parse(req.SenderUserID)
	if err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, "invalid senderUserId")
		return
	}

	ev := notify.Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		GroupID:   req.GroupID,
		GroupName: req.GroupName,
		Actor:     actor,
		ActorName: req.SenderName,
	}

	summary, err := api.Notifier.Notify(ctx, ev)
	if err != nil {
		if errors.Is(err, notify.ErrValidation) {
			response.WriteJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		api.Logger.Error("fan-out failed", "err", err, "event_id", ev.ID, "group", ev.GroupID)
		response.WriteJSONError(w, http.StatusInternalServerError, "fan-out failed")
		return
	}

	writeJSON(w, api.Logger, TriggerResponse{
		WebSent:   summary.PerChannel[notify.ChannelWebPush],
		FCMSent:   summary.PerChannel[notify.ChannelFCM],
		EmailSent: summary.PerChannel[notify.ChannelEmail],
	})
}

type ReminderResponse struct {
	Sent          int `json:"sent"`
	UsersNotified int `json:"usersNotified"`
}

// RunReminders is the daily cron hook: it resets daily counters and nudges
// every user who is still short of a group goal.
func (api *NotifyAPI) RunReminders(w http.ResponseWriter, r *http.Request) {
	summary, err := api.Notifier.RunDailyReminder(r.Context())
	if err != nil {
		api.Logger.Error("reminder run failed", "err", err)
		response.WriteJSONError(w, http.StatusInternalServerError, "reminder run failed")
		return
	}

	writeJSON(w, api.Logger, ReminderResponse{
		Sent:          summary.Sent,
		UsersNotified: summary.UsersNotified,
	})
}

func writeJSON(w http.ResponseWriter, logger *slog.Logger, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Error("failed to write response", "err", err)
	}
}
