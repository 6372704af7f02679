package api

import (
	"encoding/json"
	"net/http"

	"log/slog"

	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
	"github.com/tinywideclouds/go-microservice-base/pkg/response"
	"github.com/tinywideclouds/go-platform/pkg/net/v1"
	"github.com/tinywideclouds/go-platform/pkg/notification/v1"

	"github.com/tinywideclouds/werd-notification-service/pkg/dispatch"
)

// EndpointAPI owns the authenticated registration surface. The user
// identity always comes from the JWT context, never from the body.
type EndpointAPI struct {
	Store  dispatch.EndpointStore
	Logger *slog.Logger
}

func NewEndpointAPI(store dispatch.EndpointStore, logger *slog.Logger) *EndpointAPI {
	return &EndpointAPI{
		Store:  store,
		Logger: logger,
	}
}

// --- FCM (Mobile) ---

type RegisterFCMRequest struct {
	GroupID string `json:"groupId"`
	Token   string `json:"token"`
}

func (api *EndpointAPI) RegisterFCM(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userURN, ok := api.callerURN(w, r)
	if !ok {
		return
	}

	var req RegisterFCMRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.GroupID == "" {
		response.WriteJSONError(w, http.StatusBadRequest, "missing groupId")
		return
	}
	if req.Token == "" {
		response.WriteJSONError(w, http.StatusBadRequest, "missing token")
		return
	}

	if err := api.Store.RegisterFCM(ctx, userURN, req.GroupID, req.Token); err != nil {
		api.Logger.Error("failed to register fcm", "err", err)
		response.WriteJSONError(w, http.StatusInternalServerError, "storage failed")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

type UnregisterFCMRequest struct {
	Token string `json:"token"`
}

func (api *EndpointAPI) UnregisterFCM(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userURN, ok := api.callerURN(w, r)
	if !ok {
		return
	}

	var req UnregisterFCMRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}

	if err := api.Store.UnregisterFCM(ctx, userURN, req.Token); err != nil {
		// Log but don't fail hard; idempotency is preferred for unregister
		api.Logger.Warn("failed to unregister fcm", "err", err)
	}

	w.WriteHeader(http.StatusNoContent)
}

// --- Web (VAPID) ---

type RegisterWebRequest struct {
	GroupID      string                           `json:"groupId"`
	Subscription notification.WebPushSubscription `json:"subscription"`
}

func (api *EndpointAPI) RegisterWeb(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userURN, ok := api.callerURN(w, r)
	if !ok {
		return
	}

	var req RegisterWebRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.Logger.Error("RegisterWeb: JSON Decode failed", "err", err)
		response.WriteJSONError(w, http.StatusBadRequest, "invalid subscription json")
		return
	}

	if req.GroupID == "" {
		response.WriteJSONError(w, http.StatusBadRequest, "missing groupId")
		return
	}
	sub := req.Subscription
	if sub.Endpoint == "" || len(sub.Keys.P256dh) == 0 || len(sub.Keys.Auth) == 0 {
		api.Logger.Warn("RegisterWeb: Validation failed", "reason", "missing fields")
		response.WriteJSONError(w, http.StatusBadRequest, "incomplete subscription object")
		return
	}

	if err := api.Store.RegisterWeb(ctx, userURN, req.GroupID, sub); err != nil {
		api.Logger.Error("failed to register web", "err", err)
		response.WriteJSONError(w, http.StatusInternalServerError, "storage failed")
		return
	}
	api.Logger.Info("RegisterWeb: Subscription registered", "user", userURN, "endpoint", sub.Endpoint)

	w.WriteHeader(http.StatusNoContent)
}

type UnregisterWebRequest struct {
	Endpoint string `json:"endpoint"`
}

func (api *EndpointAPI) UnregisterWeb(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userURN, ok := api.callerURN(w, r)
	if !ok {
		return
	}

	var req UnregisterWebRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.Logger.Error("UnregisterWeb: JSON Decode failed", "err", err)
		response.WriteJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}

	if req.Endpoint == "" {
		api.Logger.Warn("UnregisterWeb: Validation failed", "reason", "missing endpoint")
		response.WriteJSONError(w, http.StatusBadRequest, "missing endpoint")
		return
	}

	if err := api.Store.UnregisterWeb(ctx, userURN, req.Endpoint); err != nil {
		api.Logger.Warn("failed to unregister web", "err", err)
		response.WriteJSONError(w, http.StatusInternalServerError, "failed to unregister web")
		return
	}
	api.Logger.Info("UnregisterWeb: Subscription unregistered", "user", userURN, "endpoint", req.Endpoint)

	w.WriteHeader(http.StatusNoContent)
}

// --- Offboarding ---

// PurgeEndpoints removes every delivery target the caller has registered,
// across all groups and channels.
func (api *EndpointAPI) PurgeEndpoints(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userURN, ok := api.callerURN(w, r)
	if !ok {
		return
	}

	if err := api.Store.DeleteUserEndpoints(ctx, userURN); err != nil {
		api.Logger.Error("failed to purge endpoints", "err", err, "user", userURN)
		response.WriteJSONError(w, http.StatusInternalServerError, "storage failed")
		return
	}
	api.Logger.Info("PurgeEndpoints: all endpoints removed", "user", userURN)

	w.WriteHeader(http.StatusNoContent)
}

// --- Helpers ---

func (api *EndpointAPI) callerURN(w http.ResponseWriter, r *http.Request) (urn.URN, bool) {
	var zero urn.URN
	userID, ok := middleware.GetUserHandleFromContext(r.Context())
	if !ok {
		response.WriteJSONError(w, http.StatusUnauthorized, "unauthorized")
		return zero, false
	}
	userURN, err := urn.Parse(userID)
	if err != nil {
		response.WriteJSONError(w, http.StatusUnauthorized, "invalid user identity")
		return zero, false
	}
	return userURN, true
}
