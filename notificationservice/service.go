package notificationservice

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/tinywideclouds/go-microservice-base/pkg/microservice"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"

	"github.com/tinywideclouds/werd-notification-service/internal/api"
	"github.com/tinywideclouds/werd-notification-service/internal/fanout"
	"github.com/tinywideclouds/werd-notification-service/internal/pipeline"
	"github.com/tinywideclouds/werd-notification-service/notificationservice/config"
	"github.com/tinywideclouds/werd-notification-service/pkg/dispatch"
	"github.com/tinywideclouds/werd-notification-service/pkg/notify"
)

type Wrapper struct {
	*microservice.BaseServer
	pipelineService *messagepipeline.StreamingService[notify.Event]
	coordinator     *fanout.Coordinator
	logger          *slog.Logger
}

// New assembles the service: the pub/sub pipeline, the fan-out coordinator
// and the HTTP surface all share one coordinator instance.
func New(
	cfg *config.Config,
	consumer messagepipeline.MessageConsumer,
	endpointStore dispatch.EndpointStore,
	progressStore dispatch.ProgressStore,
	dispatchers map[notify.Channel]dispatch.Dispatcher,
	authMiddleware func(http.Handler) http.Handler,
	logger *slog.Logger,
) (*Wrapper, error) {

	// 1. Base Server
	baseServer := microservice.NewBaseServer(logger, cfg.ListenAddr)

	// 2. Fan-Out Coordinator
	coordinator := fanout.New(endpointStore, progressStore, dispatchers, logger)

	// 3. Pipeline
	processor := pipeline.NewProcessor(coordinator, logger)
	streamingService, err := messagepipeline.NewStreamingService(
		messagepipeline.StreamingServiceConfig{NumWorkers: cfg.NumPipelineWorkers},
		consumer,
		pipeline.GroupEventTransformer,
		processor,
		logger,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create streaming service: %w", err)
	}

	// 4. API
	endpointAPI := api.NewEndpointAPI(endpointStore, logger)
	notifyAPI := api.NewNotifyAPI(coordinator, logger)

	// Register Routes
	mux := baseServer.Mux()
	corsMiddleware := middleware.NewCorsMiddleware(cfg.CorsConfig, logger)

	handle := func(pattern string, handlerFunc http.HandlerFunc) {
		mux.Handle(pattern, corsMiddleware(authMiddleware(handlerFunc)))
	}

	// 1. Registration Paths
	handle("POST /api/v1/register/fcm", endpointAPI.RegisterFCM)
	handle("POST /api/v1/register/web", endpointAPI.RegisterWeb)

	// 2. Unregistration Paths
	handle("POST /api/v1/unregister/fcm", endpointAPI.UnregisterFCM)
	handle("POST /api/v1/unregister/web", endpointAPI.UnregisterWeb)
	handle("DELETE /api/v1/endpoints", endpointAPI.PurgeEndpoints)

	// 3. Fan-Out Trigger and Reminder Cron
	handle("POST /api/v1/notify", notifyAPI.Trigger)
	handle("POST /api/v1/reminders/run", notifyAPI.RunReminders)
	// Cloud Scheduler jobs default to GET.
	handle("GET /api/v1/reminders/run", notifyAPI.RunReminders)

	// 4. Global OPTIONS for the API namespace (CORS preflight)
	mux.Handle("OPTIONS /api/v1/", corsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Just returns 200 OK with CORS headers handled by middleware
	})))

	return &Wrapper{
		BaseServer:      baseServer,
		pipelineService: streamingService,
		coordinator:     coordinator,
		logger:          logger,
	}, nil
}

func (w *Wrapper) Start(ctx context.Context) error {
	w.logger.Info("Core processing pipeline starting...")
	if err := w.pipelineService.Start(ctx); err != nil {
		return fmt.Errorf("failed to start processing service: %w", err)
	}
	w.SetReady(true)
	w.logger.Info("Service is now ready.")
	return w.BaseServer.Start()
}

func (w *Wrapper) Shutdown(ctx context.Context) error {
	w.logger.Info("Shutting down service components...")
	var finalErr error
	if err := w.pipelineService.Stop(ctx); err != nil {
		w.logger.Error("Processing pipeline shutdown failed.", "err", err)
		finalErr = err
	}
	// Let in-flight endpoint pruning finish before the HTTP server drops.
	if err := w.coordinator.Drain(ctx); err != nil {
		w.logger.Warn("Endpoint pruning did not finish in time.", "err", err)
	}
	if err := w.BaseServer.Shutdown(ctx); err != nil {
		w.logger.Error("HTTP server shutdown failed.", "err", err)
		finalErr = err
	}
	w.logger.Info("Service shutdown complete.")
	return finalErr
}
