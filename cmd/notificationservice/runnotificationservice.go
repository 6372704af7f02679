package main

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"

	"github.com/tinywideclouds/werd-notification-service/internal/platform/email"
	"github.com/tinywideclouds/werd-notification-service/internal/platform/fcm"
	"github.com/tinywideclouds/werd-notification-service/internal/platform/web"

	"github.com/tinywideclouds/werd-notification-service/internal/storage/cache"
	fsStore "github.com/tinywideclouds/werd-notification-service/internal/storage/firestore"
	"github.com/tinywideclouds/werd-notification-service/pkg/dispatch"
	"github.com/tinywideclouds/werd-notification-service/pkg/notify"

	"github.com/tinywideclouds/werd-notification-service/notificationservice"
	"github.com/tinywideclouds/werd-notification-service/notificationservice/config"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"gopkg.in/yaml.v3"
)

//go:embed local.yaml
var configFile []byte

func main() {
	var logLevel slog.Level
	switch os.Getenv("LOG_LEVEL") {
	case "debug", "DEBUG":
		logLevel = slog.LevelDebug
	case "info", "INFO":
		logLevel = slog.LevelInfo
	case "warn", "WARN":
		logLevel = slog.LevelWarn
	case "error", "ERROR":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})).With("service", "werd-notification-service")
	slog.SetDefault(logger)

	ctx := context.Background()

	// --- Config Loading ---
	var yamlCfg config.YamlConfig
	if err := yaml.Unmarshal(configFile, &yamlCfg); err != nil {
		logger.Error("Failed to unmarshal embedded yaml config", "err", err)
		os.Exit(1)
	}
	baseCfg, _ := config.NewConfigFromYaml(&yamlCfg, logger)
	cfg, err := config.UpdateConfigWithEnvOverrides(baseCfg, logger)
	if err != nil {
		logger.Error("Config failed", "err", err)
		os.Exit(1)
	}

	// --- Infrastructure Clients ---
	psClient, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		logger.Error("PubSub client failed", "err", err)
		os.Exit(1)
	}
	defer psClient.Close()

	fsClient, err := firestore.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		logger.Error("Firestore client failed", "err", err)
		os.Exit(1)
	}
	defer fsClient.Close()

	// --- Endpoint Store (Decorated) ---
	store := fsStore.NewStore(fsClient)
	var endpointStore dispatch.EndpointStore = store
	logger.Info("EndpointStore initialized", "type", "firestore")

	if cfg.Redis.Enabled {
		logger.Info("Initializing Redis Cache layer...", "addr", cfg.Redis.Addr)
		redisClient, err := cache.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logger.Error("Failed to connect to Redis", "err", err)
			os.Exit(1)
		}
		defer redisClient.Close()
		endpointStore = cache.NewCachedEndpointStore(endpointStore, redisClient, 5*time.Minute)
		logger.Info("EndpointStore upgraded", "type", "redis_cached_firestore")
	}

	// --- Auth ---
	identityURL := os.Getenv("IDENTITY_SERVICE_URL")
	if identityURL == "" {
		identityURL = "http://localhost:3000"
	}
	jwksURL, _ := middleware.DiscoverAndValidateJWTConfig(identityURL, middleware.RSA256, logger)
	authMiddleware, _ := middleware.NewJWKSAuthMiddleware(jwksURL, logger)

	// --- Dispatchers ---
	dispatchers := make(map[notify.Channel]dispatch.Dispatcher)

	// A. Mobile (FCM)
	fcmMessaging, err := fcm.NewMessagingClient(ctx, cfg.ProjectID, cfg.FCM.CredentialsFile)
	if err != nil {
		logger.Error("Failed to create FCM messaging client", "err", err)
		os.Exit(1)
	}
	dispatchers[notify.ChannelFCM] = fcm.NewDispatcher(fcmMessaging, logger)

	// B. Web (VAPID)
	if cfg.Vapid.PrivateKey == "" || cfg.Vapid.PublicKey == "" {
		logger.Warn("VAPID keys missing in configuration. Web Push disabled.")
	} else {
		webDispatcher, err := web.NewDispatcher(cfg.Vapid, cfg.WebPush, logger)
		if err != nil {
			logger.Error("Failed to create web dispatcher", "err", err)
			os.Exit(1)
		}
		dispatchers[notify.ChannelWebPush] = webDispatcher
		logger.Info("Web Dispatcher enabled", "public_key", cfg.Vapid.PublicKey)
	}

	// C. Email (Resend)
	if cfg.Email.Enabled {
		dispatchers[notify.ChannelEmail] = email.NewDispatcher(cfg.Email, logger)
		logger.Info("Email Dispatcher enabled", "from", cfg.Email.From)
	}

	// --- Consumer & Service ---
	consumer, err := newIngestionConsumer(ctx, cfg, psClient, logger)
	if err != nil {
		logger.Error("Consumer creation failed", "err", err)
		os.Exit(1)
	}

	service, err := notificationservice.New(
		cfg,
		consumer,
		endpointStore,
		store,
		dispatchers,
		authMiddleware,
		logger,
	)
	if err != nil {
		logger.Error("Service creation failed", "err", err)
		os.Exit(1)
	}

	logger.Info("Starting service...")
	if err := service.Start(ctx); err != nil {
		logger.Error("Service shutdown with error", "err", err)
		os.Exit(1)
	}
}

func newIngestionConsumer(ctx context.Context, cfg *config.Config, psClient *pubsub.Client, logger *slog.Logger) (messagepipeline.MessageConsumer, error) {
	sub := convertPubsub(cfg.ProjectID, cfg.PubsubConsumerConfig.SubscriptionID, "subscriptions")
	topicID := convertPubsub(cfg.ProjectID, cfg.TopicID, "topics")
	dlt := convertPubsub(cfg.ProjectID, cfg.SubscriptionDLQTopicID, "topics")

	subConfig := &pubsubpb.Subscription{
		Name:               sub,
		Topic:              topicID,
		AckDeadlineSeconds: 10,
		DeadLetterPolicy: &pubsubpb.DeadLetterPolicy{
			DeadLetterTopic:     dlt,
			MaxDeliveryAttempts: 5,
		},
		EnableMessageOrdering: false,
	}
	logger.Debug("Ensuring subscription exists", "sub", subConfig.Name, "topic", subConfig.Topic)
	_, err := psClient.SubscriptionAdminClient.CreateSubscription(ctx, subConfig)
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			logger.Debug("Subscription already exists, skipping creation", "sub", subConfig.Name)
		} else {
			logger.Error("Failed to create subscription", "sub", subConfig.Name, "err", err)
			return nil, fmt.Errorf("could not create sub: %s", sub)
		}
	}

	return messagepipeline.NewGooglePubsubConsumer(
		messagepipeline.NewGooglePubsubConsumerDefaults(subConfig.Name), psClient, logger,
	)
}

type PS string

func convertPubsub(project, id string, ps PS) string {
	return fmt.Sprintf("projects/%s/%s/%s", project, ps, id)
}
