package config

import (
	"log/slog"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
)

type YamlCorsConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	Role           string   `yaml:"role"`
}

type YamlRedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Enabled  bool   `yaml:"enabled"`
}

type YamlVapidConfig struct {
	PublicKey       string `yaml:"public_key"`
	PrivateKey      string `yaml:"private_key"`
	SubscriberEmail string `yaml:"subscriber_email"`
}

type YamlWebPushConfig struct {
	TTLSeconds      int  `yaml:"ttl_seconds"`
	EncryptPayloads bool `yaml:"encrypt_payloads"`
}

type YamlEmailConfig struct {
	Enabled bool   `yaml:"enabled"`
	APIKey  string `yaml:"api_key"`
	From    string `yaml:"from"`
	AppURL  string `yaml:"app_url"`
}

type YamlFCMConfig struct {
	CredentialsFile string `yaml:"credentials_file"`
}

// YamlConfig is the structure that mirrors the raw config.yaml file.
type YamlConfig struct {
	ProjectID              string            `yaml:"project_id"`
	ListenAddr             string            `yaml:"listen_addr"`
	TopicID                string            `yaml:"topic_id"`
	SubscriptionID         string            `yaml:"subscription_id"`
	SubscriptionDLQTopicID string            `yaml:"subscription_dlq_topic_id"`
	CorsConfig             YamlCorsConfig    `yaml:"cors"`
	RedisConfig            YamlRedisConfig   `yaml:"redis"`
	VapidConfig            YamlVapidConfig   `yaml:"vapid"`
	WebPushConfig          YamlWebPushConfig `yaml:"webpush"`
	EmailConfig            YamlEmailConfig   `yaml:"email"`
	FCMConfig              YamlFCMConfig     `yaml:"fcm"`
	NumPipelineWorkers     int               `yaml:"num_pipeline_workers"`
}

// NewConfigFromYaml converts the YamlConfig into a clean, base Config struct.
func NewConfigFromYaml(baseCfg *YamlConfig, logger *slog.Logger) (*Config, error) {
	logger.Debug("Mapping YAML config to base config struct")

	cfg := &Config{
		ProjectID:      baseCfg.ProjectID,
		ListenAddr:     baseCfg.ListenAddr,
		TopicID:        baseCfg.TopicID,
		SubscriptionID: baseCfg.SubscriptionID,
		CorsConfig: middleware.CorsConfig{
			AllowedOrigins: baseCfg.CorsConfig.AllowedOrigins,
			Role:           middleware.CorsRole(baseCfg.CorsConfig.Role),
		},
		Redis: RedisConfig{
			Addr:     baseCfg.RedisConfig.Addr,
			Password: baseCfg.RedisConfig.Password,
			DB:       baseCfg.RedisConfig.DB,
			Enabled:  baseCfg.RedisConfig.Enabled,
		},
		Vapid: VapidConfig{
			PublicKey:       baseCfg.VapidConfig.PublicKey,
			PrivateKey:      baseCfg.VapidConfig.PrivateKey,
			SubscriberEmail: baseCfg.VapidConfig.SubscriberEmail,
		},
		WebPush: WebPushConfig{
			TTLSeconds:      baseCfg.WebPushConfig.TTLSeconds,
			EncryptPayloads: baseCfg.WebPushConfig.EncryptPayloads,
		},
		Email: EmailConfig{
			Enabled: baseCfg.EmailConfig.Enabled,
			APIKey:  baseCfg.EmailConfig.APIKey,
			From:    baseCfg.EmailConfig.From,
			AppURL:  baseCfg.EmailConfig.AppURL,
		},
		FCM: FCMConfig{
			CredentialsFile: baseCfg.FCMConfig.CredentialsFile,
		},
		SubscriptionDLQTopicID: baseCfg.SubscriptionDLQTopicID,
		NumPipelineWorkers:     baseCfg.NumPipelineWorkers,
	}

	if cfg.SubscriptionID != "" {
		cfg.PubsubConsumerConfig = messagepipeline.NewGooglePubsubConsumerDefaults(cfg.SubscriptionID)
	}

	logger.Debug("YAML config mapping complete",
		"project_id", cfg.ProjectID,
		"listen_addr", cfg.ListenAddr,
		"subscription_id", cfg.SubscriptionID,
	)

	return cfg, nil
}
