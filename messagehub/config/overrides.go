package config

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
)

// UpdateConfigWithEnvOverrides takes the base configuration (created from
// YAML) and completes it by applying environment variables and final
// validation. This completes "Stage 2" of configuration loading.
func UpdateConfigWithEnvOverrides(cfg *AppConfig, logger zerolog.Logger) (*AppConfig, error) {
	logger.Debug().Msg("Applying environment variable overrides...")

	if projectID := os.Getenv("GCP_PROJECT_ID"); projectID != "" {
		logger.Debug().Str("key", "GCP_PROJECT_ID").Str("source", "env").Msg("Overriding config value")
		cfg.ProjectID = projectID
	}
	if port := os.Getenv("HTTP_PORT"); port != "" {
		logger.Debug().Str("key", "HTTP_PORT").Str("source", "env").Msg("Overriding config value")
		cfg.HTTPPort = port
	}
	if instanceID := os.Getenv("HUB_INSTANCE_ID"); instanceID != "" {
		logger.Debug().Str("key", "HUB_INSTANCE_ID").Str("source", "env").Msg("Overriding config value")
		cfg.InstanceID = instanceID
	}
	if relayType := os.Getenv("RELAY_TYPE"); relayType != "" {
		logger.Debug().Str("key", "RELAY_TYPE").Str("source", "env").Msg("Overriding config value")
		cfg.Relay.Type = relayType
	}
	if redisAddr := os.Getenv("REDIS_ADDR"); redisAddr != "" {
		logger.Debug().Str("key", "REDIS_ADDR").Str("source", "env").Msg("Overriding config value")
		cfg.Relay.Redis.Addr = redisAddr
	}

	switch cfg.Relay.Type {
	case RelayNone:
	case RelayPubSub:
		if cfg.ProjectID == "" {
			return nil, fmt.Errorf("GCP_PROJECT_ID is not set in config or env var, required for pubsub relay")
		}
		if cfg.Relay.PubSub.TopicID == "" || cfg.Relay.PubSub.SubscriptionID == "" {
			return nil, fmt.Errorf("pubsub relay requires topic_id and subscription_id")
		}
	case RelayRedis:
		if cfg.Relay.Redis.Addr == "" {
			return nil, fmt.Errorf("REDIS_ADDR is not set in config or env var, required for redis relay")
		}
		if cfg.Relay.Redis.Channel == "" {
			return nil, fmt.Errorf("redis relay requires a channel name")
		}
	default:
		return nil, fmt.Errorf("unknown relay type: %q", cfg.Relay.Type)
	}

	logger.Debug().Msg("Configuration finalized and validated successfully")
	return cfg, nil
}
