package main

import (
	"context"
	"fmt"

	"cloud.google.com/go/pubsub/v2"
	"github.com/benbjohnson/clock"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	psrelay "github.com/tinywideclouds/go-message-hub/internal/platform/pubsub"
	"github.com/tinywideclouds/go-message-hub/internal/platform/redisrelay"

	"github.com/tinywideclouds/go-message-hub/internal/app"
	"github.com/tinywideclouds/go-message-hub/messagehub"
	"github.com/tinywideclouds/go-message-hub/messagehub/config"
	"github.com/tinywideclouds/go-message-hub/pkg/hub"
)

func main() {
	// 1. Setup structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := log.With().Str("service", "go-message-hub").Logger()

	// 2. Load config.yaml and apply env overrides
	cfg, err := load()
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load configuration")
	}
	cfg, err = config.UpdateConfigWithEnvOverrides(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to finalize configuration")
	}

	ctx := context.Background()

	// 3. Create the relay transport selected by config
	relayTransport, err := newRelayTransport(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize relay transport")
	}

	// 4. Identity resolution for connecting clients
	resolver := &hub.HeaderIdentityResolver{
		Header:             cfg.Auth.Header,
		AllowQueryFallback: cfg.Auth.AllowQueryFallback,
		AllowAnonymous:     cfg.Auth.AllowAnonymous,
	}

	// 5. Assemble and run the hub
	service, err := messagehub.New(cfg, resolver, relayTransport, clock.New(), logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create hub service")
	}

	app.Run(ctx, logger, service)
}

// newRelayTransport builds the configured broker relay transport, or
// returns nil for single-instance deployments.
func newRelayTransport(ctx context.Context, cfg *config.AppConfig, logger zerolog.Logger) (hub.RelayTransport, error) {
	switch cfg.Relay.Type {
	case config.RelayNone:
		logger.Info().Msg("No relay configured; running single-instance.")
		return nil, nil

	case config.RelayPubSub:
		logger.Info().Str("topic", cfg.Relay.PubSub.TopicID).Msg("Initializing Pub/Sub relay transport...")
		psClient, err := pubsub.NewClient(ctx, cfg.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to pubsub: %w", err)
		}
		return psrelay.NewTransport(ctx, psClient, psrelay.Config{
			ProjectID:      cfg.ProjectID,
			TopicID:        cfg.Relay.PubSub.TopicID,
			SubscriptionID: cfg.Relay.PubSub.SubscriptionID,
			NumWorkers:     cfg.Relay.PubSub.NumWorkers,
		}, logger)

	case config.RelayRedis:
		logger.Info().Str("addr", cfg.Relay.Redis.Addr).Msg("Initializing Redis relay transport...")
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Relay.Redis.Addr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		return redisrelay.NewTransport(rdb, cfg.Relay.Redis.Channel, logger)

	default:
		return nil, fmt.Errorf("unknown relay type: %q", cfg.Relay.Type)
	}
}
