// Package redisrelay contains the Redis Pub/Sub relay transport. All hub
// instances publish to and subscribe on one shared channel; Redis fans
// every envelope out to every instance, and the relay core discards own
// echoes on ingest.
package redisrelay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-message-hub/pkg/hub"
)

// redisClient defines the interface we need from go-redis.
type redisClient interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Subscribe(ctx context.Context, channels ...string) *redis.PubSub
}

// Transport implements hub.RelayTransport over a Redis Pub/Sub channel.
type Transport struct {
	client  redisClient
	channel string
	logger  zerolog.Logger

	mu     sync.Mutex
	sub    *redis.PubSub
	cancel context.CancelFunc
	done   chan struct{}
}

// NewTransport is the constructor for the Redis relay transport.
func NewTransport(client redisClient, channel string, logger zerolog.Logger) (*Transport, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}
	if channel == "" {
		return nil, fmt.Errorf("relay channel cannot be empty")
	}
	return &Transport{
		client:  client,
		channel: channel,
		logger:  logger.With().Str("component", "RedisRelayTransport").Logger(),
	}, nil
}

// Send publishes the envelope to the shared relay channel.
func (t *Transport) Send(ctx context.Context, env *hub.Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope for relay: %w", err)
	}
	if err := t.client.Publish(ctx, t.channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish to relay channel %s: %w", t.channel, err)
	}
	return nil
}

// Start subscribes to the relay channel and consumes it until Stop.
// Malformed payloads are logged and skipped; onReceive errors do not
// stop the loop.
func (t *Transport) Start(ctx context.Context, onReceive func(context.Context, *hub.Envelope) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sub != nil {
		return fmt.Errorf("redis relay transport already started")
	}

	sub := t.client.Subscribe(ctx, t.channel)
	// Wait for the subscription to be confirmed so messages published
	// after Start returns are not missed.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("failed to subscribe to relay channel %s: %w", t.channel, err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	t.sub = sub
	t.cancel = cancel
	t.done = make(chan struct{})

	go t.consume(loopCtx, sub.Channel(), onReceive)
	t.logger.Info().Str("channel", t.channel).Msg("Redis relay transport started")
	return nil
}

func (t *Transport) consume(ctx context.Context, ch <-chan *redis.Message, onReceive func(context.Context, *hub.Envelope) error) {
	defer close(t.done)
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			env, err := decodeEnvelope([]byte(msg.Payload))
			if err != nil {
				t.logger.Warn().Err(err).Msg("Dropping malformed relay payload")
				continue
			}
			if err := onReceive(ctx, env); err != nil {
				t.logger.Warn().Err(err).Str("envelope_id", env.ID).Msg("Relay ingest failed")
			}
		}
	}
}

// Stop closes the subscription and waits for the consume loop to exit.
func (t *Transport) Stop(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sub == nil {
		return nil
	}
	t.cancel()
	err := t.sub.Close()
	select {
	case <-t.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	t.sub = nil
	t.logger.Info().Msg("Redis relay transport stopped")
	return err
}

// decodeEnvelope unmarshals a relay payload and validates its routing fields.
func decodeEnvelope(payload []byte) (*hub.Envelope, error) {
	var env hub.Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal relay envelope: %w", err)
	}
	if env.Destination == "" || env.OriginInstanceID == "" {
		return nil, fmt.Errorf("relay envelope %s is missing routing fields", env.ID)
	}
	return &env, nil
}
