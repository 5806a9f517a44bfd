// Package pubsub contains the Google Cloud Pub/Sub relay transport. Every
// hub instance publishes to a shared relay topic and consumes it through
// its own subscription; the relay core discards own echoes on ingest.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/tinywideclouds/go-message-hub/pkg/hub"
)

const defaultNumWorkers = 4

// pubsubTopicClient defines the interface we need from the pubsub
// publisher. It allows a mock for testing.
type pubsubTopicClient interface {
	Publish(ctx context.Context, msg *pubsub.Message) *pubsub.PublishResult
}

// Config identifies the relay topic and this instance's subscription.
// TopicID and SubscriptionID are short resource IDs within ProjectID.
type Config struct {
	ProjectID      string
	TopicID        string
	SubscriptionID string
	NumWorkers     int
}

func (c Config) topicName() string {
	return fmt.Sprintf("projects/%s/topics/%s", c.ProjectID, c.TopicID)
}

func (c Config) subscriptionName() string {
	return fmt.Sprintf("projects/%s/subscriptions/%s", c.ProjectID, c.SubscriptionID)
}

// Transport implements hub.RelayTransport over Google Cloud Pub/Sub.
type Transport struct {
	client   *pubsub.Client
	topic    pubsubTopicClient
	cfg      Config
	logger   zerolog.Logger
	pipeline *messagepipeline.StreamingService[hub.Envelope]
}

// NewTransport provisions the relay topic and subscription (tolerating
// AlreadyExists) and returns a transport ready to Start.
func NewTransport(ctx context.Context, client *pubsub.Client, cfg Config, logger zerolog.Logger) (*Transport, error) {
	if client == nil {
		return nil, fmt.Errorf("pubsub client cannot be nil")
	}
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = defaultNumWorkers
	}

	if err := ensureTopic(ctx, client, cfg, logger); err != nil {
		return nil, err
	}
	if err := ensureSubscription(ctx, client, cfg, logger); err != nil {
		return nil, err
	}

	return &Transport{
		client: client,
		topic:  client.Publisher(cfg.TopicID),
		cfg:    cfg,
		logger: logger.With().Str("component", "PubSubRelayTransport").Logger(),
	}, nil
}

// Send serializes the envelope and publishes it to the relay topic.
func (t *Transport) Send(ctx context.Context, env *hub.Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope for relay: %w", err)
	}

	result := t.topic.Publish(ctx, &pubsub.Message{Data: payload})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("failed to publish relay envelope: %w", err)
	}
	return nil
}

// Start builds the consuming pipeline: subscription consumer, envelope
// transformer, and a processor that hands each peer envelope to onReceive.
func (t *Transport) Start(ctx context.Context, onReceive func(context.Context, *hub.Envelope) error) error {
	consumer, err := messagepipeline.NewGooglePubsubConsumer(
		messagepipeline.NewGooglePubsubConsumerDefaults(t.cfg.SubscriptionID), t.client, zerolog.Nop(),
	)
	if err != nil {
		return fmt.Errorf("failed to create relay consumer: %w", err)
	}

	processor := func(ctx context.Context, _ messagepipeline.Message, env *hub.Envelope) error {
		return onReceive(ctx, env)
	}

	pipeline, err := messagepipeline.NewStreamingService[hub.Envelope](
		messagepipeline.StreamingServiceConfig{NumWorkers: t.cfg.NumWorkers},
		consumer,
		EnvelopeTransformer,
		processor,
		t.logger,
	)
	if err != nil {
		return fmt.Errorf("failed to create relay pipeline: %w", err)
	}
	t.pipeline = pipeline
	return t.pipeline.Start(ctx)
}

// Stop shuts down the consuming pipeline.
func (t *Transport) Stop(ctx context.Context) error {
	if t.pipeline == nil {
		return nil
	}
	return t.pipeline.Stop(ctx)
}

// EnvelopeTransformer unmarshals a raw relay payload into an Envelope.
// Malformed payloads are skipped with an error so the pipeline nacks them.
func EnvelopeTransformer(_ context.Context, msg *messagepipeline.Message) (*hub.Envelope, bool, error) {
	var env hub.Envelope
	if err := json.Unmarshal(msg.Payload, &env); err != nil {
		return nil, true, fmt.Errorf("failed to unmarshal relay envelope from message %s: %w", msg.ID, err)
	}
	if env.Destination == "" || env.OriginInstanceID == "" {
		return nil, true, fmt.Errorf("relay envelope from message %s is missing routing fields", msg.ID)
	}
	return &env, false, nil
}

func ensureTopic(ctx context.Context, client *pubsub.Client, cfg Config, logger zerolog.Logger) error {
	logger.Debug().Str("topic", cfg.TopicID).Msg("Ensuring relay topic exists")
	_, err := client.TopicAdminClient.CreateTopic(ctx, &pubsubpb.Topic{Name: cfg.topicName()})
	if err != nil && status.Code(err) != codes.AlreadyExists {
		return fmt.Errorf("could not create relay topic %s: %w", cfg.TopicID, err)
	}
	return nil
}

func ensureSubscription(ctx context.Context, client *pubsub.Client, cfg Config, logger zerolog.Logger) error {
	logger.Debug().Str("sub", cfg.SubscriptionID).Str("topic", cfg.TopicID).Msg("Ensuring relay subscription exists")
	_, err := client.SubscriptionAdminClient.CreateSubscription(ctx, &pubsubpb.Subscription{
		Name:               cfg.subscriptionName(),
		Topic:              cfg.topicName(),
		AckDeadlineSeconds: 10,
	})
	if err != nil && status.Code(err) != codes.AlreadyExists {
		return fmt.Errorf("could not create relay subscription %s: %w", cfg.SubscriptionID, err)
	}
	return nil
}
