package pubsub_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/pstest"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	ps "github.com/tinywideclouds/go-message-hub/internal/platform/pubsub"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/tinywideclouds/go-message-hub/pkg/hub"
)

func newTestClient(t *testing.T) *pubsub.Client {
	t.Helper()

	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	// Create client with context.Background() to prevent cleanup race.
	client, err := pubsub.NewClient(context.Background(), "test-project", option.WithGRPCConn(conn))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestTransport_Send(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	client := newTestClient(t)

	cfg := ps.Config{
		ProjectID:      "test-project",
		TopicID:        "hub-relay",
		SubscriptionID: "hub-relay-instance-a",
	}
	transport, err := ps.NewTransport(ctx, client, cfg, zerolog.Nop())
	require.NoError(t, err)

	env := hub.NewEnvelope("topic.chat.room.7", []byte(`{"text":"hi"}`), "alice")
	env.OriginInstanceID = "instance-a"
	env.Sequence = 42

	err = transport.Send(ctx, env)
	require.NoError(t, err)

	// Verify the envelope round-trips through the in-memory server.
	var wg sync.WaitGroup
	wg.Add(1)
	var receivedMsg *pubsub.Message

	receiveCtx, receiveCancel := context.WithCancel(ctx)
	sub := client.Subscriber(cfg.SubscriptionID)
	go func() {
		defer wg.Done()
		err := sub.Receive(receiveCtx, func(_ context.Context, msg *pubsub.Message) {
			receivedMsg = msg
			msg.Ack()
			receiveCancel()
		})
		assert.NoError(t, err)
	}()
	wg.Wait()

	require.NotNil(t, receivedMsg)
	var got hub.Envelope
	require.NoError(t, json.Unmarshal(receivedMsg.Data, &got))
	assert.Equal(t, env.ID, got.ID)
	assert.Equal(t, "topic.chat.room.7", got.Destination)
	assert.Equal(t, "instance-a", got.OriginInstanceID)
	assert.Equal(t, uint64(42), got.Sequence)
}

func TestTransport_ProvisioningIsIdempotent(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	client := newTestClient(t)

	cfg := ps.Config{
		ProjectID:      "test-project",
		TopicID:        "hub-relay",
		SubscriptionID: "hub-relay-instance-a",
	}

	_, err := ps.NewTransport(ctx, client, cfg, zerolog.Nop())
	require.NoError(t, err)

	// A second instance starting against the same topic must not fail.
	cfg.SubscriptionID = "hub-relay-instance-b"
	_, err = ps.NewTransport(ctx, client, cfg, zerolog.Nop())
	require.NoError(t, err)

	// And a restart with the same subscription must not fail either.
	_, err = ps.NewTransport(ctx, client, cfg, zerolog.Nop())
	require.NoError(t, err)
}

func TestEnvelopeTransformer(t *testing.T) {
	env := hub.NewEnvelope("user-queue.bob.inbox", []byte(`{"text":"hello"}`), "alice")
	env.OriginInstanceID = "instance-b"
	env.Sequence = 7
	payload, err := json.Marshal(env)
	require.NoError(t, err)

	t.Run("valid envelope", func(t *testing.T) {
		msg := &messagepipeline.Message{
			MessageData: messagepipeline.MessageData{ID: "msg-1", Payload: payload},
		}
		got, skip, err := ps.EnvelopeTransformer(context.Background(), msg)
		require.NoError(t, err)
		assert.False(t, skip)
		assert.Equal(t, env.ID, got.ID)
		assert.Equal(t, "user-queue.bob.inbox", got.Destination)
	})

	t.Run("malformed payload is skipped", func(t *testing.T) {
		msg := &messagepipeline.Message{
			MessageData: messagepipeline.MessageData{ID: "msg-2", Payload: []byte("not-json")},
		}
		got, skip, err := ps.EnvelopeTransformer(context.Background(), msg)
		require.Error(t, err)
		assert.True(t, skip)
		assert.Nil(t, got)
	})

	t.Run("missing routing fields is skipped", func(t *testing.T) {
		msg := &messagepipeline.Message{
			MessageData: messagepipeline.MessageData{ID: "msg-3", Payload: []byte(`{"id":"x"}`)},
		}
		got, skip, err := ps.EnvelopeTransformer(context.Background(), msg)
		require.Error(t, err)
		assert.True(t, skip)
		assert.Nil(t, got)
	})
}
