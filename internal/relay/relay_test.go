package relay

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-message-hub/internal/metrics"
	"github.com/tinywideclouds/go-message-hub/pkg/hub"
)

type fakeTransport struct {
	mu      sync.Mutex
	sent    []*hub.Envelope
	sendErr error
	started bool
}

func (t *fakeTransport) Send(_ context.Context, env *hub.Envelope) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sendErr != nil {
		return t.sendErr
	}
	t.sent = append(t.sent, env)
	return nil
}

func (t *fakeTransport) Start(_ context.Context, _ func(context.Context, *hub.Envelope) error) error {
	t.started = true
	return nil
}

func (t *fakeTransport) Stop(_ context.Context) error { return nil }

func (t *fakeTransport) sentCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sent)
}

type countingPublisher struct {
	mu        sync.Mutex
	envelopes []*hub.Envelope
	err       error
}

func (p *countingPublisher) Publish(_ context.Context, env *hub.Envelope) (*hub.DeliveryReport, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	p.envelopes = append(p.envelopes, env)
	return &hub.DeliveryReport{Destination: env.Destination}, nil
}

func (p *countingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.envelopes)
}

func peerEnvelope(instance string, seq uint64) *hub.Envelope {
	env := hub.NewEnvelope("topic.news", []byte("x"), "peer-user")
	env.OriginInstanceID = instance
	env.Sequence = seq
	return env
}

type relayFixture struct {
	relay     *Relay
	transport *fakeTransport
	publisher *countingPublisher
	metrics   *metrics.Metrics
}

func setup(t *testing.T) *relayFixture {
	t.Helper()
	f := &relayFixture{
		transport: &fakeTransport{},
		publisher: &countingPublisher{},
		metrics:   metrics.New(),
	}
	var err error
	f.relay, err = New("instance-1", f.transport, f.publisher, 128, f.metrics, zerolog.Nop())
	require.NoError(t, err)
	return f
}

func TestRelay_ForwardLocalEnvelope(t *testing.T) {
	f := setup(t)

	f.relay.Forward(context.Background(), peerEnvelope("instance-1", 1))
	assert.Equal(t, 1, f.transport.sentCount())
	assert.Equal(t, int64(1), f.metrics.Snapshot().RelayForwarded)
}

func TestRelay_NeverForwardsIngestedEnvelopes(t *testing.T) {
	f := setup(t)

	f.relay.Forward(context.Background(), peerEnvelope("instance-2", 1))
	assert.Zero(t, f.transport.sentCount(), "forwarding a peer envelope would loop forever")
}

func TestRelay_IngestDispatchesLocally(t *testing.T) {
	f := setup(t)

	require.NoError(t, f.relay.Ingest(context.Background(), peerEnvelope("instance-2", 1)))
	assert.Equal(t, 1, f.publisher.count())
	assert.Equal(t, int64(1), f.metrics.Snapshot().RelayIngested)
}

func TestRelay_IngestDeduplicates(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	// At-least-once peers replay; the same (origin, seq) pair must produce
	// exactly one local delivery.
	require.NoError(t, f.relay.Ingest(ctx, peerEnvelope("instance-2", 7)))
	require.NoError(t, f.relay.Ingest(ctx, peerEnvelope("instance-2", 7)))
	require.NoError(t, f.relay.Ingest(ctx, peerEnvelope("instance-2", 7)))

	assert.Equal(t, 1, f.publisher.count())
	assert.Equal(t, int64(2), f.metrics.Snapshot().RelayDeduped)

	// A different origin with the same sequence is not a duplicate.
	require.NoError(t, f.relay.Ingest(ctx, peerEnvelope("instance-3", 7)))
	assert.Equal(t, 2, f.publisher.count())
}

func TestRelay_IngestDropsOwnEcho(t *testing.T) {
	f := setup(t)

	require.NoError(t, f.relay.Ingest(context.Background(), peerEnvelope("instance-1", 3)))
	assert.Zero(t, f.publisher.count())
}

func TestRelay_SendFailureDegradesToLocalOnly(t *testing.T) {
	f := setup(t)
	f.transport.sendErr = errors.New("broker unreachable")

	// Forward must swallow the error: the publish already succeeded locally.
	f.relay.Forward(context.Background(), peerEnvelope("instance-1", 1))
	assert.Zero(t, f.metrics.Snapshot().RelayForwarded)
}

func TestRelay_ConstructorValidation(t *testing.T) {
	m := metrics.New()
	_, err := New("i", nil, &countingPublisher{}, 0, m, zerolog.Nop())
	require.Error(t, err)
	_, err = New("i", &fakeTransport{}, nil, 0, m, zerolog.Nop())
	require.Error(t, err)
}
