// Package relay mirrors local publish events to peer hub instances and
// ingests peer events as if locally published. Peers deliver at least
// once; ingest deduplicates on (origin instance, sequence) pairs. The
// relay is an enhancement: transport failure degrades to local-only
// delivery, never failing a publish.
package relay

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-message-hub/internal/metrics"
	"github.com/tinywideclouds/go-message-hub/pkg/hub"
)

// DefaultDedupeWindow bounds the seen-pair cache when the config gives none.
const DefaultDedupeWindow = 8192

// Publisher re-enters the router's local dispatch path.
type Publisher interface {
	Publish(ctx context.Context, envelope *hub.Envelope) (*hub.DeliveryReport, error)
}

// Relay is the broker relay core, wrapping a pluggable transport.
type Relay struct {
	logger     zerolog.Logger
	instanceID string
	transport  hub.RelayTransport
	publisher  Publisher
	metrics    *metrics.Metrics
	seen       *lru.Cache[string, struct{}]
}

// New creates a relay over the given transport.
func New(instanceID string, transport hub.RelayTransport, publisher Publisher, dedupeWindow int, m *metrics.Metrics, logger zerolog.Logger) (*Relay, error) {
	if transport == nil {
		return nil, fmt.Errorf("relay transport cannot be nil")
	}
	if publisher == nil {
		return nil, fmt.Errorf("relay publisher cannot be nil")
	}
	if dedupeWindow <= 0 {
		dedupeWindow = DefaultDedupeWindow
	}
	seen, err := lru.New[string, struct{}](dedupeWindow)
	if err != nil {
		return nil, fmt.Errorf("failed to create dedupe cache: %w", err)
	}
	return &Relay{
		logger:     logger.With().Str("component", "BrokerRelay").Str("instance", instanceID).Logger(),
		instanceID: instanceID,
		transport:  transport,
		publisher:  publisher,
		metrics:    m,
		seen:       seen,
	}, nil
}

// Start begins ingesting peer envelopes.
func (r *Relay) Start(ctx context.Context) error {
	return r.transport.Start(ctx, r.Ingest)
}

// Stop halts ingestion and releases the transport.
func (r *Relay) Stop(ctx context.Context) error {
	return r.transport.Stop(ctx)
}

// Forward ships a locally published envelope to peers. Errors are logged
// and counted; local delivery has already happened and must not fail.
func (r *Relay) Forward(ctx context.Context, env *hub.Envelope) {
	if env.OriginInstanceID != r.instanceID {
		// Never re-forward an ingested envelope: that is the relay loop.
		return
	}
	if err := r.transport.Send(ctx, env); err != nil {
		r.logger.Warn().Err(err).Str("destination", env.Destination).Msg("Relay send failed, degrading to local-only delivery")
		return
	}
	r.metrics.RelayForwarded.Inc()
}

// Ingest re-enters a peer envelope into local dispatch. Own echoes and
// already-seen (origin, sequence) pairs are discarded.
func (r *Relay) Ingest(ctx context.Context, env *hub.Envelope) error {
	if env.OriginInstanceID == r.instanceID {
		return nil
	}
	key := env.DedupeKey()
	if _, dup := r.seen.Get(key); dup {
		r.metrics.RelayDeduped.Inc()
		r.logger.Debug().Str("key", key).Msg("Dropping duplicate peer envelope")
		return nil
	}
	r.seen.Add(key, struct{}{})

	if _, err := r.publisher.Publish(ctx, env); err != nil {
		return fmt.Errorf("failed to dispatch peer envelope: %w", err)
	}
	r.metrics.RelayIngested.Inc()
	return nil
}
