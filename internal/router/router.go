// Package router resolves destinations to subscribers and performs
// delivery. Publishing never blocks on a slow subscriber: each
// connection's bounded queue absorbs or drops, and the outcome is
// reported per subscriber.
package router

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-message-hub/internal/directory"
	"github.com/tinywideclouds/go-message-hub/internal/metrics"
	"github.com/tinywideclouds/go-message-hub/internal/session"
	"github.com/tinywideclouds/go-message-hub/pkg/hub"
)

// Relay mirrors locally published envelopes to peer instances.
type Relay interface {
	Forward(ctx context.Context, envelope *hub.Envelope)
}

// Router classifies destinations, fans out to subscribers via the
// directory, and bridges app.* destinations to registered handlers.
type Router struct {
	logger     zerolog.Logger
	registry   *session.Registry
	directory  *directory.Directory
	metrics    *metrics.Metrics
	instanceID string
	seq        atomic.Uint64

	mu       sync.RWMutex
	handlers map[string]hub.AppHandler
	relay    Relay
}

// New creates a router. The relay is attached later with SetRelay; nil
// relay means single-instance mode.
func New(instanceID string, registry *session.Registry, dir *directory.Directory, m *metrics.Metrics, logger zerolog.Logger) *Router {
	return &Router{
		logger:     logger.With().Str("component", "Router").Str("instance", instanceID).Logger(),
		registry:   registry,
		directory:  dir,
		metrics:    m,
		instanceID: instanceID,
		handlers:   make(map[string]hub.AppHandler),
	}
}

// SetRelay wires the broker relay. Safe to call once during assembly.
func (r *Router) SetRelay(relay Relay) {
	r.mu.Lock()
	r.relay = relay
	r.mu.Unlock()
}

// InstanceID returns this hub instance's identifier.
func (r *Router) InstanceID() string { return r.instanceID }

// RegisterHandler binds an AppHandler to an app.* action prefix. The
// handler with the longest matching prefix wins.
func (r *Router) RegisterHandler(actionPrefix string, handler hub.AppHandler) {
	r.mu.Lock()
	r.handlers[actionPrefix] = handler
	r.mu.Unlock()
}

// Publish routes one envelope. Locally originated envelopes are stamped
// with this instance's id and the next sequence number, then forwarded to
// the relay after local fan-out. Relay-ingested envelopes keep their
// origin stamp, which suppresses re-forwarding.
func (r *Router) Publish(ctx context.Context, env *hub.Envelope) (*hub.DeliveryReport, error) {
	dest, err := hub.ParseDestination(env.Destination)
	if err != nil {
		return nil, err
	}

	local := env.OriginInstanceID == "" || env.OriginInstanceID == r.instanceID
	if env.OriginInstanceID == "" {
		env.OriginInstanceID = r.instanceID
		env.Sequence = r.seq.Add(1)
	}
	r.metrics.MessagesRouted.Inc()

	if dest.Class() == hub.ClassApp {
		return r.dispatchApp(ctx, dest, env)
	}

	report := &hub.DeliveryReport{Destination: env.Destination}
	for _, connID := range r.directory.Resolve(dest) {
		outcome := r.deliver(connID, env)
		report.Results = append(report.Results, hub.DeliveryResult{ConnectionID: connID, Outcome: outcome})
	}

	r.mu.RLock()
	relay := r.relay
	r.mu.RUnlock()
	if relay != nil && local {
		relay.Forward(ctx, env)
	}

	r.logger.Debug().
		Str("destination", env.Destination).
		Int("delivered", report.Delivered()).
		Int("subscribers", len(report.Results)).
		Msg("Envelope routed")
	return report, nil
}

// deliver enqueues onto one subscriber's queue and maps the result.
func (r *Router) deliver(connID string, env *hub.Envelope) hub.Outcome {
	switch r.registry.Enqueue(connID, env) {
	case session.EnqueueOK:
		r.metrics.MessagesDelivered.Inc()
		return hub.OutcomeDelivered
	case session.EnqueueDisplaced:
		// The new envelope was queued; the oldest unsent one was dropped.
		r.metrics.DroppedSlow.Inc()
		r.logger.Warn().Str("conn", connID).Str("destination", env.Destination).Msg("Slow consumer dropped oldest envelope")
		return hub.OutcomeDroppedSlowConsumer
	default:
		r.metrics.DroppedClosed.Inc()
		return hub.OutcomeDroppedClosed
	}
}

// dispatchApp invokes the business-logic handler for an app.* action and
// publishes whatever it returns.
func (r *Router) dispatchApp(ctx context.Context, dest hub.Destination, env *hub.Envelope) (*hub.DeliveryReport, error) {
	handler := r.lookupHandler(dest.Action())
	if handler == nil {
		return nil, fmt.Errorf("%w: no handler for %q", hub.ErrInvalidDestination, env.Destination)
	}

	publications, err := handler(ctx, dest.Action(), env.Payload, env.Origin)
	if err != nil {
		return nil, fmt.Errorf("handler for %q failed: %w", env.Destination, err)
	}

	for _, pub := range publications {
		out := hub.NewEnvelope(pub.Destination, pub.Payload, env.Origin)
		if _, err := r.Publish(ctx, out); err != nil {
			r.logger.Error().Err(err).Str("destination", pub.Destination).Msg("Failed to publish handler result")
		}
	}
	return &hub.DeliveryReport{Destination: env.Destination, Handled: true}, nil
}

func (r *Router) lookupHandler(action string) hub.AppHandler {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best string
	var found hub.AppHandler
	for prefix, h := range r.handlers {
		if (action == prefix || strings.HasPrefix(action, prefix+".")) && len(prefix) > len(best) {
			best = prefix
			found = h
		}
	}
	return found
}
