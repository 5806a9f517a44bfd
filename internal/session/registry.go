// Package session owns the set of live connections: identifier to
// principal mapping, liveness via heartbeats, and the per-connection
// outbound queue. Other components reference connections only by id.
package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-message-hub/internal/metrics"
	"github.com/tinywideclouds/go-message-hub/pkg/hub"
)

// State is a connection's lifecycle state.
type State int32

const (
	// StatePending means the handshake was accepted but identity is not
	// yet attached.
	StatePending State = iota
	// StateActive means the connection delivers and receives normally.
	StateActive
	// StateClosing means close was initiated; no new deliveries are
	// accepted but queued ones drain.
	StateClosing
	// StateClosed is terminal; the registry entry is removed.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// PresenceNotifier receives connection lifecycle events per principal.
type PresenceNotifier interface {
	ConnectionUp(principal string)
	ConnectionDown(principal string)
}

// SubscriptionCleaner removes all subscriptions held by a connection.
type SubscriptionCleaner interface {
	RemoveConnection(connID string)
}

// Config holds the registry's tunables. Zero values disable the
// connection cap and fall back to conservative defaults elsewhere.
type Config struct {
	// Capacity caps the connection table; 0 means unlimited.
	Capacity int
	// QueueCapacity bounds each connection's outbound queue.
	QueueCapacity int
	// HeartbeatTimeout is the liveness cutoff enforced by the sweep.
	HeartbeatTimeout time.Duration
	// SweepInterval is how often the background sweep runs.
	SweepInterval time.Duration
}

type conn struct {
	id string

	mu        sync.Mutex
	principal string
	state     State
	counted   bool // principal's online count was incremented
	lastBeat  time.Time
	slow      bool

	outbound *Outbound
}

// Registry is the connection table. The table itself is guarded by one
// RWMutex; per-connection state is guarded by the connection's own mutex
// so unrelated connections never serialize against each other.
type Registry struct {
	logger  zerolog.Logger
	clk     clock.Clock
	cfg     Config
	metrics *metrics.Metrics

	mu          sync.RWMutex
	conns       map[string]*conn
	byPrincipal map[string]map[string]struct{}

	cleaner  SubscriptionCleaner
	presence PresenceNotifier

	sweeping atomic.Bool
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg Config, clk clock.Clock, m *metrics.Metrics, logger zerolog.Logger) *Registry {
	return &Registry{
		logger:      logger.With().Str("component", "SessionRegistry").Logger(),
		clk:         clk,
		cfg:         cfg,
		metrics:     m,
		conns:       make(map[string]*conn),
		byPrincipal: make(map[string]map[string]struct{}),
	}
}

// SetCascades wires the destroy cascade targets. Called once during
// assembly, before any connection registers.
func (r *Registry) SetCascades(cleaner SubscriptionCleaner, presence PresenceNotifier) {
	r.cleaner = cleaner
	r.presence = presence
}

// Register adds a connection. An empty principal leaves the connection
// pending until Activate attaches the resolved identity.
func (r *Registry) Register(connID, principal string) error {
	r.mu.Lock()
	if _, exists := r.conns[connID]; exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", hub.ErrDuplicateConnection, connID)
	}
	if r.cfg.Capacity > 0 && len(r.conns) >= r.cfg.Capacity {
		r.mu.Unlock()
		return hub.ErrCapacity
	}

	c := &conn{
		id:       connID,
		lastBeat: r.clk.Now(),
		outbound: NewOutbound(r.cfg.QueueCapacity),
	}
	var notify string
	if principal != "" {
		c.principal = principal
		c.state = StateActive
		c.counted = true
		r.indexLocked(principal, connID)
		notify = principal
	}
	r.conns[connID] = c
	r.mu.Unlock()

	r.metrics.ActiveConnections.Inc()
	if notify != "" && r.presence != nil {
		r.presence.ConnectionUp(notify)
	}
	r.logger.Info().Str("conn", connID).Str("principal", principal).Msg("Connection registered")
	return nil
}

// Activate attaches the resolved principal to a pending connection.
// The built-in transports resolve identity from the HTTP request before
// registering, so they never leave a connection pending; the two-step
// path exists for resolvers that attach identity post-handshake, e.g. a
// first-frame token exchange.
func (r *Registry) Activate(connID, principal string) error {
	r.mu.Lock()
	c, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", hub.ErrUnknownConnection, connID)
	}
	c.mu.Lock()
	if c.state != StatePending {
		state := c.state
		c.mu.Unlock()
		r.mu.Unlock()
		return fmt.Errorf("%w: %s is %s, not pending", hub.ErrDuplicateConnection, connID, state)
	}
	c.principal = principal
	c.state = StateActive
	c.counted = true
	c.lastBeat = r.clk.Now()
	c.mu.Unlock()
	r.indexLocked(principal, connID)
	r.mu.Unlock()

	if r.presence != nil {
		r.presence.ConnectionUp(principal)
	}
	r.logger.Info().Str("conn", connID).Str("principal", principal).Msg("Connection active")
	return nil
}

// Heartbeat refreshes the connection's liveness timestamp.
func (r *Registry) Heartbeat(connID string) error {
	r.mu.RLock()
	c, ok := r.conns[connID]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", hub.ErrUnknownConnection, connID)
	}
	c.mu.Lock()
	c.lastBeat = r.clk.Now()
	c.mu.Unlock()
	return nil
}

// MarkClosing stops new deliveries to the connection. Queued envelopes
// still drain; Destroy finishes the lifecycle. Idempotent.
func (r *Registry) MarkClosing(connID string) {
	r.mu.RLock()
	c, ok := r.conns[connID]
	r.mu.RUnlock()
	if !ok {
		return
	}
	c.mu.Lock()
	if c.state == StatePending || c.state == StateActive {
		c.state = StateClosing
	}
	c.mu.Unlock()
	c.outbound.StartDraining()
}

// Destroy removes the connection and cascades exactly once: subscriptions
// are cleared and the principal's online count decremented, even when a
// close frame and a heartbeat timeout race. Idempotent.
func (r *Registry) Destroy(connID string) {
	r.mu.Lock()
	c, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return
	}
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		r.mu.Unlock()
		return
	}
	c.state = StateClosed
	principal := c.principal
	counted := c.counted
	c.counted = false
	c.mu.Unlock()

	delete(r.conns, connID)
	if principal != "" {
		r.unindexLocked(principal, connID)
	}
	r.mu.Unlock()

	c.outbound.Close()
	if r.cleaner != nil {
		r.cleaner.RemoveConnection(connID)
	}
	if counted && r.presence != nil {
		r.presence.ConnectionDown(principal)
	}
	r.metrics.ActiveConnections.Dec()
	r.logger.Info().Str("conn", connID).Str("principal", principal).Msg("Connection destroyed")
}

// Enqueue places an envelope on the connection's outbound queue.
// Non-active connections refuse.
func (r *Registry) Enqueue(connID string, env *hub.Envelope) EnqueueResult {
	r.mu.RLock()
	c, ok := r.conns[connID]
	r.mu.RUnlock()
	if !ok {
		return EnqueueRefused
	}
	c.mu.Lock()
	if c.state != StateActive {
		c.mu.Unlock()
		return EnqueueRefused
	}
	c.mu.Unlock()

	result := c.outbound.TryEnqueue(env)
	if result == EnqueueDisplaced {
		c.mu.Lock()
		c.slow = true
		c.mu.Unlock()
	}
	return result
}

// Outbound returns the connection's delivery queue for its writer.
func (r *Registry) Outbound(connID string) (*Outbound, bool) {
	r.mu.RLock()
	c, ok := r.conns[connID]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return c.outbound, true
}

// Principal returns the connection's resolved identity.
func (r *Registry) Principal(connID string) (string, bool) {
	r.mu.RLock()
	c, ok := r.conns[connID]
	r.mu.RUnlock()
	if !ok {
		return "", false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.principal, true
}

// State returns the connection's lifecycle state.
func (r *Registry) State(connID string) (State, bool) {
	r.mu.RLock()
	c, ok := r.conns[connID]
	r.mu.RUnlock()
	if !ok {
		return StateClosed, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, true
}

// IsActive reports whether the connection is currently active.
func (r *Registry) IsActive(connID string) bool {
	state, ok := r.State(connID)
	return ok && state == StateActive
}

// ConnectionsFor returns the ids of the principal's active connections.
// The index is maintained by the registry, never a pointer on the
// principal record, so destruction cannot leave a dangling reference.
func (r *Registry) ConnectionsFor(principal string) []string {
	r.mu.RLock()
	set := r.byPrincipal[principal]
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	active := ids[:0]
	for _, id := range ids {
		if r.IsActive(id) {
			active = append(active, id)
		}
	}
	return active
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Sweep destroys every connection whose last heartbeat exceeds the
// configured timeout. Only one pass runs at a time. It returns the ids it
// destroyed. This is the sole detection path for silently dropped
// transports: no clean close frame ever arrives for them.
func (r *Registry) Sweep() []string {
	if !r.sweeping.CompareAndSwap(false, true) {
		return nil
	}
	defer r.sweeping.Store(false)

	cutoff := r.clk.Now().Add(-r.cfg.HeartbeatTimeout)

	r.mu.RLock()
	var expired []string
	for id, c := range r.conns {
		c.mu.Lock()
		if c.state != StateClosed && c.lastBeat.Before(cutoff) {
			expired = append(expired, id)
		}
		c.mu.Unlock()
	}
	r.mu.RUnlock()

	for _, id := range expired {
		r.logger.Warn().Str("conn", id).Msg("Heartbeat timeout, destroying connection")
		r.Destroy(id)
	}
	return expired
}

// RunSweeper runs the periodic sweep until the context is cancelled.
func (r *Registry) RunSweeper(ctx context.Context) error {
	ticker := r.clk.Ticker(r.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.Sweep()
		}
	}
}

// indexLocked and unindexLocked require r.mu held for writing.
func (r *Registry) indexLocked(principal, connID string) {
	set, ok := r.byPrincipal[principal]
	if !ok {
		set = make(map[string]struct{})
		r.byPrincipal[principal] = set
	}
	set[connID] = struct{}{}
}

func (r *Registry) unindexLocked(principal, connID string) {
	set, ok := r.byPrincipal[principal]
	if !ok {
		return
	}
	delete(set, connID)
	if len(set) == 0 {
		delete(r.byPrincipal, principal)
	}
}
