// Package presence derives per-principal online/offline/typing state from
// session lifecycle events. Transitions become visible only as envelopes
// published to topic.presence through the router, keeping the coordinator
// decoupled from delivery mechanics.
package presence

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-message-hub/internal/metrics"
	"github.com/tinywideclouds/go-message-hub/pkg/hub"
)

// Topic is the destination presence events are published to.
const Topic = "topic.presence"

// Event is the JSON payload of a presence envelope.
type Event struct {
	Principal string `json:"principal"`
	Status    string `json:"status,omitempty"` // "online" or "offline"
	Typing    *bool  `json:"typing,omitempty"`
	At        int64  `json:"at"`
}

// Publisher is the coordinator's outlet, satisfied by the router.
type Publisher interface {
	Publish(ctx context.Context, envelope *hub.Envelope) (*hub.DeliveryReport, error)
}

// Config holds the coordinator's tunables.
type Config struct {
	// GracePeriod debounces OFFLINE: a reconnect within the window
	// suppresses the event entirely (page navigation, flaky networks).
	GracePeriod time.Duration
	// TypingExpiry clears the typing flag when no repeat signal arrives.
	TypingExpiry time.Duration
}

// Record is a read-only snapshot of one principal's presence.
type Record struct {
	Online   bool
	Count    int
	LastSeen time.Time
	Typing   bool
}

type record struct {
	count        int
	lastSeen     time.Time
	typing       bool
	typingTimer  *clock.Timer
	offlineTimer *clock.Timer
}

// Coordinator tracks connection counts per principal. Online iff the
// count is positive; counts are additive across simultaneous connections.
type Coordinator struct {
	logger  zerolog.Logger
	clk     clock.Clock
	cfg     Config
	metrics *metrics.Metrics

	mu      sync.Mutex
	records map[string]*record

	publisher Publisher
}

// New creates a coordinator. The publisher is attached afterwards with
// SetPublisher because the router is constructed later in assembly.
func New(cfg Config, clk clock.Clock, m *metrics.Metrics, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		logger:  logger.With().Str("component", "PresenceCoordinator").Logger(),
		clk:     clk,
		cfg:     cfg,
		metrics: m,
		records: make(map[string]*record),
	}
}

// SetPublisher wires the router. Must be called before any lifecycle event.
func (c *Coordinator) SetPublisher(p Publisher) { c.publisher = p }

// ConnectionUp increments the principal's online count. The first
// connection publishes ONLINE; a reconnect inside the grace window
// cancels the pending OFFLINE instead.
func (c *Coordinator) ConnectionUp(principal string) {
	c.mu.Lock()
	rec, ok := c.records[principal]
	if !ok {
		rec = &record{}
		c.records[principal] = rec
	}
	rec.count++
	rec.lastSeen = c.clk.Now()

	announce := false
	if rec.count == 1 {
		if rec.offlineTimer != nil {
			// Reconnect within the grace window: the principal never went
			// offline, so neither event fires.
			rec.offlineTimer.Stop()
			rec.offlineTimer = nil
		} else {
			announce = true
		}
	}
	c.mu.Unlock()

	if announce {
		c.metrics.OnlinePrincipals.Inc()
		c.publishStatus(principal, "online")
	}
}

// ConnectionDown decrements the principal's online count. Reaching zero
// arms the grace timer; OFFLINE fires only if the window elapses with the
// count still at zero.
func (c *Coordinator) ConnectionDown(principal string) {
	c.mu.Lock()
	rec, ok := c.records[principal]
	if !ok || rec.count == 0 {
		c.mu.Unlock()
		return
	}
	rec.count--
	rec.lastSeen = c.clk.Now()

	fireNow := false
	if rec.count == 0 {
		if c.cfg.GracePeriod <= 0 {
			fireNow = true
		} else if rec.offlineTimer == nil {
			rec.offlineTimer = c.clk.AfterFunc(c.cfg.GracePeriod, func() {
				c.offlineExpired(principal)
			})
		}
	}
	c.mu.Unlock()

	if fireNow {
		c.goOffline(principal)
	}
}

// Typing marks the principal as typing. Repeat signals extend the expiry;
// the flag clears itself when the interval elapses without one.
func (c *Coordinator) Typing(principal string) {
	c.mu.Lock()
	rec, ok := c.records[principal]
	if !ok || rec.count == 0 {
		c.mu.Unlock()
		return
	}
	announce := !rec.typing
	rec.typing = true
	if rec.typingTimer != nil {
		rec.typingTimer.Stop()
	}
	rec.typingTimer = c.clk.AfterFunc(c.cfg.TypingExpiry, func() {
		c.typingExpired(principal)
	})
	c.mu.Unlock()

	if announce {
		c.publishTyping(principal, true)
	}
}

// Snapshot returns the principal's current presence record.
func (c *Coordinator) Snapshot(principal string) (Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.records[principal]
	if !ok {
		return Record{}, false
	}
	return Record{
		Online:   rec.count > 0,
		Count:    rec.count,
		LastSeen: rec.lastSeen,
		Typing:   rec.typing,
	}, true
}

func (c *Coordinator) offlineExpired(principal string) {
	c.mu.Lock()
	rec, ok := c.records[principal]
	if !ok || rec.count > 0 || rec.offlineTimer == nil {
		c.mu.Unlock()
		return
	}
	rec.offlineTimer = nil
	c.mu.Unlock()

	c.goOffline(principal)
}

func (c *Coordinator) goOffline(principal string) {
	c.mu.Lock()
	rec, ok := c.records[principal]
	if !ok || rec.count > 0 {
		c.mu.Unlock()
		return
	}
	wasTyping := rec.typing
	rec.typing = false
	if rec.typingTimer != nil {
		rec.typingTimer.Stop()
		rec.typingTimer = nil
	}
	rec.lastSeen = c.clk.Now()
	c.mu.Unlock()

	if wasTyping {
		c.publishTyping(principal, false)
	}
	c.metrics.OnlinePrincipals.Dec()
	c.publishStatus(principal, "offline")
}

func (c *Coordinator) typingExpired(principal string) {
	c.mu.Lock()
	rec, ok := c.records[principal]
	if !ok || !rec.typing {
		c.mu.Unlock()
		return
	}
	rec.typing = false
	rec.typingTimer = nil
	c.mu.Unlock()

	c.publishTyping(principal, false)
}

func (c *Coordinator) publishStatus(principal, status string) {
	c.publish(Event{
		Principal: principal,
		Status:    status,
		At:        c.clk.Now().Unix(),
	})
}

func (c *Coordinator) publishTyping(principal string, typing bool) {
	c.publish(Event{
		Principal: principal,
		Typing:    &typing,
		At:        c.clk.Now().Unix(),
	})
}

func (c *Coordinator) publish(event Event) {
	if c.publisher == nil {
		return
	}
	payload, err := json.Marshal(event)
	if err != nil {
		c.logger.Error().Err(err).Msg("Failed to marshal presence event")
		return
	}
	env := hub.NewEnvelope(Topic, payload, "")
	if _, err := c.publisher.Publish(context.Background(), env); err != nil {
		c.logger.Error().Err(err).Str("principal", event.Principal).Msg("Failed to publish presence event")
	}
}
