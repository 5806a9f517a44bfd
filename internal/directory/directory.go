// Package directory maps destination patterns to subscribing connections.
// Topic subscriptions are stored explicitly; user queues exist implicitly
// for any principal with an active connection.
package directory

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-message-hub/pkg/hub"
)

// SessionIndex is the directory's view of the session registry.
type SessionIndex interface {
	ConnectionsFor(principal string) []string
	IsActive(connID string) bool
}

// Directory owns all subscriptions. Resolution never returns a connection
// that is not currently active; a connection closing between resolution
// and delivery is a delivery failure, not a directory inconsistency.
type Directory struct {
	logger   zerolog.Logger
	sessions SessionIndex

	mu sync.RWMutex
	// pattern -> connID -> set of subscription ids.
	topics map[string]map[string]map[string]struct{}
	// connID -> subscription id -> pattern, for unsubscribe and cleanup.
	byConn map[string]map[string]string
}

// New creates an empty directory backed by the given session index.
func New(sessions SessionIndex, logger zerolog.Logger) *Directory {
	return &Directory{
		logger:   logger.With().Str("component", "SubscriptionDirectory").Logger(),
		sessions: sessions,
		topics:   make(map[string]map[string]map[string]struct{}),
		byConn:   make(map[string]map[string]string),
	}
}

// Subscribe records the connection's interest in a destination pattern and
// returns the subscription id. Application-inbound destinations are not
// subscribable.
func (d *Directory) Subscribe(connID, pattern string) (string, error) {
	dest, err := hub.ParseDestination(pattern)
	if err != nil {
		return "", err
	}
	if dest.Class() == hub.ClassApp {
		return "", fmt.Errorf("%w: %q is application-inbound", hub.ErrInvalidDestination, pattern)
	}

	subID := uuid.NewString()

	d.mu.Lock()
	conns, ok := d.topics[pattern]
	if !ok {
		conns = make(map[string]map[string]struct{})
		d.topics[pattern] = conns
	}
	subs, ok := conns[connID]
	if !ok {
		subs = make(map[string]struct{})
		conns[connID] = subs
	}
	subs[subID] = struct{}{}

	bySub, ok := d.byConn[connID]
	if !ok {
		bySub = make(map[string]string)
		d.byConn[connID] = bySub
	}
	bySub[subID] = pattern
	d.mu.Unlock()

	d.logger.Debug().Str("conn", connID).Str("pattern", pattern).Str("sub", subID).Msg("Subscribed")
	return subID, nil
}

// Unsubscribe removes one subscription by id.
func (d *Directory) Unsubscribe(connID, subID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	bySub, ok := d.byConn[connID]
	if !ok {
		return fmt.Errorf("%w: %s", hub.ErrNotFound, subID)
	}
	pattern, ok := bySub[subID]
	if !ok {
		return fmt.Errorf("%w: %s", hub.ErrNotFound, subID)
	}
	delete(bySub, subID)
	if len(bySub) == 0 {
		delete(d.byConn, connID)
	}
	d.removeTopicSubLocked(pattern, connID, subID)
	return nil
}

// Resolve returns the connection ids that should receive an envelope
// published to the destination. Topic destinations match stored patterns
// exactly, or segment-wise where the stored pattern uses "*" for one
// segment. User queues resolve to every active connection of the named
// principal, whether or not it ever subscribed explicitly.
func (d *Directory) Resolve(dest hub.Destination) []string {
	switch dest.Class() {
	case hub.ClassUserQueue:
		return d.sessions.ConnectionsFor(dest.Principal())

	case hub.ClassTopic:
		seen := make(map[string]struct{})
		d.mu.RLock()
		if conns, ok := d.topics[dest.String()]; ok {
			for connID := range conns {
				seen[connID] = struct{}{}
			}
		}
		for pattern, conns := range d.topics {
			if pattern == dest.String() || !strings.Contains(pattern, "*") {
				continue
			}
			if matchPattern(pattern, dest.String()) {
				for connID := range conns {
					seen[connID] = struct{}{}
				}
			}
		}
		d.mu.RUnlock()

		ids := make([]string, 0, len(seen))
		for connID := range seen {
			if d.sessions.IsActive(connID) {
				ids = append(ids, connID)
			}
		}
		return ids

	default:
		return nil
	}
}

// RemoveConnection clears every subscription the connection holds.
// Invoked by the session registry's destroy cascade; idempotent.
func (d *Directory) RemoveConnection(connID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	bySub, ok := d.byConn[connID]
	if !ok {
		return
	}
	for subID, pattern := range bySub {
		d.removeTopicSubLocked(pattern, connID, subID)
	}
	delete(d.byConn, connID)
}

// SubscriptionCount returns the connection's net subscription count for
// the exact pattern.
func (d *Directory) SubscriptionCount(connID, pattern string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if conns, ok := d.topics[pattern]; ok {
		return len(conns[connID])
	}
	return 0
}

// removeTopicSubLocked requires d.mu held for writing.
func (d *Directory) removeTopicSubLocked(pattern, connID, subID string) {
	conns, ok := d.topics[pattern]
	if !ok {
		return
	}
	subs, ok := conns[connID]
	if !ok {
		return
	}
	delete(subs, subID)
	if len(subs) == 0 {
		delete(conns, connID)
	}
	if len(conns) == 0 {
		delete(d.topics, pattern)
	}
}

// matchPattern matches a destination against a stored pattern where "*"
// stands for exactly one segment.
func matchPattern(pattern, destination string) bool {
	p := strings.Split(pattern, ".")
	s := strings.Split(destination, ".")
	if len(p) != len(s) {
		return false
	}
	for i := range p {
		if p[i] != "*" && p[i] != s[i] {
			return false
		}
	}
	return true
}
