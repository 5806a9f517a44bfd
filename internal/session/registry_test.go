package session

import (
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-message-hub/internal/metrics"
	"github.com/tinywideclouds/go-message-hub/pkg/hub"
)

// --- Cascade fakes ---

type recordingCleaner struct {
	mu      sync.Mutex
	removed []string
}

func (c *recordingCleaner) RemoveConnection(connID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removed = append(c.removed, connID)
}

type recordingPresence struct {
	mu    sync.Mutex
	ups   []string
	downs []string
}

func (p *recordingPresence) ConnectionUp(principal string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ups = append(p.ups, principal)
}

func (p *recordingPresence) ConnectionDown(principal string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.downs = append(p.downs, principal)
}

type registryFixture struct {
	registry *Registry
	cleaner  *recordingCleaner
	presence *recordingPresence
	clk      *clock.Mock
}

func setup(t *testing.T, cfg Config) *registryFixture {
	t.Helper()
	if cfg.QueueCapacity == 0 {
		cfg.QueueCapacity = 16
	}
	if cfg.HeartbeatTimeout == 0 {
		cfg.HeartbeatTimeout = 30 * time.Second
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = 5 * time.Second
	}

	clk := clock.NewMock()
	f := &registryFixture{
		registry: NewRegistry(cfg, clk, metrics.New(), zerolog.Nop()),
		cleaner:  &recordingCleaner{},
		presence: &recordingPresence{},
		clk:      clk,
	}
	f.registry.SetCascades(f.cleaner, f.presence)
	return f
}

func TestRegistry_RegisterDuplicate(t *testing.T) {
	f := setup(t, Config{})

	require.NoError(t, f.registry.Register("c1", "alice"))
	err := f.registry.Register("c1", "alice")
	assert.ErrorIs(t, err, hub.ErrDuplicateConnection)
	assert.Equal(t, 1, f.registry.Len())
}

func TestRegistry_Capacity(t *testing.T) {
	f := setup(t, Config{Capacity: 2})

	require.NoError(t, f.registry.Register("c1", "alice"))
	require.NoError(t, f.registry.Register("c2", "bob"))
	assert.ErrorIs(t, f.registry.Register("c3", "carol"), hub.ErrCapacity)

	// Destroying one frees a slot.
	f.registry.Destroy("c1")
	assert.NoError(t, f.registry.Register("c3", "carol"))
}

func TestRegistry_PendingThenActivate(t *testing.T) {
	f := setup(t, Config{})

	require.NoError(t, f.registry.Register("c1", ""))
	state, ok := f.registry.State("c1")
	require.True(t, ok)
	assert.Equal(t, StatePending, state)
	assert.Empty(t, f.presence.ups, "pending connections are not counted")

	// Pending connections refuse deliveries.
	assert.Equal(t, EnqueueRefused, f.registry.Enqueue("c1", envelope(1)))

	require.NoError(t, f.registry.Activate("c1", "alice"))
	assert.True(t, f.registry.IsActive("c1"))
	assert.Equal(t, []string{"alice"}, f.presence.ups)

	// A second activation is rejected.
	assert.ErrorIs(t, f.registry.Activate("c1", "alice"), hub.ErrDuplicateConnection)
}

func TestRegistry_HeartbeatUnknown(t *testing.T) {
	f := setup(t, Config{})
	assert.ErrorIs(t, f.registry.Heartbeat("nope"), hub.ErrUnknownConnection)
}

func TestRegistry_DestroyCascadesExactlyOnce(t *testing.T) {
	f := setup(t, Config{})
	require.NoError(t, f.registry.Register("c1", "alice"))

	// Simulate a close frame and a heartbeat timeout racing to destroy.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.registry.Destroy("c1")
		}()
	}
	wg.Wait()

	assert.Equal(t, []string{"c1"}, f.cleaner.removed, "directory cleared exactly once")
	assert.Equal(t, []string{"alice"}, f.presence.downs, "presence decremented exactly once")
	assert.Equal(t, 0, f.registry.Len())
}

func TestRegistry_DestroyPendingSkipsPresence(t *testing.T) {
	f := setup(t, Config{})
	require.NoError(t, f.registry.Register("c1", ""))

	f.registry.Destroy("c1")

	assert.Equal(t, []string{"c1"}, f.cleaner.removed)
	assert.Empty(t, f.presence.downs, "uncounted connection must not decrement")
}

func TestRegistry_MarkClosingStopsEnqueues(t *testing.T) {
	f := setup(t, Config{})
	require.NoError(t, f.registry.Register("c1", "alice"))
	require.Equal(t, EnqueueOK, f.registry.Enqueue("c1", envelope(1)))

	f.registry.MarkClosing("c1")
	assert.Equal(t, EnqueueRefused, f.registry.Enqueue("c1", envelope(2)))

	// The queued envelope still drains.
	q, ok := f.registry.Outbound("c1")
	require.True(t, ok)
	assert.Equal(t, 1, q.Len())
}

func TestRegistry_ConnectionsFor(t *testing.T) {
	f := setup(t, Config{})
	require.NoError(t, f.registry.Register("c1", "alice"))
	require.NoError(t, f.registry.Register("c2", "alice"))
	require.NoError(t, f.registry.Register("c3", "bob"))

	assert.ElementsMatch(t, []string{"c1", "c2"}, f.registry.ConnectionsFor("alice"))

	f.registry.MarkClosing("c2")
	assert.ElementsMatch(t, []string{"c1"}, f.registry.ConnectionsFor("alice"),
		"closing connections are not resolution targets")

	f.registry.Destroy("c1")
	f.registry.Destroy("c2")
	assert.Empty(t, f.registry.ConnectionsFor("alice"))
	assert.ElementsMatch(t, []string{"c3"}, f.registry.ConnectionsFor("bob"))
}

func TestRegistry_SweepDestroysStaleConnections(t *testing.T) {
	f := setup(t, Config{HeartbeatTimeout: 30 * time.Second})
	require.NoError(t, f.registry.Register("c1", "alice"))
	require.NoError(t, f.registry.Register("c2", "bob"))

	// c2 keeps beating, c1 goes silent.
	f.clk.Add(20 * time.Second)
	require.NoError(t, f.registry.Heartbeat("c2"))
	f.clk.Add(15 * time.Second)

	destroyed := f.registry.Sweep()
	assert.Equal(t, []string{"c1"}, destroyed)
	assert.False(t, f.registry.IsActive("c1"))
	assert.True(t, f.registry.IsActive("c2"))
	assert.Equal(t, []string{"alice"}, f.presence.downs)
}

func TestRegistry_SweepAfterDestroyDoesNotDoubleCascade(t *testing.T) {
	f := setup(t, Config{HeartbeatTimeout: time.Second})
	require.NoError(t, f.registry.Register("c1", "alice"))

	f.clk.Add(2 * time.Second)
	f.registry.Destroy("c1")
	f.registry.Sweep()

	assert.Equal(t, []string{"alice"}, f.presence.downs)
	assert.Equal(t, []string{"c1"}, f.cleaner.removed)
}
