package directory

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-message-hub/pkg/hub"
)

// fakeSessions is a stand-in for the session registry.
type fakeSessions struct {
	active      map[string]bool
	byPrincipal map[string][]string
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{
		active:      make(map[string]bool),
		byPrincipal: make(map[string][]string),
	}
}

func (f *fakeSessions) addActive(connID, principal string) {
	f.active[connID] = true
	f.byPrincipal[principal] = append(f.byPrincipal[principal], connID)
}

func (f *fakeSessions) ConnectionsFor(principal string) []string {
	var ids []string
	for _, id := range f.byPrincipal[principal] {
		if f.active[id] {
			ids = append(ids, id)
		}
	}
	return ids
}

func (f *fakeSessions) IsActive(connID string) bool { return f.active[connID] }

func mustParse(t *testing.T, raw string) hub.Destination {
	t.Helper()
	dest, err := hub.ParseDestination(raw)
	require.NoError(t, err)
	return dest
}

func TestDirectory_SubscribeResolve(t *testing.T) {
	sessions := newFakeSessions()
	sessions.addActive("c1", "alice")
	d := New(sessions, zerolog.Nop())

	_, err := d.Subscribe("c1", "topic.chat.room.7")
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"c1"}, d.Resolve(mustParse(t, "topic.chat.room.7")))
	assert.Empty(t, d.Resolve(mustParse(t, "topic.chat.room.8")))
}

func TestDirectory_SubscribeInvalidPattern(t *testing.T) {
	d := New(newFakeSessions(), zerolog.Nop())

	_, err := d.Subscribe("c1", "nonsense")
	assert.ErrorIs(t, err, hub.ErrInvalidDestination)

	// Application-inbound destinations are not subscribable.
	_, err = d.Subscribe("c1", "app.chat.send")
	assert.ErrorIs(t, err, hub.ErrInvalidDestination)
}

func TestDirectory_NetSubscribeCountProperty(t *testing.T) {
	sessions := newFakeSessions()
	sessions.addActive("c1", "alice")
	d := New(sessions, zerolog.Nop())
	dest := mustParse(t, "topic.news")

	// Interleave subscribes and unsubscribes; membership must track the
	// net count for the exact pattern.
	s1, err := d.Subscribe("c1", "topic.news")
	require.NoError(t, err)
	s2, err := d.Subscribe("c1", "topic.news")
	require.NoError(t, err)
	assert.Equal(t, 2, d.SubscriptionCount("c1", "topic.news"))
	assert.ElementsMatch(t, []string{"c1"}, d.Resolve(dest))

	require.NoError(t, d.Unsubscribe("c1", s1))
	assert.Equal(t, 1, d.SubscriptionCount("c1", "topic.news"))
	assert.ElementsMatch(t, []string{"c1"}, d.Resolve(dest))

	require.NoError(t, d.Unsubscribe("c1", s2))
	assert.Zero(t, d.SubscriptionCount("c1", "topic.news"))
	assert.Empty(t, d.Resolve(dest))
}

func TestDirectory_UnsubscribeNotFound(t *testing.T) {
	d := New(newFakeSessions(), zerolog.Nop())

	err := d.Unsubscribe("c1", "missing-sub")
	assert.ErrorIs(t, err, hub.ErrNotFound)

	sID, err := d.Subscribe("c1", "topic.news")
	require.NoError(t, err)
	require.NoError(t, d.Unsubscribe("c1", sID))
	assert.ErrorIs(t, d.Unsubscribe("c1", sID), hub.ErrNotFound)
}

func TestDirectory_UserQueueResolvesImplicitly(t *testing.T) {
	sessions := newFakeSessions()
	sessions.addActive("c1", "alice")
	sessions.addActive("c2", "alice")
	sessions.addActive("c3", "bob")
	d := New(sessions, zerolog.Nop())

	// No explicit subscribe call was ever issued for this queue.
	got := d.Resolve(mustParse(t, "user-queue.alice.notifications"))
	assert.ElementsMatch(t, []string{"c1", "c2"}, got)
}

func TestDirectory_ResolveFiltersInactive(t *testing.T) {
	sessions := newFakeSessions()
	sessions.addActive("c1", "alice")
	sessions.addActive("c2", "bob")
	d := New(sessions, zerolog.Nop())

	_, err := d.Subscribe("c1", "topic.news")
	require.NoError(t, err)
	_, err = d.Subscribe("c2", "topic.news")
	require.NoError(t, err)

	sessions.active["c2"] = false
	assert.ElementsMatch(t, []string{"c1"}, d.Resolve(mustParse(t, "topic.news")))
}

func TestDirectory_RemoveConnectionClearsEverything(t *testing.T) {
	sessions := newFakeSessions()
	sessions.addActive("c1", "alice")
	sessions.addActive("c2", "bob")
	d := New(sessions, zerolog.Nop())

	_, err := d.Subscribe("c1", "topic.news")
	require.NoError(t, err)
	_, err = d.Subscribe("c1", "topic.chat.room.7")
	require.NoError(t, err)
	_, err = d.Subscribe("c2", "topic.news")
	require.NoError(t, err)

	d.RemoveConnection("c1")
	d.RemoveConnection("c1") // idempotent

	assert.Empty(t, d.Resolve(mustParse(t, "topic.chat.room.7")))
	assert.ElementsMatch(t, []string{"c2"}, d.Resolve(mustParse(t, "topic.news")))
}

func TestDirectory_ParametricSegmentMatch(t *testing.T) {
	sessions := newFakeSessions()
	sessions.addActive("c1", "alice")
	d := New(sessions, zerolog.Nop())

	_, err := d.Subscribe("c1", "topic.chat.room.*")
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"c1"}, d.Resolve(mustParse(t, "topic.chat.room.7")))
	assert.ElementsMatch(t, []string{"c1"}, d.Resolve(mustParse(t, "topic.chat.room.42")))
	assert.Empty(t, d.Resolve(mustParse(t, "topic.chat.lobby")))
	assert.Empty(t, d.Resolve(mustParse(t, "topic.chat.room.7.threads")))
}
