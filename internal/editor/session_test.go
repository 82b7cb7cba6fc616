package editor

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scriptsync/api/internal/broadcast"
	"scriptsync/api/internal/graph"
	"scriptsync/api/internal/lock"
	"scriptsync/api/internal/store"
)

const scope = "graph:product-1"

var (
	alice = broadcast.Origin{UserID: "alice", Email: "alice@example.com", DisplayName: "Alice"}
	bob   = broadcast.Origin{UserID: "bob", Email: "bob@example.com", DisplayName: "Bob"}
)

func newManager(t *testing.T) *lock.Manager {
	t.Helper()
	ctx := context.Background()
	db, err := store.Open(ctx, "file:"+filepath.Join(t.TempDir(), "editor.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, store.ApplyMigrations(ctx, db, store.DialectSQLite))
	return lock.NewManager(store.NewSQLStore(db, store.DialectSQLite))
}

type pair struct {
	transport *broadcast.MemoryTransport
	manager   *lock.Manager
	a, b      *Session
	bEvents   atomic.Int32
}

func newPair(t *testing.T) *pair {
	t.Helper()
	p := &pair{transport: broadcast.NewMemoryTransport(), manager: newManager(t)}
	p.a = NewSession(Config{
		Scope:     scope,
		Self:      alice,
		Transport: p.transport,
		Locker:    p.manager.For(alice.UserID, alice.Email),
	})
	p.b = NewSession(Config{
		Scope:     scope,
		Self:      bob,
		Transport: p.transport,
		Locker:    p.manager.For(bob.UserID, bob.Email),
		OnRemote:  func(broadcast.Event, bool) { p.bEvents.Add(1) },
	})
	ctx := context.Background()
	require.NoError(t, p.a.Open(ctx))
	require.NoError(t, p.b.Open(ctx))
	t.Cleanup(func() {
		p.a.Close(context.Background())
		p.b.Close(context.Background())
	})
	return p
}

func (p *pair) waitForB(t *testing.T, n int32) {
	t.Helper()
	require.Eventually(t, func() bool { return p.bEvents.Load() >= n }, time.Second, 5*time.Millisecond)
}

func TestSelfEchoYieldsOneAddition(t *testing.T) {
	p := newPair(t)

	require.True(t, p.a.AddNode(graph.Node{ID: "n1", Type: "step"}))
	p.waitForB(t, 1)
	time.Sleep(20 * time.Millisecond)

	assert.Len(t, p.a.Graph().Nodes(), 1)
	assert.Len(t, p.b.Graph().Nodes(), 1)
	applied, stale := p.a.Stats()
	assert.Zero(t, applied+stale, "alice never sees her own event")
}

func TestDoubleDeleteIsIdempotent(t *testing.T) {
	p := newPair(t)
	ctx := context.Background()

	p.a.AddNode(graph.Node{ID: "n1"})
	p.a.AddNode(graph.Node{ID: "n2"})
	p.a.AddEdge(graph.Edge{ID: "e1", Source: "n1", Target: "n2"})
	p.waitForB(t, 3)

	require.True(t, p.a.DeleteNode("n1"))
	assert.False(t, p.a.DeleteNode("n1"))
	p.waitForB(t, 4)

	// A replayed delete reaching bob is a stale no-op.
	replay := broadcast.NodeDeleted("n1")
	replay.Origin = alice
	payload, err := broadcast.Encode(replay)
	require.NoError(t, err)
	require.NoError(t, p.transport.Publish(ctx, broadcast.Topic(scope), payload))
	p.waitForB(t, 5)

	assert.Equal(t, p.a.Graph().Nodes(), p.b.Graph().Nodes())
	assert.Empty(t, p.b.Graph().Edges())
	applied, stale := p.b.Stats()
	assert.Equal(t, int64(4), applied)
	assert.Equal(t, int64(1), stale)
}

func TestEditNodeRequiresLock(t *testing.T) {
	p := newPair(t)
	ctx := context.Background()

	p.a.AddNode(graph.Node{ID: "n1", Data: map[string]any{"title": "Hello"}})
	p.waitForB(t, 1)

	require.NoError(t, p.a.EditNode(ctx, "n1", map[string]any{"title": "Hi there"}))
	p.waitForB(t, 2)

	err := p.b.EditNode(ctx, "n1", map[string]any{"title": "Bob's version"})
	require.ErrorIs(t, err, lock.ErrLockConflict)
	label, ok := lock.LockedBy(err)
	require.True(t, ok)
	assert.Equal(t, "alice@example.com", label)

	n, _ := p.b.Graph().Node("n1")
	assert.Equal(t, "Hi there", n.Data["title"])
	assert.Empty(t, p.b.Held())

	require.NoError(t, p.a.ReleaseNode(ctx, "n1"))
	require.NoError(t, p.b.EditNode(ctx, "n1", map[string]any{"title": "Bob's version"}))
	assert.Equal(t, []string{"n1"}, p.b.Held())
}

func TestFocusUpdatesCollaborators(t *testing.T) {
	p := newPair(t)

	p.a.Focus("n7")
	p.waitForB(t, 1)

	c, ok := p.b.Collaborators().Get("alice")
	require.True(t, ok)
	assert.Equal(t, "n7", c.ActiveResourceID)
	assert.Equal(t, "Alice", c.DisplayName)

	p.a.Focus("")
	p.waitForB(t, 2)
	c, _ = p.b.Collaborators().Get("alice")
	assert.Empty(t, c.ActiveResourceID)
}

func TestMovesPropagate(t *testing.T) {
	p := newPair(t)

	p.a.AddNode(graph.Node{ID: "n1"})
	p.a.AddNode(graph.Node{ID: "n2"})
	p.waitForB(t, 2)

	p.a.MoveNode("n1", graph.Position{X: 5, Y: 5})
	p.waitForB(t, 3)
	p.a.MoveNodes([]broadcast.NodePosition{
		{NodeID: "n1", Position: graph.Position{X: 10}},
		{NodeID: "n2", Position: graph.Position{X: 20}},
	})
	p.waitForB(t, 4)

	n1, _ := p.b.Graph().Node("n1")
	n2, _ := p.b.Graph().Node("n2")
	assert.Equal(t, graph.Position{X: 10}, n1.Position)
	assert.Equal(t, graph.Position{X: 20}, n2.Position)
}

func TestCloseReleasesLocks(t *testing.T) {
	p := newPair(t)
	ctx := context.Background()

	p.a.AddNode(graph.Node{ID: "n1"})
	require.NoError(t, p.a.EditNode(ctx, "n1", map[string]any{"title": "x"}))
	_, held := p.manager.Holder(ctx, "n1")
	require.True(t, held)

	require.NoError(t, p.a.Close(ctx))
	_, held = p.manager.Holder(ctx, "n1")
	assert.False(t, held)
}

func TestKeepAliveRenewsHeldLocks(t *testing.T) {
	p := newPair(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p.a.AddNode(graph.Node{ID: "n1"})
	require.NoError(t, p.a.EditNode(ctx, "n1", map[string]any{"title": "x"}))
	first, _ := p.manager.Holder(ctx, "n1")

	go p.a.KeepAlive(ctx, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		current, ok := p.manager.Holder(ctx, "n1")
		return ok && current.ExpiresAt.After(first.ExpiresAt)
	}, time.Second, 5*time.Millisecond)
}

func TestReconnectResyncs(t *testing.T) {
	transport := broadcast.NewMemoryTransport()
	disconnected := make(chan error, 1)
	s := NewSession(Config{
		Scope:        scope,
		Self:         alice,
		Transport:    transport,
		Locker:       newManager(t).For(alice.UserID, alice.Email),
		OnDisconnect: func(err error) { disconnected <- err },
		Resync: func(context.Context) ([]graph.Node, []graph.Edge, error) {
			return []graph.Node{{ID: "server-1"}, {ID: "server-2"}}, nil, nil
		},
	})
	defer s.Close(context.Background())
	ctx := context.Background()

	require.NoError(t, s.Open(ctx))
	require.True(t, s.Connected())

	transport.Disconnect(broadcast.Topic(scope))
	select {
	case err := <-disconnected:
		assert.True(t, errors.Is(err, broadcast.ErrChannelDisconnected))
	case <-time.After(time.Second):
		t.Fatal("expected disconnect")
	}
	assert.False(t, s.Connected())

	require.NoError(t, s.Reconnect(ctx))
	assert.True(t, s.Connected())
	assert.Len(t, s.Graph().Nodes(), 2)
	assert.Equal(t, 1, transport.Subscribers(broadcast.Topic(scope)))
}

// publishAs injects an event into the scope as if origin had sent it.
func publishAs(t *testing.T, transport *broadcast.MemoryTransport, origin broadcast.Origin, e broadcast.Event) {
	t.Helper()
	e.Origin = origin
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	payload, err := broadcast.Encode(e)
	require.NoError(t, err)
	require.NoError(t, transport.Publish(context.Background(), broadcast.Topic(scope), payload))
}

func TestEdgeArrivingBeforeItsNode(t *testing.T) {
	p := newPair(t)

	publishAs(t, p.transport, alice, broadcast.NodeAdded(graph.Node{ID: "a"}))
	publishAs(t, p.transport, alice, broadcast.EdgeAdded(graph.Edge{ID: "e1", Source: "a", Target: "b"}))
	p.waitForB(t, 2)
	assert.Empty(t, p.b.Graph().Edges())

	publishAs(t, p.transport, alice, broadcast.NodeAdded(graph.Node{ID: "b"}))
	p.waitForB(t, 3)

	edges := p.b.Graph().Edges()
	require.Len(t, edges, 1)
	assert.Equal(t, "e1", edges[0].ID)
	applied, stale := p.b.Stats()
	assert.Equal(t, int64(3), applied)
	assert.Zero(t, stale)
}

func TestLocalEdgeNeedsBothNodes(t *testing.T) {
	p := newPair(t)
	p.a.AddNode(graph.Node{ID: "a"})
	assert.False(t, p.a.AddEdge(graph.Edge{ID: "e1", Source: "a", Target: "missing"}))
}

func TestLaggingPeerClockDoesNotEvict(t *testing.T) {
	p := newPair(t)

	lagging := broadcast.NodeFocus("n1")
	lagging.Timestamp = time.Now().Add(-10 * time.Minute).UTC()
	publishAs(t, p.transport, alice, lagging)
	p.waitForB(t, 1)

	assert.Empty(t, p.b.Collaborators().SweepStale(time.Now(), 60*time.Second))
	c, ok := p.b.Collaborators().Get("alice")
	require.True(t, ok)
	assert.True(t, lagging.Timestamp.Equal(c.SentAt))
	assert.WithinDuration(t, time.Now(), c.LastSeen, 5*time.Second)
}

func TestSilentPeerIsSweptAway(t *testing.T) {
	transport := broadcast.NewMemoryTransport()
	manager := newManager(t)
	var heard atomic.Int32
	watcher := NewSession(Config{
		Scope:         scope,
		Self:          bob,
		Transport:     transport,
		Locker:        manager.For(bob.UserID, bob.Email),
		StaleAfter:    150 * time.Millisecond,
		SweepInterval: 10 * time.Millisecond,
		OnRemote:      func(broadcast.Event, bool) { heard.Add(1) },
	})
	ctx := context.Background()
	require.NoError(t, watcher.Open(ctx))
	t.Cleanup(func() { watcher.Close(context.Background()) })

	publishAs(t, transport, alice, broadcast.NodeFocus("n1"))
	require.Eventually(t, func() bool { return heard.Load() == 1 }, time.Second, 5*time.Millisecond)
	_, ok := watcher.Collaborators().Get("alice")
	require.True(t, ok)

	require.Eventually(t, func() bool {
		_, ok := watcher.Collaborators().Get("alice")
		return !ok
	}, time.Second, 10*time.Millisecond)
}
