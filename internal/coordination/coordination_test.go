package coordination

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/devrev/riptide-persistence/internal/metrics"
	"github.com/devrev/riptide-persistence/internal/model"
	"github.com/devrev/riptide-persistence/internal/store"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newBackend(t *testing.T, nodeID string) *store.MemoryStore {
	t.Helper()
	s := store.NewMemoryStore("riptide", nodeID, zap.NewNop())
	t.Cleanup(func() { s.Close() })
	return s
}

func TestLeaderElector_SingleLeader(t *testing.T) {
	a := newBackend(t, "node-a")
	b := a.Peer("node-b")
	ctx := context.Background()

	ma, mb := metrics.NewNop(), metrics.NewNop()
	ea := NewLeaderElector(a, 15*time.Second, ma, zap.NewNop())
	eb := NewLeaderElector(b, 15*time.Second, mb, zap.NewNop())

	var elected, revoked atomic.Int32
	ea.OnElected(func() { elected.Add(1) })
	ea.OnRevoked(func() { revoked.Add(1) })

	ea.Tick(ctx)
	eb.Tick(ctx)
	assert.True(t, ea.IsLeader())
	assert.False(t, eb.IsLeader())
	assert.Equal(t, float64(1), testutil.ToFloat64(ma.IsLeader))
	assert.Equal(t, float64(0), testutil.ToFloat64(mb.IsLeader))

	// renewal does not re-fire the callback
	ea.Tick(ctx)
	assert.Equal(t, int32(1), elected.Load())

	require.NoError(t, ea.Stop(ctx))
	assert.False(t, ea.IsLeader())
	assert.Equal(t, int32(1), revoked.Load())

	eb.Tick(ctx)
	assert.True(t, eb.IsLeader())
	leader, err := b.GetLeader(ctx)
	require.NoError(t, err)
	assert.Equal(t, "node-b", leader)
}

func TestLeaderElector_StepsDownWhenLeaseTaken(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	a := store.NewMemoryStore("riptide", "node-a", zap.NewNop(), store.WithClock(clock))
	defer a.Close()
	b := a.Peer("node-b")
	ctx := context.Background()

	ea := NewLeaderElector(a, 15*time.Second, metrics.NewNop(), zap.NewNop())
	ea.Tick(ctx)
	require.True(t, ea.IsLeader())

	// lease lapses and another node takes it
	now = now.Add(16 * time.Second)
	ok, err := b.TryAcquireLeadership(ctx, "node-b", 15*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	ea.Tick(ctx)
	assert.False(t, ea.IsLeader())
}

func TestLeaderElector_StopWithoutStart(t *testing.T) {
	e := NewLeaderElector(newBackend(t, "n"), 3*time.Second, metrics.NewNop(), zap.NewNop())
	assert.NoError(t, e.Stop(context.Background()))
}

func TestLeaderElector_Loop(t *testing.T) {
	backend := newBackend(t, "node-a")
	e := NewLeaderElector(backend, 300*time.Millisecond, metrics.NewNop(), zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.Start(ctx)

	assert.Eventually(t, e.IsLeader, time.Second, 10*time.Millisecond)
	require.NoError(t, e.Stop(context.Background()))

	leader, err := backend.GetLeader(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "", leader)
}

func TestMembership_RegisterBeatAndReregister(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	backend := store.NewMemoryStore("riptide", "node-a", zap.NewNop(), store.WithClock(func() time.Time { return now }))
	defer backend.Close()
	m := metrics.NewNop()
	ctx := context.Background()

	mem := NewMembership(backend, MembershipConfig{
		Metadata:          map[string]string{"zone": "eu"},
		NodeTTL:           30 * time.Second,
		HeartbeatInterval: time.Hour,
	}, m, zap.NewNop())
	require.NoError(t, mem.Start(ctx))

	nodes, err := mem.Nodes(ctx)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "eu", nodes[0].Metadata["zone"])
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ClusterNodes))

	now = now.Add(31 * time.Second)
	nodes, err = mem.Nodes(ctx)
	require.NoError(t, err)
	assert.Empty(t, nodes)

	mem.Beat(ctx)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.HeartbeatFailuresTotal))

	nodes, err = mem.Nodes(ctx)
	require.NoError(t, err)
	require.Len(t, nodes, 1, "lapsed node registers itself again")

	require.NoError(t, mem.Stop(ctx))
	nodes, err = mem.Nodes(ctx)
	require.NoError(t, err)
	assert.Empty(t, nodes)
}

func TestInvalidationBus_IgnoresOwnMessages(t *testing.T) {
	a := newBackend(t, "node-a")
	b := a.Peer("node-b")
	keys := store.KeySpace{Prefix: "riptide"}
	ctx := context.Background()

	ma := metrics.NewNop()
	busA := NewInvalidationBus(a, keys, ma, zap.NewNop())
	busB := NewInvalidationBus(b, keys, metrics.NewNop(), zap.NewNop())

	received := make(chan model.InvalidationMessage, 4)
	busA.Handle(func(msg model.InvalidationMessage) { received <- msg })
	require.NoError(t, busA.Start(ctx))
	defer busA.Stop()

	require.NoError(t, busA.Publish(ctx, model.InvalidationMessage{Keys: []string{"own"}}))
	require.NoError(t, busB.Publish(ctx, model.InvalidationMessage{Pattern: "riptide:user:*"}))

	select {
	case msg := <-received:
		assert.Equal(t, "riptide:user:*", msg.Pattern)
		assert.Equal(t, "node-b", msg.Origin)
	case <-time.After(time.Second):
		t.Fatal("peer invalidation not delivered")
	}

	select {
	case msg := <-received:
		t.Fatalf("unexpected message %+v", msg)
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, float64(1), testutil.ToFloat64(ma.InvalidationsReceivedTotal))
}

func TestGossipMembership_Join(t *testing.T) {
	a, err := NewGossipMembership(GossipConfig{
		BindAddr:      "127.0.0.1",
		ProbeInterval: 100 * time.Millisecond,
	}, "node-a", map[string]string{"role": "cache"}, zap.NewNop())
	require.NoError(t, err)
	defer a.Shutdown(time.Second)

	b, err := NewGossipMembership(GossipConfig{
		BindAddr:  "127.0.0.1",
		SeedNodes: []string{a.Addr()},
	}, "node-b", nil, zap.NewNop())
	require.NoError(t, err)
	defer b.Shutdown(time.Second)

	assert.Eventually(t, func() bool { return len(a.Members()) == 2 }, 5*time.Second, 50*time.Millisecond)

	members := b.Members()
	require.Len(t, members, 2)
	assert.Equal(t, "node-a", members[0].NodeID)
	assert.Equal(t, "cache", members[0].Metadata["role"])
}

func TestClusterView_MergesGossipPeers(t *testing.T) {
	leased := []model.NodeInfo{
		{NodeID: "node-b", Metadata: map[string]string{"zone": "b"}},
		{NodeID: "node-a", Metadata: map[string]string{"zone": "a"}},
	}
	gossiped := []model.NodeInfo{
		{NodeID: "node-a"},
		{NodeID: "node-c"},
	}

	merged := mergeNodes(leased, gossiped)
	require.Len(t, merged, 3)
	assert.Equal(t, "node-a", merged[0].NodeID)
	assert.Equal(t, "a", merged[0].Metadata["zone"])
	assert.Equal(t, "node-c", merged[2].NodeID)
}

func TestClusterView_LeaseOnly(t *testing.T) {
	backend := newBackend(t, "node-a")
	ctx := context.Background()
	m := NewMembership(backend, MembershipConfig{NodeTTL: time.Minute, HeartbeatInterval: time.Second}, metrics.NewNop(), zap.NewNop())
	require.NoError(t, m.Start(ctx))
	t.Cleanup(func() { _ = m.Stop(ctx) })

	nodes, err := ClusterView{Membership: m}.Nodes(ctx)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "node-a", nodes[0].NodeID)
}
