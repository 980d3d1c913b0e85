package store

import (
	"context"
	"sync"
	"testing"
	"time"

	perrors "github.com/devrev/riptide-persistence/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestMemoryStore(t *testing.T) (*MemoryStore, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	s := NewMemoryStore("riptide", "node-a", zap.NewNop(), WithClock(clock.Now))
	t.Cleanup(func() { s.Close() })
	return s, clock
}

func TestMemoryStore_Expiry(t *testing.T) {
	s, clock := newTestMemoryStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k", []byte("v"), 10*time.Second))
	require.NoError(t, s.Set(ctx, "forever", []byte("v"), 0))

	ttl, err := s.TTL(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, ttl)

	clock.Advance(10 * time.Second)
	_, err = s.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)

	got, err := s.Get(ctx, "forever")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)
	assert.Equal(t, 1, s.Len())
}

func TestMemoryStore_ValuesAreCopied(t *testing.T) {
	s, _ := newTestMemoryStore(t)
	ctx := context.Background()

	buf := []byte("abc")
	require.NoError(t, s.Set(ctx, "k", buf, 0))
	buf[0] = 'x'

	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), got)
}

func TestMemoryStore_SwapAndGetDelete(t *testing.T) {
	s, clock := newTestMemoryStore(t)
	ctx := context.Background()

	old, err := s.Swap(ctx, "k", []byte("1"), time.Second)
	require.NoError(t, err)
	assert.Nil(t, old)

	old, err = s.Swap(ctx, "k", []byte("2"), time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), old)

	clock.Advance(2 * time.Second)
	old, err = s.Swap(ctx, "k", []byte("3"), 0)
	require.NoError(t, err)
	assert.Nil(t, old, "expired value is not returned")

	v, err := s.GetDelete(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("3"), v)

	v, err = s.GetDelete(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestMemoryStore_LeaderLease(t *testing.T) {
	a, clock := newTestMemoryStore(t)
	b := a.Peer("node-b")
	ctx := context.Background()

	ok, err := a.TryAcquireLeadership(ctx, "node-a", 15*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.TryAcquireLeadership(ctx, "node-b", 15*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	clock.Advance(15 * time.Second)
	ok, err = b.TryAcquireLeadership(ctx, "node-b", 15*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, a.ReleaseLeadership(ctx, "node-a"))
	leader, err := a.GetLeader(ctx)
	require.NoError(t, err)
	assert.Equal(t, "node-b", leader)
}

func TestMemoryStore_NodeRegistry(t *testing.T) {
	s, clock := newTestMemoryStore(t)
	ctx := context.Background()

	require.NoError(t, s.RegisterNode(ctx, "node-a", map[string]string{"role": "cache"}, 30*time.Second))
	require.NoError(t, s.RegisterNode(ctx, "node-b", nil, 30*time.Second))

	clock.Advance(20 * time.Second)
	require.NoError(t, s.Heartbeat(ctx, "node-a", 30*time.Second))
	clock.Advance(15 * time.Second)

	nodes, err := s.ListNodes(ctx)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "node-a", nodes[0].NodeID)
	assert.Equal(t, "cache", nodes[0].Metadata["role"])
	assert.True(t, clock.Now().Add(-15*time.Second).Equal(nodes[0].LastHeartbeat))

	err = s.Heartbeat(ctx, "node-b", 30*time.Second)
	assert.True(t, perrors.Is(err, perrors.ErrCodeCoordination))

	// a refused heartbeat leaves no lease behind
	nodes, err = s.ListNodes(ctx)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "node-a", nodes[0].NodeID)
}

func TestMemoryStore_PatternSubscription(t *testing.T) {
	a, _ := newTestMemoryStore(t)
	b := a.Peer("node-b")
	ctx := context.Background()

	sub, err := a.Subscribe(ctx, "riptide:events:*")
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, "riptide:other", []byte("skip")))
	require.NoError(t, b.Publish(ctx, "riptide:events:session", []byte("hello")))

	select {
	case ev := <-sub.Events():
		assert.Equal(t, "riptide:events:session", ev.Channel)
		assert.Equal(t, "node-b", ev.NodeID)
		assert.Equal(t, []byte("hello"), ev.Payload)
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}

	require.NoError(t, sub.Close())
	_, open := <-sub.Events()
	assert.False(t, open)
}

func TestMemoryStore_KeysAndDeleteMany(t *testing.T) {
	s, _ := newTestMemoryStore(t)
	ctx := context.Background()

	for _, k := range []string{"c:ns:1", "c:ns:2", "c:other:1"} {
		require.NoError(t, s.Set(ctx, k, []byte("x"), 0))
	}

	keys, err := s.Keys(ctx, "c:ns:*")
	require.NoError(t, err)
	assert.Equal(t, []string{"c:ns:1", "c:ns:2"}, keys)

	n, err := s.DeleteMany(ctx, append(keys, "absent"))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestMemoryStore_Closed(t *testing.T) {
	s, _ := newTestMemoryStore(t)
	sub, err := s.Subscribe(context.Background(), "*")
	require.NoError(t, err)

	require.NoError(t, s.Close())

	_, open := <-sub.Events()
	assert.False(t, open)

	err = s.Set(context.Background(), "k", nil, 0)
	assert.ErrorIs(t, err, ErrClosed)
	assert.True(t, perrors.IsRetryable(err))
}

func TestMemoryStore_CanceledContext(t *testing.T) {
	s, _ := newTestMemoryStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Get(ctx, "k")
	assert.True(t, perrors.Is(err, perrors.ErrCodeTimeout))
}
