package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	perrors "github.com/devrev/riptide-persistence/internal/errors"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestRedisStore(t *testing.T, nodeID string) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewRedisStoreWithClient(client, "riptide", nodeID, zap.NewNop())
	t.Cleanup(func() { s.Close() })
	return s, mr
}

func peerRedisStore(t *testing.T, mr *miniredis.Miniredis, nodeID string) *RedisStore {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewRedisStoreWithClient(client, "riptide", nodeID, zap.NewNop())
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRedisStore_GetSetDelete(t *testing.T) {
	s, _ := newTestRedisStore(t, "node-1")
	ctx := context.Background()

	_, err := s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Set(ctx, "k", []byte("v1"), time.Minute))
	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), got)

	require.NoError(t, s.Delete(ctx, "k"))
	_, err = s.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisStore_TTLExpiry(t *testing.T) {
	s, mr := newTestRedisStore(t, "node-1")
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k", []byte("v"), 10*time.Second))
	ttl, err := s.TTL(ctx, "k")
	require.NoError(t, err)
	assert.InDelta(t, float64(10*time.Second), float64(ttl), float64(time.Second))

	require.NoError(t, s.Set(ctx, "forever", []byte("v"), 0))
	ttl, err = s.TTL(ctx, "forever")
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), ttl)

	mr.FastForward(11 * time.Second)
	_, err = s.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.TTL(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.Expire(ctx, "k", time.Minute), ErrNotFound)
}

func TestRedisStore_SwapAndGetDelete(t *testing.T) {
	s, _ := newTestRedisStore(t, "node-1")
	ctx := context.Background()

	old, err := s.Swap(ctx, "k", []byte("first"), time.Minute)
	require.NoError(t, err)
	assert.Nil(t, old)

	old, err = s.Swap(ctx, "k", []byte("second"), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), old)

	removed, err := s.GetDelete(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), removed)

	removed, err = s.GetDelete(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, removed)
}

func TestRedisStore_Batch(t *testing.T) {
	s, _ := newTestRedisStore(t, "node-1")
	ctx := context.Background()

	errs, err := s.SetBatch(ctx, []KeyValue{
		{Key: "a", Value: []byte("1"), TTL: time.Minute},
		{Key: "b", Value: []byte("2"), TTL: time.Minute},
	})
	require.NoError(t, err)
	require.Len(t, errs, 2)
	assert.NoError(t, errs[0])
	assert.NoError(t, errs[1])

	results, err := s.GetBatch(ctx, []string{"a", "missing", "b"})
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.True(t, results[0].Found)
	assert.Equal(t, []byte("1"), results[0].Value)
	assert.False(t, results[1].Found)
	assert.NoError(t, results[1].Err)
	assert.Equal(t, []byte("2"), results[2].Value)
}

func TestRedisStore_KeysAndDeleteMany(t *testing.T) {
	s, _ := newTestRedisStore(t, "node-1")
	ctx := context.Background()

	for _, k := range []string{"cache:user:1", "cache:user:2", "cache:org:1"} {
		require.NoError(t, s.Set(ctx, k, []byte("x"), time.Minute))
	}

	keys, err := s.Keys(ctx, "cache:user:*")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"cache:user:1", "cache:user:2"}, keys)

	n, err := s.DeleteMany(ctx, keys)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	keys, err = s.Keys(ctx, "cache:*")
	require.NoError(t, err)
	assert.Equal(t, []string{"cache:org:1"}, keys)
}

func TestRedisStore_LeaderLease(t *testing.T) {
	a, mr := newTestRedisStore(t, "node-a")
	b := peerRedisStore(t, mr, "node-b")
	ctx := context.Background()

	ok, err := a.TryAcquireLeadership(ctx, "node-a", 15*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.TryAcquireLeadership(ctx, "node-b", 15*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	// renewal by the holder succeeds
	ok, err = a.TryAcquireLeadership(ctx, "node-a", 15*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	// a non-holder cannot release
	require.NoError(t, b.ReleaseLeadership(ctx, "node-b"))
	leader, err := b.GetLeader(ctx)
	require.NoError(t, err)
	assert.Equal(t, "node-a", leader)

	mr.FastForward(16 * time.Second)
	leader, err = b.GetLeader(ctx)
	require.NoError(t, err)
	assert.Equal(t, "", leader)

	ok, err = b.TryAcquireLeadership(ctx, "node-b", 15*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, b.ReleaseLeadership(ctx, "node-b"))
	leader, err = a.GetLeader(ctx)
	require.NoError(t, err)
	assert.Equal(t, "", leader)
}

func TestRedisStore_NodeRegistry(t *testing.T) {
	s, mr := newTestRedisStore(t, "node-1")
	ctx := context.Background()

	require.NoError(t, s.RegisterNode(ctx, "node-1", map[string]string{"zone": "a"}, 30*time.Second))
	require.NoError(t, s.RegisterNode(ctx, "node-2", nil, 30*time.Second))

	nodes, err := s.ListNodes(ctx)
	require.NoError(t, err)
	require.Len(t, nodes, 2)

	byID := map[string]string{}
	for _, n := range nodes {
		byID[n.NodeID] = n.Metadata["zone"]
		assert.False(t, n.LastHeartbeat.IsZero())
	}
	assert.Equal(t, "a", byID["node-1"])

	mr.FastForward(20 * time.Second)
	require.NoError(t, s.Heartbeat(ctx, "node-1", 30*time.Second))
	mr.FastForward(15 * time.Second)

	nodes, err = s.ListNodes(ctx)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "node-1", nodes[0].NodeID)

	err = s.Heartbeat(ctx, "node-2", 30*time.Second)
	require.Error(t, err)
	assert.True(t, perrors.Is(err, perrors.ErrCodeCoordination))
	assert.False(t, mr.Exists("riptide:heartbeat:node-2"))

	nodes, err = s.ListNodes(ctx)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "node-1", nodes[0].NodeID)

	require.NoError(t, s.UnregisterNode(ctx, "node-1"))
	require.NoError(t, s.UnregisterNode(ctx, "node-2"))
	nodes, err = s.ListNodes(ctx)
	require.NoError(t, err)
	assert.Empty(t, nodes)
}

func TestRedisStore_PublishSubscribe(t *testing.T) {
	a, mr := newTestRedisStore(t, "node-a")
	b := peerRedisStore(t, mr, "node-b")
	ctx := context.Background()

	sub, err := a.Subscribe(ctx, "riptide:invalidate*")
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, b.Publish(ctx, "riptide:invalidate", []byte(`{"keys":["k1"]}`)))

	select {
	case ev := <-sub.Events():
		assert.Equal(t, "riptide:invalidate", ev.Channel)
		assert.Equal(t, "node-b", ev.NodeID)
		assert.JSONEq(t, `{"keys":["k1"]}`, string(ev.Payload))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestRedisStore_ClosedClientIsConnectionError(t *testing.T) {
	s, _ := newTestRedisStore(t, "node-1")
	require.NoError(t, s.Close())

	_, err := s.Get(context.Background(), "k")
	require.Error(t, err)
	assert.True(t, perrors.Is(err, perrors.ErrCodeConnection))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestNewRedisStore_Unreachable(t *testing.T) {
	_, err := NewRedisStore(RedisConfig{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
	}, zap.NewNop())
	require.Error(t, err)
	assert.True(t, perrors.Is(err, perrors.ErrCodeConnection))
}
