package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/devrev/riptide-persistence/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLiteCheckpointIndex(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.db")
	idx, err := NewSQLiteCheckpointIndex(path)
	require.NoError(t, err)
	ctx := context.Background()

	seq, err := idx.LatestSequence(ctx, "sessions")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), seq)

	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := uint64(1); i <= 3; i++ {
		require.NoError(t, idx.Record(ctx, model.CheckpointInfo{
			JobID:     "sessions",
			Kind:      model.CheckpointScheduled,
			Sequence:  i,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
			Checksum:  0xdeadbeef,
			Size:      128,
			Path:      filepath.Join("/data", "sessions.checkpoint"),
		}))
	}
	require.NoError(t, idx.Record(ctx, model.CheckpointInfo{JobID: "other", Sequence: 9, Kind: model.CheckpointManual, CreatedAt: base}))

	infos, err := idx.List(ctx, "sessions")
	require.NoError(t, err)
	require.Len(t, infos, 3)
	assert.Equal(t, uint64(3), infos[0].Sequence)
	assert.Equal(t, uint32(0xdeadbeef), infos[0].Checksum)
	assert.True(t, base.Add(3*time.Minute).Equal(infos[0].CreatedAt))

	seq, err = idx.LatestSequence(ctx, "sessions")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), seq)

	require.NoError(t, idx.Remove(ctx, "sessions", 1))
	infos, err = idx.List(ctx, "sessions")
	require.NoError(t, err)
	assert.Len(t, infos, 2)

	require.NoError(t, idx.Close())

	// reopen to confirm the index survives restarts
	idx, err = NewSQLiteCheckpointIndex(path)
	require.NoError(t, err)
	defer idx.Close()
	seq, err = idx.LatestSequence(ctx, "sessions")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), seq)
}

func TestSQLiteCheckpointIndex_Closed(t *testing.T) {
	idx, err := NewSQLiteCheckpointIndex(filepath.Join(t.TempDir(), "index.db"))
	require.NoError(t, err)
	require.NoError(t, idx.Close())

	_, err = idx.List(context.Background(), "x")
	assert.ErrorIs(t, err, ErrClosed)
	assert.NoError(t, idx.Close())
}
