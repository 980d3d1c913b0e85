package workerpool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRunAllCollectsPerTaskErrors(t *testing.T) {
	pool := NewWorkerPool(&Config{Name: "test", MaxWorkers: 4, QueueSize: 8, Logger: zap.NewNop()})
	defer pool.Stop(time.Second)

	boom := errors.New("boom")
	var ran atomic.Int32

	tasks := make([]Task, 10)
	for i := range tasks {
		i := i
		tasks[i] = Task{
			ID: "t",
			Fn: func(ctx context.Context) error {
				ran.Add(1)
				if i%3 == 0 {
					return boom
				}
				return nil
			},
		}
	}

	errs := pool.RunAll(context.Background(), tasks)
	require.Len(t, errs, 10)
	assert.Equal(t, int32(10), ran.Load())
	for i, err := range errs {
		if i%3 == 0 {
			assert.ErrorIs(t, err, boom)
		} else {
			assert.NoError(t, err)
		}
	}

	stats := pool.Stats()
	assert.Equal(t, uint64(10), stats.TotalTasks)
	assert.Equal(t, uint64(4), stats.FailedTasks)
	assert.Equal(t, uint64(6), stats.CompletedTasks)
}

func TestPanicIsRecovered(t *testing.T) {
	pool := NewWorkerPool(&Config{Name: "panic", MaxWorkers: 1, QueueSize: 1})
	defer pool.Stop(time.Second)

	errs := pool.RunAll(context.Background(), []Task{{
		ID: "p",
		Fn: func(ctx context.Context) error { panic("bad") },
	}})
	require.Len(t, errs, 1)
	assert.ErrorContains(t, errs[0], "task panicked")
}

func TestSubmitAfterStop(t *testing.T) {
	pool := NewWorkerPool(&Config{Name: "stopped", MaxWorkers: 1, QueueSize: 1})
	require.NoError(t, pool.Stop(time.Second))

	err := pool.Submit(Task{ID: "late", Fn: func(ctx context.Context) error { return nil }})
	assert.Error(t, err)
	assert.Equal(t, uint64(1), pool.Stats().RejectedTasks)
}

func TestCanceledContextSkipsTask(t *testing.T) {
	pool := NewWorkerPool(&Config{Name: "cancel", MaxWorkers: 1, QueueSize: 4})
	defer pool.Stop(time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var ran atomic.Bool
	errs := pool.RunAll(context.Background(), []Task{{
		ID:      "c",
		Context: ctx,
		Fn: func(ctx context.Context) error {
			ran.Store(true)
			return nil
		},
	}})
	assert.ErrorIs(t, errs[0], context.Canceled)
	assert.False(t, ran.Load())
}
