package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestPool(workers, queue int) *ExecutionPool {
	return NewExecutionPool(ExecutionPoolConfig{
		MaxWorkers:  workers,
		QueueSize:   queue,
		IdleTimeout: 50 * time.Millisecond,
	}, zap.NewNop())
}

func TestExecutionPool_SubmitRunsTasks(t *testing.T) {
	p := newTestPool(4, 16)

	var count atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		require.NoError(t, p.Submit(context.Background(), func(ctx context.Context) error {
			defer wg.Done()
			count.Add(1)
			return nil
		}))
	}
	wg.Wait()
	assert.Equal(t, int32(10), count.Load())

	require.NoError(t, p.Close(context.Background()))
	stats := p.Stats()
	assert.Equal(t, int64(10), stats.Submitted)
	assert.Equal(t, int64(10), stats.Completed)
}

func TestExecutionPool_SubmitWaitReturnsTaskError(t *testing.T) {
	p := newTestPool(1, 1)
	defer p.Close(context.Background())

	want := errors.New("task failed")
	err := p.SubmitWait(context.Background(), func(ctx context.Context) error { return want })
	assert.ErrorIs(t, err, want)
	assert.Equal(t, int64(1), p.Stats().Failed)
}

func TestExecutionPool_RecoversPanics(t *testing.T) {
	p := newTestPool(1, 1)
	defer p.Close(context.Background())

	err := p.SubmitWait(context.Background(), func(ctx context.Context) error { panic("kaboom") })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")

	// worker 仍可继续处理任务
	assert.NoError(t, p.SubmitWait(context.Background(), func(ctx context.Context) error { return nil }))
}

func TestExecutionPool_RejectsWhenFull(t *testing.T) {
	p := newTestPool(1, 1)
	release := make(chan struct{})
	started := make(chan struct{})

	require.NoError(t, p.Submit(context.Background(), func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	}))
	<-started
	require.NoError(t, p.Submit(context.Background(), func(ctx context.Context) error { return nil }))

	err := p.Submit(context.Background(), func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrPoolFull)
	assert.Equal(t, int64(1), p.Stats().Rejected)

	close(release)
	require.NoError(t, p.Close(context.Background()))
}

func TestExecutionPool_ClosedPoolRejects(t *testing.T) {
	p := newTestPool(2, 2)
	require.NoError(t, p.Close(context.Background()))
	require.NoError(t, p.Close(context.Background()))

	assert.ErrorIs(t, p.Submit(context.Background(), func(ctx context.Context) error { return nil }), ErrPoolClosed)
	assert.ErrorIs(t, p.SubmitWait(context.Background(), func(ctx context.Context) error { return nil }), ErrPoolClosed)
}

func TestExecutionPool_CloseDrainsQueue(t *testing.T) {
	p := newTestPool(1, 8)
	var count atomic.Int32
	for i := 0; i < 5; i++ {
		require.NoError(t, p.Submit(context.Background(), func(ctx context.Context) error {
			time.Sleep(time.Millisecond)
			count.Add(1)
			return nil
		}))
	}
	require.NoError(t, p.Close(context.Background()))
	assert.Equal(t, int32(5), count.Load())
}
