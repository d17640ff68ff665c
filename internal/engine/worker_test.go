package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerPool_BoundsConcurrency(t *testing.T) {
	pool := NewWorkerPool(3)
	defer pool.Shutdown()

	var inFlight, peak atomic.Int64
	var mu sync.Mutex
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		err := pool.Submit(ctx, func(context.Context) error {
			n := inFlight.Add(1)
			mu.Lock()
			if n > peak.Load() {
				peak.Store(n)
			}
			mu.Unlock()
			time.Sleep(2 * time.Millisecond)
			inFlight.Add(-1)
			return nil
		})
		require.NoError(t, err)
	}
	pool.Wait()

	assert.LessOrEqual(t, peak.Load(), int64(3))
	assert.Equal(t, int64(20), pool.Metrics().Completed)
}

func TestWorkerPool_SubmitBlocksUntilSlotFrees(t *testing.T) {
	pool := NewWorkerPool(1)
	defer pool.Shutdown()

	release := make(chan struct{})
	ctx := context.Background()
	require.NoError(t, pool.Submit(ctx, func(context.Context) error {
		<-release
		return nil
	}))

	// The pool is full; a submit with a short deadline gives up waiting.
	shortCtx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	err := pool.Submit(shortCtx, func(context.Context) error { return nil })
	require.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	pool.Wait()
}

func TestWorkerPool_ShutdownRejectsNewWork(t *testing.T) {
	pool := NewWorkerPool(2)
	pool.Shutdown()

	err := pool.Submit(context.Background(), func(context.Context) error { return nil })
	require.ErrorIs(t, err, ErrPoolShutdown)

	// Shutdown is idempotent.
	pool.Shutdown()
}

func TestWorkerPool_CountsFailures(t *testing.T) {
	pool := NewWorkerPool(2)
	defer pool.Shutdown()

	ctx := context.Background()
	require.NoError(t, pool.Submit(ctx, func(context.Context) error { return errors.New("boom") }))
	require.NoError(t, pool.Submit(ctx, func(context.Context) error { return nil }))
	pool.Wait()

	m := pool.Metrics()
	assert.Equal(t, int64(1), m.Failed)
	assert.Equal(t, int64(1), m.Completed)
	assert.Equal(t, int64(0), m.Active)
}

func TestWorkerPool_RecoversPanics(t *testing.T) {
	pool := NewWorkerPool(1)
	defer pool.Shutdown()

	require.NoError(t, pool.Submit(context.Background(), func(context.Context) error {
		panic("step blew up")
	}))
	pool.Wait()

	m := pool.Metrics()
	assert.Equal(t, int64(1), m.Panics)
	assert.Equal(t, int64(1), m.Failed)
}
