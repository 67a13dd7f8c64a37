package workerpool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolRunsTasks(t *testing.T) {
	pool := NewWorkerPool(&Config{Name: "test", MaxWorkers: 2, QueueSize: 16})
	defer pool.Stop(time.Second)

	var ran atomic.Int32
	for i := 0; i < 10; i++ {
		require.True(t, pool.TrySubmit(Task{ID: "ok", Fn: func(ctx context.Context) error {
			ran.Add(1)
			return nil
		}}))
	}
	require.NoError(t, pool.Submit(context.Background(), Task{ID: "fail", Fn: func(ctx context.Context) error {
		return errors.New("failed")
	}}))
	require.NoError(t, pool.Submit(context.Background(), Task{ID: "panic", Fn: func(ctx context.Context) error {
		panic("boom")
	}}))

	require.Eventually(t, func() bool {
		s := pool.Stats()
		return s.CompletedTasks == 10 && s.FailedTasks == 2
	}, 5*time.Second, time.Millisecond)
	assert.Equal(t, int32(10), ran.Load())
	assert.Equal(t, uint64(12), pool.Stats().TotalTasks)
}

func TestPoolRejectsWhenFull(t *testing.T) {
	block := make(chan struct{})
	pool := NewWorkerPool(&Config{Name: "test", MaxWorkers: 1, QueueSize: 1})
	defer func() {
		close(block)
		pool.Stop(time.Second)
	}()

	wait := Task{ID: "block", Fn: func(ctx context.Context) error {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return nil
	}}
	require.True(t, pool.TrySubmit(wait))
	require.Eventually(t, func() bool { return pool.Stats().ActiveWorkers == 1 }, 5*time.Second, time.Millisecond)
	require.True(t, pool.TrySubmit(wait))
	assert.False(t, pool.TrySubmit(wait))
	assert.Equal(t, uint64(1), pool.Stats().RejectedTasks)
}

func TestPoolStopRejects(t *testing.T) {
	pool := NewWorkerPool(&Config{Name: "test", MaxWorkers: 1})
	require.NoError(t, pool.Stop(time.Second))
	assert.False(t, pool.TrySubmit(Task{ID: "late", Fn: func(context.Context) error { return nil }}))
	assert.Error(t, pool.Submit(context.Background(), Task{ID: "late"}))
}

func TestPoolRateLimit(t *testing.T) {
	pool := NewWorkerPool(&Config{Name: "test", MaxWorkers: 1, RatePerSecond: 100})
	defer pool.Stop(time.Second)

	start := time.Now()
	var ran atomic.Int32
	for i := 0; i < 5; i++ {
		require.True(t, pool.TrySubmit(Task{ID: "paced", Fn: func(context.Context) error {
			ran.Add(1)
			return nil
		}}))
	}
	require.Eventually(t, func() bool { return ran.Load() == 5 }, 5*time.Second, time.Millisecond)
	// one burst token, then 10ms apart
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}
