package tasklet

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

func TestGroupCancelStopsTasklets(t *testing.T) {
	g := NewGroup(context.Background(), "test", zap.NewNop())
	child := g.Child("child")

	var stopped atomic.Int32
	for _, grp := range []*Group{g, child} {
		grp.Go("blocker", func(ctx context.Context) error {
			<-ctx.Done()
			stopped.Add(1)
			return ctx.Err()
		})
	}

	g.Close()
	assert.Equal(t, int32(2), stopped.Load())
	assert.Error(t, child.Context().Err())

	// cancelling again is harmless
	g.Cancel()
	child.Close()
}

func TestRunRestartsWithBackoff(t *testing.T) {
	g := NewGroup(context.Background(), "test", zap.NewNop()).
		WithBackoff(Backoff{Initial: time.Millisecond, Max: 4 * time.Millisecond})
	defer g.Close()

	var attempts atomic.Int32
	done := make(chan struct{})
	g.Run("flaky", func(ctx context.Context) error {
		if attempts.Add(1) < 4 {
			return errors.New("not yet")
		}
		close(done)
		return nil
	})

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("tasklet was not restarted")
	}
	assert.Equal(t, int32(4), attempts.Load())
}

func TestRunRecoversPanics(t *testing.T) {
	g := NewGroup(context.Background(), "test", zap.NewNop()).
		WithBackoff(Backoff{Initial: time.Millisecond})
	defer g.Close()

	var attempts atomic.Int32
	done := make(chan struct{})
	g.Run("panicky", func(ctx context.Context) error {
		if attempts.Add(1) == 1 {
			panic("boom")
		}
		close(done)
		return nil
	})

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("tasklet was not restarted after panic")
	}
}

func TestEveryRunsPeriodically(t *testing.T) {
	g := NewGroup(context.Background(), "test", zap.NewNop())

	var runs atomic.Int32
	g.Every("tick", time.Millisecond, func(ctx context.Context) error {
		runs.Add(1)
		return nil
	})
	require.Eventually(t, func() bool { return runs.Load() >= 3 }, 5*time.Second, time.Millisecond)
	g.Close()

	after := runs.Load()
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, after, runs.Load())
}

func TestRunLaterIsCancelled(t *testing.T) {
	g := NewGroup(context.Background(), "test", zap.NewNop())
	var ran atomic.Bool
	g.RunLater("later", time.Hour, func(ctx context.Context) error {
		ran.Store(true)
		return nil
	})
	g.Close()
	assert.False(t, ran.Load())
}

func TestLockHandsOffInOrder(t *testing.T) {
	l := NewLock()
	ctx := context.Background()
	require.NoError(t, l.Acquire(ctx))
	assert.False(t, l.TryAcquire())

	var (
		mu    sync.Mutex
		order []int
		wg    sync.WaitGroup
	)
	for i := 0; i < 3; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, l.With(ctx, func() error {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil
			}))
		}()
		// let each waiter queue before the next
		time.Sleep(10 * time.Millisecond)
	}

	l.Release()
	wg.Wait()
	assert.Equal(t, []int{0, 1, 2}, order)
	assert.True(t, l.TryAcquire())
}

func TestLockAcquireCancelled(t *testing.T) {
	l := NewLock()
	require.True(t, l.TryAcquire())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, l.Acquire(ctx), context.DeadlineExceeded)
}

func TestRestarterReportsActualDelay(t *testing.T) {
	r := newRestarter(Backoff{Initial: 50 * time.Millisecond, Max: time.Second})

	// the bucket starts full: the first restart is admitted at once
	assert.Zero(t, r.fail())
	require.NoError(t, r.wait(context.Background()))

	delay := r.fail()
	assert.Greater(t, delay, time.Duration(0))
	assert.LessOrEqual(t, delay, 100*time.Millisecond)

	start := time.Now()
	require.NoError(t, r.wait(context.Background()))
	assert.GreaterOrEqual(t, time.Since(start), delay-5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	r.fail()
	cancel()
	assert.ErrorIs(t, r.wait(ctx), context.Canceled)
}
