package tasklet

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Lock is a mutex whose acquisition can be cancelled. Waiters are served in
// arrival order: Release hands the lock to the first waiter.
type Lock struct {
	sem *semaphore.Weighted
}

// NewLock creates an unlocked lock
func NewLock() *Lock {
	return &Lock{sem: semaphore.NewWeighted(1)}
}

// Acquire blocks until the lock is held or ctx is done
func (l *Lock) Acquire(ctx context.Context) error {
	return l.sem.Acquire(ctx, 1)
}

// TryAcquire takes the lock if it is free
func (l *Lock) TryAcquire() bool {
	return l.sem.TryAcquire(1)
}

// Release releases a held lock
func (l *Lock) Release() {
	l.sem.Release(1)
}

// With runs fn while holding the lock
func (l *Lock) With(ctx context.Context, fn func() error) error {
	if err := l.Acquire(ctx); err != nil {
		return err
	}
	defer l.Release()
	return fn()
}
