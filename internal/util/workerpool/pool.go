package workerpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Task is a unit of work run by the pool
type Task struct {
	ID string
	Fn func(context.Context) error
}

// Config holds worker pool configuration
type Config struct {
	Name       string
	MaxWorkers int
	QueueSize  int
	// RatePerSecond paces task starts across the pool; zero is unlimited
	RatePerSecond float64
	Logger        *zap.Logger
}

// Stats are worker pool statistics
type Stats struct {
	Name           string
	MaxWorkers     int
	ActiveWorkers  int
	QueuedTasks    int
	TotalTasks     uint64
	CompletedTasks uint64
	FailedTasks    uint64
	RejectedTasks  uint64
}

// WorkerPool runs tasks on a fixed set of goroutines. Task starts share one
// rate limiter, so a slow consumer paces every worker.
type WorkerPool struct {
	cfg     Config
	queue   chan Task
	limiter *rate.Limiter
	logger  *zap.Logger

	ctx      context.Context
	stop     context.CancelFunc
	workers  sync.WaitGroup
	stopOnce sync.Once

	active                                 atomic.Int32
	submitted, completed, failed, rejected atomic.Uint64
}

// NewWorkerPool creates a worker pool and starts its workers
func NewWorkerPool(cfg *Config) *WorkerPool {
	c := *cfg
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	limit := rate.Inf
	if c.RatePerSecond > 0 {
		limit = rate.Limit(c.RatePerSecond)
	}

	ctx, stop := context.WithCancel(context.Background())
	p := &WorkerPool{
		cfg:     c,
		queue:   make(chan Task, c.QueueSize),
		limiter: rate.NewLimiter(limit, c.MaxWorkers),
		logger:  c.Logger.With(zap.String("pool", c.Name)),
		ctx:     ctx,
		stop:    stop,
	}
	p.workers.Add(c.MaxWorkers)
	for i := 0; i < c.MaxWorkers; i++ {
		go p.work(i)
	}

	p.logger.Info("Worker pool started",
		zap.Int("workers", c.MaxWorkers),
		zap.Int("queue", c.QueueSize),
		zap.Float64("rate", c.RatePerSecond))
	return p
}

func (p *WorkerPool) work(id int) {
	defer p.workers.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case task := <-p.queue:
			if p.limiter.Wait(p.ctx) != nil {
				return
			}
			p.run(id, task)
		}
	}
}

func (p *WorkerPool) run(worker int, task Task) {
	p.active.Add(1)
	defer p.active.Add(-1)

	start := time.Now()
	if err := p.call(task); err != nil {
		p.failed.Add(1)
		p.logger.Warn("Task failed",
			zap.Int("worker", worker),
			zap.String("task_id", task.ID),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err))
		return
	}
	p.completed.Add(1)
}

// call runs task, turning a panic into an error
func (p *WorkerPool) call(task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", task.ID, r)
		}
	}()
	return task.Fn(p.ctx)
}

// TrySubmit queues a task without blocking. It returns false when the queue
// is full or the pool is stopped.
func (p *WorkerPool) TrySubmit(task Task) bool {
	if p.ctx.Err() == nil {
		select {
		case p.queue <- task:
			p.submitted.Add(1)
			return true
		default:
		}
	}
	p.rejected.Add(1)
	return false
}

// Submit queues a task, blocking until it is accepted, ctx is done or the
// pool stops
func (p *WorkerPool) Submit(ctx context.Context, task Task) error {
	if p.ctx.Err() == nil {
		select {
		case p.queue <- task:
			p.submitted.Add(1)
			return nil
		case <-ctx.Done():
			p.rejected.Add(1)
			return ctx.Err()
		case <-p.ctx.Done():
		}
	}
	p.rejected.Add(1)
	return fmt.Errorf("worker pool %s is stopped", p.cfg.Name)
}

// Stop cancels running tasks and waits up to timeout for workers to exit.
// Queued tasks are dropped.
func (p *WorkerPool) Stop(timeout time.Duration) error {
	var err error
	p.stopOnce.Do(func() {
		p.stop()

		done := make(chan struct{})
		go func() {
			p.workers.Wait()
			close(done)
		}()
		select {
		case <-done:
			p.logger.Info("Worker pool stopped", zap.Int("dropped", len(p.queue)))
		case <-time.After(timeout):
			err = fmt.Errorf("worker pool %s did not stop within %v", p.cfg.Name, timeout)
		}
	})
	return err
}

// Stats returns current pool statistics
func (p *WorkerPool) Stats() Stats {
	return Stats{
		Name:           p.cfg.Name,
		MaxWorkers:     p.cfg.MaxWorkers,
		ActiveWorkers:  int(p.active.Load()),
		QueuedTasks:    len(p.queue),
		TotalTasks:     p.submitted.Load(),
		CompletedTasks: p.completed.Load(),
		FailedTasks:    p.failed.Load(),
		RejectedTasks:  p.rejected.Load(),
	}
}
