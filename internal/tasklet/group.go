// Package tasklet runs background work under cancellable groups. A tasklet
// that fails is logged and restarted with backoff until its group is
// cancelled.
package tasklet

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Func is the body of a tasklet. It must return once ctx is done.
type Func func(ctx context.Context) error

// Backoff bounds the delay between restarts of a failing tasklet. The delay
// doubles per consecutive failure and resets after a success.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
}

// DefaultBackoff is used when a group is created without one
var DefaultBackoff = Backoff{Initial: 100 * time.Millisecond, Max: 30 * time.Second}

// Group owns a set of tasklets sharing one context. Cancelling a group
// cancels its tasklets and every child group.
type Group struct {
	name    string
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	backoff Backoff
	base    *zap.Logger
	logger  *zap.Logger

	mu       sync.Mutex
	children []*Group
}

// NewGroup creates a group whose tasklets stop when parent is done
func NewGroup(parent context.Context, name string, logger *zap.Logger) *Group {
	ctx, cancel := context.WithCancel(parent)
	return &Group{
		name:    name,
		ctx:     ctx,
		cancel:  cancel,
		backoff: DefaultBackoff,
		base:    logger,
		logger:  logger.With(zap.String("tasklet_group", name)),
	}
}

// WithBackoff sets the restart backoff of tasklets started afterwards
func (g *Group) WithBackoff(b Backoff) *Group {
	if b.Initial <= 0 {
		b.Initial = DefaultBackoff.Initial
	}
	if b.Max < b.Initial {
		b.Max = b.Initial
	}
	g.backoff = b
	return g
}

// Name returns the group name
func (g *Group) Name() string { return g.name }

// Context returns the group context
func (g *Group) Context() context.Context { return g.ctx }

// Done is closed once the group is cancelled
func (g *Group) Done() <-chan struct{} { return g.ctx.Done() }

// Child creates a group cancelled together with g. Close waits for
// children too.
func (g *Group) Child(name string) *Group {
	child := NewGroup(g.ctx, g.name+"/"+name, g.base)
	child.backoff = g.backoff
	g.mu.Lock()
	g.children = append(g.children, child)
	g.mu.Unlock()
	return child
}

// Go runs fn once. An error is logged.
func (g *Group) Go(name string, fn Func) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		if err := g.safeRun(name, fn); err != nil && g.ctx.Err() == nil {
			g.logger.Warn("Tasklet failed", zap.String("tasklet", name), zap.Error(err))
		}
	}()
}

// Run runs fn until it returns nil or the group is cancelled, restarting
// it with backoff after each failure
func (g *Group) Run(name string, fn Func) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		restart := newRestarter(g.backoff)
		for {
			err := g.safeRun(name, fn)
			if g.ctx.Err() != nil || err == nil {
				return
			}
			delay := restart.fail()
			g.logger.Warn("Tasklet failed, restarting",
				zap.String("tasklet", name),
				zap.Duration("backoff", delay),
				zap.Error(err))
			if err := restart.wait(g.ctx); err != nil {
				return
			}
		}
	}()
}

// Every runs fn every interval until the group is cancelled. A failing run
// delays the next one by the restart backoff on top of the interval.
func (g *Group) Every(name string, interval time.Duration, fn Func) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		restart := newRestarter(g.backoff)
		timer := time.NewTimer(interval)
		defer timer.Stop()

		for {
			select {
			case <-g.ctx.Done():
				return
			case <-timer.C:
			}

			if err := g.safeRun(name, fn); err != nil {
				if g.ctx.Err() != nil {
					return
				}
				delay := restart.fail()
				g.logger.Warn("Periodic tasklet failed",
					zap.String("tasklet", name),
					zap.Duration("backoff", delay),
					zap.Error(err))
				if err := restart.wait(g.ctx); err != nil {
					return
				}
			} else {
				restart.succeed()
			}
			timer.Reset(interval)
		}
	}()
}

// RunLater runs fn once after delay unless the group is cancelled first
func (g *Group) RunLater(name string, delay time.Duration, fn Func) {
	g.Go(name, func(ctx context.Context) error {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}
		return fn(ctx)
	})
}

// Cancel cancels the group and its children. It is idempotent.
func (g *Group) Cancel() {
	g.cancel()
}

// Wait blocks until every tasklet of the group and its children returned
func (g *Group) Wait() {
	g.wg.Wait()
	g.mu.Lock()
	children := append([]*Group(nil), g.children...)
	g.mu.Unlock()
	for _, c := range children {
		c.Wait()
	}
}

// Close cancels the group and waits for its tasklets
func (g *Group) Close() {
	g.Cancel()
	g.Wait()
}

// safeRun runs fn with panic recovery
func (g *Group) safeRun(name string, fn Func) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tasklet %s panicked: %v", name, r)
			g.logger.Error("Tasklet panic recovered",
				zap.String("tasklet", name),
				zap.Any("panic", r))
		}
	}()
	return fn(g.ctx)
}

// restarter paces restarts with a token bucket whose rate halves per
// consecutive failure. The bucket holds one token, so the first restart
// after a healthy stretch is immediate.
type restarter struct {
	backoff Backoff
	step    time.Duration
	limiter *rate.Limiter
	next    *rate.Reservation
}

func newRestarter(b Backoff) *restarter {
	return &restarter{backoff: b, limiter: rate.NewLimiter(rate.Every(b.Initial), 1)}
}

// fail records a failure, reserves the next restart and returns the delay
// before it is admitted
func (r *restarter) fail() time.Duration {
	if r.step == 0 {
		r.step = r.backoff.Initial
	} else {
		r.step *= 2
	}
	if r.step > r.backoff.Max {
		r.step = r.backoff.Max
	}
	r.limiter.SetLimit(rate.Every(r.step))
	r.next = r.limiter.Reserve()
	return r.next.Delay()
}

func (r *restarter) succeed() {
	r.step = 0
	r.limiter.SetLimit(rate.Every(r.backoff.Initial))
}

// wait blocks until the reserved restart is due
func (r *restarter) wait(ctx context.Context) error {
	delay := r.next.Delay()
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		r.next.Cancel()
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
