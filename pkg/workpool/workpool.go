// Package workpool runs background tasks with bounded concurrency. Tasks that
// arrive while every slot is busy are dropped rather than queued.
package workpool

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/ritzau/provgraph/pkg/logging"
	"github.com/ritzau/provgraph/pkg/metrics"
)

var (
	// ErrSaturated is returned by Submit when every worker is busy.
	ErrSaturated = errors.New("worker pool saturated")
	// ErrRateLimited is returned by Submit when the rate limit rejects a task.
	ErrRateLimited = errors.New("worker pool rate limited")
	// ErrClosed is returned by Submit after Close.
	ErrClosed = errors.New("worker pool closed")
)

// Task is one unit of background work.
type Task func(ctx context.Context) error

// Config holds pool limits.
type Config struct {
	// Name labels the pool's metrics and log lines.
	Name string
	// Workers is the number of tasks that may run at once. Defaults to 1.
	Workers int64
	// TaskTimeout bounds each task. Zero means no timeout.
	TaskTimeout time.Duration
	// Rate caps task starts per second. Zero means unlimited.
	Rate float64
}

// Pool is a bounded set of background workers.
type Pool struct {
	cfg     Config
	sem     *semaphore.Weighted
	limiter *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// New creates a pool. Tasks run under a context that Close cancels.
func New(cfg Config) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Name == "" {
		cfg.Name = "default"
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		cfg:    cfg,
		sem:    semaphore.NewWeighted(cfg.Workers),
		ctx:    ctx,
		cancel: cancel,
	}
	if cfg.Rate > 0 {
		burst := int(cfg.Rate)
		if burst < 1 {
			burst = 1
		}
		p.limiter = rate.NewLimiter(rate.Limit(cfg.Rate), burst)
	}
	return p
}

// Submit starts task on a free worker without blocking. It returns
// ErrSaturated when no worker is free; the task is then dropped.
func (p *Pool) Submit(task Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if p.limiter != nil && !p.limiter.Allow() {
		metrics.WorkpoolTasks.WithLabelValues(p.cfg.Name, "dropped").Inc()
		return ErrRateLimited
	}
	if !p.sem.TryAcquire(1) {
		metrics.WorkpoolTasks.WithLabelValues(p.cfg.Name, "dropped").Inc()
		logging.Debug("dropping task, pool saturated", "pool", p.cfg.Name, "workers", p.cfg.Workers)
		return ErrSaturated
	}

	p.wg.Add(1)
	go p.run(task)
	return nil
}

func (p *Pool) run(task Task) {
	defer p.wg.Done()
	defer p.sem.Release(1)

	ctx := p.ctx
	if p.cfg.TaskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.TaskTimeout)
		defer cancel()
	}

	if err := task(ctx); err != nil {
		metrics.WorkpoolTasks.WithLabelValues(p.cfg.Name, "failed").Inc()
		logging.Warn("background task failed", "pool", p.cfg.Name, "error", err)
		return
	}
	metrics.WorkpoolTasks.WithLabelValues(p.cfg.Name, "completed").Inc()
}

// Wait blocks until every submitted task has finished.
func (p *Pool) Wait() { p.wg.Wait() }

// Close rejects new tasks and waits for running ones. If ctx ends first the
// running tasks' contexts are cancelled and Close returns ctx.Err().
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		return ctx.Err()
	}
}
