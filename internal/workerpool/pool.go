// Package workerpool runs background network tasks (reconciliation, gap
// backfill) on a fixed number of workers fed by a bounded queue.
package workerpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Task is a unit of work. ctx is cancelled when the pool stops.
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

// Config sizes the pool.
type Config struct {
	Workers   int `yaml:"workers" default:"16" validate:"gte=1"`
	QueueSize int `yaml:"queue_size" default:"1024" validate:"gte=1"`
}

// Pool is a bounded worker pool. Submit never blocks; Stop cancels
// in-flight tasks through their context without waiting for them.
type Pool struct {
	cfg   Config
	tasks chan Task
	log   zerolog.Logger

	cancel  context.CancelFunc
	group   *errgroup.Group
	stopped atomic.Bool
	once    sync.Once

	// OnResult observes each finished task, for metrics.
	OnResult func(name string, err error)

	done   atomic.Int64
	failed atomic.Int64
}

// New creates a pool. Call Start before Submit.
func New(cfg Config, log zerolog.Logger) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 16
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	return &Pool{
		cfg:   cfg,
		tasks: make(chan Task, cfg.QueueSize),
		log:   log,
	}
}

// Start launches the workers. They exit when ctx is cancelled or Stop is called.
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	p.group = g
	for i := 0; i < p.cfg.Workers; i++ {
		g.Go(func() error {
			p.worker(gctx)
			return nil
		})
	}
	p.log.Info().Int("workers", p.cfg.Workers).Int("queue", p.cfg.QueueSize).Msg("worker pool started")
}

func (p *Pool) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-p.tasks:
			if ctx.Err() != nil {
				return
			}
			p.run(ctx, t)
		}
	}
}

func (p *Pool) run(ctx context.Context, t Task) {
	var err error
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
		if err != nil {
			p.failed.Add(1)
			p.log.Warn().Err(err).Str("task", t.Name).Msg("task failed")
		} else {
			p.done.Add(1)
		}
		if p.OnResult != nil {
			p.OnResult(t.Name, err)
		}
	}()
	err = t.Run(ctx)
}

// Submit enqueues t. It returns false when the queue is full or the pool
// has stopped; the task is then dropped.
func (p *Pool) Submit(t Task) bool {
	if p.stopped.Load() {
		return false
	}
	select {
	case p.tasks <- t:
		return true
	default:
		p.log.Warn().Str("task", t.Name).Msg("worker pool queue full, task dropped")
		return false
	}
}

// Stop cancels running tasks and stops the workers. It does not wait.
func (p *Pool) Stop() {
	p.once.Do(func() {
		p.stopped.Store(true)
		if p.cancel != nil {
			p.cancel()
		}
		p.log.Info().Int64("done", p.done.Load()).Int64("failed", p.failed.Load()).Msg("worker pool stopped")
	})
}

// Wait blocks until every worker has exited.
func (p *Pool) Wait() {
	if p.group != nil {
		_ = p.group.Wait()
	}
}

// QueueDepth returns the number of queued, not yet started tasks.
func (p *Pool) QueueDepth() int { return len(p.tasks) }

// Stats returns completed and failed task counts.
func (p *Pool) Stats() (done, failed int64) { return p.done.Load(), p.failed.Load() }
