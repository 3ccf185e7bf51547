// Package pool provides the bounded worker pool that runs workflow node tasks.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	ErrPoolClosed = errors.New("pool is closed")
	ErrPoolFull   = errors.New("pool is full")
)

// Task represents a unit of work.
type Task func(ctx context.Context) error

// Config configures the pool.
type Config struct {
	MaxWorkers   int           `json:"max_workers" yaml:"max_workers"`
	QueueSize    int           `json:"queue_size" yaml:"queue_size"`
	IdleTimeout  time.Duration `json:"idle_timeout" yaml:"idle_timeout"`
	PanicHandler func(any)     `json:"-" yaml:"-"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxWorkers:  64,
		QueueSize:   1024,
		IdleTimeout: 60 * time.Second,
	}
}

// WorkerPool runs tasks on a bounded set of goroutines. Workers are spawned
// on demand up to MaxWorkers and expire after IdleTimeout, keeping at least one.
type WorkerPool struct {
	maxWorkers   int
	idleTimeout  time.Duration
	panicHandler func(any)
	logger       *zap.Logger

	queue       chan taskWrapper
	quit        chan struct{}
	mu          sync.RWMutex
	closed      bool
	closeOnce   sync.Once
	wg          sync.WaitGroup
	workerCount atomic.Int32
	activeCount atomic.Int32

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	rejected  atomic.Int64
}

type taskWrapper struct {
	task   Task
	ctx    context.Context
	result chan error
}

// New creates a worker pool. Zero fields in cfg take their DefaultConfig value.
func New(cfg Config, logger *zap.Logger) *WorkerPool {
	def := DefaultConfig()
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = def.MaxWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WorkerPool{
		maxWorkers:   cfg.MaxWorkers,
		idleTimeout:  cfg.IdleTimeout,
		panicHandler: cfg.PanicHandler,
		logger:       logger.With(zap.String("component", "worker_pool")),
		queue:        make(chan taskWrapper, cfg.QueueSize),
		quit:         make(chan struct{}),
	}
}

// Submit enqueues a task, blocking while the queue is full until ctx is done
// or the pool is closed.
func (p *WorkerPool) Submit(ctx context.Context, task Task) error {
	return p.enqueue(ctx, taskWrapper{task: task, ctx: ctx}, true)
}

// TrySubmit enqueues a task without blocking and returns ErrPoolFull when the
// queue has no room.
func (p *WorkerPool) TrySubmit(ctx context.Context, task Task) error {
	return p.enqueue(ctx, taskWrapper{task: task, ctx: ctx}, false)
}

// SubmitWait submits a task and waits for its result.
func (p *WorkerPool) SubmitWait(ctx context.Context, task Task) error {
	wrapper := taskWrapper{task: task, ctx: ctx, result: make(chan error, 1)}
	if err := p.enqueue(ctx, wrapper, true); err != nil {
		return err
	}
	select {
	case err := <-wrapper.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *WorkerPool) enqueue(ctx context.Context, wrapper taskWrapper, block bool) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrPoolClosed
	}

	if !block {
		select {
		case p.queue <- wrapper:
			p.accepted()
			return nil
		default:
			p.rejected.Add(1)
			return ErrPoolFull
		}
	}

	select {
	case p.queue <- wrapper:
		p.accepted()
		return nil
	case <-ctx.Done():
		p.rejected.Add(1)
		return ctx.Err()
	case <-p.quit:
		return ErrPoolClosed
	}
}

func (p *WorkerPool) accepted() {
	p.submitted.Add(1)
	if p.workerCount.Load() < int32(p.maxWorkers) {
		p.trySpawnWorker()
	}
}

func (p *WorkerPool) trySpawnWorker() bool {
	for {
		current := p.workerCount.Load()
		if current >= int32(p.maxWorkers) {
			return false
		}
		if p.workerCount.CompareAndSwap(current, current+1) {
			p.wg.Add(1)
			go p.worker()
			return true
		}
	}
}

// retire decrements the worker count unless this is the last worker.
func (p *WorkerPool) retire() bool {
	for {
		current := p.workerCount.Load()
		if current <= 1 {
			return false
		}
		if p.workerCount.CompareAndSwap(current, current-1) {
			return true
		}
	}
}

func (p *WorkerPool) worker() {
	defer p.wg.Done()

	timer := time.NewTimer(p.idleTimeout)
	defer timer.Stop()

	for {
		select {
		case wrapper, ok := <-p.queue:
			if !ok {
				p.workerCount.Add(-1)
				return
			}

			p.activeCount.Add(1)
			err := p.executeTask(wrapper)
			p.activeCount.Add(-1)

			if wrapper.result != nil {
				wrapper.result <- err
			}
			if err != nil {
				p.failed.Add(1)
			} else {
				p.completed.Add(1)
			}

			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(p.idleTimeout)

		case <-timer.C:
			if p.retire() {
				return
			}
			timer.Reset(p.idleTimeout)
		}
	}
}

func (p *WorkerPool) executeTask(wrapper taskWrapper) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("task panicked", zap.Any("panic", r))
			if p.panicHandler != nil {
				p.panicHandler(r)
			}
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()

	return wrapper.task(wrapper.ctx)
}

// Close stops accepting tasks, runs what is already queued and waits for
// all workers to exit.
func (p *WorkerPool) Close() {
	p.closeOnce.Do(func() {
		close(p.quit)
		p.mu.Lock()
		p.closed = true
		close(p.queue)
		p.mu.Unlock()
		p.wg.Wait()
		p.logger.Debug("worker pool closed", zap.Int64("completed", p.completed.Load()))
	})
}

// Closed reports whether Close has been called.
func (p *WorkerPool) Closed() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.closed
}

// Stats returns pool statistics.
func (p *WorkerPool) Stats() Stats {
	return Stats{
		Workers:   int(p.workerCount.Load()),
		Active:    int(p.activeCount.Load()),
		Queued:    len(p.queue),
		QueueCap:  cap(p.queue),
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Rejected:  p.rejected.Load(),
	}
}

// Stats contains pool statistics.
type Stats struct {
	Workers   int   `json:"workers"`
	Active    int   `json:"active"`
	Queued    int   `json:"queued"`
	QueueCap  int   `json:"queue_cap"`
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Rejected  int64 `json:"rejected"`
}
