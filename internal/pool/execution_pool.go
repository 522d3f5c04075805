// Package pool provides the bounded worker pool that runs flow executions
// in the background.
package pool

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
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

// ExecutionPoolConfig configures the pool.
type ExecutionPoolConfig struct {
	MaxWorkers  int           `yaml:"max_workers" env:"MAX_WORKERS" json:"max_workers"`
	QueueSize   int           `yaml:"queue_size" env:"QUEUE_SIZE" json:"queue_size"`
	IdleTimeout time.Duration `yaml:"idle_timeout" env:"IDLE_TIMEOUT" json:"idle_timeout"`
}

// DefaultExecutionPoolConfig returns sensible defaults.
func DefaultExecutionPoolConfig() ExecutionPoolConfig {
	return ExecutionPoolConfig{
		MaxWorkers:  64,
		QueueSize:   1024,
		IdleTimeout: 60 * time.Second,
	}
}

// ExecutionPool runs tasks on at most MaxWorkers goroutines. Workers are
// spawned on demand and exit after IdleTimeout without work.
type ExecutionPool struct {
	maxWorkers  int
	idleTimeout time.Duration
	queue       chan queuedTask
	logger      *zap.Logger

	workers atomic.Int32
	active  atomic.Int32
	closed  atomic.Bool
	closeMu sync.RWMutex
	wg      sync.WaitGroup

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	rejected  atomic.Int64
}

type queuedTask struct {
	ctx    context.Context
	task   Task
	result chan error
}

// NewExecutionPool creates a pool.
func NewExecutionPool(config ExecutionPoolConfig, logger *zap.Logger) *ExecutionPool {
	defaults := DefaultExecutionPoolConfig()
	if config.MaxWorkers <= 0 {
		config.MaxWorkers = defaults.MaxWorkers
	}
	if config.QueueSize < 0 {
		config.QueueSize = 0
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = defaults.IdleTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExecutionPool{
		maxWorkers:  config.MaxWorkers,
		idleTimeout: config.IdleTimeout,
		queue:       make(chan queuedTask, config.QueueSize),
		logger:      logger.With(zap.String("component", "execution_pool")),
	}
}

// Submit queues task without waiting for it. It fails fast with
// ErrPoolFull when the queue is saturated.
func (p *ExecutionPool) Submit(ctx context.Context, task Task) error {
	p.closeMu.RLock()
	defer p.closeMu.RUnlock()
	if p.closed.Load() {
		return ErrPoolClosed
	}
	p.submitted.Add(1)

	qt := queuedTask{ctx: ctx, task: task}
	select {
	case p.queue <- qt:
		p.ensureWorker()
		return nil
	default:
	}

	// 队列已满时尝试扩容一个 worker 再入队
	if p.trySpawnWorker() {
		select {
		case p.queue <- qt:
			return nil
		case <-time.After(10 * time.Millisecond):
		}
	}
	p.rejected.Add(1)
	return ErrPoolFull
}

// SubmitWait queues task and blocks until it returns or ctx is done.
func (p *ExecutionPool) SubmitWait(ctx context.Context, task Task) error {
	p.closeMu.RLock()
	if p.closed.Load() {
		p.closeMu.RUnlock()
		return ErrPoolClosed
	}
	p.submitted.Add(1)

	qt := queuedTask{ctx: ctx, task: task, result: make(chan error, 1)}
	select {
	case p.queue <- qt:
		p.ensureWorker()
		p.closeMu.RUnlock()
	case <-ctx.Done():
		p.closeMu.RUnlock()
		p.rejected.Add(1)
		return ctx.Err()
	}

	select {
	case err := <-qt.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *ExecutionPool) ensureWorker() {
	if p.workers.Load() <= p.active.Load() {
		p.trySpawnWorker()
	}
}

func (p *ExecutionPool) trySpawnWorker() bool {
	for {
		current := p.workers.Load()
		if current >= int32(p.maxWorkers) {
			return false
		}
		if p.workers.CompareAndSwap(current, current+1) {
			p.wg.Add(1)
			go p.worker()
			return true
		}
	}
}

func (p *ExecutionPool) worker() {
	defer p.wg.Done()
	defer func() {
		p.workers.Add(-1)
		// 退出与入队并发时，避免任务滞留在队列中
		if len(p.queue) > 0 {
			p.trySpawnWorker()
		}
	}()

	timer := time.NewTimer(p.idleTimeout)
	defer timer.Stop()

	for {
		select {
		case qt, ok := <-p.queue:
			if !ok {
				return
			}
			p.active.Add(1)
			err := p.run(qt)
			p.active.Add(-1)

			if qt.result != nil {
				qt.result <- err
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
			if len(p.queue) == 0 {
				return
			}
			timer.Reset(p.idleTimeout)
		}
	}
}

func (p *ExecutionPool) run(qt queuedTask) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("task panicked",
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return qt.task(qt.ctx)
}

// Close stops accepting work, drains the queue and waits for workers until
// ctx is done.
func (p *ExecutionPool) Close(ctx context.Context) error {
	p.closeMu.Lock()
	if p.closed.Swap(true) {
		p.closeMu.Unlock()
		return nil
	}
	close(p.queue)
	p.closeMu.Unlock()

	// 队列中仍有任务但 worker 已空闲退出时补一个
	if len(p.queue) > 0 {
		p.trySpawnWorker()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("execution pool drained", zap.Int64("completed", p.completed.Load()))
		return nil
	case <-ctx.Done():
		p.logger.Warn("execution pool close timed out",
			zap.Int32("active", p.active.Load()),
			zap.Int("queued", len(p.queue)),
		)
		return ctx.Err()
	}
}

// Stats returns pool statistics.
func (p *ExecutionPool) Stats() ExecutionPoolStats {
	return ExecutionPoolStats{
		Workers:   int(p.workers.Load()),
		Active:    int(p.active.Load()),
		Queued:    len(p.queue),
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Rejected:  p.rejected.Load(),
	}
}

// ExecutionPoolStats contains pool statistics.
type ExecutionPoolStats struct {
	Workers   int   `json:"workers"`
	Active    int   `json:"active"`
	Queued    int   `json:"queued"`
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Rejected  int64 `json:"rejected"`
}
