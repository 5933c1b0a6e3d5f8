package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ErrPoolStopped is returned for work submitted to, or abandoned by, a stopped pool
var ErrPoolStopped = errors.New("worker pool stopped")

// Task represents a unit of work to be executed
type Task struct {
	ID      string
	Fn      func(context.Context) error
	Context context.Context

	done func(error)
}

// WorkerPool manages a bounded pool of goroutines for executing tasks
type WorkerPool struct {
	name       string
	maxWorkers int
	taskQueue  chan Task
	queueSize  int
	logger     *zap.Logger
	wg         sync.WaitGroup
	stopOnce   sync.Once
	stopChan   chan struct{}

	activeWorkers  atomic.Int32
	totalTasks     atomic.Uint64
	completedTasks atomic.Uint64
	failedTasks    atomic.Uint64
	rejectedTasks  atomic.Uint64
}

// Config holds worker pool configuration
type Config struct {
	Name       string
	MaxWorkers int
	QueueSize  int
	Logger     *zap.Logger
}

// NewWorkerPool creates a pool and starts its workers
func NewWorkerPool(cfg *Config) *WorkerPool {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 10
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	pool := &WorkerPool{
		name:       cfg.Name,
		maxWorkers: cfg.MaxWorkers,
		queueSize:  cfg.QueueSize,
		taskQueue:  make(chan Task, cfg.QueueSize),
		logger:     cfg.Logger,
		stopChan:   make(chan struct{}),
	}

	for i := 0; i < pool.maxWorkers; i++ {
		pool.wg.Add(1)
		go pool.worker(i)
	}

	pool.logger.Info("Worker pool started",
		zap.String("name", pool.name),
		zap.Int("max_workers", pool.maxWorkers),
		zap.Int("queue_size", pool.queueSize))

	return pool
}

func (p *WorkerPool) worker(id int) {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopChan:
			p.drain()
			return

		case task := <-p.taskQueue:
			p.executeTask(id, task)
		}
	}
}

// drain fails tasks still queued at stop so batch waiters are released
func (p *WorkerPool) drain() {
	for {
		select {
		case task := <-p.taskQueue:
			p.rejectedTasks.Add(1)
			if task.done != nil {
				task.done(ErrPoolStopped)
			}
		default:
			return
		}
	}
}

func (p *WorkerPool) executeTask(workerID int, task Task) {
	p.activeWorkers.Add(1)
	defer p.activeWorkers.Add(-1)

	start := time.Now()
	err := p.safeExecute(task)
	duration := time.Since(start)

	if err != nil {
		p.failedTasks.Add(1)
		p.logger.Debug("Task failed",
			zap.String("pool", p.name),
			zap.Int("worker_id", workerID),
			zap.String("task_id", task.ID),
			zap.Duration("duration", duration),
			zap.Error(err))
	} else {
		p.completedTasks.Add(1)
	}

	if task.done != nil {
		task.done(err)
	}
}

// safeExecute executes a task with panic recovery
func (p *WorkerPool) safeExecute(task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
			p.logger.Error("Task panic recovered",
				zap.String("pool", p.name),
				zap.String("task_id", task.ID),
				zap.Any("panic", r))
		}
	}()

	if task.Context == nil {
		task.Context = context.Background()
	}

	return task.Fn(task.Context)
}

// SubmitWithContext blocks until the task is queued, ctx is done or the pool stops
func (p *WorkerPool) SubmitWithContext(ctx context.Context, task Task) error {
	select {
	case <-p.stopChan:
		p.rejectedTasks.Add(1)
		return ErrPoolStopped
	default:
	}

	select {
	case <-p.stopChan:
		p.rejectedTasks.Add(1)
		return ErrPoolStopped
	case <-ctx.Done():
		p.rejectedTasks.Add(1)
		return ctx.Err()
	case p.taskQueue <- task:
		p.totalTasks.Add(1)
		return nil
	}
}

// BatchResult summarises a RunBatch call
type BatchResult struct {
	Completed int
	Failed    int
	Rejected  int
	// Err is set when the batch was abandoned before every task reported back
	Err error
}

// RunBatch queues every task and waits for all of them to finish. It returns
// early with Err set when ctx is done or the pool stops; tasks already
// running are not interrupted.
func (p *WorkerPool) RunBatch(ctx context.Context, tasks []Task) BatchResult {
	var res BatchResult
	results := make(chan error, len(tasks))

	submitted := 0
	for _, task := range tasks {
		task.done = func(err error) { results <- err }
		if task.Context == nil {
			task.Context = ctx
		}
		if err := p.SubmitWithContext(ctx, task); err != nil {
			res.Rejected++
			if res.Err == nil && (errors.Is(err, ErrPoolStopped) || ctx.Err() != nil) {
				res.Err = err
				break
			}
			continue
		}
		submitted++
	}

	for i := 0; i < submitted; i++ {
		select {
		case err := <-results:
			if err != nil {
				res.Failed++
			} else {
				res.Completed++
			}
		case <-ctx.Done():
			res.Err = ctx.Err()
			return res
		}
	}
	return res
}

// Stop stops the workers, waiting up to timeout for running tasks
func (p *WorkerPool) Stop(timeout time.Duration) error {
	var err error
	p.stopOnce.Do(func() {
		p.logger.Info("Stopping worker pool", zap.String("name", p.name))
		close(p.stopChan)

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			p.logger.Info("Worker pool stopped gracefully", zap.String("name", p.name))
		case <-time.After(timeout):
			err = fmt.Errorf("worker pool '%s' stop timeout after %v", p.name, timeout)
			p.logger.Warn("Worker pool stop timeout", zap.String("name", p.name))
		}
	})
	return err
}

// Stats returns current worker pool statistics
func (p *WorkerPool) Stats() Stats {
	return Stats{
		Name:           p.name,
		MaxWorkers:     p.maxWorkers,
		ActiveWorkers:  int(p.activeWorkers.Load()),
		QueuedTasks:    len(p.taskQueue),
		TotalTasks:     p.totalTasks.Load(),
		CompletedTasks: p.completedTasks.Load(),
		FailedTasks:    p.failedTasks.Load(),
		RejectedTasks:  p.rejectedTasks.Load(),
	}
}

// Stats represents worker pool statistics
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
