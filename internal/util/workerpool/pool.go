package workerpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Task represents a unit of work to be executed
type Task struct {
	ID      string
	Fn      func(context.Context) error
	Context context.Context
	// Done, when set, receives the task result after execution
	Done func(error)
}

// WorkerPool runs tasks on a fixed set of goroutines fed by a bounded queue
type WorkerPool struct {
	name       string
	maxWorkers int
	queueSize  int
	taskQueue  chan Task
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
			// Drain what was already accepted so callers waiting on Done are released
			for {
				select {
				case task := <-p.taskQueue:
					p.executeTask(id, task)
				default:
					return
				}
			}
		case task := <-p.taskQueue:
			p.executeTask(id, task)
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
		p.logger.Warn("Task failed",
			zap.String("pool", p.name),
			zap.Int("worker_id", workerID),
			zap.String("task_id", task.ID),
			zap.Duration("duration", duration),
			zap.Error(err))
	} else {
		p.completedTasks.Add(1)
	}

	if task.Done != nil {
		task.Done(err)
	}
}

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

	ctx := task.Context
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return task.Fn(ctx)
}

// Submit enqueues a task without blocking.
// Returns an error if the queue is full or the pool is stopped.
func (p *WorkerPool) Submit(task Task) error {
	select {
	case <-p.stopChan:
		p.rejectedTasks.Add(1)
		return fmt.Errorf("worker pool '%s' is stopped", p.name)
	default:
	}

	select {
	case p.taskQueue <- task:
		p.totalTasks.Add(1)
		return nil
	default:
		p.rejectedTasks.Add(1)
		return fmt.Errorf("worker pool '%s' queue is full", p.name)
	}
}

// SubmitWithContext blocks until the task is accepted or ctx is done
func (p *WorkerPool) SubmitWithContext(ctx context.Context, task Task) error {
	select {
	case <-p.stopChan:
		p.rejectedTasks.Add(1)
		return fmt.Errorf("worker pool '%s' is stopped", p.name)
	case <-ctx.Done():
		p.rejectedTasks.Add(1)
		return ctx.Err()
	case p.taskQueue <- task:
		p.totalTasks.Add(1)
		return nil
	}
}

// RunAll submits every task and waits for all of them.
// The returned slice holds one error per task in input order.
func (p *WorkerPool) RunAll(ctx context.Context, tasks []Task) []error {
	errs := make([]error, len(tasks))
	var wg sync.WaitGroup

	for i := range tasks {
		i := i
		task := tasks[i]
		if task.Context == nil {
			task.Context = ctx
		}
		wg.Add(1)
		task.Done = func(err error) {
			errs[i] = err
			wg.Done()
		}
		if err := p.SubmitWithContext(ctx, task); err != nil {
			errs[i] = err
			wg.Done()
		}
	}

	wg.Wait()
	return errs
}

// Stop closes the pool and waits for workers to finish accepted tasks
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
			p.logger.Info("Worker pool stopped", zap.String("name", p.name))
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
		QueueSize:      p.queueSize,
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
	QueueSize      int
	QueuedTasks    int
	TotalTasks     uint64
	CompletedTasks uint64
	FailedTasks    uint64
	RejectedTasks  uint64
}

// SuccessRate returns the task success rate as a percentage
func (s Stats) SuccessRate() float64 {
	finished := s.CompletedTasks + s.FailedTasks
	if finished == 0 {
		return 100.0
	}
	return float64(s.CompletedTasks) / float64(finished) * 100.0
}
