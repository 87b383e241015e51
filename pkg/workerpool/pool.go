// Package workerpool runs background jobs (document repair, event handling)
// on a bounded set of workers with retry and backoff.
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

var (
	// ErrStopped is returned by Submit once Stop has been called
	ErrStopped = errors.New("pool is shutting down")
	// ErrQueueFull is returned by TrySubmit when no slot is free
	ErrQueueFull = errors.New("task queue is full")
)

// Task is a unit of work keyed by the resource it concerns
type Task struct {
	ID      string
	Payload any
	// Context, when set, bounds the task instead of the pool context
	Context context.Context
}

// Result is the outcome of a task after all attempts
type Result struct {
	TaskID   string
	Attempts int
	Err      error
}

// WorkerFunc processes one task
type WorkerFunc func(ctx context.Context, task *Task) error

// Config holds worker pool configuration
type Config struct {
	// Workers is the number of concurrent workers
	Workers int
	// QueueSize is the size of the task queue
	QueueSize int
	// MaxRetries is the maximum number of retries for failed tasks
	MaxRetries int
	// RetryDelay grows linearly with each attempt
	RetryDelay time.Duration
	// GracefulShutdownTimeout bounds Stop
	GracefulShutdownTimeout time.Duration
	// OnResult, when set, is called by the worker after every task
	OnResult func(Result)
	// CoalesceByID drops a submission whose task ID is already queued or
	// running; the earlier task covers it
	CoalesceByID bool
}

// DefaultConfig returns defaults sized for document rendering
func DefaultConfig() Config {
	return Config{
		Workers:                 4,
		QueueSize:               256,
		MaxRetries:              3,
		RetryDelay:              500 * time.Millisecond,
		GracefulShutdownTimeout: 30 * time.Second,
	}
}

// Pool manages a pool of workers
type Pool struct {
	config     Config
	workerFunc WorkerFunc
	logger     *zap.Logger

	taskChan chan *Task
	wg       sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	stopped bool

	keysMu  sync.Mutex
	pending map[string]struct{}

	tasksSubmitted atomic.Int64
	tasksCompleted atomic.Int64
	tasksFailed    atomic.Int64
	tasksRetried   atomic.Int64
	tasksCoalesced atomic.Int64
	activeWorkers  atomic.Int64
}

// New creates a new worker pool
func New(cfg Config, fn WorkerFunc, logger *zap.Logger) (*Pool, error) {
	if fn == nil {
		return nil, fmt.Errorf("worker function is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.GracefulShutdownTimeout <= 0 {
		cfg.GracefulShutdownTimeout = def.GracefulShutdownTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Pool{
		config:     cfg,
		workerFunc: fn,
		logger:     logger,
		taskChan:   make(chan *Task, cfg.QueueSize),
		pending:    make(map[string]struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// Start launches all workers
func (p *Pool) Start() {
	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.logger.Info("worker pool started",
		zap.Int("workers", p.config.Workers),
		zap.Int("queue_size", p.config.QueueSize))
}

// Submit queues a task, waiting for a free slot until ctx is done
func (p *Pool) Submit(ctx context.Context, task *Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrStopped
	}
	if !p.reserve(task.ID) {
		return nil
	}

	select {
	case p.taskChan <- task:
		p.tasksSubmitted.Add(1)
		return nil
	case <-ctx.Done():
		p.release(task.ID)
		return ctx.Err()
	case <-p.ctx.Done():
		p.release(task.ID)
		return ErrStopped
	}
}

// TrySubmit queues a task without waiting
func (p *Pool) TrySubmit(task *Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrStopped
	}
	if !p.reserve(task.ID) {
		return nil
	}

	select {
	case p.taskChan <- task:
		p.tasksSubmitted.Add(1)
		return nil
	default:
		p.release(task.ID)
		return ErrQueueFull
	}
}

// reserve reports whether the task should be queued
func (p *Pool) reserve(id string) bool {
	if !p.config.CoalesceByID || id == "" {
		return true
	}
	p.keysMu.Lock()
	defer p.keysMu.Unlock()
	if _, busy := p.pending[id]; busy {
		p.tasksCoalesced.Add(1)
		return false
	}
	p.pending[id] = struct{}{}
	return true
}

func (p *Pool) release(id string) {
	if !p.config.CoalesceByID || id == "" {
		return
	}
	p.keysMu.Lock()
	delete(p.pending, id)
	p.keysMu.Unlock()
}

// Stop drains queued tasks and waits for workers up to the shutdown timeout.
// Tasks still running after the timeout see their context cancelled.
func (p *Pool) Stop() error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.taskChan)
	p.mu.Unlock()

	p.logger.Info("stopping worker pool")

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		p.logger.Info("worker pool stopped gracefully")
		return nil
	case <-time.After(p.config.GracefulShutdownTimeout):
		p.cancel()
		<-done
		p.logger.Warn("worker pool shutdown timed out")
		return fmt.Errorf("worker pool shutdown timed out after %s", p.config.GracefulShutdownTimeout)
	}
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	p.activeWorkers.Add(1)
	defer p.activeWorkers.Add(-1)

	for task := range p.taskChan {
		p.process(id, task)
	}
}

// process runs a task with retries and reports the result
func (p *Pool) process(workerID int, task *Task) {
	ctx := task.Context
	if ctx == nil {
		ctx = p.ctx
	}

	res := Result{TaskID: task.ID}
	for attempt := 0; attempt <= p.config.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			res.Err = err
			break
		}

		res.Attempts++
		res.Err = p.workerFunc(ctx, task)
		if res.Err == nil || attempt == p.config.MaxRetries {
			break
		}

		p.tasksRetried.Add(1)
		p.logger.Debug("retrying task",
			zap.String("task_id", task.ID),
			zap.Int("attempt", attempt+1),
			zap.Error(res.Err))

		select {
		case <-ctx.Done():
		case <-time.After(p.config.RetryDelay * time.Duration(attempt+1)):
		}
	}

	// released before OnResult so a follow-up submission is not coalesced
	p.release(task.ID)

	if res.Err == nil {
		p.tasksCompleted.Add(1)
	} else {
		p.tasksFailed.Add(1)
		p.logger.Error("task failed",
			zap.String("task_id", task.ID),
			zap.Int("worker_id", workerID),
			zap.Int("attempts", res.Attempts),
			zap.Error(res.Err))
	}

	if p.config.OnResult != nil {
		p.config.OnResult(res)
	}
}

// Stats holds pool counters
type Stats struct {
	TasksSubmitted int64
	TasksCompleted int64
	TasksFailed    int64
	TasksRetried   int64
	TasksCoalesced int64
	ActiveWorkers  int64
	QueueDepth     int
	QueueCapacity  int
	Workers        int
}

// Stats returns current pool statistics
func (p *Pool) Stats() Stats {
	return Stats{
		TasksSubmitted: p.tasksSubmitted.Load(),
		TasksCompleted: p.tasksCompleted.Load(),
		TasksFailed:    p.tasksFailed.Load(),
		TasksRetried:   p.tasksRetried.Load(),
		TasksCoalesced: p.tasksCoalesced.Load(),
		ActiveWorkers:  p.activeWorkers.Load(),
		QueueDepth:     len(p.taskChan),
		QueueCapacity:  p.config.QueueSize,
		Workers:        p.config.Workers,
	}
}

// IsHealthy reports whether the queue is below 90% of capacity
func (p *Pool) IsHealthy() bool {
	stats := p.Stats()
	return float64(stats.QueueDepth)/float64(stats.QueueCapacity) < 0.9
}
