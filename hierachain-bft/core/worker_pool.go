package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrPoolStopped = errors.New("worker pool is shut down")
	// ErrShutdownTimeout is returned by ShutdownWithTimeout when workers are
	// still busy at the deadline.
	ErrShutdownTimeout = errors.New("worker pool shutdown timed out")
)

// ProcessFunc handles one task input.
type ProcessFunc[T, R any] func(ctx context.Context, input T) (R, error)

// Task is a unit of work queued on the pool.
type Task[T any] struct {
	ID        uint64
	Input     T
	CreatedAt time.Time
}

// Result is the outcome of a task.
type Result[R any] struct {
	TaskID   uint64
	Output   R
	Err      error
	Duration time.Duration
	WorkerID int
}

// PoolStats contains worker pool statistics.
type PoolStats struct {
	Name        string  `json:"name"`
	Workers     int     `json:"workers"`
	Active      int64   `json:"active"`
	Completed   int64   `json:"completed"`
	Failed      int64   `json:"failed"`
	Pending     int     `json:"pending"`
	SuccessRate float64 `json:"success_rate"`
}

// WorkerPool runs a fixed number of goroutines applying process to queued
// inputs. Results are delivered in completion order; a full result channel
// blocks workers rather than dropping results, so consumers must drain
// Results until the pool is shut down.
type WorkerPool[T, R any] struct {
	name    string
	workers int
	process ProcessFunc[T, R]
	tasks   chan Task[T]
	results chan Result[R]
	wg      sync.WaitGroup
	nextID  atomic.Uint64

	active    atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64

	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.RWMutex
	running bool
}

// NewWorkerPool starts a pool with the given number of workers and queue
// capacity.
func NewWorkerPool[T, R any](name string, workers, queue int, process ProcessFunc[T, R]) *WorkerPool[T, R] {
	if workers <= 0 {
		workers = 1
	}
	if queue <= 0 {
		queue = workers * 100
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &WorkerPool[T, R]{
		name:    name,
		workers: workers,
		process: process,
		tasks:   make(chan Task[T], queue),
		results: make(chan Result[R], queue),
		ctx:     ctx,
		cancel:  cancel,
		running: true,
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	return p
}

func (p *WorkerPool[T, R]) worker(id int) {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case task := <-p.tasks:
			res := p.run(id, task)
			select {
			case p.results <- res:
			case <-p.ctx.Done():
				return
			}
		}
	}
}

func (p *WorkerPool[T, R]) run(workerID int, task Task[T]) (res Result[R]) {
	p.active.Add(1)
	defer p.active.Add(-1)

	start := time.Now()
	res = Result[R]{TaskID: task.ID, WorkerID: workerID}

	// One misbehaving input must not take the pool down.
	defer func() {
		if r := recover(); r != nil {
			res.Err = fmt.Errorf("panic in task processing: %v", r)
			res.Duration = time.Since(start)
			p.failed.Add(1)
		}
	}()

	res.Output, res.Err = p.process(p.ctx, task.Input)
	res.Duration = time.Since(start)
	if res.Err == nil {
		p.completed.Add(1)
	} else {
		p.failed.Add(1)
	}
	return res
}

// SubmitWait queues input, blocking until there is room, ctx is done or the
// pool stops.
func (p *WorkerPool[T, R]) SubmitWait(ctx context.Context, input T) (uint64, error) {
	if !p.IsRunning() {
		return 0, ErrPoolStopped
	}
	task := Task[T]{ID: p.nextID.Add(1), Input: input, CreatedAt: time.Now()}
	select {
	case p.tasks <- task:
		return task.ID, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-p.ctx.Done():
		return 0, ErrPoolStopped
	}
}

// Results returns the result channel.
func (p *WorkerPool[T, R]) Results() <-chan Result[R] {
	return p.results
}

// Stats returns current worker pool statistics.
func (p *WorkerPool[T, R]) Stats() PoolStats {
	completed := p.completed.Load()
	failed := p.failed.Load()
	total := completed + failed

	var successRate float64
	if total > 0 {
		successRate = float64(completed) / float64(total) * 100
	}
	return PoolStats{
		Name:        p.name,
		Workers:     p.workers,
		Active:      p.active.Load(),
		Completed:   completed,
		Failed:      failed,
		Pending:     len(p.tasks),
		SuccessRate: successRate,
	}
}

// Shutdown stops the workers and waits for them to exit. Queued tasks that
// were not started are discarded.
func (p *WorkerPool[T, R]) Shutdown() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()
}

// ShutdownWithTimeout is Shutdown bounded by timeout.
func (p *WorkerPool[T, R]) ShutdownWithTimeout(timeout time.Duration) error {
	done := make(chan struct{})
	go func() {
		p.Shutdown()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return ErrShutdownTimeout
	}
}

// IsRunning returns true if the pool is still accepting tasks.
func (p *WorkerPool[T, R]) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}
