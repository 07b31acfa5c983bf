// Package pool runs a fixed set of workers over a dispatch queue pair.
//
// Each worker loops:
//  1. Dequeue a task (blocking)
//  2. Shutdown marker: acknowledge, publish a shutdown ack, exit
//  3. Otherwise run the task function, acknowledge, publish the outcome
//
// A task function that returns an error or panics is fatal to the worker
// that ran it. The item is acknowledged, nothing is published, the failure
// is logged and the worker exits. Nothing restarts it, so the pool runs
// with reduced capacity until the session ends.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tbazina/dimension-visual-inspection/internal/dispatch"
)

var (
	// ErrAlreadyStarted is returned by a second Start
	ErrAlreadyStarted = errors.New("pool: already started")
	// ErrNotStarted is returned by Join before Start
	ErrNotStarted = errors.New("pool: not started")
)

// Func is a work function. It must not retain state shared with other
// workers: the pool runs it concurrently.
type Func[A, R any] func(ctx context.Context, arg A) (R, error)

// Task is one work item: a named function and its argument
type Task[A, R any] struct {
	// Name labels the function in logs and outcomes ("preprocess", "measure")
	Name string
	// Fn is invoked exactly once with Arg
	Fn Func[A, R]
	// Arg is owned by the worker once the task is accepted
	Arg A
	// TraceID is carried into failure logs
	TraceID string
}

// Outcome is what a worker publishes to the output queue.
//
// A regular outcome may carry a zero Value (for pointer types, nil): that is
// the "no result" marker, and it is still published.
type Outcome[R any] struct {
	WorkerID    int
	Task        string
	TraceID     string
	Value       R
	Elapsed     time.Duration
	ShutdownAck bool
}

// Config defines pool construction parameters
type Config struct {
	// Name identifies the pool in logs
	Name string
	// NumberProc is the number of workers (>= 1)
	NumberProc int
	// InputCapacity bounds queued, not yet dequeued tasks (>= 1)
	InputCapacity int
}

// Pool is a fixed-size worker pool. One Pool serves one session: after
// Stop it cannot be started again.
type Pool[A, R any] struct {
	cfg   Config
	queue *dispatch.Pair[Task[A, R], Outcome[R]]

	mu      sync.Mutex
	started bool
	stopped bool
	wg      sync.WaitGroup
	abort   context.CancelFunc
	workers []*workerState

	alive     atomic.Int32
	processed atomic.Uint64
	failures  atomic.Uint64
}

type workerState struct {
	id        int
	alive     atomic.Bool
	processed atomic.Uint64
	lastSeen  atomic.Int64 // unix nanos

	mu      sync.Mutex
	lastErr string
}

// New creates a pool. Workers are not launched until Start.
func New[A, R any](cfg Config) (*Pool[A, R], error) {
	if cfg.NumberProc < 1 {
		return nil, fmt.Errorf("pool: number_proc must be >= 1, got %d", cfg.NumberProc)
	}
	if cfg.InputCapacity == 0 {
		cfg.InputCapacity = 1
	}
	if cfg.Name == "" {
		cfg.Name = "pool"
	}

	queue, err := dispatch.New[Task[A, R], Outcome[R]](cfg.InputCapacity)
	if err != nil {
		return nil, fmt.Errorf("pool: %w", err)
	}

	return &Pool[A, R]{
		cfg:   cfg,
		queue: queue,
	}, nil
}

// Start launches NumberProc workers. ctx is passed to every task function.
//
// Workers exit on their shutdown marker, not on ctx cancellation: in-flight
// work is never interrupted. Use Stop and Join to end a session.
func (p *Pool[A, R]) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return ErrAlreadyStarted
	}
	p.started = true

	// Dequeue waits on its own context so an expired Join can release idle
	// workers without touching in-flight task functions.
	dequeueCtx, abort := context.WithCancel(context.WithoutCancel(ctx))
	p.abort = abort

	p.workers = make([]*workerState, p.cfg.NumberProc)
	for i := range p.workers {
		w := &workerState{id: i}
		w.alive.Store(true)
		w.lastSeen.Store(time.Now().UnixNano())
		p.workers[i] = w

		p.alive.Add(1)
		p.wg.Add(1)
		go p.runWorker(ctx, dequeueCtx, w)
	}

	slog.Info("pool: started",
		"pool", p.cfg.Name,
		"number_proc", p.cfg.NumberProc,
		"input_capacity", p.cfg.InputCapacity,
	)
	return nil
}

// Stop enqueues one shutdown marker per live worker. Markers bypass the
// input capacity, so Stop never blocks. Idempotent.
func (p *Pool[A, R]) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.started || p.stopped {
		return
	}
	p.stopped = true

	// Dead workers consume no marker
	live := int(p.alive.Load())
	for i := 0; i < live; i++ {
		p.queue.EnqueueShutdown()
	}

	slog.Info("pool: stop requested",
		"pool", p.cfg.Name,
		"workers_alive", p.alive.Load(),
	)
}

// Join waits for every worker goroutine to exit.
//
// If ctx expires first, idle workers blocked in Dequeue are released and
// ctx.Err() is returned; a worker inside a task function finishes that
// task before exiting.
func (p *Pool[A, R]) Join(ctx context.Context) error {
	p.mu.Lock()
	started := p.started
	abort := p.abort
	p.mu.Unlock()

	if !started {
		return ErrNotStarted
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		abort()
		slog.Info("pool: all workers joined",
			"pool", p.cfg.Name,
			"processed", p.processed.Load(),
			"failures", p.failures.Load(),
		)
		return nil
	case <-ctx.Done():
		abort()
		slog.Warn("pool: join timed out, releasing idle workers",
			"pool", p.cfg.Name,
			"workers_alive", p.alive.Load(),
		)
		return ctx.Err()
	}
}

// Shutdown is Stop followed by Join
func (p *Pool[A, R]) Shutdown(ctx context.Context) error {
	p.Stop()
	return p.Join(ctx)
}

// Drain waits until every accepted task has been acknowledged. After Stop
// it also waits for the markers; a worker that fails between Stop and its
// marker leaves one behind, so bound ctx there.
func (p *Pool[A, R]) Drain(ctx context.Context) error {
	return p.queue.Join(ctx)
}

// TrySubmit enqueues a task without blocking. Returns false when the input
// queue is full.
func (p *Pool[A, R]) TrySubmit(task Task[A, R]) bool {
	return p.queue.TryEnqueue(task)
}

// IsInputFull reports whether TrySubmit would currently reject
func (p *Pool[A, R]) IsInputFull() bool {
	return p.queue.IsInputFull()
}

// IsOutputEmpty reports whether any outcome is waiting to be drained
func (p *Pool[A, R]) IsOutputEmpty() bool {
	return p.queue.IsOutputEmpty()
}

// TryDrainOne pops the oldest outcome without blocking
func (p *Pool[A, R]) TryDrainOne() (Outcome[R], bool) {
	return p.queue.TryDrainOne()
}

// runWorker is the worker loop
func (p *Pool[A, R]) runWorker(ctx, dequeueCtx context.Context, w *workerState) {
	defer p.wg.Done()
	defer func() {
		w.alive.Store(false)
		p.alive.Add(-1)
	}()

	slog.Debug("pool: worker started", "pool", p.cfg.Name, "worker_id", w.id)

	for {
		item, err := p.queue.Dequeue(dequeueCtx)
		if err != nil {
			slog.Warn("pool: worker released before shutdown marker",
				"pool", p.cfg.Name,
				"worker_id", w.id,
				"error", err,
			)
			return
		}

		if item.IsShutdown() {
			p.acknowledge(w)
			p.queue.Publish(Outcome[R]{WorkerID: w.id, ShutdownAck: true})
			slog.Debug("pool: worker received shutdown", "pool", p.cfg.Name, "worker_id", w.id)
			return
		}

		task := item.Value()
		start := time.Now()
		value, err := p.invoke(ctx, task)
		elapsed := time.Since(start)

		p.acknowledge(w)
		w.lastSeen.Store(time.Now().UnixNano())

		if err != nil {
			p.failures.Add(1)
			w.mu.Lock()
			w.lastErr = err.Error()
			w.mu.Unlock()

			slog.Error("pool: work function failed, worker exiting",
				"pool", p.cfg.Name,
				"worker_id", w.id,
				"task", task.Name,
				"trace_id", task.TraceID,
				"error", err,
				"workers_alive", p.alive.Load()-1,
			)
			return
		}

		p.processed.Add(1)
		w.processed.Add(1)

		p.queue.Publish(Outcome[R]{
			WorkerID: w.id,
			Task:     task.Name,
			TraceID:  task.TraceID,
			Value:    value,
			Elapsed:  elapsed,
		})
	}
}

// invoke runs the task function, converting a panic into an error
func (p *Pool[A, R]) invoke(ctx context.Context, task Task[A, R]) (value R, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Debug("pool: recovered panic", "pool", p.cfg.Name, "stack", string(debug.Stack()))
			err = fmt.Errorf("panic in %q: %v", task.Name, r)
		}
	}()

	if task.Fn == nil {
		return value, fmt.Errorf("task %q has no function", task.Name)
	}
	return task.Fn(ctx, task.Arg)
}

func (p *Pool[A, R]) acknowledge(w *workerState) {
	if err := p.queue.Acknowledge(); err != nil {
		slog.Error("pool: acknowledge failed", "pool", p.cfg.Name, "worker_id", w.id, "error", err)
	}
}
