// Package worker runs transfer jobs off the queue with bounded concurrency.
package worker

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/okian/scanreward/internal/adapters/mq/queue"
	"github.com/okian/scanreward/pkg/logger"
	"github.com/okian/scanreward/pkg/metrics"
)

// DefaultConcurrency keeps the fan-out within typical RPC rate limits.
const DefaultConcurrency = 5

// Handler processes one job. It owns error reporting for the job.
type Handler interface {
	Handle(ctx context.Context, j queue.Job)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, j queue.Job)

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, j queue.Job) { f(ctx, j) } //nolint:gocritic // hugeParam: Job is passed by value for channel semantics

// Queue defines how workers receive jobs.
type Queue interface {
	Dequeue() <-chan queue.Job
}

// InMemoryWorker reads jobs until the queue is drained or it is stopped.
type InMemoryWorker struct {
	queue   Queue
	handler Handler
	name    string

	shutdown chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	logger logger.Logger
}

// NewInMemoryWorker creates a new worker.
func NewInMemoryWorker(q Queue, h Handler, opts ...Option) *InMemoryWorker {
	w := &InMemoryWorker{
		queue:    q,
		handler:  h,
		name:     "worker",
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
		logger:   logger.Get().Named("worker"),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.name != "worker" {
		w.logger = w.logger.Named(w.name)
	}
	return w
}

// Run processes jobs until the queue is closed and empty, ctx is done, or
// Shutdown is called. A job that has been picked up always runs to completion.
func (w *InMemoryWorker) Run(ctx context.Context) {
	defer close(w.done)

	jobs := w.queue.Dequeue()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.shutdown:
			return
		case j, ok := <-jobs:
			if !ok {
				return
			}
			w.handle(ctx, j)
		}
	}
}

func (w *InMemoryWorker) handle(ctx context.Context, j queue.Job) { //nolint:gocritic // hugeParam: Job is passed by value for channel semantics
	defer func() {
		if r := recover(); r != nil {
			metrics.RecordError("worker", "panic")
			w.logger.Error(ctx, "job panicked",
				logger.String("agent_id", j.Allocation.AgentID),
				logger.String("panic", fmt.Sprint(r)),
			)
		}
	}()
	w.handler.Handle(ctx, j)
}

// Shutdown stops the worker after its current job.
func (w *InMemoryWorker) Shutdown(ctx context.Context) error {
	w.stopOnce.Do(func() { close(w.shutdown) })
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		w.logger.Warn(ctx, "shutdown timed out")
		return fmt.Errorf("shutdown timed out: %w", ctx.Err())
	}
}

// Done is closed when Run returns.
func (w *InMemoryWorker) Done() <-chan struct{} { return w.done }

// Pool runs a fixed number of workers over one queue.
type Pool struct {
	workers []*InMemoryWorker
	queue   Queue
	active  atomic.Int32
	wg      sync.WaitGroup
	logger  logger.Logger
}

// NewPool creates a pool of workerCount workers. Non-positive counts fall
// back to DefaultConcurrency.
func NewPool(workerCount int, q Queue, h Handler, opts ...Option) *Pool {
	if workerCount < 1 {
		workerCount = DefaultConcurrency
	}
	p := &Pool{
		workers: make([]*InMemoryWorker, workerCount),
		queue:   q,
		logger:  logger.Get().Named("worker-pool"),
	}
	for i := range p.workers {
		wopts := append([]Option{WithName("worker-" + strconv.Itoa(i))}, opts...)
		p.workers[i] = NewInMemoryWorker(q, h, wopts...)
	}
	return p
}

// Size returns the number of workers.
func (p *Pool) Size() int { return len(p.workers) }

// Start launches all workers.
func (p *Pool) Start(ctx context.Context) {
	for _, w := range p.workers {
		p.wg.Add(1)
		metrics.UpdateWorkerActiveCount(int(p.active.Add(1)))
		go func(w *InMemoryWorker) {
			defer p.wg.Done()
			defer func() { metrics.UpdateWorkerActiveCount(int(p.active.Add(-1))) }()
			w.Run(ctx)
		}(w)
	}
}

// Drain closes the queue and waits until every queued job has been handled.
// It is the join point of a batch.
func (p *Pool) Drain(ctx context.Context) error {
	if closer, ok := p.queue.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			p.logger.Error(ctx, "error closing queue", logger.Error(err))
		}
	}
	p.wg.Wait()
	return nil
}

// Shutdown stops workers without draining the queue.
func (p *Pool) Shutdown(ctx context.Context) error {
	var firstErr error
	for i, w := range p.workers {
		if err := w.Shutdown(ctx); err != nil {
			p.logger.Warn(ctx, "worker shutdown timed out", logger.Int("worker_id", i))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
