// Package async provides the dual-queue execution substrate that bridges
// worker-goroutine I/O with the single goroutine that owns all session state.
//
// Operations are submitted from any goroutine, executed on a background
// worker pool, and their completions are delivered back in append order by
// Pump, which must only be called from the owning goroutine. Every submitted
// operation produces exactly one completion, success or failure.
package async

import (
	"context"
	"errors"
	"sync"

	"github.com/eapache/queue"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cory-johannsen/lobby/internal/observability"
)

// ErrShutDown is returned by Submit and Parallel after Shutdown has been called.
var ErrShutDown = errors.New("async queue is shut down")

// RunFunc executes one operation on a worker goroutine. It may block for the
// duration of the operation and should honor ctx cancellation where possible.
type RunFunc func(ctx context.Context) (any, error)

// CompleteFunc receives the operation's result on the pump goroutine.
// Exactly one of result/err reflects the outcome; err is nil on success.
type CompleteFunc func(result any, err error)

// Operation is one unit of queued work.
type Operation struct {
	Kind     Kind
	Run      RunFunc
	Complete CompleteFunc
}

// Handle identifies a submitted operation.
type Handle struct {
	id uuid.UUID
}

// String returns the handle's unique identifier.
func (h Handle) String() string { return h.id.String() }

type pendingOp struct {
	handle Handle
	op     Operation
}

type completion struct {
	handle   Handle
	kind     Kind
	complete CompleteFunc
	result   any
	err      error
}

// Queue is the dual-queue async operation manager.
//
// The inbound queue is drained by a pool of worker goroutines; each worker
// runs one operation to completion before taking the next. Completions are
// appended to the outbound queue in the order operations finish, and Pump
// delivers them in that same order.
type Queue struct {
	logger  *zap.Logger
	metrics *observability.Metrics
	workers int

	mu   sync.Mutex
	cond *sync.Cond
	in   *queue.Queue
	shut bool

	outMu sync.Mutex
	out   *queue.Queue

	baseCtx context.Context
	cancel  context.CancelFunc

	workerWG   sync.WaitGroup
	parallelWG sync.WaitGroup
}

// NewQueue creates a Queue with the given worker pool size.
//
// Precondition: workers >= 1; logger must be non-nil; metrics may be nil.
// Postcondition: Returns a Queue; Start must be called before operations run.
func NewQueue(workers int, logger *zap.Logger, metrics *observability.Metrics) *Queue {
	if workers < 1 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		logger:  logger,
		metrics: metrics,
		workers: workers,
		in:      queue.New(),
		out:     queue.New(),
		baseCtx: ctx,
		cancel:  cancel,
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Start launches the worker pool.
//
// Postcondition: workers are draining the inbound queue until Shutdown.
func (q *Queue) Start() {
	for i := 0; i < q.workers; i++ {
		q.workerWG.Add(1)
		go q.worker(i)
	}
	q.logger.Info("async queue started", zap.Int("workers", q.workers))
}

// Submit enqueues an operation for execution on the worker pool. It never
// blocks and fails only after Shutdown.
//
// Precondition: op.Run must be non-nil; op.Complete may be nil.
// Postcondition: Exactly one completion will be delivered through Pump.
func (q *Queue) Submit(op Operation) (Handle, error) {
	h := Handle{id: uuid.New()}

	q.mu.Lock()
	if q.shut {
		q.mu.Unlock()
		return Handle{}, ErrShutDown
	}
	q.in.Add(pendingOp{handle: h, op: op})
	q.cond.Signal()
	q.mu.Unlock()

	q.metrics.OpSubmitted(op.Kind.String())
	q.logger.Debug("operation submitted",
		zap.Stringer("kind", op.Kind),
		zap.Stringer("handle", h),
	)
	return h, nil
}

// Parallel runs an operation on its own goroutine, bypassing the inbound
// queue and the worker pool. Its completion still flows through the outbound
// queue and is delivered by Pump. Used for long-running polling loops that
// must not occupy a worker.
//
// Precondition: run must be non-nil; complete may be nil.
// Postcondition: Exactly one completion will be delivered through Pump.
func (q *Queue) Parallel(kind Kind, run RunFunc, complete CompleteFunc) (Handle, error) {
	h := Handle{id: uuid.New()}

	q.mu.Lock()
	if q.shut {
		q.mu.Unlock()
		return Handle{}, ErrShutDown
	}
	q.parallelWG.Add(1)
	q.mu.Unlock()

	q.metrics.OpSubmitted(kind.String())
	go func() {
		defer q.parallelWG.Done()
		result, err := run(q.baseCtx)
		q.append(completion{handle: h, kind: kind, complete: complete, result: result, err: err})
	}()
	return h, nil
}

// Pump drains every completion currently queued and invokes its callback
// synchronously, in the order completions were appended. Completions appended
// while Pump runs wait for the next call. Returns the number delivered.
//
// Pump must only be called from the goroutine that owns the session state.
func (q *Queue) Pump() int {
	q.outMu.Lock()
	n := q.out.Length()
	batch := make([]completion, 0, n)
	for i := 0; i < n; i++ {
		batch = append(batch, q.out.Remove().(completion))
	}
	q.outMu.Unlock()

	for _, c := range batch {
		q.metrics.OpDelivered(c.kind.String(), c.err)
		if c.err != nil {
			q.logger.Debug("operation failed",
				zap.Stringer("kind", c.kind),
				zap.Stringer("handle", c.handle),
				zap.Error(c.err),
			)
		}
		if c.complete != nil {
			c.complete(c.result, c.err)
		}
	}
	return len(batch)
}

// QueuedCompletions reports how many completions are waiting for the next
// Pump.
func (q *Queue) QueuedCompletions() int {
	q.outMu.Lock()
	defer q.outMu.Unlock()
	return q.out.Length()
}

// Shutdown stops intake, cancels the base context, and waits for all workers
// and parallel tasks to finish. Operations already queued still execute and
// their completions remain deliverable; the owner should call Pump once more
// after Shutdown returns.
//
// Postcondition: Submit and Parallel fail with ErrShutDown.
func (q *Queue) Shutdown() {
	q.mu.Lock()
	if q.shut {
		q.mu.Unlock()
		return
	}
	q.shut = true
	q.cond.Broadcast()
	q.mu.Unlock()

	q.cancel()
	q.workerWG.Wait()
	q.parallelWG.Wait()
	q.logger.Info("async queue stopped")
}

func (q *Queue) worker(id int) {
	defer q.workerWG.Done()
	for {
		q.mu.Lock()
		for q.in.Length() == 0 && !q.shut {
			q.cond.Wait()
		}
		if q.in.Length() == 0 {
			q.mu.Unlock()
			return
		}
		p := q.in.Remove().(pendingOp)
		q.mu.Unlock()

		result, err := p.op.Run(q.baseCtx)
		q.append(completion{
			handle:   p.handle,
			kind:     p.op.Kind,
			complete: p.op.Complete,
			result:   result,
			err:      err,
		})
	}
}

func (q *Queue) append(c completion) {
	q.outMu.Lock()
	q.out.Add(c)
	q.outMu.Unlock()
	q.metrics.OpExecuted()
}
