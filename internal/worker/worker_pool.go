// ============================================================================
// Binpack Worker Pool - bounded job runners
// ============================================================================
//
// Package: internal/worker
// File: worker_pool.go
// Purpose: Run submitted packing jobs on a fixed number of goroutines
//
// Lifecycle:
//   1. NewPool(sim, buffer)  - create the pool and its task queue
//   2. Start(n)              - launch n runners
//   3. Submit(ctx, task)     - queue a job; ctx bounds the job's lifetime
//   4. Stop()                - cancel running jobs, wait for runners
//
// Shutdown:
//   The task queue is never closed. Runners and Submit both select on the
//   pool context, so Submit racing Stop returns ErrPoolClosed instead of
//   sending on a closed channel. Tasks still queued at Stop are dropped and
//   reported as cancelled.
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ChuLiYu/binpack-coordinator/internal/metrics"
)

var (
	// ErrPoolClosed is returned by Submit after Stop.
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted is returned by Submit before Start.
	ErrPoolNotStarted = errors.New("worker pool not started")
	// ErrPoolStarted is returned by a second Start.
	ErrPoolStarted = errors.New("worker pool already started")
)

type queued struct {
	ctx  context.Context
	task Task
}

// Pool runs Tasks on a fixed set of runner goroutines.
type Pool struct {
	sim     *Simulator
	metrics *metrics.Collector

	taskCh chan queued
	ctx    context.Context // cancelled by Stop
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	runners int
	started bool
	stopped bool
}

// NewPool creates a pool whose queue holds up to bufferSize waiting tasks.
func NewPool(sim *Simulator, bufferSize int, m *metrics.Collector) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		sim:     sim,
		metrics: m,
		taskCh:  make(chan queued, bufferSize),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start launches workerCount runners.
func (p *Pool) Start(workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return ErrPoolClosed
	}
	if p.started {
		return ErrPoolStarted
	}

	for i := 0; i < workerCount; i++ {
		p.wg.Add(1)
		go p.runner(i)
	}
	p.runners = workerCount
	p.started = true
	return nil
}

// Submit queues task. It blocks while the queue is full, until ctx or the
// pool is done. The job itself is cancelled when ctx is.
func (p *Pool) Submit(ctx context.Context, task Task) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return ErrPoolNotStarted
	}
	if p.stopped {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.mu.Unlock()

	select {
	case p.taskCh <- queued{ctx: ctx, task: task}:
		return nil
	case <-p.ctx.Done():
		return ErrPoolClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop cancels running jobs and waits for every runner to exit. Idempotent.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()

	// nothing reads the queue any more
	for {
		select {
		case q := <-p.taskCh:
			p.finish(q.task, Result{JobID: q.task.ID, Outcome: metrics.OutcomeCancelled, Err: ErrPoolClosed})
		default:
			return
		}
	}
}

// Size returns the number of runners.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.runners
}

// IsStarted reports whether Start has been called.
func (p *Pool) IsStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}

func (p *Pool) runner(id int) {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			return
		case q := <-p.taskCh:
			p.finish(q.task, p.execute(id, q))
		}
	}
}

func (p *Pool) execute(id int, q queued) Result {
	ctx, cancel := context.WithCancel(q.ctx)
	defer cancel()
	stop := context.AfterFunc(p.ctx, cancel)
	defer stop()

	p.metrics.WorkerJobStarted()
	log.Info("Job started", "job_id", q.task.ID, "runner", id, "boxes", len(q.task.Request.Boxes))

	start := time.Now()
	err := p.sim.Run(ctx, q.task.Request, q.task.Emit)
	res := Result{JobID: q.task.ID, Err: err, Duration: time.Since(start)}

	switch {
	case err == nil:
		res.Outcome = metrics.OutcomeCompleted
	case ctx.Err() != nil:
		res.Outcome = metrics.OutcomeCancelled
	default:
		res.Outcome = metrics.OutcomeFailed
	}
	p.metrics.WorkerJobFinished(res.Outcome, res.Duration)
	return res
}

func (p *Pool) finish(task Task, res Result) {
	if res.Err != nil {
		log.Warn("Job ended early", "job_id", res.JobID, "outcome", res.Outcome, "error", res.Err)
	} else {
		log.Info("Job completed", "job_id", res.JobID, "duration", res.Duration)
	}
	if task.OnDone != nil {
		task.OnDone(res)
	}
}
