package chatwire

import (
	"context"
	"sync"
)

// Job is a unit of work submitted to a SerialJobExecutor.
type Job func(ctx context.Context) error

// SerialJobExecutor runs submitted jobs strictly one at a time, in submission
// order. It is the mutual-exclusion mechanism for everything that mutates a
// StreamingState or a chat's message list: when several merged chunk sources
// feed one message, the executor linearizes their updates regardless of which
// source produced the triggering chunk.
//
// Jobs complete in the order they were submitted, not the order their work
// happens to finish: job N+1 only starts once job N returned. A running job
// may submit follow-up jobs with Enqueue; calling Run from inside a job
// deadlocks, as the queue cannot advance past the caller.
//
// The zero value is ready to use.
type SerialJobExecutor struct {
	mu         sync.Mutex
	queue      []queuedJob
	processing bool
}

type queuedJob struct {
	ctx  context.Context
	job  Job
	done chan error
}

// Run enqueues job and blocks until the job has completed, returning the
// job's error. The context is passed through to the job; cancelling it does
// not remove the job from the queue, the job itself is expected to honor it.
func (e *SerialJobExecutor) Run(ctx context.Context, job Job) error {
	return <-e.enqueue(ctx, job)
}

// Enqueue submits job without waiting for it to complete. The returned
// channel receives the job's error once it ran. Enqueue is safe to call from
// inside a running job.
func (e *SerialJobExecutor) Enqueue(ctx context.Context, job Job) <-chan error {
	return e.enqueue(ctx, job)
}

func (e *SerialJobExecutor) enqueue(ctx context.Context, job Job) chan error {
	done := make(chan error, 1)

	e.mu.Lock()
	e.queue = append(e.queue, queuedJob{ctx: ctx, job: job, done: done})
	start := !e.processing
	if start {
		e.processing = true
	}
	e.mu.Unlock()

	if start {
		go e.process()
	}

	return done
}

// process drains the queue one job at a time. Exactly one process goroutine
// runs while the queue is non-empty.
func (e *SerialJobExecutor) process() {
	for {
		e.mu.Lock()
		if len(e.queue) == 0 {
			e.processing = false
			e.mu.Unlock()
			return
		}
		next := e.queue[0]
		e.queue = e.queue[1:]
		e.mu.Unlock()

		next.done <- next.job(next.ctx)
	}
}
