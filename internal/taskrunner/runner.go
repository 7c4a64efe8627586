// Package taskrunner provides the single serialized goroutine the update
// engine runs all of its state transitions on (§5: "Single-threaded
// cooperative: there is one serialized task runner for engine state").
// Collaborators do their blocking I/O off this goroutine and call back onto
// it via Submit; the engine itself never blocks directly.
//
// This mirrors internal/common.DbQueue from the teacher repo: a single
// buffered channel of work items drained by one worker goroutine, so every
// submitted function observes a consistent, non-interleaved view of engine
// state.
package taskrunner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// task is one unit of work submitted to the runner.
type task struct {
	id        string
	fn        func()
	done      chan struct{}
	submitted time.Time
}

// Runner serializes execution of submitted functions onto one goroutine.
// It is the engine's only concurrency primitive for state transitions: every
// Component transition and every observer emission the engine makes happens
// inside a Submit call. Event recording happens outside it, guarded by the
// Component's own mutex.
type Runner struct {
	tasks   chan task
	wg      sync.WaitGroup
	mu      sync.Mutex
	stopped bool
}

// New creates and starts a Runner with a buffered backlog of size queueSize.
func New(queueSize int) *Runner {
	if queueSize <= 0 {
		queueSize = 64
	}
	r := &Runner{tasks: make(chan task, queueSize)}
	r.wg.Add(1)
	go r.loop()
	return r
}

func (r *Runner) loop() {
	defer r.wg.Done()
	for t := range r.tasks {
		waitMS := time.Since(t.submitted).Milliseconds()
		if waitMS > 250 {
			log.Debug().Str("task_id", t.id).Int64("queue_wait_ms", waitMS).Msg("engine task dequeued after notable wait")
		}
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					log.Error().Interface("panic", rec).Str("task_id", t.id).Msg("engine task panicked, recovered")
				}
				close(t.done)
			}()
			t.fn()
		}()
	}
}

// Submit runs fn on the runner goroutine and blocks until it has completed,
// or ctx is done first (in which case fn may still run later; the caller
// should treat a context error as "result unknown").
func (r *Runner) Submit(ctx context.Context, fn func()) error {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return fmt.Errorf("task runner stopped")
	}
	r.mu.Unlock()

	t := task{
		id:        uuid.New().String()[:8],
		fn:        fn,
		done:      make(chan struct{}),
		submitted: time.Now(),
	}

	select {
	case r.tasks <- t:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop drains and stops the runner, waiting up to the given timeout for any
// in-flight and already-queued work to finish.
func (r *Runner) Stop(timeout time.Duration) {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	close(r.tasks)
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		log.Warn().Msg("task runner stop timed out")
	}
}
