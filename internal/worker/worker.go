// ============================================================================
// Budget Optimizer Worker - Isolated Execution Unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: Runs one optimization task on its own goroutine, managed by a tomb
//
// Lifecycle:
//   New ──Start──▶ running ──ready()──▶ Ready() closed
//                     │
//                     ├─ task returns nil      ──▶ Wait() == nil
//                     ├─ task returns error    ──▶ failure posted, Wait() == err
//                     │                            (trace from WithStack, if any)
//                     ├─ task panics           ──▶ failure posted, Wait() == err
//                     └─ Kill()                ──▶ ctx cancelled, task unwinds
//
// Mailbox:
//   Failures travel over a single-slot buffered channel. PollFailure drains
//   it without blocking and remembers the last failure seen, so callers can
//   poll as often as they like.
//
// Isolation:
//   A panic inside the task is recovered at the worker boundary; it never
//   crosses into the supervisor or other workers.
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"gopkg.in/tomb.v2"

	"github.com/ChuLiYu/budget-optimizer/pkg/types"
)

// Worker is a single-use execution unit.
type Worker struct {
	id   string
	task Task
	tomb tomb.Tomb

	ready     chan struct{}
	readyOnce sync.Once
	failures  chan Failure // single slot

	mu          sync.Mutex
	started     bool
	killed      bool
	interrupted bool // task returned while the tomb was dying
	last        *Failure
}

// New creates a worker for task. It does not run until Start.
func New(id string, task Task) *Worker {
	return &Worker{
		id:       id,
		task:     task,
		ready:    make(chan struct{}),
		failures: make(chan Failure, 1),
	}
}

// ID returns the worker identifier.
func (w *Worker) ID() string { return w.id }

// Start launches the task goroutine.
func (w *Worker) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.killed {
		return ErrKilled
	}
	if w.started {
		return ErrAlreadyStarted
	}
	w.started = true
	w.tomb.Go(w.run)
	return nil
}

func (w *Worker) run() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", types.ErrWorkerFailure, r)
			w.post(Failure{Err: err, Trace: string(debug.Stack()), At: time.Now()})
		}
	}()

	ctx := w.tomb.Context(context.Background())
	taskErr := w.task(ctx, w.markReady)

	select {
	case <-w.tomb.Dying():
		w.mu.Lock()
		w.interrupted = true
		w.mu.Unlock()
	default:
	}

	if taskErr != nil {
		if w.Killed() && errors.Is(taskErr, context.Canceled) {
			return nil
		}
		err = fmt.Errorf("%w: %w", types.ErrWorkerFailure, taskErr)
		w.post(Failure{Err: err, Trace: StackTrace(taskErr), At: time.Now()})
		return err
	}
	return nil
}

func (w *Worker) markReady() {
	w.readyOnce.Do(func() { close(w.ready) })
}

// post replaces any unread failure with f.
func (w *Worker) post(f Failure) {
	for {
		select {
		case w.failures <- f:
			return
		default:
		}
		select {
		case <-w.failures:
		default:
		}
	}
}

// Ready is closed once the task has signalled that its loop is running.
func (w *Worker) Ready() <-chan struct{} { return w.ready }

// IsReady reports whether Ready has been signalled.
func (w *Worker) IsReady() bool {
	select {
	case <-w.ready:
		return true
	default:
		return false
	}
}

// Started reports whether Start succeeded.
func (w *Worker) Started() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.started
}

// Interrupted reports whether the task returned after Kill had been
// called, as opposed to finishing on its own.
func (w *Worker) Interrupted() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.interrupted
}

// Killed reports whether Kill was called.
func (w *Worker) Killed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.killed
}

// PollFailure returns the last failure raised by the task, or nil. It
// never blocks.
func (w *Worker) PollFailure() *Failure {
	w.mu.Lock()
	defer w.mu.Unlock()

	select {
	case f := <-w.failures:
		w.last = &f
	default:
	}
	if w.last == nil {
		return nil
	}
	f := *w.last
	return &f
}

// Kill asks the task to stop. Safe to call any number of times, before or
// after Start.
func (w *Worker) Kill() {
	w.mu.Lock()
	w.killed = true
	started := w.started
	w.mu.Unlock()

	if started {
		w.tomb.Kill(nil)
	}
}

// Wait blocks until the task goroutine has exited and returns its error.
// It returns nil immediately for a worker that was never started.
func (w *Worker) Wait() error {
	if !w.Started() {
		return nil
	}
	return w.tomb.Wait()
}

// Dead is closed when the task goroutine has exited. For a worker that was
// never started it is nil.
func (w *Worker) Dead() <-chan struct{} {
	if !w.Started() {
		return nil
	}
	return w.tomb.Dead()
}
