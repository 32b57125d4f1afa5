package worker

import (
	"context"
	"errors"
	"runtime/debug"
	"time"
)

var (
	// ErrAlreadyStarted is returned by a second Start call
	ErrAlreadyStarted = errors.New("worker: already started")

	// ErrKilled is returned by Start after Kill
	ErrKilled = errors.New("worker: killed before start")
)

// Task is the body a Worker runs. ready must be called once the task has
// entered its main loop; ctx is cancelled when the worker is killed.
type Task func(ctx context.Context, ready func()) error

// Failure is an unexpected error raised by a task, paired with a stack
// trace. A panic carries the stack of the panicking goroutine; a returned
// error carries the stack recorded by WithStack, or none.
type Failure struct {
	Err   error     // wrapped with types.ErrWorkerFailure
	Trace string    // stack where the failure originated
	At    time.Time // when the failure was captured
}

func (f Failure) Error() string { return f.Err.Error() }

type stackError struct {
	err   error
	stack string
}

func (e *stackError) Error() string { return e.err.Error() }
func (e *stackError) Unwrap() error { return e.err }

// WithStack records the caller's stack on err. Errors that already carry a
// stack are returned unchanged.
func WithStack(err error) error {
	if err == nil || StackTrace(err) != "" {
		return err
	}
	return &stackError{err: err, stack: string(debug.Stack())}
}

// StackTrace returns the stack recorded by WithStack anywhere in err's
// chain, or "".
func StackTrace(err error) string {
	var se *stackError
	if errors.As(err, &se) {
		return se.stack
	}
	return ""
}
