package worker

// ============================================================================
// Worker Test File
// Purpose: Verify lifecycle, failure mailbox, panic isolation, kill
// ============================================================================

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ChuLiYu/budget-optimizer/pkg/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func waitReady(t *testing.T, w *Worker) {
	t.Helper()
	select {
	case <-w.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("worker never signalled ready")
	}
}

// TestWorkerRunsToCompletion tests the happy path
func TestWorkerRunsToCompletion(t *testing.T) {
	w := New("w1", func(ctx context.Context, ready func()) error {
		ready()
		return nil
	})
	assert.False(t, w.IsReady())
	require.NoError(t, w.Start())

	waitReady(t, w)
	assert.NoError(t, w.Wait())
	assert.Nil(t, w.PollFailure())
	assert.False(t, w.Interrupted())
	assert.Equal(t, "w1", w.ID())
}

// TestWorkerStartTwice tests the second Start is rejected
func TestWorkerStartTwice(t *testing.T) {
	w := New("w1", func(ctx context.Context, ready func()) error { return nil })
	require.NoError(t, w.Start())
	assert.ErrorIs(t, w.Start(), ErrAlreadyStarted)
	require.NoError(t, w.Wait())
}

// TestWorkerKillBeforeStart tests a killed worker never runs
func TestWorkerKillBeforeStart(t *testing.T) {
	ran := false
	w := New("w1", func(ctx context.Context, ready func()) error {
		ran = true
		return nil
	})
	w.Kill()
	w.Kill()

	assert.ErrorIs(t, w.Start(), ErrKilled)
	assert.NoError(t, w.Wait())
	assert.Nil(t, w.Dead())
	assert.False(t, ran)
}

// TestWorkerKillStopsTask tests Kill cancels the task context
func TestWorkerKillStopsTask(t *testing.T) {
	w := New("w1", func(ctx context.Context, ready func()) error {
		ready()
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, w.Start())
	waitReady(t, w)

	w.Kill()
	w.Kill()
	assert.NoError(t, w.Wait())
	assert.Nil(t, w.PollFailure(), "cancellation after kill is not a failure")
	assert.True(t, w.Interrupted())
	<-w.Dead()
}

// TestWorkerErrorIsPosted tests returned errors reach the mailbox
func TestWorkerErrorIsPosted(t *testing.T) {
	boom := errors.New("store unreachable")
	w := New("w1", func(ctx context.Context, ready func()) error {
		ready()
		return boom
	})
	require.NoError(t, w.Start())

	err := w.Wait()
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, err, types.ErrWorkerFailure)

	f := w.PollFailure()
	require.NotNil(t, f)
	assert.ErrorIs(t, f.Err, boom)
	assert.Empty(t, f.Trace, "plain errors carry no origin stack")
	assert.False(t, f.At.IsZero())

	// polling again keeps returning the last failure
	again := w.PollFailure()
	require.NotNil(t, again)
	assert.Equal(t, f.Err, again.Err)
}

func loadHistory() error {
	return WithStack(errors.New("history unreadable"))
}

// TestWorkerErrorTraceComesFromOrigin tests WithStack keeps the stack of
// the failing call
func TestWorkerErrorTraceComesFromOrigin(t *testing.T) {
	w := New("w1", func(ctx context.Context, ready func()) error {
		ready()
		return fmt.Errorf("resume: %w", loadHistory())
	})
	require.NoError(t, w.Start())
	assert.Error(t, w.Wait())

	f := w.PollFailure()
	require.NotNil(t, f)
	assert.Contains(t, f.Error(), "resume: history unreadable")
	assert.Contains(t, f.Trace, "worker.loadHistory")
}

func TestWithStackKeepsFirstStack(t *testing.T) {
	assert.NoError(t, WithStack(nil))

	err := loadHistory()
	again := WithStack(fmt.Errorf("wrapped: %w", err))
	assert.Equal(t, StackTrace(err), StackTrace(again))
	assert.Empty(t, StackTrace(errors.New("plain")))
}

// TestWorkerPanicIsIsolated tests a panic becomes a failure
func TestWorkerPanicIsIsolated(t *testing.T) {
	w := New("w1", func(ctx context.Context, ready func()) error {
		ready()
		panic("boom")
	})
	require.NoError(t, w.Start())

	err := w.Wait()
	assert.ErrorIs(t, err, types.ErrWorkerFailure)

	f := w.PollFailure()
	require.NotNil(t, f)
	assert.Contains(t, f.Error(), "panic: boom")
	assert.Contains(t, f.Trace, "panic")
}

// TestPollFailureDoesNotBlock tests polling a running worker
func TestPollFailureDoesNotBlock(t *testing.T) {
	release := make(chan struct{})
	w := New("w1", func(ctx context.Context, ready func()) error {
		ready()
		<-release
		return nil
	})
	require.NoError(t, w.Start())
	waitReady(t, w)

	done := make(chan *Failure)
	go func() { done <- w.PollFailure() }()
	select {
	case f := <-done:
		assert.Nil(t, f)
	case <-time.After(time.Second):
		t.Fatal("PollFailure blocked")
	}

	close(release)
	require.NoError(t, w.Wait())
}
