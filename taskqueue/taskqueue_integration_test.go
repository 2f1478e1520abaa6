//go:build integration

package taskqueue

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/docrelay/broker"
	"github.com/c360/docrelay/errors"
	"github.com/c360/docrelay/message"
	"github.com/c360/docrelay/natsclient"
)

func newTestQueue(t *testing.T, opts ...Option) *TaskQueue {
	t.Helper()

	tc := natsclient.NewTestClient(t, natsclient.WithJetStream())

	b, err := broker.New(tc.Client)
	require.NoError(t, err)
	require.NoError(t, b.Connect(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = b.Close(ctx)
	})

	q, err := New(b, opts...)
	require.NoError(t, err)
	return q
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestTaskLifecycle(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	var got atomic.Value
	_, err := q.RegisterWorker("extract_text", func(_ context.Context, task *Task) error {
		got.Store(task)
		return nil
	}, 2)
	require.NoError(t, err)

	id, err := q.EnqueueTask(ctx, "extract_text", map[string]any{"doc": "a.pdf"})
	require.NoError(t, err)

	waitFor(t, 10*time.Second, func() bool { return got.Load() != nil })

	task := got.Load().(*Task)
	assert.Equal(t, id, task.ID)
	assert.Equal(t, "extract_text", task.Name)
	assert.Equal(t, "a.pdf", task.Args["doc"])

	waitFor(t, 5*time.Second, func() bool {
		status, err := q.GetTaskStatus(ctx, id)
		return err == nil && status == message.StatusCompleted
	})
}

func TestDelayedEnqueueIsQueryableImmediately(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	var done atomic.Int64
	_, err := q.RegisterWorker("reindex", func(context.Context, *Task) error {
		done.Add(1)
		return nil
	}, 1)
	require.NoError(t, err)

	start := time.Now()
	id, err := q.EnqueueTask(ctx, "reindex", nil, WithDelay(500*time.Millisecond))
	require.NoError(t, err)

	// Visible as PENDING before the delay fires
	status, err := q.GetTaskStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, message.StatusPending, status)
	assert.Zero(t, done.Load())

	waitFor(t, 10*time.Second, func() bool { return done.Load() == 1 })
	assert.GreaterOrEqual(t, time.Since(start), 500*time.Millisecond)
}

func TestTaskRetryThenDeadLetter(t *testing.T) {
	q := newTestQueue(t, WithRetryDelay(50*time.Millisecond))
	ctx := context.Background()

	var calls atomic.Int64
	_, err := q.RegisterWorker("ocr", func(context.Context, *Task) error {
		calls.Add(1)
		return fmt.Errorf("ocr engine unavailable")
	}, 1)
	require.NoError(t, err)

	id, err := q.EnqueueTask(ctx, "ocr", nil, WithMaxRetries(1))
	require.NoError(t, err)

	waitFor(t, 15*time.Second, func() bool {
		status, err := q.GetTaskStatus(ctx, id)
		return err == nil && status == message.StatusDeadLetter
	})

	assert.Equal(t, int64(2), calls.Load())
}

func TestCancelBeforeExecutionSkipsWorker(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	// Enqueue with a delay, cancel during the wait
	var calls atomic.Int64
	_, err := q.RegisterWorker("thumbnail", func(context.Context, *Task) error {
		calls.Add(1)
		return nil
	}, 1)
	require.NoError(t, err)

	id, err := q.EnqueueTask(ctx, "thumbnail", nil, WithDelay(300*time.Millisecond))
	require.NoError(t, err)

	require.NoError(t, q.CancelTask(ctx, id, "duplicate request"))

	status, err := q.GetTaskStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, message.StatusFailed, status)

	time.Sleep(time.Second)
	assert.Zero(t, calls.Load())
}

func TestCancelCompletedTaskFails(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	_, err := q.RegisterWorker("index", func(context.Context, *Task) error { return nil }, 1)
	require.NoError(t, err)

	id, err := q.EnqueueTask(ctx, "index", nil)
	require.NoError(t, err)

	waitFor(t, 10*time.Second, func() bool {
		status, err := q.GetTaskStatus(ctx, id)
		return err == nil && status == message.StatusCompleted
	})

	err = q.CancelTask(ctx, id, "too late")
	assert.ErrorIs(t, err, errors.ErrInvalidTransition)
}

func TestWaitForTaskReturnsTerminalStatus(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	_, err := q.RegisterWorker("summarize", func(context.Context, *Task) error {
		time.Sleep(200 * time.Millisecond)
		return nil
	}, 1)
	require.NoError(t, err)

	id, err := q.EnqueueTask(ctx, "summarize", nil)
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	status, err := q.WaitForTask(waitCtx, id)
	require.NoError(t, err)
	assert.Equal(t, message.StatusCompleted, status)

	// An already-settled task returns immediately
	status, err = q.WaitForTask(waitCtx, id)
	require.NoError(t, err)
	assert.Equal(t, message.StatusCompleted, status)
}

func TestWaitForTaskUnknownID(t *testing.T) {
	q := newTestQueue(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := q.WaitForTask(ctx, "no-such-task")
	assert.ErrorIs(t, err, errors.ErrMessageNotFound)
}

func TestGetTaskStatusUnknownID(t *testing.T) {
	q := newTestQueue(t)

	_, err := q.GetTaskStatus(context.Background(), "no-such-task")
	assert.ErrorIs(t, err, errors.ErrMessageNotFound)
}
