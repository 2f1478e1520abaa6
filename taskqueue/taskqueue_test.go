package taskqueue

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/docrelay/broker"
	"github.com/c360/docrelay/natsclient"
)

func newDisconnectedQueue(t *testing.T) *TaskQueue {
	t.Helper()
	client, err := natsclient.NewClient("nats://localhost:4222")
	require.NoError(t, err)
	b, err := broker.New(client)
	require.NoError(t, err)
	q, err := New(b)
	require.NoError(t, err)
	return q
}

func TestTaskNaming(t *testing.T) {
	assert.Equal(t, "tasks.extract_text", TaskTopic("extract_text"))
	assert.Equal(t, "workers.extract_text", WorkerGroup("extract_text"))
	assert.Equal(t, "dlq.tasks.extract_text", DeadLetterTopic("extract_text"))
}

func TestNewRequiresBroker(t *testing.T) {
	_, err := New(nil)
	assert.Error(t, err)
}

func TestEnqueueRejectsBadTaskNames(t *testing.T) {
	q := newDisconnectedQueue(t)

	_, err := q.EnqueueTask(context.Background(), "", nil)
	assert.Error(t, err)

	_, err = q.EnqueueTask(context.Background(), "bad name", nil)
	assert.Error(t, err)

	_, err = q.EnqueueTask(context.Background(), "bad.*", nil)
	assert.Error(t, err)
}

func TestRegisterWorkerValidation(t *testing.T) {
	q := newDisconnectedQueue(t)

	_, err := q.RegisterWorker("extract_text", nil, 1)
	assert.Error(t, err)

	_, err = q.RegisterWorker("", func(context.Context, *Task) error { return nil }, 1)
	assert.Error(t, err)
}
