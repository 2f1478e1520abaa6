// Package taskqueue adapts the broker into a background task queue:
// named tasks on "tasks.<name>" topics, competing workers in a
// "workers.<name>" consumer group, status tracking and cancellation
// through the shared message store.
package taskqueue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/c360/docrelay/broker"
	"github.com/c360/docrelay/errors"
	"github.com/c360/docrelay/message"
)

// Topic, group and header layout
const (
	TopicPrefix    = "tasks."
	GroupPrefix    = "workers."
	HeaderTaskName = "task_name"
)

// TaskTopic returns the broker topic for a task name
func TaskTopic(name string) string {
	return TopicPrefix + name
}

// WorkerGroup returns the consumer group workers of a task share
func WorkerGroup(name string) string {
	return GroupPrefix + name
}

// DeadLetterTopic returns where exhausted tasks are recorded
func DeadLetterTopic(name string) string {
	return "dlq." + TaskTopic(name)
}

// Task is the worker-side view of an enqueued task
type Task struct {
	// ID doubles as the message id and the handle for status queries
	ID string

	// Name is the registered task name
	Name string

	// Args is the task argument payload
	Args map[string]any

	// RetryCount is how many times this task has been requeued
	RetryCount int

	// EnqueuedAt is when the task was created
	EnqueuedAt time.Time
}

// WorkerFunc executes one task. A non-nil error sends the task through
// the retry pipeline; workers must tolerate repeat execution.
type WorkerFunc func(ctx context.Context, t *Task) error

// EnqueueOption configures a single enqueue
type EnqueueOption func(*enqueueConfig)

type enqueueConfig struct {
	delay      time.Duration
	priority   message.Priority
	maxRetries int
}

// WithDelay defers the publish by d. The delay is held in memory: a
// process restart during the wait loses the scheduled publish, though
// the stored record remains visible as PENDING.
func WithDelay(d time.Duration) EnqueueOption {
	return func(c *enqueueConfig) {
		if d > 0 {
			c.delay = d
		}
	}
}

// WithPriority sets the task priority
func WithPriority(p message.Priority) EnqueueOption {
	return func(c *enqueueConfig) {
		c.priority = p
	}
}

// WithMaxRetries overrides the task retry budget
func WithMaxRetries(n int) EnqueueOption {
	return func(c *enqueueConfig) {
		if n >= 0 {
			c.maxRetries = n
		}
	}
}

// TaskQueue enqueues tasks and runs workers over the broker
type TaskQueue struct {
	broker     *broker.Broker
	logger     *slog.Logger
	retryDelay time.Duration
}

// Option configures a TaskQueue
type Option func(*TaskQueue)

// WithLogger sets the structured logger
func WithLogger(logger *slog.Logger) Option {
	return func(q *TaskQueue) {
		if logger != nil {
			q.logger = logger
		}
	}
}

// WithRetryDelay sets the wait before a failed task is requeued
func WithRetryDelay(d time.Duration) Option {
	return func(q *TaskQueue) {
		if d > 0 {
			q.retryDelay = d
		}
	}
}

// New creates a task queue over a connected broker
func New(b *broker.Broker, opts ...Option) (*TaskQueue, error) {
	if b == nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("nil broker"), "TaskQueue", "New", "check broker")
	}

	q := &TaskQueue{
		broker:     b,
		logger:     slog.Default(),
		retryDelay: message.DefaultRetryDelay,
	}
	for _, opt := range opts {
		opt(q)
	}

	return q, nil
}

// EnqueueTask schedules a named task and returns its id immediately,
// delay or not. The task id is the message id; GetTaskStatus and
// CancelTask accept it from the moment this returns.
func (q *TaskQueue) EnqueueTask(
	ctx context.Context, name string, args map[string]any, opts ...EnqueueOption,
) (string, error) {
	if err := message.ValidateTopic(TaskTopic(name)); err != nil {
		return "", err
	}

	cfg := enqueueConfig{
		priority:   message.PriorityNormal,
		maxRetries: message.DefaultMaxRetries,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	m := message.New(TaskTopic(name), args,
		message.WithTTL(q.broker.MessageTTL()),
		message.WithHeaders(map[string]string{HeaderTaskName: name}),
		message.WithPriority(cfg.priority),
		message.WithMaxRetries(cfg.maxRetries),
	)

	if cfg.delay <= 0 {
		if err := q.broker.PublishMessage(ctx, m); err != nil {
			return "", err
		}
		return m.ID, nil
	}

	// Store now so the task is queryable during the delay, publish later
	if err := q.broker.Store().Store(ctx, m); err != nil {
		return "", errors.Wrap(err, "TaskQueue", "EnqueueTask", "store delayed task")
	}

	q.logger.Debug("task delayed", "task_id", m.ID, "task", name, "delay", cfg.delay)

	go func() {
		timer := time.NewTimer(cfg.delay)
		defer timer.Stop()
		<-timer.C

		pubCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		// Cancellation during the delay leaves the record FAILED; skip
		if stored, err := q.broker.Store().Get(pubCtx, m.ID); err == nil &&
			stored.Status != message.StatusPending {
			return
		}

		if err := q.broker.PublishMessage(pubCtx, m); err != nil {
			q.logger.Error("delayed task publish failed",
				"task_id", m.ID, "task", name, "error", err)
		}
	}()

	return m.ID, nil
}

// RegisterWorker starts a pool of workers for a task name. Workers
// across processes naming the same task share one consumer group and
// compete for tasks. Returns the subscription id.
func (q *TaskQueue) RegisterWorker(name string, fn WorkerFunc, concurrency int) (string, error) {
	if fn == nil {
		return "", errors.WrapInvalid(
			fmt.Errorf("nil worker func"), "TaskQueue", "RegisterWorker", "check worker")
	}
	if err := message.ValidateTopic(TaskTopic(name)); err != nil {
		return "", err
	}

	sub := message.Subscription{
		Topic:           TaskTopic(name),
		Group:           WorkerGroup(name),
		AutoAck:         true,
		MaxConcurrent:   concurrency,
		RetryDelay:      q.retryDelay,
		DeadLetterTopic: DeadLetterTopic(name),
	}

	id, err := q.broker.Subscribe(context.Background(), sub, q.adapt(name, fn))
	if err != nil {
		return "", err
	}

	q.logger.Info("task worker registered",
		"task", name, "concurrency", sub.MaxConcurrent, "subscription_id", id)

	return id, nil
}

// UnregisterWorker stops a worker pool by its subscription id
func (q *TaskQueue) UnregisterWorker(id string) bool {
	return q.broker.Unsubscribe(id)
}

// GetTaskStatus returns the task's current status from the store
func (q *TaskQueue) GetTaskStatus(ctx context.Context, taskID string) (message.Status, error) {
	m, err := q.broker.Store().Get(ctx, taskID)
	if err != nil {
		return "", err
	}
	return m.Status, nil
}

// WaitForTask blocks until the task settles on a terminal status
// (COMPLETED or DEAD_LETTER) and returns it. Cancelled tasks stay
// FAILED and never settle; observe those with GetTaskStatus. The last
// status seen is returned alongside the error when ctx ends first.
func (q *TaskQueue) WaitForTask(ctx context.Context, taskID string) (message.Status, error) {
	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	statuses, err := q.broker.Store().WatchStatus(watchCtx, taskID)
	if err != nil {
		return "", err
	}

	// The watch replays the current status; this call only rejects
	// unknown or expired task ids up front.
	current, err := q.GetTaskStatus(ctx, taskID)
	if err != nil {
		return "", err
	}
	if current.IsTerminal() {
		return current, nil
	}

	for {
		select {
		case <-ctx.Done():
			return current, errors.WrapTransient(ctx.Err(),
				"TaskQueue", "WaitForTask", "wait for task "+taskID)
		case st, ok := <-statuses:
			if !ok {
				return current, errors.WrapTransient(
					fmt.Errorf("watch ended before task %s settled", taskID),
					"TaskQueue", "WaitForTask", "wait for task "+taskID)
			}
			current = st
			if st.IsTerminal() {
				return st, nil
			}
		}
	}
}

// CancelTask forces a task to FAILED with the given reason. The stream
// entry is not retracted; workers re-check status before executing, so
// a cancelled task that still gets delivered is skipped.
func (q *TaskQueue) CancelTask(ctx context.Context, taskID, reason string) error {
	m, err := q.broker.Store().Get(ctx, taskID)
	if err != nil {
		return err
	}

	if !m.Status.CanTransitionTo(message.StatusFailed) {
		return errors.WrapInvalid(
			fmt.Errorf("%w: cannot cancel %s task", errors.ErrInvalidTransition, m.Status),
			"TaskQueue", "CancelTask", "cancel task")
	}

	if err := q.broker.Store().UpdateStatus(ctx, taskID, message.StatusFailed,
		"cancelled: "+reason); err != nil {
		return err
	}

	q.logger.Info("task cancelled", "task_id", taskID, "reason", reason)

	return nil
}

// adapt wraps a WorkerFunc as a message.Handler with the pre-execution
// status check that makes cancellation effective
func (q *TaskQueue) adapt(name string, fn WorkerFunc) message.Handler {
	return message.HandlerFunc(func(ctx context.Context, m *message.Message) error {
		if stored, err := q.broker.Store().Get(ctx, m.ID); err == nil {
			switch stored.Status {
			case message.StatusFailed, message.StatusCompleted, message.StatusDeadLetter:
				q.logger.Debug("task skipped",
					"task_id", m.ID, "task", name, "status", string(stored.Status))
				return nil
			}
			m = stored
		}

		t := &Task{
			ID:         m.ID,
			Name:       name,
			Args:       m.Payload,
			RetryCount: m.RetryCount,
			EnqueuedAt: m.CreatedAt,
		}

		return fn(ctx, t)
	})
}
