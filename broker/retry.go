package broker

import (
	"context"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/docrelay/message"
)

// retryManager decides what happens to a message after a handler
// failure: requeue with an incremented retry count, or dead-letter
// once the budget is spent. All waiting happens on the processing
// goroutine that owned the failure; other messages keep flowing.
type retryManager struct {
	broker *Broker
}

// handleFailure runs on a pool worker after handler.Handle returned an
// error. The original stream entry is acknowledged as soon as the
// retry intent is persisted; the requeue appends a fresh entry.
func (r *retryManager) handleFailure(
	ctx context.Context, s *subscription, m *message.Message, jsMsg jetstream.Msg, handlerErr error,
) {
	b := r.broker
	errMsg := handlerErr.Error()

	if b.metrics != nil {
		b.metrics.RecordHandlerFailure(m.Topic, s.cfg.Group)
	}

	if err := b.store.UpdateStatus(ctx, m.ID, message.StatusFailed, errMsg); err != nil && !isNotFound(err) {
		b.logger.Debug("status update to FAILED failed", "message_id", m.ID, "error", err)
	}
	_ = m.Transition(message.StatusFailed, errMsg)

	// A handler implementing ErrorHandler can veto the retry
	if eh, ok := s.handler.(message.ErrorHandler); ok {
		if !eh.OnError(ctx, m, handlerErr) {
			r.deadLetter(ctx, m, s.cfg.DeadLetterTopic, errMsg)
			s.ack(jsMsg)
			return
		}
	}

	if !m.CanRetry() {
		r.deadLetter(ctx, m, s.cfg.DeadLetterTopic, errMsg)
		s.ack(jsMsg)
		return
	}

	m = r.persistRetryIntent(ctx, m, errMsg)
	s.ack(jsMsg)

	select {
	case <-time.After(s.cfg.RetryDelay):
	case <-ctx.Done():
		// Shutting down; the persisted RETRYING record documents the
		// unfinished requeue for startup recovery.
		return
	}

	if err := r.republish(ctx, m); err != nil {
		b.logger.Error("requeue failed",
			"message_id", m.ID, "topic", m.Topic, "error", err)
	}
}

// requeue is the immediate (no delay) retry path used by Nack
func (r *retryManager) requeue(ctx context.Context, m *message.Message, errMsg string) error {
	m = r.persistRetryIntent(ctx, m, errMsg)
	return r.republish(ctx, m)
}

// persistRetryIntent bumps the retry count and moves the record to
// RETRYING, preferring the store's view when the CAS succeeds
func (r *retryManager) persistRetryIntent(
	ctx context.Context, m *message.Message, errMsg string,
) *message.Message {
	b := r.broker

	updated, err := b.store.IncrementRetry(ctx, m.ID, message.StatusRetrying, errMsg)
	if err == nil {
		return updated
	}
	if !isNotFound(err) {
		b.logger.Debug("retry intent persist failed", "message_id", m.ID, "error", err)
	}

	m.RetryCount++
	_ = m.Transition(message.StatusRetrying, errMsg)
	return m
}

// republish flips the record back to PENDING and appends a fresh
// stream entry with the same id, payload, headers and priority
func (r *retryManager) republish(ctx context.Context, m *message.Message) error {
	b := r.broker

	if err := m.Transition(message.StatusPending, ""); err != nil {
		return err
	}

	if err := b.store.Store(ctx, m); err != nil {
		if b.metrics != nil {
			b.metrics.RecordStoreSoftFailure()
		}
		b.logger.Warn("store write failed during requeue",
			"message_id", m.ID, "topic", m.Topic, "error", err)
	}

	data, err := m.Encode()
	if err != nil {
		return err
	}

	if err := b.ensureTopicStream(ctx, m.Topic); err != nil {
		return err
	}
	if err := b.client.PublishToStream(ctx, StreamSubject(m.Topic), data); err != nil {
		return err
	}

	if b.metrics != nil {
		b.metrics.RecordRetried(m.Topic)
	}

	b.logger.Debug("message requeued",
		"message_id", m.ID, "topic", m.Topic, "retry_count", m.RetryCount)

	return nil
}

// deadLetter moves a FAILED message to DEAD_LETTER and, when a
// dead-letter topic is configured, appends a record there. It never
// raises: every failure inside is logged and absorbed.
func (r *retryManager) deadLetter(
	ctx context.Context, m *message.Message, deadLetterTopic, errMsg string,
) {
	b := r.broker

	if err := b.store.UpdateStatus(ctx, m.ID, message.StatusDeadLetter, errMsg); err != nil && !isNotFound(err) {
		b.logger.Debug("status update to DEAD_LETTER failed", "message_id", m.ID, "error", err)
	}
	_ = m.Transition(message.StatusDeadLetter, errMsg)

	if deadLetterTopic != "" {
		record := message.NewDeadLetterRecord(m, errMsg)
		if err := b.dlq.Append(ctx, deadLetterTopic, record); err != nil {
			b.logger.Error("dead-letter record append failed",
				"message_id", m.ID, "dead_letter_topic", deadLetterTopic, "error", err)
		}
	}

	if b.metrics != nil {
		b.metrics.RecordDeadLettered(m.Topic)
	}

	b.logger.Warn("message dead-lettered",
		"message_id", m.ID, "topic", m.Topic,
		"retry_count", m.RetryCount, "error_message", errMsg)
}
