package broker

import (
	"context"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/docrelay/message"
	"github.com/c360/docrelay/pkg/worker"
)

// subscription runs one reader goroutine that fetches stream entries
// and feeds them to a worker pool bounded at MaxConcurrent. A full
// pool blocks the reader, which is the backpressure path; entries are
// never dropped.
type subscription struct {
	id       string
	cfg      message.Subscription
	handler  message.Handler
	broker   *Broker
	consumer jetstream.Consumer

	pool       *worker.Pool[jetstream.Msg]
	cancel     context.CancelFunc
	readerDone chan struct{}
	stopOnce   sync.Once
}

func newSubscription(
	b *Broker, cfg message.Subscription, handler message.Handler, consumer jetstream.Consumer,
) *subscription {
	s := &subscription{
		id:         newSubscriptionID(),
		cfg:        cfg,
		handler:    handler,
		broker:     b,
		consumer:   consumer,
		readerDone: make(chan struct{}),
	}
	s.pool = worker.NewPool[jetstream.Msg](cfg.MaxConcurrent, cfg.MaxConcurrent, s.process)
	return s
}

func (s *subscription) start(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	s.cancel = cancel

	if err := s.pool.Start(ctx); err != nil {
		cancel()
		return err
	}

	go s.runReader(ctx)

	return nil
}

// stop tears the subscription down in order: cancel the reader, wait
// for it to exit, then stop the pool. The reader must be gone before
// the pool's queue closes, or a blocked SubmitWait could send on a
// closed channel.
func (s *subscription) stop() {
	s.stopOnce.Do(func() {
		s.cancel()
		<-s.readerDone
		if err := s.pool.Stop(30 * time.Second); err != nil {
			s.broker.logger.Warn("worker pool stop timed out",
				"subscription_id", s.id, "topic", s.cfg.Topic)
		}
	})
}

// runReader pulls batches of unacknowledged entries and submits each
// to the pool. Backend errors are logged and the loop continues; only
// context cancellation ends it.
func (s *subscription) runReader(ctx context.Context) {
	defer close(s.readerDone)

	b := s.broker
	for {
		if ctx.Err() != nil {
			return
		}

		batch, err := s.consumer.Fetch(b.fetchBatch, jetstream.FetchMaxWait(b.fetchTimeout))
		if err != nil {
			b.logger.Warn("fetch failed, retrying",
				"subscription_id", s.id, "topic", s.cfg.Topic, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(b.fetchTimeout):
			}
			continue
		}

		for msg := range batch.Messages() {
			if err := s.pool.SubmitWait(ctx, msg); err != nil {
				// Cancelled or stopping; the unacked entry redelivers
				return
			}
		}
		if err := batch.Error(); err != nil {
			b.logger.Debug("fetch batch error",
				"subscription_id", s.id, "topic", s.cfg.Topic, "error", err)
		}
	}
}

// process is the per-entry delivery pipeline, run on a pool worker.
// The store copy of the message, when present, wins over the envelope
// embedded in the stream entry, so status changes made after publish
// (cancellation, expiry) are honored at delivery time.
func (s *subscription) process(ctx context.Context, jsMsg jetstream.Msg) error {
	b := s.broker

	m, err := message.Decode(jsMsg.Data())
	if err != nil {
		b.logger.Error("undecodable stream entry, terminating it",
			"subscription_id", s.id, "topic", s.cfg.Topic, "error", err)
		_ = jsMsg.Term()
		return err
	}

	stored, err := b.store.Get(ctx, m.ID)
	switch {
	case err == nil:
		m = stored
	case isExpired(err):
		s.ack(jsMsg)
		return nil
	case isNotFound(err):
		// Store write soft-failed at publish; deliver the embedded copy
		b.logger.Debug("message missing from store, using stream copy",
			"message_id", m.ID, "topic", s.cfg.Topic)
	default:
		b.logger.Warn("store read failed, using stream copy",
			"message_id", m.ID, "topic", s.cfg.Topic, "error", err)
	}

	if m.IsExpired(time.Now()) {
		if b.metrics != nil {
			b.metrics.RecordExpired(m.Topic)
		}
		s.ack(jsMsg)
		return nil
	}

	// Status lives in one shared record while every group gets its own
	// copy of the stream, so transitions are best effort here: another
	// group may have moved the record already. Delivery still happens.
	if err := b.store.UpdateStatus(ctx, m.ID, message.StatusProcessing, ""); err != nil && !isNotFound(err) {
		b.logger.Debug("status update to PROCESSING failed",
			"message_id", m.ID, "error", err)
	}
	_ = m.Transition(message.StatusProcessing, "")

	start := time.Now()
	handlerErr := s.handler.Handle(ctx, m)
	if b.metrics != nil {
		b.metrics.RecordHandlerDuration(m.Topic, s.cfg.Group, time.Since(start))
		b.metrics.RecordDelivered(m.Topic, s.cfg.Group)
	}

	if handlerErr != nil {
		b.retry.handleFailure(ctx, s, m, jsMsg, handlerErr)
		return handlerErr
	}

	// Handler success completes the record regardless of AutoAck; the
	// flag only controls whether callers still invoke Broker.Ack as a
	// confirmation hook.
	if err := b.store.UpdateStatus(ctx, m.ID, message.StatusCompleted, ""); err != nil && !isNotFound(err) {
		b.logger.Debug("status update to COMPLETED failed",
			"message_id", m.ID, "error", err)
	}
	s.ack(jsMsg)

	return nil
}

func (s *subscription) ack(jsMsg jetstream.Msg) {
	if err := jsMsg.Ack(); err != nil {
		s.broker.logger.Debug("stream ack failed",
			"subscription_id", s.id, "topic", s.cfg.Topic, "error", err)
	}
}
