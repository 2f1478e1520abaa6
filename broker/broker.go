// Package broker implements the unified message broker: durable
// publish over JetStream streams, consumer-group subscriptions with
// bounded concurrency, retry with requeue and dead-lettering. The
// event bus and task queue packages are thin adapters over it.
package broker

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/docrelay/errors"
	"github.com/c360/docrelay/message"
	"github.com/c360/docrelay/metric"
	"github.com/c360/docrelay/natsclient"
	"github.com/c360/docrelay/store"
)

// Broker coordinates publishing, subscriptions and the retry pipeline
// over one pair of NATS connections. Create it with New, wire it with
// Connect, and hand it to the adapters; there is no package-level
// singleton.
type Broker struct {
	client  *natsclient.Client
	store   *store.MessageStore
	dlq     *store.DeadLetterStore
	retry   *retryManager
	metrics *metric.Metrics
	logger  *slog.Logger

	messageTTL    time.Duration
	deadLetterTTL time.Duration
	fetchBatch    int
	fetchTimeout  time.Duration

	// rootCtx outlives any single call; subscription readers derive
	// from it so Close can cancel them all.
	rootCtx    context.Context
	rootCancel context.CancelFunc

	mu      sync.RWMutex
	subs    map[string]*subscription
	streams map[string]struct{}

	connected atomic.Bool
	closed    atomic.Bool
}

// New creates a broker over the given client. The client may be
// connected already or not; Connect handles both.
func New(client *natsclient.Client, opts ...Option) (*Broker, error) {
	if client == nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("nil client"), "Broker", "New", "check client")
	}

	rootCtx, rootCancel := context.WithCancel(context.Background())

	b := &Broker{
		client:        client,
		logger:        slog.Default(),
		messageTTL:    DefaultMessageTTL,
		deadLetterTTL: DefaultDeadLetterTTL,
		fetchBatch:    DefaultFetchBatch,
		fetchTimeout:  DefaultFetchTimeout,
		rootCtx:       rootCtx,
		rootCancel:    rootCancel,
		subs:          make(map[string]*subscription),
		streams:       make(map[string]struct{}),
	}

	for _, opt := range opts {
		if err := opt(b); err != nil {
			rootCancel()
			return nil, errors.WrapInvalid(err, "Broker", "New", "apply option")
		}
	}

	return b, nil
}

// Connect establishes the backend connections and initializes the
// message and dead-letter stores. A failure here is fatal; after a
// successful return, transient outages are ridden out by the client's
// reconnect handling.
func (b *Broker) Connect(ctx context.Context) error {
	if b.closed.Load() {
		return errors.ErrBrokerClosed
	}
	if b.connected.Load() {
		return nil
	}

	if !b.client.IsHealthy() {
		if err := b.client.Connect(ctx); err != nil {
			return errors.WrapFatal(err, "Broker", "Connect", "connect backend")
		}
	}

	var storeOpts []store.StoreOption
	if b.metrics != nil {
		storeOpts = append(storeOpts, store.WithMetrics(b.metrics))
	}

	msgStore, err := store.NewMessageStore(ctx, b.client, b.messageTTL, storeOpts...)
	if err != nil {
		return errors.WrapFatal(err, "Broker", "Connect", "initialize message store")
	}

	dlq, err := store.NewDeadLetterStore(ctx, b.client, b.deadLetterTTL)
	if err != nil {
		return errors.WrapFatal(err, "Broker", "Connect", "initialize dead-letter store")
	}

	b.store = msgStore
	b.dlq = dlq
	b.retry = &retryManager{broker: b}
	b.connected.Store(true)

	b.logger.Info("broker connected", "url", b.client.URL())

	return nil
}

// Store returns the message store, shared with the adapters
func (b *Broker) Store() *store.MessageStore {
	return b.store
}

// DeadLetters returns the dead-letter store
func (b *Broker) DeadLetters() *store.DeadLetterStore {
	return b.dlq
}

func (b *Broker) ready() error {
	if b.closed.Load() {
		return errors.ErrBrokerClosed
	}
	if !b.connected.Load() {
		return errors.ErrNotConnected
	}
	return nil
}

// ensureTopicStream creates the topic's stream once per broker lifetime
func (b *Broker) ensureTopicStream(ctx context.Context, topic string) error {
	b.mu.RLock()
	_, ok := b.streams[topic]
	b.mu.RUnlock()
	if ok {
		return nil
	}

	_, err := b.client.EnsureStream(ctx, jetstream.StreamConfig{
		Name:      StreamName(topic),
		Subjects:  []string{StreamSubject(topic)},
		Retention: jetstream.LimitsPolicy,
		MaxAge:    b.messageTTL,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		return err
	}

	b.mu.Lock()
	b.streams[topic] = struct{}{}
	b.mu.Unlock()

	return nil
}

// MessageTTL returns the default expiry window applied to publishes
func (b *Broker) MessageTTL() time.Duration {
	return b.messageTTL
}

// Publish builds a PENDING message with the default TTL and publishes
// it. Returns the message id.
func (b *Broker) Publish(
	ctx context.Context, topic string, payload map[string]any, opts ...message.Option,
) (string, error) {
	if err := message.ValidateTopic(topic); err != nil {
		return "", err
	}

	all := make([]message.Option, 0, len(opts)+1)
	all = append(all, message.WithTTL(b.messageTTL))
	all = append(all, opts...)
	m := message.New(topic, payload, all...)

	if err := b.PublishMessage(ctx, m); err != nil {
		return "", err
	}

	return m.ID, nil
}

// PublishMessage publishes a pre-built message: persists it, appends
// it to the topic's stream and broadcasts it to live listeners. The
// stream append is the durability point: its failure fails the
// publish, while a store write failure is logged and absorbed.
func (b *Broker) PublishMessage(ctx context.Context, m *message.Message) error {
	if err := b.ready(); err != nil {
		return err
	}
	if err := m.Validate(); err != nil {
		return err
	}

	data, err := m.Encode()
	if err != nil {
		return err
	}

	if err := b.store.Store(ctx, m); err != nil {
		if b.metrics != nil {
			b.metrics.RecordStoreSoftFailure()
		}
		b.logger.Warn("message store write failed, continuing with stream append",
			"message_id", m.ID, "topic", m.Topic, "error", err)
	}

	if err := b.ensureTopicStream(ctx, m.Topic); err != nil {
		return errors.WrapTransient(err, "Broker", "PublishMessage", "ensure stream")
	}
	if err := b.client.PublishToStream(ctx, StreamSubject(m.Topic), data); err != nil {
		return err
	}

	if err := b.client.Publish(ctx, BroadcastSubject(m.Topic), data); err != nil {
		b.logger.Debug("broadcast publish failed", "topic", m.Topic, "error", err)
	}

	if b.metrics != nil {
		b.metrics.RecordPublished(m.Topic)
	}

	return nil
}

// Subscribe attaches a handler to a topic under a consumer group.
// Groups on the same topic each receive every message; handlers within
// one group compete. Consumer-group creation is idempotent, so two
// subscribers naming the same group join it rather than fail. Returns
// a subscription id usable with Unsubscribe.
func (b *Broker) Subscribe(
	ctx context.Context, cfg message.Subscription, handler message.Handler,
) (string, error) {
	if err := b.ready(); err != nil {
		return "", err
	}
	if handler == nil {
		return "", errors.WrapInvalid(
			fmt.Errorf("nil handler"), "Broker", "Subscribe", "check handler")
	}
	if err := cfg.Normalize(); err != nil {
		return "", err
	}

	if err := b.ensureTopicStream(ctx, cfg.Topic); err != nil {
		return "", errors.WrapTransient(err, "Broker", "Subscribe", "ensure stream")
	}

	consumer, err := b.client.EnsureConsumer(ctx, StreamName(cfg.Topic), jetstream.ConsumerConfig{
		Durable:       DurableName(cfg.Group),
		FilterSubject: StreamSubject(cfg.Topic),
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		AckWait:       2 * time.Minute,
		MaxDeliver:    -1,
	})
	if err != nil {
		return "", errors.WrapTransient(
			fmt.Errorf("%w: %v", errors.ErrConsumerGroupFailed, err),
			"Broker", "Subscribe", "ensure consumer group")
	}

	sub := newSubscription(b, cfg, handler, consumer)
	if err := sub.start(b.rootCtx); err != nil {
		return "", errors.Wrap(err, "Broker", "Subscribe", "start reader")
	}

	b.mu.Lock()
	b.subs[sub.id] = sub
	count := len(b.subs)
	b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.RecordSubscriptionCount(count)
	}

	b.logger.Info("subscription started",
		"subscription_id", sub.id, "topic", cfg.Topic, "group", cfg.Group,
		"max_concurrent", cfg.MaxConcurrent)

	return sub.id, nil
}

// Unsubscribe stops a subscription's reader and waits for in-flight
// handlers. Returns true the first time for a known id, false for an
// unknown or already removed one.
func (b *Broker) Unsubscribe(id string) bool {
	b.mu.Lock()
	sub, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	count := len(b.subs)
	b.mu.Unlock()

	if !ok {
		return false
	}

	sub.stop()

	if b.metrics != nil {
		b.metrics.RecordSubscriptionCount(count)
	}

	b.logger.Info("subscription stopped", "subscription_id", id, "topic", sub.cfg.Topic)

	return true
}

// Ack marks a message COMPLETED. Delivery acknowledgement itself rides
// the consumer ack inside the reader; this is the status-side hook for
// AutoAck=false subscriptions. Acking an already completed message is
// a no-op.
func (b *Broker) Ack(ctx context.Context, messageID string) error {
	if err := b.ready(); err != nil {
		return err
	}

	m, err := b.store.Get(ctx, messageID)
	if err != nil {
		return err
	}
	if m.Status == message.StatusCompleted {
		return nil
	}

	return b.store.UpdateStatus(ctx, messageID, message.StatusCompleted, "")
}

// Nack marks a message FAILED. With requeue and retry budget left it
// is republished immediately as a new stream entry; otherwise it is
// dead-lettered under "dlq.<topic>".
func (b *Broker) Nack(ctx context.Context, messageID string, requeue bool) error {
	if err := b.ready(); err != nil {
		return err
	}

	m, err := b.store.Get(ctx, messageID)
	if err != nil {
		return err
	}

	if !m.Status.CanTransitionTo(message.StatusFailed) {
		return errors.WrapInvalid(
			fmt.Errorf("%w: %s -> %s", errors.ErrInvalidTransition, m.Status, message.StatusFailed),
			"Broker", "Nack", "fail message")
	}

	if err := b.store.UpdateStatus(ctx, messageID, message.StatusFailed, "negative acknowledgement"); err != nil {
		return err
	}
	_ = m.Transition(message.StatusFailed, "negative acknowledgement")

	if requeue && m.CanRetry() {
		return b.retry.requeue(ctx, m, "negative acknowledgement")
	}

	b.retry.deadLetter(ctx, m, "dlq."+m.Topic, "negative acknowledgement")
	return nil
}

// HealthCheck reports backend connectivity. It never panics and never
// returns an error; any failure is simply false.
func (b *Broker) HealthCheck(ctx context.Context) bool {
	defer func() {
		_ = recover()
	}()

	if b == nil || b.closed.Load() || !b.connected.Load() {
		return false
	}
	if !b.client.IsHealthy() {
		return false
	}
	if _, err := b.client.RTT(); err != nil {
		return false
	}
	_ = ctx
	return true
}

// Close stops every subscription, waits for their handlers, and closes
// the backend connections. Safe to call more than once.
func (b *Broker) Close(ctx context.Context) error {
	if b.closed.Swap(true) {
		return nil
	}

	b.rootCancel()

	b.mu.Lock()
	subs := make([]*subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.subs = make(map[string]*subscription)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}

	if b.metrics != nil {
		b.metrics.RecordSubscriptionCount(0)
	}

	b.connected.Store(false)

	if err := b.client.Close(ctx); err != nil {
		return errors.Wrap(err, "Broker", "Close", "close client")
	}

	b.logger.Info("broker closed")

	return nil
}

// newSubscriptionID returns a fresh subscription identifier
func newSubscriptionID() string {
	return uuid.NewString()
}

// isNotFound reports whether err is the store's missing-message error
func isNotFound(err error) bool {
	return stderrors.Is(err, errors.ErrMessageNotFound)
}

// isExpired reports whether err is the store's expired-message error
func isExpired(err error) bool {
	return stderrors.Is(err, errors.ErrMessageExpired)
}
