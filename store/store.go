// Package store persists message envelopes in a JetStream KV bucket
// and dead-letter records in a TTL-bounded stream. The KV bucket is
// the source of truth for message status; stream entries only carry
// message IDs for delivery ordering.
package store

import (
	"context"
	stderrors "errors"
	"fmt"
	"sort"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/docrelay/errors"
	"github.com/c360/docrelay/message"
	"github.com/c360/docrelay/metric"
	"github.com/c360/docrelay/natsclient"
)

// DefaultBucket is the KV bucket holding message envelopes
const DefaultBucket = "docrelay_messages"

// MessageStore reads and writes message envelopes keyed by message ID.
// The bucket TTL acts as a coarse retention window; per-message
// ExpiresAt is enforced on read and by the cleanup sweep.
type MessageStore struct {
	kv      *natsclient.KVStore
	metrics *metric.Metrics
	now     func() time.Time
}

// StoreOption configures a MessageStore
type StoreOption func(*MessageStore)

// WithMetrics records sweep and expiry counts on the given metrics set
func WithMetrics(m *metric.Metrics) StoreOption {
	return func(s *MessageStore) {
		s.metrics = m
	}
}

// WithClock overrides the time source (for tests)
func WithClock(now func() time.Time) StoreOption {
	return func(s *MessageStore) {
		s.now = now
	}
}

// NewMessageStore creates the message bucket if absent and returns a
// store over it. The bucket TTL defaults to defaultTTL for messages
// that carry no ExpiresAt of their own.
func NewMessageStore(
	ctx context.Context, client *natsclient.Client, defaultTTL time.Duration, opts ...StoreOption,
) (*MessageStore, error) {
	bucket, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
		Bucket:      DefaultBucket,
		Description: "docrelay message envelopes",
		TTL:         defaultTTL,
		Storage:     jetstream.FileStorage,
	})
	if err != nil {
		return nil, errors.Wrap(err, "MessageStore", "NewMessageStore", "create bucket")
	}

	s := &MessageStore{
		kv:  client.NewKVStore(bucket),
		now: time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// Store writes a message envelope. Writing the same ID again replaces
// the stored envelope, so redelivered publishes are harmless.
func (s *MessageStore) Store(ctx context.Context, m *message.Message) error {
	if err := m.Validate(); err != nil {
		return errors.WrapInvalid(err, "MessageStore", "Store", "validate message")
	}

	data, err := m.Encode()
	if err != nil {
		return err
	}

	if _, err := s.kv.Put(ctx, m.ID, data); err != nil {
		return errors.WrapTransient(err, "MessageStore", "Store",
			fmt.Sprintf("put message %s", m.ID))
	}

	return nil
}

// Get loads a message by ID. A missing key maps to ErrMessageNotFound;
// a present but expired message maps to ErrMessageExpired.
func (s *MessageStore) Get(ctx context.Context, id string) (*message.Message, error) {
	entry, err := s.kv.Get(ctx, id)
	if err != nil {
		if stderrors.Is(err, natsclient.ErrKVKeyNotFound) {
			return nil, errors.WrapInvalid(
				fmt.Errorf("%w: %s", errors.ErrMessageNotFound, id),
				"MessageStore", "Get", "load message")
		}
		return nil, errors.WrapTransient(err, "MessageStore", "Get",
			fmt.Sprintf("load message %s", id))
	}

	m, err := message.Decode(entry.Value)
	if err != nil {
		return nil, err
	}

	if m.IsExpired(s.now()) {
		if s.metrics != nil {
			s.metrics.RecordExpired(m.Topic)
		}
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %s", errors.ErrMessageExpired, id),
			"MessageStore", "Get", "load message")
	}

	return m, nil
}

// UpdateStatus moves a message through its state machine with a CAS
// loop, so concurrent readers never clobber each other's transitions.
// errMsg is recorded on the envelope for failure states and cleared
// otherwise.
func (s *MessageStore) UpdateStatus(ctx context.Context, id string, next message.Status, errMsg string) error {
	err := s.kv.UpdateWithRetry(ctx, id, func(current []byte) ([]byte, error) {
		if current == nil {
			return nil, fmt.Errorf("%w: %s", errors.ErrMessageNotFound, id)
		}

		m, err := message.Decode(current)
		if err != nil {
			return nil, err
		}

		if err := m.Transition(next, errMsg); err != nil {
			return nil, err
		}

		return m.Encode()
	})
	if err != nil {
		if stderrors.Is(err, errors.ErrMessageNotFound) ||
			stderrors.Is(err, errors.ErrInvalidTransition) {
			return err
		}
		return errors.WrapTransient(err, "MessageStore", "UpdateStatus",
			fmt.Sprintf("update message %s to %s", id, next))
	}

	return nil
}

// IncrementRetry bumps the retry count and moves the message to the
// given status in one CAS round trip.
func (s *MessageStore) IncrementRetry(ctx context.Context, id string, next message.Status, errMsg string) (*message.Message, error) {
	var updated *message.Message

	err := s.kv.UpdateWithRetry(ctx, id, func(current []byte) ([]byte, error) {
		if current == nil {
			return nil, fmt.Errorf("%w: %s", errors.ErrMessageNotFound, id)
		}

		m, err := message.Decode(current)
		if err != nil {
			return nil, err
		}

		m.RetryCount++
		if err := m.Transition(next, errMsg); err != nil {
			return nil, err
		}

		updated = m
		return m.Encode()
	})
	if err != nil {
		if stderrors.Is(err, errors.ErrMessageNotFound) ||
			stderrors.Is(err, errors.ErrInvalidTransition) {
			return nil, err
		}
		return nil, errors.WrapTransient(err, "MessageStore", "IncrementRetry",
			fmt.Sprintf("update message %s", id))
	}

	return updated, nil
}

// WatchStatus streams status changes for one message, starting with
// its current status. Repeated writes that keep the same status are
// suppressed. The channel closes when ctx ends, the message is removed
// from the bucket, or the underlying watcher stops.
func (s *MessageStore) WatchStatus(ctx context.Context, id string) (<-chan message.Status, error) {
	watcher, err := s.kv.Watch(ctx, id)
	if err != nil {
		return nil, errors.WrapTransient(err, "MessageStore", "WatchStatus",
			fmt.Sprintf("watch message %s", id))
	}

	ch := make(chan message.Status, 8)
	go func() {
		defer close(ch)
		defer func() { _ = watcher.Stop() }()

		var last message.Status
		for {
			select {
			case <-ctx.Done():
				return
			case entry, ok := <-watcher.Updates():
				if !ok {
					return
				}
				if entry == nil {
					// Initial replay finished
					continue
				}
				if entry.Operation() != jetstream.KeyValuePut {
					// Deleted or purged; nothing further to observe
					return
				}

				m, err := message.Decode(entry.Value())
				if err != nil {
					continue
				}
				if m.Status == last {
					continue
				}
				last = m.Status

				select {
				case ch <- m.Status:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return ch, nil
}

// GetPending returns up to limit non-expired PENDING messages on a
// topic, oldest first. limit <= 0 means no limit. This is a full
// bucket scan; it serves diagnostics and startup recovery, not the
// hot delivery path.
func (s *MessageStore) GetPending(ctx context.Context, topic string, limit int) ([]*message.Message, error) {
	keys, err := s.kv.Keys(ctx)
	if err != nil {
		return nil, errors.WrapTransient(err, "MessageStore", "GetPending", "list keys")
	}

	now := s.now()
	var pending []*message.Message
	for _, key := range keys {
		entry, err := s.kv.Get(ctx, key)
		if err != nil {
			// Key expired or deleted between list and get
			if stderrors.Is(err, natsclient.ErrKVKeyNotFound) {
				continue
			}
			return nil, errors.WrapTransient(err, "MessageStore", "GetPending",
				fmt.Sprintf("load message %s", key))
		}

		m, err := message.Decode(entry.Value)
		if err != nil {
			continue
		}

		if m.Status != message.StatusPending || m.IsExpired(now) {
			continue
		}
		if topic != "" && m.Topic != topic {
			continue
		}

		pending = append(pending, m)
	}

	sort.Slice(pending, func(i, j int) bool {
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})

	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}

	return pending, nil
}

// CleanupExpired removes messages whose ExpiresAt has passed and
// returns the number removed. Individual delete failures are counted
// but do not abort the sweep.
func (s *MessageStore) CleanupExpired(ctx context.Context) (int, error) {
	keys, err := s.kv.Keys(ctx)
	if err != nil {
		return 0, errors.WrapTransient(err, "MessageStore", "CleanupExpired", "list keys")
	}

	now := s.now()
	removed := 0
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return removed, errors.WrapTransient(err, "MessageStore", "CleanupExpired", "sweep cancelled")
		}

		entry, err := s.kv.Get(ctx, key)
		if err != nil {
			continue
		}

		m, err := message.Decode(entry.Value)
		if err != nil {
			continue
		}

		if !m.IsExpired(now) {
			continue
		}

		if err := s.kv.Delete(ctx, key); err != nil {
			if s.metrics != nil {
				s.metrics.RecordStoreSoftFailure()
			}
			continue
		}

		removed++
		if s.metrics != nil {
			s.metrics.RecordExpired(m.Topic)
		}
	}

	if removed > 0 && s.metrics != nil {
		s.metrics.RecordSweepRemoved(removed)
	}

	return removed, nil
}

// Delete removes a message envelope outright
func (s *MessageStore) Delete(ctx context.Context, id string) error {
	if err := s.kv.Delete(ctx, id); err != nil {
		if stderrors.Is(err, natsclient.ErrKVKeyNotFound) {
			return errors.WrapInvalid(
				fmt.Errorf("%w: %s", errors.ErrMessageNotFound, id),
				"MessageStore", "Delete", "delete message")
		}
		return errors.WrapTransient(err, "MessageStore", "Delete",
			fmt.Sprintf("delete message %s", id))
	}
	return nil
}
