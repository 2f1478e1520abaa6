package store

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/docrelay/errors"
	"github.com/c360/docrelay/message"
	"github.com/c360/docrelay/natsclient"
)

// Dead-letter stream layout
const (
	DeadLetterStream        = "docrelay-dlq"
	DeadLetterSubjectPrefix = "docrelay.dlq."
	DefaultDeadLetterTTL    = 168 * time.Hour
)

// DeadLetterSubject returns the stream subject for a dead-letter topic
func DeadLetterSubject(topic string) string {
	return DeadLetterSubjectPrefix + topic
}

// DeadLetterStore appends exhausted messages to an append-only stream.
// Records age out after the stream TTL; nothing ever rewrites them.
type DeadLetterStore struct {
	client *natsclient.Client
	stream jetstream.Stream
}

// NewDeadLetterStore creates the dead-letter stream if absent
func NewDeadLetterStore(
	ctx context.Context, client *natsclient.Client, ttl time.Duration,
) (*DeadLetterStore, error) {
	if ttl <= 0 {
		ttl = DefaultDeadLetterTTL
	}

	stream, err := client.EnsureStream(ctx, jetstream.StreamConfig{
		Name:        DeadLetterStream,
		Description: "docrelay dead-letter records",
		Subjects:    []string{DeadLetterSubjectPrefix + ">"},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      ttl,
		Storage:     jetstream.FileStorage,
	})
	if err != nil {
		return nil, errors.Wrap(err, "DeadLetterStore", "NewDeadLetterStore", "create stream")
	}

	return &DeadLetterStore{client: client, stream: stream}, nil
}

// Append writes a dead-letter record under the given topic
func (s *DeadLetterStore) Append(ctx context.Context, topic string, r *message.DeadLetterRecord) error {
	if err := message.ValidateTopic(topic); err != nil {
		return err
	}

	data, err := r.Encode()
	if err != nil {
		return err
	}

	if err := s.client.PublishToStream(ctx, DeadLetterSubject(topic), data); err != nil {
		return errors.WrapTransient(err, "DeadLetterStore", "Append",
			fmt.Sprintf("append record for %s", r.OriginalMessageID))
	}

	return nil
}

// Read returns up to limit records for a dead-letter topic, oldest
// first, without consuming them. limit <= 0 defaults to 100.
func (s *DeadLetterStore) Read(ctx context.Context, topic string, limit int) ([]*message.DeadLetterRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	consumer, err := s.stream.OrderedConsumer(ctx, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{DeadLetterSubject(topic)},
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "DeadLetterStore", "Read", "create consumer")
	}

	batch, err := consumer.FetchNoWait(limit)
	if err != nil {
		return nil, errors.WrapTransient(err, "DeadLetterStore", "Read", "fetch records")
	}

	var records []*message.DeadLetterRecord
	for msg := range batch.Messages() {
		r, err := message.DecodeDeadLetterRecord(msg.Data())
		if err != nil {
			continue
		}
		records = append(records, r)
	}
	if err := batch.Error(); err != nil {
		return records, errors.WrapTransient(err, "DeadLetterStore", "Read", "drain batch")
	}

	return records, nil
}
