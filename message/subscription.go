package message

import (
	"fmt"
	"time"

	"github.com/c360/docrelay/errors"
)

// Subscription defaults
const (
	DefaultMaxConcurrent = 10
	DefaultRetryDelay    = 30 * time.Second
)

// Subscription configures one consumer-group reader on a topic.
// A zero value is not usable; Topic is required and the remaining
// fields are defaulted by Normalize.
type Subscription struct {
	// Topic is the dotted topic to consume
	Topic string `json:"topic"`

	// Group names the consumer group. Groups on the same topic each
	// receive a full copy of the stream; readers within one group
	// compete for entries. Defaults to "default_<topic>".
	Group string `json:"group,omitempty"`

	// AutoAck treats handler success as the full acknowledgement.
	// Handler success always completes the stored record; with AutoAck
	// off, callers are expected to confirm through Broker.Ack as well.
	AutoAck bool `json:"auto_ack"`

	// MaxConcurrent bounds parallel handler executions within this
	// subscription. Other subscriptions are unaffected.
	MaxConcurrent int `json:"max_concurrent,omitempty"`

	// RetryDelay is waited before a failed message is republished.
	// The wait happens on the processing goroutine only.
	RetryDelay time.Duration `json:"retry_delay,omitempty"`

	// DeadLetterTopic receives a DeadLetterRecord when the retry
	// budget is exhausted. Empty disables dead-letter records.
	DeadLetterTopic string `json:"dead_letter_topic,omitempty"`
}

// DefaultGroup returns the default consumer-group name for a topic
func DefaultGroup(topic string) string {
	return "default_" + topic
}

// Normalize validates the subscription and fills defaults in place
func (s *Subscription) Normalize() error {
	if err := ValidateTopic(s.Topic); err != nil {
		return err
	}
	if s.Group == "" {
		s.Group = DefaultGroup(s.Topic)
	}
	if s.MaxConcurrent <= 0 {
		s.MaxConcurrent = DefaultMaxConcurrent
	}
	if s.RetryDelay <= 0 {
		s.RetryDelay = DefaultRetryDelay
	}
	if s.DeadLetterTopic != "" {
		if err := ValidateTopic(s.DeadLetterTopic); err != nil {
			return errors.WrapInvalid(
				fmt.Errorf("dead letter topic: %w", err),
				"Subscription", "Normalize", "check dead letter topic")
		}
	}
	return nil
}
