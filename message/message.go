// Package message defines the canonical message envelope shared by the
// broker, its stores and its adapters: the Message record, its priority
// and status enums with the delivery state machine, subscription
// configuration and the dead-letter record.
package message

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/c360/docrelay/errors"
)

// Priority indicates message importance. It does not affect stream
// ordering; it is routing metadata carried for consumers.
type Priority string

// Message priorities
const (
	PriorityLow      Priority = "LOW"
	PriorityNormal   Priority = "NORMAL"
	PriorityHigh     Priority = "HIGH"
	PriorityCritical Priority = "CRITICAL"
)

// Valid reports whether p is a known priority
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// Status represents the delivery state of a message
type Status string

// Message statuses
const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusRetrying   Status = "RETRYING"
	StatusDeadLetter Status = "DEAD_LETTER"
)

// transitions encodes the delivery state machine:
// PENDING → PROCESSING → {COMPLETED | FAILED};
// FAILED → RETRYING → PENDING (requeued);
// {FAILED, RETRYING} → DEAD_LETTER when retries are exhausted.
// PENDING → FAILED covers task cancellation before first delivery.
var transitions = map[Status][]Status{
	StatusPending:    {StatusProcessing, StatusFailed},
	StatusProcessing: {StatusCompleted, StatusFailed},
	StatusFailed:     {StatusRetrying, StatusDeadLetter},
	StatusRetrying:   {StatusPending, StatusDeadLetter},
	StatusCompleted:  {},
	StatusDeadLetter: {},
}

// Valid reports whether s is a known status
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// IsTerminal reports whether no further transitions are allowed from s
func (s Status) IsTerminal() bool {
	next, ok := transitions[s]
	return ok && len(next) == 0
}

// CanTransitionTo reports whether the state machine allows s → next
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// DefaultMaxRetries is applied when a message is built without an
// explicit retry budget.
const DefaultMaxRetries = 3

// Message is the canonical record moved through streams and persisted
// in the message store. The stream entry is the durable source of truth;
// the stored copy is an index over it.
type Message struct {
	ID           string            `json:"id"`
	Topic        string            `json:"topic"`
	Payload      map[string]any    `json:"payload"`
	Headers      map[string]string `json:"headers,omitempty"`
	Priority     Priority          `json:"priority"`
	CreatedAt    time.Time         `json:"created_at"`
	ExpiresAt    *time.Time        `json:"expires_at,omitempty"`
	RetryCount   int               `json:"retry_count"`
	MaxRetries   int               `json:"max_retries"`
	Status       Status            `json:"status"`
	ErrorMessage string            `json:"error_message,omitempty"`
}

// Option is a functional option for configuring Message construction
type Option func(*Message)

// WithHeaders merges headers into the message
func WithHeaders(headers map[string]string) Option {
	return func(m *Message) {
		if m.Headers == nil {
			m.Headers = make(map[string]string, len(headers))
		}
		for k, v := range headers {
			m.Headers[k] = v
		}
	}
}

// WithPriority sets the message priority
func WithPriority(p Priority) Option {
	return func(m *Message) {
		m.Priority = p
	}
}

// WithTTL sets the expiry relative to the creation timestamp
func WithTTL(ttl time.Duration) Option {
	return func(m *Message) {
		if ttl > 0 {
			expires := m.CreatedAt.Add(ttl)
			m.ExpiresAt = &expires
		}
	}
}

// WithMaxRetries overrides the default retry budget
func WithMaxRetries(n int) Option {
	return func(m *Message) {
		if n >= 0 {
			m.MaxRetries = n
		}
	}
}

// New creates a PENDING message with a fresh id for the given topic
func New(topic string, payload map[string]any, opts ...Option) *Message {
	m := &Message{
		ID:         uuid.NewString(),
		Topic:      topic,
		Payload:    payload,
		Priority:   PriorityNormal,
		CreatedAt:  time.Now().UTC(),
		MaxRetries: DefaultMaxRetries,
		Status:     StatusPending,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Validate checks the envelope invariants
func (m *Message) Validate() error {
	if m.ID == "" {
		return errors.WrapInvalid(fmt.Errorf("empty id"), "Message", "Validate", "check id")
	}
	if err := ValidateTopic(m.Topic); err != nil {
		return err
	}
	if !m.Priority.Valid() {
		return errors.WrapInvalid(fmt.Errorf("unknown priority %q", m.Priority),
			"Message", "Validate", "check priority")
	}
	if !m.Status.Valid() {
		return errors.WrapInvalid(fmt.Errorf("unknown status %q", m.Status),
			"Message", "Validate", "check status")
	}
	if m.RetryCount < 0 || m.MaxRetries < 0 {
		return errors.WrapInvalid(fmt.Errorf("negative retry counters"),
			"Message", "Validate", "check retries")
	}
	if m.Status != StatusDeadLetter && m.RetryCount > m.MaxRetries {
		return errors.WrapInvalid(
			fmt.Errorf("retry_count %d exceeds max_retries %d", m.RetryCount, m.MaxRetries),
			"Message", "Validate", "check retry budget")
	}
	if m.ExpiresAt != nil && !m.ExpiresAt.After(m.CreatedAt) {
		return errors.WrapInvalid(fmt.Errorf("expires_at not after created_at"),
			"Message", "Validate", "check expiry")
	}
	return nil
}

// IsExpired reports whether the message's expiry has passed at the given time
func (m *Message) IsExpired(now time.Time) bool {
	return m.ExpiresAt != nil && now.After(*m.ExpiresAt)
}

// CanRetry reports whether the message has retry budget left.
// Only FAILED messages are candidates for retry.
func (m *Message) CanRetry() bool {
	return m.Status == StatusFailed && m.RetryCount < m.MaxRetries
}

// Transition moves the message to the next status, enforcing the state
// machine. errMsg is recorded for FAILED and DEAD_LETTER transitions.
func (m *Message) Transition(next Status, errMsg string) error {
	if !m.Status.CanTransitionTo(next) {
		return errors.WrapInvalid(
			fmt.Errorf("%w: %s -> %s", errors.ErrInvalidTransition, m.Status, next),
			"Message", "Transition", "apply status change")
	}
	m.Status = next
	if next == StatusFailed || next == StatusDeadLetter {
		m.ErrorMessage = errMsg
	}
	return nil
}

// Clone returns a deep copy of the message
func (m *Message) Clone() *Message {
	cp := *m
	if m.Payload != nil {
		cp.Payload = make(map[string]any, len(m.Payload))
		for k, v := range m.Payload {
			cp.Payload[k] = v
		}
	}
	if m.Headers != nil {
		cp.Headers = make(map[string]string, len(m.Headers))
		for k, v := range m.Headers {
			cp.Headers[k] = v
		}
	}
	if m.ExpiresAt != nil {
		expires := *m.ExpiresAt
		cp.ExpiresAt = &expires
	}
	return &cp
}

// Encode serializes the message to JSON
func (m *Message) Encode() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %v", errors.ErrSerialization, err),
			"Message", "Encode", "marshal message")
	}
	return data, nil
}

// Decode deserializes a message from JSON
func Decode(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %v", errors.ErrSerialization, err),
			"Message", "Decode", "unmarshal message")
	}
	return &m, nil
}

// ValidateTopic checks a hierarchical dotted topic name. Wildcard tokens
// are rejected: topics name concrete channels, never subscriptions.
func ValidateTopic(topic string) error {
	if topic == "" {
		return errors.WrapInvalid(fmt.Errorf("empty topic"), "Message", "ValidateTopic", "check topic")
	}
	for _, token := range strings.Split(topic, ".") {
		if token == "" {
			return errors.WrapInvalid(fmt.Errorf("topic %q has empty segment", topic),
				"Message", "ValidateTopic", "check topic")
		}
		if token == "*" || token == ">" {
			return errors.WrapInvalid(fmt.Errorf("topic %q contains wildcard", topic),
				"Message", "ValidateTopic", "check topic")
		}
		if strings.ContainsAny(token, " \t\r\n") {
			return errors.WrapInvalid(fmt.Errorf("topic %q contains whitespace", topic),
				"Message", "ValidateTopic", "check topic")
		}
	}
	return nil
}
