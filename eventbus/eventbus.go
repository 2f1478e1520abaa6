// Package eventbus adapts the broker into a typed publish/subscribe
// event bus. Events are messages on "events.<type>" topics carrying
// event_type and source headers; subscribers filter by type and can
// register codecs to receive decoded typed payloads.
package eventbus

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/c360/docrelay/broker"
	"github.com/c360/docrelay/errors"
	"github.com/c360/docrelay/message"
)

// Topic and header layout
const (
	TopicPrefix       = "events."
	HeaderEventType   = "event_type"
	HeaderEventSource = "source"
)

// EventTopic returns the broker topic for an event type
func EventTopic(eventType string) string {
	return TopicPrefix + eventType
}

// Event is the delivery-side view of a published event
type Event struct {
	// ID is the underlying message id
	ID string

	// Type is the event type, e.g. "document_uploaded"
	Type string

	// Source names the component that emitted the event
	Source string

	// Data is the raw event payload
	Data map[string]any

	// Typed holds the codec-decoded payload when a codec is registered
	// for the type, nil otherwise
	Typed any

	// Metadata carries the remaining headers
	Metadata map[string]string

	// Timestamp is the publish time
	Timestamp time.Time
}

// EventHandler processes delivered events
type EventHandler func(ctx context.Context, e *Event) error

// EventCodec decodes a raw payload into a typed event value
type EventCodec func(data map[string]any) (any, error)

// EventBus publishes and subscribes to typed events over the broker
type EventBus struct {
	broker *broker.Broker
	logger *slog.Logger

	codecMu sync.RWMutex
	codecs  map[string]EventCodec

	subMu sync.Mutex
	subs  map[string][]string // composite id -> broker subscription ids
}

// Option configures an EventBus
type Option func(*EventBus)

// WithLogger sets the structured logger
func WithLogger(logger *slog.Logger) Option {
	return func(e *EventBus) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// New creates an event bus over a connected broker
func New(b *broker.Broker, opts ...Option) (*EventBus, error) {
	if b == nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("nil broker"), "EventBus", "New", "check broker")
	}

	e := &EventBus{
		broker: b,
		logger: slog.Default(),
		codecs: make(map[string]EventCodec),
		subs:   make(map[string][]string),
	}
	for _, opt := range opts {
		opt(e)
	}

	return e, nil
}

// RegisterEventCodec registers a decoder for an event type. Events of
// that type arrive with Typed populated; registering again replaces
// the previous codec.
func (e *EventBus) RegisterEventCodec(eventType string, codec EventCodec) error {
	if eventType == "" || codec == nil {
		return errors.WrapInvalid(
			fmt.Errorf("empty event type or nil codec"),
			"EventBus", "RegisterEventCodec", "check arguments")
	}

	e.codecMu.Lock()
	e.codecs[eventType] = codec
	e.codecMu.Unlock()

	return nil
}

func (e *EventBus) lookupCodec(eventType string) (EventCodec, bool) {
	e.codecMu.RLock()
	defer e.codecMu.RUnlock()
	codec, ok := e.codecs[eventType]
	return codec, ok
}

// PublishEvent emits an event of the given type. metadata becomes
// message headers alongside event_type and source. Returns the
// underlying message id.
func (e *EventBus) PublishEvent(
	ctx context.Context, eventType string, data map[string]any,
	source string, metadata map[string]string,
) (string, error) {
	if err := message.ValidateTopic(EventTopic(eventType)); err != nil {
		return "", err
	}

	headers := make(map[string]string, len(metadata)+2)
	for k, v := range metadata {
		headers[k] = v
	}
	headers[HeaderEventType] = eventType
	headers[HeaderEventSource] = source

	id, err := e.broker.Publish(ctx, EventTopic(eventType), data,
		message.WithHeaders(headers))
	if err != nil {
		return "", err
	}

	e.logger.Debug("event published",
		"event_type", eventType, "source", source, "message_id", id)

	return id, nil
}

// SubscribeToEvents subscribes the handler to one or more event types.
// One broker subscription is created per type; the returned composite
// id tears all of them down via Unsubscribe. group names the consumer
// group; empty uses the broker default per topic.
func (e *EventBus) SubscribeToEvents(
	ctx context.Context, eventTypes []string, handler EventHandler, group string,
) (string, error) {
	if len(eventTypes) == 0 {
		return "", errors.WrapInvalid(
			fmt.Errorf("no event types"), "EventBus", "SubscribeToEvents", "check types")
	}
	if handler == nil {
		return "", errors.WrapInvalid(
			fmt.Errorf("nil handler"), "EventBus", "SubscribeToEvents", "check handler")
	}

	wanted := make(map[string]bool, len(eventTypes))
	for _, t := range eventTypes {
		wanted[t] = true
	}

	var ids []string
	for _, eventType := range eventTypes {
		sub := message.Subscription{
			Topic:   EventTopic(eventType),
			Group:   group,
			AutoAck: true,
		}

		id, err := e.broker.Subscribe(ctx, sub, e.adapt(handler, wanted))
		if err != nil {
			for _, created := range ids {
				e.broker.Unsubscribe(created)
			}
			return "", errors.Wrap(err, "EventBus", "SubscribeToEvents",
				fmt.Sprintf("subscribe to %s", eventType))
		}
		ids = append(ids, id)
	}

	composite := strings.Join(ids, "+")

	e.subMu.Lock()
	e.subs[composite] = ids
	e.subMu.Unlock()

	return composite, nil
}

// Unsubscribe tears down every broker subscription behind a composite
// id. True the first time for a known id, false otherwise.
func (e *EventBus) Unsubscribe(compositeID string) bool {
	e.subMu.Lock()
	ids, ok := e.subs[compositeID]
	if ok {
		delete(e.subs, compositeID)
	}
	e.subMu.Unlock()

	if !ok {
		return false
	}

	removed := false
	for _, id := range ids {
		if e.broker.Unsubscribe(id) {
			removed = true
		}
	}
	return removed
}

// adapt wraps an EventHandler as a message.Handler that re-checks the
// event_type header. The topic already scopes delivery to one type;
// the header check guards against messages published on an event topic
// without going through the event bus.
func (e *EventBus) adapt(handler EventHandler, wanted map[string]bool) message.Handler {
	return message.HandlerFunc(func(ctx context.Context, m *message.Message) error {
		eventType := m.Headers[HeaderEventType]
		if !wanted[eventType] {
			e.logger.Debug("event skipped: type not subscribed",
				"message_id", m.ID, "event_type", eventType, "topic", m.Topic)
			return nil
		}

		event := &Event{
			ID:        m.ID,
			Type:      eventType,
			Source:    m.Headers[HeaderEventSource],
			Data:      m.Payload,
			Metadata:  eventMetadata(m.Headers),
			Timestamp: m.CreatedAt,
		}

		if codec, ok := e.lookupCodec(eventType); ok {
			typed, err := codec(m.Payload)
			if err != nil {
				return errors.WrapInvalid(err, "EventBus", "handle",
					fmt.Sprintf("decode %s event", eventType))
			}
			event.Typed = typed
		}

		return handler(ctx, event)
	})
}

// eventMetadata strips the bus's own headers from the metadata view
func eventMetadata(headers map[string]string) map[string]string {
	metadata := make(map[string]string, len(headers))
	for k, v := range headers {
		if k == HeaderEventType || k == HeaderEventSource {
			continue
		}
		metadata[k] = v
	}
	return metadata
}
