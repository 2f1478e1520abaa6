package eventbus

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/docrelay/broker"
	"github.com/c360/docrelay/message"
	"github.com/c360/docrelay/natsclient"
)

func newDisconnectedBus(t *testing.T) *EventBus {
	t.Helper()
	client, err := natsclient.NewClient("nats://localhost:4222")
	require.NoError(t, err)
	b, err := broker.New(client)
	require.NoError(t, err)
	bus, err := New(b)
	require.NoError(t, err)
	return bus
}

func TestEventTopic(t *testing.T) {
	assert.Equal(t, "events.document_uploaded", EventTopic("document_uploaded"))
}

func TestNewRequiresBroker(t *testing.T) {
	_, err := New(nil)
	assert.Error(t, err)
}

func TestRegisterEventCodecValidation(t *testing.T) {
	bus := newDisconnectedBus(t)

	assert.Error(t, bus.RegisterEventCodec("", func(map[string]any) (any, error) { return nil, nil }))
	assert.Error(t, bus.RegisterEventCodec("document_uploaded", nil))
	assert.NoError(t, bus.RegisterEventCodec("document_uploaded",
		func(map[string]any) (any, error) { return nil, nil }))
}

func TestAdaptFiltersByEventType(t *testing.T) {
	bus := newDisconnectedBus(t)

	var got *Event
	handler := bus.adapt(func(_ context.Context, e *Event) error {
		got = e
		return nil
	}, map[string]bool{"document_uploaded": true})

	// Matching type passes through
	m := message.New(EventTopic("document_uploaded"), map[string]any{"doc": "a.pdf"},
		message.WithHeaders(map[string]string{
			HeaderEventType:   "document_uploaded",
			HeaderEventSource: "uploader",
			"tenant":          "acme",
		}))
	require.NoError(t, handler.Handle(context.Background(), m))
	require.NotNil(t, got)
	assert.Equal(t, m.ID, got.ID)
	assert.Equal(t, "document_uploaded", got.Type)
	assert.Equal(t, "uploader", got.Source)
	assert.Equal(t, "a.pdf", got.Data["doc"])
	assert.Equal(t, map[string]string{"tenant": "acme"}, got.Metadata)

	// Non-matching type is skipped without error
	got = nil
	other := message.New(EventTopic("document_deleted"), nil,
		message.WithHeaders(map[string]string{HeaderEventType: "document_deleted"}))
	require.NoError(t, handler.Handle(context.Background(), other))
	assert.Nil(t, got)

	// Missing header is skipped too
	bare := message.New(EventTopic("document_uploaded"), nil)
	require.NoError(t, handler.Handle(context.Background(), bare))
	assert.Nil(t, got)
}

type documentUploaded struct {
	Name string
	Size int
}

func TestAdaptDecodesTypedEvents(t *testing.T) {
	bus := newDisconnectedBus(t)

	require.NoError(t, bus.RegisterEventCodec("document_uploaded",
		func(data map[string]any) (any, error) {
			name, _ := data["name"].(string)
			size, ok := data["size"].(float64)
			if !ok {
				return nil, fmt.Errorf("missing size")
			}
			return documentUploaded{Name: name, Size: int(size)}, nil
		}))

	var got *Event
	handler := bus.adapt(func(_ context.Context, e *Event) error {
		got = e
		return nil
	}, map[string]bool{"document_uploaded": true})

	m := message.New(EventTopic("document_uploaded"),
		map[string]any{"name": "a.pdf", "size": float64(1024)},
		message.WithHeaders(map[string]string{HeaderEventType: "document_uploaded"}))
	require.NoError(t, handler.Handle(context.Background(), m))

	require.NotNil(t, got)
	typed, ok := got.Typed.(documentUploaded)
	require.True(t, ok)
	assert.Equal(t, "a.pdf", typed.Name)
	assert.Equal(t, 1024, typed.Size)

	// Codec failure surfaces as a handler error (retryable decision upstream)
	bad := message.New(EventTopic("document_uploaded"), map[string]any{"name": "b.pdf"},
		message.WithHeaders(map[string]string{HeaderEventType: "document_uploaded"}))
	assert.Error(t, handler.Handle(context.Background(), bad))
}

func TestUnknownTypeFallsThroughToRawData(t *testing.T) {
	bus := newDisconnectedBus(t)

	var got *Event
	handler := bus.adapt(func(_ context.Context, e *Event) error {
		got = e
		return nil
	}, map[string]bool{"document_indexed": true})

	m := message.New(EventTopic("document_indexed"), map[string]any{"pages": float64(3)},
		message.WithHeaders(map[string]string{HeaderEventType: "document_indexed"}))
	require.NoError(t, handler.Handle(context.Background(), m))

	require.NotNil(t, got)
	assert.Nil(t, got.Typed)
	assert.Equal(t, float64(3), got.Data["pages"])
}

func TestSubscribeValidation(t *testing.T) {
	bus := newDisconnectedBus(t)
	ctx := context.Background()

	_, err := bus.SubscribeToEvents(ctx, nil,
		func(context.Context, *Event) error { return nil }, "")
	assert.Error(t, err)

	_, err = bus.SubscribeToEvents(ctx, []string{"document_uploaded"}, nil, "")
	assert.Error(t, err)
}

func TestUnsubscribeUnknownComposite(t *testing.T) {
	bus := newDisconnectedBus(t)
	assert.False(t, bus.Unsubscribe("a+b"))
}
