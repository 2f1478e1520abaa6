//go:build integration

package eventbus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/docrelay/broker"
	"github.com/c360/docrelay/natsclient"
)

func newTestBus(t *testing.T) *EventBus {
	t.Helper()

	tc := natsclient.NewTestClient(t, natsclient.WithJetStream())

	b, err := broker.New(tc.Client)
	require.NoError(t, err)
	require.NoError(t, b.Connect(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = b.Close(ctx)
	})

	bus, err := New(b)
	require.NoError(t, err)
	return bus
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestPublishAndReceiveEvents(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()

	var mu sync.Mutex
	received := make(map[string]*Event)

	_, err := bus.SubscribeToEvents(ctx,
		[]string{"document_uploaded", "document_indexed"},
		func(_ context.Context, e *Event) error {
			mu.Lock()
			received[e.Type] = e
			mu.Unlock()
			return nil
		}, "indexer")
	require.NoError(t, err)

	_, err = bus.PublishEvent(ctx, "document_uploaded",
		map[string]any{"name": "a.pdf"}, "uploader",
		map[string]string{"tenant": "acme"})
	require.NoError(t, err)

	_, err = bus.PublishEvent(ctx, "document_indexed",
		map[string]any{"pages": float64(3)}, "indexer", nil)
	require.NoError(t, err)

	// A type nobody subscribed to must not reach the handler
	_, err = bus.PublishEvent(ctx, "document_deleted", nil, "janitor", nil)
	require.NoError(t, err)

	waitFor(t, 15*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 2
	})

	mu.Lock()
	defer mu.Unlock()
	uploaded := received["document_uploaded"]
	require.NotNil(t, uploaded)
	assert.Equal(t, "uploader", uploaded.Source)
	assert.Equal(t, "acme", uploaded.Metadata["tenant"])
	assert.Equal(t, "a.pdf", uploaded.Data["name"])
	assert.Nil(t, received["document_deleted"])
}

func TestCompositeUnsubscribe(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()

	subID, err := bus.SubscribeToEvents(ctx,
		[]string{"document_uploaded", "document_indexed"},
		func(context.Context, *Event) error { return nil }, "")
	require.NoError(t, err)

	assert.True(t, bus.Unsubscribe(subID))
	assert.False(t, bus.Unsubscribe(subID))
}
