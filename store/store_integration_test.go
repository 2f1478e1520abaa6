//go:build integration

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/docrelay/errors"
	"github.com/c360/docrelay/message"
	"github.com/c360/docrelay/natsclient"
)

func newTestStore(t *testing.T, opts ...StoreOption) (*MessageStore, *natsclient.TestClient) {
	t.Helper()

	tc := natsclient.NewTestClient(t, natsclient.WithJetStream())

	s, err := NewMessageStore(context.Background(), tc.Client, time.Hour, opts...)
	require.NoError(t, err)

	return s, tc
}

func TestStoreAndGetRoundTrip(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	m := message.New("orders.created", map[string]any{"id": float64(7)})
	require.NoError(t, s.Store(ctx, m))

	got, err := s.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, m.ID, got.ID)
	assert.Equal(t, m.Payload, got.Payload)
	assert.Equal(t, message.StatusPending, got.Status)
}

func TestStoreIsIdempotent(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	m := message.New("orders.created", map[string]any{"v": float64(1)})
	require.NoError(t, s.Store(ctx, m))

	m.Payload["v"] = float64(2)
	require.NoError(t, s.Store(ctx, m))

	got, err := s.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, float64(2), got.Payload["v"])
}

func TestGetMissingMessage(t *testing.T) {
	s, _ := newTestStore(t)

	_, err := s.Get(context.Background(), "no-such-id")
	assert.ErrorIs(t, err, errors.ErrMessageNotFound)
}

func TestUpdateStatusFollowsStateMachine(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	m := message.New("orders.created", nil)
	require.NoError(t, s.Store(ctx, m))

	require.NoError(t, s.UpdateStatus(ctx, m.ID, message.StatusProcessing, ""))
	require.NoError(t, s.UpdateStatus(ctx, m.ID, message.StatusCompleted, ""))

	err := s.UpdateStatus(ctx, m.ID, message.StatusFailed, "boom")
	assert.ErrorIs(t, err, errors.ErrInvalidTransition)

	got, err := s.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, message.StatusCompleted, got.Status)
}

func TestUpdateStatusRecordsError(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	m := message.New("orders.created", nil)
	require.NoError(t, s.Store(ctx, m))

	require.NoError(t, s.UpdateStatus(ctx, m.ID, message.StatusProcessing, ""))
	require.NoError(t, s.UpdateStatus(ctx, m.ID, message.StatusFailed, "handler exploded"))

	got, err := s.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, "handler exploded", got.ErrorMessage)
}

func TestIncrementRetry(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	m := message.New("orders.created", nil)
	require.NoError(t, s.Store(ctx, m))
	require.NoError(t, s.UpdateStatus(ctx, m.ID, message.StatusProcessing, ""))
	require.NoError(t, s.UpdateStatus(ctx, m.ID, message.StatusFailed, "boom"))

	got, err := s.IncrementRetry(ctx, m.ID, message.StatusRetrying, "boom")
	require.NoError(t, err)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, message.StatusRetrying, got.Status)
}

func TestGetExpiredMessage(t *testing.T) {
	fixed := time.Now().UTC()
	s, _ := newTestStore(t, WithClock(func() time.Time { return fixed.Add(time.Hour) }))
	ctx := context.Background()

	m := message.New("orders.created", nil, message.WithTTL(time.Minute))
	require.NoError(t, s.Store(ctx, m))

	_, err := s.Get(ctx, m.ID)
	assert.ErrorIs(t, err, errors.ErrMessageExpired)
}

func TestGetPendingFiltersAndOrders(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	first := message.New("orders.created", nil)
	time.Sleep(5 * time.Millisecond)
	second := message.New("orders.created", nil)
	other := message.New("invoices.paid", nil)
	done := message.New("orders.created", nil)

	for _, m := range []*message.Message{second, first, other, done} {
		require.NoError(t, s.Store(ctx, m))
	}
	require.NoError(t, s.UpdateStatus(ctx, done.ID, message.StatusProcessing, ""))
	require.NoError(t, s.UpdateStatus(ctx, done.ID, message.StatusCompleted, ""))

	pending, err := s.GetPending(ctx, "orders.created", 0)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, first.ID, pending[0].ID)
	assert.Equal(t, second.ID, pending[1].ID)

	limited, err := s.GetPending(ctx, "orders.created", 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, first.ID, limited[0].ID)
}

func TestCleanupExpiredSweep(t *testing.T) {
	fixed := time.Now().UTC()
	now := fixed
	s, _ := newTestStore(t, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	shortLived := message.New("orders.created", nil, message.WithTTL(time.Minute))
	longLived := message.New("orders.created", nil, message.WithTTL(time.Hour))
	forever := message.New("orders.created", nil)

	for _, m := range []*message.Message{shortLived, longLived, forever} {
		require.NoError(t, s.Store(ctx, m))
	}

	now = fixed.Add(10 * time.Minute)
	removed, err := s.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = s.Get(ctx, shortLived.ID)
	assert.ErrorIs(t, err, errors.ErrMessageNotFound)
	_, err = s.Get(ctx, longLived.ID)
	assert.NoError(t, err)
	_, err = s.Get(ctx, forever.ID)
	assert.NoError(t, err)
}

func TestWatchStatusStreamsTransitions(t *testing.T) {
	s, _ := newTestStore(t)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	m := message.New("orders.created", nil)
	require.NoError(t, s.Store(ctx, m))

	statuses, err := s.WatchStatus(ctx, m.ID)
	require.NoError(t, err)

	// The watch opens on the current status
	assert.Equal(t, message.StatusPending, <-statuses)

	require.NoError(t, s.UpdateStatus(ctx, m.ID, message.StatusProcessing, ""))
	assert.Equal(t, message.StatusProcessing, <-statuses)

	// Rewriting the envelope without a status change emits nothing;
	// the next receive is the following transition
	require.NoError(t, s.Store(ctx, mustGet(t, s, ctx, m.ID)))
	require.NoError(t, s.UpdateStatus(ctx, m.ID, message.StatusCompleted, ""))
	assert.Equal(t, message.StatusCompleted, <-statuses)

	// Deleting the message ends the watch
	require.NoError(t, s.Delete(ctx, m.ID))
	_, open := <-statuses
	assert.False(t, open)
}

func mustGet(t *testing.T, s *MessageStore, ctx context.Context, id string) *message.Message {
	t.Helper()
	m, err := s.Get(ctx, id)
	require.NoError(t, err)
	return m
}

func TestDeadLetterAppendAndRead(t *testing.T) {
	tc := natsclient.NewTestClient(t, natsclient.WithJetStream())
	ctx := context.Background()

	dls, err := NewDeadLetterStore(ctx, tc.Client, time.Hour)
	require.NoError(t, err)

	m := message.New("orders.created", map[string]any{"id": float64(1)}, message.WithMaxRetries(2))
	m.RetryCount = 2
	record := message.NewDeadLetterRecord(m, "gave up")

	require.NoError(t, dls.Append(ctx, "dlq.orders.created", record))

	records, err := dls.Read(ctx, "dlq.orders.created", 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, m.ID, records[0].OriginalMessageID)
	assert.Equal(t, "gave up", records[0].ErrorMessage)

	other, err := dls.Read(ctx, "dlq.other", 10)
	require.NoError(t, err)
	assert.Empty(t, other)
}
