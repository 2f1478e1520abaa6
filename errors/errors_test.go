package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapFormatsComponentMethodAction(t *testing.T) {
	base := stderrors.New("boom")
	err := Wrap(base, "Broker", "Publish", "append to stream")

	require.Error(t, err)
	assert.Equal(t, "Broker.Publish: append to stream failed: boom", err.Error())
	assert.True(t, stderrors.Is(err, base))
}

func TestWrapNilReturnsNil(t *testing.T) {
	assert.NoError(t, Wrap(nil, "Broker", "Publish", "append"))
	assert.NoError(t, WrapTransient(nil, "Broker", "Publish", "append"))
	assert.NoError(t, WrapInvalid(nil, "Broker", "Publish", "append"))
	assert.NoError(t, WrapFatal(nil, "Broker", "Publish", "append"))
}

func TestClassification(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{"wrapped transient", WrapTransient(stderrors.New("x"), "c", "m", "a"), ErrorTransient},
		{"wrapped invalid", WrapInvalid(stderrors.New("x"), "c", "m", "a"), ErrorInvalid},
		{"wrapped fatal", WrapFatal(stderrors.New("x"), "c", "m", "a"), ErrorFatal},
		{"not connected sentinel", ErrNotConnected, ErrorTransient},
		{"serialization sentinel", ErrSerialization, ErrorInvalid},
		{"missing config sentinel", ErrMissingConfig, ErrorFatal},
		{"deadline exceeded", context.DeadlineExceeded, ErrorTransient},
		{"unknown defaults to transient", stderrors.New("mystery"), ErrorTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestIsTransientPatternMatching(t *testing.T) {
	assert.True(t, IsTransient(stderrors.New("dial tcp: i/o timeout")))
	assert.True(t, IsTransient(stderrors.New("server temporarily unavailable")))
	assert.False(t, IsTransient(nil))
	assert.False(t, IsTransient(stderrors.New("schema mismatch")))
}

func TestClassifiedErrorUnwrap(t *testing.T) {
	base := ErrMessageNotFound
	err := WrapTransient(fmt.Errorf("lookup: %w", base), "Store", "Get", "read message")

	assert.True(t, stderrors.Is(err, ErrMessageNotFound))

	var ce *ClassifiedError
	require.True(t, stderrors.As(err, &ce))
	assert.Equal(t, "Store", ce.Component)
	assert.Equal(t, "Get", ce.Operation)
}

func TestInvalidBeatsTransientPattern(t *testing.T) {
	// A classified invalid error whose message contains "connection"
	// must still classify as invalid.
	err := WrapInvalid(stderrors.New("connection string malformed"), "c", "m", "a")
	assert.Equal(t, ErrorInvalid, Classify(err))
	assert.False(t, IsTransient(err))
}
