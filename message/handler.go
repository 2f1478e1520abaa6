package message

import "context"

// Handler processes delivered messages. A nil error marks the message
// COMPLETED; a non-nil error hands it to the retry manager. The broker
// guarantees at-least-once invocation per message per consumer group,
// so handlers must tolerate duplicates.
type Handler interface {
	Handle(ctx context.Context, m *Message) error
}

// HandlerFunc adapts a plain function to the Handler interface
type HandlerFunc func(ctx context.Context, m *Message) error

// Handle implements Handler
func (f HandlerFunc) Handle(ctx context.Context, m *Message) error {
	return f(ctx, m)
}

// ErrorHandler is an optional interface a Handler may implement to
// influence the retry decision. Returning false suppresses the retry
// and sends the message straight to the dead-letter path.
type ErrorHandler interface {
	OnError(ctx context.Context, m *Message, err error) bool
}
