package broker

import (
	"log/slog"
	"time"

	"github.com/c360/docrelay/metric"
)

// Defaults applied when options are not given
const (
	DefaultMessageTTL    = 24 * time.Hour
	DefaultDeadLetterTTL = 168 * time.Hour
	DefaultFetchBatch    = 32
	DefaultFetchTimeout  = 5 * time.Second
)

// Option is a functional option for configuring the Broker
type Option func(*Broker) error

// WithLogger sets the structured logger. nil falls back to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(b *Broker) error {
		if logger != nil {
			b.logger = logger
		}
		return nil
	}
}

// WithMetrics records broker metrics on the given metrics set
func WithMetrics(m *metric.Metrics) Option {
	return func(b *Broker) error {
		b.metrics = m
		return nil
	}
}

// WithMessageTTL sets the default message expiry window applied to
// publishes that carry no TTL of their own
func WithMessageTTL(ttl time.Duration) Option {
	return func(b *Broker) error {
		if ttl > 0 {
			b.messageTTL = ttl
		}
		return nil
	}
}

// WithDeadLetterTTL sets the retention of dead-letter records
func WithDeadLetterTTL(ttl time.Duration) Option {
	return func(b *Broker) error {
		if ttl > 0 {
			b.deadLetterTTL = ttl
		}
		return nil
	}
}

// WithFetchBatch sets the number of stream entries a reader pulls per fetch
func WithFetchBatch(n int) Option {
	return func(b *Broker) error {
		if n > 0 {
			b.fetchBatch = n
		}
		return nil
	}
}

// WithFetchTimeout sets the max wait of an empty fetch before the
// reader re-checks its context
func WithFetchTimeout(d time.Duration) Option {
	return func(b *Broker) error {
		if d > 0 {
			b.fetchTimeout = d
		}
		return nil
	}
}
