// Package config loads the daemon configuration from a JSON file with
// DOCRELAY_* environment overrides layered on top.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/c360/docrelay/errors"
)

// Defaults
const (
	DefaultNATSURL       = "nats://localhost:4222"
	DefaultMessageTTL    = 24 * time.Hour
	DefaultRetryDelay    = 30 * time.Second
	DefaultMaxRetries    = 3
	DefaultDeadLetterTTL = 168 * time.Hour
	DefaultFetchBatch    = 32
	DefaultFetchTimeout  = 5 * time.Second
	DefaultSweepInterval = time.Hour
	DefaultHTTPPort      = 8080
)

// Duration wraps time.Duration for JSON configs, accepting either a
// duration string ("30s") or nanoseconds as a number
type Duration time.Duration

// UnmarshalJSON implements json.Unmarshaler
func (d *Duration) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch value := v.(type) {
	case float64:
		*d = Duration(time.Duration(value))
		return nil
	case string:
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", value, err)
		}
		*d = Duration(parsed)
		return nil
	default:
		return fmt.Errorf("invalid duration value %v", v)
	}
}

// MarshalJSON implements json.Marshaler
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Std returns the wrapped time.Duration
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// NATSConfig is the backend connection configuration
type NATSConfig struct {
	URL      string `json:"url"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	Token    string `json:"token,omitempty"`
}

// BrokerConfig tunes message retention and delivery
type BrokerConfig struct {
	MessageTTL    Duration `json:"message_ttl"`
	RetryDelay    Duration `json:"retry_delay"`
	MaxRetries    int      `json:"max_retries"`
	DeadLetterTTL Duration `json:"dead_letter_ttl"`
	FetchBatch    int      `json:"fetch_batch"`
	FetchTimeout  Duration `json:"fetch_timeout"`
}

// ServerConfig configures the daemon's HTTP surface (/metrics, /healthz)
type ServerConfig struct {
	HTTPPort      int      `json:"http_port"`
	SweepInterval Duration `json:"sweep_interval"`
}

// Config is the complete daemon configuration
type Config struct {
	NATS   NATSConfig   `json:"nats"`
	Broker BrokerConfig `json:"broker"`
	Server ServerConfig `json:"server"`
}

// Default returns a configuration with every field at its default
func Default() *Config {
	return &Config{
		NATS: NATSConfig{
			URL: DefaultNATSURL,
		},
		Broker: BrokerConfig{
			MessageTTL:    Duration(DefaultMessageTTL),
			RetryDelay:    Duration(DefaultRetryDelay),
			MaxRetries:    DefaultMaxRetries,
			DeadLetterTTL: Duration(DefaultDeadLetterTTL),
			FetchBatch:    DefaultFetchBatch,
			FetchTimeout:  Duration(DefaultFetchTimeout),
		},
		Server: ServerConfig{
			HTTPPort:      DefaultHTTPPort,
			SweepInterval: Duration(DefaultSweepInterval),
		},
	}
}

// Load reads the config file at path (optional; empty path uses
// defaults), applies DOCRELAY_* environment overrides and validates.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.WrapInvalid(err, "Config", "Load", "read config file")
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, errors.WrapInvalid(err, "Config", "Load", "parse config file")
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyEnvOverrides layers DOCRELAY_* environment variables on top of
// the file values. Unparseable values are ignored in favor of the
// current ones.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("DOCRELAY_NATS_URL"); v != "" {
		c.NATS.URL = v
	}
	if v := os.Getenv("DOCRELAY_NATS_USERNAME"); v != "" {
		c.NATS.Username = v
	}
	if v := os.Getenv("DOCRELAY_NATS_PASSWORD"); v != "" {
		c.NATS.Password = v
	}
	if v := os.Getenv("DOCRELAY_NATS_TOKEN"); v != "" {
		c.NATS.Token = v
	}

	if v := envDuration("DOCRELAY_MESSAGE_TTL"); v > 0 {
		c.Broker.MessageTTL = Duration(v)
	}
	if v := envDuration("DOCRELAY_RETRY_DELAY"); v > 0 {
		c.Broker.RetryDelay = Duration(v)
	}
	if v := envInt("DOCRELAY_MAX_RETRIES"); v >= 0 {
		c.Broker.MaxRetries = v
	}
	if v := envDuration("DOCRELAY_DEAD_LETTER_TTL"); v > 0 {
		c.Broker.DeadLetterTTL = Duration(v)
	}
	if v := envInt("DOCRELAY_FETCH_BATCH"); v > 0 {
		c.Broker.FetchBatch = v
	}
	if v := envDuration("DOCRELAY_FETCH_TIMEOUT"); v > 0 {
		c.Broker.FetchTimeout = Duration(v)
	}

	if v := envInt("DOCRELAY_HTTP_PORT"); v > 0 {
		c.Server.HTTPPort = v
	}
	if v := envDuration("DOCRELAY_SWEEP_INTERVAL"); v > 0 {
		c.Server.SweepInterval = Duration(v)
	}
}

func envDuration(key string) time.Duration {
	if v := os.Getenv(key); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			return parsed
		}
	}
	return 0
}

func envInt(key string) int {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return -1
}

// Validate checks the configuration for usable values
func (c *Config) Validate() error {
	if c.NATS.URL == "" {
		return errors.WrapInvalid(
			fmt.Errorf("%w: nats.url", errors.ErrMissingConfig),
			"Config", "Validate", "check NATS URL")
	}
	if c.Broker.MessageTTL <= 0 {
		return invalidField("broker.message_ttl")
	}
	if c.Broker.RetryDelay <= 0 {
		return invalidField("broker.retry_delay")
	}
	if c.Broker.MaxRetries < 0 {
		return invalidField("broker.max_retries")
	}
	if c.Broker.DeadLetterTTL <= 0 {
		return invalidField("broker.dead_letter_ttl")
	}
	if c.Broker.FetchBatch <= 0 {
		return invalidField("broker.fetch_batch")
	}
	if c.Broker.FetchTimeout <= 0 {
		return invalidField("broker.fetch_timeout")
	}
	if c.Server.HTTPPort < 0 || c.Server.HTTPPort > 65535 {
		return invalidField("server.http_port")
	}
	if c.Server.SweepInterval <= 0 {
		return invalidField("server.sweep_interval")
	}
	return nil
}

func invalidField(field string) error {
	return errors.WrapInvalid(
		fmt.Errorf("%w: %s", errors.ErrInvalidConfig, field),
		"Config", "Validate", "check "+field)
}
