package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/docrelay/errors"
)

func TestDefaultsAreValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, DefaultNATSURL, cfg.NATS.URL)
	assert.Equal(t, DefaultMessageTTL, cfg.Broker.MessageTTL.Std())
	assert.Equal(t, DefaultRetryDelay, cfg.Broker.RetryDelay.Std())
	assert.Equal(t, DefaultMaxRetries, cfg.Broker.MaxRetries)
	assert.Equal(t, DefaultDeadLetterTTL, cfg.Broker.DeadLetterTTL.Std())
	assert.Equal(t, DefaultFetchBatch, cfg.Broker.FetchBatch)
}

func TestLoadWithoutFileUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultNATSURL, cfg.NATS.URL)
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load("/no/such/config.json")
	assert.Error(t, err)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"nats": {"url": "nats://broker:4222"},
		"broker": {
			"message_ttl": "12h",
			"retry_delay": "10s",
			"max_retries": 5
		}
	}`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "nats://broker:4222", cfg.NATS.URL)
	assert.Equal(t, 12*time.Hour, cfg.Broker.MessageTTL.Std())
	assert.Equal(t, 10*time.Second, cfg.Broker.RetryDelay.Std())
	assert.Equal(t, 5, cfg.Broker.MaxRetries)
	// Untouched fields keep their defaults
	assert.Equal(t, DefaultFetchBatch, cfg.Broker.FetchBatch)
}

func TestEnvOverridesWinOverFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"nats": {"url": "nats://file:4222"}}`), 0o600))

	t.Setenv("DOCRELAY_NATS_URL", "nats://env:4222")
	t.Setenv("DOCRELAY_RETRY_DELAY", "7s")
	t.Setenv("DOCRELAY_MAX_RETRIES", "0")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "nats://env:4222", cfg.NATS.URL)
	assert.Equal(t, 7*time.Second, cfg.Broker.RetryDelay.Std())
	assert.Zero(t, cfg.Broker.MaxRetries)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := Default()
	cfg.NATS.URL = ""
	assert.ErrorIs(t, cfg.Validate(), errors.ErrMissingConfig)

	cfg = Default()
	cfg.Broker.MessageTTL = 0
	assert.ErrorIs(t, cfg.Validate(), errors.ErrInvalidConfig)

	cfg = Default()
	cfg.Broker.MaxRetries = -1
	assert.ErrorIs(t, cfg.Validate(), errors.ErrInvalidConfig)

	cfg = Default()
	cfg.Server.HTTPPort = 70000
	assert.ErrorIs(t, cfg.Validate(), errors.ErrInvalidConfig)
}

func TestDurationJSONRoundTrip(t *testing.T) {
	d := Duration(90 * time.Second)
	data, err := d.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"1m30s"`, string(data))

	var parsed Duration
	require.NoError(t, parsed.UnmarshalJSON([]byte(`"15m"`)))
	assert.Equal(t, 15*time.Minute, parsed.Std())

	require.NoError(t, parsed.UnmarshalJSON([]byte(`1000000000`)))
	assert.Equal(t, time.Second, parsed.Std())

	assert.Error(t, parsed.UnmarshalJSON([]byte(`"bogus"`)))
	assert.Error(t, parsed.UnmarshalJSON([]byte(`true`)))
}
