package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	cfg := Defaults()
	cfg.Settlement.EscrowURL = "http://escrow.local"
	return cfg
}

func TestDefaultsValidate(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, cfg.Validate())
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := validConfig()
	cfg.LogLevel = "loud"
	cfg.Redis.Addr = ""
	cfg.Auction.CloserBatch = 0
	cfg.Settlement.EscrowURL = ""

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "log_level")
	assert.Contains(t, err.Error(), "redis: addr")
	assert.Contains(t, err.Error(), "closer_batch")
	assert.Contains(t, err.Error(), "escrow_url")
}

func TestValidateRejectsBadIncrement(t *testing.T) {
	cfg := validConfig()
	cfg.Auction.DefaultMinIncrement = "lots"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "default_min_increment")
}

func TestValidateArchiveRequiresS3(t *testing.T) {
	cfg := validConfig()
	cfg.Archive.Enabled = true
	cfg.S3.Enabled = false
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "s3 must be enabled")
}

func TestLoadMergesFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
log_level = "debug"

[auction]
extension_window = "3m"
bid_rate_limit = 5

[settlement]
escrow_url = "http://escrow.local"
`), 0o600))

	t.Setenv("AUCTIOND_POSTGRES_PASSWORD", "hunter2")
	t.Setenv("AUCTIOND_AUCTION_EXTENSION_AMOUNT", "2m")

	cfg, err := Load(path)
	require.NoError(t, err)

	// File values override defaults.
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 3*time.Minute, cfg.Auction.ExtensionWindow.Duration)
	assert.Equal(t, 5, cfg.Auction.BidRateLimit)

	// Defaults survive where the file says nothing.
	assert.Equal(t, 5*time.Second, cfg.Auction.CloserInterval.Duration)

	// Environment wins over both.
	assert.Equal(t, "hunter2", cfg.Postgres.Password)
	assert.Equal(t, 2*time.Minute, cfg.Auction.ExtensionAmount.Duration)

	require.NoError(t, cfg.Validate())
}

func TestRedactedConfigMasksSecrets(t *testing.T) {
	cfg := validConfig()
	cfg.Postgres.Password = "secret"
	cfg.Settlement.APIKey = "key"
	cfg.Notify.TelegramToken = "token"

	redacted := RedactedConfig(&cfg)
	assert.Equal(t, "***", redacted.Postgres.Password)
	assert.Equal(t, "***", redacted.Settlement.APIKey)
	assert.Equal(t, "***", redacted.Notify.TelegramToken)

	// Original is untouched.
	assert.Equal(t, "secret", cfg.Postgres.Password)
}
