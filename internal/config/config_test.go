package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_AllFieldsPopulated(t *testing.T) {
	cfg := DefaultConfig()
	require.NotNil(t, cfg)

	// Account defaults
	assert.Empty(t, cfg.Account.KeyID)
	assert.Empty(t, cfg.Account.ApplicationKey)
	assert.Equal(t, "https://api.backblazeb2.com", cfg.Account.AuthURL)
	assert.Equal(t, "24h", cfg.Account.TokenLifetime)
	assert.Equal(t, "5m", cfg.Account.RefreshSkew)

	// Retry defaults
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
	assert.Equal(t, "1s", cfg.Retry.BaseBackoff)
	assert.Equal(t, "60s", cfg.Retry.MaxBackoff)
	assert.Equal(t, 1, cfg.Retry.MaxAuthRetries)
	assert.Equal(t, 1, cfg.Retry.MaxCapabilityRetries)

	// Breaker defaults
	assert.Equal(t, 5, cfg.Breaker.Threshold)
	assert.Equal(t, "30s", cfg.Breaker.Cooldown)
	assert.Equal(t, "5m", cfg.Breaker.MaxCooldown)

	// Pool defaults
	assert.True(t, cfg.Pool.Enabled)
	assert.Equal(t, 4, cfg.Pool.MaxURLsPerBucket)

	// Transfers defaults
	assert.Equal(t, 4, cfg.Transfers.ParallelParts)
	assert.Equal(t, "0", cfg.Transfers.BandwidthLimit)
	assert.Equal(t, "length", cfg.Transfers.FinishVerify)
	assert.False(t, cfg.Transfers.ResumeLargeFiles)

	// Logging and network defaults
	assert.Equal(t, "info", cfg.Logging.LogLevel)
	assert.Equal(t, "auto", cfg.Logging.LogFormat)
	assert.Equal(t, "10s", cfg.Network.ConnectTimeout)
}

func TestDefaultConfig_Valid(t *testing.T) {
	require.NoError(t, Validate(DefaultConfig()))
}

func TestConfig_ParsedAccessors(t *testing.T) {
	cfg := DefaultConfig()

	base, maxBackoff, request, transfer := cfg.Retry.Durations()
	assert.Equal(t, time.Second, base)
	assert.Equal(t, time.Minute, maxBackoff)
	assert.Equal(t, 30*time.Second, request)
	assert.Zero(t, transfer)

	cooldown, maxCooldown := cfg.Breaker.Durations()
	assert.Equal(t, 30*time.Second, cooldown)
	assert.Equal(t, 5*time.Minute, maxCooldown)

	lifetime, skew := cfg.Account.Durations()
	assert.Equal(t, 24*time.Hour, lifetime)
	assert.Equal(t, 5*time.Minute, skew)

	assert.Equal(t, 20*time.Hour, cfg.Pool.IdleTimeout())
	assert.Equal(t, 10*time.Second, cfg.Network.Timeout())

	cfg.Transfers.PartSize = "100MB"
	cfg.Transfers.LargeFileThreshold = "200MiB"
	partSize, threshold := cfg.Transfers.Sizes()
	assert.Equal(t, int64(100_000_000), partSize)
	assert.Equal(t, int64(200*1024*1024), threshold)
}

func TestMustDuration_ZeroAndInvalid(t *testing.T) {
	assert.Zero(t, mustDuration(""))
	assert.Zero(t, mustDuration("0"))
	assert.Zero(t, mustDuration("soon"))
	assert.Equal(t, 90*time.Second, mustDuration("1m30s"))
}
