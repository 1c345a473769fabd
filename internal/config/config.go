// Package config implements TOML configuration loading, validation, and
// platform-specific path resolution for b2-go. It supports a four-layer
// override chain (defaults -> config file -> environment -> CLI flags).
package config

import "time"

// Config is the top-level configuration structure parsed from a TOML file.
// Every section is optional; unset fields keep their defaults.
type Config struct {
	Account   AccountConfig   `toml:"account"`
	Retry     RetryConfig     `toml:"retry"`
	Breaker   BreakerConfig   `toml:"breaker"`
	Pool      PoolConfig      `toml:"pool"`
	Transfers TransfersConfig `toml:"transfers"`
	Logging   LoggingConfig   `toml:"logging"`
	Network   NetworkConfig   `toml:"network"`
}

// AccountConfig holds the application key and authorization lifetime.
// The key is better supplied through B2_APPLICATION_KEY than written to disk.
type AccountConfig struct {
	KeyID          string `toml:"key_id"`
	ApplicationKey string `toml:"application_key"`
	AuthURL        string `toml:"auth_url"`
	TokenLifetime  string `toml:"token_lifetime"`
	RefreshSkew    string `toml:"refresh_skew"`
}

// RetryConfig bounds how many times one operation is attempted and how long
// each attempt may take.
type RetryConfig struct {
	MaxAttempts          int    `toml:"max_attempts"`
	BaseBackoff          string `toml:"base_backoff"`
	MaxBackoff           string `toml:"max_backoff"`
	MaxAuthRetries       int    `toml:"max_auth_retries"`
	MaxCapabilityRetries int    `toml:"max_capability_retries"`
	RequestTimeout       string `toml:"request_timeout"`
	TransferTimeout      string `toml:"transfer_timeout"`
}

// BreakerConfig configures the per-endpoint-group circuit breakers.
// A threshold of 0 disables them.
type BreakerConfig struct {
	Threshold   int    `toml:"threshold"`
	Cooldown    string `toml:"cooldown"`
	MaxCooldown string `toml:"max_cooldown"`
}

// PoolConfig controls upload URL reuse.
type PoolConfig struct {
	Enabled          bool   `toml:"enabled"`
	MaxURLsPerBucket int    `toml:"max_urls_per_bucket"`
	URLIdleTimeout   string `toml:"url_idle_timeout"`
}

// TransfersConfig controls part sizing, parallelism, bandwidth limits and
// how strictly a finished large file is verified.
type TransfersConfig struct {
	PartSize           string `toml:"part_size"`
	LargeFileThreshold string `toml:"large_file_threshold"`
	ParallelParts      int    `toml:"parallel_parts"`
	ParallelUploads    int    `toml:"parallel_uploads"`
	BandwidthLimit     string `toml:"bandwidth_limit"`
	FinishVerify       string `toml:"finish_verify"`
	ResumeLargeFiles   bool   `toml:"resume_large_files"`
}

// LoggingConfig controls log output behavior.
type LoggingConfig struct {
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`
}

// NetworkConfig controls HTTP client behavior.
type NetworkConfig struct {
	ConnectTimeout string `toml:"connect_timeout"`
	UserAgent      string `toml:"user_agent"`
}

// CLIOverrides holds values from CLI flags that override config file and
// environment settings. Pointer fields distinguish "not specified" (nil)
// from "explicitly set to zero value".
type CLIOverrides struct {
	ConfigPath     string  // --config flag (empty = use default)
	BandwidthLimit *string // --bwlimit flag
	ParallelParts  *int    // --parallel-parts flag
	NoPool         *bool   // --no-pool flag
}

// mustDuration parses a duration string that Validate has already accepted.
// "0" and "" are zero.
func mustDuration(s string) time.Duration {
	if s == "" || s == "0" {
		return 0
	}

	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}

	return d
}

// Durations returns the parsed retry timing values.
func (r *RetryConfig) Durations() (base, maxBackoff, request, transfer time.Duration) {
	return mustDuration(r.BaseBackoff), mustDuration(r.MaxBackoff),
		mustDuration(r.RequestTimeout), mustDuration(r.TransferTimeout)
}

// Durations returns the parsed cooldown values.
func (b *BreakerConfig) Durations() (cooldown, maxCooldown time.Duration) {
	return mustDuration(b.Cooldown), mustDuration(b.MaxCooldown)
}

// IdleTimeout returns the parsed url_idle_timeout.
func (p *PoolConfig) IdleTimeout() time.Duration {
	return mustDuration(p.URLIdleTimeout)
}

// Durations returns the parsed token lifetime and refresh skew.
func (a *AccountConfig) Durations() (lifetime, skew time.Duration) {
	return mustDuration(a.TokenLifetime), mustDuration(a.RefreshSkew)
}

// Timeout returns the parsed connect_timeout.
func (n *NetworkConfig) Timeout() time.Duration {
	return mustDuration(n.ConnectTimeout)
}

// Sizes returns the parsed part size and large-file threshold in bytes.
func (t *TransfersConfig) Sizes() (partSize, threshold int64) {
	partSize, _ = ParseSize(t.PartSize)
	threshold, _ = ParseSize(t.LargeFileThreshold)

	return partSize, threshold
}
