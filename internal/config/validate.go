package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

// Validation range constants.
const (
	minMaxAttempts        = 1
	maxMaxAttempts        = 20
	maxAuthRetries        = 3
	maxCapabilityRetries  = 5
	minURLsPerBucket      = 1
	maxURLsPerBucket      = 64
	minParallel           = 1
	maxParallelParts      = 32
	maxParallelUploads    = 64
	minPartBytes          = 5_000_000     // B2 absolute minimum part size
	maxPartBytes          = 5_000_000_000 // B2 maximum part size
	maxTokenLifetime      = 24 * time.Hour
	minConnectTimeout     = 1 * time.Second
	minBreakerCooldown    = 1 * time.Second
	minTokenLifetimeRatio = 2 // refresh_skew must leave at least half the lifetime
)

// Validate checks all configuration values and returns all errors found.
// It accumulates every error rather than stopping at the first, so users
// see a complete report and can fix all issues in one pass.
func Validate(cfg *Config) error {
	var errs []error

	errs = append(errs, validateAccount(&cfg.Account)...)
	errs = append(errs, validateRetry(&cfg.Retry)...)
	errs = append(errs, validateBreaker(&cfg.Breaker)...)
	errs = append(errs, validatePool(&cfg.Pool)...)
	errs = append(errs, validateTransfers(&cfg.Transfers)...)
	errs = append(errs, validateLogging(&cfg.Logging)...)
	errs = append(errs, validateNetwork(&cfg.Network)...)

	return errors.Join(errs...)
}

func validateAccount(a *AccountConfig) []error {
	var errs []error

	if u, err := url.Parse(a.AuthURL); err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		errs = append(errs, fmt.Errorf("account.auth_url: must be an http(s) URL, got %q", a.AuthURL))
	}

	lifetime, err := parseDuration("account.token_lifetime", a.TokenLifetime)
	if err != nil {
		errs = append(errs, err)
	} else if lifetime <= 0 || lifetime > maxTokenLifetime {
		errs = append(errs, fmt.Errorf("account.token_lifetime: must be > 0 and <= %s, got %s",
			maxTokenLifetime, lifetime))
	}

	skew, err := parseDuration("account.refresh_skew", a.RefreshSkew)
	if err != nil {
		errs = append(errs, err)
	} else if skew < 0 {
		errs = append(errs, fmt.Errorf("account.refresh_skew: must be >= 0, got %s", skew))
	} else if lifetime > 0 && skew*minTokenLifetimeRatio > lifetime {
		errs = append(errs, fmt.Errorf("account.refresh_skew: must be at most half of token_lifetime, got %s", skew))
	}

	return errs
}

func validateRetry(r *RetryConfig) []error {
	var errs []error

	errs = append(errs, validateIntRange("retry.max_attempts", r.MaxAttempts, minMaxAttempts, maxMaxAttempts)...)
	errs = append(errs, validateIntRange("retry.max_auth_retries", r.MaxAuthRetries, 0, maxAuthRetries)...)
	errs = append(errs, validateIntRange("retry.max_capability_retries",
		r.MaxCapabilityRetries, 0, maxCapabilityRetries)...)

	base, baseErr := parseDuration("retry.base_backoff", r.BaseBackoff)
	maxB, maxErr := parseDuration("retry.max_backoff", r.MaxBackoff)

	switch {
	case baseErr != nil:
		errs = append(errs, baseErr)
	case base <= 0:
		errs = append(errs, fmt.Errorf("retry.base_backoff: must be > 0, got %s", base))
	}

	switch {
	case maxErr != nil:
		errs = append(errs, maxErr)
	case baseErr == nil && maxB < base:
		errs = append(errs, fmt.Errorf("retry.max_backoff: must be >= base_backoff (%s), got %s", base, maxB))
	}

	errs = append(errs, validateDurationNonNeg("retry.request_timeout", r.RequestTimeout)...)
	errs = append(errs, validateDurationNonNeg("retry.transfer_timeout", r.TransferTimeout)...)

	return errs
}

func validateBreaker(b *BreakerConfig) []error {
	var errs []error

	if b.Threshold < 0 {
		errs = append(errs, fmt.Errorf("breaker.threshold: must be >= 0 (0 disables), got %d", b.Threshold))
	}

	if b.Threshold == 0 {
		return errs
	}

	cooldown, err := parseDuration("breaker.cooldown", b.Cooldown)
	if err != nil {
		errs = append(errs, err)
	} else if cooldown < minBreakerCooldown {
		errs = append(errs, fmt.Errorf("breaker.cooldown: must be >= %s, got %s", minBreakerCooldown, cooldown))
	}

	maxCooldown, err := parseDuration("breaker.max_cooldown", b.MaxCooldown)
	if err != nil {
		errs = append(errs, err)
	} else if maxCooldown < cooldown {
		errs = append(errs, fmt.Errorf("breaker.max_cooldown: must be >= cooldown (%s), got %s",
			cooldown, maxCooldown))
	}

	return errs
}

func validatePool(p *PoolConfig) []error {
	var errs []error

	errs = append(errs, validateIntRange("pool.max_urls_per_bucket",
		p.MaxURLsPerBucket, minURLsPerBucket, maxURLsPerBucket)...)
	errs = append(errs, validateDurationNonNeg("pool.url_idle_timeout", p.URLIdleTimeout)...)

	return errs
}

func validateTransfers(t *TransfersConfig) []error {
	var errs []error

	partSize, err := ParseSize(t.PartSize)
	if err != nil {
		errs = append(errs, fmt.Errorf("transfers.part_size: %w", err))
	} else if partSize != 0 && (partSize < minPartBytes || partSize > maxPartBytes) {
		errs = append(errs, fmt.Errorf("transfers.part_size: must be 0 (account default) or between 5MB and 5GB, got %s",
			t.PartSize))
	}

	threshold, err := ParseSize(t.LargeFileThreshold)
	if err != nil {
		errs = append(errs, fmt.Errorf("transfers.large_file_threshold: %w", err))
	} else if threshold != 0 && partSize > 0 && threshold < partSize {
		errs = append(errs, fmt.Errorf("transfers.large_file_threshold: must be 0 or >= part_size, got %s",
			t.LargeFileThreshold))
	}

	errs = append(errs, validateIntRange("transfers.parallel_parts", t.ParallelParts, minParallel, maxParallelParts)...)
	errs = append(errs, validateIntRange("transfers.parallel_uploads",
		t.ParallelUploads, minParallel, maxParallelUploads)...)

	if _, err := ParseRate(t.BandwidthLimit); err != nil {
		errs = append(errs, fmt.Errorf("transfers.bandwidth_limit: %w", err))
	}

	if !validFinishVerify[t.FinishVerify] {
		errs = append(errs, fmt.Errorf("transfers.finish_verify: must be one of trust, length, parts; got %q",
			t.FinishVerify))
	}

	return errs
}

var validFinishVerify = map[string]bool{
	"trust":  true,
	"length": true,
	"parts":  true,
}

func validateLogging(l *LoggingConfig) []error {
	var errs []error

	errs = append(errs, validateLogLevel(l.LogLevel)...)
	errs = append(errs, validateLogFormat(l.LogFormat)...)

	return errs
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

func validateLogLevel(level string) []error {
	if !validLogLevels[level] {
		return []error{fmt.Errorf("logging.log_level: must be one of debug, info, warn, error; got %q", level)}
	}

	return nil
}

var validLogFormats = map[string]bool{
	"auto": true,
	"text": true,
	"json": true,
}

func validateLogFormat(format string) []error {
	if !validLogFormats[format] {
		return []error{fmt.Errorf("logging.log_format: must be one of auto, text, json; got %q", format)}
	}

	return nil
}

func validateNetwork(n *NetworkConfig) []error {
	d, err := parseDuration("network.connect_timeout", n.ConnectTimeout)
	if err != nil {
		return []error{err}
	}

	if d < minConnectTimeout {
		return []error{fmt.Errorf("network.connect_timeout: must be >= %s, got %s", minConnectTimeout, d)}
	}

	return nil
}

func validateIntRange(field string, v, lo, hi int) []error {
	if v < lo || v > hi {
		return []error{fmt.Errorf("%s: must be between %d and %d, got %d", field, lo, hi, v)}
	}

	return nil
}

// parseDuration accepts Go duration syntax; "0" is zero.
func parseDuration(field, value string) (time.Duration, error) {
	if value == "0" {
		return 0, nil
	}

	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", field, value, err)
	}

	return d, nil
}

func validateDurationNonNeg(field, value string) []error {
	d, err := parseDuration(field, value)
	if err != nil {
		return []error{err}
	}

	if d < 0 {
		return []error{fmt.Errorf("%s: must be >= 0, got %s", field, d)}
	}

	return nil
}
