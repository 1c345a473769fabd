package config

import (
	"fmt"
	"io"
)

// redacted replaces secrets in rendered output.
const redacted = "(set)"

// RenderEffective writes the resolved configuration as a human-readable
// annotated summary to w. This powers the "config show" command. The
// application key is never printed.
func RenderEffective(cfg *Config, path string, w io.Writer) error {
	ew := &errWriter{w: w}

	ew.printf("# Effective configuration (file: %s)\n\n", path)

	renderAccountSection(ew, &cfg.Account)
	renderRetrySection(ew, &cfg.Retry)
	renderBreakerSection(ew, &cfg.Breaker)
	renderPoolSection(ew, &cfg.Pool)
	renderTransfersSection(ew, &cfg.Transfers)
	renderLoggingSection(ew, &cfg.Logging)
	renderNetworkSection(ew, &cfg.Network)

	return ew.err
}

// errWriter wraps an io.Writer and captures the first write error.
// Subsequent writes after an error are no-ops, so callers can chain
// printf calls without checking each one individually.
type errWriter struct {
	w   io.Writer
	err error
}

func (ew *errWriter) printf(format string, args ...any) {
	if ew.err != nil {
		return
	}

	_, ew.err = fmt.Fprintf(ew.w, format, args...)
}

func renderAccountSection(ew *errWriter, a *AccountConfig) {
	ew.printf("[account]\n")
	ew.printf("  key_id          = %q\n", a.KeyID)

	if a.ApplicationKey != "" {
		ew.printf("  application_key = %s\n", redacted)
	}

	ew.printf("  auth_url        = %q\n", a.AuthURL)
	ew.printf("  token_lifetime  = %q\n", a.TokenLifetime)
	ew.printf("  refresh_skew    = %q\n", a.RefreshSkew)
	ew.printf("\n")
}

func renderRetrySection(ew *errWriter, r *RetryConfig) {
	ew.printf("[retry]\n")
	ew.printf("  max_attempts           = %d\n", r.MaxAttempts)
	ew.printf("  base_backoff           = %q\n", r.BaseBackoff)
	ew.printf("  max_backoff            = %q\n", r.MaxBackoff)
	ew.printf("  max_auth_retries       = %d\n", r.MaxAuthRetries)
	ew.printf("  max_capability_retries = %d\n", r.MaxCapabilityRetries)
	ew.printf("  request_timeout        = %q\n", r.RequestTimeout)
	ew.printf("  transfer_timeout       = %q\n", r.TransferTimeout)
	ew.printf("\n")
}

func renderBreakerSection(ew *errWriter, b *BreakerConfig) {
	ew.printf("[breaker]\n")
	ew.printf("  threshold    = %d\n", b.Threshold)
	ew.printf("  cooldown     = %q\n", b.Cooldown)
	ew.printf("  max_cooldown = %q\n", b.MaxCooldown)
	ew.printf("\n")
}

func renderPoolSection(ew *errWriter, p *PoolConfig) {
	ew.printf("[pool]\n")
	ew.printf("  enabled             = %t\n", p.Enabled)
	ew.printf("  max_urls_per_bucket = %d\n", p.MaxURLsPerBucket)
	ew.printf("  url_idle_timeout    = %q\n", p.URLIdleTimeout)
	ew.printf("\n")
}

func renderTransfersSection(ew *errWriter, t *TransfersConfig) {
	ew.printf("[transfers]\n")
	ew.printf("  part_size            = %q\n", t.PartSize)
	ew.printf("  large_file_threshold = %q\n", t.LargeFileThreshold)
	ew.printf("  parallel_parts       = %d\n", t.ParallelParts)
	ew.printf("  parallel_uploads     = %d\n", t.ParallelUploads)
	ew.printf("  bandwidth_limit      = %q\n", t.BandwidthLimit)
	ew.printf("  finish_verify        = %q\n", t.FinishVerify)
	ew.printf("  resume_large_files   = %t\n", t.ResumeLargeFiles)
	ew.printf("\n")
}

func renderLoggingSection(ew *errWriter, l *LoggingConfig) {
	ew.printf("[logging]\n")
	ew.printf("  log_level  = %q\n", l.LogLevel)
	ew.printf("  log_format = %q\n", l.LogFormat)
	ew.printf("\n")
}

func renderNetworkSection(ew *errWriter, n *NetworkConfig) {
	ew.printf("[network]\n")
	ew.printf("  connect_timeout = %q\n", n.ConnectTimeout)

	if n.UserAgent != "" {
		ew.printf("  user_agent      = %q\n", n.UserAgent)
	}
}
