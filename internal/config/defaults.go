package config

// Default values for configuration options. These represent "layer 0" of the
// override chain and are chosen so that a key ID and application key are the
// only required settings.
const (
	defaultAuthURL              = "https://api.backblazeb2.com"
	defaultTokenLifetime        = "24h"
	defaultRefreshSkew          = "5m"
	defaultMaxAttempts          = 5
	defaultBaseBackoff          = "1s"
	defaultMaxBackoff           = "60s"
	defaultMaxAuthRetries       = 1
	defaultMaxCapabilityRetries = 1
	defaultRequestTimeout       = "30s"
	defaultTransferTimeout      = "0"
	defaultBreakerThreshold     = 5
	defaultBreakerCooldown      = "30s"
	defaultBreakerMaxCooldown   = "5m"
	defaultMaxURLsPerBucket     = 4
	defaultURLIdleTimeout       = "20h"
	defaultPartSize             = "0"
	defaultLargeFileThreshold   = "0"
	defaultParallelParts        = 4
	defaultParallelUploads      = 4
	defaultBandwidthLimit       = "0"
	defaultFinishVerify         = "length"
	defaultResumeLargeFiles     = false
	defaultLogLevel             = "info"
	defaultLogFormat            = "auto"
	defaultConnectTimeout       = "10s"
)

// DefaultConfig returns a Config populated with all default values.
// This is used both as the starting point for TOML decoding (so unset
// fields retain defaults) and as the fallback when no config file exists.
func DefaultConfig() *Config {
	return &Config{
		Account: AccountConfig{
			AuthURL:       defaultAuthURL,
			TokenLifetime: defaultTokenLifetime,
			RefreshSkew:   defaultRefreshSkew,
		},
		Retry: RetryConfig{
			MaxAttempts:          defaultMaxAttempts,
			BaseBackoff:          defaultBaseBackoff,
			MaxBackoff:           defaultMaxBackoff,
			MaxAuthRetries:       defaultMaxAuthRetries,
			MaxCapabilityRetries: defaultMaxCapabilityRetries,
			RequestTimeout:       defaultRequestTimeout,
			TransferTimeout:      defaultTransferTimeout,
		},
		Breaker: BreakerConfig{
			Threshold:   defaultBreakerThreshold,
			Cooldown:    defaultBreakerCooldown,
			MaxCooldown: defaultBreakerMaxCooldown,
		},
		Pool: PoolConfig{
			Enabled:          true,
			MaxURLsPerBucket: defaultMaxURLsPerBucket,
			URLIdleTimeout:   defaultURLIdleTimeout,
		},
		Transfers: TransfersConfig{
			PartSize:           defaultPartSize,
			LargeFileThreshold: defaultLargeFileThreshold,
			ParallelParts:      defaultParallelParts,
			ParallelUploads:    defaultParallelUploads,
			BandwidthLimit:     defaultBandwidthLimit,
			FinishVerify:       defaultFinishVerify,
			ResumeLargeFiles:   defaultResumeLargeFiles,
		},
		Logging: LoggingConfig{
			LogLevel:  defaultLogLevel,
			LogFormat: defaultLogFormat,
		},
		Network: NetworkConfig{
			ConnectTimeout: defaultConnectTimeout,
		},
	}
}
