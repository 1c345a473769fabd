package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/BurntSushi/toml"
)

// Load reads and parses a TOML config file, validates it, and returns the
// resulting Config. Unknown keys are treated as fatal errors with "did you
// mean?" suggestions.
func Load(path string, logger *slog.Logger) (*Config, error) {
	if logger == nil {
		logger = slog.Default()
	}

	cfg := DefaultConfig()

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if err := checkUnknownKeys(&md); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	logger.Debug("loaded config file", slog.String("path", path))

	return cfg, nil
}

// LoadOrDefault reads a TOML config file if it exists, otherwise returns
// a Config populated with all default values.
func LoadOrDefault(path string, logger *slog.Logger) (*Config, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		logger.Debug("config file not found, using defaults", slog.String("path", path))

		return DefaultConfig(), nil
	}

	return Load(path, logger)
}

// Resolve loads configuration and applies the four-layer override chain:
// defaults -> config file -> environment variables -> CLI flags.
// It returns the path it read alongside the validated result.
func Resolve(env EnvOverrides, cli CLIOverrides, logger *slog.Logger) (*Config, string, error) {
	if logger == nil {
		logger = slog.Default()
	}

	// Config path: CLI > env > default.
	cfgPath := DefaultConfigPath()
	if env.ConfigPath != "" {
		cfgPath = env.ConfigPath
	}

	if cli.ConfigPath != "" {
		cfgPath = cli.ConfigPath
	}

	cfg, err := LoadOrDefault(cfgPath, logger)
	if err != nil {
		return nil, cfgPath, err
	}

	// Credentials from the environment win over the file.
	if env.KeyID != "" {
		cfg.Account.KeyID = env.KeyID
	}

	if env.ApplicationKey != "" {
		cfg.Account.ApplicationKey = env.ApplicationKey
	}

	if cli.BandwidthLimit != nil {
		cfg.Transfers.BandwidthLimit = *cli.BandwidthLimit
	}

	if cli.ParallelParts != nil {
		cfg.Transfers.ParallelParts = *cli.ParallelParts
	}

	if cli.NoPool != nil && *cli.NoPool {
		cfg.Pool.Enabled = false
	}

	if err := Validate(cfg); err != nil {
		return nil, cfgPath, fmt.Errorf("config validation: %w", err)
	}

	return cfg, cfgPath, nil
}

// RequireCredentials reports a descriptive error when no key is configured.
// Commands that never talk to B2 (config show, config init) skip this check.
func (c *Config) RequireCredentials() error {
	var errs []error

	if c.Account.KeyID == "" {
		errs = append(errs, fmt.Errorf("account.key_id: not set (config file or %s)", EnvKeyID))
	}

	if c.Account.ApplicationKey == "" {
		errs = append(errs, fmt.Errorf("account.application_key: not set (config file or %s)", EnvApplicationKey))
	}

	return errors.Join(errs...)
}
