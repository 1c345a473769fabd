package config

import (
	"log/slog"
	"os"
)

// Environment variable names for overrides. The key variables use the names
// the official B2 command line tool reads.
const (
	EnvConfig         = "B2_GO_CONFIG"
	EnvKeyID          = "B2_APPLICATION_KEY_ID"
	EnvApplicationKey = "B2_APPLICATION_KEY"
)

// EnvOverrides holds values derived from environment variables.
type EnvOverrides struct {
	ConfigPath     string // B2_GO_CONFIG: override config file path
	KeyID          string // B2_APPLICATION_KEY_ID
	ApplicationKey string // B2_APPLICATION_KEY; never logged
}

// ReadEnvOverrides reads environment variables and returns any overrides found.
// This does not modify the Config; Resolve applies the relevant fields.
func ReadEnvOverrides(logger *slog.Logger) EnvOverrides {
	if logger == nil {
		logger = slog.Default()
	}

	env := EnvOverrides{
		ConfigPath:     os.Getenv(EnvConfig),
		KeyID:          os.Getenv(EnvKeyID),
		ApplicationKey: os.Getenv(EnvApplicationKey),
	}

	logger.Debug("read environment overrides",
		slog.String("config_path", env.ConfigPath),
		slog.Bool("key_id_set", env.KeyID != ""),
		slog.Bool("application_key_set", env.ApplicationKey != ""),
	)

	return env
}
