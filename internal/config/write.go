package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// configFilePermissions is owner read/write only: the file may hold an
// application key.
const configFilePermissions = 0o600

// configDirPermissions is the standard permission mode for config directories.
const configDirPermissions = 0o700

// ErrConfigExists is returned by WriteTemplate when the target already exists.
var ErrConfigExists = errors.New("config: file already exists")

// configTemplate is the config file written by "config init". Every setting
// is present as a commented-out default so users can discover each option
// without reading docs.
const configTemplate = `# b2-go configuration
# Credentials are read from B2_APPLICATION_KEY_ID / B2_APPLICATION_KEY when set.

[account]
key_id = %q
# application_key = ""
# auth_url = "https://api.backblazeb2.com"
# token_lifetime = "24h"
# refresh_skew = "5m"

[retry]
# max_attempts = 5
# base_backoff = "1s"
# max_backoff = "60s"
# max_auth_retries = 1
# max_capability_retries = 1
# request_timeout = "30s"
# transfer_timeout = "0"

[breaker]
# threshold = 5
# cooldown = "30s"
# max_cooldown = "5m"

[pool]
# enabled = true
# max_urls_per_bucket = 4
# url_idle_timeout = "20h"

[transfers]
# part_size = "0"              # 0 = the account's recommended part size
# large_file_threshold = "0"   # 0 = twice the part size
# parallel_parts = 4
# parallel_uploads = 4
# bandwidth_limit = "0"        # e.g. "5MB/s"
# finish_verify = "length"     # trust, length, parts
# resume_large_files = false  # keep interrupted large uploads for the next run

[logging]
# log_level = "info"
# log_format = "auto"

[network]
# connect_timeout = "10s"
# user_agent = ""
`

// WriteTemplate creates a commented config file at path holding keyID.
// It refuses to overwrite an existing file.
func WriteTemplate(path, keyID string, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%w: %s", ErrConfigExists, path)
	}

	logger.Info("creating config file", slog.String("path", path))

	return atomicWriteFile(path, []byte(fmt.Sprintf(configTemplate, keyID)))
}

// atomicWriteFile writes data to a temp file in the same directory and
// renames it over path, creating parent directories as needed.
func atomicWriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, configDirPermissions); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	f, err := os.CreateTemp(dir, ".config-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}

	tempPath := f.Name()

	// Clean up the temp file on any error path.
	succeeded := false
	defer func() {
		if !succeeded {
			os.Remove(tempPath)
		}
	}()

	if _, err := f.Write(data); err != nil {
		f.Close()

		return fmt.Errorf("writing temp file: %w", err)
	}

	if err := f.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Chmod(tempPath, configFilePermissions); err != nil {
		return fmt.Errorf("setting file permissions: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}

	succeeded = true

	return nil
}
