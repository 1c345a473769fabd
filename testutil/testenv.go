// Package testutil provides shared test environment helpers for E2E and
// integration tests. It depends only on stdlib so that E2E tests (which
// cannot import internal/) can use it.
package testutil

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// TestBucketPrefix is the name prefix every test bucket must carry. Tests
// upload and delete files freely, so they refuse to run against anything else.
const TestBucketPrefix = "b2go-test-"

// LoadDotEnv reads KEY=VALUE pairs from a .env file at the given path.
// Missing file is not an error (CI sets env vars directly).
// Existing env vars take precedence over .env values.
func LoadDotEnv(envPath string) {
	f, err := os.Open(envPath)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}

		key = strings.TrimSpace(key)
		value = strings.Trim(strings.TrimSpace(value), "\"'")

		if os.Getenv(key) == "" {
			os.Setenv(key, value)
		}
	}
}

// RequireTestBucket returns the bucket named by B2_TEST_BUCKET and crashes
// the process when it is unset, lacks TestBucketPrefix, or the key variables
// are missing.
func RequireTestBucket() string {
	for _, v := range []string{"B2_APPLICATION_KEY_ID", "B2_APPLICATION_KEY", "B2_TEST_BUCKET"} {
		if os.Getenv(v) == "" {
			fmt.Fprintf(os.Stderr, "FATAL: %s not set\n", v)
			fmt.Fprintln(os.Stderr, "Set it in .env or as an environment variable.")
			os.Exit(1)
		}
	}

	bucket := os.Getenv("B2_TEST_BUCKET")
	if !strings.HasPrefix(bucket, TestBucketPrefix) {
		fmt.Fprintf(os.Stderr, "FATAL: B2_TEST_BUCKET=%q must start with %q\n", bucket, TestBucketPrefix)
		os.Exit(1)
	}

	return bucket
}

// FindModuleRoot walks up from the current directory to find go.mod.
// Returns the fallback if the root is not found.
func FindModuleRoot(fallback string) string {
	dir, err := os.Getwd()
	if err != nil {
		return fallback
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return fallback
		}

		dir = parent
	}
}
