package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
)

// maxLevenshteinDistance is the maximum edit distance for "did you mean?"
// suggestions when unknown config keys are detected.
const maxLevenshteinDistance = 3

// knownSectionKeys lists the valid keys of every config section.
var knownSectionKeys = map[string][]string{
	"account": {"key_id", "application_key", "auth_url", "token_lifetime", "refresh_skew"},
	"retry": {
		"max_attempts", "base_backoff", "max_backoff", "max_auth_retries",
		"max_capability_retries", "request_timeout", "transfer_timeout",
	},
	"breaker": {"threshold", "cooldown", "max_cooldown"},
	"pool":    {"enabled", "max_urls_per_bucket", "url_idle_timeout"},
	"transfers": {
		"part_size", "large_file_threshold", "parallel_parts", "parallel_uploads",
		"bandwidth_limit", "finish_verify", "resume_large_files",
	},
	"logging": {"log_level", "log_format"},
	"network": {"connect_timeout", "user_agent"},
}

// knownSections is the sorted list of section names for Levenshtein matching.
var knownSections = func() []string {
	names := make([]string, 0, len(knownSectionKeys))
	for k := range knownSectionKeys {
		names = append(names, k)
	}

	sort.Strings(names)

	return names
}()

// keyOwners maps a leaf key to the section it belongs in, so a key written at
// the top level gets a "belongs in [section]" hint.
var keyOwners = func() map[string]string {
	owners := make(map[string]string)
	for section, keys := range knownSectionKeys {
		for _, k := range keys {
			owners[k] = section
		}
	}

	return owners
}()

// checkUnknownKeys inspects TOML metadata for undecoded keys and returns
// an error with "did you mean?" suggestions for each unknown key.
func checkUnknownKeys(md *toml.MetaData) error {
	undecoded := md.Undecoded()
	if len(undecoded) == 0 {
		return nil
	}

	var errs []error

	seen := make(map[string]bool)

	for _, key := range undecoded {
		err := buildKeyError(key)
		if err == nil || seen[err.Error()] {
			continue
		}

		seen[err.Error()] = true
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// buildKeyError creates a descriptive error for an unknown key, optionally
// suggesting the closest known section or key.
func buildKeyError(key toml.Key) error {
	if len(key) == 0 {
		return nil
	}

	section := key[0]

	keys, ok := knownSectionKeys[section]
	if !ok {
		if len(key) == 1 {
			if owner, found := keyOwners[section]; found {
				return fmt.Errorf("config key %q must be inside the [%s] section", section, owner)
			}
		}

		if suggestion := closestMatch(section, knownSections); suggestion != "" {
			return fmt.Errorf("unknown config section %q: did you mean %q?", section, suggestion)
		}

		return fmt.Errorf("unknown config section %q", section)
	}

	if len(key) < 2 {
		return fmt.Errorf("config section %q must be a table", section)
	}

	field := key[1]
	full := strings.Join([]string{section, field}, ".")

	if suggestion := closestMatch(field, keys); suggestion != "" {
		return fmt.Errorf("unknown config key %q: did you mean %q?", full, section+"."+suggestion)
	}

	return fmt.Errorf("unknown config key %q", full)
}

// closestMatch finds the closest known key by Levenshtein distance.
// Returns empty string if no match is within maxLevenshteinDistance.
func closestMatch(unknown string, known []string) string {
	best := ""
	bestDist := maxLevenshteinDistance + 1

	for _, k := range known {
		d := levenshtein(unknown, k)
		if d < bestDist {
			bestDist = d
			best = k
		}
	}

	if bestDist <= maxLevenshteinDistance {
		return best
	}

	return ""
}

// levenshtein computes the edit distance between two strings.
func levenshtein(a, b string) int {
	if a == "" {
		return len(b)
	}

	if b == "" {
		return len(a)
	}

	// Single-row optimization avoids allocating a full matrix.
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)

	for j := range prev {
		prev[j] = j
	}

	for i := range len(a) {
		curr[0] = i + 1

		for j := range len(b) {
			cost := 1
			if a[i] == b[j] {
				cost = 0
			}

			curr[j+1] = min(curr[j]+1, prev[j+1]+1, prev[j]+cost)
		}

		prev, curr = curr, prev
	}

	return prev[len(b)]
}
