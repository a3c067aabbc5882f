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

// knownKeys lists the valid keys of every config section.
var knownKeys = map[string]map[string]bool{
	"server": {
		"listen": true, "db_path": true, "pid_file": true, "max_push_rows": true,
		"shutdown_timeout": true,
	},
	"pull": {
		"default_limit": true, "max_limit": true, "adaptive_paging": true,
	},
	"crypto": {
		"enabled": true, "key_file": true,
	},
	"auth": {
		"refresh_token_days": true,
	},
	"client": {
		"server_url": true, "state_db": true, "credentials_file": true, "client_id": true,
		"poll_interval": true, "request_timeout": true, "push_batch_size": true,
		"pull_limit": true, "trigger_rate": true, "notifications": true,
	},
	"logging": {
		"level": true, "format": true,
	},
}

// knownSections is the sorted slice of section names for Levenshtein matching.
var knownSections = sortedKeys(knownKeys)

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}

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
		err := buildKeyError(key.String())
		if seen[err.Error()] {
			continue
		}

		seen[err.Error()] = true
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// buildKeyError creates a descriptive error for an unknown key, suggesting the
// closest known section or key.
func buildKeyError(keyStr string) error {
	parts := strings.SplitN(keyStr, ".", 2)
	section := parts[0]

	fields, ok := knownKeys[section]
	if !ok || len(parts) == 1 {
		if suggestion := closestMatch(section, knownSections); suggestion != "" {
			return fmt.Errorf("unknown config key %q; did you mean %q?", section, suggestion)
		}

		return fmt.Errorf("unknown config key %q", section)
	}

	leaf := parts[1]
	if suggestion := closestMatch(leaf, sortedKeys(fields)); suggestion != "" {
		return fmt.Errorf("unknown config key %q in [%s]; did you mean %q?", leaf, section, suggestion)
	}

	return fmt.Errorf("unknown config key %q in [%s]", leaf, section)
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

	// Use single-row optimization to avoid allocating a full matrix.
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
