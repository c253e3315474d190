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

// knownKeys maps each section ("" for top level) to its valid keys.
var knownKeys = map[string][]string{
	"": {"data_dir", "server", "provider", "media", "upload", "agent", "logging"},
	"server": {
		"listen_addr", "request_rate", "request_burst", "bridge_timeout", "status_push_interval",
	},
	"provider": {"type", "client_id", "client_secret", "metadata_timeout"},
	"media":    {"roots", "extensions", "max_file_size"},
	"upload":   {"transfer_timeout", "retry_backoff", "completion_hold", "refresh_attempts"},
	"agent":    {"settings_poll_interval", "shutdown_grace", "watch_config"},
	"logging":  {"log_level", "log_file", "log_format"},
}

func init() {
	for _, keys := range knownKeys {
		sort.Strings(keys)
	}
}

// checkUnknownKeys inspects TOML metadata for undecoded keys and returns
// an error with "did you mean?" suggestions for each unknown key.
func checkUnknownKeys(md *toml.MetaData) error {
	undecoded := md.Undecoded()
	if len(undecoded) == 0 {
		return nil
	}

	var errs []error

	for _, key := range undecoded {
		errs = append(errs, buildKeyError(key.String()))
	}

	return errors.Join(errs...)
}

// buildKeyError describes one unknown key, naming its section when nested.
func buildKeyError(keyStr string) error {
	section := ""
	field := keyStr

	if i := strings.LastIndex(keyStr, "."); i >= 0 {
		section = keyStr[:i]
		field = keyStr[i+1:]
	}

	known, ok := knownKeys[section]
	if !ok {
		// Unknown section: suggest against the top-level names.
		top := strings.SplitN(keyStr, ".", 2)[0]
		if s := closestMatch(top, knownKeys[""]); s != "" {
			return fmt.Errorf("unknown config section %q, did you mean %q?", top, s)
		}

		return fmt.Errorf("unknown config section %q", top)
	}

	label := field
	if section != "" {
		label = section + "." + field
	}

	if s := closestMatch(field, known); s != "" {
		return fmt.Errorf("unknown config key %q, did you mean %q?", label, s)
	}

	return fmt.Errorf("unknown config key %q", label)
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

// levenshtein computes the edit distance between two strings using a
// single-row buffer pair.
func levenshtein(a, b string) int {
	if a == "" {
		return len(b)
	}

	if b == "" {
		return len(a)
	}

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
