package config

import (
	"fmt"
	"strings"
	"time"
)

// duration parses a Go duration string at path. Empty or zero yields def;
// negative values are rejected.
func duration(path, raw string, def time.Duration) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	if d == 0 {
		return def, nil
	}
	return d, nil
}

// millis renders an integer millisecond env value as a duration string.
func millis(name, raw string) (string, error) {
	var n int64
	if _, err := fmt.Sscan(strings.TrimSpace(raw), &n); err != nil || n <= 0 {
		return "", fmt.Errorf("%s: want a positive integer of milliseconds, got %q", name, raw)
	}
	return (time.Duration(n) * time.Millisecond).String(), nil
}
