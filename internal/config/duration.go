package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

// ParseSecondsField is ParseDurationField that also takes a bare integer
// as a number of seconds.
func ParseSecondsField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n < 0 {
			return 0, fmt.Errorf("%s: duration must be >= 0", path)
		}
		return time.Duration(n) * time.Second, nil
	}
	return ParseDurationField(path, s)
}

// ParseRedoField is ParseSecondsField for redo intervals, which are
// stored in whole seconds: anything between 0 and 1s is rejected.
func ParseRedoField(path, raw string) (time.Duration, error) {
	d, err := ParseSecondsField(path, raw)
	if err != nil {
		return 0, err
	}
	if d > 0 && d < time.Second {
		return 0, fmt.Errorf("%s: redo interval must be 0 or at least 1s, got %s", path, d)
	}
	return d, nil
}

// MustDuration is for fields that already passed Validate.
func MustDuration(raw string, def time.Duration) time.Duration {
	d, err := ParseDurationOrDefault("", raw, def)
	if err != nil {
		return def
	}
	return d
}
