package config

import (
	"fmt"
	"strings"
	"time"
)

// FieldError names the config key that failed to parse.
type FieldError struct {
	Key string
	Err error
}

func (e *FieldError) Error() string { return e.Key + ": " + e.Err.Error() }
func (e *FieldError) Unwrap() error { return e.Err }

// ParseDurationField parses a Go duration string. Blank means zero; negative
// values are rejected.
func ParseDurationField(key, raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	switch {
	case err != nil:
		return 0, &FieldError{Key: key, Err: fmt.Errorf("invalid duration %q", raw)}
	case d < 0:
		return 0, &FieldError{Key: key, Err: fmt.Errorf("duration %s is negative", d)}
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def substituted for zero.
func ParseDurationOrDefault(key, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(key, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}
