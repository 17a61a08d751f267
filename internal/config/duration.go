package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseDurationField parses a Go duration such as "90s" or "5m". A bare
// integer counts as seconds and an empty value as zero. key names the field
// in errors.
func ParseDurationField(key, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	var d time.Duration
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		d = time.Duration(n) * time.Second
	} else if d, err = time.ParseDuration(s); err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q", key, raw)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must not be negative", key)
	}
	return d, nil
}

// ParseDurationOrDefault returns def when the field is empty or zero.
func ParseDurationOrDefault(key, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(key, raw)
	switch {
	case err != nil:
		return 0, err
	case d == 0:
		return def, nil
	}
	return d, nil
}
