package config

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Config durations use Go syntax ("90s", "1h30m") plus leading day and week
// units, since retention windows are counted in days: "30d", "2w", "1d12h".
var dayPrefixRE = regexp.MustCompile(`^(\d+)([dw])`)

// ParseDurationField parses raw for the config key at path. Empty means 0.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := parseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def for empty or zero.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}

func parseDuration(s string) (time.Duration, error) {
	var days time.Duration
	for {
		m := dayPrefixRE.FindStringSubmatch(s)
		if m == nil {
			break
		}
		n, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			return 0, err
		}
		unit := 24 * time.Hour
		if m[2] == "w" {
			unit *= 7
		}
		if n > int64(math.MaxInt64/unit) || days > math.MaxInt64-time.Duration(n)*unit {
			return 0, fmt.Errorf("too long")
		}
		days += time.Duration(n) * unit
		s = s[len(m[0]):]
	}
	if s == "" {
		return days, nil
	}
	rest, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if rest < 0 && days > 0 {
		return 0, fmt.Errorf("mixed signs")
	}
	if rest > 0 && days > math.MaxInt64-rest {
		return 0, fmt.Errorf("too long")
	}
	return days + rest, nil
}
