package utils

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseDuration accepts Go duration syntax ("1m30s", "250ms") and the
// config shorthands "10S", "20M", "48h", "2d".
func ParseDuration(timeString string) (time.Duration, error) {
	timeString = strings.TrimSpace(timeString)
	if timeString == "" {
		return 0, fmt.Errorf("empty time string")
	}
	if d, err := time.ParseDuration(strings.ToLower(timeString)); err == nil {
		return d, nil
	}
	lower := strings.ToLower(timeString)
	if cutString, found := strings.CutSuffix(lower, "d"); found {
		number, err := strconv.Atoi(cutString)
		if err != nil {
			return 0, fmt.Errorf("invalid time format %q: %w", timeString, err)
		}
		return time.Duration(number) * time.Hour * 24, nil
	}
	return 0, fmt.Errorf("invalid time format %q", timeString)
}

// ParseStringTime is ParseDuration with a fallback for empty or malformed values.
func ParseStringTime(timeString string, fallback time.Duration) time.Duration {
	d, err := ParseDuration(timeString)
	if err != nil {
		return fallback
	}
	return d
}
