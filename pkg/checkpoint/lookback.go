package checkpoint

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const day = 24 * time.Hour

// ParseLookback parses a time window such as "24h", "7d", "2w" or "1m".
// A month is 30 days.
func ParseLookback(s string) (time.Duration, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if len(s) < 2 {
		return 0, fmt.Errorf("invalid time window %q", s)
	}

	n, err := strconv.Atoi(s[:len(s)-1])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid time window %q: amount must be a positive integer", s)
	}

	var unit time.Duration
	switch s[len(s)-1] {
	case 'h':
		unit = time.Hour
	case 'd':
		unit = day
	case 'w':
		unit = 7 * day
	case 'm':
		unit = 30 * day
	default:
		return 0, fmt.Errorf("invalid time window %q: unit must be one of h, d, w, m", s)
	}
	return time.Duration(n) * unit, nil
}
