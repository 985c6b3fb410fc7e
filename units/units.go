package units

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseDuration parses a flexible duration string. Accepted formats:
//   - hh:mm:ss (e.g. "00:00:30")
//   - Go-style duration (e.g. "1s", "500ms", "1h30m")
//   - Plain number as seconds (e.g. "5", "0.5")
//
// Capture timings are short, so a bare number means seconds. Negative values
// are rejected.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty duration string")
	}

	d, err := parseAny(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration: %s", s)
	}
	return d, nil
}

func parseAny(s string) (time.Duration, error) {
	if strings.Count(s, ":") == 2 {
		if d, ok := parseClock(s); ok {
			return d, nil
		}
	}
	if d, err := time.ParseDuration(strings.ToLower(s)); err == nil {
		return d, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: must be hh:mm:ss, Go duration (30s), or seconds", s)
	}
	return time.Duration(f * float64(time.Second)), nil
}

func parseClock(s string) (time.Duration, bool) {
	parts := strings.SplitN(s, ":", 3)
	var vals [3]int
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return 0, false
		}
		vals[i] = n
	}
	return time.Duration(vals[0])*time.Hour +
		time.Duration(vals[1])*time.Minute +
		time.Duration(vals[2])*time.Second, true
}

// FormatDuration formats a duration as hh:mm:ss, truncated to seconds.
func FormatDuration(d time.Duration) string {
	d = d.Truncate(time.Second)
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}
