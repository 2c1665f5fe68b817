package dashformat

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// parseISODuration parses the restricted subset of ISO-8601 durations MPD attributes use
// (PnDTnHnMnS, with fractional seconds; no years/months). Missing/empty input is 0, not an
// error, since most @start/@minimumUpdatePeriod attributes are optional.
func parseISODuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	if !strings.HasPrefix(s, "P") {
		return 0, fmt.Errorf("duration %q missing P prefix", s)
	}
	s = s[1:]

	var datePart, timePart string
	if idx := strings.IndexByte(s, 'T'); idx >= 0 {
		datePart, timePart = s[:idx], s[idx+1:]
	} else {
		datePart = s
	}

	var total time.Duration
	if datePart != "" {
		d, err := parseDurationComponents(datePart, map[byte]time.Duration{
			'D': 24 * time.Hour,
		})
		if err != nil {
			return 0, err
		}
		total += d
	}
	if timePart != "" {
		d, err := parseDurationComponents(timePart, map[byte]time.Duration{
			'H': time.Hour,
			'M': time.Minute,
			'S': time.Second,
		})
		if err != nil {
			return 0, err
		}
		total += d
	}
	return total, nil
}

func parseDurationComponents(s string, units map[byte]time.Duration) (time.Duration, error) {
	var total time.Duration
	var numStart int
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= '0' && c <= '9' || c == '.' {
			continue
		}
		unit, ok := units[c]
		if !ok {
			return 0, fmt.Errorf("unexpected duration unit %q in %q", string(c), s)
		}
		val, err := strconv.ParseFloat(s[numStart:i], 64)
		if err != nil {
			return 0, fmt.Errorf("invalid duration value in %q: %w", s, err)
		}
		total += time.Duration(val * float64(unit))
		numStart = i + 1
	}
	return total, nil
}
