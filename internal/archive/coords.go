package archive

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseRA converts sexagesimal right ascension ("18:18:48") to decimal
// degrees. RA is in hours, so one hour equals 15 degrees.
func ParseRA(value string) (float64, error) {
	hours, err := parseSexagesimal(value)
	if err != nil {
		return 0, fmt.Errorf("invalid RA %q: %w", value, err)
	}
	if hours < 0 || hours >= 24 {
		return 0, fmt.Errorf("invalid RA %q: hours out of range", value)
	}
	return hours * 15, nil
}

// ParseDec converts sexagesimal declination ("-13:49:00") to decimal
// degrees.
func ParseDec(value string) (float64, error) {
	deg, err := parseSexagesimal(value)
	if err != nil {
		return 0, fmt.Errorf("invalid Dec %q: %w", value, err)
	}
	if deg < -90 || deg > 90 {
		return 0, fmt.Errorf("invalid Dec %q: degrees out of range", value)
	}
	return deg, nil
}

func parseSexagesimal(value string) (float64, error) {
	parts := strings.Split(strings.TrimSpace(value), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, fmt.Errorf("expected D:M or D:M:S")
	}

	negative := strings.HasPrefix(parts[0], "-")
	first, err := strconv.ParseFloat(strings.TrimPrefix(parts[0], "-"), 64)
	if err != nil {
		return 0, fmt.Errorf("bad first component: %w", err)
	}
	minutes, err := strconv.ParseFloat(parts[1], 64)
	if err != nil {
		return 0, fmt.Errorf("bad minutes: %w", err)
	}
	var seconds float64
	if len(parts) == 3 {
		seconds, err = strconv.ParseFloat(parts[2], 64)
		if err != nil {
			return 0, fmt.Errorf("bad seconds: %w", err)
		}
	}
	if minutes < 0 || minutes >= 60 || seconds < 0 || seconds >= 60 {
		return 0, fmt.Errorf("minutes and seconds must be in [0, 60)")
	}

	result := first + minutes/60 + seconds/3600
	if negative {
		result = -result
	}
	return result, nil
}
