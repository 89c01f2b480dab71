// Package duration parses and formats operational durations.
// It accepts Go's standard duration syntax plus spelled-out units and
// day suffixes, and renders durations compactly with zero components
// omitted.
//
// Supported units (case-insensitive, singular or plural):
//   - ns, nanosecond(s)
//   - us/µs, microsecond(s)
//   - ms, millisecond(s)
//   - s, sec(s), second(s)
//   - m, min(s), minute(s)
//   - h, hr(s), hour(s)
//   - d, day(s): 24 hours
//
// Examples:
//   - "90s" and "90 seconds" are equivalent
//   - "1h30m" = 90 minutes
//   - "2 days" = 48 hours
package duration

import (
	"fmt"
	"strings"
	"time"
	"unicode"
)

// Day is 24 hours. Durations here are operational spans, not calendar
// arithmetic.
const Day = 24 * time.Hour

// unitSizes maps every accepted unit spelling to its length. Plural
// forms are derived during lookup by stripping a trailing "s".
var unitSizes = map[string]time.Duration{
	"ns":          time.Nanosecond,
	"nanosecond":  time.Nanosecond,
	"us":          time.Microsecond,
	"µs":          time.Microsecond,
	"microsecond": time.Microsecond,
	"ms":          time.Millisecond,
	"millisecond": time.Millisecond,
	"s":           time.Second,
	"sec":         time.Second,
	"second":      time.Second,
	"m":           time.Minute,
	"min":         time.Minute,
	"minute":      time.Minute,
	"h":           time.Hour,
	"hr":          time.Hour,
	"hour":        time.Hour,
	"d":           Day,
	"day":         Day,
}

// Parse parses a duration string. It handles everything
// time.ParseDuration does, plus day units and spelled-out unit names
// with optional whitespace: "5s", "1h30m", "2 days", "90 seconds".
func Parse(s string) (time.Duration, error) {
	orig := s
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("duration: empty string")
	}

	negative := strings.HasPrefix(s, "-")
	if negative {
		s = strings.TrimSpace(strings.TrimPrefix(s, "-"))
	}

	// Bare zero needs no unit, matching time.ParseDuration.
	if s == "0" {
		return 0, nil
	}

	var total time.Duration
	for s != "" {
		value, frac, rest, err := scanNumber(s)
		if err != nil {
			return 0, fmt.Errorf("duration: invalid duration %q", orig)
		}

		unit, rest := scanUnit(rest)
		size, ok := lookupUnit(unit)
		if !ok {
			return 0, fmt.Errorf("duration: unknown unit %q in %q", unit, orig)
		}

		total += time.Duration(value) * size
		if frac > 0 {
			total += time.Duration(frac * float64(size))
		}
		s = strings.TrimSpace(rest)
	}

	if negative {
		total = -total
	}
	return total, nil
}

// MustParse is like Parse but panics on error. Use only for constants.
func MustParse(s string) time.Duration {
	d, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return d
}

// scanNumber consumes a decimal number with an optional fractional part
// and returns the integer part, the fraction, and the unconsumed
// remainder.
func scanNumber(s string) (value int64, frac float64, rest string, err error) {
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		value = value*10 + int64(s[i]-'0')
		i++
	}
	digits := i > 0

	if i < len(s) && s[i] == '.' {
		i++
		scale := 0.1
		for i < len(s) && s[i] >= '0' && s[i] <= '9' {
			frac += float64(s[i]-'0') * scale
			scale /= 10
			digits = true
			i++
		}
	}

	if !digits {
		return 0, 0, s, fmt.Errorf("no digits")
	}
	return value, frac, s[i:], nil
}

// scanUnit consumes the unit name following a number, skipping leading
// whitespace. µ counts as a letter, so "µs" scans as one unit.
func scanUnit(s string) (unit, rest string) {
	s = strings.TrimLeftFunc(s, unicode.IsSpace)
	end := len(s)
	for i, c := range s {
		if !unicode.IsLetter(c) {
			end = i
			break
		}
	}
	return s[:end], s[end:]
}

// lookupUnit resolves a unit spelling, tolerating case and plurals.
func lookupUnit(unit string) (time.Duration, bool) {
	lower := strings.ToLower(unit)
	if size, ok := unitSizes[lower]; ok {
		return size, true
	}
	// "secs", "mins", "hrs", "seconds", "days", ...
	trimmed := strings.TrimSuffix(lower, "s")
	if trimmed != lower && trimmed != "" {
		if size, ok := unitSizes[trimmed]; ok {
			return size, true
		}
	}
	return 0, false
}

// Format renders a duration compactly, largest unit first, omitting
// zero components: 90*time.Second becomes "1m30s", 26 hours becomes
// "1d2h". The zero duration is "0s".
func Format(d time.Duration) string {
	if d == 0 {
		return "0s"
	}

	var b strings.Builder
	if d < 0 {
		b.WriteByte('-')
		d = -d
	}

	units := []struct {
		size   time.Duration
		suffix string
	}{
		{Day, "d"},
		{time.Hour, "h"},
		{time.Minute, "m"},
		{time.Second, "s"},
		{time.Millisecond, "ms"},
		{time.Microsecond, "µs"},
		{time.Nanosecond, "ns"},
	}

	for _, u := range units {
		if d < u.size {
			continue
		}
		fmt.Fprintf(&b, "%d%s", d/u.size, u.suffix)
		d %= u.size
	}

	return b.String()
}
