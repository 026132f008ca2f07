// Package timeparsing turns schedule expressions into absolute times.
// Inputs arrive from the CLI's --scheduled flag and from provider field
// maps, so the accepted grammar is layered from strictest to loosest:
// compact durations (+6h, -1d, +2w), absolute timestamps (RFC3339 or
// date-only), then natural language ("next monday at 2pm").
package timeparsing

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

var compactRe = regexp.MustCompile(`^([+-]?)(\d+)([hdwmy])$`)

// unitShift applies one compact-duration unit to a base time. Hours go
// through Add so DST transitions behave like wall-clock arithmetic for the
// calendar units only.
var unitShift = map[string]func(base time.Time, n int) time.Time{
	"h": func(base time.Time, n int) time.Time { return base.Add(time.Duration(n) * time.Hour) },
	"d": func(base time.Time, n int) time.Time { return base.AddDate(0, 0, n) },
	"w": func(base time.Time, n int) time.Time { return base.AddDate(0, 0, n*7) },
	"m": func(base time.Time, n int) time.Time { return base.AddDate(0, n, 0) },
	"y": func(base time.Time, n int) time.Time { return base.AddDate(n, 0, 0) },
}

// IsCompactDuration reports whether s is in compact duration form. Used to
// decide the parse layer before committing to an interpretation.
func IsCompactDuration(s string) bool {
	return compactRe.MatchString(s)
}

// ParseCompactDuration resolves a compact duration against now. The form is
// an optional sign, a count, and a unit (h, d, w, m, y); a missing sign
// means forward. Time of day is preserved, which is why schedule offsets
// prefer this layer over natural language.
func ParseCompactDuration(s string, now time.Time) (time.Time, error) {
	m := compactRe.FindStringSubmatch(s)
	if m == nil {
		return time.Time{}, fmt.Errorf("not a compact duration: %q", s)
	}
	n, err := strconv.Atoi(m[2])
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid duration amount: %q", m[2])
	}
	if m[1] == "-" {
		n = -n
	}
	return unitShift[m[3]](now, n), nil
}
