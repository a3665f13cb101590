// Package xtime extends time.Duration parsing and formatting with day, week,
// month and year units.
package xtime

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const day = 24 * time.Hour

type unit struct {
	sym string
	dur time.Duration
}

// units are ordered from largest to smallest. Months are 30 days and years are
// 365 days.
var units = []unit{
	{"Y", 365 * day},
	{"M", 30 * day},
	{"w", 7 * day},
	{"d", day},
	{"h", time.Hour},
	{"m", time.Minute},
	{"s", time.Second},
	{"ms", time.Millisecond},
}

// aliases are unit symbols accepted by ParseDuration in addition to units.
var aliases = map[string]time.Duration{
	"y":  365 * day,
	"W":  7 * day,
	"D":  day,
	"us": time.Microsecond,
	"µs": time.Microsecond,
	"ns": time.Nanosecond,
}

var segmentRx = regexp.MustCompile(`(\d*\.\d+|\d+)([a-zA-Zµ]+)`)

// ParseDuration parses a duration string such as "10m", "1h30m", "2d" or
// "-1.5w". In addition to the units supported by time.ParseDuration, it
// accepts "d"/"D" (day), "w"/"W" (week), "M" (month) and "y"/"Y" (year).
func ParseDuration(s string) (time.Duration, error) {
	orig := s
	neg := strings.HasPrefix(s, "-")
	s = strings.TrimPrefix(strings.TrimPrefix(s, "-"), "+")
	if s == "" {
		return 0, fmt.Errorf("invalid duration '%s'", orig)
	}
	if s == "0" {
		return 0, nil
	}

	matches := segmentRx.FindAllStringSubmatchIndex(s, -1)
	var (
		total time.Duration
		pos   int
	)
	for _, m := range matches {
		if m[0] != pos {
			return 0, fmt.Errorf("invalid duration '%s'", orig)
		}
		pos = m[1]

		num, err := strconv.ParseFloat(s[m[2]:m[3]], 64)
		if err != nil {
			return 0, fmt.Errorf("invalid duration '%s': %w", orig, err)
		}
		mult, ok := unitDuration(s[m[4]:m[5]])
		if !ok {
			return 0, fmt.Errorf("invalid duration '%s': unknown unit '%s'", orig, s[m[4]:m[5]])
		}
		total += time.Duration(num * float64(mult))
	}
	if pos != len(s) {
		return 0, fmt.Errorf("invalid duration '%s'", orig)
	}

	if neg {
		total = -total
	}

	return total, nil
}

func unitDuration(sym string) (time.Duration, bool) {
	for _, u := range units {
		if u.sym == sym {
			return u.dur, true
		}
	}
	dur, ok := aliases[sym]
	return dur, ok
}

// FormatDuration formats a duration using the units accepted by ParseDuration,
// e.g. "1h30m", "2d" or "-1w2d". The duration is rounded to round, and units
// smaller than round are omitted.
func FormatDuration(d time.Duration, round time.Duration) string {
	if round > 0 {
		d = d.Round(round)
	}
	if d == 0 {
		return "0s"
	}

	var sb strings.Builder
	if d < 0 {
		sb.WriteString("-")
		d = -d
	}
	for _, u := range units {
		if u.dur < round {
			break
		}
		if n := d / u.dur; n > 0 {
			fmt.Fprintf(&sb, "%d%s", n, u.sym)
			d -= n * u.dur
		}
	}
	if d > 0 && round < time.Millisecond {
		sb.WriteString(d.String())
	}

	return sb.String()
}
