package ics

import (
	"strconv"
	"strings"
	"time"
)

const (
	displayDateLayout     = "Mon, Jan 2 2006"
	displayDateTimeLayout = "Mon, Jan 2 2006 3:04 PM"
)

// ParseTimestamp converts a YYYYMMDD or YYYYMMDDTHHMMSS[Z] token into a time.
// Tokens ending in Z are UTC, everything else is interpreted in loc (nil means
// time.Local). Any malformed token yields the zero time; callers treat it as
// unknown.
func ParseTimestamp(token string, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.Local
	}
	v := strings.TrimSpace(token)
	if len(v) < 8 {
		return time.Time{}
	}

	year, ok1 := digits(v, 0, 4)
	month, ok2 := digits(v, 4, 6)
	day, ok3 := digits(v, 6, 8)
	if !ok1 || !ok2 || !ok3 {
		return time.Time{}
	}

	if !strings.Contains(v, "T") {
		return buildTime(year, month, day, 0, 0, 0, loc)
	}

	if strings.HasSuffix(v, "Z") {
		loc = time.UTC
		v = strings.TrimSuffix(v, "Z")
	}
	if len(v) < 9 || v[8] != 'T' {
		return time.Time{}
	}

	var hour, minute, second int
	fields := []struct {
		dst        *int
		start, end int
	}{
		{&hour, 9, 11},
		{&minute, 11, 13},
		{&second, 13, 15},
	}
	for _, f := range fields {
		if len(v) < f.end {
			break
		}
		n, ok := digits(v, f.start, f.end)
		if !ok {
			return time.Time{}
		}
		*f.dst = n
	}
	return buildTime(year, month, day, hour, minute, second, loc)
}

func buildTime(year, month, day, hour, minute, second int, loc *time.Location) time.Time {
	if month < 1 || month > 12 || day < 1 || day > 31 ||
		hour > 23 || minute > 59 || second > 60 {
		return time.Time{}
	}
	t := time.Date(year, time.Month(month), day, hour, minute, second, 0, loc)
	// Reject days that time.Date normalized into the next month (Feb 30).
	if t.Day() != day {
		return time.Time{}
	}
	return t
}

func digits(s string, start, end int) (int, bool) {
	if end > len(s) {
		return 0, false
	}
	part := s[start:end]
	for i := 0; i < len(part); i++ {
		if part[i] < '0' || part[i] > '9' {
			return 0, false
		}
	}
	n, err := strconv.Atoi(part)
	return n, err == nil
}

// IsDateOnly reports whether a token carries no time-of-day component.
func IsDateOnly(token string) bool {
	return !strings.Contains(token, "T")
}

// FormatDisplay renders t in loc, omitting the clock for date-only values.
func FormatDisplay(t time.Time, dateOnly bool, loc *time.Location) string {
	if t.IsZero() {
		return ""
	}
	if loc == nil {
		loc = time.Local
	}
	if dateOnly {
		return t.Format(displayDateLayout)
	}
	return t.In(loc).Format(displayDateTimeLayout)
}
