package normalize

import (
	"math"
	"strconv"
	"strings"
	"time"
)

// digits returns only the ASCII digits of s.
func digits(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] >= '0' && s[i] <= '9' {
			b.WriteByte(s[i])
		}
	}
	return b.String()
}

// leftPad pads s with zeros to width.
func leftPad(s string, width int) string {
	if len(s) >= width {
		return s
	}
	return strings.Repeat("0", width-len(s)) + s
}

// cleanText trims s and collapses internal whitespace runs.
func cleanText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// parseAmount parses a decimal using '.' as the separator regardless of locale.
func parseAmount(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

// parseCount parses a non-fractional count. "12.0" is accepted; "12.5" is not.
func parseCount(s string) (int64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	if v, err := strconv.ParseInt(s, 10, 64); err == nil {
		return v, true
	}
	f, ok := parseAmount(s)
	if !ok || f != math.Trunc(f) || math.Abs(f) > math.MaxInt64/2 {
		return 0, false
	}
	return int64(f), true
}

var dateLayouts = []string{
	"2006-01-02",
	"01/02/2006",
	"1/2/2006",
	"2006/01/02",
	"20060102",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// parseDate returns the calendar date in s, or nil when unparsable.
func parseDate(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			d := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
			return &d
		}
	}
	return nil
}

// formatZip returns a 5-digit or ZIP+4 code. Lost leading zeros are restored
// for 4- and 8-digit inputs.
func formatZip(s string) (string, bool) {
	d := digits(s)
	switch len(d) {
	case 4, 8:
		d = "0" + d
	}
	switch len(d) {
	case 5:
		return d, true
	case 9:
		return d[:5] + "-" + d[5:], true
	default:
		return strings.TrimSpace(s), false
	}
}
