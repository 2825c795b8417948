package ingest

import (
	"strings"
	"time"
)

// Supported date layouts, tried in order. Day-first layouts come before
// month-first, matching Saudi bank exports.
var dateLayouts = []string{
	"2006-01-02",
	"02/01/2006",
	"01/02/2006",
	"02-01-2006",
	"2006/01/02",
	"02 Jan 2006",
	"02 January 2006",
	// permissive fallbacks
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05Z07:00",
	"02/01/06",
	"Jan 2, 2006",
	"2 Jan 2006",
}

// parseDate parses a date cell, returning false for anything that is not a
// date (footer rows, summary lines).
func parseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(asciiDigits(s))
	if s == "" {
		return time.Time{}, false
	}

	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// asciiDigits converts Arabic-Indic digits to ASCII.
func asciiDigits(s string) string {
	if !strings.ContainsFunc(s, func(r rune) bool { return r >= '٠' && r <= '٩' }) {
		return s
	}
	var b strings.Builder
	for _, r := range s {
		if r >= '٠' && r <= '٩' {
			b.WriteRune('0' + (r - '٠'))
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}
