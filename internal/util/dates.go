package util

import (
	"fmt"
	"strings"
	"time"
)

const dateLayout = "2006-01-02"

// ParseDate parses a calendar date ("2025-08-04") into a UTC midnight time.
func ParseDate(value string) (time.Time, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return time.Time{}, fmt.Errorf("empty date")
	}
	parsed, err := time.ParseInLocation(dateLayout, trimmed, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse date %q: %w", trimmed, err)
	}
	return parsed, nil
}

// FormatDate renders a time as a calendar date in UTC.
func FormatDate(t time.Time) string {
	return t.UTC().Format(dateLayout)
}
