// Package timefmt provides the single timestamp representation used across
// DTOs and event payloads.
package timefmt

import "time"

// ISO8601 is the format used whenever a timestamp crosses a serialization
// boundary (HTTP DTO, event payload).
const ISO8601 = "2006-01-02T15:04:05.000Z"

// Format renders t in UTC using ISO8601.
func Format(t time.Time) string {
	return t.UTC().Format(ISO8601)
}

// FormatPtr formats a possibly-absent time, returning "" for the zero value.
func FormatPtr(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return Format(*t)
}
