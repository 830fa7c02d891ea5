package store

import (
	"fmt"
	"time"
)

// TimeLayout is the storage format for every timestamp column. It matches
// sqlite's datetime('now') output so column defaults and Go-written values
// compare lexically.
const TimeLayout = "2006-01-02 15:04:05"

// FormatTime renders a time in the storage layout, always UTC.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime reads a stored timestamp. RFC3339 is accepted for rows written
// by older builds.
func ParseTime(s string) (time.Time, error) {
	if t, err := time.ParseInLocation(TimeLayout, s, time.UTC); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}
