package storage

import (
	"fmt"
	"time"
)

// ParseTimestamp handles both RFC3339 and the bare SQLite datetime format
// produced by CURRENT_TIMESTAMP.
func ParseTimestamp(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err == nil {
		return t, nil
	}

	t, err = time.Parse("2006-01-02 15:04:05", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp: %w", err)
	}

	return t, nil
}
