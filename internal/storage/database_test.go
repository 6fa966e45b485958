package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func TestOpenCreatesDirectoryAndFile(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "dir", "test.db")

	db, err := Open(dbPath)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		t.Errorf("ping: %v", err)
	}

	var mode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatalf("query journal mode: %v", err)
	}
	if mode != "wal" {
		t.Errorf("journal_mode = %q, want wal", mode)
	}
}

func TestInitSchemaAndExecRetry(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	schema := []string{`CREATE TABLE IF NOT EXISTS things (id INTEGER PRIMARY KEY, name TEXT)`}
	if err := InitSchema(db, schema); err != nil {
		t.Fatalf("init schema: %v", err)
	}

	res, err := ExecRetry(context.Background(), db, "INSERT INTO things (name) VALUES (?)", "widget")
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	n, _ := res.RowsAffected()
	if n != 1 {
		t.Errorf("rows affected = %d, want 1", n)
	}
}

func TestParseTimestamp(t *testing.T) {
	tests := []struct {
		name  string
		input string
		valid bool
	}{
		{"rfc3339", "2026-08-30T12:00:00Z", true},
		{"rfc3339 nano", "2026-08-30T12:00:00.123456789Z", true},
		{"sqlite current_timestamp", "2026-08-30 12:00:00", true},
		{"garbage", "yesterday", false},
		{"empty", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parsed, err := ParseTimestamp(tt.input)
			if tt.valid && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !tt.valid && err == nil {
				t.Error("expected error")
			}
			if tt.valid && parsed.IsZero() {
				t.Error("expected a non-zero time")
			}
		})
	}
}

func TestParseTimestampRoundTrip(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)

	parsed, err := ParseTimestamp(now.Format(time.RFC3339))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !parsed.Equal(now) {
		t.Errorf("round trip %v != %v", parsed, now)
	}
}
