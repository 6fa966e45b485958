package audit

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := Open(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func logEntry(t *testing.T, store *SQLiteStore, e Entry) {
	t.Helper()
	if err := store.Log(context.Background(), e); err != nil {
		t.Fatalf("log entry: %v", err)
	}
}

func TestLogAndFind(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	logEntry(t, store, Entry{
		CorrelationID: "corr-1",
		Actor:         "guest",
		Action:        "tool:place_order",
		VenueID:       "venue-1",
		Decision:      DecisionAllow,
		Mode:          "assisted",
	})
	logEntry(t, store, Entry{
		CorrelationID: "corr-2",
		Actor:         "stranger",
		Action:        "tool:place_order",
		VenueID:       "venue-2",
		Decision:      DecisionDeny,
		Detail:        "unknown agent type",
	})

	all, err := store.Find(ctx, Query{})
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(all))
	}

	byVenue, err := store.Find(ctx, Query{VenueID: "venue-1"})
	if err != nil {
		t.Fatalf("find by venue: %v", err)
	}
	if len(byVenue) != 1 || byVenue[0].CorrelationID != "corr-1" {
		t.Errorf("venue filter returned %+v", byVenue)
	}

	byCorr, err := store.Find(ctx, Query{CorrelationID: "corr-2"})
	if err != nil {
		t.Fatalf("find by correlation: %v", err)
	}
	if len(byCorr) != 1 || byCorr[0].Decision != DecisionDeny {
		t.Errorf("correlation filter returned %+v", byCorr)
	}
	if byCorr[0].Detail != "unknown agent type" {
		t.Errorf("detail = %q", byCorr[0].Detail)
	}
}

func TestFindTimeRange(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	logEntry(t, store, Entry{
		CorrelationID: "corr-1",
		Actor:         "ops",
		Action:        "killswitch:activate",
		Decision:      DecisionAllow,
	})

	past := time.Now().Add(-time.Hour)
	entries, err := store.Find(ctx, Query{From: past})
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("expected the just-logged entry after a past cutoff, got %d", len(entries))
	}

	future := time.Now().Add(time.Hour)
	entries, err = store.Find(ctx, Query{From: future})
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected nothing after a future cutoff, got %d", len(entries))
	}

	entries, err = store.Find(ctx, Query{To: future})
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("expected the entry before the cutoff, got %d", len(entries))
	}
}

func TestFindLimit(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		logEntry(t, store, Entry{
			CorrelationID: fmt.Sprintf("corr-%d", i),
			Actor:         "ops",
			Action:        "noop",
			Decision:      DecisionAllow,
		})
	}

	entries, err := store.Find(ctx, Query{Limit: 3})
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(entries) != 3 {
		t.Errorf("expected limit respected, got %d", len(entries))
	}
}

func TestLogValidation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		entry Entry
	}{
		{"missing correlation id", Entry{Actor: "a", Action: "x", Decision: DecisionAllow}},
		{"missing actor", Entry{CorrelationID: "c", Action: "x", Decision: DecisionAllow}},
		{"missing action", Entry{CorrelationID: "c", Actor: "a", Decision: DecisionAllow}},
		{"bad decision", Entry{CorrelationID: "c", Actor: "a", Action: "x", Decision: "maybe"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := store.Log(ctx, tt.entry); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestEntriesAreImmutable(t *testing.T) {
	store := newTestStore(t)

	logEntry(t, store, Entry{
		CorrelationID: "corr-1",
		Actor:         "ops",
		Action:        "noop",
		Decision:      DecisionAllow,
	})

	if _, err := store.db.Exec("UPDATE audit_log SET decision = 'deny'"); err == nil {
		t.Error("expected the update trigger to reject the write")
	}
	if _, err := store.db.Exec("DELETE FROM audit_log"); err == nil {
		t.Error("expected the delete trigger to reject the write")
	}

	entries, err := store.Find(context.Background(), Query{})
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(entries) != 1 || entries[0].Decision != DecisionAllow {
		t.Errorf("entry should survive unchanged, got %+v", entries)
	}
}
