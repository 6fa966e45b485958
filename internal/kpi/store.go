package kpi

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dagbolade/rollout-control-plane/internal/storage"
)

const (
	eventsSchema = `
		CREATE TABLE IF NOT EXISTS kpi_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			venue_id TEXT NOT NULL,
			category TEXT NOT NULL CHECK(category IN ('reliability', 'security', 'business', 'ux')),
			metric TEXT NOT NULL,
			value REAL NOT NULL,
			timestamp DATETIME NOT NULL
		)`

	triggerPreventEventUpdate = `
		CREATE TRIGGER IF NOT EXISTS prevent_kpi_event_update
		BEFORE UPDATE ON kpi_events
		FOR EACH ROW
		BEGIN
			SELECT RAISE(FAIL, 'Updates not allowed on kpi_events');
		END`

	indexEventsVenueTime = `
		CREATE INDEX IF NOT EXISTS idx_kpi_events_venue_time
		ON kpi_events(venue_id, timestamp)`

	queryInsertEvent = `
		INSERT INTO kpi_events (venue_id, category, metric, value, timestamp)
		VALUES (?, ?, ?, ?, ?)`

	querySelectWindow = `
		SELECT category, metric, value
		FROM kpi_events
		WHERE venue_id = ? AND timestamp >= ? AND timestamp < ?
		ORDER BY metric, value`
)

// eventTimestampLayout is fixed-width, including trailing fractional
// zeros, so the window query's lexicographic comparison matches
// chronological order at sub-second boundaries.
const eventTimestampLayout = "2006-01-02T15:04:05.000000000Z"

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	schema := []string{eventsSchema, triggerPreventEventUpdate, indexEventsVenueTime}
	if err := storage.InitSchema(db, schema); err != nil {
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Insert(ctx context.Context, ev Event) error {
	_, err := storage.ExecRetry(ctx, s.db, queryInsertEvent,
		ev.VenueID, string(ev.Category), ev.Metric, ev.Value,
		ev.Timestamp.UTC().Format(eventTimestampLayout))
	if err != nil {
		return fmt.Errorf("insert kpi event: %w", err)
	}
	return nil
}

// window returns events ordered by metric then value, which lets the
// aggregator compute percentiles without re-sorting.
func (s *SQLiteStore) window(ctx context.Context, venueID string, start, end time.Time) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, querySelectWindow, venueID,
		start.UTC().Format(eventTimestampLayout), end.UTC().Format(eventTimestampLayout))
	if err != nil {
		return nil, fmt.Errorf("query kpi window: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		ev := Event{VenueID: venueID}
		if err := rows.Scan(&ev.Category, &ev.Metric, &ev.Value); err != nil {
			return nil, fmt.Errorf("scan kpi event: %w", err)
		}
		events = append(events, ev)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return events, nil
}
