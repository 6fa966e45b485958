package audit

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/dagbolade/rollout-control-plane/internal/storage"
)

const queryInsertEntry = `
	INSERT INTO audit_log (correlation_id, actor, action, venue_id, decision, mode, detail, timestamp)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

type SQLiteStore struct {
	db      *sql.DB
	ownedDB bool
}

// NewSQLiteStore attaches the audit log to an already-open database.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	store := &SQLiteStore{db: db}
	if err := storage.InitSchema(db, schemaStatements()); err != nil {
		return nil, err
	}
	return store, nil
}

// Open opens a dedicated database file for the audit log.
func Open(dbPath string) (*SQLiteStore, error) {
	db, err := storage.Open(dbPath)
	if err != nil {
		return nil, err
	}

	store, err := NewSQLiteStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	store.ownedDB = true
	return store, nil
}

func (s *SQLiteStore) Log(ctx context.Context, e Entry) error {
	if err := validateEntry(e); err != nil {
		return err
	}

	// Stored in the same format the From/To filters compare against.
	// CURRENT_TIMESTAMP writes a space-separated datetime that sorts
	// before RFC3339 strings from the same day.
	at := e.Timestamp
	if at.IsZero() {
		at = time.Now()
	}

	_, err := storage.ExecRetry(ctx, s.db, queryInsertEntry,
		e.CorrelationID, e.Actor, e.Action, e.VenueID, string(e.Decision), e.Mode, e.Detail,
		at.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Find(ctx context.Context, q Query) ([]Entry, error) {
	query, args := buildFindQuery(q)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()

	return scanEntries(rows)
}

func (s *SQLiteStore) Close() error {
	if s.ownedDB {
		return s.db.Close()
	}
	return nil
}

func buildFindQuery(q Query) (string, []any) {
	var conditions []string
	var args []any

	if q.VenueID != "" {
		conditions = append(conditions, "venue_id = ?")
		args = append(args, q.VenueID)
	}
	if q.CorrelationID != "" {
		conditions = append(conditions, "correlation_id = ?")
		args = append(args, q.CorrelationID)
	}
	if !q.From.IsZero() {
		conditions = append(conditions, "timestamp >= ?")
		args = append(args, q.From.UTC().Format(time.RFC3339))
	}
	if !q.To.IsZero() {
		conditions = append(conditions, "timestamp < ?")
		args = append(args, q.To.UTC().Format(time.RFC3339))
	}

	query := "SELECT id, correlation_id, actor, action, venue_id, decision, mode, detail, timestamp FROM audit_log"
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY timestamp DESC, id DESC"

	limit := q.Limit
	if limit <= 0 {
		limit = 200
	}
	query += " LIMIT ?"
	args = append(args, limit)

	return query, args
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	var entries []Entry

	for rows.Next() {
		var e Entry
		var timestamp string

		if err := rows.Scan(&e.ID, &e.CorrelationID, &e.Actor, &e.Action, &e.VenueID,
			&e.Decision, &e.Mode, &e.Detail, &timestamp); err != nil {
			return nil, fmt.Errorf("scan audit row: %w", err)
		}

		t, err := storage.ParseTimestamp(timestamp)
		if err != nil {
			return nil, err
		}
		e.Timestamp = t

		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}

	return entries, nil
}

func validateEntry(e Entry) error {
	if e.CorrelationID == "" {
		return fmt.Errorf("correlation_id cannot be empty")
	}
	if e.Actor == "" {
		return fmt.Errorf("actor cannot be empty")
	}
	if e.Action == "" {
		return fmt.Errorf("action cannot be empty")
	}
	if e.Decision != DecisionAllow && e.Decision != DecisionDeny {
		return fmt.Errorf("invalid decision: %s", e.Decision)
	}
	return nil
}
