package rollout

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dagbolade/rollout-control-plane/internal/storage"
)

const (
	venuesSchema = `
		CREATE TABLE IF NOT EXISTS venues (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			cohort_id TEXT NOT NULL DEFAULT '',
			mode TEXT NOT NULL DEFAULT 'off' CHECK(mode IN ('off', 'shadow_ui', 'assisted', 'full')),
			mode_changed_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			version INTEGER NOT NULL DEFAULT 0
		)`

	historySchema = `
		CREATE TABLE IF NOT EXISTS mode_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			venue_id TEXT NOT NULL,
			prev_mode TEXT NOT NULL,
			new_mode TEXT NOT NULL,
			trigger_kind TEXT NOT NULL,
			actor TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			at DATETIME NOT NULL
		)`

	triggerPreventHistoryUpdate = `
		CREATE TRIGGER IF NOT EXISTS prevent_mode_history_update
		BEFORE UPDATE ON mode_history
		FOR EACH ROW
		BEGIN
			SELECT RAISE(FAIL, 'Updates not allowed on mode_history');
		END`

	triggerPreventHistoryDelete = `
		CREATE TRIGGER IF NOT EXISTS prevent_mode_history_delete
		BEFORE DELETE ON mode_history
		FOR EACH ROW
		BEGIN
			SELECT RAISE(FAIL, 'Deletes not allowed on mode_history');
		END`

	indexHistoryVenue = `
		CREATE INDEX IF NOT EXISTS idx_mode_history_venue ON mode_history(venue_id, at DESC)`

	queryInsertVenue = `
		INSERT INTO venues (id, tenant_id, cohort_id) VALUES (?, ?, ?)`

	querySelectVenue = `
		SELECT id, tenant_id, cohort_id, mode, mode_changed_at, version
		FROM venues WHERE id = ?`

	querySelectActiveVenues = `
		SELECT id, tenant_id, cohort_id, mode, mode_changed_at, version
		FROM venues WHERE mode != 'off' ORDER BY id`

	queryUpdateMode = `
		UPDATE venues SET mode = ?, mode_changed_at = ?, version = version + 1
		WHERE id = ? AND version = ?`

	queryInsertHistory = `
		INSERT INTO mode_history (venue_id, prev_mode, new_mode, trigger_kind, actor, reason, at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	querySelectHistory = `
		SELECT id, venue_id, prev_mode, new_mode, trigger_kind, actor, reason, at
		FROM mode_history WHERE venue_id = ? ORDER BY at DESC, id DESC LIMIT ?`
)

// Venue is the tenant-scoped rollout unit. Version guards optimistic
// concurrency on mode writes.
type Venue struct {
	ID            string    `json:"id"`
	TenantID      string    `json:"tenant_id"`
	CohortID      string    `json:"cohort_id,omitempty"`
	Mode          Mode      `json:"mode"`
	ModeChangedAt time.Time `json:"mode_changed_at"`
	Version       int64     `json:"-"`
}

// Transition is one immutable history record.
type Transition struct {
	ID      int64     `json:"id"`
	VenueID string    `json:"venue_id"`
	Prev    Mode      `json:"prev_mode"`
	Next    Mode      `json:"new_mode"`
	Trigger string    `json:"trigger"`
	Actor   string    `json:"actor"`
	Reason  string    `json:"reason,omitempty"`
	At      time.Time `json:"at"`
}

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	schema := []string{
		venuesSchema,
		historySchema,
		triggerPreventHistoryUpdate,
		triggerPreventHistoryDelete,
		indexHistoryVenue,
	}
	if err := storage.InitSchema(db, schema); err != nil {
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

// CreateVenue registers a venue at the initial off mode.
func (s *SQLiteStore) CreateVenue(ctx context.Context, id, tenantID, cohortID string) error {
	_, err := storage.ExecRetry(ctx, s.db, queryInsertVenue, id, tenantID, cohortID)
	if err != nil {
		return fmt.Errorf("insert venue: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Venue(ctx context.Context, id string) (Venue, error) {
	row := s.db.QueryRowContext(ctx, querySelectVenue, id)
	v, err := scanVenue(row)
	if err == sql.ErrNoRows {
		return Venue{}, ErrVenueNotFound
	}
	return v, err
}

// VenueScope implements tenantctx.Directory.
func (s *SQLiteStore) VenueScope(ctx context.Context, venueID string) (string, string, error) {
	v, err := s.Venue(ctx, venueID)
	if err != nil {
		return "", "", err
	}
	return v.TenantID, v.CohortID, nil
}

// ActiveVenues lists venues in a non-off mode, for reconciliation.
func (s *SQLiteStore) ActiveVenues(ctx context.Context) ([]Venue, error) {
	rows, err := s.db.QueryContext(ctx, querySelectActiveVenues)
	if err != nil {
		return nil, fmt.Errorf("query active venues: %w", err)
	}
	defer rows.Close()

	var venues []Venue
	for rows.Next() {
		v, err := scanVenue(rows)
		if err != nil {
			return nil, err
		}
		venues = append(venues, v)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return venues, nil
}

// CompareAndSetMode applies the mode change only if the caller's version is
// still current. Returns false on a lost race.
func (s *SQLiteStore) CompareAndSetMode(ctx context.Context, venueID string, next Mode, expectedVersion int64, at time.Time) (bool, error) {
	res, err := storage.ExecRetry(ctx, s.db, queryUpdateMode,
		string(next), at.UTC().Format(time.RFC3339), venueID, expectedVersion)
	if err != nil {
		return false, fmt.Errorf("update mode: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *SQLiteStore) AppendHistory(ctx context.Context, tr Transition) error {
	_, err := storage.ExecRetry(ctx, s.db, queryInsertHistory,
		tr.VenueID, string(tr.Prev), string(tr.Next), tr.Trigger, tr.Actor, tr.Reason,
		tr.At.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

// History returns the newest transitions first.
func (s *SQLiteStore) History(ctx context.Context, venueID string, limit int) ([]Transition, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, querySelectHistory, venueID, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var transitions []Transition
	for rows.Next() {
		var tr Transition
		var at string
		if err := rows.Scan(&tr.ID, &tr.VenueID, &tr.Prev, &tr.Next, &tr.Trigger, &tr.Actor, &tr.Reason, &at); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		tr.At, err = storage.ParseTimestamp(at)
		if err != nil {
			return nil, err
		}
		transitions = append(transitions, tr)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return transitions, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanVenue(row rowScanner) (Venue, error) {
	var v Venue
	var changedAt string

	if err := row.Scan(&v.ID, &v.TenantID, &v.CohortID, &v.Mode, &changedAt, &v.Version); err != nil {
		if err == sql.ErrNoRows {
			return Venue{}, err
		}
		return Venue{}, fmt.Errorf("scan venue: %w", err)
	}

	t, err := storage.ParseTimestamp(changedAt)
	if err != nil {
		return Venue{}, err
	}
	v.ModeChangedAt = t

	return v, nil
}
