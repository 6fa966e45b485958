package killswitch

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dagbolade/rollout-control-plane/internal/storage"
)

const (
	tableSchema = `
		CREATE TABLE IF NOT EXISTS kill_switches (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			scope TEXT NOT NULL CHECK(scope IN ('global', 'tenant', 'venue')),
			tenant_id TEXT NOT NULL DEFAULT '',
			venue_id TEXT NOT NULL DEFAULT '',
			reason TEXT NOT NULL,
			activated_by TEXT NOT NULL,
			activated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			expires_at DATETIME,
			deactivated_at DATETIME
		)`

	indexActive = `
		CREATE INDEX IF NOT EXISTS idx_kill_switches_active
		ON kill_switches(scope, tenant_id, venue_id) WHERE deactivated_at IS NULL`

	queryInsert = `
		INSERT INTO kill_switches (scope, tenant_id, venue_id, reason, activated_by, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)`

	querySelectActive = `
		SELECT id, scope, tenant_id, venue_id, reason, activated_by, activated_at, expires_at
		FROM kill_switches
		WHERE deactivated_at IS NULL
		ORDER BY activated_at ASC`

	queryDeactivate = `
		UPDATE kill_switches
		SET deactivated_at = CURRENT_TIMESTAMP
		WHERE scope = ? AND tenant_id = ? AND venue_id = ? AND deactivated_at IS NULL`
)

// SQLiteStore persists kill switches. Deactivation is a tombstone, not a
// delete, so the activation record survives for audit.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if err := storage.InitSchema(db, []string{tableSchema, indexActive}); err != nil {
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Insert(ctx context.Context, sw Switch) error {
	var expires any
	if sw.ExpiresAt != nil {
		expires = sw.ExpiresAt.UTC().Format(time.RFC3339)
	}

	_, err := storage.ExecRetry(ctx, s.db, queryInsert,
		string(sw.Scope), sw.TenantID, sw.VenueID, sw.Reason, sw.ActivatedBy, expires)
	if err != nil {
		return fmt.Errorf("insert kill switch: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Deactivate(ctx context.Context, scope Scope, tenantID, venueID string) (bool, error) {
	res, err := storage.ExecRetry(ctx, s.db, queryDeactivate, string(scope), tenantID, venueID)
	if err != nil {
		return false, fmt.Errorf("deactivate kill switch: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLiteStore) Active(ctx context.Context) ([]Switch, error) {
	rows, err := s.db.QueryContext(ctx, querySelectActive)
	if err != nil {
		return nil, fmt.Errorf("query kill switches: %w", err)
	}
	defer rows.Close()

	var switches []Switch
	for rows.Next() {
		var sw Switch
		var activatedAt string
		var expiresAt sql.NullString

		if err := rows.Scan(&sw.ID, &sw.Scope, &sw.TenantID, &sw.VenueID,
			&sw.Reason, &sw.ActivatedBy, &activatedAt, &expiresAt); err != nil {
			return nil, fmt.Errorf("scan kill switch: %w", err)
		}

		sw.ActivatedAt, err = storage.ParseTimestamp(activatedAt)
		if err != nil {
			return nil, err
		}
		if expiresAt.Valid {
			t, err := storage.ParseTimestamp(expiresAt.String)
			if err != nil {
				return nil, err
			}
			sw.ExpiresAt = &t
		}

		switches = append(switches, sw)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return switches, nil
}
