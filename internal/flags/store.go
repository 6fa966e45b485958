package flags

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/dagbolade/rollout-control-plane/internal/storage"
)

const (
	flagsSchema = `
		CREATE TABLE IF NOT EXISTS flags (
			key TEXT PRIMARY KEY,
			default_enabled INTEGER NOT NULL DEFAULT 0,
			default_payload TEXT
		)`

	overridesSchema = `
		CREATE TABLE IF NOT EXISTS flag_overrides (
			key TEXT NOT NULL,
			scope TEXT NOT NULL CHECK(scope IN ('cohort', 'venue', 'tenant')),
			scope_id TEXT NOT NULL,
			enabled INTEGER NOT NULL,
			payload TEXT,
			PRIMARY KEY (key, scope, scope_id)
		)`

	queryUpsertFlag = `
		INSERT INTO flags (key, default_enabled, default_payload) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET default_enabled = excluded.default_enabled,
			default_payload = excluded.default_payload`

	querySelectFlag = `
		SELECT default_enabled, default_payload FROM flags WHERE key = ?`

	queryUpsertOverride = `
		INSERT INTO flag_overrides (key, scope, scope_id, enabled, payload) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(key, scope, scope_id) DO UPDATE SET enabled = excluded.enabled,
			payload = excluded.payload`

	queryDeleteOverride = `
		DELETE FROM flag_overrides WHERE key = ? AND scope = ? AND scope_id = ?`

	querySelectOverrides = `
		SELECT scope, scope_id, enabled, payload FROM flag_overrides WHERE key = ?`
)

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if err := storage.InitSchema(db, []string{flagsSchema, overridesSchema}); err != nil {
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) RegisterFlag(ctx context.Context, f Flag) error {
	_, err := storage.ExecRetry(ctx, s.db, queryUpsertFlag,
		f.Key, boolToInt(f.DefaultEnabled), nullableJSON(f.DefaultPayload))
	if err != nil {
		return fmt.Errorf("register flag: %w", err)
	}
	return nil
}

// Flag returns the registered default, or a ConfigurationError for an
// unknown key.
func (s *SQLiteStore) Flag(ctx context.Context, key string) (Flag, error) {
	var enabled int
	var payload sql.NullString

	err := s.db.QueryRowContext(ctx, querySelectFlag, key).Scan(&enabled, &payload)
	if err == sql.ErrNoRows {
		return Flag{}, &ConfigurationError{Key: key, Detail: "unknown flag key"}
	}
	if err != nil {
		return Flag{}, fmt.Errorf("select flag: %w", err)
	}

	f := Flag{Key: key, DefaultEnabled: enabled != 0}
	if payload.Valid {
		f.DefaultPayload = json.RawMessage(payload.String)
	}
	return f, nil
}

func (s *SQLiteStore) SetOverride(ctx context.Context, o Override) error {
	_, err := storage.ExecRetry(ctx, s.db, queryUpsertOverride,
		o.Key, string(o.Scope), o.ScopeID, boolToInt(o.Enabled), nullableJSON(o.Payload))
	if err != nil {
		return fmt.Errorf("set override: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteOverride(ctx context.Context, key string, scope Scope, scopeID string) error {
	_, err := storage.ExecRetry(ctx, s.db, queryDeleteOverride, key, string(scope), scopeID)
	if err != nil {
		return fmt.Errorf("delete override: %w", err)
	}
	return nil
}

// Overrides returns every override for a key, any scope.
func (s *SQLiteStore) Overrides(ctx context.Context, key string) ([]Override, error) {
	rows, err := s.db.QueryContext(ctx, querySelectOverrides, key)
	if err != nil {
		return nil, fmt.Errorf("select overrides: %w", err)
	}
	defer rows.Close()

	var overrides []Override
	for rows.Next() {
		o := Override{Key: key}
		var enabled int
		var payload sql.NullString

		if err := rows.Scan(&o.Scope, &o.ScopeID, &enabled, &payload); err != nil {
			return nil, fmt.Errorf("scan override: %w", err)
		}
		o.Enabled = enabled != 0
		if payload.Valid {
			o.Payload = json.RawMessage(payload.String)
		}
		overrides = append(overrides, o)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return overrides, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
