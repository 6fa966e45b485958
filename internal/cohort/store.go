package cohort

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dagbolade/rollout-control-plane/internal/rollout"
	"github.com/dagbolade/rollout-control-plane/internal/storage"
)

// Cohort groups venues under a shared rollout ceiling. Membership caps the
// maximum mode a venue may hold and supplies cohort-level flag overrides;
// it never grants a mode by itself.
type Cohort struct {
	ID         string       `json:"id"`
	Name       string       `json:"name"`
	TargetMode rollout.Mode `json:"target_mode"`
}

var ErrCohortNotFound = errors.New("cohort not found")

const (
	cohortsSchema = `
		CREATE TABLE IF NOT EXISTS cohorts (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			target_mode TEXT NOT NULL CHECK(target_mode IN ('off', 'shadow_ui', 'assisted', 'full'))
		)`

	queryUpsertCohort = `
		INSERT INTO cohorts (id, name, target_mode) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, target_mode = excluded.target_mode`

	querySelectCohort = `
		SELECT id, name, target_mode FROM cohorts WHERE id = ?`

	querySelectCohorts = `
		SELECT id, name, target_mode FROM cohorts ORDER BY id`
)

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if err := storage.InitSchema(db, []string{cohortsSchema}); err != nil {
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Upsert(ctx context.Context, c Cohort) error {
	if !c.TargetMode.Valid() {
		return fmt.Errorf("invalid target mode: %q", c.TargetMode)
	}
	_, err := storage.ExecRetry(ctx, s.db, queryUpsertCohort, c.ID, c.Name, string(c.TargetMode))
	if err != nil {
		return fmt.Errorf("upsert cohort: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Cohort(ctx context.Context, id string) (Cohort, error) {
	var c Cohort
	err := s.db.QueryRowContext(ctx, querySelectCohort, id).Scan(&c.ID, &c.Name, &c.TargetMode)
	if err == sql.ErrNoRows {
		return Cohort{}, ErrCohortNotFound
	}
	if err != nil {
		return Cohort{}, fmt.Errorf("select cohort: %w", err)
	}
	return c, nil
}

func (s *SQLiteStore) Cohorts(ctx context.Context) ([]Cohort, error) {
	rows, err := s.db.QueryContext(ctx, querySelectCohorts)
	if err != nil {
		return nil, fmt.Errorf("select cohorts: %w", err)
	}
	defer rows.Close()

	var cohorts []Cohort
	for rows.Next() {
		var c Cohort
		if err := rows.Scan(&c.ID, &c.Name, &c.TargetMode); err != nil {
			return nil, fmt.Errorf("scan cohort: %w", err)
		}
		cohorts = append(cohorts, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return cohorts, nil
}

// Ceiling implements rollout.CeilingProvider. An unknown cohort id caps at
// off so a dangling reference cannot widen exposure.
func (s *SQLiteStore) Ceiling(ctx context.Context, cohortID string) (rollout.Mode, error) {
	c, err := s.Cohort(ctx, cohortID)
	if errors.Is(err, ErrCohortNotFound) {
		return rollout.ModeOff, nil
	}
	if err != nil {
		return "", err
	}
	return c.TargetMode, nil
}
