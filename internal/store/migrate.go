// ABOUTME: Migration engine applying ordered, versioned steps to migratable units
// ABOUTME: Each step runs in its own transaction and is recorded exactly once

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
)

// A Step migrates a unit from on-disk version To-1 to version To.
//
// Script is a SQL batch executed as-is. Apply, when non-nil, takes precedence
// and runs arbitrary Go against the step's transaction; it must not commit or
// roll back. Version 0 represents a unit that has never been migrated.
type Step struct {
	To     int64
	Name   string
	Script string
	Apply  func(ctx context.Context, tx *sql.Tx) error
}

// A MigrationSet is the ordered list of steps for one migratable unit.
//
// ID is recorded in the tracking table and must never change once a store
// has been created with it; by convention it contains a UUID so independent
// units cannot collide. Steps must be contiguous, ascending, and end at
// TargetVersion.
type MigrationSet struct {
	ID            string
	Name          string
	TargetVersion int64
	Steps         []Step
}

// validate refuses malformed sets before any step runs. Applying steps out
// of order (2_to_3 before 1_to_2) is a contract violation, not a retry case.
func (m MigrationSet) validate() error {
	if m.ID == "" {
		return fmt.Errorf("migration set %q has no id", m.Name)
	}
	if len(m.Steps) == 0 {
		return fmt.Errorf("migration set %q has no steps", m.Name)
	}
	prev := m.Steps[0].To - 1
	if prev < 0 {
		return fmt.Errorf("migration set %q: step target %d is not positive", m.Name, m.Steps[0].To)
	}
	for _, step := range m.Steps {
		if step.To != prev+1 {
			return fmt.Errorf(
				"migration set %q: step %d_to_%d out of order after version %d",
				m.Name, step.To-1, step.To, prev,
			)
		}
		if step.Apply == nil && step.Script == "" {
			return fmt.Errorf("migration set %q: step %d_to_%d has no script", m.Name, step.To-1, step.To)
		}
		prev = step.To
	}
	if prev != m.TargetVersion {
		return fmt.Errorf(
			"migration set %q: steps end at version %d, target is %d",
			m.Name, prev, m.TargetVersion,
		)
	}
	return nil
}

// Migrator applies migration sets against a single store.
//
// Concurrent Run calls for the same unit serialize through the version row
// in the tracking table: each step's transaction re-reads the current version
// and skips the step if another writer already applied it.
type Migrator struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewMigrator creates a migration engine over the given database handle.
func NewMigrator(db *sql.DB) *Migrator {
	return &Migrator{
		db:     db,
		logger: slog.Default().With("component", "migrate"),
	}
}

// ensureTracking creates the version tracking table. Safe to run repeatedly.
func (m *Migrator) ensureTracking(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS hive_migrations (
			migration_name  TEXT NOT NULL PRIMARY KEY,
			current_version INTEGER NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("creating migration tracking table: %w", err)
	}
	return nil
}

// Version returns the current recorded version for a unit.
// Units that have never been migrated report version 0.
func (m *Migrator) Version(ctx context.Context, unitID string) (int64, error) {
	if err := m.ensureTracking(ctx); err != nil {
		return 0, err
	}
	var version int64
	err := m.db.QueryRowContext(ctx,
		`SELECT current_version FROM hive_migrations WHERE migration_name = ?`, unitID,
	).Scan(&version)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("querying migration version: %w", err)
	}
	return version, nil
}

// Run brings the set's unit up to TargetVersion.
//
// Steps are applied strictly in ascending order, each inside its own
// transaction together with the version record update, so a crash or a
// failed step leaves the unit at the last completed version with no partial
// step visible. Running an already-current set is a no-op.
func (m *Migrator) Run(ctx context.Context, set MigrationSet) error {
	if err := set.validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrMigrationFailed, err)
	}
	if err := m.ensureTracking(ctx); err != nil {
		return err
	}

	for _, step := range set.Steps {
		applied, err := m.runStep(ctx, set, step)
		if err != nil {
			return fmt.Errorf(
				"%w: set %q step %d_to_%d: %w",
				ErrMigrationFailed, set.Name, step.To-1, step.To, err,
			)
		}
		if applied {
			m.logger.Info("applied migration step",
				"set", set.Name, "from", step.To-1, "to", step.To, "step", step.Name)
		}
	}

	// A concurrent writer can only have moved the version forward; anything
	// short of the target here means the step list cannot reach it.
	version, err := m.Version(ctx, set.ID)
	if err != nil {
		return err
	}
	if version < set.TargetVersion {
		return fmt.Errorf(
			"%w: set %q stopped at version %d of %d",
			ErrMigrationFailed, set.Name, version, set.TargetVersion,
		)
	}
	return nil
}

// runStep applies a single step if the unit is exactly at step.To-1.
// Returns false without error when the step was already applied.
func (m *Migrator) runStep(ctx context.Context, set MigrationSet, step Step) (bool, error) {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var current int64
	err = tx.QueryRowContext(ctx,
		`SELECT current_version FROM hive_migrations WHERE migration_name = ?`, set.ID,
	).Scan(&current)
	if err != nil && err != sql.ErrNoRows {
		return false, fmt.Errorf("reading current version: %w", err)
	}

	if current >= step.To {
		// Already applied, possibly by a concurrent runner.
		return false, nil
	}
	if current != step.To-1 {
		return false, fmt.Errorf("unit is at version %d, step expects %d", current, step.To-1)
	}

	if step.Apply != nil {
		if err := step.Apply(ctx, tx); err != nil {
			return false, err
		}
	} else {
		if _, err := tx.ExecContext(ctx, step.Script); err != nil {
			return false, fmt.Errorf("executing script %q: %w", step.Name, err)
		}
	}

	_, err = tx.ExecContext(ctx,
		`REPLACE INTO hive_migrations (migration_name, current_version) VALUES (?, ?)`,
		set.ID, step.To,
	)
	if err != nil {
		return false, fmt.Errorf("recording version %d: %w", step.To, err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}
