// ABOUTME: Schema registry mapping schema names to stable ids and latest versions
// ABOUTME: Version bumps are guarded by an optimistic compare-and-set check

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
)

var schemaMigrations = MigrationSet{
	ID:            "schema_ids b2f6e7aa-9a01-48f2-8b6f-20b8f16cd1a3",
	Name:          "schema_ids",
	TargetVersion: 1,
	Steps: []Step{
		{To: 1, Name: "schema_ids_0_to_1", Script: `
			CREATE TABLE hive_schema_ids (
				schema_name    TEXT NOT NULL PRIMARY KEY,
				schema_id      INTEGER NOT NULL UNIQUE,
				latest_version INTEGER NOT NULL
			)
		`},
	},
}

// SchemaRegistry maps human-readable schema names to stable integer ids and
// tracks the newest known version per schema. Names and ids are never
// reassigned once committed; only latest_version moves, and only forward.
type SchemaRegistry struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSchemaRegistry creates a registry over the given database handle.
func NewSchemaRegistry(db *sql.DB) *SchemaRegistry {
	return &SchemaRegistry{
		db:     db,
		logger: slog.Default().With("component", "schema"),
	}
}

// Register returns the id for a schema name, allocating one if the name is
// new. Idempotent: repeated registration returns the same id. New schemas
// start at version 0.
func (r *SchemaRegistry) Register(ctx context.Context, name string) (int64, error) {
	if id, err := r.lookup(ctx, name); err == nil {
		return id, nil
	} else if err != ErrNotFound {
		return 0, err
	}

	id, err := r.allocate(ctx, name)
	if err == nil {
		return id, nil
	}
	if !isConstraintViolation(err) {
		return 0, err
	}

	// Concurrent registration of the same name; use the committed row.
	return r.lookup(ctx, name)
}

func (r *SchemaRegistry) lookup(ctx context.Context, name string) (int64, error) {
	var id int64
	err := r.db.QueryRowContext(ctx,
		`SELECT schema_id FROM hive_schema_ids WHERE schema_name = ?`, name,
	).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("querying schema id: %w", err)
	}
	return id, nil
}

func (r *SchemaRegistry) allocate(ctx context.Context, name string) (int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var next int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(schema_id), 0) + 1 FROM hive_schema_ids`,
	).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("reading max schema id: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO hive_schema_ids (schema_name, schema_id, latest_version) VALUES (?, ?, 0)`,
		name, next,
	)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}

	r.logger.Debug("registered schema", "name", name, "id", next)
	return next, nil
}

const latestVersionQuery = `SELECT latest_version FROM hive_schema_ids WHERE schema_id = ?`

// CurrentVersion returns the latest known version for a schema id.
// Returns ErrNotFound for an unregistered schema.
func (r *SchemaRegistry) CurrentVersion(ctx context.Context, schemaID int64) (int64, error) {
	return scanLatestVersion(r.db.QueryRowContext(ctx, latestVersionQuery, schemaID))
}

// CurrentVersionTx is CurrentVersion inside the caller's transaction, for
// writers that must tag rows against the version they just validated.
func (r *SchemaRegistry) CurrentVersionTx(ctx context.Context, tx *sql.Tx, schemaID int64) (int64, error) {
	return scanLatestVersion(tx.QueryRowContext(ctx, latestVersionQuery, schemaID))
}

func scanLatestVersion(row *sql.Row) (int64, error) {
	var version int64
	err := row.Scan(&version)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("querying schema version: %w", err)
	}
	return version, nil
}

// BumpVersion advances a schema's latest version from expectedOld to new.
//
// Fails with ErrVersionConflict if the stored version is not expectedOld,
// guarding against lost updates when multiple processes attempt the same
// migration. Versions only move forward; new must be greater than expectedOld.
func (r *SchemaRegistry) BumpVersion(ctx context.Context, schemaID, expectedOld, newVersion int64) error {
	if newVersion <= expectedOld {
		return fmt.Errorf("%w: version %d does not advance past %d", ErrVersionConflict, newVersion, expectedOld)
	}

	result, err := r.db.ExecContext(ctx,
		`UPDATE hive_schema_ids SET latest_version = ? WHERE schema_id = ? AND latest_version = ?`,
		newVersion, schemaID, expectedOld,
	)
	if err != nil {
		return fmt.Errorf("bumping schema version: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rows == 0 {
		// Either the schema is unknown or another writer moved the version.
		if _, err := r.CurrentVersion(ctx, schemaID); err != nil {
			return err
		}
		return ErrVersionConflict
	}

	r.logger.Debug("bumped schema version", "schema_id", schemaID, "from", expectedOld, "to", newVersion)
	return nil
}

// Entry returns the full registry record for a schema name.
func (r *SchemaRegistry) Entry(ctx context.Context, name string) (*SchemaEntry, error) {
	var e SchemaEntry
	err := r.db.QueryRowContext(ctx,
		`SELECT schema_name, schema_id, latest_version FROM hive_schema_ids WHERE schema_name = ?`,
		name,
	).Scan(&e.Name, &e.SchemaID, &e.LatestVersion)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying schema entry: %w", err)
	}
	return &e, nil
}

// List returns all registered schemas ordered by id.
func (r *SchemaRegistry) List(ctx context.Context) ([]SchemaEntry, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT schema_name, schema_id, latest_version FROM hive_schema_ids ORDER BY schema_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("querying schemas: %w", err)
	}
	defer rows.Close()

	var entries []SchemaEntry
	for rows.Next() {
		var e SchemaEntry
		if err := rows.Scan(&e.Name, &e.SchemaID, &e.LatestVersion); err != nil {
			return nil, fmt.Errorf("scanning schema row: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating schema rows: %w", err)
	}
	return entries, nil
}
