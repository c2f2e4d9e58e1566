// ABOUTME: Append-only interner mapping (hive, name) pairs to stable integer ids
// ABOUTME: Allocation is serialized through the storage transaction, never in memory

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
)

var internerMigrations = MigrationSet{
	ID:            "interner 7d3f3c4e-33d5-44bd-9251-2a52e5a42b58",
	Name:          "interner",
	TargetVersion: 1,
	Steps: []Step{
		{To: 1, Name: "interner_0_to_1", Script: `
			CREATE TABLE hive_interner (
				hive   INTEGER NOT NULL,
				name   BLOB NOT NULL,
				int_id INTEGER NOT NULL,
				PRIMARY KEY (hive, name),
				UNIQUE (hive, int_id)
			)
		`},
	},
}

// Interner maps variable-length names to compact integer ids, bidirectionally.
//
// Mappings are append-only: an id, once committed, is never reused or
// reassigned, because stored values reference ids and would be invalidated.
// Ids are monotonically assigned per hive; an aborted transaction may burn
// an id, but two names never share one.
type Interner struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewInterner creates an interner over the given database handle.
// The interner table must already exist (Open runs the built-in migrations).
func NewInterner(db *sql.DB) *Interner {
	return &Interner{
		db:     db,
		logger: slog.Default().With("component", "interner"),
	}
}

// Intern returns the id for (hive, name), allocating and committing a new one
// if the name has not been seen. Allocation reads the current maximum id and
// inserts under the same transaction, so concurrent calls for the same unseen
// name race on the UNIQUE constraint and the loser observes the winner's row.
func (i *Interner) Intern(ctx context.Context, hive int64, name []byte) (int64, error) {
	id, ok, err := i.Lookup(ctx, hive, name)
	if err != nil {
		return 0, err
	}
	if ok {
		return id, nil
	}

	id, err = i.allocate(ctx, hive, name)
	if err == nil {
		return id, nil
	}
	if !isConstraintViolation(err) {
		return 0, err
	}

	// Lost the allocation race; the winner's row is committed now.
	id, ok, err = i.Lookup(ctx, hive, name)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("interner: lost allocation race but no row for hive %d", hive)
	}
	return id, nil
}

// allocate inserts a fresh id for a name not present at the time of the call.
func (i *Interner) allocate(ctx context.Context, hive int64, name []byte) (int64, error) {
	tx, err := i.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var id int64
	err = tx.QueryRowContext(ctx,
		`SELECT int_id FROM hive_interner WHERE hive = ? AND name = ?`, hive, name,
	).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return 0, fmt.Errorf("probing interner: %w", err)
	}

	var next int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(int_id), 0) + 1 FROM hive_interner WHERE hive = ?`, hive,
	).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("reading max id: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO hive_interner (hive, name, int_id) VALUES (?, ?, ?)`, hive, name, next,
	)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}

	i.logger.Debug("interned name", "hive", hive, "id", next, "size", len(name))
	return next, nil
}

// Lookup is a non-allocating probe for (hive, name).
func (i *Interner) Lookup(ctx context.Context, hive int64, name []byte) (int64, bool, error) {
	var id int64
	err := i.db.QueryRowContext(ctx,
		`SELECT int_id FROM hive_interner WHERE hive = ? AND name = ?`, hive, name,
	).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("querying interner: %w", err)
	}
	return id, true, nil
}

// Resolve returns the name for an id within a hive.
// Returns ErrNotFound if no such id exists in that hive.
func (i *Interner) Resolve(ctx context.Context, hive int64, id int64) ([]byte, error) {
	var name []byte
	err := i.db.QueryRowContext(ctx,
		`SELECT name FROM hive_interner WHERE hive = ? AND int_id = ?`, hive, id,
	).Scan(&name)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("resolving interned id: %w", err)
	}
	return name, nil
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}
