// ABOUTME: Configuration store with scope+key lookup and append-only revision history
// ABOUTME: Every overwrite archives the superseded value before the entry changes

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
)

var configMigrations = MigrationSet{
	ID:            "config 4f1f4fd0-6c5a-49d0-98cb-cf9a1dd200b7",
	Name:          "config",
	TargetVersion: 1,
	Steps: []Step{
		{To: 1, Name: "config_0_to_1", Script: `
			CREATE TABLE hive_configuration (
				scope                BLOB NOT NULL,
				key                  TEXT NOT NULL,
				value                BLOB NOT NULL,
				value_schema_id      INTEGER NOT NULL,
				value_schema_version INTEGER NOT NULL,
				PRIMARY KEY (scope, key)
			);

			CREATE TABLE hive_config_history (
				scope    BLOB NOT NULL,
				key      TEXT NOT NULL,
				revision INTEGER NOT NULL,
				data     BLOB,
				PRIMARY KEY (scope, key, revision)
			);
		`},
	},
}

// ConfigOption configures a ConfigStore.
type ConfigOption func(*ConfigStore)

// WithInternedKeys makes the store run configuration keys through the
// interner and persist the compact id instead of the raw string. Stores
// reading the same table must agree on the key representation; the choice
// belongs to the schema, not to individual calls.
func WithInternedKeys(hive int64) ConfigOption {
	return func(c *ConfigStore) {
		c.keyHive = &hive
	}
}

// ConfigStore holds typed configuration values per (scope, key), each tagged
// with a schema id and version, and keeps an append-only history ledger of
// superseded revisions for rollback and audit.
type ConfigStore struct {
	db       *sql.DB
	schemas  *SchemaRegistry
	interner *Interner
	keyHive  *int64
	logger   *slog.Logger
}

// NewConfigStore creates a configuration store over the given handles.
func NewConfigStore(db *sql.DB, schemas *SchemaRegistry, interner *Interner, opts ...ConfigOption) *ConfigStore {
	c := &ConfigStore{
		db:       db,
		schemas:  schemas,
		interner: interner,
		logger:   slog.Default().With("component", "config"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// writeKey resolves the storage representation of a key for writes,
// allocating an interned id when key interning is enabled.
func (c *ConfigStore) writeKey(ctx context.Context, key string) (any, error) {
	if c.keyHive == nil {
		return key, nil
	}
	id, err := c.interner.Intern(ctx, *c.keyHive, []byte(key))
	if err != nil {
		return nil, fmt.Errorf("interning config key: %w", err)
	}
	return id, nil
}

// readKey resolves the storage representation of a key for reads without
// allocating. ok is false when the key was never interned, so no row exists.
func (c *ConfigStore) readKey(ctx context.Context, key string) (any, bool, error) {
	if c.keyHive == nil {
		return key, true, nil
	}
	id, ok, err := c.interner.Lookup(ctx, *c.keyHive, []byte(key))
	if err != nil {
		return nil, false, fmt.Errorf("looking up config key: %w", err)
	}
	return id, ok, nil
}

// Get returns the stored value and schema tag for (scope, key).
// Returns ErrNotFound if no value is set.
func (c *ConfigStore) Get(ctx context.Context, scope []byte, key string) (*ConfigValue, error) {
	storageKey, ok, err := c.readKey(ctx, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}

	var v ConfigValue
	err = c.db.QueryRowContext(ctx, `
		SELECT value, value_schema_id, value_schema_version
		FROM hive_configuration
		WHERE scope = ? AND key = ?
	`, scope, storageKey).Scan(&v.Data, &v.SchemaID, &v.SchemaVersion)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying config value: %w", err)
	}
	return &v, nil
}

// Put stores a value for (scope, key) tagged with the caller's schema.
//
// The caller's schemaVersion must match the registry's latest version for
// schemaID: the store holds opaque payloads it cannot upgrade itself, so a
// stale or future version fails with ErrSchemaVersionMismatch and the caller
// must migrate explicitly. An unknown schema fails with ErrNotFound.
//
// If a value already exists it is archived into history at the next revision
// before being overwritten; the archive and the overwrite commit in a single
// transaction, so readers never observe one without the other.
func (c *ConfigStore) Put(ctx context.Context, scope []byte, key string, data []byte, schemaID, schemaVersion int64) error {
	storageKey, err := c.writeKey(ctx, key)
	if err != nil {
		return err
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// Validated against the same snapshot the write commits into, so a
	// concurrent version bump cannot land between the check and the commit.
	latest, err := c.schemas.CurrentVersionTx(ctx, tx, schemaID)
	if err != nil {
		return err
	}
	if schemaVersion != latest {
		return fmt.Errorf(
			"%w: schema %d caller version %d, latest %d",
			ErrSchemaVersionMismatch, schemaID, schemaVersion, latest,
		)
	}

	if err := c.archiveCurrent(ctx, tx, scope, storageKey, false); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO hive_configuration (scope, key, value, value_schema_id, value_schema_version)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (scope, key) DO UPDATE SET
			value = excluded.value,
			value_schema_id = excluded.value_schema_id,
			value_schema_version = excluded.value_schema_version
	`, scope, storageKey, data, schemaID, schemaVersion)
	if err != nil {
		return fmt.Errorf("writing config value: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	c.logger.Debug("put config value", "key", key, "schema_id", schemaID, "schema_version", schemaVersion)
	return nil
}

// Delete removes the value for (scope, key), appending a tombstone revision
// to history in the same transaction. Returns ErrNotFound if no value is set.
func (c *ConfigStore) Delete(ctx context.Context, scope []byte, key string) error {
	storageKey, ok, err := c.readKey(ctx, key)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := c.archiveCurrent(ctx, tx, scope, storageKey, true); err != nil {
		return err
	}

	result, err := tx.ExecContext(ctx,
		`DELETE FROM hive_configuration WHERE scope = ? AND key = ?`, scope, storageKey,
	)
	if err != nil {
		return fmt.Errorf("deleting config value: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	c.logger.Debug("deleted config value", "key", key)
	return nil
}

// archiveCurrent appends the existing entry's value to history at the next
// gapless revision. The tombstone form records a NULL payload and requires
// the entry to exist; the overwrite form is a no-op for a fresh key.
func (c *ConfigStore) archiveCurrent(ctx context.Context, tx *sql.Tx, scope []byte, storageKey any, tombstone bool) error {
	var current []byte
	err := tx.QueryRowContext(ctx,
		`SELECT value FROM hive_configuration WHERE scope = ? AND key = ?`, scope, storageKey,
	).Scan(&current)
	if err == sql.ErrNoRows {
		if tombstone {
			return ErrNotFound
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading current value: %w", err)
	}

	var next int64
	err = tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(revision), 0) + 1
		FROM hive_config_history
		WHERE scope = ? AND key = ?
	`, scope, storageKey).Scan(&next)
	if err != nil {
		return fmt.Errorf("reading next revision: %w", err)
	}

	var payload any
	if !tombstone {
		payload = current
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO hive_config_history (scope, key, revision, data) VALUES (?, ?, ?, ?)
	`, scope, storageKey, next, payload)
	if err != nil {
		return fmt.Errorf("archiving revision %d: %w", next, err)
	}
	return nil
}

// History returns all archived revisions for (scope, key), revision ascending.
// Each call re-reads storage; no cursor state is kept between calls. A key
// with no history returns an empty slice, not an error.
func (c *ConfigStore) History(ctx context.Context, scope []byte, key string) ([]HistoryEntry, error) {
	storageKey, ok, err := c.readKey(ctx, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return []HistoryEntry{}, nil
	}

	rows, err := c.db.QueryContext(ctx, `
		SELECT revision, data
		FROM hive_config_history
		WHERE scope = ? AND key = ?
		ORDER BY revision ASC
	`, scope, storageKey)
	if err != nil {
		return nil, fmt.Errorf("querying config history: %w", err)
	}
	defer rows.Close()

	var entries []HistoryEntry
	for rows.Next() {
		e := HistoryEntry{Scope: scope, Key: key}
		var data []byte
		if err := rows.Scan(&e.Revision, &data); err != nil {
			return nil, fmt.Errorf("scanning history row: %w", err)
		}
		if data == nil {
			e.Tombstone = true
		} else {
			e.Data = data
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating history rows: %w", err)
	}

	if entries == nil {
		entries = []HistoryEntry{}
	}
	return entries, nil
}
