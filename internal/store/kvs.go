// ABOUTME: KVS module registry tracking per-module backing tables and their versions
// ABOUTME: Creates module tables transactionally and mediates their re-migration

package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
)

var kvsMigrations = MigrationSet{
	ID:            "kvs 9c64a2a7-52fd-4b43-8747-13c1f1a5ef04",
	Name:          "kvs",
	TargetVersion: 1,
	Steps: []Step{
		{To: 1, Name: "kvs_0_to_1", Script: `
			CREATE TABLE hive_kvs_info (
				module_path        TEXT NOT NULL PRIMARY KEY,
				table_name         TEXT NOT NULL UNIQUE,
				kvs_schema_version INTEGER NOT NULL,
				key_id             INTEGER NOT NULL,
				key_version        INTEGER NOT NULL
			)
		`},
	},
}

// Module table names are interpolated into DDL and queries, so they are
// restricted to plain identifiers.
var tableNamePattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// KvsRegistry tracks freeform per-module tables that follow the store's
// versioning contract but are not mediated by the central ConfigStore.
// Each module owns exactly one module_path and one backing table.
type KvsRegistry struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewKvsRegistry creates a module registry over the given database handle.
func NewKvsRegistry(db *sql.DB) *KvsRegistry {
	return &KvsRegistry{
		db:     db,
		logger: slog.Default().With("component", "kvs"),
	}
}

// TableNameFor derives a backing table name from a module path: the last two
// dotted segments stripped to alphanumerics, prefixed with a short hash of
// the full path so sibling modules with similar names cannot collide.
func TableNameFor(modulePath string) string {
	parts := strings.Split(modulePath, ".")
	var frag string
	switch {
	case len(parts) >= 2:
		frag = stripToAlphanumeric(parts[len(parts)-2]) + "_" + stripToAlphanumeric(parts[len(parts)-1])
	default:
		frag = stripToAlphanumeric(parts[0])
	}
	sum := sha256.Sum256([]byte(modulePath))
	return fmt.Sprintf("hive_kvs_%s_%s", hex.EncodeToString(sum[:2]), frag)
}

func stripToAlphanumeric(value string) string {
	var b strings.Builder
	for _, ch := range value {
		switch {
		case ch >= '0' && ch <= '9', ch >= 'a' && ch <= 'z':
			b.WriteRune(ch)
		case ch >= 'A' && ch <= 'Z':
			b.WriteRune(ch - 'A' + 'a')
		}
	}
	return b.String()
}

// existingModule resolves a registration attempt against committed rows.
// Returns the stored record when modulePath is already registered with a
// matching table and key scheme, (nil, nil) when neither the path nor the
// table is taken, and an error for any collision.
func (r *KvsRegistry) existingModule(ctx context.Context, modulePath, tableName string, keyID, keyVersion int64) (*KvsModuleInfo, error) {
	existing, err := r.Module(ctx, modulePath)
	if err != nil && err != ErrNotFound {
		return nil, err
	}
	if existing != nil {
		if existing.TableName != tableName {
			return nil, fmt.Errorf(
				"%w: module %q already uses table %q",
				ErrAlreadyRegistered, modulePath, existing.TableName,
			)
		}
		if existing.KeyID != keyID || existing.KeyVersion != keyVersion {
			return nil, fmt.Errorf(
				"%w: module %q key scheme is (%d, v%d), caller expects (%d, v%d)",
				ErrSchemaVersionMismatch, modulePath,
				existing.KeyID, existing.KeyVersion, keyID, keyVersion,
			)
		}
		return existing, nil
	}

	var owner string
	err = r.db.QueryRowContext(ctx,
		`SELECT module_path FROM hive_kvs_info WHERE table_name = ?`, tableName,
	).Scan(&owner)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying kvs table owner: %w", err)
	}
	return nil, fmt.Errorf(
		"%w: table %q is owned by module %q", ErrAlreadyRegistered, tableName, owner,
	)
}

// RegisterModule records a module and creates its backing table, both in one
// transaction.
//
// Re-registering an existing module with the same table and key scheme
// returns the stored record. A module_path or table_name owned by a
// different module fails with ErrAlreadyRegistered; an existing module whose
// key scheme differs from the caller's fails with ErrSchemaVersionMismatch,
// since its table needs a key re-migration before use.
func (r *KvsRegistry) RegisterModule(ctx context.Context, modulePath, tableName string, initialSchemaVersion, keyID, keyVersion int64) (*KvsModuleInfo, error) {
	if !tableNamePattern.MatchString(tableName) {
		return nil, fmt.Errorf("invalid kvs table name %q", tableName)
	}

	if info, err := r.existingModule(ctx, modulePath, tableName, keyID, keyVersion); info != nil || err != nil {
		return info, err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// The info row goes in before any DDL: its PRIMARY KEY and UNIQUE
	// constraints reject path and table collisions while everything can
	// still roll back, whereas a failed CREATE TABLE surfaces as a raw
	// "table already exists" error.
	_, err = tx.ExecContext(ctx, `
		INSERT INTO hive_kvs_info (module_path, table_name, kvs_schema_version, key_id, key_version)
		VALUES (?, ?, ?, ?, ?)
	`, modulePath, tableName, initialSchemaVersion, keyID, keyVersion)
	if err != nil {
		if !isConstraintViolation(err) {
			return nil, fmt.Errorf("inserting kvs info: %w", err)
		}
		tx.Rollback()

		// Lost a registration race; decide against the committed rows.
		info, rerr := r.existingModule(ctx, modulePath, tableName, keyID, keyVersion)
		if info != nil || rerr != nil {
			return info, rerr
		}
		return nil, fmt.Errorf("%w: table %q", ErrAlreadyRegistered, tableName)
	}

	_, err = tx.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE %s (
			key              BLOB NOT NULL PRIMARY KEY,
			value            BLOB NOT NULL,
			value_schema_id  INTEGER NOT NULL,
			value_schema_ver INTEGER NOT NULL
		)
	`, tableName))
	if err != nil {
		return nil, fmt.Errorf("creating kvs table %q: %w", tableName, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	r.logger.Info("registered kvs module", "module", modulePath, "table", tableName)
	return &KvsModuleInfo{
		ModulePath:    modulePath,
		TableName:     tableName,
		SchemaVersion: initialSchemaVersion,
		KeyID:         keyID,
		KeyVersion:    keyVersion,
	}, nil
}

// Module returns the registry record for a module path.
func (r *KvsRegistry) Module(ctx context.Context, modulePath string) (*KvsModuleInfo, error) {
	var info KvsModuleInfo
	err := r.db.QueryRowContext(ctx, `
		SELECT module_path, table_name, kvs_schema_version, key_id, key_version
		FROM hive_kvs_info
		WHERE module_path = ?
	`, modulePath).Scan(
		&info.ModulePath, &info.TableName, &info.SchemaVersion, &info.KeyID, &info.KeyVersion,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying kvs module: %w", err)
	}
	return &info, nil
}

// Modules returns all registered modules ordered by module path.
func (r *KvsRegistry) Modules(ctx context.Context) ([]KvsModuleInfo, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT module_path, table_name, kvs_schema_version, key_id, key_version
		FROM hive_kvs_info
		ORDER BY module_path
	`)
	if err != nil {
		return nil, fmt.Errorf("querying kvs modules: %w", err)
	}
	defer rows.Close()

	var infos []KvsModuleInfo
	for rows.Next() {
		var info KvsModuleInfo
		if err := rows.Scan(
			&info.ModulePath, &info.TableName, &info.SchemaVersion, &info.KeyID, &info.KeyVersion,
		); err != nil {
			return nil, fmt.Errorf("scanning kvs module row: %w", err)
		}
		infos = append(infos, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating kvs module rows: %w", err)
	}
	return infos, nil
}

// dbExecer covers *sql.DB and *sql.Tx for writes that may run standalone or
// inside a migration step's transaction.
type dbExecer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// recordVersions stamps a module's post-migration versions through the given
// handle. Returns ErrNotFound for an unregistered module.
func (r *KvsRegistry) recordVersions(ctx context.Context, e dbExecer, modulePath string, newSchemaVersion, newKeyVersion int64) error {
	result, err := e.ExecContext(ctx, `
		UPDATE hive_kvs_info SET kvs_schema_version = ?, key_version = ?
		WHERE module_path = ?
	`, newSchemaVersion, newKeyVersion, modulePath)
	if err != nil {
		return fmt.Errorf("updating kvs info: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateAfterMigration records a module's new schema and key versions on its
// own. Prefer MigrateModule, which commits this update together with the
// final migration step; this entry point exists for recovery tooling when
// the table is known to be migrated already.
func (r *KvsRegistry) UpdateAfterMigration(ctx context.Context, modulePath string, newSchemaVersion, newKeyVersion int64) error {
	if err := r.recordVersions(ctx, r.db, modulePath, newSchemaVersion, newKeyVersion); err != nil {
		return err
	}

	r.logger.Info("updated kvs module after migration",
		"module", modulePath, "schema_version", newSchemaVersion, "key_version", newKeyVersion)
	return nil
}

// MigrateModule runs a migration set against a module's backing table and
// records the new versions in the registry.
//
// The registry update rides in the final step's transaction, so the table
// reaching its target version and the registry reflecting it commit
// atomically. When the table was already at target before the call, the
// final step is skipped and the registry is brought up to date on its own.
func (r *KvsRegistry) MigrateModule(ctx context.Context, m *Migrator, set MigrationSet, modulePath string, newSchemaVersion, newKeyVersion int64) error {
	if _, err := r.Module(ctx, modulePath); err != nil {
		return err
	}
	if err := set.validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrMigrationFailed, err)
	}

	steps := make([]Step, len(set.Steps))
	copy(steps, set.Steps)
	last := steps[len(steps)-1]
	steps[len(steps)-1] = Step{
		To:   last.To,
		Name: last.Name,
		Apply: func(ctx context.Context, tx *sql.Tx) error {
			if last.Apply != nil {
				if err := last.Apply(ctx, tx); err != nil {
					return err
				}
			} else if _, err := tx.ExecContext(ctx, last.Script); err != nil {
				return fmt.Errorf("executing script %q: %w", last.Name, err)
			}
			return r.recordVersions(ctx, tx, modulePath, newSchemaVersion, newKeyVersion)
		},
	}
	set.Steps = steps

	if err := m.Run(ctx, set); err != nil {
		return err
	}

	info, err := r.Module(ctx, modulePath)
	if err != nil {
		return err
	}
	if info.SchemaVersion != newSchemaVersion || info.KeyVersion != newKeyVersion {
		return r.UpdateAfterMigration(ctx, modulePath, newSchemaVersion, newKeyVersion)
	}

	r.logger.Info("migrated kvs module",
		"module", modulePath, "schema_version", newSchemaVersion, "key_version", newKeyVersion)
	return nil
}

// ModuleStore reads and writes one module's backing table. Values are opaque
// byte payloads tagged with the caller's schema id and version.
type ModuleStore struct {
	db     *sql.DB
	info   KvsModuleInfo
	logger *slog.Logger

	putQuery    string
	getQuery    string
	deleteQuery string
}

// OpenModule opens a registered module's backing table for access.
func (r *KvsRegistry) OpenModule(ctx context.Context, modulePath string) (*ModuleStore, error) {
	info, err := r.Module(ctx, modulePath)
	if err != nil {
		return nil, err
	}
	return &ModuleStore{
		db:     r.db,
		info:   *info,
		logger: r.logger.With("module", modulePath),
		putQuery: fmt.Sprintf(
			`REPLACE INTO %s (key, value, value_schema_id, value_schema_ver) VALUES (?, ?, ?, ?)`,
			info.TableName,
		),
		getQuery: fmt.Sprintf(
			`SELECT value, value_schema_id, value_schema_ver FROM %s WHERE key = ?`,
			info.TableName,
		),
		deleteQuery: fmt.Sprintf(`DELETE FROM %s WHERE key = ?`, info.TableName),
	}, nil
}

// Info returns the registry record this store was opened with.
func (s *ModuleStore) Info() KvsModuleInfo {
	return s.info
}

// Put stores a value for a key, tagged with the caller's schema.
func (s *ModuleStore) Put(ctx context.Context, key, value []byte, schemaID, schemaVersion int64) error {
	_, err := s.db.ExecContext(ctx, s.putQuery, key, value, schemaID, schemaVersion)
	if err != nil {
		return fmt.Errorf("writing kvs value: %w", err)
	}
	s.logger.Debug("put kvs value", "size", len(value), "schema_id", schemaID)
	return nil
}

// Get returns the value and schema tag for a key.
// Returns ErrNotFound if the key is absent.
func (s *ModuleStore) Get(ctx context.Context, key []byte) (*Value, error) {
	var v Value
	err := s.db.QueryRowContext(ctx, s.getQuery, key).Scan(&v.Data, &v.SchemaID, &v.SchemaVersion)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying kvs value: %w", err)
	}
	return &v, nil
}

// Delete removes a key. Deleting an absent key is not an error.
func (s *ModuleStore) Delete(ctx context.Context, key []byte) error {
	if _, err := s.db.ExecContext(ctx, s.deleteQuery, key); err != nil {
		return fmt.Errorf("deleting kvs value: %w", err)
	}
	return nil
}
