// ABOUTME: SQLite-backed Store handle using modernc.org/sqlite
// ABOUTME: Opens the database, runs built-in migrations, and exposes component handles

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

var metaMigrations = MigrationSet{
	ID:            "meta 1b0c94ab-8c5e-4a3f-b7a4-6d9be2f0c3d9",
	Name:          "meta",
	TargetVersion: 1,
	Steps: []Step{
		{To: 1, Name: "meta_0_to_1", Script: `
			CREATE TABLE hive_meta (
				meta_key   TEXT NOT NULL PRIMARY KEY,
				meta_value TEXT NOT NULL
			)
		`},
	},
}

// builtinMigrations are the sets that create the store's own tables.
// Order matters only for readability; each set tracks its own version.
var builtinMigrations = []MigrationSet{
	metaMigrations,
	internerMigrations,
	schemaMigrations,
	configMigrations,
	kvsMigrations,
}

// Store is a handle to one hive-store database file.
//
// All components share the handle's connection pool; each operation acquires
// its own transaction scope, so concurrent callers are isolated by the
// storage engine rather than by in-process locks.
type Store struct {
	db         *sql.DB
	logger     *slog.Logger
	instanceID string

	interner *Interner
	schemas  *SchemaRegistry
	migrator *Migrator
	kvs      *KvsRegistry
}

// Open opens (creating if needed) a hive-store database at the given path.
// Parent directories are created, the built-in migrations are applied, and
// a persistent instance id is stamped on first open.
func Open(path string) (*Store, error) {
	logger := slog.Default().With("component", "store")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	// _txlock=immediate makes write transactions take the write lock at
	// BEGIN, so the read-max-then-insert allocation patterns serialize
	// instead of failing at upgrade time under concurrency.
	dsn := "file:" + path + "?_txlock=immediate&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	s := &Store{
		db:       db,
		logger:   logger,
		interner: NewInterner(db),
		schemas:  NewSchemaRegistry(db),
		migrator: NewMigrator(db),
		kvs:      NewKvsRegistry(db),
	}

	ctx := context.Background()
	for _, set := range builtinMigrations {
		if err := s.migrator.Run(ctx, set); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying built-in migrations: %w", err)
		}
	}

	if err := s.loadInstanceID(ctx); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("hive store initialized", "path", path, "instance_id", s.instanceID)
	return s, nil
}

// loadInstanceID reads the stored instance id, generating one on first open.
// The DO NOTHING insert keeps the first-committed id under concurrent opens.
func (s *Store) loadInstanceID(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO hive_meta (meta_key, meta_value) VALUES ('instance_id', ?)
		ON CONFLICT (meta_key) DO NOTHING
	`, uuid.New().String())
	if err != nil {
		return fmt.Errorf("stamping instance id: %w", err)
	}

	err = s.db.QueryRowContext(ctx,
		`SELECT meta_value FROM hive_meta WHERE meta_key = 'instance_id'`,
	).Scan(&s.instanceID)
	if err != nil {
		return fmt.Errorf("reading instance id: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	s.logger.Info("closing hive store")
	return s.db.Close()
}

// DB exposes the underlying handle for callers composing their own
// transactions, such as module migration steps.
func (s *Store) DB() *sql.DB { return s.db }

// InstanceID returns the store's persistent identity, stamped at creation.
func (s *Store) InstanceID() string { return s.instanceID }

// Interner returns the store's interning layer.
func (s *Store) Interner() *Interner { return s.interner }

// Schemas returns the store's schema registry.
func (s *Store) Schemas() *SchemaRegistry { return s.schemas }

// Migrator returns the store's migration engine.
func (s *Store) Migrator() *Migrator { return s.migrator }

// Kvs returns the store's module registry.
func (s *Store) Kvs() *KvsRegistry { return s.kvs }

// Config returns a configuration store over this handle. Pass
// WithInternedKeys to store keys as interned ids instead of raw strings.
func (s *Store) Config(opts ...ConfigOption) *ConfigStore {
	return NewConfigStore(s.db, s.schemas, s.interner, opts...)
}
