// Package store is a schema-versioned persistent store backed by SQLite.
//
// # Architecture
//
// The package is organized as component handles sharing one database handle:
//
//   - Interner: maps (hive, name) pairs to stable integer ids, append-only
//   - SchemaRegistry: maps schema names to ids and tracks latest versions
//   - Migrator: applies ordered, versioned migration steps exactly once
//   - ConfigStore: scope+key configuration with append-only revision history
//   - KvsRegistry / ModuleStore: per-module tables under the same contract
//
// Store opens the file, runs the built-in migrations, and hands out the
// component handles. Each handle can also be constructed directly over a
// *sql.DB, which keeps tests isolated to temp-file stores.
//
// # Versioning contract
//
// Every stored value carries a (schema id, schema version) tag. The store
// never decodes payloads; callers register schemas, tag their writes, and
// receive the tag back on reads. Schema evolution is forward-only: the
// Migrator applies numbered steps in strict ascending order, each in its own
// transaction, recording success so a step runs at most once. Superseded
// configuration values move to a history ledger before being overwritten, so
// any prior revision is byte-for-byte recoverable.
//
// # SQLite Configuration
//
// The store uses SQLite in WAL mode with immediate write transactions:
//
//	_txlock=immediate
//	PRAGMA busy_timeout=5000;
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//
// # Error Handling
//
// Sentinel errors:
//
//   - ErrNotFound: key, id, or schema absent
//   - ErrAlreadyRegistered: duplicate module or table registration
//   - ErrVersionConflict: optimistic version check failed (retryable)
//   - ErrSchemaVersionMismatch: caller and store disagree on a schema version
//   - ErrMigrationFailed: a migration step aborted; unit stays at last-good
//
// Storage engine failures are wrapped and propagated, never masked. Every
// mutating operation is a single transaction; partial writes are never
// user-visible.
package store
