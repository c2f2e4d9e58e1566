// ABOUTME: Core types and error values for the hive-store persistence engine
// ABOUTME: Defines schema/config/kvs records and the sentinel errors all components share

package store

import (
	"errors"
)

// ErrNotFound is returned when a requested key, id, or schema does not exist.
var ErrNotFound = errors.New("not found")

// ErrAlreadyRegistered is returned when a module path or table name collides
// with an existing registration owned by a different module.
var ErrAlreadyRegistered = errors.New("already registered")

// ErrVersionConflict is returned when an optimistic version check fails.
// This is transient: the caller should re-read the current version and retry.
var ErrVersionConflict = errors.New("version conflict")

// ErrSchemaVersionMismatch is returned when stored data is tagged with a
// schema version the caller does not expect and no automatic path applies.
// This is not retried; the caller must handle it explicitly.
var ErrSchemaVersionMismatch = errors.New("schema version mismatch")

// ErrMigrationFailed is returned when a migration step transaction aborts.
// The unit remains at the last successfully completed version.
var ErrMigrationFailed = errors.New("migration failed")

// SchemaEntry describes a registered value schema and its newest known version.
type SchemaEntry struct {
	Name          string
	SchemaID      int64
	LatestVersion int64
}

// ConfigValue is a stored configuration payload with its schema tag.
// The store treats Data as opaque bytes; decoding belongs to the caller.
type ConfigValue struct {
	Data          []byte
	SchemaID      int64
	SchemaVersion int64
}

// HistoryEntry is one archived revision of a configuration key.
// Data is nil for a deletion tombstone.
type HistoryEntry struct {
	Scope     []byte
	Key       string
	Revision  int64
	Data      []byte
	Tombstone bool
}

// KvsModuleInfo is the registry record for a module-owned KVS table.
// KeyID and KeyVersion track the key-encoding scheme of the backing table,
// independent of the value schema versions stored inside it.
type KvsModuleInfo struct {
	ModulePath    string
	TableName     string
	SchemaVersion int64
	KeyID         int64
	KeyVersion    int64
}

// Value is a stored KVS payload with its schema tag.
type Value struct {
	Data          []byte
	SchemaID      int64
	SchemaVersion int64
}

// Interner hives shipped with the store. Callers may define their own hives
// at HiveUser or above; the ids below are fixed by the on-disk format.
const (
	HiveScopes  int64 = 0 // interned configuration scopes
	HiveStrings int64 = 1 // interned schema and key-encoding names
	HiveUser    int64 = 16
)
