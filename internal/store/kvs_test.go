// ABOUTME: Tests for the KVS module registry and per-module stores
// ABOUTME: Covers registration collisions, table creation, value access, and re-migration

package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// registerTestModule interns a key-encoding name and registers a module with it.
func registerTestModule(t *testing.T, s *Store, modulePath, tableName string) *KvsModuleInfo {
	t.Helper()
	ctx := context.Background()

	keyID, err := s.Interner().Intern(ctx, HiveStrings, []byte("key.string"))
	require.NoError(t, err)

	info, err := s.Kvs().RegisterModule(ctx, modulePath, tableName, 0, keyID, 1)
	require.NoError(t, err)
	return info
}

func TestKvsRegistry_RegisterModule_CreatesTable(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	info := registerTestModule(t, s, "bot.notes", "hive_kvs_test_notes")
	assert.Equal(t, "bot.notes", info.ModulePath)
	assert.Equal(t, int64(0), info.SchemaVersion)

	var name string
	err := s.DB().QueryRowContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, info.TableName,
	).Scan(&name)
	require.NoError(t, err)
}

func TestKvsRegistry_RegisterModule_Reregister(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	first := registerTestModule(t, s, "bot.notes", "hive_kvs_test_notes")

	// Same module, same key scheme: registration is idempotent.
	again, err := s.Kvs().RegisterModule(ctx, "bot.notes", "hive_kvs_test_notes", 0, first.KeyID, 1)
	require.NoError(t, err)
	assert.Equal(t, first, again)
}

func TestKvsRegistry_RegisterModule_PathCollision(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	info := registerTestModule(t, s, "bot.notes", "hive_kvs_test_notes")

	_, err := s.Kvs().RegisterModule(ctx, "bot.notes", "hive_kvs_other", 0, info.KeyID, 1)
	assert.ErrorIs(t, err, ErrAlreadyRegistered)
}

func TestKvsRegistry_RegisterModule_TableCollision(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	info := registerTestModule(t, s, "bot.notes", "hive_kvs_test_notes")

	_, err := s.Kvs().RegisterModule(ctx, "bot.other", "hive_kvs_test_notes", 0, info.KeyID, 1)
	assert.ErrorIs(t, err, ErrAlreadyRegistered)
}

func TestKvsRegistry_RegisterModule_TableCollisionRollsBack(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	info := registerTestModule(t, s, "bot.notes", "hive_kvs_test_notes")

	_, err := s.Kvs().RegisterModule(ctx, "bot.other", "hive_kvs_test_notes", 0, info.KeyID, 1)
	require.ErrorIs(t, err, ErrAlreadyRegistered)

	// The failed registration left no registry row behind, and the module
	// can still register under a free table name.
	_, err = s.Kvs().Module(ctx, "bot.other")
	require.ErrorIs(t, err, ErrNotFound)

	again, err := s.Kvs().RegisterModule(ctx, "bot.other", "hive_kvs_other", 0, info.KeyID, 1)
	require.NoError(t, err)
	assert.Equal(t, "hive_kvs_other", again.TableName)
}

func TestKvsRegistry_RegisterModule_KeySchemeMismatch(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	info := registerTestModule(t, s, "bot.notes", "hive_kvs_test_notes")

	// A changed key encoding needs a re-migration, not a silent re-register.
	_, err := s.Kvs().RegisterModule(ctx, "bot.notes", "hive_kvs_test_notes", 0, info.KeyID, 2)
	assert.ErrorIs(t, err, ErrSchemaVersionMismatch)
}

func TestKvsRegistry_RegisterModule_RejectsBadTableName(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	_, err := s.Kvs().RegisterModule(ctx, "bot.notes", "bad name; drop", 0, 1, 1)
	assert.Error(t, err)
}

func TestKvsRegistry_Module_NotFound(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	_, err := s.Kvs().Module(ctx, "bot.missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestKvsRegistry_Modules_Ordered(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	registerTestModule(t, s, "bot.notes", "hive_kvs_test_notes")
	registerTestModule(t, s, "bot.alarms", "hive_kvs_test_alarms")

	infos, err := s.Kvs().Modules(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, "bot.alarms", infos[0].ModulePath)
	assert.Equal(t, "bot.notes", infos[1].ModulePath)
}

func TestModuleStore_PutGetDelete(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	registerTestModule(t, s, "bot.notes", "hive_kvs_test_notes")

	ms, err := s.Kvs().OpenModule(ctx, "bot.notes")
	require.NoError(t, err)

	require.NoError(t, ms.Put(ctx, []byte("k1"), []byte("hello"), 3, 1))

	v, err := ms.Get(ctx, []byte("k1"))
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), v.Data)
	assert.Equal(t, int64(3), v.SchemaID)
	assert.Equal(t, int64(1), v.SchemaVersion)

	// Replace keeps one row per key.
	require.NoError(t, ms.Put(ctx, []byte("k1"), []byte("world"), 3, 1))
	v, err = ms.Get(ctx, []byte("k1"))
	require.NoError(t, err)
	assert.Equal(t, []byte("world"), v.Data)

	require.NoError(t, ms.Delete(ctx, []byte("k1")))
	_, err = ms.Get(ctx, []byte("k1"))
	assert.ErrorIs(t, err, ErrNotFound)

	// Deleting again is not an error.
	require.NoError(t, ms.Delete(ctx, []byte("k1")))
}

func TestKvsRegistry_OpenModule_NotFound(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	_, err := s.Kvs().OpenModule(ctx, "bot.missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestKvsRegistry_MigrateModule(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	info := registerTestModule(t, s, "bot.notes", "hive_kvs_test_notes")

	ms, err := s.Kvs().OpenModule(ctx, "bot.notes")
	require.NoError(t, err)
	require.NoError(t, ms.Put(ctx, []byte("k1"), []byte("hello"), 3, 0))

	// Re-encode stored values; here the transformation is a payload rewrite
	// with the new schema version tag.
	set := MigrationSet{
		ID:            "bot.notes 00000000-0000-0000-0000-000000000003",
		Name:          "bot.notes",
		TargetVersion: 1,
		Steps: []Step{
			{To: 1, Name: "notes_0_to_1", Apply: func(ctx context.Context, tx *sql.Tx) error {
				_, err := tx.ExecContext(ctx,
					`UPDATE hive_kvs_test_notes SET value = upper(value), value_schema_ver = 1`)
				return err
			}},
		},
	}

	require.NoError(t, s.Kvs().MigrateModule(ctx, s.Migrator(), set, "bot.notes", 1, info.KeyVersion))

	updated, err := s.Kvs().Module(ctx, "bot.notes")
	require.NoError(t, err)
	assert.Equal(t, int64(1), updated.SchemaVersion)

	v, err := ms.Get(ctx, []byte("k1"))
	require.NoError(t, err)
	assert.Equal(t, []byte("HELLO"), v.Data)
	assert.Equal(t, int64(1), v.SchemaVersion)
}

func TestKvsRegistry_MigrateModule_FailedFinalStepLeavesRegistry(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	registerTestModule(t, s, "bot.notes", "hive_kvs_test_notes")

	boom := errors.New("boom")
	set := MigrationSet{
		ID:            "bot.notes 00000000-0000-0000-0000-000000000005",
		Name:          "bot.notes",
		TargetVersion: 2,
		Steps: []Step{
			{To: 1, Name: "notes_0_to_1", Script: `SELECT 1`},
			{To: 2, Name: "notes_1_to_2", Apply: func(ctx context.Context, tx *sql.Tx) error {
				return boom
			}},
		},
	}

	err := s.Kvs().MigrateModule(ctx, s.Migrator(), set, "bot.notes", 2, 1)
	require.ErrorIs(t, err, ErrMigrationFailed)

	// The registry update rides in the final step's transaction, so the
	// failed step leaves both the unit version and the registry untouched.
	version, err := s.Migrator().Version(ctx, set.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), version)

	mod, err := s.Kvs().Module(ctx, "bot.notes")
	require.NoError(t, err)
	assert.Equal(t, int64(0), mod.SchemaVersion)
}

func TestKvsRegistry_MigrateModule_CatchesUpRegistry(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	info := registerTestModule(t, s, "bot.notes", "hive_kvs_test_notes")

	set := MigrationSet{
		ID:            "bot.notes 00000000-0000-0000-0000-000000000006",
		Name:          "bot.notes",
		TargetVersion: 1,
		Steps: []Step{
			{To: 1, Name: "notes_0_to_1", Script: `
				UPDATE hive_kvs_test_notes SET value_schema_ver = 1
			`},
		},
	}

	// The table migration ran without the registry update, as after a crash
	// between the two under the old split-transaction scheme.
	require.NoError(t, s.Migrator().Run(ctx, set))

	mod, err := s.Kvs().Module(ctx, "bot.notes")
	require.NoError(t, err)
	require.Equal(t, int64(0), mod.SchemaVersion)

	require.NoError(t, s.Kvs().MigrateModule(ctx, s.Migrator(), set, "bot.notes", 1, info.KeyVersion))

	mod, err = s.Kvs().Module(ctx, "bot.notes")
	require.NoError(t, err)
	assert.Equal(t, int64(1), mod.SchemaVersion)
}

func TestKvsRegistry_MigrateModule_UnknownModule(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	set := MigrationSet{
		ID:            "nope 00000000-0000-0000-0000-000000000004",
		Name:          "nope",
		TargetVersion: 1,
		Steps:         []Step{{To: 1, Name: "x", Script: `SELECT 1`}},
	}
	err := s.Kvs().MigrateModule(ctx, s.Migrator(), set, "bot.missing", 1, 1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestKvsRegistry_UpdateAfterMigration_NotFound(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	err := s.Kvs().UpdateAfterMigration(ctx, "bot.missing", 1, 1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTableNameFor(t *testing.T) {
	a := TableNameFor("bot.notes")
	b := TableNameFor("other.notes")

	assert.Regexp(t, `^hive_kvs_[0-9a-f]{4}_bot_notes$`, a)
	assert.Regexp(t, `^hive_kvs_[0-9a-f]{4}_other_notes$`, b)
	assert.NotEqual(t, a, b)

	// Deterministic across calls.
	assert.Equal(t, a, TableNameFor("bot.notes"))

	// Non-alphanumerics are stripped, case is folded.
	assert.Regexp(t, `^hive_kvs_[0-9a-f]{4}_some_mymod2$`, TableNameFor("some.My-Mod2"))
}
