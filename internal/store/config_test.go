// ABOUTME: Tests for the configuration store and its revision history
// ABOUTME: Covers schema version checks, gapless revisions, tombstones, and interned keys

package store

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigStore_PutGet(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	cfg := s.Config()

	id, err := s.Schemas().Register(ctx, "cfg.limits")
	require.NoError(t, err)

	scope := []byte{1}
	require.NoError(t, cfg.Put(ctx, scope, "max", []byte("10"), id, 0))

	v, err := cfg.Get(ctx, scope, "max")
	require.NoError(t, err)
	assert.Equal(t, []byte("10"), v.Data)
	assert.Equal(t, id, v.SchemaID)
	assert.Equal(t, int64(0), v.SchemaVersion)
}

func TestConfigStore_Get_NotFound(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	_, err := s.Config().Get(ctx, []byte{1}, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConfigStore_Put_UnknownSchema(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	err := s.Config().Put(ctx, []byte{1}, "max", []byte("10"), 42, 0)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConfigStore_Put_StaleVersionRejected(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	cfg := s.Config()

	id, err := s.Schemas().Register(ctx, "cfg.limits")
	require.NoError(t, err)
	require.NoError(t, s.Schemas().BumpVersion(ctx, id, 0, 1))

	// The store cannot upgrade an opaque payload it cannot decode, so a
	// stale caller version is surfaced, not silently accepted.
	err = cfg.Put(ctx, []byte{1}, "max", []byte("10"), id, 0)
	assert.ErrorIs(t, err, ErrSchemaVersionMismatch)

	err = cfg.Put(ctx, []byte{1}, "max", []byte("10"), id, 2)
	assert.ErrorIs(t, err, ErrSchemaVersionMismatch)

	require.NoError(t, cfg.Put(ctx, []byte{1}, "max", []byte("10"), id, 1))
}

func TestConfigStore_Scopes_Isolated(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	cfg := s.Config()

	id, err := s.Schemas().Register(ctx, "cfg.limits")
	require.NoError(t, err)

	require.NoError(t, cfg.Put(ctx, []byte{1}, "max", []byte("10"), id, 0))
	require.NoError(t, cfg.Put(ctx, []byte{2}, "max", []byte("20"), id, 0))

	a, err := cfg.Get(ctx, []byte{1}, "max")
	require.NoError(t, err)
	assert.Equal(t, []byte("10"), a.Data)

	b, err := cfg.Get(ctx, []byte{2}, "max")
	require.NoError(t, err)
	assert.Equal(t, []byte("20"), b.Data)
}

func TestConfigStore_History_GaplessRevisions(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	cfg := s.Config()

	id, err := s.Schemas().Register(ctx, "cfg.limits")
	require.NoError(t, err)

	scope := []byte{1}
	for i := 0; i < 5; i++ {
		require.NoError(t, cfg.Put(ctx, scope, "max", []byte(fmt.Sprintf("v%d", i)), id, 0))
	}

	entries, err := cfg.History(ctx, scope, "max")
	require.NoError(t, err)
	require.Len(t, entries, 4, "first write has nothing to archive")

	for i, e := range entries {
		assert.Equal(t, int64(i+1), e.Revision)
		assert.Equal(t, []byte(fmt.Sprintf("v%d", i)), e.Data)
		assert.False(t, e.Tombstone)
	}
}

func TestConfigStore_Delete_AppendsTombstone(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	cfg := s.Config()

	id, err := s.Schemas().Register(ctx, "cfg.limits")
	require.NoError(t, err)

	scope := []byte{1}
	require.NoError(t, cfg.Put(ctx, scope, "max", []byte("10"), id, 0))
	require.NoError(t, cfg.Delete(ctx, scope, "max"))

	_, err = cfg.Get(ctx, scope, "max")
	assert.ErrorIs(t, err, ErrNotFound)

	entries, err := cfg.History(ctx, scope, "max")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Tombstone)
	assert.Nil(t, entries[0].Data)
}

func TestConfigStore_Delete_NotFound(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	err := s.Config().Delete(ctx, []byte{1}, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConfigStore_History_EmptyForFreshKey(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	entries, err := s.Config().History(ctx, []byte{1}, "fresh")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

// Mirrors the full register → put → overwrite → delete lifecycle end to end.
func TestConfigStore_Lifecycle(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	cfg := s.Config()

	id, err := s.Schemas().Register(ctx, "cfg.limits")
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)

	version, err := s.Schemas().CurrentVersion(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(0), version)

	scope := []byte{1}
	require.NoError(t, cfg.Put(ctx, scope, "max", []byte("10"), id, 0))

	v, err := cfg.Get(ctx, scope, "max")
	require.NoError(t, err)
	assert.Equal(t, []byte("10"), v.Data)
	assert.Equal(t, int64(1), v.SchemaID)
	assert.Equal(t, int64(0), v.SchemaVersion)

	require.NoError(t, cfg.Put(ctx, scope, "max", []byte("20"), id, 0))

	entries, err := cfg.History(ctx, scope, "max")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, int64(1), entries[0].Revision)
	assert.Equal(t, []byte("10"), entries[0].Data)

	v, err = cfg.Get(ctx, scope, "max")
	require.NoError(t, err)
	assert.Equal(t, []byte("20"), v.Data)

	require.NoError(t, cfg.Delete(ctx, scope, "max"))

	_, err = cfg.Get(ctx, scope, "max")
	assert.ErrorIs(t, err, ErrNotFound)

	entries, err = cfg.History(ctx, scope, "max")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, int64(2), entries[1].Revision)
	assert.True(t, entries[1].Tombstone)
}

func TestConfigStore_HistoryContinuesAfterDelete(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	cfg := s.Config()

	id, err := s.Schemas().Register(ctx, "cfg.limits")
	require.NoError(t, err)

	scope := []byte{1}
	require.NoError(t, cfg.Put(ctx, scope, "max", []byte("10"), id, 0))
	require.NoError(t, cfg.Delete(ctx, scope, "max"))
	require.NoError(t, cfg.Put(ctx, scope, "max", []byte("30"), id, 0))
	require.NoError(t, cfg.Put(ctx, scope, "max", []byte("40"), id, 0))

	entries, err := cfg.History(ctx, scope, "max")
	require.NoError(t, err)
	require.Len(t, entries, 2)

	// Delete archives only the tombstone; the "10" it displaced is gone.
	// Revisions stay gapless across the deletion, so the "30" that the last
	// put displaced lands right after the tombstone.
	assert.Equal(t, []int64{1, 2}, []int64{entries[0].Revision, entries[1].Revision})
	assert.True(t, entries[0].Tombstone)
	assert.Equal(t, []byte("30"), entries[1].Data)
}

func TestConfigStore_InternedKeys(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	cfg := s.Config(WithInternedKeys(HiveStrings))

	id, err := s.Schemas().Register(ctx, "cfg.limits")
	require.NoError(t, err)

	scope := []byte{1}
	require.NoError(t, cfg.Put(ctx, scope, "max", []byte("10"), id, 0))

	v, err := cfg.Get(ctx, scope, "max")
	require.NoError(t, err)
	assert.Equal(t, []byte("10"), v.Data)

	// The key was interned, not stored as text.
	_, ok, err := s.Interner().Lookup(ctx, HiveStrings, []byte("max"))
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, cfg.Put(ctx, scope, "max", []byte("20"), id, 0))
	entries, err := cfg.History(ctx, scope, "max")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, []byte("10"), entries[0].Data)

	require.NoError(t, cfg.Delete(ctx, scope, "max"))
	_, err = cfg.Get(ctx, scope, "max")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConfigStore_InternedKeys_MissesWithoutAllocating(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	cfg := s.Config(WithInternedKeys(HiveStrings))

	_, err := cfg.Get(ctx, []byte{1}, "never-written")
	assert.ErrorIs(t, err, ErrNotFound)

	err = cfg.Delete(ctx, []byte{1}, "never-written")
	assert.ErrorIs(t, err, ErrNotFound)

	entries, err := cfg.History(ctx, []byte{1}, "never-written")
	require.NoError(t, err)
	assert.Empty(t, entries)

	// Reads must not have burned an id.
	_, ok, err := s.Interner().Lookup(ctx, HiveStrings, []byte("never-written"))
	require.NoError(t, err)
	assert.False(t, ok)
}
