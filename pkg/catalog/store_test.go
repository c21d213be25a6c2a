package catalog

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diskwatcher/diskwatcher/pkg/types"
)

// TestOpenMigratesToLatest brings a fresh catalog to the newest revision.
func TestOpenMigratesToLatest(t *testing.T) {
	store := newTestStore(t)

	revision, err := store.Revision()
	require.NoError(t, err)
	assert.Equal(t, len(migrations), revision)
}

// TestReopenIsIdempotent applies no migrations the second time and keeps
// existing data.
func TestReopenIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "catalog.db")

	store, err := Open(dbPath)
	require.NoError(t, err)
	path := filepath.Join(dir, "f.txt")
	require.NoError(t, store.AppendEvent(types.EventCreated, path, dir, "vol-a", "", AppendOptions{}))
	require.NoError(t, store.Close())

	store, err = Open(dbPath)
	require.NoError(t, err)
	defer store.Close()

	revision, err := store.Revision()
	require.NoError(t, err)
	assert.Equal(t, len(migrations), revision)

	events, err := store.QueryEvents(10)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

// TestOpenReadOnlyMissing refuses to invent a catalog file.
func TestOpenReadOnlyMissing(t *testing.T) {
	_, err := OpenReadOnly(filepath.Join(t.TempDir(), "nope.db"))
	require.Error(t, err)

	_, err = OpenReadOnly(MemoryPath)
	require.Error(t, err)
}

// TestStorePath distinguishes file-backed from in-memory stores.
func TestStorePath(t *testing.T) {
	mem := newTestStore(t)
	assert.Equal(t, "", mem.Path())

	dbPath := filepath.Join(t.TempDir(), "catalog.db")
	file, err := Open(dbPath)
	require.NoError(t, err)
	defer file.Close()
	assert.Equal(t, dbPath, file.Path())
	assert.False(t, file.ReadOnly())
}

// TestVacuumAndIntegrity exercise the maintenance surface. A healthy
// catalog reports no problems: the pragma's "ok" row is not one.
func TestVacuumAndIntegrity(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(filepath.Join(dir, "catalog.db"))
	require.NoError(t, err)
	defer store.Close()

	path := filepath.Join(dir, "f.txt")
	require.NoError(t, store.AppendEvent(types.EventCreated, path, dir, "vol-a", "", AppendOptions{}))
	require.NoError(t, store.Vacuum())

	report, err := store.IntegrityCheck()
	require.NoError(t, err)
	assert.Empty(t, report)
}

// TestIsBusy pins the retry trigger classification.
func TestIsBusy(t *testing.T) {
	assert.False(t, isBusy(nil))
	assert.False(t, isBusy(assert.AnError))
	assert.True(t, isBusy(errDatabaseLocked{}))
	assert.True(t, isBusy(errDatabaseBusy{}))
}

type errDatabaseLocked struct{}

func (errDatabaseLocked) Error() string { return "database is locked" }

type errDatabaseBusy struct{}

func (errDatabaseBusy) Error() string { return "database table is busy" }
