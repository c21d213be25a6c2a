package supervisor

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diskwatcher/diskwatcher/pkg/catalog"
	"github.com/diskwatcher/diskwatcher/pkg/types"
)

func newTestSupervisor(t *testing.T) (*Supervisor, *catalog.Store) {
	t.Helper()
	store, err := catalog.Open(catalog.MemoryPath)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	sup := New(Config{Store: store})
	return sup, store
}

// TestAddDirectoryDedupe returns the same watcher for the same resolved
// path, including through a symlink.
func TestAddDirectoryDedupe(t *testing.T) {
	sup, _ := newTestSupervisor(t)
	dir := t.TempDir()

	w1, err := sup.AddDirectory(dir, "")
	require.NoError(t, err)
	w2, err := sup.AddDirectory(dir, "")
	require.NoError(t, err)
	assert.Same(t, w1, w2)
	assert.Len(t, sup.Watched(), 1)

	link := filepath.Join(t.TempDir(), "link")
	require.NoError(t, os.Symlink(dir, link))
	w3, err := sup.AddDirectory(link, "")
	require.NoError(t, err)
	assert.Same(t, w1, w3)
	assert.Len(t, sup.Watched(), 1)
}

// TestAddDirectoryRejectsFiles only watches directories.
func TestAddDirectoryRejectsFiles(t *testing.T) {
	sup, _ := newTestSupervisor(t)
	dir := t.TempDir()

	file := filepath.Join(dir, "not-a-dir")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))

	_, err := sup.AddDirectory(file, "")
	assert.Error(t, err)
}

// TestAddDirectoryToleratesMissingPath registers a directory that is not
// mounted yet under its unresolved absolute form.
func TestAddDirectoryToleratesMissingPath(t *testing.T) {
	sup, _ := newTestSupervisor(t)

	missing := filepath.Join(t.TempDir(), "not-mounted-yet")
	w, err := sup.AddDirectory(missing, "")
	require.NoError(t, err)
	assert.Equal(t, missing, w.Path())
	assert.Contains(t, sup.Watched(), missing)
}

// TestAddDirectoryVolumeIDOverride skips probing when the caller already
// knows the volume.
func TestAddDirectoryVolumeIDOverride(t *testing.T) {
	sup, _ := newTestSupervisor(t)

	w, err := sup.AddDirectory(t.TempDir(), "vol-known")
	require.NoError(t, err)
	assert.Equal(t, "vol-known", w.VolumeID())
}

// TestRunInitialScansSerial archives every registered directory against an
// in-memory catalog, which cannot be reopened and must degrade to serial.
func TestRunInitialScansSerial(t *testing.T) {
	sup, store := newTestSupervisor(t)

	dir1 := t.TempDir()
	dir2 := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir1, "a.txt"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir2, "b.txt"), []byte("y"), 0o644))

	_, err := sup.AddDirectory(dir1, "")
	require.NoError(t, err)
	_, err = sup.AddDirectory(dir2, "")
	require.NoError(t, err)

	// parallel requested, but Path()=="" forces the serial path
	results, err := sup.RunInitialScans(true, nil)
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.Equal(t, "complete", r.Status)
		assert.Equal(t, int64(1), r.FilesScanned)
	}

	events, err := store.QueryEvents(100)
	require.NoError(t, err)
	assert.Len(t, events, 2)

	jobs, err := store.FetchScanJobs("1970-01-01T00:00:00Z", "")
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	for _, j := range jobs {
		assert.Equal(t, types.JobComplete, j.Status)
	}
}

// TestRunInitialScansSubset scans only the requested directory.
func TestRunInitialScansSubset(t *testing.T) {
	sup, store := newTestSupervisor(t)

	dir1 := t.TempDir()
	dir2 := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir1, "a.txt"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir2, "b.txt"), []byte("y"), 0o644))

	_, err := sup.AddDirectory(dir1, "")
	require.NoError(t, err)
	_, err = sup.AddDirectory(dir2, "")
	require.NoError(t, err)

	results, err := sup.RunInitialScans(false, []string{dir1})
	require.NoError(t, err)
	require.Len(t, results, 1)

	events, err := store.QueryEvents(100)
	require.NoError(t, err)
	require.Len(t, events, 1)
}

// TestRunInitialScansParallel runs workers over their own connections to a
// file-backed catalog and reports the scans back through Status.
func TestRunInitialScansParallel(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "catalog.db")
	store, err := catalog.Open(dbPath)
	require.NoError(t, err)
	defer store.Close()

	sup := New(Config{Store: store, MaxScanWorkers: 2})

	for i := 0; i < 3; i++ {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, "f.txt"), []byte("x"), 0o644))
		_, err := sup.AddDirectory(dir, "")
		require.NoError(t, err)
	}

	results, err := sup.RunInitialScans(true, nil)
	require.NoError(t, err)
	require.Len(t, results, 3)
	for _, r := range results {
		assert.Equal(t, "complete", r.Status)
		assert.Equal(t, int64(1), r.FilesScanned)
	}

	events, err := store.QueryEvents(100)
	require.NoError(t, err)
	assert.Len(t, events, 3)

	jobs, err := store.FetchScanJobs("1970-01-01T00:00:00Z", "")
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	for _, j := range jobs {
		assert.Equal(t, types.JobComplete, j.Status)
	}

	// The pool workers' results land on the registered watchers.
	for _, status := range sup.Status() {
		require.NotNil(t, status.Scan)
		assert.Equal(t, "complete", status.Scan.Status)
		assert.Equal(t, int64(1), status.Scan.FilesScanned)
	}
}

// TestRunInitialScansWorkerPoolFailure still returns when every worker
// fails to open its catalog connection, and terminates the queued jobs it
// created instead of leaving them dangling.
func TestRunInitialScansWorkerPoolFailure(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "catalog.db")
	store, err := catalog.Open(dbPath)
	require.NoError(t, err)
	defer store.Close()

	sup := New(Config{Store: store, MaxScanWorkers: 2})
	openErr := errors.New("catalog unavailable")
	sup.openStore = func(string) (*catalog.Store, error) { return nil, openErr }

	for i := 0; i < 3; i++ {
		_, err := sup.AddDirectory(t.TempDir(), "")
		require.NoError(t, err)
	}

	done := make(chan struct{})
	var scanErr error
	go func() {
		defer close(done)
		_, scanErr = sup.RunInitialScans(true, nil)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("RunInitialScans did not return")
	}
	require.ErrorIs(t, scanErr, openErr)

	jobs, err := store.FetchScanJobs("1970-01-01T00:00:00Z", "")
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	for _, j := range jobs {
		assert.Equal(t, types.JobFailed, j.Status)
		require.NotNil(t, j.CompletedAt)
	}
}

// TestStartStopAll brings watchers live and always terminates their jobs
// as stopped on the way down.
func TestStartStopAll(t *testing.T) {
	sup, store := newTestSupervisor(t)

	dir := t.TempDir()
	_, err := sup.AddDirectory(dir, "")
	require.NoError(t, err)

	sup.StartAll()

	// Wait for the live loop to report in.
	require.Eventually(t, func() bool {
		statuses := sup.Status()
		return len(statuses) == 1 && statuses[0].State == types.WatcherWatching
	}, 5*time.Second, 20*time.Millisecond)

	sup.StopAll()
	assert.Empty(t, sup.Watched())

	jobs, err := store.FetchJobs(true, 0)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, types.JobStopped, jobs[0].Status)
	require.NotNil(t, jobs[0].CompletedAt)
}

// TestRemoveDirectory terminates the watcher job as removed.
func TestRemoveDirectory(t *testing.T) {
	sup, store := newTestSupervisor(t)

	dir := t.TempDir()
	_, err := sup.AddDirectory(dir, "")
	require.NoError(t, err)
	sup.StartAll()

	require.Eventually(t, func() bool {
		statuses := sup.Status()
		return len(statuses) == 1 && statuses[0].State == types.WatcherWatching
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, sup.RemoveDirectory(dir))
	assert.Empty(t, sup.Watched())

	jobs, err := store.FetchJobs(true, 0)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, types.JobRemoved, jobs[0].Status)

	assert.Error(t, sup.RemoveDirectory(dir))
	sup.StopAll()
}

// TestStatusSnapshot reports registered watchers sorted by path.
func TestStatusSnapshot(t *testing.T) {
	sup, _ := newTestSupervisor(t)

	dirA := t.TempDir()
	dirB := t.TempDir()
	_, err := sup.AddDirectory(dirA, "")
	require.NoError(t, err)
	_, err = sup.AddDirectory(dirB, "")
	require.NoError(t, err)

	statuses := sup.Status()
	require.Len(t, statuses, 2)
	assert.Less(t, statuses[0].Path, statuses[1].Path)
	for _, s := range statuses {
		assert.Equal(t, types.WatcherCreated, s.State)
		assert.NotEmpty(t, s.VolumeID)
		assert.False(t, s.Auto)
	}
}
