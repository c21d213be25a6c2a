package catalog

import (
	"os"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diskwatcher/diskwatcher/pkg/types"
)

// TestStartJobDefaults pins the queued default and ownership stamping.
func TestStartJobDefaults(t *testing.T) {
	store := newTestStore(t)

	handle, err := store.StartJob(types.JobInitialScan, StartJobOptions{
		Path:     "/mnt/usb0",
		VolumeID: "vol-a",
	})
	require.NoError(t, err)
	assert.Len(t, handle.ID, 32)

	job, err := store.GetJob(handle.ID)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, types.JobQueued, job.Status)
	assert.Equal(t, types.JobInitialScan, job.Type)
	require.NotNil(t, job.OwnerPID)
	assert.Equal(t, strconv.Itoa(os.Getpid()), *job.OwnerPID)
	require.NotNil(t, job.OwnerHost)
	assert.Nil(t, job.CompletedAt)
	assert.Equal(t, job.StartedAt, job.UpdatedAt)
}

// TestJobLifecycle walks queued→running→complete and checks the terminal
// guard afterwards.
func TestJobLifecycle(t *testing.T) {
	store := newTestStore(t)

	handle, err := store.StartJob(types.JobInitialScan, StartJobOptions{Path: "/mnt/usb0"})
	require.NoError(t, err)

	require.NoError(t, handle.Update(JobUpdate{Status: types.JobRunning}))
	require.NoError(t, handle.Heartbeat(map[string]any{"files_scanned": 120}))

	job, err := store.GetJob(handle.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobRunning, job.Status)
	assert.EqualValues(t, 120, job.Progress["files_scanned"])

	require.NoError(t, handle.Complete("", map[string]any{"files_scanned": 250}))

	job, err = store.GetJob(handle.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobComplete, job.Status)
	require.NotNil(t, job.CompletedAt)
	assert.EqualValues(t, 250, job.Progress["files_scanned"])

	// Terminal rows are immutable.
	err = handle.Update(JobUpdate{Status: types.JobRunning})
	var stateErr *JobStateError
	require.ErrorAs(t, err, &stateErr)
	assert.Equal(t, handle.ID, stateErr.JobID)
	assert.Equal(t, string(types.JobComplete), stateErr.Status)

	err = handle.Heartbeat(nil)
	assert.ErrorAs(t, err, &stateErr)
}

// TestJobFail records the error message alongside the terminal status.
func TestJobFail(t *testing.T) {
	store := newTestStore(t)

	handle, err := store.StartJob(types.JobWatcher, StartJobOptions{Path: "/mnt/usb0"})
	require.NoError(t, err)
	require.NoError(t, handle.Fail("disk pulled mid-scan", nil))

	job, err := store.GetJob(handle.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobFailed, job.Status)
	require.NotNil(t, job.ErrorMessage)
	assert.Equal(t, "disk pulled mid-scan", *job.ErrorMessage)
	require.NotNil(t, job.CompletedAt)
}

// TestUpdateTerminalStatusStampsCompletion closes the side door: a
// terminal status arriving through Update behaves exactly like Complete,
// including the completed_at stamp.
func TestUpdateTerminalStatusStampsCompletion(t *testing.T) {
	store := newTestStore(t)

	handle, err := store.StartJob(types.JobInitialScan, StartJobOptions{Status: types.JobRunning})
	require.NoError(t, err)
	require.NoError(t, handle.Update(JobUpdate{Status: types.JobComplete}))

	job, err := store.GetJob(handle.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobComplete, job.Status)
	require.NotNil(t, job.CompletedAt)

	var stateErr *JobStateError
	assert.ErrorAs(t, handle.Update(JobUpdate{Status: types.JobRunning}), &stateErr)
}

// TestJobStoppingIsNotTerminal keeps the shutdown intermediate updatable.
func TestJobStoppingIsNotTerminal(t *testing.T) {
	store := newTestStore(t)

	handle, err := store.StartJob(types.JobWatcher, StartJobOptions{Status: types.JobRunning})
	require.NoError(t, err)

	require.NoError(t, handle.Update(JobUpdate{Status: types.JobStopping}))
	require.NoError(t, handle.Complete(types.JobStopped, nil))

	job, err := store.GetJob(handle.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStopped, job.Status)
}

// TestAttachJob operates on a row created elsewhere, by id.
func TestAttachJob(t *testing.T) {
	store := newTestStore(t)

	jobID := NewJobID()
	_, err := store.StartJob(types.JobInitialScan, StartJobOptions{JobID: jobID})
	require.NoError(t, err)

	attached := store.AttachJob(jobID)
	require.NoError(t, attached.Update(JobUpdate{Status: types.JobRunning}))

	job, err := store.GetJob(jobID)
	require.NoError(t, err)
	assert.Equal(t, types.JobRunning, job.Status)
}

// TestFetchJobsFiltersTerminal hides finished rows unless asked for.
func TestFetchJobsFiltersTerminal(t *testing.T) {
	store := newTestStore(t)

	running, err := store.StartJob(types.JobWatcher, StartJobOptions{Status: types.JobRunning})
	require.NoError(t, err)
	finished, err := store.StartJob(types.JobInitialScan, StartJobOptions{})
	require.NoError(t, err)
	require.NoError(t, finished.Complete("", nil))

	active, err := store.FetchJobs(false, 0)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, running.ID, active[0].JobID)

	all, err := store.FetchJobs(true, 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

// TestFetchScanJobs filters by type, window and owner.
func TestFetchScanJobs(t *testing.T) {
	store := newTestStore(t)

	scan, err := store.StartJob(types.JobInitialScan, StartJobOptions{Path: "/mnt/usb0"})
	require.NoError(t, err)
	_, err = store.StartJob(types.JobWatcher, StartJobOptions{Path: "/mnt/usb0"})
	require.NoError(t, err)

	jobs, err := store.FetchScanJobs("1970-01-01T00:00:00Z", "")
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, scan.ID, jobs[0].JobID)

	jobs, err = store.FetchScanJobs("1970-01-01T00:00:00Z", strconv.Itoa(os.Getpid()))
	require.NoError(t, err)
	assert.Len(t, jobs, 1)

	jobs, err = store.FetchScanJobs("1970-01-01T00:00:00Z", "999999")
	require.NoError(t, err)
	assert.Empty(t, jobs)

	jobs, err = store.FetchScanJobs("2999-01-01T00:00:00Z", "")
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

// TestCleanupStaleJobs marks rows owned by dead pids, and nothing else.
func TestCleanupStaleJobs(t *testing.T) {
	store := newTestStore(t)

	alive, err := store.StartJob(types.JobWatcher, StartJobOptions{Status: types.JobRunning})
	require.NoError(t, err)
	dead, err := store.StartJob(types.JobInitialScan, StartJobOptions{Status: types.JobRunning})
	require.NoError(t, err)
	done, err := store.StartJob(types.JobInitialScan, StartJobOptions{})
	require.NoError(t, err)
	require.NoError(t, done.Complete("", nil))

	// Reassign one running job to a pid that cannot exist.
	_, err = store.db.Exec(`UPDATE jobs SET owner_pid = ? WHERE job_id = ?`, "999999999", dead.ID)
	require.NoError(t, err)

	marked, err := store.CleanupStaleJobs()
	require.NoError(t, err)
	assert.Equal(t, 1, marked)

	job, err := store.GetJob(dead.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStale, job.Status)
	require.NotNil(t, job.CompletedAt)

	job, err = store.GetJob(alive.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobRunning, job.Status)

	job, err = store.GetJob(done.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobComplete, job.Status)
}

// TestCleanupStaleJobsOtherHost treats jobs from another hostname as dead.
func TestCleanupStaleJobsOtherHost(t *testing.T) {
	store := newTestStore(t)

	other, err := store.StartJob(types.JobWatcher, StartJobOptions{Status: types.JobRunning})
	require.NoError(t, err)
	_, err = store.db.Exec(`UPDATE jobs SET owner_host = ? WHERE job_id = ?`, "some-other-host", other.ID)
	require.NoError(t, err)

	marked, err := store.CleanupStaleJobs()
	require.NoError(t, err)
	assert.Equal(t, 1, marked)
}
