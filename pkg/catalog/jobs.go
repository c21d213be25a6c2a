package catalog

import (
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"os"
	"strconv"

	"github.com/google/uuid"
	ps "github.com/mitchellh/go-ps"

	"github.com/diskwatcher/diskwatcher/pkg/log"
	"github.com/diskwatcher/diskwatcher/pkg/types"
)

// JobHandle is a value handle onto one job row. All state lives in the
// catalog, so handles can cross goroutine and process boundaries freely;
// workers in other processes attach by id over their own connection.
type JobHandle struct {
	store *Store
	ID    string
}

// StartJobOptions carries the optional fields of a job insert.
type StartJobOptions struct {
	Path     string
	VolumeID string
	Status   types.JobStatus // defaults to queued
	Progress map[string]any
	JobID    string // pre-generated id; empty means generate one
}

// NewJobID generates an opaque 128-bit hex job identifier.
func NewJobID() string {
	u := uuid.New()
	return hex.EncodeToString(u[:])
}

// StartJob inserts a job row owned by this process and returns its handle.
func (s *Store) StartJob(jobType types.JobType, opts StartJobOptions) (*JobHandle, error) {
	if s.readOnly {
		return nil, ErrReadOnly
	}

	jobID := opts.JobID
	if jobID == "" {
		jobID = NewJobID()
	}
	status := opts.Status
	if status == "" {
		status = types.JobQueued
	}
	hostname, _ := os.Hostname()
	now := nowISO()

	s.mu.Lock()
	defer s.mu.Unlock()

	err := execRetry(s.db,
		`INSERT INTO jobs
			(job_id, job_type, path, volume_id, status, progress_json,
			 owner_pid, owner_host, started_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		jobID, string(jobType), nullString(opts.Path), nullString(opts.VolumeID),
		string(status), marshalProgress(opts.Progress),
		strconv.Itoa(os.Getpid()), hostname, now, now,
	)
	if err != nil {
		return nil, writeErr("start job", err)
	}
	return &JobHandle{store: s, ID: jobID}, nil
}

// AttachJob returns a handle onto an existing job row, typically one
// pre-created by a supervisor in another process.
func (s *Store) AttachJob(jobID string) *JobHandle {
	return &JobHandle{store: s, ID: jobID}
}

// JobUpdate carries the optional fields of a job transition.
type JobUpdate struct {
	Status   types.JobStatus
	Progress map[string]any
	Error    string
}

// Update advances the job row. Updating a job that already reached a
// terminal status returns *JobStateError.
func (h *JobHandle) Update(u JobUpdate) error {
	return h.update(u, false)
}

// Heartbeat advances updated_at (and optionally progress) without touching
// the status.
func (h *JobHandle) Heartbeat(progress map[string]any) error {
	return h.update(JobUpdate{Progress: progress}, false)
}

// Complete terminally transitions the job. An empty status means
// "complete".
func (h *JobHandle) Complete(status types.JobStatus, progress map[string]any) error {
	if status == "" {
		status = types.JobComplete
	}
	return h.update(JobUpdate{Status: status, Progress: progress}, true)
}

// Fail terminally transitions the job to failed with an error message.
func (h *JobHandle) Fail(errMsg string, progress map[string]any) error {
	return h.update(JobUpdate{Status: types.JobFailed, Progress: progress, Error: errMsg}, true)
}

func (h *JobHandle) update(u JobUpdate, terminal bool) error {
	s := h.store
	if s.readOnly {
		return ErrReadOnly
	}
	// A terminal status always stamps completed_at, even when it arrives
	// through Update rather than Complete/Fail.
	if u.Status.IsTerminal() {
		terminal = true
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return writeErr("update job", err)
	}

	var current string
	if err := tx.QueryRow(`SELECT status FROM jobs WHERE job_id = ?`, h.ID).Scan(&current); err != nil {
		tx.Rollback()
		return writeErr("update job", err)
	}
	if types.JobStatus(current).IsTerminal() {
		tx.Rollback()
		return &JobStateError{JobID: h.ID, Status: current}
	}

	assignments := []string{"updated_at = ?"}
	args := []any{nowISO()}
	if u.Status != "" {
		assignments = append(assignments, "status = ?")
		args = append(args, string(u.Status))
	}
	if u.Progress != nil {
		assignments = append(assignments, "progress_json = ?")
		args = append(args, marshalProgress(u.Progress))
	}
	if u.Error != "" {
		assignments = append(assignments, "error_message = ?")
		args = append(args, u.Error)
	}
	if terminal {
		assignments = append(assignments, "completed_at = ?")
		args = append(args, nowISO())
	}
	args = append(args, h.ID)

	query := "UPDATE jobs SET " + joinAssignments(assignments) + " WHERE job_id = ?"
	if err := execRetry(tx, query, args...); err != nil {
		tx.Rollback()
		return writeErr("update job", err)
	}
	if err := tx.Commit(); err != nil {
		return writeErr("update job", err)
	}
	return nil
}

func joinAssignments(parts []string) string {
	out := parts[0]
	for _, p := range parts[1:] {
		out += ", " + p
	}
	return out
}

const jobColumns = `job_id, job_type, path, volume_id, status, progress_json,
	owner_pid, owner_host, error_message, started_at, updated_at, completed_at`

// FetchJobs returns job rows, most recently updated first. When
// includeFinished is false, terminal jobs are filtered out. A limit of 0
// means no limit.
func (s *Store) FetchJobs(includeFinished bool, limit int) ([]types.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs`
	if !includeFinished {
		query += ` WHERE status NOT IN ('complete', 'failed', 'interrupted',
			'cancelled', 'removed', 'stopped', 'stale')`
	}
	query += ` ORDER BY updated_at DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, readErr("fetch jobs", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

// FetchScanJobs returns initial_scan jobs started at or after since,
// optionally restricted to one owner pid. The progress monitor polls this.
func (s *Store) FetchScanJobs(since string, ownerPID string) ([]types.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs
		WHERE job_type = 'initial_scan' AND started_at >= ?`
	args := []any{since}
	if ownerPID != "" {
		query += ` AND owner_pid = ?`
		args = append(args, ownerPID)
	}
	query += ` ORDER BY started_at ASC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, readErr("fetch scan jobs", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

// GetJob returns one job row, or nil when the id is unknown.
func (s *Store) GetJob(jobID string) (*types.Job, error) {
	row := s.db.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE job_id = ?`, jobID)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, readErr("get job", err)
	}
	return j, nil
}

func scanJobs(rows *sql.Rows) ([]types.Job, error) {
	var jobs []types.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, readErr("scan job", err)
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

func scanJob(row rowScanner) (*types.Job, error) {
	var j types.Job
	var path, volumeID, progress, ownerPID, ownerHost, errMsg, completedAt sql.NullString
	err := row.Scan(&j.JobID, &j.Type, &path, &volumeID, &j.Status, &progress,
		&ownerPID, &ownerHost, &errMsg, &j.StartedAt, &j.UpdatedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	j.Path = nsPtr(path)
	j.VolumeID = nsPtr(volumeID)
	j.ProgressJSON = nsPtr(progress)
	j.OwnerPID = nsPtr(ownerPID)
	j.OwnerHost = nsPtr(ownerHost)
	j.ErrorMessage = nsPtr(errMsg)
	j.CompletedAt = nsPtr(completedAt)
	if progress.Valid && progress.String != "" {
		var decoded map[string]any
		if err := json.Unmarshal([]byte(progress.String), &decoded); err == nil {
			j.Progress = decoded
		} else {
			j.Progress = map[string]any{}
		}
	} else {
		j.Progress = map[string]any{}
	}
	return &j, nil
}

// CleanupStaleJobs marks every non-terminal job whose owner process is no
// longer alive (or whose host differs) as stale. Run at supervisor startup
// so crashed runs do not leave jobs dangling as running.
func (s *Store) CleanupStaleJobs() (int, error) {
	if s.readOnly {
		return 0, ErrReadOnly
	}

	jobs, err := s.FetchJobs(false, 0)
	if err != nil {
		return 0, err
	}

	hostname, _ := os.Hostname()
	marked := 0
	for _, job := range jobs {
		if ownerAlive(job, hostname) {
			continue
		}
		now := nowISO()
		s.mu.Lock()
		err := execRetry(s.db,
			`UPDATE jobs SET status = ?, updated_at = ?, completed_at = ? WHERE job_id = ?`,
			string(types.JobStale), now, now, job.JobID)
		s.mu.Unlock()
		if err != nil {
			return marked, writeErr("cleanup stale jobs", err)
		}
		log.Logger.Info().Str("job_id", job.JobID).Str("job_type", string(job.Type)).
			Msg("marked stale job from previous run")
		marked++
	}
	return marked, nil
}

// ownerAlive reports whether the job's owner pid is a live process on this
// host. Jobs from other hosts or with unparseable pids are never alive.
func ownerAlive(job types.Job, hostname string) bool {
	if job.OwnerHost == nil || *job.OwnerHost != hostname {
		return false
	}
	if job.OwnerPID == nil {
		return false
	}
	pid, err := strconv.Atoi(*job.OwnerPID)
	if err != nil {
		return false
	}
	proc, err := ps.FindProcess(pid)
	if err != nil {
		// Host process table unreadable; do not guess a job dead.
		return true
	}
	return proc != nil
}

func marshalProgress(progress map[string]any) any {
	if progress == nil {
		return nil
	}
	blob, err := json.Marshal(progress)
	if err != nil {
		return nil
	}
	return string(blob)
}
