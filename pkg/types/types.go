package types

// EventType classifies a single filesystem observation.
type EventType string

const (
	EventCreated  EventType = "created"
	EventModified EventType = "modified"
	EventDeleted  EventType = "deleted"
	// EventExisting is emitted only by the initial archival scan for files
	// that were already present when a directory came under watch.
	EventExisting EventType = "existing"
)

// Event is one immutable row in the events table. RowID is the monotonic
// ordinal assigned by the catalog and is the only total order readers
// should rely on across watchers.
type Event struct {
	RowID     int64     `json:"rowid,omitempty"`
	ID        int64     `json:"id"`
	Timestamp string    `json:"timestamp"`
	Type      EventType `json:"event_type"`
	Path      string    `json:"path"`
	Directory string    `json:"directory"`
	VolumeID  string    `json:"volume_id"`
	ProcessID string    `json:"process_id,omitempty"`
}

// Volume is the derived per-volume row: counters, capacity snapshot and
// mount identity. Nullable columns are pointers so absent values survive a
// round trip without clobbering.
type Volume struct {
	VolumeID           string  `json:"volume_id"`
	Directory          string  `json:"directory"`
	EventCount         int64   `json:"event_count"`
	CreatedCount       int64   `json:"created_count"`
	ModifiedCount      int64   `json:"modified_count"`
	DeletedCount       int64   `json:"deleted_count"`
	LastEventTimestamp *string `json:"last_event_timestamp"`
	UsageTotalBytes    *int64  `json:"usage_total_bytes"`
	UsageUsedBytes     *int64  `json:"usage_used_bytes"`
	UsageFreeBytes     *int64  `json:"usage_free_bytes"`
	UsageRefreshedAt   *string `json:"usage_refreshed_at"`
	EventsSinceRefresh int64   `json:"events_since_refresh"`

	MountDevice         *string `json:"mount_device"`
	MountPoint          *string `json:"mount_point"`
	MountUUID           *string `json:"mount_uuid"`
	MountLabel          *string `json:"mount_label"`
	MountVolumeID       *string `json:"mount_volume_id"`
	LsblkName           *string `json:"lsblk_name"`
	LsblkPath           *string `json:"lsblk_path"`
	LsblkModel          *string `json:"lsblk_model"`
	LsblkSerial         *string `json:"lsblk_serial"`
	LsblkVendor         *string `json:"lsblk_vendor"`
	LsblkSize           *string `json:"lsblk_size"`
	LsblkFSVer          *string `json:"lsblk_fsver"`
	LsblkPTType         *string `json:"lsblk_pttype"`
	LsblkPTUUID         *string `json:"lsblk_ptuuid"`
	LsblkPartType       *string `json:"lsblk_parttype"`
	LsblkPartUUID       *string `json:"lsblk_partuuid"`
	LsblkPartTypeName   *string `json:"lsblk_parttypename"`
	LsblkWWN            *string `json:"lsblk_wwn"`
	LsblkMajMin         *string `json:"lsblk_maj_min"`
	LsblkJSON           *string `json:"lsblk_json"`
	IdentityRefreshedAt *string `json:"identity_refreshed_at"`
	LabelIndex          *int64  `json:"label_index"`
}

// File is the current cataloged state of one path on one volume. Rows are
// never removed; deletes leave a tombstone with IsDeleted set.
type File struct {
	VolumeID           string  `json:"volume_id"`
	Path               string  `json:"path"`
	Directory          string  `json:"directory"`
	SizeBytes          *int64  `json:"size_bytes"`
	ModifiedTime       *string `json:"modified_time"`
	CreatedTime        *string `json:"created_time"`
	LastEventTimestamp *string `json:"last_event_timestamp"`
	LastEventType      *string `json:"last_event_type"`
	IsDeleted          bool    `json:"is_deleted"`
}

// JobType identifies the kind of tracked long-running activity.
type JobType string

const (
	JobInitialScan JobType = "initial_scan"
	JobWatcher     JobType = "watcher"
)

// JobStatus is the lifecycle state of a job row.
type JobStatus string

const (
	JobQueued      JobStatus = "queued"
	JobStarting    JobStatus = "starting"
	JobRunning     JobStatus = "running"
	JobStopping    JobStatus = "stopping"
	JobComplete    JobStatus = "complete"
	JobFailed      JobStatus = "failed"
	JobInterrupted JobStatus = "interrupted"
	JobCancelled   JobStatus = "cancelled"
	JobRemoved     JobStatus = "removed"
	JobStopped     JobStatus = "stopped"
	JobStale       JobStatus = "stale"
)

// TerminalJobStatuses is the set of statuses treated as final when
// aggregating. "stopping" is an observable intermediate during watcher
// shutdown and is deliberately not in this set.
var TerminalJobStatuses = map[JobStatus]bool{
	JobComplete:    true,
	JobFailed:      true,
	JobInterrupted: true,
	JobCancelled:   true,
	JobRemoved:     true,
	JobStopped:     true,
	JobStale:       true,
}

// IsTerminal reports whether s is a final job status.
func (s JobStatus) IsTerminal() bool {
	return TerminalJobStatuses[s]
}

// Job is one row in the jobs table.
type Job struct {
	JobID        string         `json:"job_id"`
	Type         JobType        `json:"job_type"`
	Path         *string        `json:"path"`
	VolumeID     *string        `json:"volume_id"`
	Status       JobStatus      `json:"status"`
	ProgressJSON *string        `json:"progress_json,omitempty"`
	Progress     map[string]any `json:"progress"`
	OwnerPID     *string        `json:"owner_pid"`
	OwnerHost    *string        `json:"owner_host"`
	ErrorMessage *string        `json:"error_message"`
	StartedAt    string         `json:"started_at"`
	UpdatedAt    string         `json:"updated_at"`
	CompletedAt  *string        `json:"completed_at"`
}

// WatcherState is the lifecycle state of a directory watcher.
type WatcherState string

const (
	WatcherCreated  WatcherState = "created"
	WatcherScanning WatcherState = "scanning"
	WatcherWatching WatcherState = "watching"
	WatcherStopping WatcherState = "stopping"
	WatcherStopped  WatcherState = "stopped"
	WatcherFailed   WatcherState = "failed"
)

// MountInfo is the best-effort mount identity for a watched directory, as
// returned by the mount probe. Lsblk holds the raw attributes of the
// backing block device when the host tools could report them.
type MountInfo struct {
	Directory           string            `json:"directory"`
	MountPoint          string            `json:"mount_point"`
	Device              string            `json:"device"`
	VolumeID            string            `json:"volume_id"`
	UUID                string            `json:"uuid,omitempty"`
	Label               string            `json:"label,omitempty"`
	Lsblk               map[string]string `json:"lsblk,omitempty"`
	IdentityRefreshedAt string            `json:"identity_refreshed_at,omitempty"`
}

// Complete reports whether the probe found at least one persistent
// identifier. Complete metadata is cached for the life of a watcher;
// incomplete metadata is reprobed with backoff.
func (m *MountInfo) Complete() bool {
	if m == nil {
		return false
	}
	if m.UUID != "" {
		return true
	}
	for _, key := range []string{"PTUUID", "PARTUUID", "SERIAL", "WWN"} {
		if m.Lsblk[key] != "" {
			return true
		}
	}
	return false
}

// ScanProgress is the progress payload recorded on initial_scan jobs.
type ScanProgress struct {
	FilesScanned    int64   `json:"files_scanned"`
	DirectoriesSeen int64   `json:"directories_seen"`
	StartedAt       string  `json:"started_at,omitempty"`
	CompletedAt     string  `json:"completed_at,omitempty"`
	ElapsedSeconds  float64 `json:"elapsed_seconds,omitempty"`
	Status          string  `json:"status,omitempty"`
}

// Map converts the progress payload to the generic shape stored as JSON.
func (p ScanProgress) Map() map[string]any {
	m := map[string]any{
		"files_scanned":    p.FilesScanned,
		"directories_seen": p.DirectoriesSeen,
	}
	if p.StartedAt != "" {
		m["started_at"] = p.StartedAt
	}
	if p.CompletedAt != "" {
		m["completed_at"] = p.CompletedAt
	}
	if p.ElapsedSeconds > 0 {
		m["elapsed_seconds"] = p.ElapsedSeconds
	}
	if p.Status != "" {
		m["status"] = p.Status
	}
	return m
}
