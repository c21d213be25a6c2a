package catalog

import (
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/disk"

	"github.com/diskwatcher/diskwatcher/pkg/log"
	"github.com/diskwatcher/diskwatcher/pkg/metrics"
	"github.com/diskwatcher/diskwatcher/pkg/types"
)

const (
	usageRefreshSeconds        = 300
	usageRefreshEventThreshold = 100
)

var (
	fileIgnoreNames    = map[string]bool{".DS_Store": true, "Thumbs.db": true}
	fileIgnoreSuffixes = []string{".lock", ".tmp", ".swp", ".swx", "~"}
)

// AppendOptions carries the optional parts of an event append.
type AppendOptions struct {
	// Timestamp overrides the event timestamp (ISO-8601 with timezone).
	// Empty means "now".
	Timestamp string
	// Mount, when set, is persisted onto the volume row column by column,
	// never clobbering a known value with an absent one.
	Mount *types.MountInfo
}

// AppendEvent atomically inserts an Event row and updates the derived
// Volume and File rows. Either everything commits or nothing does; a
// failure surfaces as *WriteError.
func (s *Store) AppendEvent(kind types.EventType, path, directory, volumeID, processID string, opts AppendOptions) error {
	if s.readOnly {
		return ErrReadOnly
	}

	ts := opts.Timestamp
	if ts == "" {
		ts = nowISO()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	timer := time.Now()
	tx, err := s.db.Begin()
	if err != nil {
		return writeErr("append event", err)
	}

	if err := execRetry(tx,
		`INSERT INTO events (timestamp, event_type, path, directory, volume_id, process_id)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		ts, string(kind), path, directory, volumeID, nullString(processID),
	); err != nil {
		tx.Rollback()
		return writeErr("append event", err)
	}

	if err := updateVolumeMetadata(tx, volumeID, directory, kind, ts, opts.Mount); err != nil {
		tx.Rollback()
		return writeErr("update volume metadata", err)
	}

	if err := updateFileMetadata(tx, kind, path, directory, volumeID, ts); err != nil {
		tx.Rollback()
		return writeErr("update file metadata", err)
	}

	if err := tx.Commit(); err != nil {
		return writeErr("append event", err)
	}

	metrics.EventsAppended.WithLabelValues(string(kind)).Inc()
	metrics.AppendDuration.Observe(time.Since(timer).Seconds())
	return nil
}

func updateVolumeMetadata(tx *sql.Tx, volumeID, directory string, kind types.EventType, ts string, mount *types.MountInfo) error {
	createdDelta := boolToInt(kind == types.EventCreated)
	modifiedDelta := boolToInt(kind == types.EventModified)
	deletedDelta := boolToInt(kind == types.EventDeleted)

	if err := execRetry(tx,
		`INSERT INTO volumes (volume_id, directory) VALUES (?, ?)
		 ON CONFLICT(volume_id) DO UPDATE SET directory = excluded.directory`,
		volumeID, directory,
	); err != nil {
		return err
	}

	if err := execRetry(tx,
		`UPDATE volumes
		 SET event_count = event_count + 1,
		     created_count = created_count + ?,
		     modified_count = modified_count + ?,
		     deleted_count = deleted_count + ?,
		     last_event_timestamp = ?,
		     events_since_refresh = events_since_refresh + 1
		 WHERE volume_id = ?`,
		createdDelta, modifiedDelta, deletedDelta, ts, volumeID,
	); err != nil {
		return err
	}

	if err := maybeRefreshVolumeUsage(tx, volumeID, directory, ts); err != nil {
		return err
	}

	if mount != nil {
		if err := persistMountIdentity(tx, volumeID, mount, ts); err != nil {
			return err
		}
	}
	return nil
}

func maybeRefreshVolumeUsage(tx *sql.Tx, volumeID, directory, ts string) error {
	var refreshedAt sql.NullString
	var sinceRefresh int64
	err := tx.QueryRow(
		`SELECT usage_refreshed_at, events_since_refresh FROM volumes WHERE volume_id = ?`,
		volumeID,
	).Scan(&refreshedAt, &sinceRefresh)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return err
	}

	eventTime := parseISO(ts)
	refresh := false
	if !refreshedAt.Valid {
		refresh = true
	} else if eventTime.Sub(parseISO(refreshedAt.String)) >= usageRefreshSeconds*time.Second {
		refresh = true
	}
	if sinceRefresh >= usageRefreshEventThreshold {
		refresh = true
	}
	if !refresh {
		return nil
	}

	usage, err := disk.Usage(directory)
	if err != nil {
		// Capacity is best-effort; keep the previous snapshot.
		log.Logger.Debug().Err(err).Str("directory", directory).
			Str("volume_id", volumeID).Msg("unable to collect disk usage")
		return nil
	}

	return execRetry(tx,
		`UPDATE volumes
		 SET usage_total_bytes = ?,
		     usage_used_bytes = ?,
		     usage_free_bytes = ?,
		     usage_refreshed_at = ?,
		     events_since_refresh = 0
		 WHERE volume_id = ?`,
		int64(usage.Total), int64(usage.Used), int64(usage.Free), ts, volumeID,
	)
}

// persistMountIdentity writes only the identity columns that carry a value,
// so a partial probe never erases attributes learned earlier.
func persistMountIdentity(tx *sql.Tx, volumeID string, mount *types.MountInfo, ts string) error {
	assignments := make([]string, 0, 24)
	args := make([]any, 0, 24)

	set := func(column, value string) {
		if value == "" {
			return
		}
		assignments = append(assignments, column+" = ?")
		args = append(args, value)
	}

	set("mount_device", mount.Device)
	set("mount_point", mount.MountPoint)
	set("mount_uuid", mount.UUID)
	set("mount_label", mount.Label)
	set("mount_volume_id", mount.VolumeID)
	set("lsblk_name", mount.Lsblk["NAME"])
	set("lsblk_path", mount.Lsblk["PATH"])
	set("lsblk_model", mount.Lsblk["MODEL"])
	set("lsblk_serial", mount.Lsblk["SERIAL"])
	set("lsblk_vendor", mount.Lsblk["VENDOR"])
	set("lsblk_size", mount.Lsblk["SIZE"])
	set("lsblk_fsver", mount.Lsblk["FSVER"])
	set("lsblk_pttype", mount.Lsblk["PTTYPE"])
	set("lsblk_ptuuid", mount.Lsblk["PTUUID"])
	set("lsblk_parttype", mount.Lsblk["PARTTYPE"])
	set("lsblk_partuuid", mount.Lsblk["PARTUUID"])
	set("lsblk_parttypename", mount.Lsblk["PARTTYPENAME"])
	set("lsblk_wwn", mount.Lsblk["WWN"])
	set("lsblk_maj_min", mount.Lsblk["MAJ:MIN"])

	if len(mount.Lsblk) > 0 {
		if blob, err := json.Marshal(mount.Lsblk); err == nil {
			set("lsblk_json", string(blob))
		}
	}

	if len(assignments) == 0 {
		return nil
	}

	assignments = append(assignments, "identity_refreshed_at = ?")
	args = append(args, ts, volumeID)

	return execRetry(tx,
		`UPDATE volumes SET `+strings.Join(assignments, ", ")+` WHERE volume_id = ?`,
		args...,
	)
}

func updateFileMetadata(tx *sql.Tx, kind types.EventType, path, directory, volumeID, ts string) error {
	if ignoredFileName(filepath.Base(path)) {
		return nil
	}

	if kind == types.EventDeleted {
		return execRetry(tx,
			`UPDATE files
			 SET is_deleted = 1,
			     size_bytes = NULL,
			     modified_time = NULL,
			     last_event_timestamp = ?,
			     last_event_type = ?
			 WHERE volume_id = ? AND path = ?`,
			ts, string(kind), volumeID, path,
		)
	}

	info, err := os.Stat(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Logger.Debug().Err(err).Str("path", path).Msg("stat failed for cataloged path")
		}
		return nil
	}
	if !info.Mode().IsRegular() {
		return nil
	}

	modified, created := fileTimes(info)
	return execRetry(tx,
		`INSERT INTO files (
			volume_id, path, directory, size_bytes, modified_time, created_time,
			last_event_timestamp, last_event_type, is_deleted
		 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0)
		 ON CONFLICT(volume_id, path) DO UPDATE SET
			directory = excluded.directory,
			size_bytes = excluded.size_bytes,
			modified_time = excluded.modified_time,
			created_time = COALESCE(files.created_time, excluded.created_time),
			last_event_timestamp = excluded.last_event_timestamp,
			last_event_type = excluded.last_event_type,
			is_deleted = 0`,
		volumeID, path, directory, info.Size(),
		modified.UTC().Format(time.RFC3339Nano),
		created.UTC().Format(time.RFC3339Nano),
		ts, string(kind),
	)
}

// ignoredFileName reports whether a basename is in the deny-set that keeps
// editor and OS droppings out of the files table. Events for such paths are
// still appended; only the File derivation is suppressed.
func ignoredFileName(name string) bool {
	if fileIgnoreNames[name] {
		return true
	}
	for _, suffix := range fileIgnoreSuffixes {
		if strings.HasSuffix(name, suffix) {
			return true
		}
	}
	return false
}

func parseISO(raw string) time.Time {
	if raw == "" {
		return time.Unix(0, 0).UTC()
	}
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t
	}
	return time.Unix(0, 0).UTC()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
