package catalog

import (
	"database/sql"

	"github.com/diskwatcher/diskwatcher/pkg/types"
)

// VolumeSummary aggregates event counts for one (volume, directory) pair.
type VolumeSummary struct {
	VolumeID    string  `json:"volume_id"`
	Directory   string  `json:"directory"`
	TotalEvents int64   `json:"total_events"`
	Created     int64   `json:"created"`
	Modified    int64   `json:"modified"`
	Deleted     int64   `json:"deleted"`
	FirstSeen   *string `json:"first_seen"`
	LastSeen    *string `json:"last_seen"`
}

// FileSummary aggregates event activity for one cataloged path.
type FileSummary struct {
	Path          string  `json:"path"`
	VolumeID      string  `json:"volume_id"`
	Directory     string  `json:"directory"`
	TotalEvents   int64   `json:"total_events"`
	FirstSeen     *string `json:"first_seen"`
	LastSeen      *string `json:"last_seen"`
	LastEventType *string `json:"last_event_type"`
}

// QueryEvents returns the most recent events, newest first.
func (s *Store) QueryEvents(limit int) ([]types.Event, error) {
	rows, err := s.db.Query(
		`SELECT id, timestamp, event_type, path, directory, volume_id, process_id
		 FROM events ORDER BY timestamp DESC LIMIT ?`, limit)
	if err != nil {
		return nil, readErr("query events", err)
	}
	defer rows.Close()

	var events []types.Event
	for rows.Next() {
		var ev types.Event
		var processID sql.NullString
		if err := rows.Scan(&ev.ID, &ev.Timestamp, &ev.Type, &ev.Path,
			&ev.Directory, &ev.VolumeID, &processID); err != nil {
			return nil, readErr("query events", err)
		}
		ev.ProcessID = processID.String
		events = append(events, ev)
	}
	return events, rows.Err()
}

// QueryEventsSince returns events with a row ordinal greater than
// lastRowID, in ordinal order. This is the only cross-watcher total order.
func (s *Store) QueryEventsSince(lastRowID int64, limit int) ([]types.Event, error) {
	rows, err := s.db.Query(
		`SELECT rowid, id, timestamp, event_type, path, directory, volume_id, process_id
		 FROM events WHERE rowid > ? ORDER BY rowid ASC LIMIT ?`, lastRowID, limit)
	if err != nil {
		return nil, readErr("query events since", err)
	}
	defer rows.Close()

	var events []types.Event
	for rows.Next() {
		var ev types.Event
		var processID sql.NullString
		if err := rows.Scan(&ev.RowID, &ev.ID, &ev.Timestamp, &ev.Type, &ev.Path,
			&ev.Directory, &ev.VolumeID, &processID); err != nil {
			return nil, readErr("query events since", err)
		}
		ev.ProcessID = processID.String
		events = append(events, ev)
	}
	return events, rows.Err()
}

// MaxEventRowID returns the highest event ordinal, 0 for an empty catalog.
func (s *Store) MaxEventRowID() (int64, error) {
	var max sql.NullInt64
	if err := s.db.QueryRow(`SELECT MAX(rowid) FROM events`).Scan(&max); err != nil {
		return 0, readErr("max event rowid", err)
	}
	return max.Int64, nil
}

// SummarizeByVolume groups event activity per volume and directory.
func (s *Store) SummarizeByVolume() ([]VolumeSummary, error) {
	rows, err := s.db.Query(
		`SELECT volume_id, directory,
			COUNT(*) AS total_events,
			SUM(CASE WHEN event_type = 'created' THEN 1 ELSE 0 END) AS created,
			SUM(CASE WHEN event_type = 'modified' THEN 1 ELSE 0 END) AS modified,
			SUM(CASE WHEN event_type = 'deleted' THEN 1 ELSE 0 END) AS deleted,
			MIN(timestamp) AS first_seen,
			MAX(timestamp) AS last_seen
		 FROM events
		 GROUP BY volume_id, directory
		 ORDER BY last_seen DESC`)
	if err != nil {
		return nil, readErr("summarize by volume", err)
	}
	defer rows.Close()

	var summaries []VolumeSummary
	for rows.Next() {
		var v VolumeSummary
		var firstSeen, lastSeen sql.NullString
		if err := rows.Scan(&v.VolumeID, &v.Directory, &v.TotalEvents,
			&v.Created, &v.Modified, &v.Deleted, &firstSeen, &lastSeen); err != nil {
			return nil, readErr("summarize by volume", err)
		}
		v.FirstSeen = nsPtr(firstSeen)
		v.LastSeen = nsPtr(lastSeen)
		summaries = append(summaries, v)
	}
	return summaries, rows.Err()
}

// SummarizeFiles returns per-path activity ordered by most recent change.
func (s *Store) SummarizeFiles(limit int) ([]FileSummary, error) {
	rows, err := s.db.Query(
		`SELECT e.path, e.volume_id, e.directory,
			COUNT(*) AS total_events,
			MIN(e.timestamp) AS first_seen,
			MAX(e.timestamp) AS last_seen,
			(
				SELECT latest.event_type FROM events AS latest
				WHERE latest.path = e.path AND latest.volume_id = e.volume_id
				ORDER BY latest.timestamp DESC LIMIT 1
			) AS last_event_type
		 FROM events AS e
		 GROUP BY e.path, e.volume_id, e.directory
		 ORDER BY last_seen DESC
		 LIMIT ?`, limit)
	if err != nil {
		return nil, readErr("summarize files", err)
	}
	defer rows.Close()

	var summaries []FileSummary
	for rows.Next() {
		var f FileSummary
		var firstSeen, lastSeen, lastType sql.NullString
		if err := rows.Scan(&f.Path, &f.VolumeID, &f.Directory, &f.TotalEvents,
			&firstSeen, &lastSeen, &lastType); err != nil {
			return nil, readErr("summarize files", err)
		}
		f.FirstSeen = nsPtr(firstSeen)
		f.LastSeen = nsPtr(lastSeen)
		f.LastEventType = nsPtr(lastType)
		summaries = append(summaries, f)
	}
	return summaries, rows.Err()
}

const volumeColumns = `volume_id, directory, event_count, created_count,
	modified_count, deleted_count, last_event_timestamp,
	usage_total_bytes, usage_used_bytes, usage_free_bytes, usage_refreshed_at,
	events_since_refresh, mount_device, mount_point, mount_uuid, mount_label,
	mount_volume_id, lsblk_name, lsblk_path, lsblk_model, lsblk_serial,
	lsblk_vendor, lsblk_size, lsblk_fsver, lsblk_pttype, lsblk_ptuuid,
	lsblk_parttype, lsblk_partuuid, lsblk_parttypename, lsblk_wwn,
	lsblk_maj_min, lsblk_json, identity_refreshed_at, label_index`

// FetchVolumeMetadata returns every volume row, most recently active first.
func (s *Store) FetchVolumeMetadata() ([]types.Volume, error) {
	rows, err := s.db.Query(
		`SELECT ` + volumeColumns + ` FROM volumes
		 ORDER BY (last_event_timestamp IS NULL), last_event_timestamp DESC, volume_id`)
	if err != nil {
		return nil, readErr("fetch volume metadata", err)
	}
	defer rows.Close()

	var volumes []types.Volume
	for rows.Next() {
		v, err := scanVolume(rows)
		if err != nil {
			return nil, readErr("fetch volume metadata", err)
		}
		volumes = append(volumes, *v)
	}
	return volumes, rows.Err()
}

// GetVolume returns one volume row, or nil when the id is unknown.
func (s *Store) GetVolume(volumeID string) (*types.Volume, error) {
	row := s.db.QueryRow(`SELECT `+volumeColumns+` FROM volumes WHERE volume_id = ?`, volumeID)
	v, err := scanVolume(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, readErr("get volume", err)
	}
	return v, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanVolume(row rowScanner) (*types.Volume, error) {
	var v types.Volume
	var lastEvent, usageRefreshed sql.NullString
	var usageTotal, usageUsed, usageFree, labelIndex sql.NullInt64
	var mountDevice, mountPoint, mountUUID, mountLabel, mountVolumeID sql.NullString
	var name, path, model, serial, vendor, size, fsver, pttype, ptuuid sql.NullString
	var parttype, partuuid, parttypename, wwn, majmin, lsblkJSON, identityRefreshed sql.NullString

	err := row.Scan(&v.VolumeID, &v.Directory, &v.EventCount, &v.CreatedCount,
		&v.ModifiedCount, &v.DeletedCount, &lastEvent,
		&usageTotal, &usageUsed, &usageFree, &usageRefreshed,
		&v.EventsSinceRefresh, &mountDevice, &mountPoint, &mountUUID, &mountLabel,
		&mountVolumeID, &name, &path, &model, &serial,
		&vendor, &size, &fsver, &pttype, &ptuuid,
		&parttype, &partuuid, &parttypename, &wwn,
		&majmin, &lsblkJSON, &identityRefreshed, &labelIndex)
	if err != nil {
		return nil, err
	}

	v.LastEventTimestamp = nsPtr(lastEvent)
	v.UsageTotalBytes = niPtr(usageTotal)
	v.UsageUsedBytes = niPtr(usageUsed)
	v.UsageFreeBytes = niPtr(usageFree)
	v.UsageRefreshedAt = nsPtr(usageRefreshed)
	v.MountDevice = nsPtr(mountDevice)
	v.MountPoint = nsPtr(mountPoint)
	v.MountUUID = nsPtr(mountUUID)
	v.MountLabel = nsPtr(mountLabel)
	v.MountVolumeID = nsPtr(mountVolumeID)
	v.LsblkName = nsPtr(name)
	v.LsblkPath = nsPtr(path)
	v.LsblkModel = nsPtr(model)
	v.LsblkSerial = nsPtr(serial)
	v.LsblkVendor = nsPtr(vendor)
	v.LsblkSize = nsPtr(size)
	v.LsblkFSVer = nsPtr(fsver)
	v.LsblkPTType = nsPtr(pttype)
	v.LsblkPTUUID = nsPtr(ptuuid)
	v.LsblkPartType = nsPtr(parttype)
	v.LsblkPartUUID = nsPtr(partuuid)
	v.LsblkPartTypeName = nsPtr(parttypename)
	v.LsblkWWN = nsPtr(wwn)
	v.LsblkMajMin = nsPtr(majmin)
	v.LsblkJSON = nsPtr(lsblkJSON)
	v.IdentityRefreshedAt = nsPtr(identityRefreshed)
	v.LabelIndex = niPtr(labelIndex)
	return &v, nil
}

const fileColumns = `volume_id, path, directory, size_bytes, modified_time,
	created_time, last_event_timestamp, last_event_type, is_deleted`

// GetFile returns the current File row for (volumeID, path), or nil.
func (s *Store) GetFile(volumeID, path string) (*types.File, error) {
	row := s.db.QueryRow(
		`SELECT `+fileColumns+` FROM files WHERE volume_id = ? AND path = ?`,
		volumeID, path)
	f, err := scanFile(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, readErr("get file", err)
	}
	return f, nil
}

// SearchFiles returns File rows whose path contains term, most recently
// changed first.
func (s *Store) SearchFiles(term string, limit int) ([]types.File, error) {
	rows, err := s.db.Query(
		`SELECT `+fileColumns+` FROM files
		 WHERE path LIKE ?
		 ORDER BY last_event_timestamp DESC
		 LIMIT ?`,
		"%"+term+"%", limit)
	if err != nil {
		return nil, readErr("search files", err)
	}
	defer rows.Close()

	var files []types.File
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, readErr("search files", err)
		}
		files = append(files, *f)
	}
	return files, rows.Err()
}

func scanFile(row rowScanner) (*types.File, error) {
	var f types.File
	var size sql.NullInt64
	var modified, created, lastTS, lastType sql.NullString
	var isDeleted int64
	err := row.Scan(&f.VolumeID, &f.Path, &f.Directory, &size,
		&modified, &created, &lastTS, &lastType, &isDeleted)
	if err != nil {
		return nil, err
	}
	f.SizeBytes = niPtr(size)
	f.ModifiedTime = nsPtr(modified)
	f.CreatedTime = nsPtr(created)
	f.LastEventTimestamp = nsPtr(lastTS)
	f.LastEventType = nsPtr(lastType)
	f.IsDeleted = isDeleted != 0
	return &f, nil
}

func nsPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func niPtr(ni sql.NullInt64) *int64 {
	if !ni.Valid {
		return nil
	}
	n := ni.Int64
	return &n
}
