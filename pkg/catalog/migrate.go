package catalog

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/diskwatcher/diskwatcher/pkg/log"
)

// migration is one forward-only schema revision. Revisions are linear;
// each applies inside its own transaction and is recorded in the
// schema_migrations side table.
type migration struct {
	version int
	name    string
	stmts   []string
}

var migrations = []migration{
	{
		version: 1,
		name:    "initial_catalog",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS events (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				timestamp TEXT NOT NULL,
				event_type TEXT NOT NULL,
				path TEXT NOT NULL,
				directory TEXT NOT NULL,
				volume_id TEXT NOT NULL,
				process_id TEXT
			)`,
			`CREATE INDEX IF NOT EXISTS idx_events_path ON events (path)`,
			`CREATE INDEX IF NOT EXISTS idx_events_volume_id ON events (volume_id)`,
			`CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events (timestamp)`,
		},
	},
	{
		version: 2,
		name:    "volume_and_file_metadata",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS volumes (
				volume_id TEXT PRIMARY KEY,
				directory TEXT NOT NULL,
				event_count INTEGER NOT NULL DEFAULT 0,
				created_count INTEGER NOT NULL DEFAULT 0,
				modified_count INTEGER NOT NULL DEFAULT 0,
				deleted_count INTEGER NOT NULL DEFAULT 0,
				last_event_timestamp TEXT,
				usage_total_bytes INTEGER,
				usage_used_bytes INTEGER,
				usage_free_bytes INTEGER,
				usage_refreshed_at TEXT,
				events_since_refresh INTEGER NOT NULL DEFAULT 0
			)`,
			`CREATE TABLE IF NOT EXISTS files (
				volume_id TEXT NOT NULL,
				path TEXT NOT NULL,
				directory TEXT NOT NULL,
				size_bytes INTEGER,
				modified_time TEXT,
				created_time TEXT,
				last_event_timestamp TEXT,
				last_event_type TEXT,
				is_deleted INTEGER NOT NULL DEFAULT 0,
				PRIMARY KEY (volume_id, path)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_files_directory ON files (directory)`,
		},
	},
	{
		version: 3,
		name:    "volume_mount_metadata",
		stmts: []string{
			`ALTER TABLE volumes ADD COLUMN mount_device TEXT`,
			`ALTER TABLE volumes ADD COLUMN mount_point TEXT`,
			`ALTER TABLE volumes ADD COLUMN mount_uuid TEXT`,
			`ALTER TABLE volumes ADD COLUMN mount_label TEXT`,
			`ALTER TABLE volumes ADD COLUMN mount_volume_id TEXT`,
			`ALTER TABLE volumes ADD COLUMN lsblk_name TEXT`,
			`ALTER TABLE volumes ADD COLUMN lsblk_path TEXT`,
			`ALTER TABLE volumes ADD COLUMN lsblk_model TEXT`,
			`ALTER TABLE volumes ADD COLUMN lsblk_serial TEXT`,
			`ALTER TABLE volumes ADD COLUMN lsblk_vendor TEXT`,
			`ALTER TABLE volumes ADD COLUMN lsblk_size TEXT`,
			`ALTER TABLE volumes ADD COLUMN lsblk_fsver TEXT`,
			`ALTER TABLE volumes ADD COLUMN lsblk_pttype TEXT`,
			`ALTER TABLE volumes ADD COLUMN lsblk_ptuuid TEXT`,
			`ALTER TABLE volumes ADD COLUMN lsblk_parttype TEXT`,
			`ALTER TABLE volumes ADD COLUMN lsblk_partuuid TEXT`,
			`ALTER TABLE volumes ADD COLUMN lsblk_parttypename TEXT`,
			`ALTER TABLE volumes ADD COLUMN lsblk_wwn TEXT`,
			`ALTER TABLE volumes ADD COLUMN lsblk_maj_min TEXT`,
			`ALTER TABLE volumes ADD COLUMN lsblk_json TEXT`,
			`ALTER TABLE volumes ADD COLUMN identity_refreshed_at TEXT`,
		},
	},
	{
		version: 4,
		name:    "jobs_table",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS jobs (
				job_id TEXT PRIMARY KEY,
				job_type TEXT NOT NULL,
				path TEXT,
				volume_id TEXT,
				status TEXT NOT NULL,
				progress_json TEXT,
				owner_pid TEXT,
				owner_host TEXT,
				error_message TEXT,
				started_at TEXT NOT NULL,
				updated_at TEXT NOT NULL,
				completed_at TEXT
			)`,
			`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs (status)`,
			`CREATE INDEX IF NOT EXISTS idx_jobs_volume_id ON jobs (volume_id)`,
		},
	},
	{
		version: 5,
		name:    "volume_label_index",
		stmts: []string{
			`ALTER TABLE volumes ADD COLUMN label_index INTEGER`,
		},
	},
	{
		version: 6,
		name:    "dashboard_summary_indexes",
		stmts: []string{
			`CREATE INDEX IF NOT EXISTS idx_events_volume_path ON events (volume_id, path)`,
			`CREATE INDEX IF NOT EXISTS idx_files_last_event_timestamp ON files (last_event_timestamp)`,
			`CREATE INDEX IF NOT EXISTS idx_volumes_last_event_timestamp ON volumes (last_event_timestamp)`,
		},
	},
}

// Migrate brings the catalog schema to the latest revision. It is a no-op
// on an up-to-date catalog.
func (s *Store) Migrate() error {
	if s.readOnly {
		return ErrReadOnly
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at TEXT NOT NULL
	)`); err != nil {
		return writeErr("migrate", err)
	}

	current, err := s.revisionLocked()
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if err := s.applyMigration(m); err != nil {
			return err
		}
		log.Logger.Debug().Int("version", m.version).Str("name", m.name).Msg("applied catalog migration")
	}
	return nil
}

func (s *Store) applyMigration(m migration) error {
	tx, err := s.db.Begin()
	if err != nil {
		return writeErr("migrate", err)
	}
	for _, stmt := range m.stmts {
		if _, err := tx.Exec(stmt); err != nil {
			tx.Rollback()
			return writeErr(fmt.Sprintf("migration %d (%s)", m.version, m.name), err)
		}
	}
	if _, err := tx.Exec(
		`INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)`,
		m.version, m.name, nowISO(),
	); err != nil {
		tx.Rollback()
		return writeErr("migrate", err)
	}
	if err := tx.Commit(); err != nil {
		return writeErr("migrate", err)
	}
	return nil
}

// Revision returns the highest applied schema revision, 0 for a catalog
// that predates the migration marker.
func (s *Store) Revision() (int, error) {
	return s.revisionLocked()
}

func (s *Store) revisionLocked() (int, error) {
	var version sql.NullInt64
	err := s.db.QueryRow(`SELECT MAX(version) FROM schema_migrations`).Scan(&version)
	if err != nil {
		if isMissingTable(err) {
			return 0, nil
		}
		return 0, readErr("revision", err)
	}
	return int(version.Int64), nil
}

func isMissingTable(err error) bool {
	return err != nil && (err == sql.ErrNoRows ||
		strings.Contains(strings.ToLower(err.Error()), "no such table"))
}
