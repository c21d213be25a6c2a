package catalog

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/diskwatcher/diskwatcher/pkg/log"
)

const (
	// MemoryPath opens an in-memory catalog, used by tests and by callers
	// that only need a throwaway store.
	MemoryPath = ":memory:"

	// DefaultFileName is the catalog file name under the config directory.
	DefaultFileName = "diskwatcher.db"

	busyTimeout    = 10 * time.Second
	maxRetries     = 3
	retryDelayBase = 50 * time.Millisecond
)

// Store is the sole writer gateway to the durable catalog. A single writer
// mutex serializes mutations from in-process watchers; readers go straight
// to the pooled connection. Cross-process scan workers open their own Store
// against the same file and rely on SQLite's locking plus the retry loop.
type Store struct {
	db       *sql.DB
	path     string // "" when in-memory
	readOnly bool

	mu sync.Mutex // writer mutex
}

// Open opens (creating if necessary) a read-write catalog at path and
// brings its schema to the latest revision. Pass MemoryPath for an
// in-memory catalog.
func Open(path string) (*Store, error) {
	store, err := open(path, false)
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}

// OpenReadOnly opens an existing catalog in a mode that fails any attempted
// write. It never migrates; a missing file is an error.
func OpenReadOnly(path string) (*Store, error) {
	if path == MemoryPath {
		return nil, fmt.Errorf("cannot open in-memory catalog read-only")
	}
	if _, err := os.Stat(path); err != nil {
		return nil, readErr("open", err)
	}
	return open(path, true)
}

func open(path string, readOnly bool) (*Store, error) {
	var dsn string
	timeoutMS := int(busyTimeout / time.Millisecond)
	if path == MemoryPath {
		dsn = fmt.Sprintf("file::memory:?_busy_timeout=%d&_foreign_keys=on", timeoutMS)
	} else {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create catalog directory: %w", err)
			}
		}
		mode := "rwc"
		if readOnly {
			mode = "ro"
		}
		dsn = fmt.Sprintf(
			"file:%s?mode=%s&_busy_timeout=%d&_foreign_keys=on&_journal_mode=WAL",
			path, mode, timeoutMS,
		)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog: %w", err)
	}

	// The catalog behaves as one shared connection: derived-state updates
	// depend on the writer mutex plus a single underlying handle. This also
	// keeps an in-memory catalog coherent across database/sql checkouts.
	if !readOnly {
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open catalog: %w", err)
	}

	storePath := path
	if path == MemoryPath {
		storePath = ""
	}
	return &Store{db: db, path: storePath, readOnly: readOnly}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the on-disk catalog path, or "" for an in-memory store.
// Parallel scan workers use it to open their own connections; an empty
// path degrades parallel scans to serial mode.
func (s *Store) Path() string {
	return s.path
}

// ReadOnly reports whether the store rejects writes.
func (s *Store) ReadOnly() bool {
	return s.readOnly
}

// Lock takes the writer mutex. Exposed so job handles created by one
// component can serialize against event appends from another.
func (s *Store) Lock() { s.mu.Lock() }

// Unlock releases the writer mutex.
func (s *Store) Unlock() { s.mu.Unlock() }

// Vacuum rebuilds the database file, reclaiming free pages.
func (s *Store) Vacuum() error {
	if s.readOnly {
		return ErrReadOnly
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec("VACUUM")
	return writeErr("vacuum", err)
}

// IntegrityCheck runs PRAGMA integrity_check and returns its problem
// lines. A healthy database reports the single row "ok", which is not a
// problem; callers get an empty report for it.
func (s *Store) IntegrityCheck() ([]string, error) {
	rows, err := s.db.Query("PRAGMA integrity_check")
	if err != nil {
		return nil, readErr("integrity_check", err)
	}
	defer rows.Close()

	var report []string
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return nil, readErr("integrity_check", err)
		}
		report = append(report, line)
	}
	if err := rows.Err(); err != nil {
		return nil, readErr("integrity_check", err)
	}
	if len(report) == 1 && report[0] == "ok" {
		return nil, nil
	}
	return report, nil
}

// execer abstracts *sql.Tx and *sql.DB for the retry helper.
type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

// execRetry executes a write statement, retrying transient lock contention
// with exponential backoff: base 50ms, doubling, up to three attempts.
func execRetry(e execer, query string, args ...any) error {
	delay := retryDelayBase
	var err error
	for attempt := 0; attempt < maxRetries; attempt++ {
		_, err = e.Exec(query, args...)
		if err == nil {
			return nil
		}
		if !isBusy(err) || attempt == maxRetries-1 {
			return err
		}
		log.Logger.Debug().Err(err).Int("attempt", attempt+1).Msg("catalog busy, retrying")
		time.Sleep(delay)
		delay *= 2
	}
	return err
}

// isBusy reports whether err looks like transient SQLite lock contention.
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "locked") || strings.Contains(msg, "busy")
}

// nowISO returns the current time as ISO-8601 UTC with sub-second
// precision. Lexical order of these strings matches chronological order.
func nowISO() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
