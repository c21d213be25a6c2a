package progress

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gosuri/uilive"

	"github.com/diskwatcher/diskwatcher/pkg/catalog"
	"github.com/diskwatcher/diskwatcher/pkg/types"
)

const (
	// pollInterval is how often the monitor re-reads scan jobs.
	pollInterval = 500 * time.Millisecond
	// plainThrottle is the minimum gap between lines when the output is
	// not a terminal (logs, CI).
	plainThrottle = 2 * time.Second
)

// Snapshot is one aggregated view over a batch of initial-scan jobs.
type Snapshot struct {
	Total        int
	Completed    int
	Running      int
	Failed       int
	Interrupted  int
	FilesScanned int64
}

// Done reports whether every job in the batch reached a terminal status.
func (s Snapshot) Done() bool {
	return s.Total > 0 && s.Completed+s.Failed+s.Interrupted == s.Total
}

func (s Snapshot) String() string {
	return fmt.Sprintf("scans: %d/%d complete, %d running, %d failed, %d interrupted — %s files",
		s.Completed, s.Total, s.Running, s.Failed, s.Interrupted,
		humanize.Comma(s.FilesScanned))
}

// Monitor follows initial-scan jobs in the catalog and renders their
// aggregate progress. It reads through its own view of the jobs table, so
// it works against scans running in other goroutines or processes.
type Monitor struct {
	store       *catalog.Store
	since       string
	ownerPID    string
	out         io.Writer
	interactive bool
}

// NewMonitor builds a monitor over scan jobs started at or after since
// (an RFC 3339 timestamp). ownerPID narrows the batch to one process;
// empty matches all owners.
func NewMonitor(store *catalog.Store, since, ownerPID string) *Monitor {
	return &Monitor{
		store:       store,
		since:       since,
		ownerPID:    ownerPID,
		out:         os.Stdout,
		interactive: stdoutIsTerminal(),
	}
}

// SetOutput redirects rendering, switching to plain line output.
func (m *Monitor) SetOutput(w io.Writer) {
	m.out = w
	m.interactive = false
}

// Run polls until every scan in the batch terminates or stop closes, and
// returns the final snapshot. Interactive output rewrites a single line;
// otherwise one line is printed every couple of seconds.
func (m *Monitor) Run(stop <-chan struct{}) (Snapshot, error) {
	var render func(Snapshot)
	if m.interactive {
		writer := uilive.New()
		writer.Out = m.out
		writer.Start()
		defer writer.Stop()
		render = func(s Snapshot) {
			fmt.Fprintln(writer, s.String())
		}
	} else {
		var lastLine time.Time
		render = func(s Snapshot) {
			if !s.Done() && time.Since(lastLine) < plainThrottle {
				return
			}
			lastLine = time.Now()
			fmt.Fprintln(m.out, s.String())
		}
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	var last Snapshot
	for {
		snap, err := m.Poll()
		if err != nil {
			return last, err
		}
		last = snap
		render(snap)
		if snap.Done() {
			return snap, nil
		}

		select {
		case <-ticker.C:
		case <-stop:
			return last, nil
		}
	}
}

// RunBatches follows successive scan batches until stop closes: it waits
// for scans to appear in the window, renders that batch to completion,
// then advances the window and waits for the next batch. Used by long
// running sessions where auto-discovery keeps starting new scans.
func (m *Monitor) RunBatches(stop <-chan struct{}) error {
	for {
		for {
			snap, err := m.Poll()
			if err != nil {
				return err
			}
			if snap.Total > 0 {
				break
			}
			select {
			case <-time.After(pollInterval):
			case <-stop:
				return nil
			}
		}

		if _, err := m.Run(stop); err != nil {
			return err
		}
		select {
		case <-stop:
			return nil
		default:
		}
		m.since = time.Now().UTC().Format(time.RFC3339Nano)
	}
}

// Poll reads the batch once and aggregates it.
func (m *Monitor) Poll() (Snapshot, error) {
	jobs, err := m.store.FetchScanJobs(m.since, m.ownerPID)
	if err != nil {
		return Snapshot{}, err
	}
	return Aggregate(jobs), nil
}

// Aggregate folds scan jobs into one snapshot. Stale and cancelled jobs
// count as failures; files scanned sums each job's last recorded progress.
func Aggregate(jobs []types.Job) Snapshot {
	var s Snapshot
	s.Total = len(jobs)
	for _, job := range jobs {
		switch job.Status {
		case types.JobComplete:
			s.Completed++
		case types.JobInterrupted:
			s.Interrupted++
		case types.JobFailed, types.JobStale, types.JobCancelled, types.JobRemoved, types.JobStopped:
			s.Failed++
		default:
			s.Running++
		}
		s.FilesScanned += progressInt64(job.Progress, "files_scanned")
	}
	return s
}

// progressInt64 reads a numeric field out of a decoded progress payload.
// JSON round-trips integers as float64.
func progressInt64(progress map[string]any, key string) int64 {
	switch v := progress[key].(type) {
	case int64:
		return v
	case float64:
		return int64(v)
	case int:
		return int64(v)
	default:
		return 0
	}
}

func stdoutIsTerminal() bool {
	info, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}
