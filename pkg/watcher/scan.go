package watcher

import (
	"os"
	"path/filepath"
	"time"

	"github.com/diskwatcher/diskwatcher/pkg/catalog"
	"github.com/diskwatcher/diskwatcher/pkg/log"
	"github.com/diskwatcher/diskwatcher/pkg/metrics"
	"github.com/diskwatcher/diskwatcher/pkg/types"
)

// scanHeartbeatEvery is how many files pass between job progress writes.
const scanHeartbeatEvery = 500

// InitialScan archives the directory's current contents as "existing"
// events. Traversal is breadth-first with a cancellation check between
// directories: a stop request finishes the directory in flight, records
// partial progress and terminates the job as interrupted. Unreadable
// subtrees are logged and skipped; a catalog write failure aborts the scan
// and fails the job.
func (w *Watcher) InitialScan(job *catalog.JobHandle, stop <-chan struct{}) (types.ScanProgress, error) {
	scanLog := log.WithComponent("scan")
	started := time.Now().UTC()
	progress := types.ScanProgress{StartedAt: started.Format(time.RFC3339Nano)}

	interrupted := false
	w.setState(types.WatcherScanning)
	defer func() {
		// Hand the state machine back to whichever mode owns it next. A
		// cancelled scan with no live watch is a stopped watcher.
		w.stateMu.Lock()
		if w.state == types.WatcherScanning {
			switch {
			case w.live:
				w.state = types.WatcherWatching
			case interrupted:
				w.state = types.WatcherStopped
			default:
				w.state = types.WatcherCreated
			}
		}
		w.stateMu.Unlock()
	}()

	if job != nil {
		if err := job.Update(catalog.JobUpdate{Status: types.JobRunning, Progress: progress.Map()}); err != nil {
			scanLog.Debug().Err(err).Str("path", w.path).Msg("failed to mark scan job running")
		}
	}
	scanLog.Info().Str("path", w.path).Str("volume_id", w.volumeID).Msg("initial scan started")

	finish := func(status string) types.ScanProgress {
		progress.CompletedAt = time.Now().UTC().Format(time.RFC3339Nano)
		progress.ElapsedSeconds = time.Since(started).Seconds()
		progress.Status = status
		w.scanMu.Lock()
		w.scanStats = &progress
		w.scanMu.Unlock()
		return progress
	}

	queue := []string{w.path}
	for len(queue) > 0 {
		select {
		case <-stop:
			interrupted = true
			finish("interrupted")
			if job != nil {
				if err := job.Complete(types.JobInterrupted, progress.Map()); err != nil {
					scanLog.Debug().Err(err).Msg("failed to record interrupted scan")
				}
			}
			metrics.ScansCompleted.WithLabelValues("interrupted").Inc()
			scanLog.Info().Str("path", w.path).Int64("files_scanned", progress.FilesScanned).
				Msg("initial scan interrupted")
			return progress, nil
		default:
		}

		dir := queue[0]
		queue = queue[1:]

		if dir != w.path && w.excludes.MatchDir(dir) {
			continue
		}

		entries, err := os.ReadDir(dir)
		if err != nil {
			scanLog.Warn().Err(err).Str("path", dir).Msg("skipping unreadable directory")
			continue
		}
		progress.DirectoriesSeen++

		for _, entry := range entries {
			full := filepath.Join(dir, entry.Name())
			if entry.IsDir() {
				queue = append(queue, full)
				continue
			}
			if w.excludes.Match(full) {
				continue
			}

			err := w.store.AppendEvent(types.EventExisting, full, w.path, w.volumeID, w.processID, catalog.AppendOptions{
				Mount: w.mountMetadata(),
			})
			if err != nil {
				finish("failed")
				if job != nil {
					if ferr := job.Fail(err.Error(), progress.Map()); ferr != nil {
						scanLog.Debug().Err(ferr).Msg("failed to record scan failure")
					}
				}
				metrics.ScansCompleted.WithLabelValues("failed").Inc()
				return progress, err
			}

			progress.FilesScanned++
			metrics.ScanFiles.Inc()
			if job != nil && progress.FilesScanned%scanHeartbeatEvery == 0 {
				if err := job.Heartbeat(progress.Map()); err != nil {
					scanLog.Debug().Err(err).Msg("scan heartbeat failed")
				}
			}
		}
	}

	finish("complete")
	if job != nil {
		if err := job.Complete(types.JobComplete, progress.Map()); err != nil {
			scanLog.Debug().Err(err).Msg("failed to record scan completion")
		}
	}
	metrics.ScansCompleted.WithLabelValues("complete").Inc()
	scanLog.Info().Str("path", w.path).Int64("files_scanned", progress.FilesScanned).
		Int64("directories_seen", progress.DirectoriesSeen).
		Float64("elapsed_seconds", progress.ElapsedSeconds).Msg("initial scan complete")
	return progress, nil
}
