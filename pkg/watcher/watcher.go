package watcher

import (
	"sync"
	"time"

	"github.com/diskwatcher/diskwatcher/pkg/catalog"
	"github.com/diskwatcher/diskwatcher/pkg/log"
	"github.com/diskwatcher/diskwatcher/pkg/mount"
	"github.com/diskwatcher/diskwatcher/pkg/types"
)

const (
	heartbeatInterval  = time.Second
	reprobeInitialWait = 5 * time.Minute
	reprobeMaxWait     = time.Hour
)

// Config holds directory watcher configuration.
type Config struct {
	// Path is the directory root to watch. Required.
	Path string
	// VolumeID overrides probing when the caller already knows the volume.
	VolumeID string
	// Store is the shared catalog connection. Required.
	Store *catalog.Store
	// Excludes prunes paths from both the initial scan and live events.
	Excludes *ExcludeSet
	// PollInterval configures the fallback polling backend.
	PollInterval time.Duration
	// ProcessID is recorded on every event this watcher appends.
	ProcessID string
}

// Watcher translates one directory's live activity and initial contents
// into catalog writes.
type Watcher struct {
	path         string
	volumeID     string
	processID    string
	store        *catalog.Store
	excludes     *ExcludeSet
	pollInterval time.Duration

	stateMu sync.Mutex
	state   types.WatcherState
	live    bool

	mountMu      sync.Mutex
	mount        *types.MountInfo
	nextReprobe  time.Time
	reprobeDelay time.Duration

	scanMu    sync.Mutex
	scanStats *types.ScanProgress

	stopCh   chan struct{}
	stopOnce sync.Once
	doneCh   chan struct{}
}

// New builds a watcher for cfg.Path. When no volume id is supplied the
// mount is probed once up front; probe failure degrades to path identity
// and the incomplete metadata is reprobed later with backoff.
func New(cfg Config) *Watcher {
	w := &Watcher{
		path:         cfg.Path,
		volumeID:     cfg.VolumeID,
		processID:    cfg.ProcessID,
		store:        cfg.Store,
		excludes:     cfg.Excludes,
		pollInterval: cfg.PollInterval,
		state:        types.WatcherCreated,
		reprobeDelay: reprobeInitialWait,
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}

	info := mount.ProbeOrFallback(cfg.Path)
	w.mount = info
	w.nextReprobe = time.Now().Add(w.reprobeDelay)
	if w.volumeID == "" {
		w.volumeID = info.VolumeID
	}
	return w
}

// Path returns the watched directory root.
func (w *Watcher) Path() string { return w.path }

// VolumeID returns the volume identifier events are recorded under.
func (w *Watcher) VolumeID() string { return w.volumeID }

// State returns the watcher's lifecycle state.
func (w *Watcher) State() types.WatcherState {
	w.stateMu.Lock()
	defer w.stateMu.Unlock()
	return w.state
}

// Alive reports whether the watcher is scanning or watching.
func (w *Watcher) Alive() bool {
	s := w.State()
	return s == types.WatcherScanning || s == types.WatcherWatching
}

// ScanStats returns the progress of the most recent initial scan, or nil
// when no scan has run.
func (w *Watcher) ScanStats() *types.ScanProgress {
	w.scanMu.Lock()
	defer w.scanMu.Unlock()
	if w.scanStats == nil {
		return nil
	}
	copied := *w.scanStats
	return &copied
}

// RecordScanStats stores a scan result produced elsewhere, typically by a
// pool worker that scanned this watcher's directory over its own catalog
// connection.
func (w *Watcher) RecordScanStats(p types.ScanProgress) {
	w.scanMu.Lock()
	w.scanStats = &p
	w.scanMu.Unlock()
}

func (w *Watcher) setState(s types.WatcherState) {
	w.stateMu.Lock()
	w.state = s
	w.stateMu.Unlock()
}

// Stop asks the watcher's loops to wind down. Safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
}

// Done is closed when the live loop has exited.
func (w *Watcher) Done() <-chan struct{} { return w.doneCh }

// Run is the live watch loop. It blocks until Stop is called or the
// backend fails; the supervisor runs it on its own goroutine. The watcher
// job passed in is heartbeated every second while idle and failed on
// backend errors; clean-stop terminal status is the supervisor's call.
func (w *Watcher) Run(job *catalog.JobHandle) error {
	defer close(w.doneCh)

	w.stateMu.Lock()
	w.live = true
	w.stateMu.Unlock()

	backend, err := NewBackend(w.path, w.excludes, w.pollInterval)
	if err != nil {
		w.setState(types.WatcherFailed)
		if job != nil {
			if ferr := job.Fail(err.Error(), nil); ferr != nil {
				log.Logger.Debug().Err(ferr).Msg("failed to record watcher job failure")
			}
		}
		return err
	}
	defer backend.Close()

	w.setState(types.WatcherWatching)
	if job != nil {
		if err := job.Update(catalog.JobUpdate{Status: types.JobRunning}); err != nil {
			log.Logger.Debug().Err(err).Str("path", w.path).Msg("failed to mark watcher job running")
		}
	}

	watchLog := log.WithComponent("watcher")
	watchLog.Info().Str("path", w.path).Str("volume_id", w.volumeID).
		Str("backend", backend.Name()).Msg("watching directory")

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case n, ok := <-backend.Events():
			if !ok {
				w.setState(types.WatcherStopped)
				return nil
			}
			w.handleNotification(n)
		case err := <-backend.Errors():
			// Per-event backend errors are logged; the loop stays alive.
			watchLog.Error().Err(err).Str("path", w.path).Msg("watch backend error")
		case <-ticker.C:
			if job != nil {
				if err := job.Heartbeat(nil); err != nil {
					watchLog.Debug().Err(err).Msg("watcher heartbeat failed")
				}
			}
		case <-w.stopCh:
			w.setState(types.WatcherStopping)
			backend.Close()
			w.setState(types.WatcherStopped)
			return nil
		}
	}
}

func (w *Watcher) handleNotification(n Notification) {
	if w.excludes.Match(n.Path) {
		return
	}

	err := w.store.AppendEvent(n.Type, n.Path, w.path, w.volumeID, w.processID, catalog.AppendOptions{
		Mount: w.mountMetadata(),
	})
	if err != nil {
		// Never let one bad write kill the observer.
		log.Logger.Error().Err(err).Str("path", n.Path).
			Str("volume_id", w.volumeID).Msg("failed to append event")
		return
	}
	log.Logger.Debug().Str("path", n.Path).Str("event_type", string(n.Type)).Msg("event appended")
}

// mountMetadata returns the cached mount identity, reprobing incomplete
// metadata on an exponential schedule (5 minutes doubling up to an hour).
// Complete metadata is reused for the watcher's lifetime, and a failed
// reprobe keeps whatever was known before.
func (w *Watcher) mountMetadata() *types.MountInfo {
	w.mountMu.Lock()
	defer w.mountMu.Unlock()

	if w.mount.Complete() {
		return w.mount
	}
	if time.Now().Before(w.nextReprobe) {
		return w.mount
	}

	info, err := mount.Probe(w.path)
	if err != nil || info == nil {
		if err != nil {
			log.Logger.Debug().Err(err).Str("path", w.path).Msg("mount reprobe failed")
		}
	} else {
		w.mount = info
	}

	if !w.mount.Complete() {
		w.reprobeDelay *= 2
		if w.reprobeDelay > reprobeMaxWait {
			w.reprobeDelay = reprobeMaxWait
		}
		w.nextReprobe = time.Now().Add(w.reprobeDelay)
	}
	return w.mount
}
