package supervisor

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/diskwatcher/diskwatcher/pkg/catalog"
	"github.com/diskwatcher/diskwatcher/pkg/log"
	"github.com/diskwatcher/diskwatcher/pkg/metrics"
	"github.com/diskwatcher/diskwatcher/pkg/types"
	"github.com/diskwatcher/diskwatcher/pkg/watcher"
)

// stopJoinWait bounds how long StopAll waits for each watcher goroutine.
const stopJoinWait = 2 * time.Second

// Config carries everything the supervisor needs to run a fleet of
// directory watchers against one catalog.
type Config struct {
	// Store is the read-write catalog connection. Required.
	Store *catalog.Store
	// OwnStore makes StopAll close the store.
	OwnStore bool
	// ExcludePatterns are glob patterns pruned from scans and live events.
	ExcludePatterns []string
	// PollInterval configures the fallback polling backend.
	PollInterval time.Duration
	// MaxScanWorkers caps parallel initial scans; 0 means NumCPU.
	MaxScanWorkers int
	// AutoDiscoverRoots enables the discovery loop over these roots.
	AutoDiscoverRoots []string
	// DiscoveryInterval is the discovery cycle period; 0 means the default.
	DiscoveryInterval time.Duration
	// ScanNewMounts makes discovery archive newly appeared mounts.
	ScanNewMounts bool
}

type entry struct {
	watcher *watcher.Watcher
	job     *catalog.JobHandle
	auto    bool
}

// WatcherStatus is one row of the supervisor's status snapshot.
type WatcherStatus struct {
	Path     string              `json:"path"`
	VolumeID string              `json:"volume_id"`
	State    types.WatcherState  `json:"state"`
	Auto     bool                `json:"auto_discovered"`
	Scan     *types.ScanProgress `json:"scan,omitempty"`
}

// Supervisor owns the watcher fleet: registration, initial scans, the
// live loops, auto-discovery and coordinated shutdown.
type Supervisor struct {
	store          *catalog.Store
	ownStore       bool
	excludes       *watcher.ExcludeSet
	pollInterval   time.Duration
	maxScanWorkers int
	scanNew        bool
	processID      string

	// openStore dials a worker's own catalog connection; swappable in
	// tests to exercise worker-pool failure.
	openStore func(path string) (*catalog.Store, error)

	mu      sync.Mutex
	entries map[string]*entry
	running bool

	scanStop chan struct{}
	stopOnce sync.Once

	discovery *discovery
}

// New builds a supervisor and reclaims job rows abandoned by dead
// processes on this host before any new work starts.
func New(cfg Config) *Supervisor {
	s := &Supervisor{
		store:          cfg.Store,
		ownStore:       cfg.OwnStore,
		excludes:       watcher.NewExcludeSet(cfg.ExcludePatterns),
		pollInterval:   cfg.PollInterval,
		maxScanWorkers: cfg.MaxScanWorkers,
		scanNew:        cfg.ScanNewMounts,
		processID:      strconv.Itoa(os.Getpid()),
		openStore:      catalog.Open,
		entries:        make(map[string]*entry),
		scanStop:       make(chan struct{}),
	}
	if len(cfg.AutoDiscoverRoots) > 0 {
		s.discovery = newDiscovery(s, cfg.AutoDiscoverRoots, cfg.DiscoveryInterval)
	}

	if n, err := s.store.CleanupStaleJobs(); err != nil {
		log.Logger.Warn().Err(err).Msg("stale job cleanup failed")
	} else if n > 0 {
		log.Logger.Info().Int("count", n).Msg("marked stale jobs from dead processes")
	}
	return s
}

// AddDirectory registers a watcher for path, with an optional volume id
// override when the caller already knows the volume (empty means probe).
// Paths are deduplicated after symlink resolution, so re-adding a watched
// directory is a no-op that returns the existing watcher. A path that does
// not exist yet is registered under its unresolved absolute form, for
// mounts still on their way up. When the supervisor is already running the
// new watcher's live loop starts immediately.
func (s *Supervisor) AddDirectory(path, volumeID string) (*watcher.Watcher, error) {
	return s.addDirectory(path, volumeID, false)
}

func (s *Supervisor) addDirectory(path, volumeID string, auto bool) (*watcher.Watcher, error) {
	resolved := resolvePath(path)
	if info, err := os.Stat(resolved); err == nil && !info.IsDir() {
		return nil, fmt.Errorf("add directory %s: not a directory", path)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.entries[resolved]; ok {
		return existing.watcher, nil
	}

	w := watcher.New(watcher.Config{
		Path:         resolved,
		VolumeID:     volumeID,
		Store:        s.store,
		Excludes:     s.excludes,
		PollInterval: s.pollInterval,
		ProcessID:    s.processID,
	})
	e := &entry{watcher: w, auto: auto}
	s.entries[resolved] = e
	metrics.WatchersActive.Inc()
	log.Logger.Info().Str("path", resolved).Str("volume_id", w.VolumeID()).
		Bool("auto", auto).Msg("directory registered")

	if s.running {
		s.startLiveLocked(e)
	}
	return w, nil
}

// RemoveDirectory stops the watcher for path, records its job as removed
// and drops it from the fleet.
func (s *Supervisor) RemoveDirectory(path string) error {
	resolved := resolvePath(path)

	s.mu.Lock()
	e, ok := s.entries[resolved]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("remove directory %s: not watched", path)
	}
	delete(s.entries, resolved)
	s.mu.Unlock()

	s.stopEntry(e, types.JobRemoved)
	metrics.WatchersActive.Dec()
	log.Logger.Info().Str("path", resolved).Msg("directory removed")
	return nil
}

// RunInitialScans archives current contents for the given paths, or for
// every registered directory when paths is empty, and returns the final
// progress record of each scan in path order. Parallel scans use a bounded
// worker pool where each worker opens its own catalog connection; an
// in-memory catalog cannot be reopened, so it always scans serially.
func (s *Supervisor) RunInitialScans(parallel bool, paths []string) ([]types.ScanProgress, error) {
	targets := s.scanTargets(paths)
	if len(targets) == 0 {
		return nil, nil
	}

	if !parallel || s.store.Path() == "" || len(targets) == 1 {
		return s.runScansSerial(targets)
	}
	return s.runScansParallel(targets)
}

type scanTarget struct {
	path     string
	volumeID string
}

func (s *Supervisor) scanTargets(paths []string) []scanTarget {
	s.mu.Lock()
	defer s.mu.Unlock()

	var targets []scanTarget
	if len(paths) == 0 {
		for path, e := range s.entries {
			targets = append(targets, scanTarget{path: path, volumeID: e.watcher.VolumeID()})
		}
	} else {
		for _, p := range paths {
			resolved := resolvePath(p)
			if e, ok := s.entries[resolved]; ok {
				targets = append(targets, scanTarget{path: resolved, volumeID: e.watcher.VolumeID()})
			}
		}
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i].path < targets[j].path })
	return targets
}

func (s *Supervisor) runScansSerial(targets []scanTarget) ([]types.ScanProgress, error) {
	results := make([]types.ScanProgress, 0, len(targets))
	for _, t := range targets {
		progress, err := s.scanOne(s.store, t)
		if err != nil {
			return results, err
		}
		results = append(results, progress)
	}
	return results, nil
}

func (s *Supervisor) runScansParallel(targets []scanTarget) ([]types.ScanProgress, error) {
	workers := s.maxScanWorkers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if workers > len(targets) {
		workers = len(targets)
	}

	// Job rows are created up front on the shared connection so the
	// progress monitor sees every scan as queued immediately.
	jobIDs := make([]string, len(targets))
	for i, t := range targets {
		jobIDs[i] = catalog.NewJobID()
		_, err := s.store.StartJob(types.JobInitialScan, catalog.StartJobOptions{
			JobID:    jobIDs[i],
			Path:     t.path,
			VolumeID: t.volumeID,
		})
		if err != nil {
			return nil, err
		}
	}

	// The channel holds every index up front so sends never block, even
	// when a worker bails out before draining it.
	work := make(chan int, len(targets))
	for i := range targets {
		work <- i
	}
	close(work)

	results := make([]types.ScanProgress, len(targets))
	claimed := make([]bool, len(targets))
	errCh := make(chan error, len(targets)+workers)
	var wg sync.WaitGroup

	for n := 0; n < workers; n++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			store, err := s.openStore(s.store.Path())
			if err != nil {
				errCh <- err
				return
			}
			defer store.Close()

			for i := range work {
				t := targets[i]
				claimed[i] = true
				job := store.AttachJob(jobIDs[i])
				w := watcher.New(watcher.Config{
					Path:         t.path,
					VolumeID:     t.volumeID,
					Store:        store,
					Excludes:     s.excludes,
					ProcessID:    s.processID,
					PollInterval: s.pollInterval,
				})
				progress, err := w.InitialScan(job, s.scanStop)
				results[i] = progress
				if err != nil {
					errCh <- err
				}
			}
		}()
	}

	wg.Wait()
	close(errCh)

	var firstErr error
	for err := range errCh {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	// Targets no worker reached keep their queued job rows; terminate
	// them now instead of leaving them to the next run's stale sweep.
	for i := range targets {
		if claimed[i] {
			s.recordScanStats(targets[i].path, results[i])
			continue
		}
		msg := "no scan worker available"
		if firstErr != nil {
			msg = firstErr.Error()
		}
		if err := s.store.AttachJob(jobIDs[i]).Fail(msg, nil); err != nil {
			log.Logger.Debug().Err(err).Str("path", targets[i].path).
				Msg("failed to terminate unclaimed scan job")
		}
	}
	return results, firstErr
}

// recordScanStats copies a pool worker's result onto the registered
// watcher so Status keeps reporting the scan after the worker is gone.
func (s *Supervisor) recordScanStats(path string, progress types.ScanProgress) {
	s.mu.Lock()
	e, ok := s.entries[path]
	s.mu.Unlock()
	if ok {
		e.watcher.RecordScanStats(progress)
	}
}

func (s *Supervisor) scanOne(store *catalog.Store, t scanTarget) (types.ScanProgress, error) {
	job, err := store.StartJob(types.JobInitialScan, catalog.StartJobOptions{
		Path:     t.path,
		VolumeID: t.volumeID,
	})
	if err != nil {
		return types.ScanProgress{}, err
	}

	s.mu.Lock()
	e, ok := s.entries[t.path]
	s.mu.Unlock()
	if !ok {
		return types.ScanProgress{}, fmt.Errorf("scan %s: not watched", t.path)
	}

	return e.watcher.InitialScan(job, s.scanStop)
}

// StartAll launches every registered watcher's live loop and, when
// configured, the auto-discovery loop. Idempotent while running.
func (s *Supervisor) StartAll() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	for _, e := range s.entries {
		s.startLiveLocked(e)
	}
	s.mu.Unlock()

	if s.discovery != nil {
		s.discovery.Start()
	}
}

// startLiveLocked starts one watcher's live loop. Caller holds s.mu.
func (s *Supervisor) startLiveLocked(e *entry) {
	job, err := s.store.StartJob(types.JobWatcher, catalog.StartJobOptions{
		Path:     e.watcher.Path(),
		VolumeID: e.watcher.VolumeID(),
		Status:   types.JobStarting,
	})
	if err != nil {
		log.Logger.Error().Err(err).Str("path", e.watcher.Path()).
			Msg("failed to create watcher job")
	}
	e.job = job

	go func(w *watcher.Watcher, job *catalog.JobHandle) {
		if err := w.Run(job); err != nil {
			log.Logger.Error().Err(err).Str("path", w.Path()).Msg("watcher exited with error")
		}
	}(e.watcher, job)
}

// StopAll winds the fleet down: discovery first, then every watcher, each
// joined with a bounded wait and its job recorded as stopped. In-flight
// initial scans are interrupted. The store is closed when owned.
func (s *Supervisor) StopAll() {
	if s.discovery != nil {
		s.discovery.Stop()
	}
	s.stopOnce.Do(func() { close(s.scanStop) })

	s.mu.Lock()
	entries := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.entries = make(map[string]*entry)
	s.running = false
	s.mu.Unlock()

	for _, e := range entries {
		s.stopEntry(e, types.JobStopped)
		metrics.WatchersActive.Dec()
	}

	if s.ownStore {
		if err := s.store.Close(); err != nil {
			log.Logger.Warn().Err(err).Msg("failed to close catalog")
		}
	}
	log.Logger.Info().Int("watchers", len(entries)).Msg("supervisor stopped")
}

// stopEntry stops one watcher, joins its goroutine with a bounded wait and
// terminates its job row with status.
func (s *Supervisor) stopEntry(e *entry, status types.JobStatus) {
	if e.job != nil {
		if err := e.job.Update(catalog.JobUpdate{Status: types.JobStopping}); err != nil {
			log.Logger.Debug().Err(err).Msg("failed to mark job stopping")
		}
	}

	e.watcher.Stop()
	select {
	case <-e.watcher.Done():
	case <-time.After(stopJoinWait):
		log.Logger.Warn().Str("path", e.watcher.Path()).Msg("watcher did not stop in time")
	}

	if e.job != nil {
		if err := e.job.Complete(status, nil); err != nil {
			log.Logger.Debug().Err(err).Str("path", e.watcher.Path()).
				Msg("failed to record watcher job terminal status")
		}
	}
}

// Status returns a snapshot of the fleet sorted by path.
func (s *Supervisor) Status() []WatcherStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	statuses := make([]WatcherStatus, 0, len(s.entries))
	for path, e := range s.entries {
		statuses = append(statuses, WatcherStatus{
			Path:     path,
			VolumeID: e.watcher.VolumeID(),
			State:    e.watcher.State(),
			Auto:     e.auto,
			Scan:     e.watcher.ScanStats(),
		})
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Path < statuses[j].Path })
	return statuses
}

// Watched returns the resolved paths currently under watch.
func (s *Supervisor) Watched() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	paths := make([]string, 0, len(s.entries))
	for path := range s.entries {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}

// has reports whether a resolved path is already watched.
func (s *Supervisor) has(resolved string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[resolved]
	return ok
}

// autoWatched returns the resolved paths that discovery added.
func (s *Supervisor) autoWatched() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var paths []string
	for path, e := range s.entries {
		if e.auto {
			paths = append(paths, path)
		}
	}
	sort.Strings(paths)
	return paths
}

// resolvePath normalizes a directory to an absolute, symlink-resolved
// form. Resolution is tolerant so paths on slow or detached mounts still
// dedupe on their absolute form.
func resolvePath(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved
	}
	return abs
}
