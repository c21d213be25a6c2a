package supervisor

import (
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/diskwatcher/diskwatcher/pkg/log"
	"github.com/diskwatcher/diskwatcher/pkg/metrics"
	"github.com/diskwatcher/diskwatcher/pkg/mount"
)

const (
	// DefaultDiscoveryInterval is the discovery cycle period when the
	// configuration does not say otherwise.
	DefaultDiscoveryInterval = 5 * time.Second
	// MinDiscoveryInterval is the floor applied to configured intervals.
	MinDiscoveryInterval = time.Second
)

// discovery watches a set of root directories (typically /mnt, /media,
// /run/media) for mounted child directories appearing and vanishing, and
// keeps the supervisor's fleet in sync with them.
type discovery struct {
	sup      *Supervisor
	roots    []string
	interval time.Duration

	// mounts lists the host's current mount points; swappable in tests.
	mounts func() map[string]bool

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
	startMu  sync.Mutex
	started  bool
}

func newDiscovery(sup *Supervisor, roots []string, interval time.Duration) *discovery {
	if interval <= 0 {
		interval = DefaultDiscoveryInterval
	}
	if interval < MinDiscoveryInterval {
		interval = MinDiscoveryInterval
	}
	resolved := make([]string, 0, len(roots))
	for _, root := range roots {
		resolved = append(resolved, resolvePath(root))
	}
	return &discovery{
		sup:      sup,
		roots:    resolved,
		interval: interval,
		mounts:   mount.MountPointSet,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start primes the fleet with one synchronous cycle, then polls on the
// configured interval. Safe to call once.
func (d *discovery) Start() {
	d.startMu.Lock()
	defer d.startMu.Unlock()
	if d.started {
		return
	}
	d.started = true

	d.cycle()
	go d.run()
	log.Logger.Info().Strs("roots", d.roots).Dur("interval", d.interval).
		Msg("auto-discovery started")
}

// Stop halts the loop and waits for it to exit. Safe when never started.
func (d *discovery) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
	d.startMu.Lock()
	started := d.started
	d.startMu.Unlock()
	if started {
		<-d.doneCh
	}
}

func (d *discovery) run() {
	defer close(d.doneCh)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.cycle()
		case <-d.stopCh:
			return
		}
	}
}

// cycle reconciles the fleet against the roots once. Each step is
// fault-isolated: a failed probe, scan or removal is logged and the loop
// keeps going.
func (d *discovery) cycle() {
	metrics.DiscoveryCycles.Inc()

	current := d.candidates()
	currentSet := make(map[string]bool, len(current))
	for _, path := range current {
		currentSet[path] = true
	}

	// New mounts: register the cycle's arrivals, then archive them in one
	// batch, parallel when there is more than one. Going live is
	// StartAll-gated inside addDirectory.
	var arrivals []string
	for _, path := range current {
		if d.sup.has(path) {
			continue
		}
		if _, err := d.sup.addDirectory(path, "", true); err != nil {
			log.Logger.Warn().Err(err).Str("path", path).Msg("auto-discovery add failed")
			continue
		}
		log.Logger.Info().Str("path", path).Msg("auto-discovered new mount")
		arrivals = append(arrivals, path)
	}
	if d.sup.scanNew && len(arrivals) > 0 {
		if _, err := d.sup.RunInitialScans(len(arrivals) > 1, arrivals); err != nil {
			log.Logger.Error().Err(err).Strs("paths", arrivals).Msg("auto-discovery scan failed")
		}
	}

	// Vanished mounts: only auto-discovered entries under our roots are
	// eligible; explicitly added directories are never removed here.
	for _, path := range d.sup.autoWatched() {
		if currentSet[path] {
			continue
		}
		if !d.underRoots(path) {
			continue
		}
		log.Logger.Info().Str("path", path).Msg("auto-discovered mount vanished")
		if err := d.sup.RemoveDirectory(path); err != nil {
			log.Logger.Warn().Err(err).Str("path", path).Msg("auto-discovery remove failed")
		}
	}
}

// candidates lists child directories of the roots that are real mount
// points right now. Intersecting with the mount table keeps bare
// directories under /mnt from being treated as volumes.
func (d *discovery) candidates() []string {
	mounts := d.mounts()
	var found []string
	for _, root := range d.roots {
		entries, err := os.ReadDir(root)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			child := resolvePath(filepath.Join(root, entry.Name()))
			if mounts[child] {
				found = append(found, child)
			}
		}
	}
	sort.Strings(found)
	return found
}

func (d *discovery) underRoots(path string) bool {
	for _, root := range d.roots {
		if filepath.Dir(path) == root {
			return true
		}
	}
	return false
}
