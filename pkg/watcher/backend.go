package watcher

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/diskwatcher/diskwatcher/pkg/log"
	"github.com/diskwatcher/diskwatcher/pkg/metrics"
	"github.com/diskwatcher/diskwatcher/pkg/types"
)

const (
	// DefaultPollInterval is the polling backend's cycle when the
	// configuration does not say otherwise.
	DefaultPollInterval = 30 * time.Second
	// MinPollInterval is the floor applied to configured intervals.
	MinPollInterval = time.Second
)

// Notification is one raw filesystem observation delivered by a backend.
type Notification struct {
	Type types.EventType
	Path string
}

// Backend is the capability set a directory watcher needs from its
// notification source. Variants are the kernel-native (fsnotify) backend
// and the periodic polling backend; selection happens at construction
// time, by error, never by runtime type inspection.
type Backend interface {
	// Events delivers notifications until the backend is closed.
	Events() <-chan Notification
	// Errors delivers backend-level failures.
	Errors() <-chan error
	// Name identifies the backend in logs ("fsnotify" or "polling").
	Name() string
	// Close releases the backend's resources and closes its channels.
	Close() error
}

// newKernelBackend constructs the kernel-native backend. It is a
// variable so tests can simulate watch-descriptor exhaustion.
var newKernelBackend = func(root string, excludes *ExcludeSet) (Backend, error) {
	return newFsnotifyBackend(root, excludes)
}

// NewBackend builds the notification backend for root: kernel-native
// first, degrading to polling only when the kernel reports
// watch-descriptor exhaustion. Any other construction failure is
// returned as a *BackendError.
func NewBackend(root string, excludes *ExcludeSet, pollInterval time.Duration) (Backend, error) {
	b, err := newKernelBackend(root, excludes)
	if err == nil {
		return b, nil
	}
	if !isNoSpace(err) {
		return nil, err
	}
	metrics.BackendFallbacks.Inc()
	log.Logger.Warn().Str("path", root).Str("backend", "polling").
		Msg("inotify watch descriptors exhausted, falling back to polling")
	return newPollingBackend(root, excludes, pollInterval), nil
}

// fsnotifyBackend subscribes to kernel notifications for root and every
// directory below it, adding watches for directories created later.
type fsnotifyBackend struct {
	root      string
	excludes  *ExcludeSet
	watcher   *fsnotify.Watcher
	events    chan Notification
	errors    chan error
	stopCh    chan struct{}
	doneCh    chan struct{}
	closeOnce sync.Once
}

func newFsnotifyBackend(root string, excludes *ExcludeSet) (*fsnotifyBackend, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, &BackendError{Backend: "fsnotify", Op: "create", Err: wrapNoSpace(err)}
	}

	b := &fsnotifyBackend{
		root:     root,
		excludes: excludes,
		watcher:  fw,
		events:   make(chan Notification, 256),
		errors:   make(chan error, 1),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}

	if err := b.addRecursive(root); err != nil {
		fw.Close()
		return nil, err
	}

	go b.run()
	return b, nil
}

func (b *fsnotifyBackend) addRecursive(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return &BackendError{Backend: "fsnotify", Op: "walk", Err: err}
			}
			return fs.SkipDir
		}
		if !d.IsDir() {
			return nil
		}
		if path != dir && b.excludes.MatchDir(path) {
			return fs.SkipDir
		}
		if err := b.watcher.Add(path); err != nil {
			return &BackendError{Backend: "fsnotify", Op: "add " + path, Err: wrapNoSpace(err)}
		}
		return nil
	})
}

func (b *fsnotifyBackend) run() {
	defer close(b.doneCh)
	defer close(b.events)

	for {
		select {
		case ev, ok := <-b.watcher.Events:
			if !ok {
				return
			}
			b.handle(ev)
		case err, ok := <-b.watcher.Errors:
			if !ok {
				return
			}
			select {
			case b.errors <- &BackendError{Backend: "fsnotify", Op: "watch", Err: err}:
			default:
			}
		case <-b.stopCh:
			return
		}
	}
}

func (b *fsnotifyBackend) handle(ev fsnotify.Event) {
	var kind types.EventType
	switch {
	case ev.Op.Has(fsnotify.Create):
		kind = types.EventCreated
		// New directories need their own watch; files created inside
		// before the watch lands are picked up by later modifications.
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if !b.excludes.MatchDir(ev.Name) {
				if err := b.watcher.Add(ev.Name); err != nil {
					log.Logger.Debug().Err(err).Str("path", ev.Name).Msg("failed to watch new directory")
				}
			}
			return
		}
	case ev.Op.Has(fsnotify.Write):
		kind = types.EventModified
	case ev.Op.Has(fsnotify.Remove), ev.Op.Has(fsnotify.Rename):
		kind = types.EventDeleted
	default:
		return
	}

	select {
	case b.events <- Notification{Type: kind, Path: ev.Name}:
	case <-b.stopCh:
	}
}

func (b *fsnotifyBackend) Events() <-chan Notification { return b.events }
func (b *fsnotifyBackend) Errors() <-chan error        { return b.errors }
func (b *fsnotifyBackend) Name() string                { return "fsnotify" }

func (b *fsnotifyBackend) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.stopCh)
		err = b.watcher.Close()
		<-b.doneCh
	})
	return err
}

// pollingBackend walks the tree on a fixed interval and diffs snapshots.
// It exists for hosts where the kernel watch pool is exhausted; it trades
// latency for not needing a single descriptor.
type pollingBackend struct {
	root      string
	excludes  *ExcludeSet
	interval  time.Duration
	events    chan Notification
	errors    chan error
	stopCh    chan struct{}
	doneCh    chan struct{}
	closeOnce sync.Once
}

type fileStamp struct {
	size    int64
	modTime time.Time
}

func newPollingBackend(root string, excludes *ExcludeSet, interval time.Duration) *pollingBackend {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if interval < MinPollInterval {
		interval = MinPollInterval
	}
	b := &pollingBackend{
		root:     root,
		excludes: excludes,
		interval: interval,
		events:   make(chan Notification, 256),
		errors:   make(chan error, 1),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	go b.run()
	return b
}

func (b *pollingBackend) run() {
	defer close(b.doneCh)
	defer close(b.events)

	previous := b.snapshot()
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			current := b.snapshot()
			b.diff(previous, current)
			previous = current
		case <-b.stopCh:
			return
		}
	}
}

func (b *pollingBackend) snapshot() map[string]fileStamp {
	stamps := make(map[string]fileStamp)
	filepath.WalkDir(b.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if path != b.root && b.excludes.MatchDir(path) {
				return fs.SkipDir
			}
			return nil
		}
		if b.excludes.Match(path) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		stamps[path] = fileStamp{size: info.Size(), modTime: info.ModTime()}
		return nil
	})
	return stamps
}

func (b *pollingBackend) diff(previous, current map[string]fileStamp) {
	paths := make([]string, 0, len(current))
	for path := range current {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	for _, path := range paths {
		stamp := current[path]
		prior, seen := previous[path]
		switch {
		case !seen:
			b.emit(types.EventCreated, path)
		case prior.size != stamp.size || !prior.modTime.Equal(stamp.modTime):
			b.emit(types.EventModified, path)
		}
	}
	for path := range previous {
		if _, still := current[path]; !still {
			b.emit(types.EventDeleted, path)
		}
	}
}

func (b *pollingBackend) emit(kind types.EventType, path string) {
	select {
	case b.events <- Notification{Type: kind, Path: path}:
	case <-b.stopCh:
	}
}

func (b *pollingBackend) Events() <-chan Notification { return b.events }
func (b *pollingBackend) Errors() <-chan error        { return b.errors }
func (b *pollingBackend) Name() string                { return "polling" }

func (b *pollingBackend) Close() error {
	b.closeOnce.Do(func() {
		close(b.stopCh)
		<-b.doneCh
	})
	return nil
}

func wrapNoSpace(err error) error {
	if isNoSpace(err) {
		return ErrWatchDescriptorExhausted
	}
	return err
}
