package watcher

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diskwatcher/diskwatcher/pkg/types"
)

// waitFor drains the backend until a notification for path with the given
// type arrives, or the timeout passes.
func waitFor(t *testing.T, b Backend, kind types.EventType, path string) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case n := <-b.Events():
			if n.Type == kind && n.Path == path {
				return
			}
		case err := <-b.Errors():
			t.Fatalf("backend error while waiting: %v", err)
		case <-deadline:
			t.Fatalf("timed out waiting for %s %s", kind, path)
		}
	}
}

// TestFsnotifyBackendLifecycle exercises create, write and remove through
// the kernel backend, including a directory created after the watch.
func TestFsnotifyBackendLifecycle(t *testing.T) {
	root := t.TempDir()
	b, err := NewBackend(root, nil, 0)
	require.NoError(t, err)
	defer b.Close()
	require.Equal(t, "fsnotify", b.Name())

	file := filepath.Join(root, "a.txt")
	require.NoError(t, os.WriteFile(file, []byte("one"), 0o644))
	waitFor(t, b, types.EventCreated, file)

	require.NoError(t, os.WriteFile(file, []byte("two"), 0o644))
	waitFor(t, b, types.EventModified, file)

	require.NoError(t, os.Remove(file))
	waitFor(t, b, types.EventDeleted, file)

	// A directory created after the watch starts gets its own watch.
	sub := filepath.Join(root, "sub")
	require.NoError(t, os.Mkdir(sub, 0o755))
	time.Sleep(200 * time.Millisecond) // let the new watch land
	nested := filepath.Join(sub, "b.txt")
	require.NoError(t, os.WriteFile(nested, []byte("x"), 0o644))
	waitFor(t, b, types.EventCreated, nested)
}

// TestFsnotifyBackendExcludedDir never watches pruned directories.
func TestFsnotifyBackendExcludedDir(t *testing.T) {
	root := t.TempDir()
	skipped := filepath.Join(root, "cache")
	require.NoError(t, os.Mkdir(skipped, 0o755))

	b, err := NewBackend(root, NewExcludeSet([]string{"cache"}), 0)
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, os.WriteFile(filepath.Join(skipped, "x"), []byte("x"), 0o644))
	visible := filepath.Join(root, "seen.txt")
	require.NoError(t, os.WriteFile(visible, []byte("x"), 0o644))

	// Only the visible file shows up; the excluded write never does.
	waitFor(t, b, types.EventCreated, visible)
	select {
	case n := <-b.Events():
		assert.NotContains(t, n.Path, "cache")
	case <-time.After(300 * time.Millisecond):
	}
}

// TestPollingDiff drives the snapshot differ directly.
func TestPollingDiff(t *testing.T) {
	root := t.TempDir()
	b := &pollingBackend{
		root:   root,
		events: make(chan Notification, 64),
		stopCh: make(chan struct{}),
	}

	before := b.snapshot()
	assert.Empty(t, before)

	file := filepath.Join(root, "a.txt")
	require.NoError(t, os.WriteFile(file, []byte("one"), 0o644))

	after := b.snapshot()
	b.diff(before, after)
	n := <-b.events
	assert.Equal(t, Notification{Type: types.EventCreated, Path: file}, n)

	// Same size, same mtime: no event.
	b.diff(after, after)
	select {
	case n := <-b.events:
		t.Fatalf("unexpected notification %+v", n)
	default:
	}

	// Size change reads as a modification.
	require.NoError(t, os.WriteFile(file, []byte("longer content"), 0o644))
	changed := b.snapshot()
	b.diff(after, changed)
	n = <-b.events
	assert.Equal(t, types.EventModified, n.Type)

	// Disappearance reads as a delete.
	require.NoError(t, os.Remove(file))
	b.diff(changed, b.snapshot())
	n = <-b.events
	assert.Equal(t, Notification{Type: types.EventDeleted, Path: file}, n)
}

// TestPollingSnapshotExcludes honors exclude pruning in the walk.
func TestPollingSnapshotExcludes(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "keep.txt"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "junk.tmp"), []byte("x"), 0o644))
	sub := filepath.Join(root, "cache")
	require.NoError(t, os.Mkdir(sub, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(sub, "deep.txt"), []byte("x"), 0o644))

	b := &pollingBackend{
		root:     root,
		excludes: NewExcludeSet([]string{"*.tmp", "cache"}),
		stopCh:   make(chan struct{}),
	}

	stamps := b.snapshot()
	require.Len(t, stamps, 1)
	_, ok := stamps[filepath.Join(root, "keep.txt")]
	assert.True(t, ok)
}

// TestPollingBackendInterval pins the default and the floor.
func TestPollingBackendInterval(t *testing.T) {
	b := newPollingBackend(t.TempDir(), nil, 0)
	defer b.Close()
	assert.Equal(t, DefaultPollInterval, b.interval)

	b2 := newPollingBackend(t.TempDir(), nil, 10*time.Millisecond)
	defer b2.Close()
	assert.Equal(t, MinPollInterval, b2.interval)
	assert.Equal(t, "polling", b2.Name())
}

// TestNewBackendFallsBackOnExhaustion degrades to the polling backend
// when the kernel watch pool is exhausted, and the polling backend still
// delivers events.
func TestNewBackendFallsBackOnExhaustion(t *testing.T) {
	original := newKernelBackend
	newKernelBackend = func(root string, excludes *ExcludeSet) (Backend, error) {
		return nil, &BackendError{Backend: "fsnotify", Op: "create", Err: ErrWatchDescriptorExhausted}
	}
	t.Cleanup(func() { newKernelBackend = original })

	root := t.TempDir()
	b, err := NewBackend(root, nil, MinPollInterval)
	require.NoError(t, err)
	defer b.Close()
	require.Equal(t, "polling", b.Name())

	time.Sleep(200 * time.Millisecond) // let the initial snapshot land
	file := filepath.Join(root, "a.txt")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))
	waitFor(t, b, types.EventCreated, file)
}

// TestNewBackendPropagatesOtherErrors never falls back for failures that
// are not descriptor exhaustion.
func TestNewBackendPropagatesOtherErrors(t *testing.T) {
	original := newKernelBackend
	construction := &BackendError{Backend: "fsnotify", Op: "create", Err: errors.New("permission denied")}
	newKernelBackend = func(root string, excludes *ExcludeSet) (Backend, error) {
		return nil, construction
	}
	t.Cleanup(func() { newKernelBackend = original })

	_, err := NewBackend(t.TempDir(), nil, 0)
	require.Error(t, err)
	assert.Equal(t, construction, err)
}

// TestIsNoSpace classifies the fallback trigger.
func TestIsNoSpace(t *testing.T) {
	assert.False(t, isNoSpace(nil))
	assert.False(t, isNoSpace(errors.New("permission denied")))
	assert.True(t, isNoSpace(syscall.ENOSPC))
	assert.True(t, isNoSpace(fmt.Errorf("adding watch: %w", syscall.ENOSPC)))
	assert.True(t, isNoSpace(errors.New("no space left on device")))
	assert.True(t, isNoSpace(ErrWatchDescriptorExhausted))
	assert.True(t, isNoSpace(&BackendError{Backend: "fsnotify", Op: "add", Err: ErrWatchDescriptorExhausted}))
}

// TestWrapNoSpace normalizes exhaustion errors to the sentinel.
func TestWrapNoSpace(t *testing.T) {
	assert.Equal(t, ErrWatchDescriptorExhausted, wrapNoSpace(syscall.ENOSPC))
	plain := errors.New("permission denied")
	assert.Equal(t, plain, wrapNoSpace(plain))
}
