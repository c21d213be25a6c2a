package watcher

import (
	"errors"
	"fmt"
	"strings"
	"syscall"
)

// BackendError reports a failure inside a notification backend.
type BackendError struct {
	Backend string
	Op      string
	Err     error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("watch backend %s: %s: %v", e.Backend, e.Op, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

// ErrWatchDescriptorExhausted marks kernel watch-descriptor exhaustion.
// Construction failures wrapping it trigger the polling fallback instead of
// failing the watcher.
var ErrWatchDescriptorExhausted = errors.New("watch descriptors exhausted")

// ScanError reports an I/O failure on one path during the initial archival
// scan. The scan skips that path or subtree and continues.
type ScanError struct {
	Path string
	Err  error
}

func (e *ScanError) Error() string {
	return fmt.Sprintf("scan error at %s: %v", e.Path, e.Err)
}

func (e *ScanError) Unwrap() error { return e.Err }

// isNoSpace reports whether an error is the kernel's way of saying the
// inotify watch pool is exhausted.
func isNoSpace(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrWatchDescriptorExhausted) || errors.Is(err, syscall.ENOSPC) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "no space")
}
