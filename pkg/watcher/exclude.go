package watcher

import (
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"
)

// ExcludeSet holds the configured exclude glob patterns. Patterns are
// matched against the absolute path and against the basename, so both
// "/mnt/**/cache" and "*.iso" behave the way operators expect. The same
// set applies to the initial scan and to live events.
type ExcludeSet struct {
	patterns []string
}

// NewExcludeSet builds an exclude set from configured glob patterns.
// Invalid patterns are dropped at construction so matching never errors.
func NewExcludeSet(patterns []string) *ExcludeSet {
	valid := make([]string, 0, len(patterns))
	for _, p := range patterns {
		if doublestar.ValidatePattern(p) {
			valid = append(valid, p)
		}
	}
	return &ExcludeSet{patterns: valid}
}

// Match reports whether a file path is excluded.
func (e *ExcludeSet) Match(path string) bool {
	if e == nil {
		return false
	}
	base := filepath.Base(path)
	for _, p := range e.patterns {
		if ok, _ := doublestar.Match(p, path); ok {
			return true
		}
		if ok, _ := doublestar.Match(p, base); ok {
			return true
		}
	}
	return false
}

// MatchDir reports whether a directory should be pruned from traversal and
// watching. Directory pruning uses the same patterns as file matching.
func (e *ExcludeSet) MatchDir(path string) bool {
	return e.Match(path)
}

// Patterns returns the validated pattern list.
func (e *ExcludeSet) Patterns() []string {
	if e == nil {
		return nil
	}
	return e.patterns
}
