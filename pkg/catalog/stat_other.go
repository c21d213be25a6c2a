//go:build !linux

package catalog

import (
	"os"
	"time"
)

// fileTimes returns (modified, created). Without a portable creation time,
// the modification time stands in for both; the catalog preserves the first
// created_time it sees on conflict, so the value stays stable.
func fileTimes(info os.FileInfo) (time.Time, time.Time) {
	return info.ModTime(), info.ModTime()
}
