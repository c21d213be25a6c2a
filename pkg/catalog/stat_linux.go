//go:build linux

package catalog

import (
	"os"
	"syscall"
	"time"
)

// fileTimes returns (modified, created) for a stat result. Linux exposes
// the inode change time, which is the closest available creation proxy.
func fileTimes(info os.FileInfo) (time.Time, time.Time) {
	modified := info.ModTime()
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		return modified, time.Unix(st.Ctim.Sec, st.Ctim.Nsec)
	}
	return modified, modified
}
