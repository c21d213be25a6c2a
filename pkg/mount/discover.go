package mount

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/shirou/gopsutil/v3/disk"

	"github.com/diskwatcher/diskwatcher/pkg/log"
)

// DefaultRoots are the directories under which removable volumes usually
// appear on Linux hosts.
var DefaultRoots = []string{"/mnt", "/media", "/run/media"}

// MountPoints returns every current mount point on the host.
func MountPoints() ([]string, error) {
	partitions, err := disk.Partitions(true)
	if err != nil {
		return nil, &ProbeError{Op: "list partitions", Err: err}
	}
	points := make([]string, 0, len(partitions))
	for _, p := range partitions {
		points = append(points, p.Mountpoint)
	}
	sort.Strings(points)
	return points, nil
}

// MountPointSet returns the current mount points as a set for membership
// checks. A listing failure yields an empty set; callers treat that as
// "nothing mounted" for the cycle and try again next time.
func MountPointSet() map[string]bool {
	points, err := MountPoints()
	if err != nil {
		log.Logger.Debug().Err(err).Msg("unable to enumerate mount points")
		return map[string]bool{}
	}
	set := make(map[string]bool, len(points))
	for _, p := range points {
		set[p] = true
	}
	return set
}

// SuggestDirectories proposes directories worth monitoring: mount points
// under the default removable-media roots, or the roots themselves when
// nothing is mounted yet.
func SuggestDirectories() []string {
	points, err := MountPoints()
	if err != nil {
		log.Logger.Warn().Err(err).Msg("mount point detection unavailable")
		points = nil
	}

	var suggested []string
	for _, p := range points {
		for _, root := range DefaultRoots {
			if underRoot(p, root) {
				suggested = append(suggested, p)
				break
			}
		}
	}
	if len(suggested) > 0 {
		return suggested
	}

	for _, root := range DefaultRoots {
		if info, err := os.Stat(root); err == nil && info.IsDir() {
			suggested = append(suggested, root)
		}
	}
	return suggested
}

// underRoot reports whether path sits at or below root.
func underRoot(path, root string) bool {
	if path == root {
		return true
	}
	return strings.HasPrefix(path, root+string(filepath.Separator))
}
