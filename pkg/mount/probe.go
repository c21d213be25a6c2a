package mount

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"time"

	"github.com/diskwatcher/diskwatcher/pkg/types"
)

const commandTimeout = 5 * time.Second

// ProbeError reports a failed host-tool invocation. Callers handle it by
// falling back to path-derived identity.
type ProbeError struct {
	Op  string
	Err error
}

func (e *ProbeError) Error() string {
	return fmt.Sprintf("mount probe failed: %s: %v", e.Op, e.Err)
}

func (e *ProbeError) Unwrap() error { return e.Err }

// lsblkColumns is the attribute set requested from lsblk and persisted onto
// volume rows.
var lsblkColumns = []string{
	"NAME", "PATH", "MODEL", "SERIAL", "VENDOR", "SIZE", "FSVER",
	"PTTYPE", "PTUUID", "PARTTYPE", "PARTUUID", "PARTTYPENAME",
	"WWN", "MAJ:MIN", "UUID", "LABEL",
}

// volumeIDKeys is the priority order of lsblk attributes composed into a
// volume identifier. Missing keys are omitted.
var volumeIDKeys = []string{
	"UUID", "PARTUUID", "PTUUID", "WWN", "SERIAL", "MODEL", "VENDOR", "FSVER",
}

var lsblkPairRe = regexp.MustCompile(`([A-Za-z:_-]+)="(.*?)"`)

// Probe returns best-effort mount identity for directory. Host-tool
// failures surface as *ProbeError; non-Linux hosts get the path fallback
// directly.
func Probe(directory string) (*types.MountInfo, error) {
	resolved := resolvePath(directory)

	if runtime.GOOS != "linux" {
		return Fallback(resolved), nil
	}

	mountPoint, err := runCommand("findmnt", "--noheadings", "--output", "TARGET", "--target", resolved)
	if err != nil {
		return nil, err
	}
	device, err := runCommand("findmnt", "--noheadings", "--output", "SOURCE", "--target", mountPoint)
	if err != nil {
		return nil, err
	}

	info := &types.MountInfo{
		Directory:           resolved,
		MountPoint:          firstNonEmpty(mountPoint, resolved),
		Device:              firstNonEmpty(device, resolved),
		IdentityRefreshedAt: time.Now().UTC().Format(time.RFC3339Nano),
	}

	// lsblk attributes are optional; a probe that resolved the device but
	// cannot read block attributes still identifies the mount.
	if out, err := runCommand("lsblk", "-P", "-o", strings.Join(lsblkColumns, ",")); err == nil {
		deviceName := filepath.Base(device)
		for _, line := range strings.Split(out, "\n") {
			fields := ParseLsblkLine(line)
			if fields["NAME"] == deviceName {
				info.UUID = fields["UUID"]
				info.Label = fields["LABEL"]
				info.Lsblk = fields
				break
			}
		}
	}

	info.VolumeID = CompositeVolumeID(info)
	return info, nil
}

// Fallback builds path-derived mount identity for hosts or directories the
// probe cannot inspect. The volume id is the filesystem anchor, an
// absolute path, so it can never collide with a composite identifier.
func Fallback(directory string) *types.MountInfo {
	resolved := resolvePath(directory)
	anchor := pathAnchor(resolved)
	return &types.MountInfo{
		Directory:  resolved,
		MountPoint: anchor,
		Device:     anchor,
		VolumeID:   anchor,
	}
}

// ProbeOrFallback probes and silently degrades to path identity. Watchers
// use this on their fast path where a probe error must never block events.
func ProbeOrFallback(directory string) *types.MountInfo {
	info, err := Probe(directory)
	if err != nil || info == nil {
		return Fallback(directory)
	}
	return info
}

// CompositeVolumeID builds the stable volume identifier: a pipe-joined
// lower-case key=value string over the persistent lsblk attributes, in
// priority order. Without lsblk attributes it degrades to uuid, label,
// device, then the directory path.
func CompositeVolumeID(info *types.MountInfo) string {
	if len(info.Lsblk) > 0 {
		parts := make([]string, 0, len(volumeIDKeys))
		for _, key := range volumeIDKeys {
			if value := info.Lsblk[key]; value != "" {
				parts = append(parts, strings.ToLower(key)+"="+strings.ToLower(value))
			}
		}
		if len(parts) > 0 {
			return strings.Join(parts, "|")
		}
	}
	if info.UUID != "" {
		return info.UUID
	}
	if info.Label != "" {
		return info.Label
	}
	if info.Device != "" {
		return info.Device
	}
	return info.Directory
}

// ParseLsblkLine parses one line of `lsblk -P` output into its key="value"
// pairs.
func ParseLsblkLine(line string) map[string]string {
	fields := make(map[string]string)
	for _, match := range lsblkPairRe.FindAllStringSubmatch(line, -1) {
		fields[match[1]] = match[2]
	}
	return fields
}

func runCommand(name string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, name, args...).Output()
	if err != nil {
		return "", &ProbeError{Op: name + " " + strings.Join(args, " "), Err: err}
	}
	return strings.TrimSpace(string(out)), nil
}

func resolvePath(directory string) string {
	abs, err := filepath.Abs(directory)
	if err != nil {
		return directory
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved
	}
	return abs
}

func pathAnchor(path string) string {
	if vol := filepath.VolumeName(path); vol != "" {
		return vol + string(filepath.Separator)
	}
	return string(filepath.Separator)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
