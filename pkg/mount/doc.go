/*
Package mount probes best-effort mount identity for watched directories and
enumerates the host's mount points.

Probe shells out to findmnt and lsblk (5 second timeouts) and composes a
stable volume identifier from persistent block-device attributes, in
priority order: UUID, PARTUUID, PTUUID, WWN, SERIAL, MODEL, VENDOR, FSVER.
The composite is a pipe-joined lower-case key=value string, so two drives
sharing a model still differ as long as any higher-priority attribute is
readable. When the host tools are unavailable (non-Linux, missing binaries,
timeouts) identity degrades to the path's filesystem anchor; because the
fallback is an absolute path it can never collide with a composite id.

Mount-point enumeration uses gopsutil's partition listing rather than
parsing /proc/mounts directly, which keeps the auto-discovery loop and the
suggest command working on non-Linux development hosts.
*/
package mount
