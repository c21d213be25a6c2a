/*
Package supervisor coordinates the watcher fleet against one catalog.

The Supervisor registers directories (deduplicated after symlink
resolution), runs initial archival scans serially or through a bounded
worker pool, starts and stops the live watch loops, and keeps job rows in
the catalog honest across the whole lifecycle, including reclaiming jobs
abandoned by dead processes at startup.

Parallel scans give each worker its own catalog connection opened from the
store's path and attach to job rows created up front, so SQLite write
contention stays at the connection level and the progress monitor can see
every scan from the moment it is queued. An in-memory catalog cannot be
reopened by path and always scans serially.

When auto-discovery roots are configured, a background loop reconciles the
fleet against mounted child directories of those roots each cycle: new
mounts are registered, archived and brought live; vanished auto-discovered
mounts are removed. Directories added explicitly are never removed by
discovery.
*/
package supervisor
