/*
Package catalog is the embedded SQLite event catalog and the derived state
on top of it.

The events table is append-only and is the source of truth; volumes and
files are projections maintained in the same transaction as each append,
so a reader never observes an event whose derived rows are missing.
AppendEvent also opportunistically refreshes a volume's capacity snapshot
(at most every five minutes or hundred events) and persists whatever mount
identity the probe could report, writing only attributes it actually has
so a degraded probe never erases a previously known identifier.

One process-wide writer: the read-write store holds a single SQL
connection and a mutex, and retries briefly on SQLite busy errors so a
dashboard or a second process reading the same file cannot wedge a
watcher. Read-only opens use SQLite's ro mode and skip migration.

Schema changes are linear, forward-only migrations recorded in a
schema_migrations side table and applied automatically on read-write open.

Jobs (jobs.go) give long-running work — initial scans and live watchers —
durable, externally observable state with heartbeats, terminal statuses
and stale-job recovery for rows abandoned by dead processes.
*/
package catalog
