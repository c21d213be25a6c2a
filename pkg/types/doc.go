/*
Package types defines the shared data model for DiskWatcher: catalog rows
(events, volumes, files, jobs), mount identity metadata, and the lifecycle
vocabularies for jobs and watchers.

The structs mirror the persisted catalog schema column for column; nullable
columns are pointer-typed so that reads and writes never confuse "absent"
with a zero value. Timestamps are carried as ISO-8601 strings with timezone
exactly as stored, so rows round-trip without reformatting.
*/
package types
