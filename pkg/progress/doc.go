/*
Package progress renders aggregate initial-scan progress from the jobs
table.

The monitor is decoupled from the scanners: it only reads job rows, so it
can follow scans running on other goroutines, worker connections or even
other processes on the same catalog. On a terminal the display is a single
self-rewriting line; piped output degrades to throttled plain lines.
*/
package progress
