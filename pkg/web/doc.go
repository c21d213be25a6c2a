/*
Package web serves the read-only status dashboard.

Every request opens the catalog read-only and closes it after the
snapshot, so the dashboard never contends with writers beyond SQLite's own
locking and can run as a separate process from the watchers. A catalog
that does not exist yet renders as empty.

Routes: an HTML overview at /, JSON under /api (full status, label-ready
volume rows, and a by-path volume lookup for remote agents), and
Prometheus metrics at /metrics.
*/
package web
