/*
Package watcher observes one directory root and turns its filesystem
activity into catalog events.

A Watcher runs two activities against the same root: an initial archival
scan that records every already-present file as an "existing" event, and a
live loop that appends created/modified/deleted events as they happen.
Both go through the catalog's append path, so the derived volume and file
state stays consistent no matter which side produced the event.

Live notifications come from a Backend. The kernel-native fsnotify backend
is preferred; when inotify watch descriptors are exhausted construction
falls back to a polling backend that snapshots the tree on an interval and
diffs. The fallback decision is made once, at construction, from the
kernel's error.

Mount identity is probed when a watcher is created and attached to every
event it writes. Identity with a persistent identifier (filesystem UUID,
partition UUID, serial, WWN) is cached for the watcher's lifetime;
incomplete identity is reprobed on an exponential backoff so a slow udev or
a late lsblk can still upgrade the catalog's picture of the volume.
*/
package watcher
