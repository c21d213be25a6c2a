/*
Package config manages user-settable defaults persisted as YAML under
~/.diskwatcher (or $DISKWATCHER_CONFIG_DIR).

Keys live in a registry that knows each option's type, default and
validation; the stored file is advisory, so unknown keys and invalid
values are skipped rather than fatal. Command-line flags always win over
stored values.
*/
package config
