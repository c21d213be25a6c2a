/*
Package log provides structured logging for DiskWatcher using zerolog.

The package wraps zerolog behind a global logger with component-scoped child
loggers, so watcher goroutines, the supervisor and the catalog all emit JSON
records carrying a component field. Log levels follow the configuration
vocabulary (debug, info, warning, error, critical); "warn" is accepted as an
alias. InitWithFile tees JSON output into the log file under the DiskWatcher
config directory while keeping human-readable console output.

Typical use:

	log.Init(log.Config{Level: log.ParseLevel(cfg.LogLevel)})

	watcherLog := log.WithComponent("watcher")
	watcherLog.Info().Str("path", dir).Msg("watching directory")
*/
package log
