package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/diskwatcher/diskwatcher/pkg/catalog"
	"github.com/diskwatcher/diskwatcher/pkg/config"
	"github.com/diskwatcher/diskwatcher/pkg/log"
	"github.com/diskwatcher/diskwatcher/pkg/mount"
	"github.com/diskwatcher/diskwatcher/pkg/progress"
	"github.com/diskwatcher/diskwatcher/pkg/supervisor"
	"github.com/diskwatcher/diskwatcher/pkg/web"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	flagLogLevel string
	flagJSONLogs bool
	flagDBPath   string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "diskwatcher",
	Short: "DiskWatcher - catalog filesystem activity across volumes",
	Long: `DiskWatcher watches directories (typically removable-drive mount
points), records every filesystem event in an embedded SQLite catalog and
derives per-volume and per-file state from the event log.

The catalog survives restarts and unplugged drives: volumes are identified
by persistent block-device attributes, so history follows the drive, not
the mount point.`,
	Version: Version,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		initLogging()
	},
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"DiskWatcher version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "",
		"log level (debug, info, warning, error, critical); default from config")
	rootCmd.PersistentFlags().BoolVar(&flagJSONLogs, "json-logs", false,
		"emit JSON logs instead of console output")
	rootCmd.PersistentFlags().StringVar(&flagDBPath, "db", "",
		"catalog database path (default ~/.diskwatcher/diskwatcher.db)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(streamCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(volumesCmd)
	rootCmd.AddCommand(labelsCmd)
	rootCmd.AddCommand(suggestCmd)
	rootCmd.AddCommand(dashboardCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(devCmd)
}

func initLogging() {
	level := flagLogLevel
	if level == "" {
		level = config.Effective().LogLevel
	}
	cfg := log.Config{Level: log.ParseLevel(level), JSONOutput: flagJSONLogs}
	logPath := filepath.Join(config.Dir(), "diskwatcher.log")
	if err := os.MkdirAll(config.Dir(), 0o755); err != nil {
		log.Init(cfg)
		return
	}
	if err := log.InitWithFile(cfg, logPath); err != nil {
		log.Init(cfg)
	}
}

func catalogPath() string {
	if flagDBPath != "" {
		return flagDBPath
	}
	return config.DefaultCatalogPath()
}

// openCatalogRO opens the catalog for read commands; a catalog that does
// not exist yet is a user-facing error, not a stack trace.
func openCatalogRO() (*catalog.Store, error) {
	store, err := catalog.OpenReadOnly(catalogPath())
	if err != nil {
		return nil, fmt.Errorf("no catalog at %s (run 'diskwatcher run' first): %w", catalogPath(), err)
	}
	return store, nil
}

var runCmd = &cobra.Command{
	Use:   "run [directory...]",
	Short: "Watch directories and catalog their filesystem activity",
	Long: `Start watching the given directories. Without arguments, mounted
volumes under /mnt, /media and /run/media are suggested and watched.

Each directory gets an initial archival scan (unless disabled) and a live
watcher; auto-discovery can keep the set in sync with drives being plugged
and unplugged.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		noScan, _ := cmd.Flags().GetBool("no-scan")
		parallel, _ := cmd.Flags().GetBool("parallel-scans")
		workers, _ := cmd.Flags().GetInt("max-scan-workers")
		pollInterval, _ := cmd.Flags().GetDuration("poll-interval")
		excludes, _ := cmd.Flags().GetStringSlice("exclude")
		discover, _ := cmd.Flags().GetBool("auto-discover")
		roots, _ := cmd.Flags().GetStringSlice("discover-root")

		settings := config.Effective()
		if !cmd.Flags().Changed("max-scan-workers") {
			workers = settings.MaxScanWorkers
		}
		if !cmd.Flags().Changed("poll-interval") {
			pollInterval = settings.PollingInterval
		}
		excludes = append(excludes, settings.ExcludePatterns...)
		if len(roots) == 0 {
			roots = settings.AutoDiscoverRoots
		}
		if discover && len(roots) == 0 {
			roots = mount.DefaultRoots
		}
		autoScan := settings.AutoScan && !noScan

		directories := args
		if len(directories) == 0 && !discover {
			directories = mount.SuggestDirectories()
			if len(directories) == 0 {
				return fmt.Errorf("no suitable directories found to monitor, specify one manually")
			}
			fmt.Printf("No directory given; watching %d suggested mount point(s)\n", len(directories))
		}

		store, err := catalog.Open(catalogPath())
		if err != nil {
			return err
		}

		activeRoots := discoverRoots(discover, roots)
		sup := supervisor.New(supervisor.Config{
			Store:             store,
			OwnStore:          true,
			ExcludePatterns:   excludes,
			PollInterval:      pollInterval,
			MaxScanWorkers:    workers,
			AutoDiscoverRoots: activeRoots,
			ScanNewMounts:     autoScan,
		})

		for _, dir := range directories {
			if _, err := sup.AddDirectory(dir, ""); err != nil {
				sup.StopAll()
				return err
			}
		}

		batchStart := time.Now().UTC().Format(time.RFC3339Nano)
		if autoScan {
			done := make(chan struct{})
			var scanErr error
			go func() {
				_, scanErr = sup.RunInitialScans(parallel, nil)
				close(done)
			}()

			monitor := progress.NewMonitor(store, batchStart, fmt.Sprintf("%d", os.Getpid()))
			if snap, err := monitor.Run(done); err == nil && snap.Total > 0 {
				fmt.Println(snap.String())
			}
			<-done
			if scanErr != nil {
				sup.StopAll()
				return scanErr
			}
		}

		sup.StartAll()
		fmt.Printf("Watching %d directories. Press Ctrl+C to stop.\n", len(sup.Watched()))

		// With auto-discovery running, keep rendering the scan batches it
		// starts as drives get plugged in.
		stopMon := make(chan struct{})
		if autoScan && len(activeRoots) > 0 {
			batchMonitor := progress.NewMonitor(store,
				time.Now().UTC().Format(time.RFC3339Nano), fmt.Sprintf("%d", os.Getpid()))
			go func() {
				if err := batchMonitor.RunBatches(stopMon); err != nil {
					log.Logger.Debug().Err(err).Msg("scan batch monitor exited")
				}
			}()
		}

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		fmt.Println("\nShutting down...")
		close(stopMon)
		sup.StopAll()
		return nil
	},
}

func discoverRoots(discover bool, roots []string) []string {
	if !discover {
		return nil
	}
	return roots
}

var dashboardCmd = &cobra.Command{
	Use:   "dashboard",
	Short: "Serve the read-only status dashboard",
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		refresh, _ := cmd.Flags().GetInt("refresh")
		eventLimit, _ := cmd.Flags().GetInt("event-limit")

		server, err := web.NewServer(catalogPath(), refresh, eventLimit)
		if err != nil {
			return err
		}
		fmt.Printf("Dashboard on http://%s (catalog %s)\n", addr, catalogPath())
		return server.ListenAndServe(addr)
	},
}

func init() {
	runCmd.Flags().Bool("no-scan", false, "skip the initial archival scan")
	runCmd.Flags().Bool("parallel-scans", false, "run initial scans in parallel")
	runCmd.Flags().Int("max-scan-workers", 0, "cap on parallel scan workers (0 = CPU count)")
	runCmd.Flags().Duration("poll-interval", 30*time.Second, "polling backend cycle period")
	runCmd.Flags().StringSlice("exclude", nil, "glob pattern to exclude (repeatable)")
	runCmd.Flags().Bool("auto-discover", false, "watch for mounts appearing under the discovery roots")
	runCmd.Flags().StringSlice("discover-root", nil, "auto-discovery root directory (repeatable)")

	dashboardCmd.Flags().String("addr", "127.0.0.1:8080", "listen address")
	dashboardCmd.Flags().Int("refresh", web.DefaultRefreshSeconds, "dashboard auto-refresh seconds")
	dashboardCmd.Flags().Int("event-limit", web.DefaultEventLimit, "recent events shown per snapshot")
}
