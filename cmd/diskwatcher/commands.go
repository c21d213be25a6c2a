package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/diskwatcher/diskwatcher/pkg/catalog"
	"github.com/diskwatcher/diskwatcher/pkg/config"
	"github.com/diskwatcher/diskwatcher/pkg/labels"
	"github.com/diskwatcher/diskwatcher/pkg/mount"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show per-volume activity and active jobs from the catalog",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openCatalogRO()
		if err != nil {
			return err
		}
		defer store.Close()

		summaries, err := store.SummarizeByVolume()
		if err != nil {
			return err
		}
		if len(summaries) == 0 {
			fmt.Println("No activity recorded yet.")
		} else {
			fmt.Printf("%-44s %-24s %8s %8s %8s %8s\n",
				"VOLUME", "DIRECTORY", "EVENTS", "CREATED", "MODIFIED", "DELETED")
			for _, s := range summaries {
				fmt.Printf("%-44s %-24s %8d %8d %8d %8d\n",
					truncate(s.VolumeID, 44), truncate(s.Directory, 24),
					s.TotalEvents, s.Created, s.Modified, s.Deleted)
			}
		}

		jobs, err := store.FetchJobs(false, 0)
		if err != nil {
			return err
		}
		if len(jobs) > 0 {
			fmt.Printf("\nActive jobs:\n")
			for _, j := range jobs {
				path := ""
				if j.Path != nil {
					path = *j.Path
				}
				fmt.Printf("  %s  %-12s %-10s %s (updated %s)\n",
					j.JobID[:12], j.Type, j.Status, path, relativeTime(j.UpdatedAt))
			}
		}
		return nil
	},
}

var streamCmd = &cobra.Command{
	Use:   "stream",
	Short: "Print new catalog events as they are appended",
	Long: `Follow the catalog's event log from its current end. The stream
survives writer restarts because it reads committed rows by ordinal, not a
live connection to any watcher.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		interval, _ := cmd.Flags().GetDuration("interval")
		if interval < 100*time.Millisecond {
			interval = 100 * time.Millisecond
		}

		store, err := openCatalogRO()
		if err != nil {
			return err
		}
		defer store.Close()

		cursor, err := store.MaxEventRowID()
		if err != nil {
			return err
		}

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		fmt.Fprintln(os.Stderr, "Streaming events (Ctrl+C to stop)...")
		for {
			select {
			case <-ticker.C:
				events, err := store.QueryEventsSince(cursor, 500)
				if err != nil {
					return err
				}
				for _, ev := range events {
					fmt.Printf("%s  %-9s %s  [%s]\n", ev.Timestamp, ev.Type, ev.Path, truncate(ev.VolumeID, 40))
					cursor = ev.RowID
				}
			case <-sigCh:
				return nil
			}
		}
	},
}

var searchCmd = &cobra.Command{
	Use:   "search <term>",
	Short: "Search cataloged files by path substring",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		store, err := openCatalogRO()
		if err != nil {
			return err
		}
		defer store.Close()

		files, err := store.SearchFiles(args[0], limit)
		if err != nil {
			return err
		}
		if len(files) == 0 {
			fmt.Println("No matching files.")
			return nil
		}

		for _, f := range files {
			size := ""
			if f.SizeBytes != nil {
				size = humanize.IBytes(uint64(*f.SizeBytes))
			}
			marker := " "
			if f.IsDeleted {
				marker = "D"
			}
			fmt.Printf("%s %10s  %s\n", marker, size, f.Path)
		}
		return nil
	},
}

var volumesCmd = &cobra.Command{
	Use:   "volumes",
	Short: "List cataloged volumes with identity and capacity",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openCatalogRO()
		if err != nil {
			return err
		}
		defer store.Close()

		volumes, err := store.FetchVolumeMetadata()
		if err != nil {
			return err
		}
		if len(volumes) == 0 {
			fmt.Println("No volumes cataloged yet.")
			return nil
		}

		for _, v := range volumes {
			fmt.Printf("%s\n", v.VolumeID)
			fmt.Printf("  directory: %s\n", v.Directory)
			fmt.Printf("  events:    %d (%d created, %d modified, %d deleted)\n",
				v.EventCount, v.CreatedCount, v.ModifiedCount, v.DeletedCount)
			if v.MountDevice != nil {
				fmt.Printf("  device:    %s\n", *v.MountDevice)
			}
			if v.MountLabel != nil && *v.MountLabel != "" {
				fmt.Printf("  label:     %s\n", *v.MountLabel)
			}
			if v.UsageTotalBytes != nil && v.UsageFreeBytes != nil {
				fmt.Printf("  capacity:  %s free of %s\n",
					humanize.IBytes(uint64(*v.UsageFreeBytes)),
					humanize.IBytes(uint64(*v.UsageTotalBytes)))
			}
			if v.LastEventTimestamp != nil {
				fmt.Printf("  last seen: %s\n", relativeTime(*v.LastEventTimestamp))
			}
			fmt.Println()
		}
		return nil
	},
}

var labelsCmd = &cobra.Command{
	Use:   "labels",
	Short: "Export label-ready volume rows as CSV",
	RunE: func(cmd *cobra.Command, args []string) error {
		outPath, _ := cmd.Flags().GetString("output")

		store, err := openCatalogRO()
		if err != nil {
			return err
		}
		defer store.Close()

		volumes, err := store.FetchVolumeMetadata()
		if err != nil {
			return err
		}
		rows := labels.BuildRows(volumes)

		out := os.Stdout
		if outPath != "" {
			f, err := os.Create(outPath)
			if err != nil {
				return err
			}
			defer f.Close()
			out = f
		}
		if err := labels.WriteCSV(out, rows); err != nil {
			return err
		}
		if outPath != "" {
			fmt.Printf("Wrote %d label rows to %s\n", len(rows), outPath)
		}
		return nil
	},
}

var suggestCmd = &cobra.Command{
	Use:   "suggest",
	Short: "Suggest mounted directories worth watching",
	RunE: func(cmd *cobra.Command, args []string) error {
		suggested := mount.SuggestDirectories()
		if len(suggested) == 0 {
			fmt.Println("No suitable directories found.")
			return nil
		}
		fmt.Println("Suggested directories to monitor:")
		for _, d := range suggested {
			fmt.Printf("  - %s\n", d)
		}
		return nil
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending catalog schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := catalog.Open(catalogPath())
		if err != nil {
			return err
		}
		defer store.Close()

		revision, err := store.Revision()
		if err != nil {
			return err
		}
		fmt.Printf("Catalog %s at schema revision %d\n", catalogPath(), revision)
		return nil
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and change stored defaults",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "List every option with its value and source",
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, s := range config.List() {
			fmt.Printf("%-26s %-18v (%s)  %s\n", s.Key, formatValue(s.Value), s.Source, s.Description)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set an option",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		parsed, err := config.Set(args[0], args[1])
		if err != nil {
			return err
		}
		fmt.Printf("%s = %v\n", args[0], formatValue(parsed))
		return nil
	},
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Remove an option, restoring its default",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.Unset(args[0]); err != nil {
			return err
		}
		fmt.Printf("%s unset\n", args[0])
		return nil
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the config file path",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(config.Path())
	},
}

var devCmd = &cobra.Command{
	Use:   "dev",
	Short: "Catalog maintenance commands",
}

var devRevisionCmd = &cobra.Command{
	Use:   "revision",
	Short: "Print the catalog schema revision",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openCatalogRO()
		if err != nil {
			return err
		}
		defer store.Close()

		revision, err := store.Revision()
		if err != nil {
			return err
		}
		fmt.Println(revision)
		return nil
	},
}

var devVacuumCmd = &cobra.Command{
	Use:   "vacuum",
	Short: "Compact the catalog database",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := catalog.Open(catalogPath())
		if err != nil {
			return err
		}
		defer store.Close()

		if err := store.Vacuum(); err != nil {
			return err
		}
		fmt.Println("Catalog vacuumed.")
		return nil
	},
}

var devIntegrityCmd = &cobra.Command{
	Use:   "integrity",
	Short: "Run a catalog integrity check",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openCatalogRO()
		if err != nil {
			return err
		}
		defer store.Close()

		problems, err := store.IntegrityCheck()
		if err != nil {
			return err
		}
		if len(problems) == 0 {
			fmt.Println("ok")
			return nil
		}
		for _, p := range problems {
			fmt.Println(p)
		}
		return fmt.Errorf("integrity check reported %d problem(s)", len(problems))
	},
}

func init() {
	streamCmd.Flags().Duration("interval", time.Second, "poll interval")
	searchCmd.Flags().Int("limit", 50, "maximum results")
	labelsCmd.Flags().String("output", "", "write CSV to a file instead of stdout")

	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configUnsetCmd)
	configCmd.AddCommand(configPathCmd)

	devCmd.AddCommand(devRevisionCmd)
	devCmd.AddCommand(devVacuumCmd)
	devCmd.AddCommand(devIntegrityCmd)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}

func formatValue(v any) string {
	if list, ok := v.([]string); ok {
		if len(list) == 0 {
			return "[]"
		}
		return strings.Join(list, ",")
	}
	return fmt.Sprintf("%v", v)
}

func relativeTime(ts string) string {
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return ts
	}
	return humanize.Time(t)
}
