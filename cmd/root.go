package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/paulmach/osm"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/wegman-software/osmsql-go/internal/config"
	"github.com/wegman-software/osmsql-go/internal/expire"
	"github.com/wegman-software/osmsql-go/internal/logger"
	"github.com/wegman-software/osmsql-go/internal/store"
	"github.com/wegman-software/osmsql-go/internal/tagfilter"
)

var (
	cfg        = config.DefaultConfig()
	configFile string
)

var rootCmd = &cobra.Command{
	Use:   "osmsql",
	Short: "Store and query raw OSM data in SQLite or PostgreSQL",
	Long: `osmsql keeps OpenStreetMap nodes, ways and relations with their tags,
way node lists and relation members in a relational database.

Nodes are indexed by a fixed-zoom tile id so that bounding box and tile
queries can be answered without a spatial extension. Data can be loaded
from PBF or XML extracts, updated from change files and kept current
from a replication feed.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if err := loadConfigFile(cmd); err != nil {
			logger.Init(cfg.Verbose)
			exitWithError("failed to load config", err)
		}
		logger.InitWithFile(cfg.Verbose, cfg.LogFile)
	},
}

func Execute() error {
	defer logger.Sync()
	return rootCmd.Execute()
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configFile, "config", "c", "", "YAML config file; flags override its values")
	flags.BoolVarP(&cfg.Verbose, "verbose", "v", false, "Enable verbose output")
	flags.IntVarP(&cfg.Workers, "workers", "j", cfg.Workers, "Number of parallel workers")

	// Logging and metrics flags
	flags.StringVar(&cfg.LogFile, "log-file", "", "Path to log file for persistent logging (JSON format)")
	flags.DurationVar(&cfg.MetricsInterval, "metrics-interval", cfg.MetricsInterval, "Interval for system metrics logging, 0 disables")

	// Store flags
	flags.StringVar(&cfg.Driver, "driver", cfg.Driver, "Database driver: sqlite3 or pgx")
	flags.StringVarP(&cfg.DSN, "dsn", "d", cfg.DSN, "SQLite file or PostgreSQL connection string")
	flags.StringVar(&cfg.Variant, "variant", cfg.Variant, "Schema variant: plain or compact")
	flags.IntVar(&cfg.TileZoom, "zoom", cfg.TileZoom, "Zoom level nodes are indexed at")
	flags.BoolVar(&cfg.CreateSchema, "create-schema", cfg.CreateSchema, "Create missing tables and indexes on open")
}

// loadConfigFile overlays the --config file onto cfg and then re-applies
// the flags given on the command line.
func loadConfigFile(cmd *cobra.Command) error {
	if configFile == "" {
		return nil
	}

	changed := make(map[string]string)
	cmd.Flags().Visit(func(f *pflag.Flag) {
		changed[f.Name] = f.Value.String()
	})

	if err := cfg.LoadFile(configFile); err != nil {
		return err
	}
	for name, value := range changed {
		if err := cmd.Flags().Set(name, value); err != nil {
			return fmt.Errorf("re-apply --%s: %w", name, err)
		}
	}
	return nil
}

func exitWithError(msg string, err error) {
	log := logger.Get()
	if err != nil {
		log.Error(msg, zap.Error(err))
	} else {
		log.Error(msg)
	}
	logger.Sync()
	os.Exit(1)
}

// commandContext returns a context canceled on SIGINT or SIGTERM.
func commandContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func storeOptions() store.Options {
	if err := cfg.Validate(); err != nil {
		exitWithError("invalid configuration", err)
	}
	opts, err := cfg.StoreOptions()
	if err != nil {
		exitWithError("invalid configuration", err)
	}
	return opts
}

// openWriter opens a writer with the configured tag filter and, when an
// expire output is set, a tile tracker.
func openWriter(ctx context.Context, opts store.Options, extra ...store.WriterOption) (*store.Writer, *expire.Tracker) {
	wopts := extra
	if f := loadFilter(); f != nil {
		wopts = append(wopts, store.WithFilter(f))
	}

	var tracker *expire.Tracker
	if cfg.ExpireOutput != "" {
		tracker = expire.NewTracker(cfg.ExpireMinZoom, cfg.ExpireMaxZoom)
		wopts = append(wopts, store.WithTileRecorder(tracker))
	}

	w, err := store.OpenWriter(ctx, opts, wopts...)
	if err != nil {
		exitWithError("failed to open writer", err)
	}
	return w, tracker
}

func loadFilter() *tagfilter.Filter {
	if cfg.FilterFile == "" {
		return nil
	}
	fc, err := tagfilter.LoadConfig(cfg.FilterFile)
	if err != nil {
		exitWithError("failed to load filter", err)
	}
	return tagfilter.New(fc)
}

func writeExpired(tracker *expire.Tracker, appendMode bool) {
	if tracker == nil {
		return
	}
	if err := tracker.WriteToFile(cfg.ExpireOutput, appendMode); err != nil {
		exitWithError("failed to write expire file", err)
	}
}

func addExpireFlags(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&cfg.ExpireOutput, "expire-output", "e", cfg.ExpireOutput, "Path to expire tiles output file")
	cmd.Flags().IntVar(&cfg.ExpireMinZoom, "expire-min-zoom", cfg.ExpireMinZoom, "Minimum zoom level for tile expiry")
	cmd.Flags().IntVar(&cfg.ExpireMaxZoom, "expire-max-zoom", cfg.ExpireMaxZoom, "Maximum zoom level for tile expiry")
}

func parseKind(s string) (osm.Type, error) {
	switch osm.Type(s) {
	case osm.TypeNode, osm.TypeWay, osm.TypeRelation:
		return osm.Type(s), nil
	}
	return "", fmt.Errorf("unknown entity kind %q (want node, way or relation)", s)
}

func parseIDs(args []string) ([]int64, error) {
	ids := make([]int64, 0, len(args))
	for _, a := range args {
		id, err := strconv.ParseInt(a, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid id %q: %w", a, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
