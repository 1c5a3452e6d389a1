package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wegman-software/osmsql-go/internal/logger"
	"github.com/wegman-software/osmsql-go/internal/replication"
)

var (
	initSequence int64
	maxUpdates   int
	watchEvery   time.Duration
)

var replicationCmd = &cobra.Command{
	Use:   "replication",
	Short: "Keep the database current from a replication feed",
	Long: `Follow an OSM replication feed and apply its change files.

Sources:
  planet-minute, planet-hour, planet-day   OpenStreetMap planet diffs
  geofabrik/<region>                       Geofabrik extract diffs
  https://host/path                        any replication directory

Examples:
  # Start following Monaco after importing the matching extract
  osmsql replication init --source geofabrik/monaco

  # Apply everything published since
  osmsql replication update

  # Keep applying every 5 minutes
  osmsql replication update --watch 5m`,
}

var replicationInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Record the feed position the database corresponds to",
	Args:  cobra.NoArgs,
	Run:   runReplicationInit,
}

var replicationStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show how far the database lags behind the feed",
	Args:  cobra.NoArgs,
	Run:   runReplicationStatus,
}

var replicationUpdateCmd = &cobra.Command{
	Use:   "update",
	Short: "Apply pending change files",
	Args:  cobra.NoArgs,
	Run:   runReplicationUpdate,
}

var replicationSourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "List built-in sources",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		for _, name := range replication.SourceNames() {
			fmt.Println(name)
		}
	},
}

func init() {
	rootCmd.AddCommand(replicationCmd)
	replicationCmd.AddCommand(replicationInitCmd, replicationStatusCmd, replicationUpdateCmd, replicationSourcesCmd)

	flags := replicationCmd.PersistentFlags()
	flags.StringVarP(&cfg.ReplicationSource, "source", "s", cfg.ReplicationSource, "Replication source")
	flags.StringVar(&cfg.ReplicationDir, "replication-dir", cfg.ReplicationDir, "Directory for replication state and cached change files")

	replicationInitCmd.Flags().Int64Var(&initSequence, "sequence", 0, "Start after this sequence instead of the latest")

	replicationUpdateCmd.Flags().StringVarP(&cfg.FilterFile, "filter", "f", cfg.FilterFile, "Tag filter YAML file")
	replicationUpdateCmd.Flags().IntVar(&maxUpdates, "max", 0, "Apply at most this many sequences per run, 0 for all")
	replicationUpdateCmd.Flags().DurationVar(&watchEvery, "watch", 0, "Keep polling at this interval")
	addExpireFlags(replicationUpdateCmd)
}

func newReplicator() *replication.Replicator {
	if cfg.ReplicationSource == "" {
		exitWithError("no replication source, set --source or replication_source", nil)
	}
	src, err := replication.ParseSource(cfg.ReplicationSource)
	if err != nil {
		exitWithError("invalid replication source", err)
	}
	r, err := replication.NewReplicator(src, cfg.ReplicationDir)
	if err != nil {
		exitWithError("failed to create replicator", err)
	}
	return r
}

func runReplicationInit(cmd *cobra.Command, args []string) {
	ctx, cancel := commandContext()
	defer cancel()

	if err := newReplicator().Init(ctx, initSequence); err != nil {
		exitWithError("replication init failed", err)
	}
}

func runReplicationStatus(cmd *cobra.Command, args []string) {
	ctx, cancel := commandContext()
	defer cancel()

	status, err := newReplicator().Status(ctx)
	if status != nil {
		fmt.Print(status)
	}
	if err != nil {
		exitWithError("replication status failed", err)
	}
}

func runReplicationUpdate(cmd *cobra.Command, args []string) {
	log := logger.Get()
	ctx, cancel := commandContext()
	defer cancel()

	r := newReplicator()
	a := openApplier(ctx)
	apply := func(ctx context.Context, path string) error {
		if err := a.applyFile(ctx, path); err != nil {
			return err
		}
		if a.tracker != nil {
			writeExpired(a.tracker, true)
			a.tracker.Clear()
		}
		return nil
	}

	for {
		n, err := r.Update(ctx, apply, maxUpdates)
		if err != nil {
			a.abort()
			if ctx.Err() != nil {
				log.Info("Replication interrupted", zap.Int("applied", n))
				return
			}
			exitWithError("replication update failed", err)
		}
		log.Info("Replication up to date",
			zap.Int("applied", n),
			zap.Int64("sequence", r.State().SequenceNumber),
			zap.Time("timestamp", r.State().Timestamp))

		if watchEvery <= 0 || ctx.Err() != nil {
			break
		}
		select {
		case <-ctx.Done():
		case <-time.After(watchEvery):
		}
		if ctx.Err() != nil {
			break
		}
	}

	if err := a.close(context.Background()); err != nil {
		exitWithError("failed to close writer", err)
	}
}
