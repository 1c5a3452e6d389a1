package cmd

import (
	"context"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wegman-software/osmsql-go/internal/expire"
	"github.com/wegman-software/osmsql-go/internal/logger"
	"github.com/wegman-software/osmsql-go/internal/osc"
	"github.com/wegman-software/osmsql-go/internal/store"
)

var applyCmd = &cobra.Command{
	Use:   "apply <change.osc[.gz]>...",
	Short: "Apply osmChange files",
	Long: `Apply one or more osmChange files in order. Created entities are added,
modified entities replace their stored version and deleted entities are
removed with their tags, way nodes and members.

With --expire-output the tiles touched by old and new node positions are
appended to the expire file.`,
	Args: cobra.MinimumNArgs(1),
	Run:  runApply,
}

func init() {
	rootCmd.AddCommand(applyCmd)
	applyCmd.Flags().StringVarP(&cfg.FilterFile, "filter", "f", cfg.FilterFile, "Tag filter YAML file")
	addExpireFlags(applyCmd)
}

func runApply(cmd *cobra.Command, args []string) {
	ctx, cancel := commandContext()
	defer cancel()

	a := openApplier(ctx)
	for _, path := range args {
		if err := a.applyFile(ctx, path); err != nil {
			a.abort()
			exitWithError("apply failed", err)
		}
	}
	if err := a.close(ctx); err != nil {
		exitWithError("failed to close writer", err)
	}
	writeExpired(a.tracker, true)
}

// changeApplier bundles the writer, the reader used for old node positions
// and the tile tracker shared by apply and replication.
type changeApplier struct {
	writer  *store.Writer
	reader  *store.Reader
	tracker *expire.Tracker
	applier *osc.Applier
}

func openApplier(ctx context.Context) *changeApplier {
	opts := storeOptions()
	w, tracker := openWriter(ctx, opts)
	a := &changeApplier{writer: w, tracker: tracker, applier: osc.NewApplier(w)}

	if tracker != nil {
		opts.CreateSchema = false
		r, err := store.OpenReader(ctx, opts)
		if err != nil {
			exitWithError("failed to open reader", err)
		}
		a.reader = r
		a.applier.WithExpiry(r, tracker)
	}
	return a
}

// applyFile applies path and flushes, so that the file is fully stored
// when it returns.
func (a *changeApplier) applyFile(ctx context.Context, path string) error {
	stats, err := a.applier.ApplyFile(ctx, path)
	if err != nil {
		return err
	}
	if err := a.writer.Flush(ctx); err != nil {
		return err
	}
	logger.Get().Debug("Change counts",
		zap.Int64("nodes_created", stats.NodesCreated),
		zap.Int64("nodes_modified", stats.NodesModified),
		zap.Int64("nodes_deleted", stats.NodesDeleted),
		zap.Int64("ways_created", stats.WaysCreated),
		zap.Int64("ways_modified", stats.WaysModified),
		zap.Int64("ways_deleted", stats.WaysDeleted),
		zap.Int64("relations_created", stats.RelationsCreated),
		zap.Int64("relations_modified", stats.RelationsModified),
		zap.Int64("relations_deleted", stats.RelationsDeleted))
	return nil
}

// abort drops the unflushed part of a failed file and closes.
func (a *changeApplier) abort() {
	a.writer.Discard()
	if err := a.close(context.Background()); err != nil {
		logger.Get().Error("Failed to close writer", zap.Error(err))
	}
}

func (a *changeApplier) close(ctx context.Context) error {
	if a.reader != nil {
		a.reader.Close()
	}
	return a.writer.Close(ctx)
}
