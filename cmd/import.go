package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wegman-software/osmsql-go/internal/config"
	"github.com/wegman-software/osmsql-go/internal/logger"
	"github.com/wegman-software/osmsql-go/internal/metrics"
	"github.com/wegman-software/osmsql-go/internal/pbf"
	"github.com/wegman-software/osmsql-go/internal/store"
)

var (
	dropExisting     bool
	replaceExisting  bool
	postFilter       bool
	progressInterval time.Duration
)

var importCmd = &cobra.Command{
	Use:   "import <input.osm.pbf>",
	Short: "Import an OSM extract",
	Long: `Import nodes, ways and relations from an .osm.pbf, .osm or .osm.gz file.

Entities pass the tag filter (--filter) before they are buffered. With
--bbox only nodes inside the box are kept, together with the ways that
reference a kept node and the relations that have a kept member.

Importing into a store that already holds some of the entities needs
--replace, which removes the stored tags, way nodes and members of every
imported id before its new version is written.`,
	Args: cobra.ExactArgs(1),
	Run:  runImport,
}

func init() {
	rootCmd.AddCommand(importCmd)

	importCmd.Flags().StringVarP(&cfg.BBox, "bbox", "b", cfg.BBox, "Bounding box filter: minlon,minlat,maxlon,maxlat")
	importCmd.Flags().StringVarP(&cfg.FilterFile, "filter", "f", cfg.FilterFile, "Tag filter YAML file")
	importCmd.Flags().BoolVar(&dropExisting, "drop-existing", false, "Drop existing tables before importing")
	importCmd.Flags().BoolVar(&replaceExisting, "replace", false, "Remove the stored version of every imported entity first")
	importCmd.Flags().BoolVar(&postFilter, "postfilter", false, "Remove unreferenced untagged nodes after importing")
	importCmd.Flags().DurationVar(&progressInterval, "progress-interval", 10*time.Second, "Interval for progress logging")
	addExpireFlags(importCmd)
}

func runImport(cmd *cobra.Command, args []string) {
	input := args[0]
	log := logger.Get()
	opts := storeOptions()

	ctx, cancel := commandContext()
	defer cancel()

	bbox, err := config.ParseBBox(cfg.BBox)
	if err != nil {
		exitWithError("invalid bbox", err)
	}

	if dropExisting {
		if err := dropSchema(ctx, opts); err != nil {
			exitWithError("failed to drop existing tables", err)
		}
	}

	fields := []zap.Field{
		zap.String("input", input),
		zap.String("driver", opts.Driver),
		zap.String("variant", string(opts.Variant)),
		zap.Int("zoom", opts.TileZoom),
		zap.Int("workers", cfg.Workers),
	}
	if bbox != nil {
		fields = append(fields, zap.String("bbox",
			fmt.Sprintf("%.4f,%.4f,%.4f,%.4f", bbox.MinLon, bbox.MinLat, bbox.MaxLon, bbox.MaxLat)))
	}
	if cfg.FilterFile != "" {
		fields = append(fields, zap.String("filter", cfg.FilterFile))
	}
	log.Info("Starting import", fields...)

	var wopts []store.WriterOption
	if replaceExisting {
		wopts = append(wopts, store.WithReplace())
	}
	w, tracker := openWriter(ctx, opts, wopts...)
	importer := pbf.NewImporter(pbf.Options{
		Workers:          cfg.Workers,
		BBox:             bbox,
		ProgressInterval: progressInterval,
	})

	g, gctx := errgroup.WithContext(ctx)
	metricsCtx, stopMetrics := context.WithCancel(gctx)
	defer stopMetrics()

	if cfg.MetricsInterval > 0 {
		collector := metrics.NewCollector(cfg.MetricsInterval, log)
		collector.AddReporter(func() []zap.Field { return w.Stats().Fields() })
		g.Go(func() error {
			collector.Start(metricsCtx)
			return nil
		})
		log.Info("System metrics collection started", zap.Duration("interval", cfg.MetricsInterval))
	}

	var stats *pbf.Stats
	g.Go(func() error {
		defer stopMetrics()
		s, err := importer.ImportFile(gctx, input, w)
		if err != nil {
			return err
		}
		stats = s
		return w.Close(gctx)
	})

	if err := g.Wait(); err != nil {
		// Leave the store as the last completed batch left it.
		w.Discard()
		if cerr := w.Close(context.Background()); cerr != nil {
			log.Error("Failed to close writer", zap.Error(cerr))
		}
		exitWithError("import failed", err)
	}

	ws := w.Stats()
	log.Info("Import finished",
		zap.Int64("entities", stats.Total()),
		zap.Int64("filtered", ws.Skipped),
		zap.Int64("rows", ws.TotalRows()),
		zap.String("read", pbf.FormatBytes(stats.BytesRead)),
		zap.Duration("total_time", stats.Duration.Round(time.Second)))

	if postFilter {
		c, err := store.Open(ctx, opts)
		if err != nil {
			exitWithError("failed to open database", err)
		}
		n, err := store.PostFilter(ctx, c)
		c.Close()
		if err != nil {
			exitWithError("post filter failed", err)
		}
		log.Info("Post filter complete", zap.Int64("deleted_nodes", n))
	}

	writeExpired(tracker, false)
}

func dropSchema(ctx context.Context, opts store.Options) error {
	opts.CreateSchema = false
	c, err := store.Open(ctx, opts)
	if err != nil {
		return err
	}
	defer c.Close()
	return store.DropSchema(ctx, c)
}
