package cmd

import (
	"compress/gzip"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/paulmach/osm"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/wegman-software/osmsql-go/internal/logger"
	"github.com/wegman-software/osmsql-go/internal/store"
)

var (
	exportNoNodes     bool
	exportNoWays      bool
	exportNoRelations bool
	exportPageSize    int
)

var exportCmd = &cobra.Command{
	Use:   "export [output.osm[.gz]]",
	Short: "Write the whole store as OSM XML",
	Long: `Write every stored node, way and relation as an OSM XML document,
nodes first, then ways, then relations, each in ascending id order.

Without an output file the document goes to stdout. A .gz suffix
compresses the output.`,
	Args: cobra.MaximumNArgs(1),
	Run:  runExport,
}

func init() {
	rootCmd.AddCommand(exportCmd)
	exportCmd.Flags().BoolVar(&exportNoNodes, "no-nodes", false, "Leave nodes out")
	exportCmd.Flags().BoolVar(&exportNoWays, "no-ways", false, "Leave ways out")
	exportCmd.Flags().BoolVar(&exportNoRelations, "no-relations", false, "Leave relations out")
	exportCmd.Flags().IntVar(&exportPageSize, "page-size", 0, "Entities loaded per query (default 1000)")
}

func runExport(cmd *cobra.Command, args []string) {
	ctx, cancel := commandContext()
	defer cancel()

	opts := storeOptions()
	opts.CreateSchema = false
	r, err := store.OpenReader(ctx, opts)
	if err != nil {
		exitWithError("failed to open reader", err)
	}
	defer r.Close()

	var out io.Writer = os.Stdout
	var closeOut func() error
	if len(args) == 1 {
		out, closeOut, err = createOutput(args[0])
		if err != nil {
			exitWithError("failed to create output", err)
		}
	}

	n, err := exportStore(ctx, r, out, exportOptions()...)
	if closeOut != nil {
		err = multierr.Append(err, closeOut())
	}
	if err != nil {
		exitWithError("export failed", err)
	}
	logger.Get().Info("Export complete", zap.Int64("entities", n))
}

func exportOptions() []store.StreamOption {
	var opts []store.StreamOption
	if exportNoNodes {
		opts = append(opts, store.SkipKind(osm.TypeNode))
	}
	if exportNoWays {
		opts = append(opts, store.SkipKind(osm.TypeWay))
	}
	if exportNoRelations {
		opts = append(opts, store.SkipKind(osm.TypeRelation))
	}
	if exportPageSize > 0 {
		opts = append(opts, store.WithPageSize(exportPageSize))
	}
	return opts
}

// createOutput opens path for writing, gzip compressed for a .gz suffix.
func createOutput(path string) (io.Writer, func() error, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, err
	}
	if !strings.HasSuffix(path, ".gz") {
		return f, f.Close, nil
	}
	zw := gzip.NewWriter(f)
	return zw, func() error {
		return multierr.Append(zw.Close(), f.Close())
	}, nil
}

// exportStore streams the store into w as one <osm> document and returns
// the number of entities written.
func exportStore(ctx context.Context, r *store.Reader, w io.Writer, opts ...store.StreamOption) (int64, error) {
	if _, err := io.WriteString(w, xml.Header); err != nil {
		return 0, err
	}
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")

	root := xml.StartElement{
		Name: xml.Name{Local: "osm"},
		Attr: []xml.Attr{
			{Name: xml.Name{Local: "version"}, Value: "0.6"},
			{Name: xml.Name{Local: "generator"}, Value: "osmsql"},
		},
	}
	if err := enc.EncodeToken(root); err != nil {
		return 0, err
	}

	s := r.Stream(ctx, opts...)
	defer s.Close()

	var n int64
	for s.Scan() {
		if err := enc.Encode(s.Object()); err != nil {
			return n, fmt.Errorf("encode %s: %w", s.Object().ObjectID(), err)
		}
		n++
	}
	if err := s.Err(); err != nil {
		return n, err
	}

	if err := enc.EncodeToken(root.End()); err != nil {
		return n, err
	}
	if err := enc.Flush(); err != nil {
		return n, err
	}
	_, err := io.WriteString(w, "\n")
	return n, err
}
