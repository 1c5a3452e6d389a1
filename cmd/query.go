package cmd

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/paulmach/osm"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wegman-software/osmsql-go/internal/config"
	"github.com/wegman-software/osmsql-go/internal/logger"
	"github.com/wegman-software/osmsql-go/internal/store"
	"github.com/wegman-software/osmsql-go/internal/tagfilter"
	"github.com/wegman-software/osmsql-go/internal/tiles"
)

var (
	outputFormat string
	queryFilter  string
)

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "Read entities back as OSM JSON or XML",
	Long: `Query stored entities. Results are written to stdout as an OSM document.

Area queries (bbox, tile) return the nodes in the area, the ways using
them with all their nodes, and the relations containing any of these,
directly or through other relations.`,
}

func init() {
	rootCmd.AddCommand(queryCmd)
	queryCmd.PersistentFlags().StringVarP(&outputFormat, "format", "o", "json", "Output format: json or xml")
	queryCmd.PersistentFlags().StringVarP(&queryFilter, "filter", "f", "", "Tag filter YAML file applied to area results")

	queryCmd.AddCommand(
		&cobra.Command{
			Use:   "nodes <id>...",
			Short: "Nodes by id",
			Args:  cobra.MinimumNArgs(1),
			Run: withReader(func(ctx context.Context, r *store.Reader, args []string) (*store.Collection, error) {
				ids, err := parseIDs(args)
				if err != nil {
					return nil, err
				}
				nodes, err := r.GetNodes(ctx, convert[osm.NodeID](ids))
				return collect(nodes, err)
			}),
		},
		&cobra.Command{
			Use:   "ways <id>...",
			Short: "Ways by id, with their nodes",
			Args:  cobra.MinimumNArgs(1),
			Run: withReader(func(ctx context.Context, r *store.Reader, args []string) (*store.Collection, error) {
				ids, err := parseIDs(args)
				if err != nil {
					return nil, err
				}
				wayIDs := convert[osm.WayID](ids)
				ways, err := r.GetWays(ctx, wayIDs)
				if err != nil {
					return nil, err
				}
				nodes, err := r.GetNodesForWays(ctx, wayIDs)
				if err != nil {
					return nil, err
				}
				c, _ := collect(ways, nil)
				for _, n := range nodes {
					c.Add(n)
				}
				return c, nil
			}),
		},
		&cobra.Command{
			Use:   "relations <id>...",
			Short: "Relations by id",
			Args:  cobra.MinimumNArgs(1),
			Run: withReader(func(ctx context.Context, r *store.Reader, args []string) (*store.Collection, error) {
				ids, err := parseIDs(args)
				if err != nil {
					return nil, err
				}
				rels, err := r.GetRelations(ctx, convert[osm.RelationID](ids))
				return collect(rels, err)
			}),
		},
		&cobra.Command{
			Use:   "bbox <minlon,minlat,maxlon,maxlat>",
			Short: "Everything in a bounding box",
			Args:  cobra.ExactArgs(1),
			Run: withReader(func(ctx context.Context, r *store.Reader, args []string) (*store.Collection, error) {
				box, err := config.ParseBBox(args[0])
				if err != nil {
					return nil, err
				}
				if box == nil {
					return nil, fmt.Errorf("empty bbox")
				}
				return r.GetInBoundingBox(ctx, *box, areaFilter())
			}),
		},
		&cobra.Command{
			Use:   "tile <z/x/y>",
			Short: "Everything in a tile at the index zoom",
			Args:  cobra.ExactArgs(1),
			Run: withReader(func(ctx context.Context, r *store.Reader, args []string) (*store.Collection, error) {
				t, err := tiles.ParseTile(args[0])
				if err != nil {
					return nil, err
				}
				return r.GetInTile(ctx, t, areaFilter())
			}),
		},
		&cobra.Command{
			Use:   "containing <node|way|relation> <id>",
			Short: "Relations containing an entity, directly or transitively",
			Args:  cobra.ExactArgs(2),
			Run: withReader(func(ctx context.Context, r *store.Reader, args []string) (*store.Collection, error) {
				kind, err := parseKind(args[0])
				if err != nil {
					return nil, err
				}
				ids, err := parseIDs(args[1:])
				if err != nil {
					return nil, err
				}
				rels, err := r.GetRelationsContaining(ctx, []osm.Object{stub(kind, ids[0])})
				return collect(rels, err)
			}),
		},
		&cobra.Command{
			Use:   "tagged <node|way|relation> <key[=value[,value]]>...",
			Short: "Entities carrying any of the given tags",
			Args:  cobra.MinimumNArgs(2),
			Run: withReader(func(ctx context.Context, r *store.Reader, args []string) (*store.Collection, error) {
				kind, err := parseKind(args[0])
				if err != nil {
					return nil, err
				}
				return r.GetByTags(ctx, kind, parseTagArgs(args[1:]))
			}),
		},
	)
}

type readerFunc func(ctx context.Context, r *store.Reader, args []string) (*store.Collection, error)

// withReader opens a reader, runs fn and writes the collection to stdout.
func withReader(fn readerFunc) func(*cobra.Command, []string) {
	return func(cmd *cobra.Command, args []string) {
		ctx, cancel := commandContext()
		defer cancel()

		opts := storeOptions()
		opts.CreateSchema = false
		r, err := store.OpenReader(ctx, opts)
		if err != nil {
			exitWithError("failed to open reader", err)
		}
		defer r.Close()

		c, err := fn(ctx, r, args)
		if err != nil {
			exitWithError(cmd.CommandPath()+" failed", err)
		}
		logger.Get().Debug("Query complete",
			zap.Int("nodes", len(c.Nodes)),
			zap.Int("ways", len(c.Ways)),
			zap.Int("relations", len(c.Relations)))

		if err := writeOSM(os.Stdout, c.OSM(), outputFormat); err != nil {
			exitWithError("failed to write output", err)
		}
	}
}

func areaFilter() store.Filter {
	if queryFilter == "" {
		return nil
	}
	fc, err := tagfilter.LoadConfig(queryFilter)
	if err != nil {
		exitWithError("failed to load filter", err)
	}
	return tagfilter.New(fc).Match
}

func writeOSM(w io.Writer, o *osm.OSM, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(o)
	case "xml":
		if _, err := io.WriteString(w, xml.Header); err != nil {
			return err
		}
		enc := xml.NewEncoder(w)
		enc.Indent("", "  ")
		if err := enc.Encode(o); err != nil {
			return err
		}
		_, err := io.WriteString(w, "\n")
		return err
	}
	return fmt.Errorf("unknown format %q (want json or xml)", format)
}

func collect[T osm.Object](objs []T, err error) (*store.Collection, error) {
	if err != nil {
		return nil, err
	}
	c := store.NewCollection()
	for _, o := range objs {
		c.Add(o)
	}
	return c, nil
}

func convert[T ~int64](ids []int64) []T {
	out := make([]T, len(ids))
	for i, id := range ids {
		out[i] = T(id)
	}
	return out
}

// stub returns an object carrying only its id.
func stub(kind osm.Type, id int64) osm.Object {
	switch kind {
	case osm.TypeNode:
		return &osm.Node{ID: osm.NodeID(id)}
	case osm.TypeWay:
		return &osm.Way{ID: osm.WayID(id)}
	}
	return &osm.Relation{ID: osm.RelationID(id)}
}

// parseTagArgs turns key=v1,v2 arguments into a tag query. A bare key
// matches any value.
func parseTagArgs(args []string) map[string][]string {
	out := make(map[string][]string, len(args))
	for _, a := range args {
		key, values, ok := strings.Cut(a, "=")
		if !ok {
			out[key] = nil
			continue
		}
		out[key] = append(out[key], strings.Split(values, ",")...)
	}
	return out
}
