package store

import (
	"fmt"

	"github.com/wegman-software/osmsql-go/internal/tiles"
)

// Variant selects the table layout.
type Variant string

const (
	// VariantPlain stores one tag row per entity and key.
	VariantPlain Variant = "plain"
	// VariantCompact interns distinct tag sets behind a surrogate id and
	// keeps the name tag on the entity row.
	VariantCompact Variant = "compact"
)

// ParseVariant parses a variant name.
func ParseVariant(s string) (Variant, error) {
	switch Variant(s) {
	case VariantPlain, VariantCompact:
		return Variant(s), nil
	case "":
		return VariantPlain, nil
	}
	return "", fmt.Errorf("unknown schema variant %q (want plain or compact)", s)
}

// BatchSizes holds the flush threshold of every writer buffer.
type BatchSizes struct {
	Node            int `yaml:"node"`
	NodeTags        int `yaml:"node_tags"`
	Way             int `yaml:"way"`
	WayTags         int `yaml:"way_tags"`
	WayNodes        int `yaml:"way_nodes"`
	Relation        int `yaml:"relation"`
	RelationTags    int `yaml:"relation_tags"`
	RelationMembers int `yaml:"relation_members"`
}

// DefaultBatchSizes returns the default thresholds.
func DefaultBatchSizes() BatchSizes {
	return BatchSizes{
		Node:            128,
		NodeTags:        256,
		Way:             128,
		WayTags:         256,
		WayNodes:        256,
		Relation:        128,
		RelationTags:    256,
		RelationMembers: 128,
	}
}

// Uniform returns sizes with every buffer set to n.
func Uniform(n int) BatchSizes {
	return BatchSizes{n, n, n, n, n, n, n, n}
}

func (b BatchSizes) withDefaults() BatchSizes {
	d := DefaultBatchSizes()
	fill := func(v *int, def int) {
		if *v <= 0 {
			*v = def
		}
	}
	fill(&b.Node, d.Node)
	fill(&b.NodeTags, d.NodeTags)
	fill(&b.Way, d.Way)
	fill(&b.WayTags, d.WayTags)
	fill(&b.WayNodes, d.WayNodes)
	fill(&b.Relation, d.Relation)
	fill(&b.RelationTags, d.RelationTags)
	fill(&b.RelationMembers, d.RelationMembers)
	return b
}

// Options configures a store connection.
type Options struct {
	Driver       string  // sqlite3 or pgx
	DSN          string  // file path for sqlite3, connection string for pgx
	Variant      Variant // table layout
	TileZoom     int     // zoom level nodes are indexed at
	CreateSchema bool    // create missing tables and indexes on open
	BatchSizes   BatchSizes
}

func (o Options) withDefaults() Options {
	if o.Variant == "" {
		o.Variant = VariantPlain
	}
	if o.TileZoom <= 0 {
		o.TileZoom = tiles.DefaultZoom
	}
	o.BatchSizes = o.BatchSizes.withDefaults()
	return o
}
