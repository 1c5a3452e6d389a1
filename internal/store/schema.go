package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/paulmach/osm"
	"go.uber.org/zap"

	"github.com/wegman-software/osmsql-go/internal/logger"
)

type column struct {
	name string
	typ  string
}

// tableDef describes one table. Primary key columns come first in
// columns, in key order.
type tableDef struct {
	name    string
	columns []column
	key     []string
}

func (t *tableDef) columnNames() []string {
	names := make([]string, len(t.columns))
	for i, c := range t.columns {
		names[i] = c.name
	}
	return names
}

// valueColumns returns the non-key columns.
func (t *tableDef) valueColumns() []string {
	return t.columnNames()[len(t.key):]
}

func (t *tableDef) createSQL() string {
	defs := make([]string, 0, len(t.columns)+1)
	for _, c := range t.columns {
		defs = append(defs, c.name+" "+c.typ)
	}
	defs = append(defs, "PRIMARY KEY ("+strings.Join(t.key, ", ")+")")
	return fmt.Sprintf("CREATE TABLE %s (\n\t%s\n)", t.name, strings.Join(defs, ",\n\t"))
}

type indexDef struct {
	name    string
	table   string
	columns []string
}

func (i indexDef) createSQL() string {
	return fmt.Sprintf("CREATE INDEX %s ON %s (%s)", i.name, i.table, strings.Join(i.columns, ", "))
}

// kindDef binds an entity kind to its tables.
type kindDef struct {
	kind     osm.Type
	code     int
	entity   *tableDef
	tags     *tableDef
	tagOwner string // owner column of the tags table: <kind>_id, or id for compact
}

// schema is the full table layout of one variant.
type schema struct {
	variant         Variant
	node            *tableDef
	nodeTags        *tableDef
	way             *tableDef
	wayTags         *tableDef
	wayNodes        *tableDef
	relation        *tableDef
	relationTags    *tableDef
	relationMembers *tableDef
	indexes         []indexDef
	kinds           map[osm.Type]*kindDef
}

var metaColumns = []column{
	{"changeset_id", "BIGINT"},
	{"visible", "BOOLEAN"},
	{"time_stamp", "BIGINT"},
	{"version", "INTEGER"},
	{"usr", "VARCHAR(100)"},
	{"usr_id", "BIGINT"},
}

var compactColumns = []column{
	{"tags_id", "BIGINT"},
	{"name", "VARCHAR(500)"},
}

func entityTable(name string, variant Variant, extra ...column) *tableDef {
	cols := []column{{"id", "BIGINT NOT NULL"}}
	cols = append(cols, extra...)
	cols = append(cols, metaColumns...)
	if variant == VariantCompact {
		cols = append(cols, compactColumns...)
	}
	return &tableDef{name: name, columns: cols, key: []string{"id"}}
}

func tagTable(kind string, variant Variant) *tableDef {
	owner := kind + "_id"
	if variant == VariantCompact {
		owner = "id"
	}
	return &tableDef{
		name: kind + "_tags",
		columns: []column{
			{owner, "BIGINT NOT NULL"},
			{"tag_key", "VARCHAR(100) NOT NULL"},
			{"value", "VARCHAR(500)"},
		},
		key: []string{owner, "tag_key"},
	}
}

func newSchema(variant Variant) *schema {
	s := &schema{
		variant: variant,
		node: entityTable("node", variant,
			column{"latitude", "INTEGER NOT NULL"},
			column{"longitude", "INTEGER NOT NULL"},
			column{"tile", "BIGINT NOT NULL"},
		),
		nodeTags: tagTable("node", variant),
		way:      entityTable("way", variant),
		wayTags:  tagTable("way", variant),
		wayNodes: &tableDef{
			name: "way_nodes",
			columns: []column{
				{"way_id", "BIGINT NOT NULL"},
				{"node_id", "BIGINT NOT NULL"},
				{"sequence_id", "INTEGER NOT NULL"},
			},
			key: []string{"way_id", "node_id", "sequence_id"},
		},
		relation:     entityTable("relation", variant),
		relationTags: tagTable("relation", variant),
		relationMembers: &tableDef{
			name: "relation_members",
			columns: []column{
				{"relation_id", "BIGINT NOT NULL"},
				{"member_type", "INTEGER NOT NULL"},
				{"member_id", "BIGINT NOT NULL"},
				{"member_role", "VARCHAR(100) NOT NULL"},
				{"sequence_id", "INTEGER NOT NULL"},
			},
			key: []string{"relation_id", "member_type", "member_id", "member_role", "sequence_id"},
		},
		indexes: []indexDef{
			{"IDX_NODE_TILE", "node", []string{"tile"}},
			{"IDX_WAY_NODES_NODE", "way_nodes", []string{"node_id"}},
			{"IDX_WAY_NODES_WAY_SEQUENCE", "way_nodes", []string{"way_id", "sequence_id"}},
			{"IDX_RELATION_MEMBERS_MEMBER_TYPE_SEQUENCE", "relation_members", []string{"member_id", "member_type", "sequence_id"}},
		},
	}

	if variant == VariantCompact {
		s.indexes = append(s.indexes,
			indexDef{"IDX_NODE_TAGS_ID", "node", []string{"tags_id"}},
			indexDef{"IDX_WAY_TAGS_ID", "way", []string{"tags_id"}},
			indexDef{"IDX_RELATION_TAGS_ID", "relation", []string{"tags_id"}},
		)
	}

	s.kinds = map[osm.Type]*kindDef{
		osm.TypeNode:     {kind: osm.TypeNode, code: memberCodeNode, entity: s.node, tags: s.nodeTags},
		osm.TypeWay:      {kind: osm.TypeWay, code: memberCodeWay, entity: s.way, tags: s.wayTags},
		osm.TypeRelation: {kind: osm.TypeRelation, code: memberCodeRelation, entity: s.relation, tags: s.relationTags},
	}
	for _, k := range s.kinds {
		k.tagOwner = k.tags.key[0]
	}
	return s
}

// tables returns every table in creation order.
func (s *schema) tables() []*tableDef {
	return []*tableDef{
		s.node, s.nodeTags,
		s.way, s.wayTags, s.wayNodes,
		s.relation, s.relationTags, s.relationMembers,
	}
}

func (s *schema) kind(t osm.Type) (*kindDef, error) {
	k, ok := s.kinds[t]
	if !ok {
		return nil, fmt.Errorf("unsupported entity type %q", t)
	}
	return k, nil
}

// EnsureSchema creates every missing table and index of the connection's variant.
func EnsureSchema(ctx context.Context, c *Conn) error {
	log := logger.Get()
	s := c.schema

	for _, t := range s.tables() {
		exists, err := c.tableExists(ctx, t.name)
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		log.Info("Creating table", zap.String("table", t.name), zap.String("variant", string(s.variant)))
		if _, err := c.db.ExecContext(ctx, t.createSQL()); err != nil {
			return fmt.Errorf("failed to create table %s: %w", t.name, err)
		}
	}

	for _, idx := range s.indexes {
		exists, err := c.indexExists(ctx, idx.name)
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		log.Info("Creating index", zap.String("index", idx.name), zap.String("table", idx.table))
		if _, err := c.db.ExecContext(ctx, idx.createSQL()); err != nil {
			return fmt.Errorf("failed to create index %s: %w", idx.name, err)
		}
	}

	return nil
}

// HasSchema reports whether every table of the connection's variant exists.
func HasSchema(ctx context.Context, c *Conn) (bool, error) {
	for _, t := range c.schema.tables() {
		exists, err := c.tableExists(ctx, t.name)
		if err != nil || !exists {
			return false, err
		}
	}
	return true, nil
}

// DropSchema drops all tables. Indexes go with them.
func DropSchema(ctx context.Context, c *Conn) error {
	log := logger.Get()
	for _, t := range c.schema.tables() {
		if _, err := c.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+t.name); err != nil {
			return fmt.Errorf("failed to drop table %s: %w", t.name, err)
		}
		log.Info("Dropped table", zap.String("table", t.name))
	}
	return nil
}

// PostFilter deletes nodes that carry no tags and are not referenced by any
// way or relation, then reclaims space. It returns the number of deleted nodes.
func PostFilter(ctx context.Context, c *Conn) (int64, error) {
	log := logger.Get()

	untagged := "id NOT IN (SELECT node_id FROM node_tags)"
	if c.schema.variant == VariantCompact {
		untagged = "tags_id IS NULL AND name IS NULL"
	}
	query := c.dialect.rebind(`DELETE FROM node
		WHERE id NOT IN (SELECT node_id FROM way_nodes)
		AND id NOT IN (SELECT member_id FROM relation_members WHERE member_type = ?)
		AND ` + untagged)

	res, err := c.db.ExecContext(ctx, query, memberCodeNode)
	if err != nil {
		return 0, fmt.Errorf("failed to delete unreferenced nodes: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}

	if _, err := c.db.ExecContext(ctx, "VACUUM"); err != nil {
		return deleted, fmt.Errorf("failed to vacuum: %w", err)
	}
	if c.dialect.isSQLite() {
		if _, err := c.db.ExecContext(ctx, "PRAGMA optimize"); err != nil {
			return deleted, fmt.Errorf("failed to optimize: %w", err)
		}
	}

	log.Info("Post filter complete", zap.Int64("nodes_deleted", deleted))
	return deleted, nil
}
