package store

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/paulmach/osm"

	"github.com/wegman-software/osmsql-go/internal/tiles"
)

// Filter reports whether an entity belongs in a result. A nil Filter keeps
// everything.
type Filter func(osm.Object) bool

// Collection is a set of entities keyed by id.
type Collection struct {
	Nodes     map[osm.NodeID]*osm.Node
	Ways      map[osm.WayID]*osm.Way
	Relations map[osm.RelationID]*osm.Relation
}

// NewCollection returns an empty collection.
func NewCollection() *Collection {
	return &Collection{
		Nodes:     make(map[osm.NodeID]*osm.Node),
		Ways:      make(map[osm.WayID]*osm.Way),
		Relations: make(map[osm.RelationID]*osm.Relation),
	}
}

// Add inserts o, replacing an entity of the same kind and id.
func (c *Collection) Add(o osm.Object) {
	switch v := o.(type) {
	case *osm.Node:
		c.Nodes[v.ID] = v
	case *osm.Way:
		c.Ways[v.ID] = v
	case *osm.Relation:
		c.Relations[v.ID] = v
	}
}

func (c *Collection) addNodes(nodes []*osm.Node) {
	for _, n := range nodes {
		c.Nodes[n.ID] = n
	}
}

func (c *Collection) addWays(ways []*osm.Way) {
	for _, w := range ways {
		c.Ways[w.ID] = w
	}
}

func (c *Collection) addRelations(rels []*osm.Relation) {
	for _, r := range rels {
		c.Relations[r.ID] = r
	}
}

// Len returns the number of entities of all kinds.
func (c *Collection) Len() int {
	return len(c.Nodes) + len(c.Ways) + len(c.Relations)
}

// Objects returns nodes, then ways, then relations, each ordered by id.
func (c *Collection) Objects() []osm.Object {
	out := make([]osm.Object, 0, c.Len())
	for _, n := range sortedByID(c.Nodes) {
		out = append(out, n)
	}
	for _, w := range sortedByID(c.Ways) {
		out = append(out, w)
	}
	for _, r := range sortedByID(c.Relations) {
		out = append(out, r)
	}
	return out
}

// OSM returns the collection as an osm document ordered by id.
func (c *Collection) OSM() *osm.OSM {
	return &osm.OSM{
		Version:   "0.6",
		Generator: "osmsql",
		Nodes:     sortedByID(c.Nodes),
		Ways:      sortedByID(c.Ways),
		Relations: sortedByID(c.Relations),
	}
}

func (c *Collection) filter(keep Filter) {
	if keep == nil {
		return
	}
	maps.DeleteFunc(c.Nodes, func(_ osm.NodeID, n *osm.Node) bool { return !keep(n) })
	maps.DeleteFunc(c.Ways, func(_ osm.WayID, w *osm.Way) bool { return !keep(w) })
	maps.DeleteFunc(c.Relations, func(_ osm.RelationID, r *osm.Relation) bool { return !keep(r) })
}

// GetInBoundingBox returns the nodes inside box, the ways using them and
// every relation containing any of those.
func (r *Reader) GetInBoundingBox(ctx context.Context, box tiles.BBox, keep Filter) (*Collection, error) {
	nodes, err := r.GetNodesInBoundingBox(ctx, box)
	if err != nil {
		return nil, err
	}
	return r.expand(ctx, nodes, keep)
}

// GetInTiles is GetInBoundingBox seeded with the nodes of the given tiles.
func (r *Reader) GetInTiles(ctx context.Context, tileIDs []int64, keep Filter) (*Collection, error) {
	nodes, err := r.GetNodesForTiles(ctx, tileIDs)
	if err != nil {
		return nil, err
	}
	return r.expand(ctx, nodes, keep)
}

// GetInTile returns the entities of a single tile, which must be at the
// reader's zoom.
func (r *Reader) GetInTile(ctx context.Context, t tiles.Tile, keep Filter) (*Collection, error) {
	if t.Z != r.zoom {
		return nil, fmt.Errorf("tile %s is not at index zoom %d", t, r.zoom)
	}
	return r.GetInTiles(ctx, []int64{t.ID()}, keep)
}

func (r *Reader) expand(ctx context.Context, nodes []*osm.Node, keep Filter) (*Collection, error) {
	c := NewCollection()
	c.addNodes(nodes)
	if len(nodes) == 0 {
		return c, nil
	}

	nodeIDs := make([]osm.NodeID, len(nodes))
	for i, n := range nodes {
		nodeIDs[i] = n.ID
	}
	ways, err := r.GetWaysContainingNodes(ctx, nodeIDs)
	if err != nil {
		return nil, err
	}
	c.addWays(ways)

	seeds := make([]osm.Object, 0, len(nodes)+len(ways))
	for _, n := range nodes {
		seeds = append(seeds, n)
	}
	for _, w := range ways {
		seeds = append(seeds, w)
	}
	rels, err := r.GetRelationsContaining(ctx, seeds)
	if err != nil {
		return nil, err
	}
	c.addRelations(rels)

	c.filter(keep)
	return c, nil
}

// GetByTags returns the entities of kind carrying any of the given tags. A
// key with no values matches any value. Ways come with their nodes.
func (r *Reader) GetByTags(ctx context.Context, kind osm.Type, tags map[string][]string) (*Collection, error) {
	k, err := r.schema.kind(kind)
	if err != nil {
		return nil, err
	}

	c := NewCollection()
	if len(tags) == 0 {
		return c, nil
	}

	var query string
	var args []any
	if r.compact() {
		query, args = compactTagQuery(k, tags)
	} else {
		cond, condArgs := tagConditions(tags, false)
		query = fmt.Sprintf("SELECT DISTINCT %s FROM %s WHERE %s", k.tagOwner, k.tags.name, cond)
		args = condArgs
	}

	var ids []int64
	if err := r.conn.db.SelectContext(ctx, &ids, r.conn.dialect.rebind(query), args...); err != nil {
		return nil, fmt.Errorf("query %s by tags: %w", kind, err)
	}

	switch kind {
	case osm.TypeNode:
		nodes, err := r.GetNodes(ctx, convertIDs[int64, osm.NodeID](ids))
		if err != nil {
			return nil, err
		}
		c.addNodes(nodes)
	case osm.TypeWay:
		wayIDs := convertIDs[int64, osm.WayID](ids)
		ways, err := r.GetWays(ctx, wayIDs)
		if err != nil {
			return nil, err
		}
		c.addWays(ways)
		nodes, err := r.GetNodesForWays(ctx, wayIDs)
		if err != nil {
			return nil, err
		}
		c.addNodes(nodes)
	case osm.TypeRelation:
		rels, err := r.GetRelations(ctx, convertIDs[int64, osm.RelationID](ids))
		if err != nil {
			return nil, err
		}
		c.addRelations(rels)
	}
	return c, nil
}

// tagConditions renders one OR'ed condition per key over tag_key and value.
// With skipName the name key is left out.
func tagConditions(tags map[string][]string, skipName bool) (string, []any) {
	var conds []string
	var args []any
	for _, key := range slices.Sorted(maps.Keys(tags)) {
		if skipName && key == "name" {
			continue
		}
		values := tags[key]
		args = append(args, key)
		if len(values) == 0 {
			conds = append(conds, "(tag_key = ?)")
			continue
		}
		conds = append(conds, "(tag_key = ? AND value IN ("+placeholders(len(values))+"))")
		for _, v := range values {
			args = append(args, v)
		}
	}
	return strings.Join(conds, " OR "), args
}

// compactTagQuery matches name against the entity column and every other
// key through the tag sets.
func compactTagQuery(k *kindDef, tags map[string][]string) (string, []any) {
	var conds []string
	var args []any

	if values, ok := tags["name"]; ok {
		if len(values) == 0 {
			conds = append(conds, "name IS NOT NULL")
		} else {
			conds = append(conds, "name IN ("+placeholders(len(values))+")")
			for _, v := range values {
				args = append(args, v)
			}
		}
	}

	if cond, condArgs := tagConditions(tags, true); cond != "" {
		conds = append(conds, fmt.Sprintf("tags_id IN (SELECT id FROM %s WHERE %s)", k.tags.name, cond))
		args = append(args, condArgs...)
	}

	return fmt.Sprintf("SELECT id FROM %s WHERE %s", k.entity.name, strings.Join(conds, " OR ")), args
}
