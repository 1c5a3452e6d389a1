package store

import (
	"context"
	"database/sql"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/paulmach/osm"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/wegman-software/osmsql-go/internal/idbatch"
	"github.com/wegman-software/osmsql-go/internal/tiles"
)

// maxPrefilterTiles bounds the tile list of a bounding box query. Larger
// boxes are answered by the coordinate range alone.
const maxPrefilterTiles = 20000

// tagCache maps surrogate tag ids to tag sets per kind. Entries are only
// ever added, so one cache is shared by a reader and all of its copies.
type tagCache map[osm.Type]*xsync.MapOf[int64, osm.Tags]

func newTagCache() tagCache {
	return tagCache{
		osm.TypeNode:     xsync.NewMapOf[int64, osm.Tags](),
		osm.TypeWay:      xsync.NewMapOf[int64, osm.Tags](),
		osm.TypeRelation: xsync.NewMapOf[int64, osm.Tags](),
	}
}

// Reader loads entities from a store. A Reader is used from one goroutine;
// ConcurrentCopy gives other goroutines their own.
type Reader struct {
	conn   *Conn
	schema *schema
	zoom   int
	tags   tagCache
}

// NewReader creates a reader on c.
func NewReader(c *Conn) *Reader {
	return &Reader{conn: c, schema: c.schema, zoom: c.opts.TileZoom, tags: newTagCache()}
}

// OpenReader opens an owned connection and creates a reader on it.
func OpenReader(ctx context.Context, opts Options) (*Reader, error) {
	c, err := Open(ctx, opts)
	if err != nil {
		return nil, err
	}
	return NewReader(c), nil
}

// SupportsConcurrentCopies reports true: copies share only the tag cache.
func (r *Reader) SupportsConcurrentCopies() bool { return true }

// ConcurrentCopy returns a reader on a new connection to the same store.
func (r *Reader) ConcurrentCopy(ctx context.Context) (*Reader, error) {
	c, err := r.conn.reopen(ctx)
	if err != nil {
		return nil, err
	}
	return &Reader{conn: c, schema: r.schema, zoom: r.zoom, tags: r.tags}, nil
}

// Close closes the connection if the reader owns it.
func (r *Reader) Close() error {
	return r.conn.Close()
}

// Conn returns the reader's connection.
func (r *Reader) Conn() *Conn { return r.conn }

// TileZoom returns the zoom level nodes are indexed at.
func (r *Reader) TileZoom() int { return r.zoom }

// GetNodes returns the nodes with the given ids, ordered by id. Unknown
// ids are skipped.
func (r *Reader) GetNodes(ctx context.Context, ids []osm.NodeID) ([]*osm.Node, error) {
	found := make(map[osm.NodeID]*osm.Node, len(ids))
	for _, chunk := range idbatch.Chunk(idbatch.Unique(ids), 0) {
		if err := r.loadNodes(ctx, found, "id IN ("+idbatch.ToLiteralList(chunk)+")"); err != nil {
			return nil, err
		}
	}
	return sortedByID(found), nil
}

// GetNodesForTiles returns the nodes indexed under the given tile ids.
func (r *Reader) GetNodesForTiles(ctx context.Context, tileIDs []int64) ([]*osm.Node, error) {
	found := make(map[osm.NodeID]*osm.Node)
	for _, chunk := range idbatch.Chunk(idbatch.Unique(tileIDs), 0) {
		if err := r.loadNodes(ctx, found, "tile IN ("+idbatch.ToLiteralList(chunk)+")"); err != nil {
			return nil, err
		}
	}
	return sortedByID(found), nil
}

// GetNodesInBoundingBox returns the nodes inside box, edges included.
func (r *Reader) GetNodesInBoundingBox(ctx context.Context, box tiles.BBox) ([]*osm.Node, error) {
	rangeSQL := "latitude >= ? AND latitude <= ? AND longitude >= ? AND longitude <= ?"
	args := []any{
		tiles.GeoToStorable(box.MinLat), tiles.GeoToStorable(box.MaxLat),
		tiles.GeoToStorable(box.MinLon), tiles.GeoToStorable(box.MaxLon),
	}

	found := make(map[osm.NodeID]*osm.Node)
	if tiles.BBoxToTileRange(box.Quantized(), r.zoom).TileCount() > maxPrefilterTiles {
		if err := r.loadNodes(ctx, found, rangeSQL, args...); err != nil {
			return nil, err
		}
		return sortedByID(found), nil
	}

	for _, chunk := range idbatch.Chunk(tiles.TileRangeFor(box, r.zoom), 0) {
		where := "tile IN (" + idbatch.ToLiteralList(chunk) + ") AND " + rangeSQL
		if err := r.loadNodes(ctx, found, where, args...); err != nil {
			return nil, err
		}
	}
	return sortedByID(found), nil
}

// GetNodesForWays returns every node referenced by the given ways.
func (r *Reader) GetNodesForWays(ctx context.Context, wayIDs []osm.WayID) ([]*osm.Node, error) {
	nodeIDs, err := selectIDs(ctx, r.conn, "SELECT DISTINCT node_id FROM way_nodes WHERE way_id IN (%s)", wayIDs)
	if err != nil {
		return nil, fmt.Errorf("query way nodes: %w", err)
	}
	return r.GetNodes(ctx, convertIDs[int64, osm.NodeID](nodeIDs))
}

// GetWays returns the ways with the given ids, ordered by id.
func (r *Reader) GetWays(ctx context.Context, ids []osm.WayID) ([]*osm.Way, error) {
	found := make(map[osm.WayID]*osm.Way, len(ids))
	for _, chunk := range idbatch.Chunk(idbatch.Unique(ids), 0) {
		if err := r.loadWays(ctx, found, "id IN ("+idbatch.ToLiteralList(chunk)+")"); err != nil {
			return nil, err
		}
	}
	return sortedByID(found), nil
}

// GetWaysContainingNodes returns the ways referencing any of the nodes.
func (r *Reader) GetWaysContainingNodes(ctx context.Context, nodeIDs []osm.NodeID) ([]*osm.Way, error) {
	wayIDs, err := selectIDs(ctx, r.conn, "SELECT DISTINCT way_id FROM way_nodes WHERE node_id IN (%s)", nodeIDs)
	if err != nil {
		return nil, fmt.Errorf("query ways for nodes: %w", err)
	}
	return r.GetWays(ctx, convertIDs[int64, osm.WayID](wayIDs))
}

// GetRelations returns the relations with the given ids, ordered by id.
func (r *Reader) GetRelations(ctx context.Context, ids []osm.RelationID) ([]*osm.Relation, error) {
	found := make(map[osm.RelationID]*osm.Relation, len(ids))
	for _, chunk := range idbatch.Chunk(idbatch.Unique(ids), 0) {
		if err := r.loadRelations(ctx, found, "id IN ("+idbatch.ToLiteralList(chunk)+")"); err != nil {
			return nil, err
		}
	}
	return sortedByID(found), nil
}

// GetRelationsFor returns the relations that directly list the entity as a member.
func (r *Reader) GetRelationsFor(ctx context.Context, kind osm.Type, id int64) ([]*osm.Relation, error) {
	code, err := memberTypeCode(kind)
	if err != nil {
		return nil, err
	}
	return r.relationsWithMembers(ctx, map[int][]int64{code: {id}})
}

// GetRelationsContaining returns every relation that contains one of objs,
// directly or through other relations.
func (r *Reader) GetRelationsContaining(ctx context.Context, objs []osm.Object) ([]*osm.Relation, error) {
	return resolveClosure(ctx, objs, r.directRelations)
}

// directRelations returns the relations with a member among objs.
func (r *Reader) directRelations(ctx context.Context, objs []osm.Object) ([]*osm.Relation, error) {
	byCode := make(map[int][]int64, 3)
	for _, o := range objs {
		switch v := o.(type) {
		case *osm.Node:
			byCode[memberCodeNode] = append(byCode[memberCodeNode], int64(v.ID))
		case *osm.Way:
			byCode[memberCodeWay] = append(byCode[memberCodeWay], int64(v.ID))
		case *osm.Relation:
			byCode[memberCodeRelation] = append(byCode[memberCodeRelation], int64(v.ID))
		default:
			return nil, fmt.Errorf("unsupported object %T", o)
		}
	}
	return r.relationsWithMembers(ctx, byCode)
}

func (r *Reader) relationsWithMembers(ctx context.Context, byCode map[int][]int64) ([]*osm.Relation, error) {
	var relIDs []int64
	for _, code := range slices.Sorted(maps.Keys(byCode)) {
		ids, err := selectIDs(ctx, r.conn,
			"SELECT DISTINCT relation_id FROM relation_members WHERE member_type = ? AND member_id IN (%s)",
			byCode[code], code)
		if err != nil {
			return nil, fmt.Errorf("query relations for members: %w", err)
		}
		relIDs = append(relIDs, ids...)
	}
	return r.GetRelations(ctx, convertIDs[int64, osm.RelationID](relIDs))
}

// UniqueTagCombinations returns the distinct tag sets stored for a kind,
// each sorted by key. When keys is not empty only those keys are considered.
// For the compact variant the denormalized name is not part of any set.
func (r *Reader) UniqueTagCombinations(ctx context.Context, kind osm.Type, keys []string) ([]osm.Tags, error) {
	k, err := r.schema.kind(kind)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf("SELECT %s, tag_key, value FROM %s", k.tagOwner, k.tags.name)
	args := make([]any, 0, len(keys))
	if len(keys) > 0 {
		query += " WHERE tag_key IN (" + placeholders(len(keys)) + ")"
		for _, key := range keys {
			args = append(args, key)
		}
	}
	query += " ORDER BY " + k.tagOwner

	groups, err := queryTagGroups(ctx, r.conn, r.conn.dialect.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query %s tags: %w", kind, err)
	}

	unique := make(map[string]osm.Tags, len(groups))
	for _, g := range groups {
		key := canonicalTags(g.tags)
		if _, ok := unique[key]; !ok {
			g.tags.SortByKeyValue()
			unique[key] = g.tags
		}
	}

	out := make([]osm.Tags, 0, len(unique))
	for _, key := range slices.Sorted(maps.Keys(unique)) {
		out = append(out, unique[key])
	}
	return out, nil
}

// metaRow receives the metadata columns shared by all entity tables.
type metaRow struct {
	changeset sql.NullInt64
	visible   sql.NullBool
	timestamp sql.NullInt64
	version   sql.NullInt64
	user      sql.NullString
	userID    sql.NullInt64

	// compact variant only
	tagsID sql.NullInt64
	name   sql.NullString
}

func (m *metaRow) dest(compact bool) []any {
	d := []any{&m.changeset, &m.visible, &m.timestamp, &m.version, &m.user, &m.userID}
	if compact {
		d = append(d, &m.tagsID, &m.name)
	}
	return d
}

func (m *metaRow) ref() tagRef {
	return tagRef{tagsID: m.tagsID, name: m.name}
}

// tagRef locates the tags of one entity in the compact variant.
type tagRef struct {
	tagsID sql.NullInt64
	name   sql.NullString
}

func (r *Reader) compact() bool { return r.schema.variant == VariantCompact }

func (r *Reader) selectCore(ctx context.Context, t *tableDef, where string, args []any) (*sql.Rows, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s", strings.Join(t.columnNames(), ", "), t.name, where)
	rows, err := r.conn.db.QueryContext(ctx, r.conn.dialect.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", t.name, err)
	}
	return rows, nil
}

// loadNodes adds the nodes matching where to found. Nodes already present
// are kept.
func (r *Reader) loadNodes(ctx context.Context, found map[osm.NodeID]*osm.Node, where string, args ...any) error {
	rows, err := r.selectCore(ctx, r.schema.node, where, args)
	if err != nil {
		return err
	}
	defer rows.Close()

	var ids []int64
	refs := make(map[int64]tagRef)
	for rows.Next() {
		var (
			id       int64
			lat, lon int32
			tile     int64
			m        metaRow
		)
		dest := append([]any{&id, &lat, &lon, &tile}, m.dest(r.compact())...)
		if err := rows.Scan(dest...); err != nil {
			return fmt.Errorf("scan node: %w", err)
		}
		if _, ok := found[osm.NodeID(id)]; ok {
			continue
		}
		found[osm.NodeID(id)] = &osm.Node{
			ID:          osm.NodeID(id),
			Lat:         tiles.StorableToGeo(lat),
			Lon:         tiles.StorableToGeo(lon),
			ChangesetID: osm.ChangesetID(m.changeset.Int64),
			Visible:     m.visible.Bool,
			Timestamp:   timestampFrom(m.timestamp),
			Version:     int(m.version.Int64),
			User:        m.user.String,
			UserID:      osm.UserID(m.userID.Int64),
		}
		ids = append(ids, id)
		refs[id] = m.ref()
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("read nodes: %w", err)
	}
	rows.Close()

	tags, err := r.resolveTags(ctx, osm.TypeNode, ids, refs)
	if err != nil {
		return err
	}
	for id, t := range tags {
		found[osm.NodeID(id)].Tags = t
	}
	return nil
}

func (r *Reader) loadWays(ctx context.Context, found map[osm.WayID]*osm.Way, where string, args ...any) error {
	rows, err := r.selectCore(ctx, r.schema.way, where, args)
	if err != nil {
		return err
	}
	defer rows.Close()

	loaded := make(map[osm.WayID]*osm.Way)
	refs := make(map[int64]tagRef)
	for rows.Next() {
		var (
			id int64
			m  metaRow
		)
		if err := rows.Scan(append([]any{&id}, m.dest(r.compact())...)...); err != nil {
			return fmt.Errorf("scan way: %w", err)
		}
		if _, ok := found[osm.WayID(id)]; ok {
			continue
		}
		if _, ok := loaded[osm.WayID(id)]; ok {
			continue
		}
		loaded[osm.WayID(id)] = &osm.Way{
			ID:          osm.WayID(id),
			ChangesetID: osm.ChangesetID(m.changeset.Int64),
			Visible:     m.visible.Bool,
			Timestamp:   timestampFrom(m.timestamp),
			Version:     int(m.version.Int64),
			User:        m.user.String,
			UserID:      osm.UserID(m.userID.Int64),
		}
		refs[id] = m.ref()
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("read ways: %w", err)
	}
	rows.Close()

	ids := convertIDs[osm.WayID, int64](slices.Sorted(maps.Keys(loaded)))
	tags, err := r.resolveTags(ctx, osm.TypeWay, ids, refs)
	if err != nil {
		return err
	}
	for id, t := range tags {
		loaded[osm.WayID(id)].Tags = t
	}

	for _, chunk := range idbatch.Chunk(ids, 0) {
		if err := r.attachWayNodes(ctx, loaded, chunk); err != nil {
			return err
		}
	}

	maps.Copy(found, loaded)
	return nil
}

func (r *Reader) attachWayNodes(ctx context.Context, ways map[osm.WayID]*osm.Way, ids []int64) error {
	query := "SELECT way_id, node_id FROM way_nodes WHERE way_id IN (" +
		idbatch.ToLiteralList(ids) + ") ORDER BY way_id, sequence_id"
	rows, err := r.conn.db.QueryContext(ctx, query)
	if err != nil {
		return fmt.Errorf("query way nodes: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var wayID, nodeID int64
		if err := rows.Scan(&wayID, &nodeID); err != nil {
			return fmt.Errorf("scan way node: %w", err)
		}
		w, ok := ways[osm.WayID(wayID)]
		if !ok {
			return fmt.Errorf("%w: way_nodes row for way %d", ErrMissingParent, wayID)
		}
		w.Nodes = append(w.Nodes, osm.WayNode{ID: osm.NodeID(nodeID)})
	}
	return rows.Err()
}

func (r *Reader) loadRelations(ctx context.Context, found map[osm.RelationID]*osm.Relation, where string, args ...any) error {
	rows, err := r.selectCore(ctx, r.schema.relation, where, args)
	if err != nil {
		return err
	}
	defer rows.Close()

	loaded := make(map[osm.RelationID]*osm.Relation)
	refs := make(map[int64]tagRef)
	for rows.Next() {
		var (
			id int64
			m  metaRow
		)
		if err := rows.Scan(append([]any{&id}, m.dest(r.compact())...)...); err != nil {
			return fmt.Errorf("scan relation: %w", err)
		}
		if _, ok := found[osm.RelationID(id)]; ok {
			continue
		}
		if _, ok := loaded[osm.RelationID(id)]; ok {
			continue
		}
		loaded[osm.RelationID(id)] = &osm.Relation{
			ID:          osm.RelationID(id),
			ChangesetID: osm.ChangesetID(m.changeset.Int64),
			Visible:     m.visible.Bool,
			Timestamp:   timestampFrom(m.timestamp),
			Version:     int(m.version.Int64),
			User:        m.user.String,
			UserID:      osm.UserID(m.userID.Int64),
		}
		refs[id] = m.ref()
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("read relations: %w", err)
	}
	rows.Close()

	ids := convertIDs[osm.RelationID, int64](slices.Sorted(maps.Keys(loaded)))
	tags, err := r.resolveTags(ctx, osm.TypeRelation, ids, refs)
	if err != nil {
		return err
	}
	for id, t := range tags {
		loaded[osm.RelationID(id)].Tags = t
	}

	for _, chunk := range idbatch.Chunk(ids, 0) {
		if err := r.attachMembers(ctx, loaded, chunk); err != nil {
			return err
		}
	}

	maps.Copy(found, loaded)
	return nil
}

func (r *Reader) attachMembers(ctx context.Context, rels map[osm.RelationID]*osm.Relation, ids []int64) error {
	query := "SELECT relation_id, member_type, member_id, member_role FROM relation_members WHERE relation_id IN (" +
		idbatch.ToLiteralList(ids) + ") ORDER BY relation_id, sequence_id"
	rows, err := r.conn.db.QueryContext(ctx, query)
	if err != nil {
		return fmt.Errorf("query relation members: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			relID, code, memberID int64
			role                  sql.NullString
		)
		if err := rows.Scan(&relID, &code, &memberID, &role); err != nil {
			return fmt.Errorf("scan relation member: %w", err)
		}
		typ, err := memberTypeFromCode(code)
		if err != nil {
			return fmt.Errorf("relation %d: %w", relID, err)
		}
		rel, ok := rels[osm.RelationID(relID)]
		if !ok {
			return fmt.Errorf("%w: relation_members row for relation %d", ErrMissingParent, relID)
		}
		rel.Members = append(rel.Members, osm.Member{Type: typ, Ref: memberID, Role: role.String})
	}
	return rows.Err()
}

// resolveTags returns the tags of the given entities keyed by entity id.
// Entities without tags are absent from the result.
func (r *Reader) resolveTags(ctx context.Context, kind osm.Type, ids []int64, refs map[int64]tagRef) (map[int64]osm.Tags, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	k := r.schema.kinds[kind]

	if !r.compact() {
		out := make(map[int64]osm.Tags)
		for _, chunk := range idbatch.Chunk(ids, 0) {
			query := fmt.Sprintf("SELECT %s, tag_key, value FROM %s WHERE %s IN (%s) ORDER BY %s",
				k.tagOwner, k.tags.name, k.tagOwner, idbatch.ToLiteralList(chunk), k.tagOwner)
			groups, err := queryTagGroups(ctx, r.conn, query)
			if err != nil {
				return nil, fmt.Errorf("query %s tags: %w", kind, err)
			}
			for _, g := range groups {
				out[g.id] = g.tags
			}
		}
		return out, nil
	}

	cache := r.tags[kind]
	var missing []int64
	for _, id := range ids {
		ref := refs[id]
		if !ref.tagsID.Valid {
			continue
		}
		if _, ok := cache.Load(ref.tagsID.Int64); !ok {
			missing = append(missing, ref.tagsID.Int64)
		}
	}

	for _, chunk := range idbatch.Chunk(idbatch.Unique(missing), 0) {
		query := fmt.Sprintf("SELECT id, tag_key, value FROM %s WHERE id IN (%s) ORDER BY id",
			k.tags.name, idbatch.ToLiteralList(chunk))
		groups, err := queryTagGroups(ctx, r.conn, query)
		if err != nil {
			return nil, fmt.Errorf("query %s tag sets: %w", kind, err)
		}
		for _, g := range groups {
			cache.Store(g.id, g.tags)
		}
	}

	out := make(map[int64]osm.Tags)
	for _, id := range ids {
		ref := refs[id]
		var tags osm.Tags
		if ref.tagsID.Valid {
			set, ok := cache.Load(ref.tagsID.Int64)
			if !ok {
				return nil, fmt.Errorf("%w: %s %d references tag set %d", ErrMissingParent, kind, id, ref.tagsID.Int64)
			}
			tags = slices.Clone(set)
		}
		if ref.name.Valid {
			tags = addTag(tags, "name", ref.name.String)
		}
		if len(tags) > 0 {
			out[id] = tags
		}
	}
	return out, nil
}

// selectIDs runs format, whose %s receives a literal id list, once per chunk
// of ids and returns the distinct first column values. args precede the list.
func selectIDs[T idbatch.ID](ctx context.Context, c *Conn, format string, ids []T, args ...any) ([]int64, error) {
	var out []int64
	for _, chunk := range idbatch.Chunk(idbatch.Unique(ids), 0) {
		query := c.dialect.rebind(fmt.Sprintf(format, idbatch.ToLiteralList(chunk)))
		var found []int64
		if err := c.db.SelectContext(ctx, &found, query, args...); err != nil {
			return nil, err
		}
		out = append(out, found...)
	}
	return idbatch.Unique(out), nil
}

func convertIDs[T, U idbatch.ID](in []T) []U {
	out := make([]U, len(in))
	for i, v := range in {
		out[i] = U(v)
	}
	return out
}

func sortedByID[K idbatch.ID, V any](m map[K]V) []V {
	out := make([]V, 0, len(m))
	for _, k := range slices.Sorted(maps.Keys(m)) {
		out = append(out, m[k])
	}
	return out
}

// Kind returns "sqlite" or "postgres".
func (r *Reader) Kind() string { return r.conn.dialect.name }

// Variant returns the schema variant the reader decodes.
func (r *Reader) Variant() Variant { return r.schema.variant }
