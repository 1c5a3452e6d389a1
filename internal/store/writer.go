package store

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync/atomic"

	"github.com/paulmach/osm"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/wegman-software/osmsql-go/internal/idbatch"
	"github.com/wegman-software/osmsql-go/internal/logger"
	"github.com/wegman-software/osmsql-go/internal/tiles"
)

// EntityFilter decides which entities are stored and which of their tags
// are kept.
type EntityFilter interface {
	Match(o osm.Object) bool
	FilterTags(kind osm.Type, tags osm.Tags) osm.Tags
}

// TileRecorder is notified of the position of every stored node.
type TileRecorder interface {
	ExpirePoint(lat, lon float64)
}

// WriterOption configures a Writer.
type WriterOption func(*Writer)

// WithFilter drops entities and tags rejected by f.
func WithFilter(f EntityFilter) WriterOption {
	return func(w *Writer) { w.filter = f }
}

// WithTileRecorder reports written node positions to r.
func WithTileRecorder(r TileRecorder) WriterOption {
	return func(w *Writer) { w.recorder = r }
}

// WithReplace makes every Add remove the stored version of the entity,
// with its tags, way nodes or members, before the new rows are written.
// Without it an Add of an id that is already stored replaces the entity
// row only and the caller must Delete first.
func WithReplace() WriterOption {
	return func(w *Writer) { w.replace = true }
}

// Writer buffers entities per table and writes them in batches. A Writer is
// used from one goroutine; its counters may be read from others.
//
// Deletes are queued per kind and run in one transaction before the next
// batch of any table is written, so a delete followed by an add of the same
// id leaves the added version.
type Writer struct {
	conn     *Conn
	schema   *schema
	zoom     int
	filter   EntityFilter
	recorder TileRecorder
	replace  bool
	opts     []WriterOption

	node, nodeTags, way, wayTags, wayNodes  *buffer
	relation, relationTags, relationMembers *buffer

	// flush order
	buffers []*buffer

	deletes map[osm.Type]map[int64]struct{}

	interners map[osm.Type]*tagInterner

	nodesAdded     atomic.Int64
	waysAdded      atomic.Int64
	relationsAdded atomic.Int64
	skipped        atomic.Int64
	deleted        atomic.Int64

	closed bool
}

// NewWriter creates a writer on c. For the compact variant the tag sets
// already stored are loaded so new ids continue after them.
func NewWriter(ctx context.Context, c *Conn, opts ...WriterOption) (*Writer, error) {
	s := c.schema
	sizes := c.opts.BatchSizes

	w := &Writer{
		conn:            c,
		schema:          s,
		zoom:            c.opts.TileZoom,
		opts:            opts,
		node:            newBuffer(c, s.node, sizes.Node),
		nodeTags:        newBuffer(c, s.nodeTags, sizes.NodeTags),
		way:             newBuffer(c, s.way, sizes.Way),
		wayTags:         newBuffer(c, s.wayTags, sizes.WayTags),
		wayNodes:        newBuffer(c, s.wayNodes, sizes.WayNodes),
		relation:        newBuffer(c, s.relation, sizes.Relation),
		relationTags:    newBuffer(c, s.relationTags, sizes.RelationTags),
		relationMembers: newBuffer(c, s.relationMembers, sizes.RelationMembers),
	}
	w.buffers = []*buffer{
		w.node, w.nodeTags,
		w.way, w.wayTags, w.wayNodes,
		w.relation, w.relationTags, w.relationMembers,
	}
	for _, b := range w.buffers {
		b.before = w.flushDeletes
	}
	w.deletes = map[osm.Type]map[int64]struct{}{
		osm.TypeNode:     {},
		osm.TypeWay:      {},
		osm.TypeRelation: {},
	}
	for _, opt := range opts {
		opt(w)
	}

	if s.variant == VariantCompact {
		w.interners = make(map[osm.Type]*tagInterner, len(s.kinds))
		for t, k := range s.kinds {
			in, err := loadTagInterner(ctx, c, k)
			if err != nil {
				return nil, err
			}
			w.interners[t] = in
		}
	}

	return w, nil
}

// OpenWriter opens an owned connection and creates a writer on it.
func OpenWriter(ctx context.Context, opts Options, wopts ...WriterOption) (*Writer, error) {
	c, err := Open(ctx, opts)
	if err != nil {
		return nil, err
	}
	w, err := NewWriter(ctx, c, wopts...)
	if err != nil {
		c.Close()
		return nil, err
	}
	return w, nil
}

// SupportsConcurrentCopies reports whether ConcurrentCopy is available.
// Compact writers share their tag interners and are not copyable.
func (w *Writer) SupportsConcurrentCopies() bool {
	return w.schema.variant == VariantPlain
}

// ConcurrentCopy returns an independent writer on a new connection.
func (w *Writer) ConcurrentCopy(ctx context.Context) (*Writer, error) {
	if !w.SupportsConcurrentCopies() {
		return nil, ErrConcurrentCopyUnsupported
	}
	c, err := w.conn.reopen(ctx)
	if err != nil {
		return nil, err
	}
	cp, err := NewWriter(ctx, c, w.opts...)
	if err != nil {
		c.Close()
		return nil, err
	}
	return cp, nil
}

// AddNode buffers a node, its tags and its tile. The tile is always
// computed from the coordinates.
func (w *Writer) AddNode(ctx context.Context, n *osm.Node) error {
	if w.closed {
		return ErrClosed
	}
	if w.filter != nil && !w.filter.Match(n) {
		w.skipped.Add(1)
		return nil
	}

	w.supersede(osm.TypeNode, int64(n.ID))

	row := []any{
		int64(n.ID),
		tiles.GeoToStorable(n.Lat),
		tiles.GeoToStorable(n.Lon),
		tiles.StoredTileIDFor(n.Lat, n.Lon, w.zoom),
	}
	row = appendMeta(row, int64(n.ChangesetID), n.Visible, timestampValue(n.Timestamp), n.Version, n.User, int64(n.UserID))

	row, err := w.addTags(ctx, osm.TypeNode, int64(n.ID), n.Tags, row)
	if err != nil {
		return err
	}
	if err := w.node.add(ctx, row); err != nil {
		return err
	}

	if w.recorder != nil {
		w.recorder.ExpirePoint(n.Lat, n.Lon)
	}
	w.nodesAdded.Add(1)
	return nil
}

// AddWay buffers a way, its tags and its ordered node references.
func (w *Writer) AddWay(ctx context.Context, way *osm.Way) error {
	if w.closed {
		return ErrClosed
	}
	if w.filter != nil && !w.filter.Match(way) {
		w.skipped.Add(1)
		return nil
	}

	w.supersede(osm.TypeWay, int64(way.ID))

	row := []any{int64(way.ID)}
	row = appendMeta(row, int64(way.ChangesetID), way.Visible, timestampValue(way.Timestamp), way.Version, way.User, int64(way.UserID))

	row, err := w.addTags(ctx, osm.TypeWay, int64(way.ID), way.Tags, row)
	if err != nil {
		return err
	}
	if err := w.way.add(ctx, row); err != nil {
		return err
	}

	for seq, wn := range way.Nodes {
		if err := w.wayNodes.add(ctx, []any{int64(way.ID), int64(wn.ID), seq}); err != nil {
			return err
		}
	}

	w.waysAdded.Add(1)
	return nil
}

// AddRelation buffers a relation, its tags and its ordered members.
func (w *Writer) AddRelation(ctx context.Context, r *osm.Relation) error {
	if w.closed {
		return ErrClosed
	}
	if w.filter != nil && !w.filter.Match(r) {
		w.skipped.Add(1)
		return nil
	}

	// Validate members before anything is buffered.
	codes := make([]int, len(r.Members))
	for i, m := range r.Members {
		code, err := memberTypeCode(m.Type)
		if err != nil {
			return fmt.Errorf("relation %d member %d: %w", r.ID, i, err)
		}
		codes[i] = code
	}

	w.supersede(osm.TypeRelation, int64(r.ID))

	row := []any{int64(r.ID)}
	row = appendMeta(row, int64(r.ChangesetID), r.Visible, timestampValue(r.Timestamp), r.Version, r.User, int64(r.UserID))

	row, err := w.addTags(ctx, osm.TypeRelation, int64(r.ID), r.Tags, row)
	if err != nil {
		return err
	}
	if err := w.relation.add(ctx, row); err != nil {
		return err
	}

	for seq, m := range r.Members {
		member := []any{int64(r.ID), codes[seq], m.Ref, truncate(m.Role, maxRoleLen), seq}
		if err := w.relationMembers.add(ctx, member); err != nil {
			return err
		}
	}

	w.relationsAdded.Add(1)
	return nil
}

// Add dispatches on the entity type.
func (w *Writer) Add(ctx context.Context, o osm.Object) error {
	switch v := o.(type) {
	case *osm.Node:
		return w.AddNode(ctx, v)
	case *osm.Way:
		return w.AddWay(ctx, v)
	case *osm.Relation:
		return w.AddRelation(ctx, v)
	}
	return fmt.Errorf("unsupported object %T", o)
}

func appendMeta(row []any, changeset int64, visible bool, ts any, version int, user string, uid int64) []any {
	return append(row, changeset, visible, ts, version, truncate(user, maxUserLen), uid)
}

// addTags buffers the tag rows of an entity. For the compact variant it
// interns the set and appends tags_id and name to the entity row instead.
func (w *Writer) addTags(ctx context.Context, kind osm.Type, id int64, raw osm.Tags, row []any) ([]any, error) {
	tags := normalizeTags(raw)
	if w.filter != nil {
		tags = w.filter.FilterTags(kind, tags)
	}

	k := w.schema.kinds[kind]
	buf := w.tagBuffer(kind)

	if w.schema.variant == VariantPlain {
		for _, t := range tags {
			if err := buf.add(ctx, []any{id, t.Key, t.Value}); err != nil {
				return nil, err
			}
		}
		return row, nil
	}

	var name any
	rest := tags
	if i := slices.IndexFunc(tags, func(t osm.Tag) bool { return t.Key == "name" }); i >= 0 {
		name = truncate(tags[i].Value, maxNameLen)
		rest = slices.Delete(slices.Clone(tags), i, i+1)
	}
	if len(rest) == 0 {
		return append(row, nil, name), nil
	}

	tagsID, isNew := w.interners[k.kind].Intern(rest)
	if isNew {
		for _, t := range rest {
			if err := buf.add(ctx, []any{tagsID, t.Key, t.Value}); err != nil {
				return nil, err
			}
		}
	}
	return append(row, tagsID, name), nil
}

func (w *Writer) tagBuffer(kind osm.Type) *buffer {
	switch kind {
	case osm.TypeWay:
		return w.wayTags
	case osm.TypeRelation:
		return w.relationTags
	}
	return w.nodeTags
}

// Flush runs the queued deletes and writes every buffered row, in node,
// node tag, way, way tag, way node, relation, relation tag, relation member
// order. On error the failing step and all later ones keep their rows and
// Flush may be retried.
func (w *Writer) Flush(ctx context.Context) error {
	if w.closed {
		return ErrClosed
	}
	if err := w.flushDeletes(ctx); err != nil {
		return err
	}
	for _, b := range w.buffers {
		if err := b.drain(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Pending returns the number of buffered rows across all tables.
func (w *Writer) Pending() int {
	n := 0
	for _, b := range w.buffers {
		n += b.pending()
	}
	return n
}

// PendingDeletes returns the number of queued deletes.
func (w *Writer) PendingDeletes() int {
	n := 0
	for _, ids := range w.deletes {
		n += len(ids)
	}
	return n
}

// Discard drops every buffered row and queued delete without writing them.
func (w *Writer) Discard() {
	for _, b := range w.buffers {
		b.reset(nil)
	}
	for _, ids := range w.deletes {
		clear(ids)
	}
}

// Close flushes, releases prepared statements and closes an owned connection.
func (w *Writer) Close(ctx context.Context) error {
	if w.closed {
		return nil
	}
	err := w.Flush(ctx)
	w.closed = true

	for _, b := range w.buffers {
		err = multierr.Append(err, b.close())
	}

	logger.Get().Info("Writer closed", w.Stats().Fields()...)

	return multierr.Append(err, w.conn.Close())
}

// DeleteNode queues the removal of a node with its tags.
func (w *Writer) DeleteNode(_ context.Context, id osm.NodeID) error {
	return w.delete(osm.TypeNode, int64(id))
}

// DeleteWay queues the removal of a way with its tags and node list.
func (w *Writer) DeleteWay(_ context.Context, id osm.WayID) error {
	return w.delete(osm.TypeWay, int64(id))
}

// DeleteRelation queues the removal of a relation with its tags and members.
func (w *Writer) DeleteRelation(_ context.Context, id osm.RelationID) error {
	return w.delete(osm.TypeRelation, int64(id))
}

func (w *Writer) delete(kind osm.Type, id int64) error {
	if w.closed {
		return ErrClosed
	}
	w.dropBuffered(kind, id, true)
	w.deletes[kind][id] = struct{}{}
	return nil
}

// supersede clears what an earlier Add of the same id left behind before
// the new version is buffered.
func (w *Writer) supersede(kind osm.Type, id int64) {
	w.dropBuffered(kind, id, false)
	if w.replace {
		w.deletes[kind][id] = struct{}{}
	}
}

// dropBuffered removes the buffered child rows of an entity and, for the
// plain variant, its tag rows. Interned tag sets are shared and stay.
func (w *Writer) dropBuffered(kind osm.Type, id int64, entity bool) {
	plain := w.schema.variant == VariantPlain
	switch kind {
	case osm.TypeNode:
		if entity {
			w.node.removeOwner(id)
		}
		if plain {
			w.nodeTags.removeOwner(id)
		}
	case osm.TypeWay:
		if entity {
			w.way.removeOwner(id)
		}
		w.wayNodes.removeOwner(id)
		if plain {
			w.wayTags.removeOwner(id)
		}
	case osm.TypeRelation:
		if entity {
			w.relation.removeOwner(id)
		}
		w.relationMembers.removeOwner(id)
		if plain {
			w.relationTags.removeOwner(id)
		}
	}
}

// deleteStatements returns the statements removing the stored rows of a
// kind. Each takes a literal id list for its %s.
func (w *Writer) deleteStatements(k *kindDef) []string {
	var stmts []string
	switch k.kind {
	case osm.TypeWay:
		stmts = append(stmts, "DELETE FROM way_nodes WHERE way_id IN (%s)")
	case osm.TypeRelation:
		stmts = append(stmts, "DELETE FROM relation_members WHERE relation_id IN (%s)")
	}
	if w.schema.variant == VariantPlain {
		stmts = append(stmts, fmt.Sprintf("DELETE FROM %s WHERE %s IN (%%s)", k.tags.name, k.tagOwner))
	}
	return append(stmts, fmt.Sprintf("DELETE FROM %s WHERE id IN (%%s)", k.entity.name))
}

// flushDeletes runs every queued delete in one transaction. On error the
// queue is kept.
func (w *Writer) flushDeletes(ctx context.Context) error {
	n := w.PendingDeletes()
	if n == 0 {
		return nil
	}

	tx, err := w.conn.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin deletes: %w", err)
	}
	defer tx.Rollback()

	for _, kind := range []osm.Type{osm.TypeNode, osm.TypeWay, osm.TypeRelation} {
		k := w.schema.kinds[kind]
		ids := slices.Sorted(maps.Keys(w.deletes[kind]))
		for _, chunk := range idbatch.Chunk(ids, 0) {
			list := idbatch.ToLiteralList(chunk)
			for _, q := range w.deleteStatements(k) {
				if _, err := tx.ExecContext(ctx, fmt.Sprintf(q, list)); err != nil {
					return fmt.Errorf("delete %d %s ids: %w", len(chunk), kind, err)
				}
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit deletes: %w", err)
	}

	for _, ids := range w.deletes {
		clear(ids)
	}
	w.deleted.Add(int64(n))
	logger.Get().Debug("Deleted entities", zap.Int("entities", n))
	return nil
}

// Stats holds writer counters.
type Stats struct {
	Nodes     int64
	Ways      int64
	Relations int64
	Skipped   int64
	Deleted   int64            // entities removed by queued deletes
	Rows      map[string]int64 // inserted rows per table
}

// TotalRows sums the inserted rows over all tables.
func (s Stats) TotalRows() int64 {
	var n int64
	for _, v := range s.Rows {
		n += v
	}
	return n
}

// Stats returns a snapshot of the counters.
func (w *Writer) Stats() Stats {
	s := Stats{
		Nodes:     w.nodesAdded.Load(),
		Ways:      w.waysAdded.Load(),
		Relations: w.relationsAdded.Load(),
		Skipped:   w.skipped.Load(),
		Deleted:   w.deleted.Load(),
		Rows:      make(map[string]int64, len(w.buffers)),
	}
	for _, b := range w.buffers {
		s.Rows[b.table.name] = b.inserted.Load()
	}
	return s
}

// Fields renders the counters as log fields.
func (s Stats) Fields() []zap.Field {
	return []zap.Field{
		zap.Int64("nodes", s.Nodes),
		zap.Int64("ways", s.Ways),
		zap.Int64("relations", s.Relations),
		zap.Int64("skipped", s.Skipped),
		zap.Int64("deleted", s.Deleted),
		zap.Int64("rows", s.TotalRows()),
	}
}
