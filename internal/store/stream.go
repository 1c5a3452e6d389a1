package store

import (
	"context"
	"fmt"

	"github.com/paulmach/osm"

	"github.com/wegman-software/osmsql-go/internal/idbatch"
)

// StreamOption configures a Stream.
type StreamOption func(*Stream)

// SkipKind leaves every entity of kind out of the stream.
func SkipKind(kind osm.Type) StreamOption {
	return func(s *Stream) { s.skip[kind] = true }
}

// WithPageSize sets how many entities are loaded per query.
func WithPageSize(n int) StreamOption {
	return func(s *Stream) {
		if n > 0 {
			s.pageSize = n
		}
	}
}

// Stream reads the whole store back as nodes, then ways, then relations,
// each kind in ascending id order. It scans like osmpbf.Scanner and
// osmxml.Scanner, so a store can stand in wherever a file is read.
type Stream struct {
	ctx      context.Context
	r        *Reader
	pageSize int
	skip     map[osm.Type]bool

	kind    int   // index into streamKinds
	started bool  // a page of the current kind was loaded
	after   int64 // last id loaded of the current kind

	page []osm.Object
	pos  int
	cur  osm.Object
	err  error

	closed bool
}

var streamKinds = []osm.Type{osm.TypeNode, osm.TypeWay, osm.TypeRelation}

// Stream returns a stream over every stored entity. Closing the stream
// leaves the reader open.
func (r *Reader) Stream(ctx context.Context, opts ...StreamOption) *Stream {
	s := &Stream{
		ctx:      ctx,
		r:        r,
		pageSize: idbatch.MaxBatch,
		skip:     make(map[osm.Type]bool, len(streamKinds)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Scan advances to the next entity. It returns false at the end of the
// store or on error.
func (s *Stream) Scan() bool {
	if s.closed || s.err != nil {
		return false
	}
	for s.pos >= len(s.page) {
		if s.kind >= len(streamKinds) {
			return false
		}
		if err := s.ctx.Err(); err != nil {
			s.err = err
			return false
		}

		kind := streamKinds[s.kind]
		if s.skip[kind] {
			s.nextKind()
			continue
		}
		page, done, err := s.load(kind)
		if err != nil {
			s.err = fmt.Errorf("stream %ss: %w", kind, err)
			return false
		}
		if done {
			s.nextKind()
			continue
		}
		s.page, s.pos = page, 0
	}

	s.cur = s.page[s.pos]
	s.pos++
	return true
}

// Object returns the entity of the last successful Scan.
func (s *Stream) Object() osm.Object { return s.cur }

// Err returns the error that stopped the stream, if any.
func (s *Stream) Err() error { return s.err }

// Close stops the stream.
func (s *Stream) Close() error {
	s.closed = true
	s.page = nil
	return nil
}

// Reset rewinds the stream to the first node.
func (s *Stream) Reset() {
	s.kind = 0
	s.started = false
	s.after = 0
	s.page, s.pos = nil, 0
	s.cur = nil
	s.err = nil
	s.closed = false
}

func (s *Stream) nextKind() {
	s.kind++
	s.started = false
	s.after = 0
	s.page, s.pos = nil, 0
}

// load returns the next page of kind. done is set once no ids are left.
func (s *Stream) load(kind osm.Type) (page []osm.Object, done bool, err error) {
	k := s.r.schema.kinds[kind]
	query := fmt.Sprintf("SELECT id FROM %s ORDER BY id LIMIT ?", k.entity.name)
	args := []any{s.pageSize}
	if s.started {
		query = fmt.Sprintf("SELECT id FROM %s WHERE id > ? ORDER BY id LIMIT ?", k.entity.name)
		args = []any{s.after, s.pageSize}
	}

	var ids []int64
	if err := s.r.conn.db.SelectContext(s.ctx, &ids, s.r.conn.dialect.rebind(query), args...); err != nil {
		return nil, false, err
	}
	if len(ids) == 0 {
		return nil, true, nil
	}
	s.started = true
	s.after = ids[len(ids)-1]

	out := make([]osm.Object, 0, len(ids))
	switch kind {
	case osm.TypeNode:
		nodes, err := s.r.GetNodes(s.ctx, convertIDs[int64, osm.NodeID](ids))
		if err != nil {
			return nil, false, err
		}
		for _, n := range nodes {
			out = append(out, n)
		}
	case osm.TypeWay:
		ways, err := s.r.GetWays(s.ctx, convertIDs[int64, osm.WayID](ids))
		if err != nil {
			return nil, false, err
		}
		for _, w := range ways {
			out = append(out, w)
		}
	case osm.TypeRelation:
		rels, err := s.r.GetRelations(s.ctx, convertIDs[int64, osm.RelationID](ids))
		if err != nil {
			return nil, false, err
		}
		for _, r := range rels {
			out = append(out, r)
		}
	}
	return out, false, nil
}
