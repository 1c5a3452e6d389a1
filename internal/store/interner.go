package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/paulmach/osm"
)

// tagInterner assigns one surrogate id to every distinct tag set. Two sets
// are equal when they hold the same key/value pairs in any order. Ids are
// never reused or reassigned. Not safe for concurrent use.
type tagInterner struct {
	ids  map[string]int64
	next int64
}

func newTagInterner(next int64) *tagInterner {
	return &tagInterner{ids: make(map[string]int64), next: next}
}

// Intern returns the id of tags and whether it was allocated by this call.
func (t *tagInterner) Intern(tags osm.Tags) (int64, bool) {
	key := canonicalTags(tags)
	if id, ok := t.ids[key]; ok {
		return id, false
	}
	id := t.next
	t.next++
	t.ids[key] = id
	return id, true
}

func (t *tagInterner) Len() int { return len(t.ids) }

// loadTagInterner seeds an interner with the tag sets already stored for a
// kind so that ids stay unique across writer sessions.
func loadTagInterner(ctx context.Context, c *Conn, k *kindDef) (*tagInterner, error) {
	query := fmt.Sprintf("SELECT %s, tag_key, value FROM %s ORDER BY %s",
		k.tagOwner, k.tags.name, k.tagOwner)

	groups, err := queryTagGroups(ctx, c, query)
	if err != nil {
		return nil, fmt.Errorf("load %s tag sets: %w", k.kind, err)
	}

	in := newTagInterner(0)
	for _, g := range groups {
		in.ids[canonicalTags(g.tags)] = g.id
		if g.id >= in.next {
			in.next = g.id + 1
		}
	}
	return in, nil
}

type tagGroup struct {
	id   int64
	tags osm.Tags
}

// queryTagGroups runs a query returning (group, key, value) rows ordered by
// group and collects them, the first value of a repeated key winning.
func queryTagGroups(ctx context.Context, c *Conn, query string, args ...any) ([]tagGroup, error) {
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var groups []tagGroup
	for rows.Next() {
		var (
			id    int64
			key   string
			value sql.NullString
		)
		if err := rows.Scan(&id, &key, &value); err != nil {
			return nil, err
		}
		if n := len(groups); n == 0 || groups[n-1].id != id {
			groups = append(groups, tagGroup{id: id})
		}
		g := &groups[len(groups)-1]
		g.tags = addTag(g.tags, key, value.String)
	}
	return groups, rows.Err()
}
