package store

import (
	"bytes"
	"database/sql"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/paulmach/osm"
)

// Member type codes of relation_members.member_type.
const (
	memberCodeNode     = 0
	memberCodeWay      = 1
	memberCodeRelation = 2
)

// Column length limits.
const (
	maxKeyLen   = 100
	maxValueLen = 500
	maxRoleLen  = 100
	maxUserLen  = 100
	maxNameLen  = 500
)

func memberTypeCode(t osm.Type) (int, error) {
	switch t {
	case osm.TypeNode:
		return memberCodeNode, nil
	case osm.TypeWay:
		return memberCodeWay, nil
	case osm.TypeRelation:
		return memberCodeRelation, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownMemberType, t)
}

func memberTypeFromCode(code int64) (osm.Type, error) {
	switch code {
	case memberCodeNode:
		return osm.TypeNode, nil
	case memberCodeWay:
		return osm.TypeWay, nil
	case memberCodeRelation:
		return osm.TypeRelation, nil
	}
	return "", fmt.Errorf("%w: code %d", ErrUnknownMemberType, code)
}

// truncate cuts s to at most n runes.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

func timestampValue(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.Unix()
}

func timestampFrom(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.Unix(v.Int64, 0).UTC()
}

// normalizeTags truncates keys and values and drops repeated keys, the
// first occurrence winning.
func normalizeTags(tags osm.Tags) osm.Tags {
	if len(tags) == 0 {
		return nil
	}
	out := make(osm.Tags, 0, len(tags))
	for _, t := range tags {
		k := truncate(t.Key, maxKeyLen)
		if out.HasTag(k) {
			continue
		}
		out = append(out, osm.Tag{Key: k, Value: truncate(t.Value, maxValueLen)})
	}
	return out
}

// addTag appends a tag unless the key is already present.
func addTag(tags osm.Tags, key, value string) osm.Tags {
	if tags.HasTag(key) {
		return tags
	}
	return append(tags, osm.Tag{Key: key, Value: value})
}

// canonicalTags returns a key identifying the tag set regardless of order.
func canonicalTags(tags osm.Tags) string {
	sorted := slices.Clone(tags)
	slices.SortFunc(sorted, func(a, b osm.Tag) int {
		if c := strings.Compare(a.Key, b.Key); c != 0 {
			return c
		}
		return strings.Compare(a.Value, b.Value)
	})

	var buf bytes.Buffer
	for _, t := range sorted {
		buf.WriteString(strconv.Itoa(len(t.Key)))
		buf.WriteByte(':')
		buf.WriteString(t.Key)
		buf.WriteString(strconv.Itoa(len(t.Value)))
		buf.WriteByte(':')
		buf.WriteString(t.Value)
	}
	return buf.String()
}
