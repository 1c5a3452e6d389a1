// Package idbatch splits id lists into bounded chunks and renders them as
// SQL literal lists.
package idbatch

import (
	"slices"
	"strconv"
	"strings"
)

// MaxBatch is the largest number of ids placed in a single IN (...) list.
const MaxBatch = 1000

// ID is any integer id type, including the typed ids of paulmach/osm.
type ID interface {
	~int64
}

// Chunk splits ids into consecutive chunks of at most size ids, preserving
// order. A size of zero or less selects MaxBatch. Empty input yields nil.
func Chunk[T ID](ids []T, size int) [][]T {
	if len(ids) == 0 {
		return nil
	}
	if size <= 0 {
		size = MaxBatch
	}

	chunks := make([][]T, 0, (len(ids)+size-1)/size)
	for c := range slices.Chunk(ids, size) {
		chunks = append(chunks, c)
	}
	return chunks
}

// ToLiteralList renders ids as a comma separated decimal list. Callers must
// not issue a query when the result is empty.
func ToLiteralList[T ID](ids []T) string {
	if len(ids) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.Grow(len(ids) * 8)
	buf := make([]byte, 0, 20)
	for i, id := range ids {
		if i > 0 {
			sb.WriteByte(',')
		}
		buf = strconv.AppendInt(buf[:0], int64(id), 10)
		sb.Write(buf)
	}
	return sb.String()
}

// Unique returns ids without duplicates, keeping first occurrences in order.
func Unique[T ID](ids []T) []T {
	seen := make(map[T]struct{}, len(ids))
	out := make([]T, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
