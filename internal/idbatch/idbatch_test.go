package idbatch

import (
	"math/rand"
	"slices"
	"testing"

	"github.com/paulmach/osm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunk_Completeness(t *testing.T) {
	t.Parallel()

	rnd := rand.New(rand.NewSource(3))
	for _, n := range []int{0, 1, 999, 1000, 1001, 2500, 4000} {
		for _, size := range []int{1, 7, 256, 1000} {
			ids := make([]int64, n)
			for i := range ids {
				ids[i] = rnd.Int63() - rnd.Int63()
			}

			chunks := Chunk(ids, size)

			var joined []int64
			for _, c := range chunks {
				require.LessOrEqual(t, len(c), size)
				require.NotEmpty(t, c)
				joined = append(joined, c...)
			}
			if n == 0 {
				assert.Nil(t, joined)
				continue
			}
			assert.Equal(t, ids, joined, "n=%d size=%d", n, size)
		}
	}
}

func TestChunk_Boundaries(t *testing.T) {
	t.Parallel()

	ids := make([]int64, 2001)
	for i := range ids {
		ids[i] = int64(i)
	}

	chunks := Chunk(ids, 0)
	require.Len(t, chunks, 3)
	assert.Equal(t, int64(0), chunks[0][0])
	assert.Equal(t, int64(999), chunks[0][999])
	assert.Equal(t, int64(1000), chunks[1][0])
	assert.Equal(t, []int64{2000}, chunks[2])
}

func TestChunk_TypedIDs(t *testing.T) {
	t.Parallel()

	chunks := Chunk([]osm.NodeID{3, 1, 2}, 2)
	assert.Equal(t, [][]osm.NodeID{{3, 1}, {2}}, chunks)
}

func TestToLiteralList(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "", ToLiteralList([]int64{}))
	assert.Equal(t, "", ToLiteralList[osm.WayID](nil))
	assert.Equal(t, "42", ToLiteralList([]int64{42}))
	assert.Equal(t, "1,-2,3000000000", ToLiteralList([]int64{1, -2, 3000000000}))
}

func TestUnique(t *testing.T) {
	t.Parallel()

	got := Unique([]int64{5, 1, 5, 2, 1})
	assert.True(t, slices.Equal([]int64{5, 1, 2}, got))
	assert.Empty(t, Unique[int64](nil))
}
