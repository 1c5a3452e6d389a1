package store

import (
	"context"
	"testing"

	"github.com/paulmach/osm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchemaLifecycle(t *testing.T) {
	for _, v := range variants {
		t.Run(string(v), func(t *testing.T) {
			ctx := context.Background()
			opts := testOptions(t, v)
			opts.CreateSchema = false
			c := openTestConn(t, opts)

			ok, err := HasSchema(ctx, c)
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, EnsureSchema(ctx, c))
			require.NoError(t, EnsureSchema(ctx, c))

			ok, err = HasSchema(ctx, c)
			require.NoError(t, err)
			assert.True(t, ok)

			for _, idx := range c.schema.indexes {
				exists, err := c.indexExists(ctx, idx.name)
				require.NoError(t, err)
				assert.True(t, exists, idx.name)
			}

			require.NoError(t, DropSchema(ctx, c))
			ok, err = HasSchema(ctx, c)
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestSchemaColumns(t *testing.T) {
	plain := newSchema(VariantPlain)
	assert.Equal(t, []string{"node_id", "tag_key", "value"}, plain.nodeTags.columnNames())
	assert.NotContains(t, plain.way.columnNames(), "tags_id")
	assert.Len(t, plain.indexes, 4)

	compact := newSchema(VariantCompact)
	assert.Equal(t, []string{"id", "tag_key", "value"}, compact.wayTags.columnNames())
	assert.Contains(t, compact.relation.columnNames(), "tags_id")
	assert.Contains(t, compact.node.columnNames(), "name")
	assert.Len(t, compact.indexes, 7)

	_, err := plain.kind("changeset")
	assert.Error(t, err)
}

func TestPostFilter(t *testing.T) {
	for _, v := range variants {
		t.Run(string(v), func(t *testing.T) {
			ctx := context.Background()
			opts := testOptions(t, v)
			writeAll(t, opts,
				node(1, 0, 0),
				node(2, 0, 0),
				node(3, 0, 0, "amenity", "bench"),
				node(4, 0, 0),
				node(5, 0, 0, "name", "Only a name"),
				way(10, []int64{2}),
				relation(100, []osm.Member{member(osm.TypeNode, 4, "")}),
			)
			c := openTestConn(t, opts)

			deleted, err := PostFilter(ctx, c)
			require.NoError(t, err)
			assert.Equal(t, int64(1), deleted)

			var ids []int64
			require.NoError(t, c.DB().Select(&ids, "SELECT id FROM node ORDER BY id"))
			assert.Equal(t, []int64{2, 3, 4, 5}, ids)
		})
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), Options{Driver: "mysql", DSN: "x"})
	assert.ErrorIs(t, err, ErrUnsupportedDriver)
}

func TestWrapBorrowsHandle(t *testing.T) {
	ctx := context.Background()
	opts := testOptions(t, VariantPlain)
	owned := openTestConn(t, opts)

	c, err := Wrap(ctx, owned.DB().DB, opts)
	require.NoError(t, err)
	assert.False(t, c.Owner())
	require.NoError(t, c.Close())

	require.NoError(t, owned.DB().Ping())
}

func TestParseVariant(t *testing.T) {
	v, err := ParseVariant("")
	require.NoError(t, err)
	assert.Equal(t, VariantPlain, v)

	v, err = ParseVariant("compact")
	require.NoError(t, err)
	assert.Equal(t, VariantCompact, v)

	_, err = ParseVariant("columnar")
	assert.Error(t, err)
}

func TestBatchSizesDefaults(t *testing.T) {
	b := BatchSizes{Node: 10}.withDefaults()
	assert.Equal(t, 10, b.Node)
	assert.Equal(t, 256, b.WayNodes)
	assert.Equal(t, 128, b.RelationMembers)
}
