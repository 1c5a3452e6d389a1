package store

import (
	"context"
	"maps"
	"slices"
	"testing"

	"github.com/paulmach/osm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wegman-software/osmsql-go/internal/tiles"
)

// mainStreet writes three nodes on a residential street, the street, a route
// relation over it and a super relation over the route.
func mainStreet(t *testing.T, opts Options) {
	writeAll(t, opts,
		node(1, 51.5000, -0.1200, "highway", "crossing"),
		node(2, 51.5005, -0.1195),
		node(3, 51.5010, -0.1190),
		node(4, 48.8566, 2.3522, "name", "Far away"),
		way(10, []int64{1, 2, 3}, "highway", "residential", "name", "Main St"),
		way(11, []int64{4}, "highway", "service"),
		relation(100, []osm.Member{member(osm.TypeWay, 10, ""), member(osm.TypeNode, 1, "stop")}, "type", "route"),
		relation(200, []osm.Member{member(osm.TypeRelation, 100, "")}, "type", "superroute"),
		relation(300, []osm.Member{member(osm.TypeWay, 11, "")}, "type", "route"),
	)
}

func TestGetInBoundingBox(t *testing.T) {
	for _, v := range variants {
		t.Run(string(v), func(t *testing.T) {
			ctx := context.Background()
			opts := testOptions(t, v)
			mainStreet(t, opts)
			r := openTestReader(t, opts)

			box := tiles.BBox{MinLon: -0.1201, MinLat: 51.4999, MaxLon: -0.1189, MaxLat: 51.5011}
			c, err := r.GetInBoundingBox(ctx, box, nil)
			require.NoError(t, err)

			assert.ElementsMatch(t, []osm.NodeID{1, 2, 3}, keys(c.Nodes))
			assert.ElementsMatch(t, []osm.WayID{10}, keys(c.Ways))
			assert.ElementsMatch(t, []osm.RelationID{100, 200}, keys(c.Relations))
			assert.Equal(t, "Main St", c.Ways[10].Tags.Find("name"))
			assert.Equal(t, 6, c.Len())

			doc := c.OSM()
			require.Len(t, doc.Nodes, 3)
			assert.Equal(t, osm.NodeID(1), doc.Nodes[0].ID)
			assert.Len(t, c.Objects(), 6)
		})
	}
}

func TestGetInBoundingBoxFilter(t *testing.T) {
	ctx := context.Background()
	opts := testOptions(t, VariantPlain)
	mainStreet(t, opts)
	r := openTestReader(t, opts)

	box := tiles.BBox{MinLon: -0.1201, MinLat: 51.4999, MaxLon: -0.1189, MaxLat: 51.5011}
	tagged := func(o osm.Object) bool {
		switch v := o.(type) {
		case *osm.Node:
			return len(v.Tags) > 0
		case *osm.Relation:
			return v.Tags.Find("type") == "route"
		}
		return true
	}
	c, err := r.GetInBoundingBox(ctx, box, tagged)
	require.NoError(t, err)
	assert.ElementsMatch(t, []osm.NodeID{1}, keys(c.Nodes))
	assert.ElementsMatch(t, []osm.WayID{10}, keys(c.Ways))
	assert.ElementsMatch(t, []osm.RelationID{100}, keys(c.Relations))
}

func TestGetNodesInBoundingBoxEdges(t *testing.T) {
	ctx := context.Background()
	opts := testOptions(t, VariantPlain)
	writeAll(t, opts,
		node(1, 10.0, 20.0),
		node(2, 10.5, 20.5),
		node(3, 11.0, 21.0),
		node(4, 11.0000001, 21.0),
	)
	r := openTestReader(t, opts)

	nodes, err := r.GetNodesInBoundingBox(ctx, tiles.BBox{MinLon: 20, MinLat: 10, MaxLon: 21, MaxLat: 11})
	require.NoError(t, err)
	ids := make([]osm.NodeID, len(nodes))
	for i, n := range nodes {
		ids[i] = n.ID
	}
	assert.Equal(t, []osm.NodeID{1, 2, 3}, ids)

	// A box too large for the tile prefilter is answered by range alone.
	world, err := r.GetNodesInBoundingBox(ctx, tiles.BBox{MinLon: -180, MinLat: -85, MaxLon: 180, MaxLat: 85})
	require.NoError(t, err)
	assert.Len(t, world, 4)
}

func TestGetInTile(t *testing.T) {
	ctx := context.Background()
	opts := testOptions(t, VariantPlain)
	mainStreet(t, opts)
	r := openTestReader(t, opts)

	tile := tiles.LatLonToTile(48.8566, 2.3522, r.TileZoom())
	c, err := r.GetInTile(ctx, tile, nil)
	require.NoError(t, err)
	assert.ElementsMatch(t, []osm.NodeID{4}, keys(c.Nodes))
	assert.ElementsMatch(t, []osm.WayID{11}, keys(c.Ways))
	assert.ElementsMatch(t, []osm.RelationID{300}, keys(c.Relations))

	_, err = r.GetInTile(ctx, tiles.Tile{Z: 3}, nil)
	assert.Error(t, err)
}

func TestGetNodesForWaysAndContaining(t *testing.T) {
	ctx := context.Background()
	opts := testOptions(t, VariantPlain)
	mainStreet(t, opts)
	r := openTestReader(t, opts)

	nodes, err := r.GetNodesForWays(ctx, []osm.WayID{10})
	require.NoError(t, err)
	assert.Len(t, nodes, 3)

	ways, err := r.GetWaysContainingNodes(ctx, []osm.NodeID{3, 4})
	require.NoError(t, err)
	require.Len(t, ways, 2)
	assert.Equal(t, osm.WayID(10), ways[0].ID)
	assert.Equal(t, osm.WayID(11), ways[1].ID)

	rels, err := r.GetRelationsFor(ctx, osm.TypeNode, 1)
	require.NoError(t, err)
	require.Len(t, rels, 1)
	assert.Equal(t, osm.RelationID(100), rels[0].ID)

	_, err = r.GetRelationsFor(ctx, "changeset", 1)
	assert.ErrorIs(t, err, ErrUnknownMemberType)
}

func TestGetRelationsContainingCycle(t *testing.T) {
	ctx := context.Background()
	opts := testOptions(t, VariantPlain)
	writeAll(t, opts,
		node(1, 0, 0),
		relation(1, []osm.Member{member(osm.TypeNode, 1, ""), member(osm.TypeRelation, 2, "")}),
		relation(2, []osm.Member{member(osm.TypeRelation, 3, "")}),
		relation(3, []osm.Member{member(osm.TypeRelation, 1, "")}),
		relation(4, []osm.Member{member(osm.TypeRelation, 3, "")}),
	)
	r := openTestReader(t, opts)

	rels, err := r.GetRelationsContaining(ctx, []osm.Object{&osm.Node{ID: 1}})
	require.NoError(t, err)
	ids := make([]osm.RelationID, len(rels))
	for i, rel := range rels {
		ids[i] = rel.ID
	}
	assert.Equal(t, []osm.RelationID{1, 2, 3, 4}, ids)
}

func TestGetEmptyInputs(t *testing.T) {
	ctx := context.Background()
	r := openTestReader(t, testOptions(t, VariantPlain))
	require.NoError(t, r.Close())

	nodes, err := r.GetNodes(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, nodes)

	ways, err := r.GetWays(ctx, []osm.WayID{})
	require.NoError(t, err)
	assert.Empty(t, ways)

	rels, err := r.GetRelationsContaining(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, rels)

	byTile, err := r.GetNodesForTiles(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, byTile)
}

func TestGetNodesManyChunks(t *testing.T) {
	ctx := context.Background()
	opts := testOptions(t, VariantPlain)

	w := openTestWriter(t, opts)
	ids := make([]osm.NodeID, 0, 2500)
	for i := int64(1); i <= 2500; i++ {
		require.NoError(t, w.AddNode(ctx, node(i, float64(i%50)*0.01, float64(i/50)*0.01)))
		ids = append(ids, osm.NodeID(i))
	}
	require.NoError(t, w.Close(ctx))

	r := openTestReader(t, opts)
	nodes, err := r.GetNodes(ctx, ids)
	require.NoError(t, err)
	require.Len(t, nodes, 2500)
	for i, n := range nodes {
		assert.Equal(t, osm.NodeID(i+1), n.ID)
	}
}

func TestUnknownMemberTypeOnRead(t *testing.T) {
	ctx := context.Background()
	opts := testOptions(t, VariantPlain)
	writeAll(t, opts, relation(1, []osm.Member{member(osm.TypeNode, 1, "")}))

	r := openTestReader(t, opts)
	_, err := r.Conn().DB().Exec("UPDATE relation_members SET member_type = 7")
	require.NoError(t, err)

	_, err = r.GetRelations(ctx, []osm.RelationID{1})
	assert.ErrorIs(t, err, ErrUnknownMemberType)
}

func TestUniqueTagCombinations(t *testing.T) {
	for _, v := range variants {
		t.Run(string(v), func(t *testing.T) {
			ctx := context.Background()
			opts := testOptions(t, v)
			writeAll(t, opts,
				node(1, 0, 0, "a", "1", "b", "2"),
				node(2, 0, 0, "b", "2", "a", "1"),
				node(3, 0, 0, "a", "1"),
			)
			r := openTestReader(t, opts)

			all, err := r.UniqueTagCombinations(ctx, osm.TypeNode, nil)
			require.NoError(t, err)
			assert.Equal(t, []osm.Tags{
				{{Key: "a", Value: "1"}},
				{{Key: "a", Value: "1"}, {Key: "b", Value: "2"}},
			}, all)

			onlyB, err := r.UniqueTagCombinations(ctx, osm.TypeNode, []string{"b"})
			require.NoError(t, err)
			assert.Equal(t, []osm.Tags{{{Key: "b", Value: "2"}}}, onlyB)
		})
	}
}

func TestGetByTags(t *testing.T) {
	for _, v := range variants {
		t.Run(string(v), func(t *testing.T) {
			ctx := context.Background()
			opts := testOptions(t, v)
			writeAll(t, opts,
				node(1, 0, 0, "amenity", "cafe", "name", "Corner"),
				node(2, 0, 0, "amenity", "bar"),
				node(3, 0, 0, "shop", "bakery"),
				way(10, []int64{1, 3}, "highway", "footway"),
			)
			r := openTestReader(t, opts)

			c, err := r.GetByTags(ctx, osm.TypeNode, map[string][]string{"amenity": {"cafe"}})
			require.NoError(t, err)
			assert.ElementsMatch(t, []osm.NodeID{1}, keys(c.Nodes))

			c, err = r.GetByTags(ctx, osm.TypeNode, map[string][]string{"amenity": nil})
			require.NoError(t, err)
			assert.ElementsMatch(t, []osm.NodeID{1, 2}, keys(c.Nodes))

			c, err = r.GetByTags(ctx, osm.TypeNode, map[string][]string{"name": {"Corner"}, "shop": nil})
			require.NoError(t, err)
			assert.ElementsMatch(t, []osm.NodeID{1, 3}, keys(c.Nodes))

			c, err = r.GetByTags(ctx, osm.TypeWay, map[string][]string{"highway": {"footway"}})
			require.NoError(t, err)
			assert.ElementsMatch(t, []osm.WayID{10}, keys(c.Ways))
			assert.ElementsMatch(t, []osm.NodeID{1, 3}, keys(c.Nodes))

			c, err = r.GetByTags(ctx, osm.TypeRelation, nil)
			require.NoError(t, err)
			assert.Zero(t, c.Len())
		})
	}
}

func TestReaderConcurrentCopy(t *testing.T) {
	ctx := context.Background()
	opts := testOptions(t, VariantCompact)
	writeAll(t, opts, node(1, 1, 1, "amenity", "cafe"))

	r := openTestReader(t, opts)
	require.True(t, r.SupportsConcurrentCopies())
	_, err := r.GetNodes(ctx, []osm.NodeID{1})
	require.NoError(t, err)

	cp, err := r.ConcurrentCopy(ctx)
	require.NoError(t, err)
	defer cp.Close()

	assert.NotSame(t, r.conn, cp.conn)
	assert.Equal(t, 1, cp.tags[osm.TypeNode].Size())

	nodes, err := cp.GetNodes(ctx, []osm.NodeID{1})
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "cafe", nodes[0].Tags.Find("amenity"))
}

func TestParallelNodesForTiles(t *testing.T) {
	ctx := context.Background()
	opts := testOptions(t, VariantPlain)

	w := openTestWriter(t, opts)
	var tileIDs []int64
	for i := int64(0); i < 3000; i++ {
		lat, lon := float64(i%60)*0.05, float64(i/60)*0.05
		require.NoError(t, w.AddNode(ctx, node(i+1, lat, lon)))
		tileIDs = append(tileIDs, tiles.StoredTileIDFor(lat, lon, tiles.DefaultZoom))
	}
	require.NoError(t, w.Close(ctx))

	r := openTestReader(t, opts)
	serial, err := r.GetNodesForTiles(ctx, tileIDs)
	require.NoError(t, err)
	parallel, err := ParallelNodesForTiles(ctx, r, tileIDs, 4)
	require.NoError(t, err)

	require.Len(t, serial, 3000)
	require.Len(t, parallel, len(serial))
	for i := range serial {
		assert.Equal(t, serial[i].ID, parallel[i].ID)
	}
}

func TestMainStreetTileLookup(t *testing.T) {
	for _, v := range variants {
		t.Run(string(v), func(t *testing.T) {
			ctx := context.Background()
			opts := testOptions(t, v)
			writeAll(t, opts,
				node(1, 51.0, 4.0, "highway", "residential"),
				way(10, []int64{1}, "name", "Main St"),
			)
			r := openTestReader(t, opts)

			ways, err := r.GetWays(ctx, []osm.WayID{10})
			require.NoError(t, err)
			require.Len(t, ways, 1)
			assert.Equal(t, osm.WayNodes{{ID: 1}}, ways[0].Nodes)
			assert.Equal(t, "Main St", ways[0].Tags.Find("name"))

			box := tiles.BBox{MinLon: 3.99, MinLat: 50.99, MaxLon: 4.01, MaxLat: 51.01}
			nodes, err := r.GetNodesForTiles(ctx, tiles.TileRangeFor(box, r.TileZoom()))
			require.NoError(t, err)
			require.Len(t, nodes, 1)
			assert.Equal(t, osm.NodeID(1), nodes[0].ID)
			assert.Equal(t, "residential", nodes[0].Tags.Find("highway"))
		})
	}
}

func keys[K comparable, V any](m map[K]V) []K {
	return slices.Collect(maps.Keys(m))
}
