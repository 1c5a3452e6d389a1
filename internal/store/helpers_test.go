package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/paulmach/osm"
	"github.com/stretchr/testify/require"
)

func testOptions(t *testing.T, v Variant) Options {
	t.Helper()
	return Options{
		Driver:       DriverSQLite,
		DSN:          filepath.Join(t.TempDir(), "test.db"),
		Variant:      v,
		CreateSchema: true,
	}
}

func openTestConn(t *testing.T, opts Options) *Conn {
	t.Helper()
	c, err := Open(context.Background(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func openTestWriter(t *testing.T, opts Options, wopts ...WriterOption) *Writer {
	t.Helper()
	w, err := OpenWriter(context.Background(), opts, wopts...)
	require.NoError(t, err)
	t.Cleanup(func() { w.Close(context.Background()) })
	return w
}

func openTestReader(t *testing.T, opts Options) *Reader {
	t.Helper()
	r, err := OpenReader(context.Background(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

// writeAll adds objs with a fresh writer and closes it.
func writeAll(t *testing.T, opts Options, objs ...osm.Object) {
	t.Helper()
	ctx := context.Background()
	w, err := OpenWriter(ctx, opts)
	require.NoError(t, err)
	for _, o := range objs {
		require.NoError(t, w.Add(ctx, o))
	}
	require.NoError(t, w.Close(ctx))
}

func tags(kv ...string) osm.Tags {
	out := make(osm.Tags, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, osm.Tag{Key: kv[i], Value: kv[i+1]})
	}
	return out
}

func node(id int64, lat, lon float64, kv ...string) *osm.Node {
	return &osm.Node{ID: osm.NodeID(id), Lat: lat, Lon: lon, Visible: true, Version: 1, Tags: tags(kv...)}
}

func way(id int64, nodes []int64, kv ...string) *osm.Way {
	w := &osm.Way{ID: osm.WayID(id), Visible: true, Version: 1, Tags: tags(kv...)}
	for _, n := range nodes {
		w.Nodes = append(w.Nodes, osm.WayNode{ID: osm.NodeID(n)})
	}
	return w
}

func relation(id int64, members []osm.Member, kv ...string) *osm.Relation {
	return &osm.Relation{ID: osm.RelationID(id), Visible: true, Version: 1, Members: members, Tags: tags(kv...)}
}

func member(typ osm.Type, ref int64, role string) osm.Member {
	return osm.Member{Type: typ, Ref: ref, Role: role}
}

func countRows(t *testing.T, c *Conn, table string) int {
	t.Helper()
	var n int
	require.NoError(t, c.DB().Get(&n, "SELECT COUNT(*) FROM "+table))
	return n
}

var variants = []Variant{VariantPlain, VariantCompact}
