package osc

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/paulmach/osm"

	"github.com/wegman-software/osmsql-go/internal/expire"
	"github.com/wegman-software/osmsql-go/internal/store"
	"github.com/wegman-software/osmsql-go/internal/tiles"
)

const applyData = `<?xml version="1.0" encoding="UTF-8"?>
<osmChange version="0.6">
  <modify>
    <node id="1" lat="20" lon="20" version="2">
      <tag k="name" v="B"/>
    </node>
  </modify>
  <create>
    <node id="3" lat="-30" lon="-30" version="1"/>
  </create>
  <delete>
    <relation id="200"/>
    <way id="100"/>
  </delete>
</osmChange>`

func seedStore(t *testing.T) store.Options {
	t.Helper()
	ctx := context.Background()
	opts := store.Options{
		Driver:       store.DriverSQLite,
		DSN:          filepath.Join(t.TempDir(), "apply.db"),
		CreateSchema: true,
	}

	w, err := store.OpenWriter(ctx, opts)
	if err != nil {
		t.Fatalf("open writer: %v", err)
	}
	objs := []osm.Object{
		&osm.Node{ID: 1, Lat: 10, Lon: 10, Visible: true, Version: 1,
			Tags: osm.Tags{{Key: "amenity", Value: "cafe"}, {Key: "name", Value: "A"}}},
		&osm.Node{ID: 2, Lat: 11, Lon: 11, Visible: true, Version: 1},
		&osm.Way{ID: 100, Visible: true, Version: 1,
			Nodes: osm.WayNodes{{ID: 1}, {ID: 2}},
			Tags:  osm.Tags{{Key: "highway", Value: "primary"}}},
		&osm.Relation{ID: 200, Visible: true, Version: 1,
			Members: osm.Members{{Type: osm.TypeWay, Ref: 100, Role: "outer"}}},
	}
	for _, o := range objs {
		if err := w.Add(ctx, o); err != nil {
			t.Fatalf("seed %v: %v", o.ObjectID(), err)
		}
	}
	if err := w.Close(ctx); err != nil {
		t.Fatalf("close seed writer: %v", err)
	}
	return opts
}

func TestApplyFile(t *testing.T) {
	ctx := context.Background()
	opts := seedStore(t)

	path := filepath.Join(t.TempDir(), "change.osc")
	if err := os.WriteFile(path, []byte(applyData), 0o644); err != nil {
		t.Fatal(err)
	}

	tracker := expire.NewTracker(8, 8)
	w, err := store.OpenWriter(ctx, opts, store.WithTileRecorder(tracker))
	if err != nil {
		t.Fatalf("open writer: %v", err)
	}
	r, err := store.OpenReader(ctx, opts)
	if err != nil {
		t.Fatalf("open reader: %v", err)
	}
	defer r.Close()

	stats, err := NewApplier(w).WithExpiry(r, tracker).ApplyFile(ctx, path)
	if err != nil {
		t.Fatalf("ApplyFile() error = %v", err)
	}
	if err := w.Close(ctx); err != nil {
		t.Fatalf("close writer: %v", err)
	}

	if stats.NodesModified != 1 || stats.NodesCreated != 1 || stats.WaysDeleted != 1 || stats.RelationsDeleted != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}

	nodes, err := r.GetNodes(ctx, []osm.NodeID{1, 2, 3})
	if err != nil {
		t.Fatal(err)
	}
	if len(nodes) != 3 {
		t.Fatalf("expected 3 nodes, got %d", len(nodes))
	}
	n1 := nodes[0]
	if n1.Lat != 20 || n1.Lon != 20 {
		t.Errorf("node 1 at %f,%f, want 20,20", n1.Lat, n1.Lon)
	}
	if n1.Tags.Find("name") != "B" || n1.Tags.Find("amenity") != "" {
		t.Errorf("node 1 tags = %v, want only name=B", n1.Tags)
	}

	ways, err := r.GetWays(ctx, []osm.WayID{100})
	if err != nil {
		t.Fatal(err)
	}
	if len(ways) != 0 {
		t.Errorf("way 100 should be deleted, got %v", ways)
	}
	rels, err := r.GetRelations(ctx, []osm.RelationID{200})
	if err != nil {
		t.Fatal(err)
	}
	if len(rels) != 0 {
		t.Errorf("relation 200 should be deleted, got %v", rels)
	}

	want := map[tiles.Tile]bool{
		tiles.LatLonToTile(10, 10, 8):   true, // old position of node 1
		tiles.LatLonToTile(20, 20, 8):   true,
		tiles.LatLonToTile(-30, -30, 8): true,
	}
	got := tracker.Tiles()
	if len(got) != len(want) {
		t.Fatalf("expected %d expired tiles, got %v", len(want), got)
	}
	for _, tile := range got {
		if !want[tile] {
			t.Errorf("unexpected expired tile %s", tile)
		}
	}
}

type failingStore struct {
	adds int
}

func (s *failingStore) Add(context.Context, osm.Object) error {
	s.adds++
	return errors.New("disk full")
}
func (s *failingStore) DeleteNode(context.Context, osm.NodeID) error         { return nil }
func (s *failingStore) DeleteWay(context.Context, osm.WayID) error           { return nil }
func (s *failingStore) DeleteRelation(context.Context, osm.RelationID) error { return nil }

func TestApplyFileStoreError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "change.osc")
	if err := os.WriteFile(path, []byte(oscData), 0o644); err != nil {
		t.Fatal(err)
	}

	s := &failingStore{}
	_, err := NewApplier(s).ApplyFile(context.Background(), path)
	if err == nil {
		t.Fatal("expected error")
	}
	if s.adds != 1 {
		t.Errorf("expected apply to stop after the first failure, got %d adds", s.adds)
	}
}

func TestApplyFileParseError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.osc")
	if err := os.WriteFile(path, []byte(`<osmChange><node id="1"/></osmChange>`), 0o644); err != nil {
		t.Fatal(err)
	}

	s := &failingStore{}
	if _, err := NewApplier(s).ApplyFile(context.Background(), path); err == nil {
		t.Fatal("expected error for node outside action block")
	}
	if s.adds != 0 {
		t.Errorf("expected no adds, got %d", s.adds)
	}
}
