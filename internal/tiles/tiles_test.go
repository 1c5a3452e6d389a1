package tiles

import (
	"math"
	"math/rand"
	"slices"
	"testing"
)

func TestLatLonToTile(t *testing.T) {
	tests := []struct {
		name     string
		lat, lon float64
		zoom     int
		wantX    int
		wantY    int
	}{
		{name: "London at zoom 10", lat: 51.5074, lon: -0.1278, zoom: 10, wantX: 511, wantY: 340},
		{name: "Monaco at zoom 12", lat: 43.7384, lon: 7.4246, zoom: 12, wantX: 2132, wantY: 1493},
		{name: "New York at zoom 10", lat: 40.7128, lon: -74.0060, zoom: 10, wantX: 301, wantY: 385},
		{name: "Origin at zoom 0", lat: 0, lon: 0, zoom: 0, wantX: 0, wantY: 0},
		{name: "Origin at zoom 1", lat: 0, lon: 0, zoom: 1, wantX: 1, wantY: 1},
		{name: "Antimeridian clamps", lat: 0, lon: 180, zoom: 2, wantX: 3, wantY: 2},
		{name: "Pole clamps", lat: 90, lon: -180, zoom: 3, wantX: 0, wantY: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tile := LatLonToTile(tt.lat, tt.lon, tt.zoom)
			if tile.X != tt.wantX || tile.Y != tt.wantY {
				t.Errorf("LatLonToTile(%f, %f, %d) = (%d, %d), want (%d, %d)",
					tt.lat, tt.lon, tt.zoom, tile.X, tile.Y, tt.wantX, tt.wantY)
			}
		})
	}
}

func TestCoordinateRoundTrip(t *testing.T) {
	values := []float64{-180, 180, -90, 90, 0, 51.0, 4.0, -0.1278, 7.4246, 179.9999999, -179.9999999}
	rnd := rand.New(rand.NewSource(7))
	for i := 0; i < 2000; i++ {
		values = append(values, rnd.Float64()*360-180)
	}

	for _, d := range values {
		got := StorableToGeo(GeoToStorable(d))
		if diff := math.Abs(got - d); diff >= 0.5e-7 {
			t.Fatalf("round trip of %.10f = %.10f, error %g", d, got, diff)
		}
	}
}

func TestGeoToStorableRounds(t *testing.T) {
	if got := GeoToStorable(51.00000006); got != 510000001 {
		t.Errorf("expected rounding up to 510000001, got %d", got)
	}
	if got := GeoToStorable(-4.00000006); got != -40000001 {
		t.Errorf("expected rounding away from zero to -40000001, got %d", got)
	}
}

func TestTileIDRoundTrip(t *testing.T) {
	if id := (Tile{Z: 0}).ID(); id != 0 {
		t.Errorf("expected zoom 0 tile id 0, got %d", id)
	}
	if id := (Tile{Z: 1, X: 1, Y: 1}).ID(); id != 3 {
		t.Errorf("expected tile 1/1/1 id 3, got %d", id)
	}

	tiles := []Tile{
		{Z: 10, X: 511, Y: 340},
		{Z: 12, X: 2132, Y: 1493},
		{Z: 14, X: 8374, Y: 5460},
		{Z: 18, X: 0, Y: 262143},
	}
	for _, tile := range tiles {
		if got := TileFromID(tile.ID(), tile.Z); got != tile {
			t.Errorf("TileFromID(%d) = %s, want %s", tile.ID(), got, tile)
		}
	}
}

func TestTileIDsDistinctWithinZoom(t *testing.T) {
	seen := make(map[int64]Tile)
	for _, tile := range (TileRange{Z: 5, MinX: 0, MaxX: 31, MinY: 0, MaxY: 31}).Tiles() {
		id := tile.ID()
		if other, ok := seen[id]; ok {
			t.Fatalf("tiles %s and %s share id %d", tile, other, id)
		}
		seen[id] = tile
	}
}

func TestBBoxToTileRange(t *testing.T) {
	// Monaco bounding box
	bbox := BBox{MinLon: 7.409, MinLat: 43.724, MaxLon: 7.440, MaxLat: 43.752}

	tileRange := BBoxToTileRange(bbox, 14)

	if tileRange.TileCount() < 1 {
		t.Error("expected at least 1 tile")
	}
	if tileRange.TileCount() > 100 {
		t.Errorf("expected fewer than 100 tiles, got %d", tileRange.TileCount())
	}
	if tileRange.Z != 14 {
		t.Errorf("expected zoom 14, got %d", tileRange.Z)
	}
	if len(TileRangeFor(bbox, 14)) != tileRange.TileCount() {
		t.Errorf("expected %d ids", tileRange.TileCount())
	}
}

func TestTileRangeForCoversEdgePoints(t *testing.T) {
	rnd := rand.New(rand.NewSource(11))
	const zoom = 14

	for i := 0; i < 500; i++ {
		lat := rnd.Float64()*160 - 80
		lon := rnd.Float64()*358 - 179
		bbox := BBox{
			MinLon: lon - rnd.Float64()*0.05,
			MinLat: lat - rnd.Float64()*0.05,
			MaxLon: lon + rnd.Float64()*0.05,
			MaxLat: lat + rnd.Float64()*0.05,
		}

		corners := [][2]float64{
			{bbox.MinLat, bbox.MinLon}, {bbox.MinLat, bbox.MaxLon},
			{bbox.MaxLat, bbox.MinLon}, {bbox.MaxLat, bbox.MaxLon},
			{lat, lon},
		}
		ids := TileRangeFor(bbox, zoom)
		for _, c := range corners {
			id := StoredTileIDFor(c[0], c[1], zoom)
			if !slices.Contains(ids, id) {
				t.Fatalf("point %v on bbox %+v has tile %s outside range", c, bbox, TileFromID(id, zoom))
			}
		}
	}
}

func TestTileRangeForTileBorder(t *testing.T) {
	tile := Tile{Z: 14, X: 8374, Y: 5460}
	b := tile.Bound()

	// A box whose north edge is exactly the tile's south border.
	bbox := BBox{MinLon: b.MinLon, MinLat: b.MinLat - 0.001, MaxLon: b.MaxLon - 0.0001, MaxLat: b.MinLat}
	ids := TileRangeFor(bbox, 14)

	id := StoredTileIDFor(b.MinLat, b.MinLon+0.0001, 14)
	if !slices.Contains(ids, id) {
		t.Errorf("border point tile %s not in range", TileFromID(id, 14))
	}
}

func TestAffectedTiles(t *testing.T) {
	bbox := NewBBoxFromPoint(43.7384, 7.4246)

	tiles := AffectedTiles(bbox, 10, 12)
	if len(tiles) != 3 {
		t.Errorf("expected 3 tiles (one per zoom), got %d", len(tiles))
	}

	if got := AffectedTilesForPoint(43.7384, 7.4246, 10, 12); !slices.Equal(got, tiles) {
		t.Errorf("point and degenerate bbox disagree: %v vs %v", got, tiles)
	}
}

func TestBBoxExpand(t *testing.T) {
	bbox := NewBBoxFromPoint(43.724, 7.409)
	bbox.ExpandPoint(43.752, 7.440)
	bbox.ExpandPoint(43.740, 7.420)

	want := BBox{MinLon: 7.409, MinLat: 43.724, MaxLon: 7.440, MaxLat: 43.752}
	if bbox != want {
		t.Errorf("expected %+v, got %+v", want, bbox)
	}
	if !bbox.Contains(43.752, 7.440) {
		t.Error("expected max corner to be contained")
	}
	if bbox.Contains(43.7521, 7.440) {
		t.Error("expected point north of the box to be outside")
	}
}

func TestParseTile(t *testing.T) {
	tile, err := ParseTile("12/2144/1501")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tile.String() != "12/2144/1501" {
		t.Errorf("expected 12/2144/1501, got %s", tile)
	}

	for _, bad := range []string{"", "12/1", "a/b/c", "1/2/0", "40/0/0"} {
		if _, err := ParseTile(bad); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
}
