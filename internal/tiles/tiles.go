// Package tiles maps geographic coordinates to fixed-precision storage
// integers and to Web Mercator tiles identified by their quadkey.
package tiles

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/paulmach/orb/maptile"
)

// DefaultZoom is the zoom level nodes are indexed at unless a store is
// configured otherwise.
const DefaultZoom = 14

// MaxZoom is the deepest zoom whose quadkey still fits an int64.
const MaxZoom = 31

// coordScale is the fixed-point factor for stored coordinates.
const coordScale = 1e7

// GeoToStorable converts degrees to the fixed-point integer stored in the database.
func GeoToStorable(deg float64) int32 {
	return int32(math.Round(deg * coordScale))
}

// StorableToGeo converts a stored fixed-point integer back to degrees.
func StorableToGeo(v int32) float64 {
	return float64(v) / coordScale
}

// Tile represents a map tile at a specific zoom level
type Tile struct {
	Z int // Zoom level
	X int // X coordinate (column)
	Y int // Y coordinate (row)
}

// String returns the tile in z/x/y format
func (t Tile) String() string {
	return fmt.Sprintf("%d/%d/%d", t.Z, t.X, t.Y)
}

// ID returns the quadkey of the tile. Ids are only comparable within one zoom.
func (t Tile) ID() int64 {
	return int64(t.maptile().Quadkey())
}

// Bound returns the geographic extent of the tile.
func (t Tile) Bound() BBox {
	b := t.maptile().Bound()
	return BBox{MinLon: b.Min.Lon(), MinLat: b.Min.Lat(), MaxLon: b.Max.Lon(), MaxLat: b.Max.Lat()}
}

func (t Tile) maptile() maptile.Tile {
	return maptile.New(uint32(t.X), uint32(t.Y), maptile.Zoom(t.Z))
}

// TileFromID decodes a quadkey produced at the given zoom.
func TileFromID(id int64, zoom int) Tile {
	mt := maptile.FromQuadkey(uint64(id), maptile.Zoom(zoom))
	return Tile{Z: zoom, X: int(mt.X), Y: int(mt.Y)}
}

// ParseTile parses a "z/x/y" tile string.
func ParseTile(s string) (Tile, error) {
	parts := strings.Split(strings.TrimSpace(s), "/")
	if len(parts) != 3 {
		return Tile{}, fmt.Errorf("tile must have format z/x/y: %q", s)
	}

	var v [3]int
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return Tile{}, fmt.Errorf("invalid tile component %q: %w", p, err)
		}
		v[i] = n
	}

	t := Tile{Z: v[0], X: v[1], Y: v[2]}
	if t.Z < 0 || t.Z > MaxZoom {
		return Tile{}, fmt.Errorf("zoom %d out of range", t.Z)
	}
	n := 1 << t.Z
	if t.X < 0 || t.X >= n || t.Y < 0 || t.Y >= n {
		return Tile{}, fmt.Errorf("tile %s out of range for zoom %d", t, t.Z)
	}
	return t, nil
}

// BBox represents a geographic bounding box
type BBox struct {
	MinLon, MinLat, MaxLon, MaxLat float64
}

// IsValid checks if the bounding box is valid
func (b BBox) IsValid() bool {
	return b.MinLon <= b.MaxLon && b.MinLat <= b.MaxLat &&
		b.MinLon >= -180 && b.MaxLon <= 180 &&
		b.MinLat >= -90 && b.MaxLat <= 90
}

// Contains reports whether the point lies inside the box, edges included.
func (b BBox) Contains(lat, lon float64) bool {
	return lon >= b.MinLon && lon <= b.MaxLon && lat >= b.MinLat && lat <= b.MaxLat
}

// Quantized rounds every edge to the storage precision, so that tile
// lookups on the box agree with tiles computed from stored coordinates.
func (b BBox) Quantized() BBox {
	return BBox{
		MinLon: StorableToGeo(GeoToStorable(b.MinLon)),
		MinLat: StorableToGeo(GeoToStorable(b.MinLat)),
		MaxLon: StorableToGeo(GeoToStorable(b.MaxLon)),
		MaxLat: StorableToGeo(GeoToStorable(b.MaxLat)),
	}
}

// Expand grows the box to include other.
func (b *BBox) Expand(other BBox) {
	b.MinLon = math.Min(b.MinLon, other.MinLon)
	b.MaxLon = math.Max(b.MaxLon, other.MaxLon)
	b.MinLat = math.Min(b.MinLat, other.MinLat)
	b.MaxLat = math.Max(b.MaxLat, other.MaxLat)
}

// ExpandPoint grows the box to include a point.
func (b *BBox) ExpandPoint(lat, lon float64) {
	b.Expand(NewBBoxFromPoint(lat, lon))
}

// NewBBoxFromPoint creates a bbox from a single point
func NewBBoxFromPoint(lat, lon float64) BBox {
	return BBox{MinLon: lon, MaxLon: lon, MinLat: lat, MaxLat: lat}
}

// Web Mercator constants
const (
	MaxMercatorLat = 85.0511287798
	MinMercatorLat = -85.0511287798
)

// LatLonToTile converts latitude/longitude to tile coordinates at a given zoom level
// using the standard Web Mercator tile scheme. Out of range input is clamped.
func LatLonToTile(lat, lon float64, zoom int) Tile {
	lat = math.Max(MinMercatorLat, math.Min(MaxMercatorLat, lat))
	lon = math.Max(-180, math.Min(180, lon))

	n := float64(int(1) << zoom)

	x := int((lon + 180.0) / 360.0 * n)
	if x >= int(n) {
		x = int(n) - 1
	}

	latRad := lat * math.Pi / 180.0
	y := int((1.0 - math.Log(math.Tan(latRad)+1.0/math.Cos(latRad))/math.Pi) / 2.0 * n)
	if y >= int(n) {
		y = int(n) - 1
	}
	if y < 0 {
		y = 0
	}

	return Tile{Z: zoom, X: x, Y: y}
}

// TileIDFor returns the id of the tile containing the point at zoom.
func TileIDFor(lat, lon float64, zoom int) int64 {
	return LatLonToTile(lat, lon, zoom).ID()
}

// StoredTileIDFor returns the tile id of a point after rounding it to
// storage precision. Stores index nodes with this id.
func StoredTileIDFor(lat, lon float64, zoom int) int64 {
	return TileIDFor(StorableToGeo(GeoToStorable(lat)), StorableToGeo(GeoToStorable(lon)), zoom)
}

// TileRange represents a range of tiles at a specific zoom level
type TileRange struct {
	Z          int
	MinX, MaxX int
	MinY, MaxY int
}

// BBoxToTileRange converts a bounding box to a range of tiles at a given zoom level
func BBoxToTileRange(bbox BBox, zoom int) TileRange {
	// Y grows southwards, so the north-west corner holds the minimum.
	topLeft := LatLonToTile(bbox.MaxLat, bbox.MinLon, zoom)
	bottomRight := LatLonToTile(bbox.MinLat, bbox.MaxLon, zoom)

	return TileRange{
		Z:    zoom,
		MinX: topLeft.X,
		MaxX: bottomRight.X,
		MinY: topLeft.Y,
		MaxY: bottomRight.Y,
	}
}

// TileCount returns the number of tiles in the range
func (r TileRange) TileCount() int {
	return (r.MaxX - r.MinX + 1) * (r.MaxY - r.MinY + 1)
}

// Tiles returns all tiles in the range
func (r TileRange) Tiles() []Tile {
	tiles := make([]Tile, 0, r.TileCount())
	for x := r.MinX; x <= r.MaxX; x++ {
		for y := r.MinY; y <= r.MaxY; y++ {
			tiles = append(tiles, Tile{Z: r.Z, X: x, Y: y})
		}
	}
	return tiles
}

// IDs returns the ids of all tiles in the range.
func (r TileRange) IDs() []int64 {
	ids := make([]int64, 0, r.TileCount())
	for _, t := range r.Tiles() {
		ids = append(ids, t.ID())
	}
	return ids
}

// TileRangeFor returns the ids of every tile intersecting bbox at zoom.
// The box is quantized first so stored nodes on its edges are covered.
func TileRangeFor(bbox BBox, zoom int) []int64 {
	return BBoxToTileRange(bbox.Quantized(), zoom).IDs()
}

// AffectedTiles returns all tiles touched by a bounding box across zoom levels
func AffectedTiles(bbox BBox, minZoom, maxZoom int) []Tile {
	if !bbox.IsValid() {
		return nil
	}

	var tiles []Tile
	for z := minZoom; z <= maxZoom; z++ {
		tiles = append(tiles, BBoxToTileRange(bbox, z).Tiles()...)
	}
	return tiles
}

// AffectedTilesForPoint returns the tile containing a point at every zoom level in range.
func AffectedTilesForPoint(lat, lon float64, minZoom, maxZoom int) []Tile {
	tiles := make([]Tile, 0, maxZoom-minZoom+1)
	for z := minZoom; z <= maxZoom; z++ {
		tiles = append(tiles, LatLonToTile(lat, lon, z))
	}
	return tiles
}
