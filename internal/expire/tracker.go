package expire

import (
	"bufio"
	"cmp"
	"fmt"
	"maps"
	"os"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/wegman-software/osmsql-go/internal/logger"
	"github.com/wegman-software/osmsql-go/internal/tiles"
)

// Tracker collects the tiles touched by written or deleted entities so a
// renderer can re-render them. It is safe for concurrent use.
type Tracker struct {
	mu      sync.Mutex
	tiles   map[tiles.Tile]struct{}
	minZoom int
	maxZoom int
}

// NewTracker creates a tracker recording tiles from minZoom to maxZoom.
func NewTracker(minZoom, maxZoom int) *Tracker {
	if maxZoom < minZoom {
		minZoom, maxZoom = maxZoom, minZoom
	}
	return &Tracker{
		tiles:   make(map[tiles.Tile]struct{}),
		minZoom: minZoom,
		maxZoom: maxZoom,
	}
}

// ExpirePoint marks the tiles containing a point.
func (t *Tracker) ExpirePoint(lat, lon float64) {
	t.add(tiles.AffectedTilesForPoint(lat, lon, t.minZoom, t.maxZoom))
}

// ExpireBBox marks the tiles intersecting a bounding box. Invalid boxes are
// ignored.
func (t *Tracker) ExpireBBox(bbox tiles.BBox) {
	if !bbox.IsValid() {
		return
	}
	t.add(tiles.AffectedTiles(bbox, t.minZoom, t.maxZoom))
}

func (t *Tracker) add(ts []tiles.Tile) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, tile := range ts {
		t.tiles[tile] = struct{}{}
	}
}

// Count returns the number of distinct tiles.
func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.tiles)
}

// CountByZoom returns the number of tiles per zoom level.
func (t *Tracker) CountByZoom() map[int]int {
	t.mu.Lock()
	defer t.mu.Unlock()

	counts := make(map[int]int)
	for tile := range t.tiles {
		counts[tile.Z]++
	}
	return counts
}

// Tiles returns the tracked tiles ordered by zoom, x, then y.
func (t *Tracker) Tiles() []tiles.Tile {
	t.mu.Lock()
	out := slices.Collect(maps.Keys(t.tiles))
	t.mu.Unlock()

	slices.SortFunc(out, func(a, b tiles.Tile) int {
		return cmp.Or(cmp.Compare(a.Z, b.Z), cmp.Compare(a.X, b.X), cmp.Compare(a.Y, b.Y))
	})
	return out
}

// Clear forgets every tracked tile.
func (t *Tracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	clear(t.tiles)
}

// WriteToFile writes the tiles to filename, one z/x/y per line. With
// appendMode the file is extended instead of replaced.
func (t *Tracker) WriteToFile(filename string, appendMode bool) error {
	log := logger.Get()

	ts := t.Tiles()
	if len(ts) == 0 {
		log.Info("No tiles to expire")
		return nil
	}

	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if appendMode {
		flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
	}
	f, err := os.OpenFile(filename, flags, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open expire file: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, tile := range ts {
		fmt.Fprintln(w, tile.String())
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("failed to write expire file: %w", err)
	}

	counts := t.CountByZoom()
	fields := []zap.Field{zap.String("file", filename)}
	for _, z := range slices.Sorted(maps.Keys(counts)) {
		fields = append(fields, zap.Int(fmt.Sprintf("z%d", z), counts[z]))
	}
	fields = append(fields, zap.Int("total", len(ts)))
	log.Info("Wrote expire tiles", fields...)

	return f.Close()
}
