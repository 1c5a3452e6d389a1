package expire

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/wegman-software/osmsql-go/internal/tiles"
)

func TestTrackerPoint(t *testing.T) {
	tr := NewTracker(10, 12)
	tr.ExpirePoint(51.5074, -0.1278)
	tr.ExpirePoint(51.5074, -0.1278)

	if got := tr.Count(); got != 3 {
		t.Fatalf("Count() = %d, want 3", got)
	}
	counts := tr.CountByZoom()
	for z := 10; z <= 12; z++ {
		if counts[z] != 1 {
			t.Errorf("zoom %d: got %d tiles, want 1", z, counts[z])
		}
	}
}

func TestTrackerBBox(t *testing.T) {
	tr := NewTracker(1, 1)
	tr.ExpireBBox(tiles.BBox{MinLon: -10, MinLat: -10, MaxLon: 10, MaxLat: 10})
	if got := tr.Count(); got != 4 {
		t.Errorf("Count() = %d, want 4", got)
	}

	tr.Clear()
	tr.ExpireBBox(tiles.BBox{MinLon: 10, MinLat: 0, MaxLon: -10, MaxLat: 1})
	if got := tr.Count(); got != 0 {
		t.Errorf("invalid bbox added %d tiles", got)
	}
}

func TestTrackerSortedOutput(t *testing.T) {
	tr := NewTracker(2, 1)
	tr.ExpirePoint(-60, 170)
	tr.ExpirePoint(60, -170)

	ts := tr.Tiles()
	for i := 1; i < len(ts); i++ {
		a, b := ts[i-1], ts[i]
		if a.Z > b.Z || (a.Z == b.Z && (a.X > b.X || (a.X == b.X && a.Y > b.Y))) {
			t.Errorf("tiles out of order: %v before %v", a, b)
		}
	}
}

func TestTrackerConcurrent(t *testing.T) {
	tr := NewTracker(5, 5)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				tr.ExpirePoint(45, 7)
			}
		}()
	}
	wg.Wait()
	if got := tr.Count(); got != 1 {
		t.Errorf("Count() = %d, want 1", got)
	}
}

func TestWriteToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "expire.list")

	tr := NewTracker(3, 3)
	tr.ExpirePoint(0.1, 0.1)
	if err := tr.WriteToFile(path, false); err != nil {
		t.Fatal(err)
	}
	if err := tr.WriteToFile(path, true); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 || lines[0] != "3/4/3" || lines[1] != "3/4/3" {
		t.Errorf("unexpected file contents %q", data)
	}

	if err := tr.WriteToFile(path, false); err != nil {
		t.Fatal(err)
	}
	data, _ = os.ReadFile(path)
	if got := strings.TrimSpace(string(data)); got != "3/4/3" {
		t.Errorf("truncating write left %q", got)
	}
}
