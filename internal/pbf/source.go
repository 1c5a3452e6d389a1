package pbf

import (
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"github.com/paulmach/osm"
	"github.com/paulmach/osm/osmpbf"
	"github.com/paulmach/osm/osmxml"
	"go.uber.org/zap"

	"github.com/wegman-software/osmsql-go/internal/logger"
	"github.com/wegman-software/osmsql-go/internal/tiles"
)

// Sink receives entities in file order: nodes, then ways, then relations.
type Sink interface {
	Add(ctx context.Context, o osm.Object) error
}

// Options configures an import.
type Options struct {
	Workers          int           // PBF decoding goroutines, 0 means one per CPU
	BBox             *tiles.BBox   // keep only data inside this box
	ProgressInterval time.Duration // how often progress is logged
}

// Stats holds import statistics
type Stats struct {
	Nodes     int64
	Ways      int64
	Relations int64
	Skipped   int64
	BytesRead int64
	Duration  time.Duration
}

// Total returns the number of entities passed to the sink.
func (s *Stats) Total() int64 {
	return s.Nodes + s.Ways + s.Relations
}

// scanner is implemented by both osmpbf.Scanner and osmxml.Scanner.
type scanner interface {
	Scan() bool
	Object() osm.Object
	Err() error
	Close() error
}

// Importer reads an OSM file and feeds its entities to a Sink.
type Importer struct {
	opts Options

	nodes     atomic.Int64
	ways      atomic.Int64
	relations atomic.Int64
	skipped   atomic.Int64
}

// NewImporter creates an importer
func NewImporter(opts Options) *Importer {
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}
	return &Importer{opts: opts}
}

// ImportFile imports a .osm.pbf, .osm or .osm.gz file into sink.
func (im *Importer) ImportFile(ctx context.Context, path string, sink Sink) (*Stats, error) {
	log := logger.Get()

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open input: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}

	counter := &countingReader{r: f}
	sc, err := im.openScanner(ctx, path, counter)
	if err != nil {
		return nil, err
	}
	defer sc.Close()

	log.Info("Importing", zap.String("file", path), zap.String("size", FormatBytes(info.Size())))
	start := time.Now()

	tracker := NewProgressTracker(info.Size())
	progressCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go NewProgressTicker(progressCtx, im.opts.ProgressInterval, func() {
		p := tracker.Calculate(im.total(), counter.n.Load())
		log.Info("Import progress",
			zap.Int64("nodes", im.nodes.Load()),
			zap.Int64("ways", im.ways.Load()),
			zap.Int64("relations", im.relations.Load()),
			zap.String("pct", fmt.Sprintf("%.1f%%", p.Percentage)),
			zap.String("rate", FormatThroughput(p.Throughput)),
			zap.String("eta", FormatETA(p.ETA)))
	}).Run()

	if err := im.run(ctx, sc, sink); err != nil {
		return nil, err
	}

	stats := im.Stats()
	stats.BytesRead = counter.n.Load()
	stats.Duration = time.Since(start)
	log.Info("Import complete",
		zap.Int64("nodes", stats.Nodes),
		zap.Int64("ways", stats.Ways),
		zap.Int64("relations", stats.Relations),
		zap.Int64("skipped", stats.Skipped),
		zap.Duration("duration", stats.Duration.Round(time.Second)))
	return &stats, nil
}

func (im *Importer) openScanner(ctx context.Context, path string, r io.Reader) (scanner, error) {
	switch {
	case strings.HasSuffix(path, ".pbf"):
		return osmpbf.New(ctx, r, im.opts.Workers), nil
	case strings.HasSuffix(path, ".osm"):
		return osmxml.New(ctx, r), nil
	case strings.HasSuffix(path, ".osm.gz"):
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("failed to create gzip reader: %w", err)
		}
		return osmxml.New(ctx, gz), nil
	}
	return nil, fmt.Errorf("unsupported input %q (want .osm.pbf, .osm or .osm.gz)", path)
}

// run drains sc into sink.
func (im *Importer) run(ctx context.Context, sc scanner, sink Sink) error {
	var bbox *bboxFilter
	if im.opts.BBox != nil {
		bbox = newBBoxFilter(*im.opts.BBox)
	}

	for sc.Scan() {
		o := sc.Object()
		if bbox != nil && !bbox.keep(o) {
			im.skipped.Add(1)
			continue
		}

		switch o.(type) {
		case *osm.Node:
			im.nodes.Add(1)
		case *osm.Way:
			im.ways.Add(1)
		case *osm.Relation:
			im.relations.Add(1)
		default:
			// changesets and notes
			continue
		}

		if err := sink.Add(ctx, o); err != nil {
			return fmt.Errorf("failed to store %s: %w", o.ObjectID(), err)
		}
	}

	if err := sc.Err(); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to read input: %w", err)
	}
	return nil
}

func (im *Importer) total() int64 {
	return im.nodes.Load() + im.ways.Load() + im.relations.Load()
}

// Stats returns a snapshot of the counters.
func (im *Importer) Stats() Stats {
	return Stats{
		Nodes:     im.nodes.Load(),
		Ways:      im.ways.Load(),
		Relations: im.relations.Load(),
		Skipped:   im.skipped.Load(),
	}
}

// bboxFilter keeps nodes inside a box, ways with at least one kept node and
// relations with at least one kept member. Kept ways keep all their node
// references. It relies on the nodes, ways, relations file order.
type bboxFilter struct {
	box       tiles.BBox
	nodes     map[osm.NodeID]struct{}
	ways      map[osm.WayID]struct{}
	relations map[osm.RelationID]struct{}
}

func newBBoxFilter(box tiles.BBox) *bboxFilter {
	return &bboxFilter{
		box:       box,
		nodes:     make(map[osm.NodeID]struct{}),
		ways:      make(map[osm.WayID]struct{}),
		relations: make(map[osm.RelationID]struct{}),
	}
}

func (f *bboxFilter) keep(o osm.Object) bool {
	switch v := o.(type) {
	case *osm.Node:
		if !f.box.Contains(v.Lat, v.Lon) {
			return false
		}
		f.nodes[v.ID] = struct{}{}
		return true

	case *osm.Way:
		for _, wn := range v.Nodes {
			if _, ok := f.nodes[wn.ID]; ok {
				f.ways[v.ID] = struct{}{}
				return true
			}
		}
		return false

	case *osm.Relation:
		for _, m := range v.Members {
			var ok bool
			switch m.Type {
			case osm.TypeNode:
				_, ok = f.nodes[osm.NodeID(m.Ref)]
			case osm.TypeWay:
				_, ok = f.ways[osm.WayID(m.Ref)]
			case osm.TypeRelation:
				_, ok = f.relations[osm.RelationID(m.Ref)]
			}
			if ok {
				f.relations[v.ID] = struct{}{}
				return true
			}
		}
		return false
	}
	return false
}
