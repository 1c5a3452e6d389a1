package osc

import (
	"context"
	"fmt"
	"time"

	"github.com/paulmach/osm"
	"go.uber.org/zap"

	"github.com/wegman-software/osmsql-go/internal/logger"
)

// Store receives applied changes. *store.Writer implements it.
type Store interface {
	Add(ctx context.Context, o osm.Object) error
	DeleteNode(ctx context.Context, id osm.NodeID) error
	DeleteWay(ctx context.Context, id osm.WayID) error
	DeleteRelation(ctx context.Context, id osm.RelationID) error
}

// NodeLookup returns the stored version of nodes. *store.Reader implements it.
type NodeLookup interface {
	GetNodes(ctx context.Context, ids []osm.NodeID) ([]*osm.Node, error)
}

// Expirer records touched coordinates. *expire.Tracker implements it.
type Expirer interface {
	ExpirePoint(lat, lon float64)
}

// Applier writes the changes of osmChange files to a Store. A modified
// entity is deleted before its new version is added so that tags, way nodes
// and members of the old version do not survive.
type Applier struct {
	store   Store
	nodes   NodeLookup
	expirer Expirer
}

// NewApplier creates an applier writing to s.
func NewApplier(s Store) *Applier {
	return &Applier{store: s}
}

// WithExpiry makes the applier record the stored position of every modified
// or deleted node before it is replaced. New positions are the Store's job.
func (a *Applier) WithExpiry(nodes NodeLookup, e Expirer) *Applier {
	a.nodes = nodes
	a.expirer = e
	return a
}

// ApplyFile parses and applies an .osc or .osc.gz file.
func (a *Applier) ApplyFile(ctx context.Context, path string) (Stats, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	start := time.Now()
	p := NewParser()
	changes, errc := p.ParseFile(ctx, path)

	stats, err := a.Apply(ctx, changes)
	if err != nil {
		cancel()
		for range changes {
		}
		return stats, fmt.Errorf("apply %s: %w", path, err)
	}
	if err := <-errc; err != nil {
		return stats, fmt.Errorf("parse %s: %w", path, err)
	}

	logger.Get().Info("Applied change file",
		zap.String("file", path),
		zap.Int64("changes", stats.Total()),
		zap.Int64("deleted", stats.NodesDeleted+stats.WaysDeleted+stats.RelationsDeleted),
		zap.Duration("elapsed", time.Since(start).Round(time.Millisecond)))
	return stats, nil
}

// Apply consumes changes until the channel closes. It returns the counts of
// the changes applied so far.
func (a *Applier) Apply(ctx context.Context, changes <-chan Change) (Stats, error) {
	var stats Stats
	for c := range changes {
		if err := a.apply(ctx, c); err != nil {
			return stats, fmt.Errorf("%s %s: %w", c.Action, c.Object.ObjectID(), err)
		}
		stats.add(c)
	}
	return stats, ctx.Err()
}

func (a *Applier) apply(ctx context.Context, c Change) error {
	if c.Action == ActionCreate {
		return a.store.Add(ctx, c.Object)
	}

	if err := a.expireStored(ctx, c.Object); err != nil {
		return err
	}
	if err := a.delete(ctx, c.Object); err != nil {
		return err
	}
	if c.Action == ActionDelete {
		return nil
	}
	return a.store.Add(ctx, c.Object)
}

func (a *Applier) delete(ctx context.Context, o osm.Object) error {
	switch v := o.(type) {
	case *osm.Node:
		return a.store.DeleteNode(ctx, v.ID)
	case *osm.Way:
		return a.store.DeleteWay(ctx, v.ID)
	case *osm.Relation:
		return a.store.DeleteRelation(ctx, v.ID)
	}
	return fmt.Errorf("unsupported object %T", o)
}

func (a *Applier) expireStored(ctx context.Context, o osm.Object) error {
	n, ok := o.(*osm.Node)
	if !ok || a.nodes == nil || a.expirer == nil {
		return nil
	}
	old, err := a.nodes.GetNodes(ctx, []osm.NodeID{n.ID})
	if err != nil {
		return fmt.Errorf("look up stored node: %w", err)
	}
	for _, on := range old {
		a.expirer.ExpirePoint(on.Lat, on.Lon)
	}
	return nil
}
