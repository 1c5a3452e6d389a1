package store

import (
	"context"

	"github.com/paulmach/osm"
	"go.uber.org/zap"

	"github.com/wegman-software/osmsql-go/internal/logger"
)

// directFunc returns the relations that list one of objs as a member.
type directFunc func(ctx context.Context, objs []osm.Object) ([]*osm.Relation, error)

// resolveClosure returns every relation that contains one of seeds, directly
// or through a chain of relations, each once and ordered by id. Membership
// cycles end once every relation on them has been visited.
func resolveClosure(ctx context.Context, seeds []osm.Object, direct directFunc) ([]*osm.Relation, error) {
	visited := make(map[osm.RelationID]*osm.Relation)
	frontier := seeds

	for round := 1; len(frontier) > 0; round++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		found, err := direct(ctx, frontier)
		if err != nil {
			return nil, err
		}

		next := make([]osm.Object, 0, len(found))
		for _, rel := range found {
			if _, ok := visited[rel.ID]; ok {
				continue
			}
			visited[rel.ID] = rel
			next = append(next, rel)
		}

		logger.Get().Debug("Resolved containing relations",
			zap.Int("round", round),
			zap.Int("frontier", len(frontier)),
			zap.Int("new", len(next)))
		frontier = next
	}

	return sortedByID(visited), nil
}
