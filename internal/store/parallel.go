package store

import (
	"context"
	"sync"

	"github.com/paulmach/osm"
	"golang.org/x/sync/errgroup"

	"github.com/wegman-software/osmsql-go/internal/idbatch"
)

// ParallelNodesForTiles loads the nodes of tileIDs using up to workers
// concurrent copies of r. The result is ordered by id.
func ParallelNodesForTiles(ctx context.Context, r *Reader, tileIDs []int64, workers int) ([]*osm.Node, error) {
	chunks := idbatch.Chunk(idbatch.Unique(tileIDs), 0)
	if workers < 1 {
		workers = 1
	}
	if workers > len(chunks) {
		workers = len(chunks)
	}
	if workers <= 1 {
		return r.GetNodesForTiles(ctx, tileIDs)
	}

	var (
		mu    sync.Mutex
		found = make(map[osm.NodeID]*osm.Node)
		work  = make(chan []int64)
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(work)
		for _, chunk := range chunks {
			select {
			case work <- chunk:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})

	for i := 0; i < workers; i++ {
		g.Go(func() error {
			cp, err := r.ConcurrentCopy(ctx)
			if err != nil {
				return err
			}
			defer cp.Close()

			for chunk := range work {
				nodes, err := cp.GetNodesForTiles(ctx, chunk)
				if err != nil {
					return err
				}
				mu.Lock()
				for _, n := range nodes {
					found[n.ID] = n
				}
				mu.Unlock()
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return sortedByID(found), nil
}
