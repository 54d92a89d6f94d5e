// Package lineage computes ancestor and descendant subgraphs with a
// level-synchronous breadth-first search over the storage primitives.
package lineage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ritzau/provgraph/pkg/logging"
	"github.com/ritzau/provgraph/pkg/metrics"
	"github.com/ritzau/provgraph/pkg/model"
	"github.com/ritzau/provgraph/pkg/storage"
)

// ErrNoSeeds is returned when the selector matches no vertex.
var ErrNoSeeds = errors.New("selector matched no vertex")

// Request describes one lineage query.
type Request struct {
	Selector  storage.Filter
	Direction Direction
	MaxDepth  int
	// Limit caps each primitive call. Zero uses the engine default.
	Limit int
}

// Engine runs lineage queries against one set of primitives.
type Engine struct {
	prims storage.Primitives
	limit int
}

// New creates an engine. limit is the default cap for primitive calls.
func New(prims storage.Primitives, limit int) *Engine {
	return &Engine{prims: prims, limit: storage.Limit(limit)}
}

// Lineage returns the subgraph reachable from the selector's matches within
// MaxDepth hops. Network vertices reached are recorded as boundaries.
func (e *Engine) Lineage(ctx context.Context, req Request) (*model.Graph, error) {
	start := time.Now()
	g, err := e.lineage(ctx, req)

	dir := req.Direction.String()
	metrics.LineageDuration.WithLabelValues(dir).Observe(time.Since(start).Seconds())
	result := "ok"
	if err != nil {
		result = "error"
		if !errors.Is(err, ErrNoSeeds) {
			logging.ErrorContext(ctx, "lineage failed", "direction", dir, "selector", req.Selector.String(), "error", err)
		}
	}
	metrics.LineageRequests.WithLabelValues(dir, result).Inc()
	return g, err
}

func (e *Engine) lineage(ctx context.Context, req Request) (*model.Graph, error) {
	if err := req.Selector.Validate(); err != nil {
		return nil, err
	}
	if req.MaxDepth < 0 {
		return nil, fmt.Errorf("negative max depth %d", req.MaxDepth)
	}
	limit := e.limit
	if req.Limit > 0 {
		limit = req.Limit
	}

	seeds, err := e.prims.GetVertex(ctx, req.Selector, limit)
	if err != nil {
		return nil, fmt.Errorf("selecting seeds: %w", err)
	}
	if len(seeds) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoSeeds, req.Selector)
	}

	switch req.Direction {
	case Ancestors, Descendants:
		return e.traverse(ctx, seeds, req.Direction, req.MaxDepth, limit)
	case Both:
		up, err := e.traverse(ctx, seeds, Ancestors, req.MaxDepth, limit)
		if err != nil {
			return nil, err
		}
		down, err := e.traverse(ctx, seeds, Descendants, req.MaxDepth, limit)
		if err != nil {
			return nil, err
		}
		up.Union(down)
		return up, nil
	}
	return nil, fmt.Errorf("unknown lineage direction %d", req.Direction)
}

func (e *Engine) traverse(ctx context.Context, seeds []*model.Vertex, dir Direction, maxDepth, limit int) (*model.Graph, error) {
	g := model.NewGraph()
	g.MaxDepth = maxDepth

	visited := make(map[string]bool, len(seeds))
	frontier := make([]*model.Vertex, 0, len(seeds))
	for _, v := range seeds {
		g.AddVertex(v)
		if v.IsNetwork() {
			g.AddBoundary(v, 0)
		}
		if !visited[v.Key()] {
			visited[v.Key()] = true
			frontier = append(frontier, v)
		}
	}

	for depth := 0; len(frontier) > 0 && depth < maxDepth; {
		depth++
		var next []*model.Vertex
		for _, cur := range frontier {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			neighbours, err := e.neighbours(ctx, cur, dir, limit)
			if err != nil {
				return nil, err
			}
			for _, n := range neighbours {
				g.AddVertex(n)
				if err := e.addEdges(ctx, g, cur, n, dir, limit); err != nil {
					return nil, err
				}
				if n.IsNetwork() {
					g.AddBoundary(n, depth)
				}
				if !visited[n.Key()] {
					visited[n.Key()] = true
					next = append(next, n)
				}
			}
		}
		logging.Trace("lineage level", "direction", dir.String(), "depth", depth, "frontier", len(next))
		frontier = next
	}
	return g, nil
}

func (e *Engine) neighbours(ctx context.Context, v *model.Vertex, dir Direction, limit int) ([]*model.Vertex, error) {
	var (
		out []*model.Vertex
		err error
	)
	if dir == Ancestors {
		out, err = e.prims.GetParents(ctx, v.Key(), limit)
	} else {
		out, err = e.prims.GetChildren(ctx, v.Key(), limit)
	}
	if err != nil {
		return nil, fmt.Errorf("%s of %s: %w", dir, v.Key(), err)
	}
	return out, nil
}

// addEdges adds every edge joining cur and its neighbour n.
func (e *Engine) addEdges(ctx context.Context, g *model.Graph, cur, n *model.Vertex, dir Direction, limit int) error {
	child, parent := cur, n
	if dir == Descendants {
		child, parent = n, cur
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	edges, err := e.prims.GetEdge(ctx, storage.Filter{
		storage.Eq(model.ChildKey, child.Key()),
		storage.Eq(model.ParentKey, parent.Key()),
	}, limit)
	if err != nil {
		return fmt.Errorf("edge %s -> %s: %w", child.Key(), parent.Key(), err)
	}
	for _, edge := range edges {
		g.AddEdge(edge.WithEndpoints(child, parent))
	}
	return nil
}
