// Package resolver expands the network boundaries of a lineage result by
// querying the peer hosts on the other end of each connection.
package resolver

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/ritzau/provgraph/pkg/lineage"
	"github.com/ritzau/provgraph/pkg/logging"
	"github.com/ritzau/provgraph/pkg/metrics"
	"github.com/ritzau/provgraph/pkg/model"
	"github.com/ritzau/provgraph/pkg/sketch"
	"github.com/ritzau/provgraph/pkg/storage"
)

// Peer runs a lineage query on another host.
type Peer interface {
	Lineage(ctx context.Context, host string, q lineage.Query) (*model.Graph, error)
}

// Sketches provides peer sketches.
type Sketches interface {
	Host() string
	Ensure(ctx context.Context, host string) (*sketch.MatrixFilter, error)
}

// Resolver expands remote boundaries.
type Resolver struct {
	sketches Sketches
	peer     Peer
	// Parallel caps the number of hosts contacted at once.
	Parallel int
}

// New creates a resolver.
func New(sketches Sketches, peer Peer) *Resolver {
	return &Resolver{sketches: sketches, peer: peer, Parallel: 8}
}

// Request carries the parameters of the query being resolved.
type Request struct {
	Direction lineage.Direction
	MaxDepth  int
	Target    string
}

type pending struct {
	boundary model.Boundary
	conn     model.Connection
}

// Selector matches the network vertices of connection c on any host.
func Selector(c model.Connection) storage.Filter {
	return storage.Filter{
		storage.Eq(model.KeySubtype, model.SubtypeNetwork),
		storage.Eq(model.KeySourceHost, c.SourceHost),
		storage.Eq(model.KeySourcePort, c.SourcePort),
		storage.Eq(model.KeyDestinationHost, c.DestinationHost),
		storage.Eq(model.KeyDestinationPort, c.DestinationPort),
	}
}

// Resolve returns g extended with the remote lineage behind its boundaries.
// Failures on a host are logged and leave that host's boundaries
// unresolved; the local result is always returned.
func (r *Resolver) Resolve(ctx context.Context, g *model.Graph, req Request) *model.Graph {
	if !g.Remote || len(g.Boundaries()) == 0 {
		return g
	}

	byHost := make(map[string][]pending)
	var hosts []string
	for _, b := range g.Boundaries() {
		c, err := model.ConnectionOf(b.Vertex)
		if err != nil {
			metrics.RemoteResolutions.WithLabelValues("invalid").Inc()
			logging.DebugContext(ctx, "boundary without connection", "vertex", b.Vertex.Key(), "error", err)
			continue
		}
		if req.MaxDepth-b.Depth <= 0 {
			metrics.RemoteResolutions.WithLabelValues("exhausted").Inc()
			continue
		}
		host := c.RemoteHost(r.sketches.Host())
		if _, ok := byHost[host]; !ok {
			hosts = append(hosts, host)
		}
		byHost[host] = append(byHost[host], pending{boundary: b, conn: c})
	}

	var (
		mu      sync.Mutex
		results []*model.Graph
	)
	var eg errgroup.Group
	if r.Parallel > 0 {
		eg.SetLimit(r.Parallel)
	}
	for _, host := range hosts {
		host := host
		eg.Go(func() error {
			for _, sub := range r.resolveHost(ctx, host, byHost[host], req) {
				mu.Lock()
				results = append(results, sub)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = eg.Wait()

	out := model.NewGraph()
	out.Union(g)
	out.MaxDepth = g.MaxDepth
	for _, sub := range results {
		out.Union(sub)
	}
	out.MaxDepth = g.MaxDepth
	return out
}

func (r *Resolver) resolveHost(ctx context.Context, host string, boundaries []pending, req Request) []*model.Graph {
	peerSketch, err := r.sketches.Ensure(ctx, host)
	if err != nil {
		// without a sketch nothing can be pruned; ask the peer about everything
		logging.WarnContext(ctx, "sketch unavailable, querying peer directly", "host", host, "error", err)
		peerSketch = nil
	}

	var out []*model.Graph
	seen := make(map[string]bool)
	for _, p := range boundaries {
		ck := p.conn.String()
		if seen[ck] {
			continue
		}
		seen[ck] = true

		if r.prune(peerSketch, p, req) {
			metrics.RemoteResolutions.WithLabelValues("pruned").Inc()
			logging.DebugContext(ctx, "pruned boundary", "host", host, "connection", ck)
			continue
		}

		sub, err := r.peer.Lineage(ctx, host, lineage.Query{
			Selector:  Selector(p.conn).String(),
			Direction: req.Direction,
			MaxDepth:  req.MaxDepth - p.boundary.Depth,
		})
		if err != nil {
			metrics.RemoteResolutions.WithLabelValues("failed").Inc()
			logging.WarnContext(ctx, "remote lineage failed", "host", host, "connection", ck, "error", err)
			continue
		}
		metrics.RemoteResolutions.WithLabelValues("resolved").Inc()
		out = append(out, rebase(sub, ck, p.boundary.Depth))
	}
	return out
}

// rebase shifts the boundaries of a peer result, whose depths count from
// the peer's seed, by the depth at which the local traversal reached the
// connection. Boundaries on the connection that was just crossed are dropped.
func rebase(sub *model.Graph, crossed string, depth int) *model.Graph {
	out := model.NewGraph()
	for _, v := range sub.Vertices() {
		out.AddVertex(v)
	}
	for _, e := range sub.Edges() {
		out.AddEdge(e)
	}
	for _, b := range sub.Boundaries() {
		if c, err := model.ConnectionOf(b.Vertex); err == nil && c.String() == crossed {
			continue
		}
		out.AddBoundary(b.Vertex, b.Depth+depth)
	}
	out.MaxDepth = sub.MaxDepth + depth
	return out
}

// prune reports whether the peer's sketch rules out reaching the target
// through this boundary. Only ancestor queries can be pruned: entries record
// what lies upstream of a connection.
func (r *Resolver) prune(peerSketch *sketch.MatrixFilter, p pending, req Request) bool {
	if peerSketch == nil || req.Target == "" || req.Direction != lineage.Ancestors {
		return false
	}
	if p.conn.String() == req.Target {
		return false
	}
	e, ok := peerSketch.Get(p.boundary.Vertex)
	if !ok {
		return false
	}
	return !e.MayContain(req.Target)
}
