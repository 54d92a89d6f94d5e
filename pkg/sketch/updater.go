package sketch

import (
	"context"
	"fmt"

	"github.com/ritzau/provgraph/pkg/lineage"
	"github.com/ritzau/provgraph/pkg/logging"
	"github.com/ritzau/provgraph/pkg/model"
	"github.com/ritzau/provgraph/pkg/storage"
	"github.com/ritzau/provgraph/pkg/workpool"
)

// DefaultDepth bounds the local lineage an update walks.
const DefaultDepth = 20

// Submitter runs tasks off the caller's goroutine.
type Submitter interface {
	Submit(task workpool.Task) error
}

// Updater keeps the local sketch current as edges touching network
// vertices are stored.
type Updater struct {
	mgr    *Manager
	prims  storage.Primitives
	engine *lineage.Engine
	pool   Submitter
	depth  int
}

// NewUpdater creates an updater. depth <= 0 uses DefaultDepth.
func NewUpdater(mgr *Manager, prims storage.Primitives, engine *lineage.Engine, pool Submitter, depth int) *Updater {
	if depth <= 0 {
		depth = DefaultDepth
	}
	return &Updater{mgr: mgr, prims: prims, engine: engine, pool: pool, depth: depth}
}

// Observe inspects a stored edge and schedules a sketch update when a
// network vertex is involved. It never blocks and never fails; a full pool
// drops the update.
func (u *Updater) Observe(e *model.Edge) {
	switch e.Type() {
	case model.EdgeUsed:
		// a process read from a connection: data arrived from the peer
		u.submit(e.ParentKey(), e.Parent(), u.used)
	case model.EdgeWasGeneratedBy:
		// a connection was written by a process: data leaves for the peer
		u.submit(e.ChildKey(), e.Child(), u.generated)
	}
}

func (u *Updater) submit(key string, v *model.Vertex, update func(context.Context, *model.Vertex) error) {
	if v != nil && !v.IsNetwork() {
		return
	}
	err := u.pool.Submit(func(ctx context.Context) error {
		vertex := v
		if vertex == nil {
			var err error
			if vertex, err = u.vertex(ctx, key); err != nil {
				return err
			}
			if !vertex.IsNetwork() {
				return nil
			}
		}
		return update(ctx, vertex)
	})
	if err != nil {
		logging.Debug("sketch update not scheduled", "vertex", key, "error", err)
	}
}

func (u *Updater) vertex(ctx context.Context, key string) (*model.Vertex, error) {
	vs, err := u.prims.GetVertex(ctx, storage.ByKey(key), 1)
	if err != nil {
		return nil, err
	}
	if len(vs) == 0 {
		return nil, fmt.Errorf("vertex %s: %w", key, storage.ErrNotFound)
	}
	return vs[0], nil
}

// counterparts finds the stored network vertices describing the same
// connection as v.
func (u *Updater) counterparts(ctx context.Context, v *model.Vertex) ([]*model.Vertex, error) {
	c, err := model.ConnectionOf(v)
	if err != nil {
		return nil, err
	}
	return u.prims.GetVertex(ctx, storage.Filter{
		storage.Eq(model.KeySubtype, model.SubtypeNetwork),
		storage.Eq(model.KeySourceHost, c.SourceHost),
		storage.Eq(model.KeySourcePort, c.SourcePort),
		storage.Eq(model.KeyDestinationHost, c.DestinationHost),
		storage.Eq(model.KeyDestinationPort, c.DestinationPort),
	}, 0)
}

// used pulls the peer's view of what lies upstream of the connection into
// every local network vertex downstream of it.
func (u *Updater) used(ctx context.Context, v *model.Vertex) error {
	c, err := model.ConnectionOf(v)
	if err != nil {
		return err
	}
	peer, err := u.mgr.Ensure(ctx, c.RemoteHost(u.mgr.Host()))
	if err != nil {
		return err
	}
	upstream, ok := peer.Get(v)
	if !ok {
		logging.Debug("peer sketch has no entry for connection", "connection", c.String())
		return nil
	}

	locals, err := u.counterparts(ctx, v)
	if err != nil {
		return err
	}
	for _, local := range locals {
		g, err := u.engine.Lineage(ctx, lineage.Request{
			Selector:  storage.ByKey(local.Key()),
			Direction: lineage.Descendants,
			MaxDepth:  u.depth,
		})
		if err != nil {
			return err
		}
		for _, b := range g.Boundaries() {
			if _, err := ConnectionKey(b.Vertex); err != nil {
				logging.Debug("skipping incomplete network vertex", "vertex", b.Vertex.Key(), "error", err)
				continue
			}
			if err := u.mgr.UpdateLocalAncestors(b.Vertex, upstream); err != nil {
				return err
			}
			if b.Vertex.Key() != local.Key() {
				if err := u.mgr.AddLocal(b.Vertex, c.String()); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// generated records every local network vertex upstream of the connection
// in its entry.
func (u *Updater) generated(ctx context.Context, v *model.Vertex) error {
	locals, err := u.counterparts(ctx, v)
	if err != nil {
		return err
	}
	for _, local := range locals {
		g, err := u.engine.Lineage(ctx, lineage.Request{
			Selector:  storage.ByKey(local.Key()),
			Direction: lineage.Ancestors,
			MaxDepth:  u.depth,
		})
		if err != nil {
			return err
		}
		for _, b := range g.Boundaries() {
			if b.Vertex.Key() == local.Key() {
				continue
			}
			ck, err := ConnectionKey(b.Vertex)
			if err != nil {
				logging.Debug("skipping incomplete network vertex", "vertex", b.Vertex.Key(), "error", err)
				continue
			}
			if err := u.mgr.AddLocal(v, ck); err != nil {
				return err
			}
		}
	}
	return nil
}
