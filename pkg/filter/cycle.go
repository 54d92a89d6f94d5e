package filter

import (
	"context"

	"github.com/ritzau/provgraph/pkg/model"
)

const CycleAvoidanceName = "cycle"

// CycleAvoidance drops an edge when the same source has already been
// forwarded into the same destination.
type CycleAvoidance struct {
	base
	sources map[string]map[string]struct{} // destination key -> source keys
}

func NewCycleAvoidance() *CycleAvoidance {
	return &CycleAvoidance{
		base:    base{name: CycleAvoidanceName},
		sources: make(map[string]map[string]struct{}),
	}
}

func (f *CycleAvoidance) PutEdge(ctx context.Context, e *model.Edge) error {
	dst, src := e.ParentKey(), e.ChildKey()

	seen := f.sources[dst]
	if _, ok := seen[src]; ok {
		f.drop()
		return nil
	}
	if seen == nil {
		seen = make(map[string]struct{})
		f.sources[dst] = seen
	}
	seen[src] = struct{}{}
	return f.forward(ctx, e)
}
