package filter

import (
	"context"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/ritzau/provgraph/pkg/model"
)

const GraphFinesseName = "finesse"

// GraphFinesse drops an edge (src, dst) when src already reaches dst through
// edges forwarded earlier. Upstream sets are roaring bitmaps over interned
// vertex ids.
type GraphFinesse struct {
	base
	ids      map[string]uint32
	upstream map[uint32]*roaring.Bitmap
}

func NewGraphFinesse() *GraphFinesse {
	return &GraphFinesse{
		base:     base{name: GraphFinesseName},
		ids:      make(map[string]uint32),
		upstream: make(map[uint32]*roaring.Bitmap),
	}
}

func (f *GraphFinesse) intern(key string) uint32 {
	id, ok := f.ids[key]
	if !ok {
		id = uint32(len(f.ids))
		f.ids[key] = id
	}
	return id
}

func (f *GraphFinesse) PutEdge(ctx context.Context, e *model.Edge) error {
	src := f.intern(e.ChildKey())
	dst := f.intern(e.ParentKey())

	reach := f.upstream[dst]
	if reach != nil && reach.Contains(src) {
		f.drop()
		return nil
	}
	if reach == nil {
		reach = roaring.New()
		f.upstream[dst] = reach
	}
	reach.Add(src)
	if srcReach := f.upstream[src]; srcReach != nil {
		reach.Or(srcReach)
	}
	return f.forward(ctx, e)
}

// Upstream reports whether src is recorded as reaching dst.
func (f *GraphFinesse) Upstream(dstKey, srcKey string) bool {
	dst, ok := f.ids[dstKey]
	if !ok {
		return false
	}
	src, ok := f.ids[srcKey]
	if !ok {
		return false
	}
	reach := f.upstream[dst]
	return reach != nil && reach.Contains(src)
}
