package kernel

import (
	"context"

	"github.com/ritzau/provgraph/pkg/metrics"
	"github.com/ritzau/provgraph/pkg/model"
)

// storeSink terminates the filter chain: it writes to storage and lets
// the sketch updater see every stored edge.
type storeSink struct {
	k *Kernel
}

func (s *storeSink) PutVertex(ctx context.Context, v *model.Vertex) error {
	if err := s.k.backend.PutVertex(ctx, v); err != nil {
		return err
	}
	metrics.IngestElements.WithLabelValues("vertex").Inc()
	return nil
}

func (s *storeSink) PutEdge(ctx context.Context, e *model.Edge) error {
	if err := s.k.backend.PutEdge(ctx, e); err != nil {
		return err
	}
	metrics.IngestElements.WithLabelValues("edge").Inc()
	s.k.updater.Observe(e)
	return nil
}

// PutVertex passes v through the ingest filters to storage.
func (k *Kernel) PutVertex(ctx context.Context, v *model.Vertex) error {
	k.ingestMu.Lock()
	defer k.ingestMu.Unlock()
	return k.sink.PutVertex(ctx, v)
}

// PutEdge passes e through the ingest filters to storage. Filters may drop
// it; that is not an error.
func (k *Kernel) PutEdge(ctx context.Context, e *model.Edge) error {
	k.ingestMu.Lock()
	defer k.ingestMu.Unlock()
	return k.sink.PutEdge(ctx, e)
}

// WaitSketchUpdates blocks until the sketch updates scheduled so far have
// run.
func (k *Kernel) WaitSketchUpdates() { k.pool.Wait() }
