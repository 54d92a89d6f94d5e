// Package filter implements streaming reducers that sit between reporters
// and storage. Vertices always pass through unchanged and in arrival order;
// edges may be dropped.
package filter

import (
	"context"
	"fmt"

	"github.com/ritzau/provgraph/pkg/metrics"
	"github.com/ritzau/provgraph/pkg/model"
)

// Sink consumes provenance elements.
type Sink interface {
	PutVertex(ctx context.Context, v *model.Vertex) error
	PutEdge(ctx context.Context, e *model.Edge) error
}

// Filter is a Sink that forwards to another Sink. Filters keep unsynchronized
// state and must be driven by a single writer.
type Filter interface {
	Sink
	Name() string
	SetNext(next Sink)
}

// Chain links filters in order in front of sink and returns the head.
func Chain(sink Sink, filters ...Filter) Sink {
	next := sink
	for i := len(filters) - 1; i >= 0; i-- {
		filters[i].SetNext(next)
		next = filters[i]
	}
	return next
}

// New creates a filter by name.
func New(name string) (Filter, error) {
	switch name {
	case CycleAvoidanceName:
		return NewCycleAvoidance(), nil
	case GraphFinesseName:
		return NewGraphFinesse(), nil
	case RunsName:
		return NewRuns(), nil
	default:
		return nil, fmt.Errorf("unknown filter %q", name)
	}
}

// NewChain creates the named filters and links them in front of sink.
func NewChain(sink Sink, names []string) (Sink, error) {
	filters := make([]Filter, 0, len(names))
	for _, name := range names {
		f, err := New(name)
		if err != nil {
			return nil, err
		}
		filters = append(filters, f)
	}
	return Chain(sink, filters...), nil
}

// base holds the downstream sink and counters common to all filters.
type base struct {
	name string
	next Sink

	forwarded int
	dropped   int
}

func (b *base) Name() string { return b.name }

func (b *base) SetNext(next Sink) { b.next = next }

func (b *base) PutVertex(ctx context.Context, v *model.Vertex) error {
	return b.next.PutVertex(ctx, v)
}

func (b *base) forward(ctx context.Context, e *model.Edge) error {
	b.forwarded++
	metrics.FilterEdges.WithLabelValues(b.name, "forwarded").Inc()
	return b.next.PutEdge(ctx, e)
}

func (b *base) drop() {
	b.dropped++
	metrics.FilterEdges.WithLabelValues(b.name, "dropped").Inc()
}

// Stats returns how many edges were forwarded and dropped.
func (b *base) Stats() (forwarded, dropped int) {
	return b.forwarded, b.dropped
}
