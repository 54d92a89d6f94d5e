package filter

import (
	"context"
	"testing"

	"github.com/ritzau/provgraph/pkg/model"
)

// recorder is a terminal sink that keeps everything it receives.
type recorder struct {
	vertices []*model.Vertex
	edges    []*model.Edge
}

func (r *recorder) PutVertex(ctx context.Context, v *model.Vertex) error {
	r.vertices = append(r.vertices, v)
	return nil
}

func (r *recorder) PutEdge(ctx context.Context, e *model.Edge) error {
	r.edges = append(r.edges, e)
	return nil
}

func proc(pid string) *model.Vertex {
	return model.MustVertex("type", model.TypeProcess, "pid", pid)
}

func file(path string) *model.Vertex {
	return model.MustVertex("type", model.TypeArtifact, "path", path)
}

func flow(src, dst *model.Vertex, seq string) *model.Edge {
	return model.MustEdge(model.EdgeWasDerivedFrom, src, dst, "seq", seq)
}

func TestCycleAvoidanceDropsRepeatedSource(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	f := NewCycleAvoidance()
	head := Chain(rec, f)

	a, x := file("/a"), file("/x")
	if err := head.PutEdge(ctx, flow(a, x, "1")); err != nil {
		t.Fatalf("PutEdge failed: %v", err)
	}
	if err := head.PutEdge(ctx, flow(a, x, "2")); err != nil {
		t.Fatalf("PutEdge failed: %v", err)
	}

	if len(rec.edges) != 1 {
		t.Fatalf("Expected 1 forwarded edge, got %d", len(rec.edges))
	}
	if s, _ := rec.edges[0].Get("seq"); s != "1" {
		t.Errorf("Expected first edge forwarded, got seq %s", s)
	}
	if fwd, drop := f.Stats(); fwd != 1 || drop != 1 {
		t.Errorf("Expected stats 1/1, got %d/%d", fwd, drop)
	}
}

func TestGraphFinesseDropsTransitiveEdge(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	f := NewGraphFinesse()
	head := Chain(rec, f)

	a, b, c := file("/a"), file("/b"), file("/c")
	for _, e := range []*model.Edge{flow(a, b, "1"), flow(b, c, "2"), flow(a, c, "3")} {
		if err := head.PutEdge(ctx, e); err != nil {
			t.Fatalf("PutEdge failed: %v", err)
		}
	}

	if len(rec.edges) != 2 {
		t.Fatalf("Expected 2 forwarded edges, got %d", len(rec.edges))
	}
	for i, want := range []string{"1", "2"} {
		if s, _ := rec.edges[i].Get("seq"); s != want {
			t.Errorf("Edge %d: expected seq %s, got %s", i, want, s)
		}
	}
	if !f.Upstream(c.Key(), a.Key()) {
		t.Error("Expected /a recorded upstream of /c")
	}
}

func TestGraphFinesseKeepsUnrelatedEdges(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	head := Chain(rec, NewGraphFinesse())

	a, b, c := file("/a"), file("/b"), file("/c")
	edges := []*model.Edge{flow(a, b, "1"), flow(c, b, "2"), flow(b, a, "3")}
	for _, e := range edges {
		if err := head.PutEdge(ctx, e); err != nil {
			t.Fatalf("PutEdge failed: %v", err)
		}
	}
	if len(rec.edges) != 3 {
		t.Errorf("Expected 3 forwarded edges, got %d", len(rec.edges))
	}
}

func TestRunsCollapsesReads(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	head := Chain(rec, NewRuns())

	p, f := proc("7"), file("/data")
	edges := []*model.Edge{
		model.MustEdge(model.EdgeUsed, p, f, "seq", "1"),
		model.MustEdge(model.EdgeUsed, p, f, "seq", "2"),
		model.MustEdge(model.EdgeWasGeneratedBy, f, p, "seq", "3"),
		model.MustEdge(model.EdgeUsed, p, f, "seq", "4"),
	}
	for _, e := range edges {
		if err := head.PutEdge(ctx, e); err != nil {
			t.Fatalf("PutEdge failed: %v", err)
		}
	}

	want := []string{"1", "3", "4"}
	if len(rec.edges) != len(want) {
		t.Fatalf("Expected %d forwarded edges, got %d", len(want), len(rec.edges))
	}
	for i, w := range want {
		if s, _ := rec.edges[i].Get("seq"); s != w {
			t.Errorf("Edge %d: expected seq %s, got %s", i, w, s)
		}
	}
}

func TestRunsCollapsesWrites(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	head := Chain(rec, NewRuns())

	p, f := proc("9"), file("/log")
	edges := []*model.Edge{
		model.MustEdge(model.EdgeWasGeneratedBy, f, p, "seq", "1"),
		model.MustEdge(model.EdgeWasGeneratedBy, f, p, "seq", "2"),
		model.MustEdge(model.EdgeUsed, p, f, "seq", "3"),
		model.MustEdge(model.EdgeWasGeneratedBy, f, p, "seq", "4"),
		model.MustEdge(model.EdgeWasTriggeredBy, p, proc("1"), "seq", "5"),
	}
	for _, e := range edges {
		if err := head.PutEdge(ctx, e); err != nil {
			t.Fatalf("PutEdge failed: %v", err)
		}
	}
	if len(rec.edges) != 4 {
		t.Errorf("Expected 4 forwarded edges, got %d", len(rec.edges))
	}
}

func TestVerticesPassThroughInOrder(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	head, err := NewChain(rec, []string{RunsName, CycleAvoidanceName, GraphFinesseName})
	if err != nil {
		t.Fatalf("NewChain failed: %v", err)
	}

	vs := []*model.Vertex{proc("1"), file("/a"), proc("1"), file("/b")}
	for _, v := range vs {
		if err := head.PutVertex(ctx, v); err != nil {
			t.Fatalf("PutVertex failed: %v", err)
		}
	}
	if len(rec.vertices) != len(vs) {
		t.Fatalf("Expected %d vertices, got %d", len(vs), len(rec.vertices))
	}
	for i := range vs {
		if rec.vertices[i] != vs[i] {
			t.Errorf("Vertex %d out of order", i)
		}
	}
}

func TestNewChainUnknownFilter(t *testing.T) {
	if _, err := NewChain(&recorder{}, []string{"bogus"}); err == nil {
		t.Error("Expected error for unknown filter")
	}
}
