package lineage

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ritzau/provgraph/pkg/model"
	"github.com/ritzau/provgraph/pkg/storage"
	"github.com/ritzau/provgraph/pkg/storage/memstore"
)

func artifact(name string) *model.Vertex {
	return model.MustVertex("type", model.TypeArtifact, "path", "/"+name)
}

func network(src, dst string) *model.Vertex {
	return model.MustVertex(
		"type", model.TypeArtifact,
		"subtype", model.SubtypeNetwork,
		"source host", src, "source port", "4000",
		"destination host", dst, "destination port", "80",
	)
}

func put(t *testing.T, s storage.Store, vs []*model.Vertex, es []*model.Edge) {
	t.Helper()
	ctx := context.Background()
	for _, v := range vs {
		require.NoError(t, s.PutVertex(ctx, v))
	}
	for _, e := range es {
		require.NoError(t, s.PutEdge(ctx, e))
	}
}

// chain stores v0 <- v1 <- v2 <- v3: each vertex is derived from the
// previous one, so v1 is a descendant of v0.
func chain(t *testing.T) (*memstore.Store, []*model.Vertex) {
	s := memstore.New(storage.DefaultBase)
	vs := make([]*model.Vertex, 4)
	for i := range vs {
		vs[i] = artifact(fmt.Sprintf("v%d", i))
	}
	var es []*model.Edge
	for i := 0; i+1 < len(vs); i++ {
		es = append(es, model.MustEdge(model.EdgeWasDerivedFrom, vs[i+1], vs[i]))
	}
	put(t, s, vs, es)
	return s, vs
}

func keys(g *model.Graph) []string {
	out := make([]string, 0, g.VertexCount())
	for _, v := range g.Vertices() {
		out = append(out, v.Key())
	}
	return out
}

func TestParseDirection(t *testing.T) {
	cases := map[string]Direction{
		"a":           Ancestors,
		"ANC":         Ancestors,
		"ancestors":   Ancestors,
		"desc":        Descendants,
		"Descendants": Descendants,
		"b":           Both,
	}
	for in, want := range cases {
		got, err := ParseDirection(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	for _, bad := range []string{"", "x", "ancestorsx", "up"} {
		_, err := ParseDirection(bad)
		assert.Error(t, err, bad)
	}
}

func TestDescendantsDepthBound(t *testing.T) {
	s, vs := chain(t)
	e := New(s, 0)

	g, err := e.Lineage(context.Background(), Request{
		Selector:  storage.ByKey(vs[0].Key()),
		Direction: Descendants,
		MaxDepth:  2,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{vs[0].Key(), vs[1].Key(), vs[2].Key()}, keys(g))
	assert.Equal(t, 2, g.EdgeCount())
	assert.False(t, g.HasVertex(vs[3].Key()))
	assert.False(t, g.Remote)
	for _, edge := range g.Edges() {
		require.NotNil(t, edge.Child())
		require.NotNil(t, edge.Parent())
	}
}

func TestAncestors(t *testing.T) {
	s, vs := chain(t)
	e := New(s, 0)

	g, err := e.Lineage(context.Background(), Request{
		Selector:  storage.ByKey(vs[3].Key()),
		Direction: Ancestors,
		MaxDepth:  10,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{vs[3].Key(), vs[2].Key(), vs[1].Key(), vs[0].Key()}, keys(g))
	assert.Equal(t, 3, g.EdgeCount())
}

func TestZeroDepthReturnsSeeds(t *testing.T) {
	s, vs := chain(t)
	g, err := New(s, 0).Lineage(context.Background(), Request{
		Selector:  storage.ByKey(vs[1].Key()),
		Direction: Ancestors,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{vs[1].Key()}, keys(g))
	assert.Zero(t, g.EdgeCount())
}

func TestBoth(t *testing.T) {
	s, vs := chain(t)
	g, err := New(s, 0).Lineage(context.Background(), Request{
		Selector:  storage.ByKey(vs[1].Key()),
		Direction: Both,
		MaxDepth:  1,
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{vs[0].Key(), vs[1].Key(), vs[2].Key()}, keys(g))
	assert.Equal(t, 2, g.EdgeCount())
}

func TestDiamondVisitsOnce(t *testing.T) {
	s := memstore.New(storage.DefaultBase)
	a, b, c, d := artifact("a"), artifact("b"), artifact("c"), artifact("d")
	put(t, s, []*model.Vertex{a, b, c, d}, []*model.Edge{
		model.MustEdge(model.EdgeWasDerivedFrom, b, a),
		model.MustEdge(model.EdgeWasDerivedFrom, c, a),
		model.MustEdge(model.EdgeWasDerivedFrom, d, b),
		model.MustEdge(model.EdgeWasDerivedFrom, d, c),
	})

	g, err := New(s, 0).Lineage(context.Background(), Request{
		Selector:  storage.ByKey(a.Key()),
		Direction: Descendants,
		MaxDepth:  5,
	})
	require.NoError(t, err)
	assert.Equal(t, 4, g.VertexCount())
	assert.Equal(t, 4, g.EdgeCount())
}

func TestNetworkBoundaries(t *testing.T) {
	s, vs := chain(t)
	sock := network("10.0.0.1", "10.0.0.2")
	put(t, s, []*model.Vertex{sock}, []*model.Edge{
		model.MustEdge(model.EdgeWasDerivedFrom, vs[0], sock),
	})

	g, err := New(s, 0).Lineage(context.Background(), Request{
		Selector:  storage.ByKey(vs[1].Key()),
		Direction: Ancestors,
		MaxDepth:  5,
	})
	require.NoError(t, err)
	require.True(t, g.Remote)
	bs := g.Boundaries()
	require.Len(t, bs, 1)
	assert.Equal(t, sock.Key(), bs[0].Vertex.Key())
	assert.Equal(t, 2, bs[0].Depth)
}

func TestNetworkSeedIsBoundary(t *testing.T) {
	s := memstore.New(storage.DefaultBase)
	sock := network("10.0.0.1", "10.0.0.2")
	put(t, s, []*model.Vertex{sock}, nil)

	g, err := New(s, 0).Lineage(context.Background(), Request{
		Selector:  storage.ByKey(sock.Key()),
		Direction: Descendants,
		MaxDepth:  3,
	})
	require.NoError(t, err)
	require.Len(t, g.Boundaries(), 1)
	assert.Equal(t, 0, g.Boundaries()[0].Depth)
}

func TestNoSeeds(t *testing.T) {
	s, _ := chain(t)
	_, err := New(s, 0).Lineage(context.Background(), Request{
		Selector:  storage.Filter{storage.Eq("path", "/missing")},
		Direction: Ancestors,
		MaxDepth:  1,
	})
	assert.ErrorIs(t, err, ErrNoSeeds)
}

type failingParents struct {
	storage.Primitives
	err error
}

func (f failingParents) GetParents(ctx context.Context, childKey string, limit int) ([]*model.Vertex, error) {
	return nil, f.err
}

func TestPrimitiveErrorAborts(t *testing.T) {
	s, vs := chain(t)
	boom := errors.New("backend down")

	_, err := New(failingParents{Primitives: s, err: boom}, 0).Lineage(context.Background(), Request{
		Selector:  storage.ByKey(vs[3].Key()),
		Direction: Ancestors,
		MaxDepth:  2,
	})
	assert.ErrorIs(t, err, boom)
}

func TestCancelledContext(t *testing.T) {
	s, vs := chain(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New(s, 0).Lineage(ctx, Request{
		Selector:  storage.ByKey(vs[0].Key()),
		Direction: Descendants,
		MaxDepth:  3,
	})
	assert.ErrorIs(t, err, context.Canceled)
}
