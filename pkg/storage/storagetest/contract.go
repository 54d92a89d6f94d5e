// Package storagetest holds the behavioural tests every storage backend
// must pass.
package storagetest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ritzau/provgraph/pkg/model"
	"github.com/ritzau/provgraph/pkg/storage"
)

// Opener returns a fresh, empty backend for one test.
type Opener func(t *testing.T) storage.Backend

// Run executes the contract suite against backends produced by open.
func Run(t *testing.T, open Opener) {
	t.Run("VertexRoundTrip", func(t *testing.T) { testVertexRoundTrip(t, open(t)) })
	t.Run("EdgeRequiresEndpoints", func(t *testing.T) { testEdgeRequiresEndpoints(t, open(t)) })
	t.Run("ChildrenAndParents", func(t *testing.T) { testChildrenAndParents(t, open(t)) })
	t.Run("GetEdgeByEndpoints", func(t *testing.T) { testGetEdgeByEndpoints(t, open(t)) })
	t.Run("Limit", func(t *testing.T) { testLimit(t, open(t)) })
	t.Run("Tables", func(t *testing.T) { testTables(t, open(t)) })
	t.Run("SymbolRows", func(t *testing.T) { testSymbolRows(t, open(t)) })
	t.Run("ExecuteQuery", func(t *testing.T) { testExecuteQuery(t, open(t)) })
}

// Fixture is a small provenance graph:
//
//	bash --Used--> /etc/passwd
//	/tmp/out --WasGeneratedBy--> bash
//	/tmp/out --WasDerivedFrom--> /etc/passwd
type Fixture struct {
	Bash, Passwd, Out *model.Vertex
	Used, Generated   *model.Edge
	Derived           *model.Edge
}

// NewFixture builds the fixture without storing it.
func NewFixture() Fixture {
	bash := model.MustVertex("type", model.TypeProcess, "name", "bash", "pid", "100")
	passwd := model.MustVertex("type", model.TypeArtifact, "path", "/etc/passwd")
	out := model.MustVertex("type", model.TypeArtifact, "path", "/tmp/out")
	return Fixture{
		Bash:      bash,
		Passwd:    passwd,
		Out:       out,
		Used:      model.MustEdge(model.EdgeUsed, bash, passwd, "operation", "read"),
		Generated: model.MustEdge(model.EdgeWasGeneratedBy, out, bash, "operation", "write"),
		Derived:   model.MustEdge(model.EdgeWasDerivedFrom, out, passwd),
	}
}

// Load stores the fixture in s.
func (f Fixture) Load(t *testing.T, s storage.Store) {
	t.Helper()
	ctx := context.Background()
	for _, v := range []*model.Vertex{f.Bash, f.Passwd, f.Out} {
		require.NoError(t, s.PutVertex(ctx, v))
	}
	for _, e := range []*model.Edge{f.Used, f.Generated, f.Derived} {
		require.NoError(t, s.PutEdge(ctx, e))
	}
}

func keys(vs []*model.Vertex) []string {
	out := make([]string, len(vs))
	for i, v := range vs {
		out[i] = v.Key()
	}
	return out
}

func testVertexRoundTrip(t *testing.T, s storage.Backend) {
	defer s.Close()
	ctx := context.Background()
	f := NewFixture()
	f.Load(t, s)

	// idempotent
	require.NoError(t, s.PutVertex(ctx, f.Bash))

	got, err := s.GetVertex(ctx, storage.ByKey(f.Bash.Key()), 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, f.Bash.Key(), got[0].Key())
	name, _ := got[0].Get("name")
	assert.Equal(t, "bash", name)

	got, err = s.GetVertex(ctx, storage.Filter{storage.Eq("type", model.TypeArtifact)}, 0)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{f.Passwd.Key(), f.Out.Key()}, keys(got))

	got, err = s.GetVertex(ctx, storage.Filter{{Key: "path", Op: storage.OpLike, Value: "/tmp/%"}}, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{f.Out.Key()}, keys(got))

	got, err = s.GetVertex(ctx, storage.Filter{storage.Eq("path", "/nowhere")}, 0)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func testEdgeRequiresEndpoints(t *testing.T, s storage.Backend) {
	defer s.Close()
	ctx := context.Background()
	f := NewFixture()
	require.NoError(t, s.PutVertex(ctx, f.Bash))

	a, _ := model.NewAnnotations("type", model.EdgeUsed)
	dangling, err := model.NewEdgeByKey(a, f.Bash.Key(), f.Passwd.Key())
	require.NoError(t, err)
	assert.ErrorIs(t, s.PutEdge(ctx, dangling), model.ErrMissingEndpoint)

	// An edge carrying its endpoints stores them.
	require.NoError(t, s.PutEdge(ctx, f.Used))
	got, err := s.GetVertex(ctx, storage.ByKey(f.Passwd.Key()), 0)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func testChildrenAndParents(t *testing.T, s storage.Backend) {
	defer s.Close()
	ctx := context.Background()
	f := NewFixture()
	f.Load(t, s)

	parents, err := s.GetParents(ctx, f.Out.Key(), 0)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{f.Bash.Key(), f.Passwd.Key()}, keys(parents))

	children, err := s.GetChildren(ctx, f.Passwd.Key(), 0)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{f.Bash.Key(), f.Out.Key()}, keys(children))

	none, err := s.GetParents(ctx, f.Passwd.Key(), 0)
	require.NoError(t, err)
	assert.Empty(t, none)

	unknown, err := s.GetChildren(ctx, "0000", 0)
	require.NoError(t, err)
	assert.Empty(t, unknown)
}

func testGetEdgeByEndpoints(t *testing.T, s storage.Backend) {
	defer s.Close()
	ctx := context.Background()
	f := NewFixture()
	f.Load(t, s)

	edges, err := s.GetEdge(ctx, storage.Filter{
		storage.Eq(model.ChildKey, f.Out.Key()),
		storage.Eq(model.ParentKey, f.Bash.Key()),
	}, 0)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, f.Generated.Key(), edges[0].Key())
	op, _ := edges[0].Get("operation")
	assert.Equal(t, "write", op)

	edges, err = s.GetEdge(ctx, storage.Filter{storage.Eq("type", model.EdgeWasDerivedFrom)}, 0)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, f.Derived.Key(), edges[0].Key())
}

func testLimit(t *testing.T, s storage.Backend) {
	defer s.Close()
	ctx := context.Background()
	f := NewFixture()
	f.Load(t, s)

	got, err := s.GetVertex(ctx, nil, 2)
	require.NoError(t, err)
	assert.Len(t, got, 2)

	children, err := s.GetChildren(ctx, f.Passwd.Key(), 1)
	require.NoError(t, err)
	assert.Len(t, children, 1)
}

func testTables(t *testing.T, s storage.Backend) {
	defer s.Close()
	ctx := context.Background()
	f := NewFixture()
	f.Load(t, s)

	tables, err := s.ListTables(ctx)
	require.NoError(t, err)
	assert.Contains(t, tables, storage.VertexTable(storage.DefaultBase))
	assert.Contains(t, tables, storage.EdgeTable(storage.DefaultBase))
	assert.Contains(t, tables, storage.SymbolTable)

	_, err = s.ReadGraph(ctx, "spade_graph_1")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	g := model.NewGraph()
	g.AddVertex(f.Out)
	g.AddVertex(f.Bash)
	g.AddEdge(f.Generated)
	require.NoError(t, s.CreateGraph(ctx, "spade_graph_1"))
	require.NoError(t, s.InsertGraph(ctx, "spade_graph_1", g))
	// creating again is a no-op
	require.NoError(t, s.CreateGraph(ctx, "spade_graph_1"))

	back, err := s.ReadGraph(ctx, "spade_graph_1")
	require.NoError(t, err)
	assert.Equal(t, 2, back.VertexCount())
	assert.Equal(t, 1, back.EdgeCount())
	assert.True(t, back.HasVertex(f.Out.Key()))
	assert.True(t, back.HasEdge(f.Generated.Key()))

	tables, err = s.ListTables(ctx)
	require.NoError(t, err)
	assert.Contains(t, tables, "spade_graph_1_vertex")
	assert.Contains(t, tables, "spade_graph_1_edge")

	require.NoError(t, s.DropTable(ctx, "spade_graph_1_vertex"))
	require.NoError(t, s.DropTable(ctx, "spade_graph_1_edge"))
	tables, err = s.ListTables(ctx)
	require.NoError(t, err)
	assert.NotContains(t, tables, "spade_graph_1_vertex")
	assert.NotContains(t, tables, "spade_graph_1_edge")

	// base graph is untouched
	got, err := s.GetVertex(ctx, nil, 0)
	require.NoError(t, err)
	assert.Len(t, got, 3)
}

func testSymbolRows(t *testing.T, s storage.Backend) {
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.WriteSymbolRow(ctx, storage.SymbolRow{Name: "$a", Value: "spade_graph_1", Kind: "graph"}))
	require.NoError(t, s.WriteSymbolRow(ctx, storage.SymbolRow{Name: "$a", Value: "spade_graph_2", Kind: "graph"}))
	require.NoError(t, s.WriteSymbolRow(ctx, storage.SymbolRow{Name: "%p", Value: "name=bash", Kind: "predicate"}))

	rows, err := s.ReadSymbolRows(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []storage.SymbolRow{
		{Name: "$a", Value: "spade_graph_2", Kind: "graph"},
		{Name: "%p", Value: "name=bash", Kind: "predicate"},
	}, rows)

	require.NoError(t, s.DeleteSymbolRow(ctx, "$a", "graph"))
	rows, err = s.ReadSymbolRows(ctx)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func testExecuteQuery(t *testing.T, s storage.Backend) {
	defer s.Close()
	f := NewFixture()
	f.Load(t, s)

	// Backends differ in dialect; every one must reject an empty query.
	_, err := s.ExecuteQuery(context.Background(), "")
	assert.Error(t, err)
}
