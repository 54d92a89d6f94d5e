package kernel

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ritzau/provgraph/pkg/config"
	"github.com/ritzau/provgraph/pkg/lineage"
	"github.com/ritzau/provgraph/pkg/model"
	"github.com/ritzau/provgraph/pkg/pubsub"
	"github.com/ritzau/provgraph/pkg/sketch"
	"github.com/ritzau/provgraph/pkg/storage"
	"github.com/ritzau/provgraph/pkg/storage/memstore"
	"github.com/ritzau/provgraph/pkg/symbols"
)

type staticFetcher struct {
	calls int
	x     *sketch.Exchange
}

func (f *staticFetcher) Fetch(ctx context.Context, host string) (*sketch.Exchange, error) {
	f.calls++
	return f.x, nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.LoadFile("", false, nil)
	require.NoError(t, err)
	cfg.Sketch.Host = "10.0.0.2"
	cfg.Sketch.FPR = 0
	cfg.Lineage.Timeout = 5 * time.Second
	return cfg
}

func openKernel(t *testing.T, cfg *config.Config, opts ...Option) (*Kernel, storage.Backend) {
	t.Helper()
	store := memstore.New(storage.DefaultBase)
	k, err := Open(context.Background(), cfg, append([]Option{WithBackend(store)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { k.Close(context.Background()) })
	return k, store
}

// chain ingests a cat process that read /etc/passwd and wrote /tmp/out.
func chain(t *testing.T, k *Kernel) (proc, in, out *model.Vertex) {
	t.Helper()
	ctx := context.Background()
	proc = model.MustVertex("type", model.TypeProcess, "name", "cat", "pid", "7")
	in = model.MustVertex("type", model.TypeArtifact, "path", "/etc/passwd")
	out = model.MustVertex("type", model.TypeArtifact, "path", "/tmp/out")
	for _, v := range []*model.Vertex{proc, in, out} {
		require.NoError(t, k.PutVertex(ctx, v))
	}
	require.NoError(t, k.PutEdge(ctx, model.MustEdge(model.EdgeUsed, proc, in)))
	require.NoError(t, k.PutEdge(ctx, model.MustEdge(model.EdgeWasGeneratedBy, out, proc)))
	return proc, in, out
}

func TestLineageBindsResult(t *testing.T) {
	ctx := context.Background()
	k, _ := openKernel(t, testConfig(t))
	_, in, out := chain(t, k)

	sub, err := k.Events().Subscribe(ctx, pubsub.TopicSymbols)
	require.NoError(t, err)
	defer sub.Close()

	res, err := k.Lineage(ctx, lineage.Query{
		Symbol:    "$up",
		Selector:  "path=/tmp/out",
		Direction: lineage.Ancestors,
		MaxDepth:  5,
	})
	require.NoError(t, err)
	assert.Equal(t, "$up", res.Symbol)
	assert.Equal(t, 3, res.Graph.VertexCount())
	assert.Equal(t, 2, res.Graph.EdgeCount())

	stored, err := k.Graph(ctx, "$up")
	require.NoError(t, err)
	assert.True(t, stored.HasVertex(in.Key()))
	assert.True(t, stored.HasVertex(out.Key()))
	assert.Equal(t, 2, stored.EdgeCount())

	select {
	case event := <-sub.Events():
		var payload pubsub.SymbolEvent
		require.NoError(t, json.Unmarshal(event.Data, &payload))
		assert.Equal(t, "$up", payload.Symbol)
		assert.Equal(t, symbols.KindGraph, payload.Kind)
	case <-time.After(time.Second):
		t.Fatal("no symbols event")
	}
}

func TestLineageUnboundLeavesNoTables(t *testing.T) {
	ctx := context.Background()
	k, store := openKernel(t, testConfig(t))
	chain(t, k)

	before, err := store.ListTables(ctx)
	require.NoError(t, err)
	res, err := k.Lineage(ctx, lineage.Query{Selector: "type=Process", Direction: lineage.Both, MaxDepth: 1})
	require.NoError(t, err)
	assert.Empty(t, res.Symbol)
	assert.Equal(t, 3, res.Graph.VertexCount())

	after, err := store.ListTables(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestLineagePredicateSelector(t *testing.T) {
	ctx := context.Background()
	k, _ := openKernel(t, testConfig(t))
	proc, _, _ := chain(t, k)

	require.NoError(t, k.BindPredicate(ctx, "%procs", "type=Process"))
	res, err := k.Lineage(ctx, lineage.Query{Selector: "%procs", Direction: lineage.Descendants, MaxDepth: 0})
	require.NoError(t, err)
	require.Equal(t, 1, res.Graph.VertexCount())
	assert.True(t, res.Graph.HasVertex(proc.Key()))

	_, err = k.Lineage(ctx, lineage.Query{Selector: "%missing", Direction: lineage.Descendants})
	assert.ErrorIs(t, err, symbols.ErrUnbound)
}

func TestLineageRejectsBadQueries(t *testing.T) {
	ctx := context.Background()
	k, _ := openKernel(t, testConfig(t))
	chain(t, k)

	_, err := k.Lineage(ctx, lineage.Query{Symbol: symbols.BaseSymbol, Selector: "type=Process", Direction: lineage.Ancestors})
	assert.ErrorIs(t, err, symbols.ErrReservedSymbol)

	_, err = k.Lineage(ctx, lineage.Query{Symbol: "up", Selector: "type=Process", Direction: lineage.Ancestors})
	assert.ErrorIs(t, err, symbols.ErrSymbolKind)

	_, err = k.Lineage(ctx, lineage.Query{Selector: "", Direction: lineage.Ancestors})
	assert.ErrorIs(t, err, ErrInvalidQuery)

	_, err = k.Lineage(ctx, lineage.Query{Selector: "type", Direction: lineage.Ancestors})
	assert.ErrorIs(t, err, ErrInvalidQuery)

	_, err = k.Lineage(ctx, lineage.Query{Selector: "type=Process"})
	assert.ErrorIs(t, err, ErrInvalidQuery)

	_, err = k.Lineage(ctx, lineage.Query{Selector: "type=Nothing", Direction: lineage.Ancestors})
	assert.ErrorIs(t, err, lineage.ErrNoSeeds)
}

func TestUnbindThenCollect(t *testing.T) {
	ctx := context.Background()
	k, store := openKernel(t, testConfig(t))
	chain(t, k)

	_, err := k.Lineage(ctx, lineage.Query{Symbol: "$a", Selector: "type=Process", Direction: lineage.Ancestors, MaxDepth: 1})
	require.NoError(t, err)
	_, err = k.Lineage(ctx, lineage.Query{Symbol: "$b", Selector: "type=Process", Direction: lineage.Descendants, MaxDepth: 1})
	require.NoError(t, err)

	dropped, err := k.CollectGarbage(ctx)
	require.NoError(t, err)
	assert.Empty(t, dropped, "bound graphs survive")

	require.NoError(t, k.Unbind(ctx, "$a"))
	assert.ErrorIs(t, k.Unbind(ctx, "$a"), symbols.ErrUnbound)
	assert.ErrorIs(t, k.Unbind(ctx, symbols.BaseSymbol), symbols.ErrReservedSymbol)

	dropped, err = k.CollectGarbage(ctx)
	require.NoError(t, err)
	assert.Len(t, dropped, 2)

	_, err = k.Graph(ctx, "$a")
	assert.ErrorIs(t, err, symbols.ErrUnbound)
	g, err := k.Graph(ctx, "$b")
	require.NoError(t, err)
	assert.Equal(t, 2, g.VertexCount())

	tables, err := store.ListTables(ctx)
	require.NoError(t, err)
	for _, d := range dropped {
		assert.NotContains(t, tables, d)
	}
}

func TestReset(t *testing.T) {
	ctx := context.Background()
	k, _ := openKernel(t, testConfig(t))
	chain(t, k)

	_, err := k.Lineage(ctx, lineage.Query{Symbol: "$a", Selector: "type=Process", Direction: lineage.Ancestors})
	require.NoError(t, err)
	require.NoError(t, k.BindPredicate(ctx, "%p", "type=Process"))

	dropped, err := k.Reset(ctx)
	require.NoError(t, err)
	assert.Len(t, dropped, 2)

	bindings := k.Symbols()
	require.Len(t, bindings, 1)
	assert.Equal(t, symbols.BaseSymbol, bindings[0].Symbol)
	assert.Equal(t, int64(1), k.Environment().Counter())
}

func TestCycles(t *testing.T) {
	ctx := context.Background()
	k, _ := openKernel(t, testConfig(t))
	proc, in, _ := chain(t, k)

	found, err := k.Cycles(ctx, symbols.BaseSymbol)
	require.NoError(t, err)
	assert.Empty(t, found)

	// the input claims to have been written by the process that read it
	require.NoError(t, k.PutEdge(ctx, model.MustEdge(model.EdgeWasGeneratedBy, in, proc)))
	found, err = k.Cycles(ctx, symbols.BaseSymbol)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.ElementsMatch(t, []string{proc.Key(), in.Key()}, found[0].Vertices)

	_, err = k.Cycles(ctx, "$missing")
	assert.ErrorIs(t, err, symbols.ErrUnbound)
}

func TestIngestFilters(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.Ingest.Filters = []string{"cycle"}
	k, store := openKernel(t, cfg)

	proc := model.MustVertex("type", model.TypeProcess, "pid", "1")
	file := model.MustVertex("type", model.TypeArtifact, "path", "/a")
	require.NoError(t, k.PutVertex(ctx, proc))
	require.NoError(t, k.PutVertex(ctx, file))
	require.NoError(t, k.PutEdge(ctx, model.MustEdge(model.EdgeUsed, proc, file, "operation", "read")))
	require.NoError(t, k.PutEdge(ctx, model.MustEdge(model.EdgeUsed, proc, file, "operation", "mmap")))

	edges, err := store.GetEdge(ctx, nil, 0)
	require.NoError(t, err)
	assert.Len(t, edges, 1)
}

func TestUnknownFilter(t *testing.T) {
	cfg := testConfig(t)
	cfg.Ingest.Filters = []string{"dedup"}
	_, err := Open(context.Background(), cfg, WithBackend(memstore.New(storage.DefaultBase)))
	assert.Error(t, err)
}

func socket(srcHost, srcPort, dstHost, dstPort string) *model.Vertex {
	return model.MustVertex(
		"type", model.TypeArtifact,
		"subtype", model.SubtypeNetwork,
		"source host", srcHost,
		"source port", srcPort,
		"destination host", dstHost,
		"destination port", dstPort,
	)
}

func TestIngestUpdatesSketch(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	params := sketch.Params{FalsePositive: 0, ExpectedSize: 20}

	in := socket("10.0.0.1", "4000", "10.0.0.2", "80")
	proc := model.MustVertex("type", model.TypeProcess, "name", "server", "pid", "9")
	out := socket("10.0.0.2", "5000", "10.0.0.3", "80")

	peer := sketch.NewMatrixFilter(params)
	require.NoError(t, peer.Add(in, "origin"))
	fetcher := &staticFetcher{x: &sketch.Exchange{Local: peer}}

	k, _ := openKernel(t, cfg, WithFetcher(fetcher))
	sub, err := k.Events().Subscribe(ctx, pubsub.TopicSketch)
	require.NoError(t, err)
	defer sub.Close()

	for _, v := range []*model.Vertex{in, proc, out} {
		require.NoError(t, k.PutVertex(ctx, v))
	}
	require.NoError(t, k.PutEdge(ctx, model.MustEdge(model.EdgeWasGeneratedBy, out, proc)))
	k.WaitSketchUpdates()
	require.NoError(t, k.PutEdge(ctx, model.MustEdge(model.EdgeUsed, proc, in)))
	k.WaitSketchUpdates()

	summary := k.Sketch()
	assert.Equal(t, "10.0.0.2", summary.Host)
	outKey, err := sketch.ConnectionKey(out)
	require.NoError(t, err)
	assert.Contains(t, summary.Connections, outKey)
	assert.Equal(t, 1, summary.Peers["10.0.0.1"])
	assert.Equal(t, 1, fetcher.calls)

	select {
	case event := <-sub.Events():
		var payload pubsub.SketchEvent
		require.NoError(t, json.Unmarshal(event.Data, &payload))
		assert.Equal(t, "10.0.0.1", payload.Host)
	case <-time.After(time.Second):
		t.Fatal("no sketch event")
	}
}

func TestSketchSnapshotAcrossRestart(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.Sketch.Snapshot = t.TempDir() + "/sketch.zst"
	params := sketch.Params{FalsePositive: 0, ExpectedSize: 20}

	in := socket("10.0.0.1", "4000", "10.0.0.2", "80")
	peer := sketch.NewMatrixFilter(params)
	require.NoError(t, peer.Add(in, "origin"))

	k, err := Open(ctx, cfg, WithBackend(memstore.New(storage.DefaultBase)),
		WithFetcher(&staticFetcher{x: &sketch.Exchange{Local: peer}}))
	require.NoError(t, err)
	require.NoError(t, k.RefreshSketch(ctx, "10.0.0.1"))
	require.NoError(t, k.Close(ctx))

	again, err := Open(ctx, cfg, WithBackend(memstore.New(storage.DefaultBase)))
	require.NoError(t, err)
	defer again.Close(ctx)
	assert.Equal(t, 1, again.Sketch().Peers["10.0.0.1"])
}
