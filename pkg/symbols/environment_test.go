package symbols

import (
	"context"
	"errors"
	"math/rand"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ritzau/provgraph/pkg/storage"
	"github.com/ritzau/provgraph/pkg/storage/memstore"
	"github.com/ritzau/provgraph/pkg/storage/sqlstore"
)

func openEnv(t *testing.T, catalog storage.Catalog) *Environment {
	t.Helper()
	env, err := Open(context.Background(), catalog, storage.DefaultBase)
	require.NoError(t, err)
	return env
}

func tables(t *testing.T, catalog storage.Catalog) []string {
	t.Helper()
	names, err := catalog.ListTables(context.Background())
	require.NoError(t, err)
	out := names[:0]
	for _, n := range names {
		if n != storage.SymbolTable {
			out = append(out, n)
		}
	}
	sort.Strings(out)
	return out
}

func TestAllocateSharesCounter(t *testing.T) {
	ctx := context.Background()
	env := openEnv(t, memstore.New(storage.DefaultBase))

	g1, err := env.AllocateGraph(ctx)
	require.NoError(t, err)
	m2, err := env.AllocateMetadata(ctx)
	require.NoError(t, err)
	g3, err := env.AllocateGraph(ctx)
	require.NoError(t, err)

	assert.Equal(t, "spade_graph_1", g1.Name)
	assert.Equal(t, "spade_meta_2", m2.Name)
	assert.Equal(t, "spade_graph_3", g3.Name)
	assert.Equal(t, int64(3), env.Counter())
}

func TestCounterSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	store := memstore.New(storage.DefaultBase)

	env := openEnv(t, store)
	for i := 0; i < 3; i++ {
		_, err := env.AllocateGraph(ctx)
		require.NoError(t, err)
	}

	again := openEnv(t, store)
	g, err := again.AllocateGraph(ctx)
	require.NoError(t, err)
	assert.Equal(t, "spade_graph_4", g.Name)
}

func TestOpenWritesDefaultCounter(t *testing.T) {
	store := memstore.New(storage.DefaultBase)
	openEnv(t, store)

	rows, err := store.ReadSymbolRows(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, KindIDCounter, rows[0].Kind)
	assert.Equal(t, "0", rows[0].Value)
}

func TestBaseIsReserved(t *testing.T) {
	ctx := context.Background()
	env := openEnv(t, memstore.New(storage.DefaultBase))
	g, err := env.AllocateGraph(ctx)
	require.NoError(t, err)

	assert.ErrorIs(t, env.BindGraph(ctx, BaseSymbol, g), ErrReservedSymbol)
	assert.ErrorIs(t, env.Unbind(ctx, BaseSymbol), ErrReservedSymbol)

	base, err := env.LookupGraph(BaseSymbol)
	require.NoError(t, err)
	assert.Equal(t, storage.DefaultBase, base.Name)
}

func TestBindChecksPrefix(t *testing.T) {
	ctx := context.Background()
	env := openEnv(t, memstore.New(storage.DefaultBase))

	assert.ErrorIs(t, env.BindGraph(ctx, "@x", Graph{Name: "g"}), ErrSymbolKind)
	assert.ErrorIs(t, env.BindMetadata(ctx, "$x", Metadata{Name: "m"}), ErrSymbolKind)
	assert.ErrorIs(t, env.BindPredicate(ctx, "$p", "type=Process"), ErrSymbolKind)
	assert.ErrorIs(t, env.BindGraph(ctx, "$", Graph{Name: "g"}), ErrSymbolKind)
}

func TestBindAndLookup(t *testing.T) {
	ctx := context.Background()
	env := openEnv(t, memstore.New(storage.DefaultBase))

	g, err := env.AllocateGraph(ctx)
	require.NoError(t, err)
	require.NoError(t, env.BindGraph(ctx, "$result", g))
	require.NoError(t, env.BindPredicate(ctx, "%procs", "type=Process"))

	got, err := env.LookupGraph("$result")
	require.NoError(t, err)
	assert.Equal(t, g, got)

	f, err := env.LookupPredicate("%procs")
	require.NoError(t, err)
	require.Len(t, f, 1)
	assert.Equal(t, "type", f[0].Key)

	require.NoError(t, env.Unbind(ctx, "$result"))
	_, err = env.LookupGraph("$result")
	assert.ErrorIs(t, err, ErrUnbound)
	assert.ErrorIs(t, env.Unbind(ctx, "$result"), ErrUnbound)

	symbols := make([]string, 0)
	for _, b := range env.Bindings() {
		symbols = append(symbols, b.Symbol)
	}
	assert.Equal(t, []string{"$base", "%procs"}, symbols)
}

func TestBindingsSurviveReopen(t *testing.T) {
	ctx := context.Background()
	store := memstore.New(storage.DefaultBase)
	env := openEnv(t, store)

	m, err := env.AllocateMetadata(ctx)
	require.NoError(t, err)
	require.NoError(t, env.BindMetadata(ctx, "@notes", m))

	again := openEnv(t, store)
	got, err := again.LookupMetadata("@notes")
	require.NoError(t, err)
	assert.Equal(t, m, got)
}

func TestDuplicateRowsFailLoad(t *testing.T) {
	ctx := context.Background()
	s, err := sqlstore.Open(ctx, filepath.Join(t.TempDir(), "prov.db"), storage.DefaultBase)
	require.NoError(t, err)
	defer s.Close()

	for i := 0; i < 2; i++ {
		_, err := s.DB().ExecContext(ctx,
			`INSERT INTO `+storage.SymbolTable+` (name, value, kind) VALUES ('$a', 'spade_graph_1', 'graph')`)
		require.NoError(t, err)
	}
	_, err = Open(ctx, s, storage.DefaultBase)
	assert.ErrorIs(t, err, ErrDuplicateSymbol)
}

func TestCollectGarbageKeepsReachable(t *testing.T) {
	ctx := context.Background()
	store := memstore.New(storage.DefaultBase)
	env := openEnv(t, store)

	kept, err := env.AllocateGraph(ctx)
	require.NoError(t, err)
	require.NoError(t, env.BindGraph(ctx, "$kept", kept))
	_, err = env.AllocateGraph(ctx)
	require.NoError(t, err)
	require.NoError(t, store.CreateGraph(ctx, storage.TempPrefix+"scratch"))
	require.NoError(t, store.CreateGraph(ctx, "audit"))

	dropped, err := env.CollectGarbage(ctx)
	require.NoError(t, err)
	sort.Strings(dropped)
	assert.Equal(t, []string{
		"spade_graph_2_edge", "spade_graph_2_vertex",
		"spade_temp_scratch_edge", "spade_temp_scratch_vertex",
	}, dropped)

	assert.Equal(t, []string{
		"audit_edge", "audit_vertex",
		"base_edge", "base_vertex",
		"spade_graph_1_edge", "spade_graph_1_vertex",
	}, tables(t, store))
}

func TestCollectGarbageIdempotent(t *testing.T) {
	ctx := context.Background()
	store := memstore.New(storage.DefaultBase)
	env := openEnv(t, store)

	for i := 0; i < 4; i++ {
		_, err := env.AllocateGraph(ctx)
		require.NoError(t, err)
	}
	_, err := env.CollectGarbage(ctx)
	require.NoError(t, err)
	before := tables(t, store)

	dropped, err := env.CollectGarbage(ctx)
	require.NoError(t, err)
	assert.Empty(t, dropped)
	assert.Equal(t, before, tables(t, store))
}

// Random allocate/bind/unbind sequences always leave exactly the reachable
// tables behind.
func TestCollectGarbageRandomSequences(t *testing.T) {
	ctx := context.Background()
	rng := rand.New(rand.NewSource(7))
	symbols := []string{"$a", "$b", "$c", "@m", "@n"}

	for round := 0; round < 25; round++ {
		store := memstore.New(storage.DefaultBase)
		env := openEnv(t, store)

		for step := 0; step < 30; step++ {
			sym := symbols[rng.Intn(len(symbols))]
			switch rng.Intn(3) {
			case 0:
				if sym[0] == '$' {
					g, err := env.AllocateGraph(ctx)
					require.NoError(t, err)
					require.NoError(t, env.BindGraph(ctx, sym, g))
				} else {
					m, err := env.AllocateMetadata(ctx)
					require.NoError(t, err)
					require.NoError(t, env.BindMetadata(ctx, sym, m))
				}
			case 1:
				_, err := env.AllocateGraph(ctx)
				require.NoError(t, err)
			case 2:
				if err := env.Unbind(ctx, sym); err != nil && !errors.Is(err, ErrUnbound) {
					t.Fatalf("unbind %s: %v", sym, err)
				}
			}
		}

		_, err := env.CollectGarbage(ctx)
		require.NoError(t, err)

		want := storage.GraphTables(storage.DefaultBase)
		for _, b := range env.Bindings() {
			if b.Symbol == BaseSymbol || b.Kind == KindPredicate {
				continue
			}
			want = append(want, storage.GraphTables(b.Value)...)
		}
		sort.Strings(want)
		assert.Equal(t, want, tables(t, store), "round %d", round)
	}
}

func TestResetKeepsCounter(t *testing.T) {
	ctx := context.Background()
	store := memstore.New(storage.DefaultBase)
	env := openEnv(t, store)

	g, err := env.AllocateGraph(ctx)
	require.NoError(t, err)
	require.NoError(t, env.BindGraph(ctx, "$x", g))
	require.NoError(t, env.BindPredicate(ctx, "%p", "type=Agent"))

	dropped, err := env.Reset(ctx)
	require.NoError(t, err)
	assert.Len(t, dropped, 2)
	assert.Len(t, env.Bindings(), 1)
	assert.Equal(t, int64(1), env.Counter())

	next, err := env.AllocateGraph(ctx)
	require.NoError(t, err)
	assert.Equal(t, "spade_graph_2", next.Name)
}

func TestCollectGarbageWaitsForQueries(t *testing.T) {
	ctx := context.Background()
	store := memstore.New(storage.DefaultBase)
	env := openEnv(t, store)

	end := env.BeginQuery()
	g, err := env.AllocateGraph(ctx)
	require.NoError(t, err)

	done := make(chan []string)
	go func() {
		dropped, _ := env.CollectGarbage(ctx)
		done <- dropped
	}()

	select {
	case <-done:
		t.Fatal("garbage collection ran during a query")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, env.BindGraph(ctx, "$fresh", g))
	end()
	end()

	select {
	case dropped := <-done:
		assert.Empty(t, dropped)
	case <-time.After(2 * time.Second):
		t.Fatal("garbage collection did not resume")
	}
	assert.Contains(t, tables(t, store), storage.VertexTable(g.Name))
}
