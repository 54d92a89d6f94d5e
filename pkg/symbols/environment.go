// Package symbols manages named result graphs: allocation of fresh table
// pairs, the symbol table that binds names to them, and garbage collection
// of tables no symbol reaches.
package symbols

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/ritzau/provgraph/pkg/logging"
	"github.com/ritzau/provgraph/pkg/storage"
)

const (
	GraphPrefix     = "$"
	MetadataPrefix  = "@"
	PredicatePrefix = "%"

	// BaseSymbol always names the base graph.
	BaseSymbol = "$base"

	GraphNamePrefix    = "spade_graph_"
	MetadataNamePrefix = "spade_meta_"
)

// Symbol table row kinds
const (
	KindGraph     = "graph"
	KindMetadata  = "metadata"
	KindPredicate = "predicate"
	KindIDCounter = "id-counter"
)

var (
	// ErrReservedSymbol is returned when $base would be rebound or erased.
	ErrReservedSymbol = errors.New("reserved symbol")
	// ErrDuplicateSymbol is returned when the symbol table holds two rows
	// with the same name and kind.
	ErrDuplicateSymbol = errors.New("duplicate symbol")
	// ErrSymbolKind is returned when a symbol's prefix does not match the
	// kind of value bound to it.
	ErrSymbolKind = errors.New("symbol prefix does not match kind")
	// ErrUnbound is returned when looking up a symbol with no binding.
	ErrUnbound = errors.New("unbound symbol")
)

// Graph names a vertex/edge table pair.
type Graph struct {
	Name string `json:"name"`
}

// Tables returns the graph's vertex and edge tables.
func (g Graph) Tables() []string { return storage.GraphTables(g.Name) }

// Metadata names a table pair holding annotations about another graph.
type Metadata struct {
	Name string `json:"name"`
}

func (m Metadata) Tables() []string { return storage.GraphTables(m.Name) }

// Binding is one entry of the symbol table.
type Binding struct {
	Symbol string `json:"symbol"`
	Kind   string `json:"kind"`
	Value  string `json:"value"`
}

// Environment holds the symbol table of one storage backend. It is safe for
// concurrent use.
//
// Queries bracket their work with BeginQuery; CollectGarbage waits for every
// open query and blocks new ones while it runs.
type Environment struct {
	catalog storage.Catalog
	base    Graph

	gate sync.RWMutex

	mu         sync.Mutex
	counter    int64
	graphs     map[string]Graph
	metadata   map[string]Metadata
	predicates map[string]string
}

// Open loads the symbol table from catalog. base is the base graph name.
func Open(ctx context.Context, catalog storage.Catalog, base string) (*Environment, error) {
	if base == "" {
		base = storage.DefaultBase
	}
	env := &Environment{
		catalog:    catalog,
		base:       Graph{Name: base},
		graphs:     make(map[string]Graph),
		metadata:   make(map[string]Metadata),
		predicates: make(map[string]string),
	}
	if err := env.load(ctx); err != nil {
		return nil, err
	}
	return env, nil
}

func (env *Environment) load(ctx context.Context) error {
	rows, err := env.catalog.ReadSymbolRows(ctx)
	if err != nil {
		return fmt.Errorf("reading symbol table: %w", err)
	}

	type key struct{ name, kind string }
	seen := make(map[key]bool, len(rows))
	hasCounter := false
	for _, r := range rows {
		k := key{r.Name, r.Kind}
		if seen[k] {
			return fmt.Errorf("%w: %q of kind %s", ErrDuplicateSymbol, r.Name, r.Kind)
		}
		seen[k] = true

		switch r.Kind {
		case KindGraph:
			env.graphs[r.Name] = Graph{Name: r.Value}
		case KindMetadata:
			env.metadata[r.Name] = Metadata{Name: r.Value}
		case KindPredicate:
			env.predicates[r.Name] = r.Value
		case KindIDCounter:
			n, err := strconv.ParseInt(r.Value, 10, 64)
			if err != nil {
				return fmt.Errorf("parsing id counter %q: %w", r.Value, err)
			}
			env.counter = n
			hasCounter = true
		default:
			logging.Warn("ignoring symbol row of unknown kind", "name", r.Name, "kind", r.Kind)
		}
	}

	if !hasCounter {
		if err := env.persistCounter(ctx); err != nil {
			return err
		}
	}
	logging.Debug("loaded symbol table",
		"graphs", len(env.graphs),
		"metadata", len(env.metadata),
		"predicates", len(env.predicates),
		"counter", env.counter)
	return nil
}

func (env *Environment) persistCounter(ctx context.Context) error {
	row := storage.SymbolRow{Name: "", Value: strconv.FormatInt(env.counter, 10), Kind: KindIDCounter}
	if err := env.catalog.WriteSymbolRow(ctx, row); err != nil {
		return fmt.Errorf("persisting id counter: %w", err)
	}
	return nil
}

// next advances and persists the shared id counter.
func (env *Environment) next(ctx context.Context) (int64, error) {
	env.mu.Lock()
	defer env.mu.Unlock()
	env.counter++
	if err := env.persistCounter(ctx); err != nil {
		return 0, err
	}
	return env.counter, nil
}

// Base returns the base graph.
func (env *Environment) Base() Graph { return env.base }

// AllocateGraph reserves a fresh graph name and creates its tables.
func (env *Environment) AllocateGraph(ctx context.Context) (Graph, error) {
	id, err := env.next(ctx)
	if err != nil {
		return Graph{}, err
	}
	g := Graph{Name: GraphNamePrefix + strconv.FormatInt(id, 10)}
	if err := env.catalog.CreateGraph(ctx, g.Name); err != nil {
		return Graph{}, fmt.Errorf("creating %s: %w", g.Name, err)
	}
	return g, nil
}

// AllocateMetadata reserves a fresh metadata name and creates its tables.
// Metadata and graphs share one counter.
func (env *Environment) AllocateMetadata(ctx context.Context) (Metadata, error) {
	id, err := env.next(ctx)
	if err != nil {
		return Metadata{}, err
	}
	m := Metadata{Name: MetadataNamePrefix + strconv.FormatInt(id, 10)}
	if err := env.catalog.CreateGraph(ctx, m.Name); err != nil {
		return Metadata{}, fmt.Errorf("creating %s: %w", m.Name, err)
	}
	return m, nil
}

func checkSymbol(symbol, prefix string) error {
	if symbol == BaseSymbol {
		return fmt.Errorf("%w: cannot reassign %s", ErrReservedSymbol, symbol)
	}
	if len(symbol) <= len(prefix) || !strings.HasPrefix(symbol, prefix) {
		return fmt.Errorf("%w: %q needs prefix %q", ErrSymbolKind, symbol, prefix)
	}
	return nil
}

// CheckGraphSymbol reports whether symbol may be bound to a graph.
func CheckGraphSymbol(symbol string) error { return checkSymbol(symbol, GraphPrefix) }

func (env *Environment) write(ctx context.Context, symbol, value, kind string) error {
	row := storage.SymbolRow{Name: symbol, Value: value, Kind: kind}
	if err := env.catalog.WriteSymbolRow(ctx, row); err != nil {
		return fmt.Errorf("persisting %s: %w", symbol, err)
	}
	return nil
}

// BindGraph binds symbol to g, replacing any previous binding.
func (env *Environment) BindGraph(ctx context.Context, symbol string, g Graph) error {
	if err := checkSymbol(symbol, GraphPrefix); err != nil {
		return err
	}
	env.mu.Lock()
	defer env.mu.Unlock()
	if err := env.write(ctx, symbol, g.Name, KindGraph); err != nil {
		return err
	}
	env.graphs[symbol] = g
	return nil
}

// BindMetadata binds symbol to m, replacing any previous binding.
func (env *Environment) BindMetadata(ctx context.Context, symbol string, m Metadata) error {
	if err := checkSymbol(symbol, MetadataPrefix); err != nil {
		return err
	}
	env.mu.Lock()
	defer env.mu.Unlock()
	if err := env.write(ctx, symbol, m.Name, KindMetadata); err != nil {
		return err
	}
	env.metadata[symbol] = m
	return nil
}

// BindPredicate binds symbol to a filter expression.
func (env *Environment) BindPredicate(ctx context.Context, symbol, expr string) error {
	if err := checkSymbol(symbol, PredicatePrefix); err != nil {
		return err
	}
	if _, err := storage.ParseFilter(expr); err != nil {
		return fmt.Errorf("predicate %s: %w", symbol, err)
	}
	env.mu.Lock()
	defer env.mu.Unlock()
	if err := env.write(ctx, symbol, expr, KindPredicate); err != nil {
		return err
	}
	env.predicates[symbol] = expr
	return nil
}

// Unbind removes a binding. The tables it referenced remain until the next
// garbage collection.
func (env *Environment) Unbind(ctx context.Context, symbol string) error {
	if symbol == BaseSymbol {
		return fmt.Errorf("%w: cannot erase %s", ErrReservedSymbol, symbol)
	}
	env.mu.Lock()
	defer env.mu.Unlock()

	var kind string
	switch {
	case strings.HasPrefix(symbol, GraphPrefix):
		if _, ok := env.graphs[symbol]; !ok {
			return fmt.Errorf("%w: %s", ErrUnbound, symbol)
		}
		kind = KindGraph
	case strings.HasPrefix(symbol, MetadataPrefix):
		if _, ok := env.metadata[symbol]; !ok {
			return fmt.Errorf("%w: %s", ErrUnbound, symbol)
		}
		kind = KindMetadata
	case strings.HasPrefix(symbol, PredicatePrefix):
		if _, ok := env.predicates[symbol]; !ok {
			return fmt.Errorf("%w: %s", ErrUnbound, symbol)
		}
		kind = KindPredicate
	default:
		return fmt.Errorf("%w: %s", ErrUnbound, symbol)
	}

	if err := env.catalog.DeleteSymbolRow(ctx, symbol, kind); err != nil {
		return fmt.Errorf("deleting %s: %w", symbol, err)
	}
	switch kind {
	case KindGraph:
		delete(env.graphs, symbol)
	case KindMetadata:
		delete(env.metadata, symbol)
	case KindPredicate:
		delete(env.predicates, symbol)
	}
	return nil
}

// LookupGraph resolves a graph symbol.
func (env *Environment) LookupGraph(symbol string) (Graph, error) {
	if symbol == BaseSymbol {
		return env.base, nil
	}
	env.mu.Lock()
	defer env.mu.Unlock()
	g, ok := env.graphs[symbol]
	if !ok {
		return Graph{}, fmt.Errorf("%w: %s", ErrUnbound, symbol)
	}
	return g, nil
}

// LookupMetadata resolves a metadata symbol.
func (env *Environment) LookupMetadata(symbol string) (Metadata, error) {
	env.mu.Lock()
	defer env.mu.Unlock()
	m, ok := env.metadata[symbol]
	if !ok {
		return Metadata{}, fmt.Errorf("%w: %s", ErrUnbound, symbol)
	}
	return m, nil
}

// LookupPredicate resolves a predicate symbol to its filter.
func (env *Environment) LookupPredicate(symbol string) (storage.Filter, error) {
	env.mu.Lock()
	expr, ok := env.predicates[symbol]
	env.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnbound, symbol)
	}
	return storage.ParseFilter(expr)
}

// Bindings returns a sorted snapshot of the symbol table, base included.
func (env *Environment) Bindings() []Binding {
	env.mu.Lock()
	defer env.mu.Unlock()
	out := []Binding{{Symbol: BaseSymbol, Kind: KindGraph, Value: env.base.Name}}
	for s, g := range env.graphs {
		out = append(out, Binding{Symbol: s, Kind: KindGraph, Value: g.Name})
	}
	for s, m := range env.metadata {
		out = append(out, Binding{Symbol: s, Kind: KindMetadata, Value: m.Name})
	}
	for s, p := range env.predicates {
		out = append(out, Binding{Symbol: s, Kind: KindPredicate, Value: p})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Counter returns the last allocated id.
func (env *Environment) Counter() int64 {
	env.mu.Lock()
	defer env.mu.Unlock()
	return env.counter
}

// BeginQuery marks a query in progress and returns the function that ends
// it. Tables a query allocates are safe from collection until it ends.
func (env *Environment) BeginQuery() (end func()) {
	env.gate.RLock()
	var once sync.Once
	return func() { once.Do(env.gate.RUnlock) }
}

// Reset erases every binding except $base and collects garbage. The id
// counter keeps its value.
func (env *Environment) Reset(ctx context.Context) ([]string, error) {
	for _, b := range env.Bindings() {
		if b.Symbol == BaseSymbol {
			continue
		}
		if err := env.Unbind(ctx, b.Symbol); err != nil && !errors.Is(err, ErrUnbound) {
			return nil, err
		}
	}
	return env.CollectGarbage(ctx)
}
