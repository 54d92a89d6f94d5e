package kernel

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ritzau/provgraph/pkg/cycles"
	"github.com/ritzau/provgraph/pkg/lineage"
	"github.com/ritzau/provgraph/pkg/logging"
	"github.com/ritzau/provgraph/pkg/model"
	"github.com/ritzau/provgraph/pkg/pubsub"
	"github.com/ritzau/provgraph/pkg/resolver"
	"github.com/ritzau/provgraph/pkg/sketch"
	"github.com/ritzau/provgraph/pkg/storage"
	"github.com/ritzau/provgraph/pkg/symbols"
)

// ErrInvalidQuery is returned for a malformed lineage request.
var ErrInvalidQuery = errors.New("invalid query")

// selector resolves a predicate symbol or parses a filter expression.
func (k *Kernel) selector(s string) (storage.Filter, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("%w: selector is required", ErrInvalidQuery)
	}
	if strings.HasPrefix(s, symbols.PredicatePrefix) {
		return k.env.LookupPredicate(s)
	}
	f, err := storage.ParseFilter(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidQuery, err)
	}
	return f, nil
}

// Lineage runs q. With q.Remote set, boundaries are expanded on their peer
// hosts. With q.Symbol set, the result is stored as a new graph and bound
// to the symbol.
func (k *Kernel) Lineage(ctx context.Context, q lineage.Query) (lineage.Result, error) {
	if q.Symbol != "" {
		if err := symbols.CheckGraphSymbol(q.Symbol); err != nil {
			return lineage.Result{}, err
		}
	}
	sel, err := k.selector(q.Selector)
	if err != nil {
		return lineage.Result{}, err
	}
	req, err := q.Request(sel)
	if err != nil {
		return lineage.Result{}, fmt.Errorf("%w: %v", ErrInvalidQuery, err)
	}

	// tables allocated below stay safe from collection until end runs
	end := k.env.BeginQuery()
	defer end()

	ctx, cancel := context.WithTimeout(ctx, k.cfg.Lineage.Timeout)
	defer cancel()

	g, err := k.engine.Lineage(ctx, req)
	if err != nil {
		return lineage.Result{}, err
	}
	if q.Remote {
		g = k.resolver.Resolve(ctx, g, resolver.Request{
			Direction: q.Direction,
			MaxDepth:  q.MaxDepth,
			Target:    q.Target,
		})
	}

	res := lineage.Result{Graph: g}
	if q.Symbol == "" {
		return res, nil
	}

	graph, err := k.env.AllocateGraph(ctx)
	if err != nil {
		return lineage.Result{}, err
	}
	if err := k.backend.InsertGraph(ctx, graph.Name, g); err != nil {
		return lineage.Result{}, fmt.Errorf("storing %s: %w", graph.Name, err)
	}
	if err := k.env.BindGraph(ctx, q.Symbol, graph); err != nil {
		return lineage.Result{}, err
	}
	logging.DebugContext(ctx, "bound lineage result", "symbol", q.Symbol, "graph", graph.Name,
		"vertices", g.VertexCount(), "edges", g.EdgeCount())
	k.publish(pubsub.TopicSymbols, "bound", pubsub.SymbolEvent{Symbol: q.Symbol, Kind: symbols.KindGraph, Value: graph.Name})

	res.Symbol = q.Symbol
	return res, nil
}

// Graph reads the graph bound to symbol.
func (k *Kernel) Graph(ctx context.Context, symbol string) (*model.Graph, error) {
	end := k.env.BeginQuery()
	defer end()
	g, err := k.env.LookupGraph(symbol)
	if err != nil {
		return nil, err
	}
	return k.backend.ReadGraph(ctx, g.Name)
}

// Cycles reports the cycles in the graph bound to symbol.
func (k *Kernel) Cycles(ctx context.Context, symbol string) ([]cycles.Cycle, error) {
	g, err := k.Graph(ctx, symbol)
	if err != nil {
		return nil, err
	}
	return cycles.Find(g), nil
}

// Symbols returns the current bindings.
func (k *Kernel) Symbols() []symbols.Binding { return k.env.Bindings() }

// BindPredicate binds a %-symbol to a filter expression.
func (k *Kernel) BindPredicate(ctx context.Context, symbol, expr string) error {
	if err := k.env.BindPredicate(ctx, symbol, expr); err != nil {
		return err
	}
	k.publish(pubsub.TopicSymbols, "bound", pubsub.SymbolEvent{Symbol: symbol, Kind: symbols.KindPredicate, Value: expr})
	return nil
}

// Unbind removes a binding. Its tables go at the next collection.
func (k *Kernel) Unbind(ctx context.Context, symbol string) error {
	if err := k.env.Unbind(ctx, symbol); err != nil {
		return err
	}
	k.publish(pubsub.TopicSymbols, "unbound", pubsub.SymbolEvent{Symbol: symbol})
	return nil
}

// CollectGarbage drops every table no binding reaches.
func (k *Kernel) CollectGarbage(ctx context.Context) ([]string, error) {
	dropped, err := k.env.CollectGarbage(ctx)
	if err != nil {
		return dropped, err
	}
	k.publish(pubsub.TopicGC, "collected", pubsub.GCEvent{Dropped: dropped})
	return dropped, nil
}

// Reset erases every binding but $base and collects garbage.
func (k *Kernel) Reset(ctx context.Context) ([]string, error) {
	dropped, err := k.env.Reset(ctx)
	if err != nil {
		return dropped, err
	}
	k.publish(pubsub.TopicSymbols, "reset", pubsub.SymbolEvent{Symbol: symbols.BaseSymbol, Kind: symbols.KindGraph})
	k.publish(pubsub.TopicGC, "collected", pubsub.GCEvent{Dropped: dropped})
	return dropped, nil
}

// Sketch summarises the local sketch and the cached peer sketches.
func (k *Kernel) Sketch() sketch.Summary { return k.sketches.Summary() }

// RefreshSketch fetches host's sketch now.
func (k *Kernel) RefreshSketch(ctx context.Context, host string) error {
	_, err := k.sketches.Refresh(ctx, host)
	return err
}

// Query passes raw to the backend's native query interface.
func (k *Kernel) Query(ctx context.Context, raw string) ([]storage.Row, error) {
	return k.backend.ExecuteQuery(ctx, raw)
}
