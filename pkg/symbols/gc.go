package symbols

import (
	"context"
	"fmt"
	"strings"

	"github.com/ritzau/provgraph/pkg/logging"
	"github.com/ritzau/provgraph/pkg/metrics"
	"github.com/ritzau/provgraph/pkg/storage"
)

// reachable returns the tables that must survive collection: the base pair,
// the symbol table, and the pair of every bound graph and metadata symbol.
func (env *Environment) reachable() map[string]bool {
	env.mu.Lock()
	defer env.mu.Unlock()

	keep := map[string]bool{storage.SymbolTable: true}
	for _, t := range env.base.Tables() {
		keep[t] = true
	}
	for _, g := range env.graphs {
		for _, t := range g.Tables() {
			keep[t] = true
		}
	}
	for _, m := range env.metadata {
		for _, t := range m.Tables() {
			keep[t] = true
		}
	}
	return keep
}

// managed reports whether table belongs to an allocated graph or metadata.
func managed(table string) bool {
	g, ok := storage.GraphOf(table)
	if !ok {
		return false
	}
	return strings.HasPrefix(g, GraphNamePrefix) || strings.HasPrefix(g, MetadataNamePrefix)
}

// CollectGarbage drops every scratch table and every allocated table that no
// symbol reaches. It waits for running queries to finish. Tables that were
// never allocated by an Environment are left alone.
func (env *Environment) CollectGarbage(ctx context.Context) ([]string, error) {
	env.gate.Lock()
	defer env.gate.Unlock()

	tables, err := env.catalog.ListTables(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing tables: %w", err)
	}
	keep := env.reachable()

	var dropped []string
	for _, t := range tables {
		if keep[t] {
			continue
		}
		if !storage.IsTemp(t) && !managed(t) {
			continue
		}
		if err := env.catalog.DropTable(ctx, t); err != nil {
			return dropped, fmt.Errorf("dropping %s: %w", t, err)
		}
		dropped = append(dropped, t)
	}

	metrics.GCDroppedTables.Add(float64(len(dropped)))
	logging.Info("garbage collection finished", "scanned", len(tables), "dropped", len(dropped))
	return dropped, nil
}
