package filter

import (
	"context"

	"github.com/ritzau/provgraph/pkg/model"
)

const RunsName = "runs"

// Runs collapses repeated reads and writes between a process and an artifact.
// A Used edge is forwarded once per run of reads; an intervening
// WasGeneratedBy from the same process starts a new run, and the same holds
// the other way around.
type Runs struct {
	base
	reads  map[string]map[string]struct{} // artifact key -> process keys
	writes map[string]map[string]struct{} // artifact key -> process keys
}

func NewRuns() *Runs {
	return &Runs{
		base:   base{name: RunsName},
		reads:  make(map[string]map[string]struct{}),
		writes: make(map[string]map[string]struct{}),
	}
}

func (f *Runs) PutEdge(ctx context.Context, e *model.Edge) error {
	switch e.Type() {
	case model.EdgeUsed:
		// Process -> Artifact
		return f.run(ctx, e, e.ParentKey(), e.ChildKey(), f.reads, f.writes)
	case model.EdgeWasGeneratedBy:
		// Artifact -> Process
		return f.run(ctx, e, e.ChildKey(), e.ParentKey(), f.writes, f.reads)
	default:
		return f.forward(ctx, e)
	}
}

func (f *Runs) run(ctx context.Context, e *model.Edge, artifact, process string, same, other map[string]map[string]struct{}) error {
	procs := same[artifact]
	if _, ok := procs[process]; ok {
		f.drop()
		return nil
	}
	if procs == nil {
		procs = make(map[string]struct{})
		same[artifact] = procs
	}
	procs[process] = struct{}{}
	if err := f.forward(ctx, e); err != nil {
		return err
	}
	delete(other[artifact], process)
	return nil
}
