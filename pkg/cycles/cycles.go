// Package cycles reports circular dependencies in provenance graphs.
// Dependencies point from child to parent, so a well-formed graph is acyclic;
// a cycle usually means versioning was lost somewhere upstream of ingest.
package cycles

import (
	"sort"

	"gonum.org/v1/gonum/graph/simple"

	"github.com/ritzau/provgraph/pkg/model"
)

// Cycle is a strongly connected set of vertices.
type Cycle struct {
	Vertices []string `json:"vertices"` // vertex keys, sorted
	Edges    []string `json:"edges"`    // keys of the edges inside the cycle, sorted
}

// Find returns the cycles in g, largest first. Self-loops and edges whose
// endpoints are not both in g are ignored.
func Find(g *model.Graph) []Cycle {
	ids := make(map[string]int64, g.VertexCount())
	keys := make([]string, 0, g.VertexCount())
	dg := simple.NewDirectedGraph()
	for _, v := range g.Vertices() {
		id := int64(len(keys))
		ids[v.Key()] = id
		keys = append(keys, v.Key())
		dg.AddNode(simple.Node(id))
	}
	for _, e := range g.Edges() {
		from, ok := ids[e.ChildKey()]
		if !ok {
			continue
		}
		to, ok := ids[e.ParentKey()]
		if !ok || from == to || dg.HasEdgeFromTo(from, to) {
			continue
		}
		dg.SetEdge(dg.NewEdge(simple.Node(from), simple.Node(to)))
	}

	var out []Cycle
	for _, scc := range newTarjanSCC(dg).find() {
		members := make(map[string]bool, len(scc))
		c := Cycle{Vertices: make([]string, 0, len(scc))}
		for _, id := range scc {
			members[keys[id]] = true
			c.Vertices = append(c.Vertices, keys[id])
		}
		for _, e := range g.Edges() {
			if members[e.ChildKey()] && members[e.ParentKey()] {
				c.Edges = append(c.Edges, e.Key())
			}
		}
		sort.Strings(c.Vertices)
		sort.Strings(c.Edges)
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if len(out[i].Vertices) != len(out[j].Vertices) {
			return len(out[i].Vertices) > len(out[j].Vertices)
		}
		return out[i].Vertices[0] < out[j].Vertices[0]
	})
	return out
}
