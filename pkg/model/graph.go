package model

import (
	"encoding/json"
	"fmt"
)

// Boundary is a network vertex reached by a traversal, with the depth at
// which it was found.
type Boundary struct {
	Vertex *Vertex `json:"vertex"`
	Depth  int     `json:"depth"`
}

// Graph is an insertion-ordered set of vertices and edges produced by a
// lineage query.
type Graph struct {
	vertices   []*Vertex
	vindex     map[string]int
	edges      []*Edge
	eindex     map[string]int
	boundaries []Boundary
	bindex     map[string]int

	MaxDepth int
	Remote   bool
}

// NewGraph creates a new empty graph.
func NewGraph() *Graph {
	return &Graph{
		vindex: make(map[string]int),
		eindex: make(map[string]int),
		bindex: make(map[string]int),
	}
}

// AddVertex adds v unless a vertex with the same key exists.
func (g *Graph) AddVertex(v *Vertex) bool {
	if _, ok := g.vindex[v.Key()]; ok {
		return false
	}
	g.vindex[v.Key()] = len(g.vertices)
	g.vertices = append(g.vertices, v)
	return true
}

// AddEdge adds e unless an edge with the same key exists.
func (g *Graph) AddEdge(e *Edge) bool {
	if _, ok := g.eindex[e.Key()]; ok {
		return false
	}
	g.eindex[e.Key()] = len(g.edges)
	g.edges = append(g.edges, e)
	return true
}

// AddBoundary records a network vertex at depth, keeping the smallest depth.
func (g *Graph) AddBoundary(v *Vertex, depth int) {
	g.Remote = true
	if i, ok := g.bindex[v.Key()]; ok {
		if depth < g.boundaries[i].Depth {
			g.boundaries[i].Depth = depth
		}
		return
	}
	g.bindex[v.Key()] = len(g.boundaries)
	g.boundaries = append(g.boundaries, Boundary{Vertex: v, Depth: depth})
}

func (g *Graph) HasVertex(key string) bool {
	_, ok := g.vindex[key]
	return ok
}

func (g *Graph) Vertex(key string) (*Vertex, bool) {
	i, ok := g.vindex[key]
	if !ok {
		return nil, false
	}
	return g.vertices[i], true
}

func (g *Graph) HasEdge(key string) bool {
	_, ok := g.eindex[key]
	return ok
}

// Vertices returns the vertices in insertion order.
func (g *Graph) Vertices() []*Vertex { return g.vertices }

// Edges returns the edges in insertion order.
func (g *Graph) Edges() []*Edge { return g.edges }

// Boundaries returns the network vertices reached, in discovery order.
func (g *Graph) Boundaries() []Boundary { return g.boundaries }

func (g *Graph) VertexCount() int { return len(g.vertices) }

func (g *Graph) EdgeCount() int { return len(g.edges) }

// Union adds every element of other to g.
func (g *Graph) Union(other *Graph) {
	if other == nil {
		return
	}
	for _, v := range other.vertices {
		g.AddVertex(v)
	}
	for _, e := range other.edges {
		g.AddEdge(e)
	}
	for _, b := range other.boundaries {
		g.AddBoundary(b.Vertex, b.Depth)
	}
	g.Remote = g.Remote || other.Remote
	if other.MaxDepth > g.MaxDepth {
		g.MaxDepth = other.MaxDepth
	}
}

type graphJSON struct {
	Vertices   []*Vertex  `json:"vertices"`
	Edges      []*Edge    `json:"edges"`
	Boundaries []Boundary `json:"boundaries,omitempty"`
	MaxDepth   int        `json:"maxDepth"`
	Remote     bool       `json:"remote"`
}

func (g *Graph) MarshalJSON() ([]byte, error) {
	out := graphJSON{
		Vertices:   g.vertices,
		Edges:      g.edges,
		Boundaries: g.boundaries,
		MaxDepth:   g.MaxDepth,
		Remote:     g.Remote,
	}
	if out.Vertices == nil {
		out.Vertices = []*Vertex{}
	}
	if out.Edges == nil {
		out.Edges = []*Edge{}
	}
	return json.Marshal(out)
}

func (g *Graph) UnmarshalJSON(data []byte) error {
	var raw graphJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	ng := NewGraph()
	for i, v := range raw.Vertices {
		if v == nil {
			return fmt.Errorf("graph vertex %d is null", i)
		}
		ng.AddVertex(v)
	}
	for i, e := range raw.Edges {
		if e == nil {
			return fmt.Errorf("graph edge %d is null", i)
		}
		ng.AddEdge(e)
	}
	for i, b := range raw.Boundaries {
		if b.Vertex == nil {
			return fmt.Errorf("graph boundary %d has no vertex", i)
		}
		if b.Depth < 0 {
			return fmt.Errorf("graph boundary %d has negative depth %d", i, b.Depth)
		}
		ng.AddBoundary(b.Vertex, b.Depth)
	}
	ng.MaxDepth = raw.MaxDepth
	ng.Remote = raw.Remote
	*g = *ng
	return nil
}
