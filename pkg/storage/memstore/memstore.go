// Package memstore is a storage backend that keeps everything in process
// memory. The base graph's adjacency lives in a gonum directed graph whose
// edges point from child to parent.
package memstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/simple"

	"github.com/ritzau/provgraph/pkg/model"
	"github.com/ritzau/provgraph/pkg/storage"
)

// Name is the registry name of this backend.
const Name = "memory"

func init() {
	storage.Register(Name, func(ctx context.Context, opts storage.Options) (storage.Backend, error) {
		return New(opts.BaseName()), nil
	})
}

// table holds the rows of one vertex or edge table in insertion order.
type table struct {
	vertices []*model.Vertex
	vindex   map[string]int
	edges    []*model.Edge
	eindex   map[string]int
	byChild  map[string][]int // child key -> edge positions
}

func newTable() *table {
	return &table{
		vindex:  make(map[string]int),
		eindex:  make(map[string]int),
		byChild: make(map[string][]int),
	}
}

func (t *table) putVertex(v *model.Vertex) {
	if _, ok := t.vindex[v.Key()]; ok {
		return
	}
	t.vindex[v.Key()] = len(t.vertices)
	t.vertices = append(t.vertices, v)
}

func (t *table) putEdge(e *model.Edge) bool {
	if _, ok := t.eindex[e.Key()]; ok {
		return false
	}
	pos := len(t.edges)
	t.eindex[e.Key()] = pos
	t.edges = append(t.edges, e)
	t.byChild[e.ChildKey()] = append(t.byChild[e.ChildKey()], pos)
	return true
}

type symbolKey struct{ name, kind string }

// Store is the in-memory backend.
type Store struct {
	mu   sync.RWMutex
	base string

	adjacency *simple.DirectedGraph
	ids       map[string]int64 // vertex key -> graph ID
	keys      map[int64]string
	nextID    int64

	tables  map[string]*table
	symbols map[symbolKey]storage.SymbolRow
}

var _ storage.Backend = (*Store)(nil)

// New creates an empty store whose base graph is named base.
func New(base string) *Store {
	s := &Store{
		base:      base,
		adjacency: simple.NewDirectedGraph(),
		ids:       make(map[string]int64),
		keys:      make(map[int64]string),
		tables:    make(map[string]*table),
		symbols:   make(map[symbolKey]storage.SymbolRow),
	}
	s.tables[storage.VertexTable(base)] = newTable()
	s.tables[storage.EdgeTable(base)] = newTable()
	s.tables[storage.SymbolTable] = newTable()
	return s
}

func (s *Store) baseVertices() *table { return s.tables[storage.VertexTable(s.base)] }

func (s *Store) baseEdges() *table { return s.tables[storage.EdgeTable(s.base)] }

// node adds a vertex key to the adjacency graph.
func (s *Store) node(key string) int64 {
	if id, ok := s.ids[key]; ok {
		return id
	}
	id := s.nextID
	s.nextID++
	s.ids[key] = id
	s.keys[id] = key
	s.adjacency.AddNode(simple.Node(id))
	return id
}

func (s *Store) PutVertex(ctx context.Context, v *model.Vertex) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putVertex(v)
	return nil
}

func (s *Store) putVertex(v *model.Vertex) {
	s.baseVertices().putVertex(v)
	s.node(v.Key())
}

func (s *Store) PutEdge(ctx context.Context, e *model.Edge) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c := e.Child(); c != nil {
		s.putVertex(c)
	}
	if p := e.Parent(); p != nil {
		s.putVertex(p)
	}
	vt := s.baseVertices()
	for _, k := range []string{e.ChildKey(), e.ParentKey()} {
		if _, ok := vt.vindex[k]; !ok {
			return fmt.Errorf("%w: vertex %s not stored", model.ErrMissingEndpoint, k)
		}
	}

	if !s.baseEdges().putEdge(e) {
		return nil
	}
	from, to := s.ids[e.ChildKey()], s.ids[e.ParentKey()]
	if from != to && !s.adjacency.HasEdgeFromTo(from, to) {
		s.adjacency.SetEdge(s.adjacency.NewEdge(s.adjacency.Node(from), s.adjacency.Node(to)))
	}
	return nil
}

func (s *Store) GetVertex(ctx context.Context, f storage.Filter, limit int) ([]*model.Vertex, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	limit = storage.Limit(limit)

	s.mu.RLock()
	defer s.mu.RUnlock()

	vt := s.baseVertices()
	if key, ok := f.PrimaryKey(); ok {
		i, found := vt.vindex[key]
		if !found || !f.MatchVertex(vt.vertices[i]) {
			return nil, nil
		}
		return []*model.Vertex{vt.vertices[i]}, nil
	}

	var out []*model.Vertex
	for _, v := range vt.vertices {
		if len(out) >= limit {
			break
		}
		if f.MatchVertex(v) {
			out = append(out, v)
		}
	}
	return out, nil
}

func (s *Store) GetEdge(ctx context.Context, f storage.Filter, limit int) ([]*model.Edge, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	limit = storage.Limit(limit)

	s.mu.RLock()
	defer s.mu.RUnlock()

	et := s.baseEdges()
	candidates := et.edges
	for _, c := range f {
		if c.Key == model.ChildKey && c.Op == storage.OpEq {
			positions := et.byChild[c.Value]
			candidates = make([]*model.Edge, len(positions))
			for i, p := range positions {
				candidates[i] = et.edges[p]
			}
			break
		}
	}

	var out []*model.Edge
	for _, e := range candidates {
		if len(out) >= limit {
			break
		}
		if f.MatchEdge(e) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *Store) GetChildren(ctx context.Context, parentKey string, limit int) ([]*model.Vertex, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.ids[parentKey]
	if !ok {
		return nil, nil
	}
	return s.neighbours(s.adjacency.To(id), storage.Limit(limit)), nil
}

func (s *Store) GetParents(ctx context.Context, childKey string, limit int) ([]*model.Vertex, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.ids[childKey]
	if !ok {
		return nil, nil
	}
	return s.neighbours(s.adjacency.From(id), storage.Limit(limit)), nil
}

// neighbours resolves an adjacency iterator to vertices in insertion order.
func (s *Store) neighbours(it graph.Nodes, limit int) []*model.Vertex {
	var ids []int64
	for it.Next() {
		ids = append(ids, it.Node().ID())
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	vt := s.baseVertices()
	out := make([]*model.Vertex, 0, len(ids))
	for _, id := range ids {
		if len(out) >= limit {
			break
		}
		if i, ok := vt.vindex[s.keys[id]]; ok {
			out = append(out, vt.vertices[i])
		}
	}
	return out
}

// ExecuteQuery interprets raw as a filter expression over base vertices.
func (s *Store) ExecuteQuery(ctx context.Context, raw string) ([]storage.Row, error) {
	if raw == "" {
		return nil, errors.New("empty query")
	}
	f, err := storage.ParseFilter(raw)
	if err != nil {
		return nil, err
	}
	vs, err := s.GetVertex(ctx, f, 0)
	if err != nil {
		return nil, err
	}
	return storage.VertexRows(vs), nil
}

func (s *Store) Close() error { return nil }

func (s *Store) ListTables(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.tables))
	for name := range s.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *Store) CreateGraph(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range storage.GraphTables(name) {
		if _, ok := s.tables[t]; !ok {
			s.tables[t] = newTable()
		}
	}
	return nil
}

func (s *Store) DropTable(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tables, name)
	switch name {
	case storage.VertexTable(s.base), storage.EdgeTable(s.base):
		s.adjacency = simple.NewDirectedGraph()
		s.ids = make(map[string]int64)
		s.keys = make(map[int64]string)
		s.tables[name] = newTable()
	}
	return nil
}

func (s *Store) InsertGraph(ctx context.Context, name string, g *model.Graph) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	vt, ok := s.tables[storage.VertexTable(name)]
	if !ok {
		return fmt.Errorf("%w: table %s", storage.ErrNotFound, storage.VertexTable(name))
	}
	et, ok := s.tables[storage.EdgeTable(name)]
	if !ok {
		return fmt.Errorf("%w: table %s", storage.ErrNotFound, storage.EdgeTable(name))
	}
	for _, v := range g.Vertices() {
		vt.putVertex(v)
	}
	for _, e := range g.Edges() {
		et.putEdge(e)
	}
	return nil
}

func (s *Store) ReadGraph(ctx context.Context, name string) (*model.Graph, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	vt, ok := s.tables[storage.VertexTable(name)]
	if !ok {
		return nil, fmt.Errorf("%w: graph %s", storage.ErrNotFound, name)
	}
	et, ok := s.tables[storage.EdgeTable(name)]
	if !ok {
		return nil, fmt.Errorf("%w: graph %s", storage.ErrNotFound, name)
	}
	g := model.NewGraph()
	for _, v := range vt.vertices {
		g.AddVertex(v)
	}
	for _, e := range et.edges {
		g.AddEdge(e)
	}
	return g, nil
}

func (s *Store) ReadSymbolRows(ctx context.Context) ([]storage.SymbolRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows := make([]storage.SymbolRow, 0, len(s.symbols))
	for _, r := range s.symbols {
		rows = append(rows, r)
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Kind != rows[j].Kind {
			return rows[i].Kind < rows[j].Kind
		}
		return rows[i].Name < rows[j].Name
	})
	return rows, nil
}

func (s *Store) WriteSymbolRow(ctx context.Context, row storage.SymbolRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.symbols[symbolKey{row.Name, row.Kind}] = row
	return nil
}

func (s *Store) DeleteSymbolRow(ctx context.Context, name, kind string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.symbols, symbolKey{name, kind})
	return nil
}
