// Package storage defines the contract every provenance backend implements
// and the registry that resolves backends by name.
package storage

import (
	"context"
	"errors"
	"log/slog"

	"github.com/ritzau/provgraph/pkg/model"
)

var (
	// ErrNotFound is returned when a table or element does not exist.
	ErrNotFound = errors.New("not found")
	// ErrUnknownBackend is returned by Open for an unregistered name.
	ErrUnknownBackend = errors.New("unknown storage backend")
	// ErrInvalidFilter is returned for a malformed filter condition.
	ErrInvalidFilter = errors.New("invalid filter")
)

// DefaultLimit caps primitive results when the caller passes limit <= 0.
const DefaultLimit = 1000

// Primitives are the four read operations the lineage engine needs. They
// read the base graph.
type Primitives interface {
	GetVertex(ctx context.Context, f Filter, limit int) ([]*model.Vertex, error)
	GetEdge(ctx context.Context, f Filter, limit int) ([]*model.Edge, error)
	GetChildren(ctx context.Context, parentKey string, limit int) ([]*model.Vertex, error)
	GetParents(ctx context.Context, childKey string, limit int) ([]*model.Vertex, error)
}

// Store is the write path and raw query surface of a backend.
type Store interface {
	Primitives
	PutVertex(ctx context.Context, v *model.Vertex) error
	PutEdge(ctx context.Context, e *model.Edge) error
	ExecuteQuery(ctx context.Context, raw string) ([]Row, error)
	Close() error
}

// Row is one record of a raw query result.
type Row map[string]string

// SymbolRow is one persisted symbol binding.
type SymbolRow struct {
	Name  string
	Value string
	Kind  string
}

// Catalog manages named graph tables and the symbol table.
type Catalog interface {
	ListTables(ctx context.Context) ([]string, error)
	// CreateGraph creates the vertex and edge tables of a graph. It is a
	// no-op for tables that exist.
	CreateGraph(ctx context.Context, name string) error
	DropTable(ctx context.Context, table string) error
	InsertGraph(ctx context.Context, name string, g *model.Graph) error
	ReadGraph(ctx context.Context, name string) (*model.Graph, error)

	ReadSymbolRows(ctx context.Context) ([]SymbolRow, error)
	// WriteSymbolRow inserts or replaces the row keyed by (Name, Kind).
	WriteSymbolRow(ctx context.Context, row SymbolRow) error
	DeleteSymbolRow(ctx context.Context, name, kind string) error
}

// Backend is a complete storage implementation.
type Backend interface {
	Store
	Catalog
}

// Options configure a backend at open time.
type Options struct {
	// Path is the database file or directory. Ignored by in-memory backends.
	Path string
	// InMemory asks backends that support it to skip the disk.
	InMemory bool
	// Base is the name of the base graph; defaults to DefaultBase.
	Base string
	// Logger receives backend-internal logs. May be nil.
	Logger *slog.Logger
}

// BaseName returns the configured base graph name.
func (o Options) BaseName() string {
	if o.Base == "" {
		return DefaultBase
	}
	return o.Base
}

// Limit normalises a caller-supplied limit.
func Limit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	return limit
}

// VertexRows renders vertices as raw query rows, with the primary key under
// model.PrimaryKey.
func VertexRows(vs []*model.Vertex) []Row {
	rows := make([]Row, len(vs))
	for i, v := range vs {
		a := v.Annotations()
		row := make(Row, a.Len()+1)
		for _, k := range a.Keys() {
			row[k], _ = a.Get(k)
		}
		row[model.PrimaryKey] = v.Key()
		rows[i] = row
	}
	return rows
}
