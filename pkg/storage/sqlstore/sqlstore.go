// Package sqlstore is a storage backend on SQLite. Each graph is a pair of
// tables; annotations are stored as a JSON object and filtered with
// json_extract.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/ritzau/provgraph/pkg/model"
	"github.com/ritzau/provgraph/pkg/storage"
)

// Name is the registry name of this backend.
const Name = "sqlite"

func init() {
	storage.Register(Name, func(ctx context.Context, opts storage.Options) (storage.Backend, error) {
		path := opts.Path
		if opts.InMemory {
			path = ":memory:"
		}
		return Open(ctx, path, opts.BaseName())
	})
}

// Store is the SQLite backend.
type Store struct {
	db   *sql.DB
	base string
}

var _ storage.Backend = (*Store)(nil)

func allPragmas() []string {
	return []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA case_sensitive_like = ON",
	}
}

func symbolSchema() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS ` + storage.SymbolTable + ` (
			name  VARCHAR(256) NOT NULL,
			value VARCHAR(1024) NOT NULL,
			kind  VARCHAR(32) NOT NULL
		)`,
	}
}

func graphSchema(name string) []string {
	vt, et := quote(storage.VertexTable(name)), quote(storage.EdgeTable(name))
	return []string{
		`CREATE TABLE IF NOT EXISTS ` + vt + ` (
			hash        TEXT PRIMARY KEY,
			annotations TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS ` + et + ` (
			hash             TEXT PRIMARY KEY,
			childVertexHash  TEXT NOT NULL,
			parentVertexHash TEXT NOT NULL,
			annotations      TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS ` + quote(storage.EdgeTable(name)+"_child") + ` ON ` + et + `(childVertexHash)`,
		`CREATE INDEX IF NOT EXISTS ` + quote(storage.EdgeTable(name)+"_parent") + ` ON ` + et + `(parentVertexHash)`,
	}
}

// quote renders an identifier.
func quote(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

// Open opens the database at path (":memory:" for a private in-memory
// database) and creates the base graph and symbol tables.
func Open(ctx context.Context, path, base string) (*Store, error) {
	if path == "" {
		return nil, errors.New("path is required for sqlite database")
	}
	if base == "" {
		base = storage.DefaultBase
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}
	// Pragmas are per connection and ":memory:" is per connection too.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to sqlite: %w", err)
	}

	stmts := append(allPragmas(), symbolSchema()...)
	stmts = append(stmts, graphSchema(base)...)
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("creating schema: %w", err)
		}
	}
	return &Store{db: db, base: base}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) vertexTable() string { return quote(storage.VertexTable(s.base)) }

func (s *Store) edgeTable() string { return quote(storage.EdgeTable(s.base)) }

func annotationsJSON(a model.Annotations) (string, error) {
	data, err := json.Marshal(a)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertVertex(ctx context.Context, db execer, table string, v *model.Vertex) error {
	ann, err := annotationsJSON(v.Annotations())
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx,
		`INSERT OR IGNORE INTO `+table+` (hash, annotations) VALUES (?, ?)`,
		v.Key(), ann)
	return err
}

func insertEdge(ctx context.Context, db execer, table string, e *model.Edge) error {
	ann, err := annotationsJSON(e.Annotations())
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx,
		`INSERT OR IGNORE INTO `+table+` (hash, childVertexHash, parentVertexHash, annotations) VALUES (?, ?, ?, ?)`,
		e.Key(), e.ChildKey(), e.ParentKey(), ann)
	return err
}

func (s *Store) PutVertex(ctx context.Context, v *model.Vertex) error {
	if err := insertVertex(ctx, s.db, s.vertexTable(), v); err != nil {
		return fmt.Errorf("inserting vertex: %w", err)
	}
	return nil
}

func (s *Store) PutEdge(ctx context.Context, e *model.Edge) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, v := range []*model.Vertex{e.Child(), e.Parent()} {
		if v == nil {
			continue
		}
		if err := insertVertex(ctx, tx, s.vertexTable(), v); err != nil {
			return fmt.Errorf("inserting endpoint: %w", err)
		}
	}
	var n int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM `+s.vertexTable()+` WHERE hash IN (?, ?)`,
		e.ChildKey(), e.ParentKey()).Scan(&n)
	if err != nil {
		return err
	}
	want := 2
	if e.ChildKey() == e.ParentKey() {
		want = 1
	}
	if n != want {
		return fmt.Errorf("%w: edge %s", model.ErrMissingEndpoint, e.Key())
	}
	if err := insertEdge(ctx, tx, s.edgeTable(), e); err != nil {
		return fmt.Errorf("inserting edge: %w", err)
	}
	return tx.Commit()
}

// where renders a filter as a SQL condition. Identity keys map to columns;
// every other key is looked up in the annotations object.
func where(f storage.Filter, edge bool) (string, []any, error) {
	if err := f.Validate(); err != nil {
		return "", nil, err
	}
	if len(f) == 0 {
		return "1 = 1", nil, nil
	}
	parts := make([]string, 0, len(f))
	args := make([]any, 0, len(f))
	for _, c := range f {
		var col string
		switch {
		case c.Key == model.PrimaryKey:
			col = "hash"
		case edge && (c.Key == model.ChildKey || c.Key == model.ParentKey):
			col = c.Key
		default:
			if strings.ContainsAny(c.Key, `"\`) {
				return "", nil, fmt.Errorf("unsupported annotation key %q", c.Key)
			}
			col = `json_extract(annotations, '$."` + strings.ReplaceAll(c.Key, "'", "''") + `"')`
		}
		switch c.Op {
		case storage.OpEq:
			parts = append(parts, col+" = ?")
		case storage.OpNe:
			parts = append(parts, "("+col+" IS NULL OR "+col+" != ?)")
		case storage.OpLike:
			parts = append(parts, col+" LIKE ?")
		}
		args = append(args, c.Value)
	}
	return strings.Join(parts, " AND "), args, nil
}

func scanVertices(rows *sql.Rows) ([]*model.Vertex, error) {
	defer rows.Close()
	var out []*model.Vertex
	for rows.Next() {
		var hash, ann string
		if err := rows.Scan(&hash, &ann); err != nil {
			return nil, err
		}
		var a model.Annotations
		if err := json.Unmarshal([]byte(ann), &a); err != nil {
			return nil, fmt.Errorf("decoding vertex %s: %w", hash, err)
		}
		v, err := model.NewVertex(a)
		if err != nil {
			return nil, fmt.Errorf("decoding vertex %s: %w", hash, err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func scanEdges(rows *sql.Rows) ([]*model.Edge, error) {
	defer rows.Close()
	var out []*model.Edge
	for rows.Next() {
		var hash, child, parent, ann string
		if err := rows.Scan(&hash, &child, &parent, &ann); err != nil {
			return nil, err
		}
		var a model.Annotations
		if err := json.Unmarshal([]byte(ann), &a); err != nil {
			return nil, fmt.Errorf("decoding edge %s: %w", hash, err)
		}
		e, err := model.NewEdgeByKey(a, child, parent)
		if err != nil {
			return nil, fmt.Errorf("decoding edge %s: %w", hash, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) GetVertex(ctx context.Context, f storage.Filter, limit int) ([]*model.Vertex, error) {
	cond, args, err := where(f, false)
	if err != nil {
		return nil, err
	}
	args = append(args, storage.Limit(limit))
	rows, err := s.db.QueryContext(ctx,
		`SELECT hash, annotations FROM `+s.vertexTable()+` WHERE `+cond+` ORDER BY rowid LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("querying vertices: %w", err)
	}
	return scanVertices(rows)
}

func (s *Store) GetEdge(ctx context.Context, f storage.Filter, limit int) ([]*model.Edge, error) {
	cond, args, err := where(f, true)
	if err != nil {
		return nil, err
	}
	args = append(args, storage.Limit(limit))
	rows, err := s.db.QueryContext(ctx,
		`SELECT hash, childVertexHash, parentVertexHash, annotations FROM `+s.edgeTable()+` WHERE `+cond+` ORDER BY rowid LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("querying edges: %w", err)
	}
	return scanEdges(rows)
}

func (s *Store) GetChildren(ctx context.Context, parentKey string, limit int) ([]*model.Vertex, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT hash, annotations FROM `+s.vertexTable()+`
		 WHERE hash IN (SELECT childVertexHash FROM `+s.edgeTable()+` WHERE parentVertexHash = ?)
		 ORDER BY rowid LIMIT ?`, parentKey, storage.Limit(limit))
	if err != nil {
		return nil, fmt.Errorf("querying children: %w", err)
	}
	return scanVertices(rows)
}

func (s *Store) GetParents(ctx context.Context, childKey string, limit int) ([]*model.Vertex, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT hash, annotations FROM `+s.vertexTable()+`
		 WHERE hash IN (SELECT parentVertexHash FROM `+s.edgeTable()+` WHERE childVertexHash = ?)
		 ORDER BY rowid LIMIT ?`, childKey, storage.Limit(limit))
	if err != nil {
		return nil, fmt.Errorf("querying parents: %w", err)
	}
	return scanVertices(rows)
}

// ExecuteQuery runs raw SQL and renders every column as text.
func (s *Store) ExecuteQuery(ctx context.Context, raw string) ([]storage.Row, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, errors.New("empty query")
	}
	rows, err := s.db.QueryContext(ctx, raw)
	if err != nil {
		return nil, fmt.Errorf("executing query: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out []storage.Row
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(storage.Row, len(cols))
		for i, c := range cols {
			switch v := vals[i].(type) {
			case nil:
				row[c] = ""
			case []byte:
				row[c] = string(v)
			default:
				row[c] = fmt.Sprint(v)
			}
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (s *Store) ListTables(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("listing tables: %w", err)
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *Store) CreateGraph(ctx context.Context, name string) error {
	for _, stmt := range graphSchema(name) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("creating graph %s: %w", name, err)
		}
	}
	return nil
}

func (s *Store) DropTable(ctx context.Context, table string) error {
	if _, err := s.db.ExecContext(ctx, `DROP TABLE IF EXISTS `+quote(table)); err != nil {
		return fmt.Errorf("dropping %s: %w", table, err)
	}
	return nil
}

func (s *Store) tableExists(ctx context.Context, table string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&n)
	return n > 0, err
}

func (s *Store) InsertGraph(ctx context.Context, name string, g *model.Graph) error {
	vt, et := storage.VertexTable(name), storage.EdgeTable(name)
	for _, t := range []string{vt, et} {
		ok, err := s.tableExists(ctx, t)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: table %s", storage.ErrNotFound, t)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, v := range g.Vertices() {
		if err := insertVertex(ctx, tx, quote(vt), v); err != nil {
			return fmt.Errorf("inserting into %s: %w", vt, err)
		}
	}
	for _, e := range g.Edges() {
		if err := insertEdge(ctx, tx, quote(et), e); err != nil {
			return fmt.Errorf("inserting into %s: %w", et, err)
		}
	}
	return tx.Commit()
}

func (s *Store) ReadGraph(ctx context.Context, name string) (*model.Graph, error) {
	vt, et := storage.VertexTable(name), storage.EdgeTable(name)
	for _, t := range []string{vt, et} {
		ok, err := s.tableExists(ctx, t)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("%w: graph %s", storage.ErrNotFound, name)
		}
	}

	rows, err := s.db.QueryContext(ctx, `SELECT hash, annotations FROM `+quote(vt)+` ORDER BY rowid`)
	if err != nil {
		return nil, err
	}
	vs, err := scanVertices(rows)
	if err != nil {
		return nil, err
	}
	rows, err = s.db.QueryContext(ctx,
		`SELECT hash, childVertexHash, parentVertexHash, annotations FROM `+quote(et)+` ORDER BY rowid`)
	if err != nil {
		return nil, err
	}
	es, err := scanEdges(rows)
	if err != nil {
		return nil, err
	}

	g := model.NewGraph()
	for _, v := range vs {
		g.AddVertex(v)
	}
	for _, e := range es {
		g.AddEdge(e)
	}
	return g, nil
}

func (s *Store) ReadSymbolRows(ctx context.Context) ([]storage.SymbolRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, value, kind FROM `+storage.SymbolTable+` ORDER BY kind, name`)
	if err != nil {
		return nil, fmt.Errorf("reading symbols: %w", err)
	}
	defer rows.Close()
	var out []storage.SymbolRow
	for rows.Next() {
		var r storage.SymbolRow
		if err := rows.Scan(&r.Name, &r.Value, &r.Kind); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) WriteSymbolRow(ctx context.Context, row storage.SymbolRow) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM `+storage.SymbolTable+` WHERE name = ? AND kind = ?`, row.Name, row.Kind); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO `+storage.SymbolTable+` (name, value, kind) VALUES (?, ?, ?)`,
		row.Name, row.Value, row.Kind); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) DeleteSymbolRow(ctx context.Context, name, kind string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM `+storage.SymbolTable+` WHERE name = ? AND kind = ?`, name, kind)
	return err
}

// DB exposes the underlying handle for tests and maintenance commands.
func (s *Store) DB() *sql.DB { return s.db }
