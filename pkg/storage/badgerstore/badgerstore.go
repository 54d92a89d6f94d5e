// Package badgerstore is a storage backend on BadgerDB.
//
// Key layout:
//
//	t/<table>                  table marker
//	r/<table>/<key>            row (JSON vertex or edge)
//	p/<child>/<parent>         base parents index
//	c/<parent>/<child>         base children index
//	e/<child>/<edge>           base edges by child
//	s/<kind>/<name>            symbol row value
package badgerstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/ritzau/provgraph/pkg/model"
	"github.com/ritzau/provgraph/pkg/storage"
)

// Name is the registry name of this backend.
const Name = "badger"

func init() {
	storage.Register(Name, func(ctx context.Context, opts storage.Options) (storage.Backend, error) {
		cfg := DefaultConfig()
		if opts.InMemory {
			cfg = InMemoryConfig()
		}
		cfg.Path = opts.Path
		cfg.Base = opts.BaseName()
		cfg.Logger = opts.Logger
		return Open(cfg)
	})
}

// Config holds configuration for a badger-backed store.
type Config struct {
	// Path is the database directory. Ignored when InMemory is true.
	Path string
	// InMemory skips the disk entirely.
	InMemory bool
	// SyncWrites fsyncs every commit.
	SyncWrites bool
	// Base names the base graph.
	Base string
	// Logger receives badger's own logs. Nil silences them.
	Logger *slog.Logger
	// GCInterval is how often value log GC runs. Zero disables it.
	GCInterval time.Duration
	// GCDiscardRatio is the garbage ratio that triggers a rewrite.
	GCDiscardRatio float64
}

// DefaultConfig returns settings for on-disk use.
func DefaultConfig() Config {
	return Config{
		SyncWrites:     true,
		Base:           storage.DefaultBase,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryConfig returns settings for tests.
func InMemoryConfig() Config {
	return Config{
		InMemory: true,
		Base:     storage.DefaultBase,
	}
}

// badgerLogger adapts slog.Logger to badger's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// Store is the badger backend.
type Store struct {
	db     *badger.DB
	base   string
	logger *slog.Logger
	stopGC chan struct{}
	gcDone chan struct{}
}

var _ storage.Backend = (*Store)(nil)

// Open opens or creates a store.
func Open(cfg Config) (*Store, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent database")
	}
	if cfg.Base == "" {
		cfg.Base = storage.DefaultBase
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}

	s := &Store{db: db, base: cfg.Base, logger: cfg.Logger}
	err = db.Update(func(txn *badger.Txn) error {
		for _, t := range []string{storage.VertexTable(s.base), storage.EdgeTable(s.base), storage.SymbolTable} {
			if err := txn.Set(tableKey(t), nil); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create base tables: %w", err)
	}

	if cfg.GCInterval > 0 && !cfg.InMemory {
		s.stopGC = make(chan struct{})
		s.gcDone = make(chan struct{})
		go s.runGC(cfg.GCInterval, cfg.GCDiscardRatio)
	}
	return s, nil
}

func (s *Store) runGC(interval time.Duration, ratio float64) {
	defer close(s.gcDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopGC:
			return
		case <-ticker.C:
			err := s.db.RunValueLogGC(ratio)
			if err != nil && !errors.Is(err, badger.ErrNoRewrite) && s.logger != nil {
				s.logger.Warn("badger value log GC error", "error", err)
			}
		}
	}
}

// Close stops value log GC and closes the database.
func (s *Store) Close() error {
	if s.stopGC != nil {
		close(s.stopGC)
		<-s.gcDone
		s.stopGC = nil
	}
	return s.db.Close()
}

func tableKey(table string) []byte { return []byte("t/" + table) }

func rowPrefix(table string) []byte { return []byte("r/" + table + "/") }

func rowKey(table, key string) []byte { return []byte("r/" + table + "/" + key) }

func symbolKey(kind, name string) []byte { return []byte("s/" + kind + "/" + name) }

func (s *Store) vertexTable() string { return storage.VertexTable(s.base) }

func (s *Store) edgeTable() string { return storage.EdgeTable(s.base) }

func exists(txn *badger.Txn, key []byte) (bool, error) {
	_, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}

func putVertex(txn *badger.Txn, table string, v *model.Vertex) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(rowKey(table, v.Key()), data)
}

func (s *Store) PutVertex(ctx context.Context, v *model.Vertex) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return putVertex(txn, s.vertexTable(), v)
	})
}

func (s *Store) PutEdge(ctx context.Context, e *model.Edge) error {
	return s.db.Update(func(txn *badger.Txn) error {
		vt := s.vertexTable()
		for _, v := range []*model.Vertex{e.Child(), e.Parent()} {
			if v == nil {
				continue
			}
			if err := putVertex(txn, vt, v); err != nil {
				return err
			}
		}
		for _, k := range []string{e.ChildKey(), e.ParentKey()} {
			ok, err := exists(txn, rowKey(vt, k))
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%w: vertex %s not stored", model.ErrMissingEndpoint, k)
			}
		}

		data, err := json.Marshal(e.KeysOnly())
		if err != nil {
			return err
		}
		child, parent := e.ChildKey(), e.ParentKey()
		sets := [][2][]byte{
			{rowKey(s.edgeTable(), e.Key()), data},
			{[]byte("p/" + child + "/" + parent), nil},
			{[]byte("c/" + parent + "/" + child), nil},
			{[]byte("e/" + child + "/" + e.Key()), nil},
		}
		for _, kv := range sets {
			if err := txn.Set(kv[0], kv[1]); err != nil {
				return err
			}
		}
		return nil
	})
}

func decodeVertex(item *badger.Item) (*model.Vertex, error) {
	var v model.Vertex
	err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &v)
	})
	if err != nil {
		return nil, fmt.Errorf("decode vertex %s: %w", item.Key(), err)
	}
	return &v, nil
}

func decodeEdge(item *badger.Item) (*model.Edge, error) {
	var e model.Edge
	err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &e)
	})
	if err != nil {
		return nil, fmt.Errorf("decode edge %s: %w", item.Key(), err)
	}
	return &e, nil
}

// scan visits every item under prefix until fn returns false.
func scan(txn *badger.Txn, prefix []byte, values bool, fn func(item *badger.Item) (bool, error)) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.PrefetchValues = values
	it := txn.NewIterator(opts)
	defer it.Close()
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		more, err := fn(it.Item())
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
	}
	return nil
}

func (s *Store) getVertex(txn *badger.Txn, table, key string) (*model.Vertex, error) {
	item, err := txn.Get(rowKey(table, key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeVertex(item)
}

func (s *Store) GetVertex(ctx context.Context, f storage.Filter, limit int) ([]*model.Vertex, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	limit = storage.Limit(limit)

	var out []*model.Vertex
	err := s.db.View(func(txn *badger.Txn) error {
		if key, ok := f.PrimaryKey(); ok {
			v, err := s.getVertex(txn, s.vertexTable(), key)
			if err != nil || v == nil {
				return err
			}
			if f.MatchVertex(v) {
				out = append(out, v)
			}
			return nil
		}
		return scan(txn, rowPrefix(s.vertexTable()), true, func(item *badger.Item) (bool, error) {
			v, err := decodeVertex(item)
			if err != nil {
				return false, err
			}
			if f.MatchVertex(v) {
				out = append(out, v)
			}
			return len(out) < limit, nil
		})
	})
	return out, err
}

func (s *Store) GetEdge(ctx context.Context, f storage.Filter, limit int) ([]*model.Edge, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	limit = storage.Limit(limit)

	child := ""
	for _, c := range f {
		if c.Key == model.ChildKey && c.Op == storage.OpEq {
			child = c.Value
			break
		}
	}

	var out []*model.Edge
	err := s.db.View(func(txn *badger.Txn) error {
		if child == "" {
			return scan(txn, rowPrefix(s.edgeTable()), true, func(item *badger.Item) (bool, error) {
				e, err := decodeEdge(item)
				if err != nil {
					return false, err
				}
				if f.MatchEdge(e) {
					out = append(out, e)
				}
				return len(out) < limit, nil
			})
		}

		prefix := []byte("e/" + child + "/")
		return scan(txn, prefix, false, func(idx *badger.Item) (bool, error) {
			edgeKey := strings.TrimPrefix(string(idx.Key()), string(prefix))
			item, err := txn.Get(rowKey(s.edgeTable(), edgeKey))
			if errors.Is(err, badger.ErrKeyNotFound) {
				return true, nil
			}
			if err != nil {
				return false, err
			}
			e, err := decodeEdge(item)
			if err != nil {
				return false, err
			}
			if f.MatchEdge(e) {
				out = append(out, e)
			}
			return len(out) < limit, nil
		})
	})
	return out, err
}

// neighbours follows an adjacency index prefix ("p/<key>/" or "c/<key>/").
func (s *Store) neighbours(prefix string, limit int) ([]*model.Vertex, error) {
	limit = storage.Limit(limit)
	var out []*model.Vertex
	err := s.db.View(func(txn *badger.Txn) error {
		return scan(txn, []byte(prefix), false, func(item *badger.Item) (bool, error) {
			key := strings.TrimPrefix(string(item.Key()), prefix)
			v, err := s.getVertex(txn, s.vertexTable(), key)
			if err != nil {
				return false, err
			}
			if v != nil {
				out = append(out, v)
			}
			return len(out) < limit, nil
		})
	})
	return out, err
}

func (s *Store) GetChildren(ctx context.Context, parentKey string, limit int) ([]*model.Vertex, error) {
	return s.neighbours("c/"+parentKey+"/", limit)
}

func (s *Store) GetParents(ctx context.Context, childKey string, limit int) ([]*model.Vertex, error) {
	return s.neighbours("p/"+childKey+"/", limit)
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

func (s *Store) ListTables(ctx context.Context) ([]string, error) {
	var names []string
	err := s.db.View(func(txn *badger.Txn) error {
		return scan(txn, []byte("t/"), false, func(item *badger.Item) (bool, error) {
			names = append(names, strings.TrimPrefix(string(item.Key()), "t/"))
			return true, nil
		})
	})
	return names, err
}

func (s *Store) CreateGraph(ctx context.Context, name string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		for _, t := range storage.GraphTables(name) {
			if err := txn.Set(tableKey(t), nil); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) DropTable(ctx context.Context, table string) error {
	prefixes := [][]byte{rowPrefix(table)}
	if table == s.edgeTable() {
		prefixes = append(prefixes, []byte("p/"), []byte("c/"), []byte("e/"))
	}

	var doomed [][]byte
	if table != s.vertexTable() && table != s.edgeTable() {
		doomed = append(doomed, tableKey(table))
	}
	err := s.db.View(func(txn *badger.Txn) error {
		for _, prefix := range prefixes {
			err := scan(txn, prefix, false, func(item *badger.Item) (bool, error) {
				doomed = append(doomed, item.KeyCopy(nil))
				return true, nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("drop table %s: %w", table, err)
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range doomed {
		if err := wb.Delete(k); err != nil {
			return fmt.Errorf("drop table %s: %w", table, err)
		}
	}
	return wb.Flush()
}

func (s *Store) InsertGraph(ctx context.Context, name string, g *model.Graph) error {
	vt, et := storage.VertexTable(name), storage.EdgeTable(name)
	err := s.db.View(func(txn *badger.Txn) error {
		for _, t := range []string{vt, et} {
			ok, err := exists(txn, tableKey(t))
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%w: table %s", storage.ErrNotFound, t)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, v := range g.Vertices() {
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		if err := wb.Set(rowKey(vt, v.Key()), data); err != nil {
			return err
		}
	}
	for _, e := range g.Edges() {
		data, err := json.Marshal(e.KeysOnly())
		if err != nil {
			return err
		}
		if err := wb.Set(rowKey(et, e.Key()), data); err != nil {
			return err
		}
	}
	return wb.Flush()
}

func (s *Store) ReadGraph(ctx context.Context, name string) (*model.Graph, error) {
	vt, et := storage.VertexTable(name), storage.EdgeTable(name)
	g := model.NewGraph()
	err := s.db.View(func(txn *badger.Txn) error {
		for _, t := range []string{vt, et} {
			ok, err := exists(txn, tableKey(t))
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%w: graph %s", storage.ErrNotFound, name)
			}
		}
		err := scan(txn, rowPrefix(vt), true, func(item *badger.Item) (bool, error) {
			v, err := decodeVertex(item)
			if err != nil {
				return false, err
			}
			g.AddVertex(v)
			return true, nil
		})
		if err != nil {
			return err
		}
		return scan(txn, rowPrefix(et), true, func(item *badger.Item) (bool, error) {
			e, err := decodeEdge(item)
			if err != nil {
				return false, err
			}
			g.AddEdge(e)
			return true, nil
		})
	})
	if err != nil {
		return nil, err
	}
	return g, nil
}

func (s *Store) ReadSymbolRows(ctx context.Context) ([]storage.SymbolRow, error) {
	var rows []storage.SymbolRow
	err := s.db.View(func(txn *badger.Txn) error {
		return scan(txn, []byte("s/"), true, func(item *badger.Item) (bool, error) {
			kind, name, ok := strings.Cut(strings.TrimPrefix(string(item.Key()), "s/"), "/")
			if !ok {
				return false, fmt.Errorf("malformed symbol key %q", item.Key())
			}
			val, err := item.ValueCopy(nil)
			if err != nil {
				return false, err
			}
			rows = append(rows, storage.SymbolRow{Name: name, Value: string(val), Kind: kind})
			return true, nil
		})
	})
	return rows, err
}

func (s *Store) WriteSymbolRow(ctx context.Context, row storage.SymbolRow) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(symbolKey(row.Kind, row.Name), []byte(row.Value))
	})
}

func (s *Store) DeleteSymbolRow(ctx context.Context, name, kind string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(symbolKey(kind, name))
	})
}
