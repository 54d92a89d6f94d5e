package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ritzau/provgraph/pkg/cycles"
	"github.com/ritzau/provgraph/pkg/kernel"
	"github.com/ritzau/provgraph/pkg/lineage"
	"github.com/ritzau/provgraph/pkg/logging"
	"github.com/ritzau/provgraph/pkg/model"
	"github.com/ritzau/provgraph/pkg/pubsub"
	"github.com/ritzau/provgraph/pkg/sketch"
	"github.com/ritzau/provgraph/pkg/storage"
	"github.com/ritzau/provgraph/pkg/symbols"
)

// maxBody caps request bodies.
const maxBody = 32 << 20

// Service is what the HTTP API exposes. *kernel.Kernel implements it.
type Service interface {
	PutVertex(ctx context.Context, v *model.Vertex) error
	PutEdge(ctx context.Context, e *model.Edge) error
	Lineage(ctx context.Context, q lineage.Query) (lineage.Result, error)
	Graph(ctx context.Context, symbol string) (*model.Graph, error)
	Cycles(ctx context.Context, symbol string) ([]cycles.Cycle, error)
	Symbols() []symbols.Binding
	BindPredicate(ctx context.Context, symbol, expr string) error
	Unbind(ctx context.Context, symbol string) error
	CollectGarbage(ctx context.Context) ([]string, error)
	Reset(ctx context.Context) ([]string, error)
	Sketch() sketch.Summary
	RefreshSketch(ctx context.Context, host string) error
	Query(ctx context.Context, raw string) ([]storage.Row, error)
}

var _ Service = (*kernel.Kernel)(nil)

// Batch is a set of elements ingested in one request. Vertices are stored
// before edges.
type Batch struct {
	Vertices []*model.Vertex `json:"vertices"`
	Edges    []*model.Edge   `json:"edges"`
}

// PredicateRequest binds a predicate symbol.
type PredicateRequest struct {
	Symbol     string `json:"symbol"`
	Expression string `json:"expression"`
}

// QueryRequest carries a raw backend query.
type QueryRequest struct {
	Query string `json:"query"`
}

// CollectResponse lists the tables a collection dropped.
type CollectResponse struct {
	Dropped []string `json:"dropped"`
}

// Server represents the web server
type Server struct {
	router    *mux.Router
	service   Service
	publisher pubsub.Publisher
	http      *http.Server
}

// NewServer creates a new web server
func NewServer(service Service, publisher pubsub.Publisher) *Server {
	s := &Server{
		router:    mux.NewRouter(),
		service:   service,
		publisher: publisher,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(requestMiddleware)

	// SSE subscription endpoints
	s.router.HandleFunc("/api/subscribe/{topic}", s.handleSubscribe).Methods("GET")

	// Ingest
	s.router.HandleFunc("/api/ingest", s.handleIngestBatch).Methods("POST")
	s.router.HandleFunc("/api/ingest/vertex", s.handleIngestVertex).Methods("POST")
	s.router.HandleFunc("/api/ingest/edge", s.handleIngestEdge).Methods("POST")

	// Queries
	s.router.HandleFunc("/api/lineage", s.handleLineage).Methods("POST")
	s.router.HandleFunc("/api/query", s.handleQuery).Methods("POST")
	s.router.HandleFunc("/api/graphs/{symbol}", s.handleGraph).Methods("GET")
	s.router.HandleFunc("/api/graphs/{symbol}/cycles", s.handleCycles).Methods("GET")

	// Symbol environment
	s.router.HandleFunc("/api/symbols", s.handleSymbols).Methods("GET")
	s.router.HandleFunc("/api/symbols/{symbol}", s.handleUnbind).Methods("DELETE")
	s.router.HandleFunc("/api/predicates", s.handleBindPredicate).Methods("POST")
	s.router.HandleFunc("/api/gc", s.handleGC).Methods("POST")
	s.router.HandleFunc("/api/reset", s.handleReset).Methods("POST")

	// Sketches
	s.router.HandleFunc("/api/sketch", s.handleSketch).Methods("GET")
	s.router.HandleFunc("/api/sketch/{host}/refresh", s.handleRefreshSketch).Methods("POST")

	s.router.Handle("/metrics", promhttp.Handler())
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler { return s.router }

// statusOf maps an error to an HTTP status.
func statusOf(err error) int {
	switch {
	case errors.Is(err, symbols.ErrReservedSymbol),
		errors.Is(err, symbols.ErrSymbolKind),
		errors.Is(err, kernel.ErrInvalidQuery),
		errors.Is(err, storage.ErrInvalidFilter),
		errors.Is(err, model.ErrMissingType),
		errors.Is(err, model.ErrMissingEndpoint),
		errors.Is(err, model.ErrDuplicateKey):
		return http.StatusBadRequest
	case errors.Is(err, symbols.ErrUnbound),
		errors.Is(err, storage.ErrNotFound),
		errors.Is(err, lineage.ErrNoSeeds):
		return http.StatusNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	logging.ErrorContext(r.Context(), "request error", "path", r.URL.Path, "status", status, "error", err)
	http.Error(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Warn("failed to encode response", "error", err)
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(v); err != nil {
		logging.WarnContext(r.Context(), "malformed request body", "path", r.URL.Path, "error", err)
		http.Error(w, fmt.Sprintf("malformed request body: %v", err), http.StatusBadRequest)
		return false
	}
	return true
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	var topics []string
	if topic := mux.Vars(r)["topic"]; topic != "events" {
		topics = []string{topic}
	}

	sub, err := s.publisher.Subscribe(r.Context(), topics...)
	if errors.Is(err, pubsub.ErrUnknownTopic) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	} else if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	// Safari waits for a first chunk before firing onopen.
	fmt.Fprintf(w, ": connected\n\n")
	flusher, _ := w.(http.Flusher)
	if flusher != nil {
		flusher.Flush()
	}

	for event := range sub.Events() {
		if err := pubsub.WriteSSE(w, event); err != nil {
			logging.WarnContext(r.Context(), "error writing SSE event", "error", err)
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func (s *Server) handleIngestVertex(w http.ResponseWriter, r *http.Request) {
	var v model.Vertex
	if !decode(w, r, &v) {
		return
	}
	if err := s.service.PutVertex(r.Context(), &v); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleIngestEdge(w http.ResponseWriter, r *http.Request) {
	var e model.Edge
	if !decode(w, r, &e) {
		return
	}
	if err := s.service.PutEdge(r.Context(), &e); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleIngestBatch(w http.ResponseWriter, r *http.Request) {
	var b Batch
	if !decode(w, r, &b) {
		return
	}
	for _, v := range b.Vertices {
		if v == nil {
			http.Error(w, "null vertex in batch", http.StatusBadRequest)
			return
		}
	}
	for _, e := range b.Edges {
		if e == nil {
			http.Error(w, "null edge in batch", http.StatusBadRequest)
			return
		}
	}
	ctx := r.Context()
	for _, v := range b.Vertices {
		if err := s.service.PutVertex(ctx, v); err != nil {
			writeError(w, r, err)
			return
		}
	}
	for _, e := range b.Edges {
		if err := s.service.PutEdge(ctx, e); err != nil {
			writeError(w, r, err)
			return
		}
	}
	logging.DebugContext(ctx, "ingested batch", "vertices", len(b.Vertices), "edges", len(b.Edges))
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleLineage(w http.ResponseWriter, r *http.Request) {
	var q lineage.Query
	if !decode(w, r, &q) {
		return
	}
	res, err := s.service.Lineage(r.Context(), q)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, res)
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var q QueryRequest
	if !decode(w, r, &q) {
		return
	}
	rows, err := s.service.Query(r.Context(), q.Query)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if rows == nil {
		rows = []storage.Row{}
	}
	writeJSON(w, rows)
}

func (s *Server) handleGraph(w http.ResponseWriter, r *http.Request) {
	g, err := s.service.Graph(r.Context(), mux.Vars(r)["symbol"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, g)
}

func (s *Server) handleCycles(w http.ResponseWriter, r *http.Request) {
	found, err := s.service.Cycles(r.Context(), mux.Vars(r)["symbol"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	if found == nil {
		found = []cycles.Cycle{}
	}
	writeJSON(w, found)
}

func (s *Server) handleSymbols(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.service.Symbols())
}

func (s *Server) handleUnbind(w http.ResponseWriter, r *http.Request) {
	if err := s.service.Unbind(r.Context(), mux.Vars(r)["symbol"]); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleBindPredicate(w http.ResponseWriter, r *http.Request) {
	var p PredicateRequest
	if !decode(w, r, &p) {
		return
	}
	if err := s.service.BindPredicate(r.Context(), p.Symbol, p.Expression); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGC(w http.ResponseWriter, r *http.Request) {
	dropped, err := s.service.CollectGarbage(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, CollectResponse{Dropped: nonNil(dropped)})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	dropped, err := s.service.Reset(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, CollectResponse{Dropped: nonNil(dropped)})
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func (s *Server) handleSketch(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.service.Sketch())
}

func (s *Server) handleRefreshSketch(w http.ResponseWriter, r *http.Request) {
	host := mux.Vars(r)["host"]
	if err := s.service.RefreshSketch(r.Context(), host); err != nil {
		logging.WarnContext(r.Context(), "sketch refresh failed", "host", host, "error", err)
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, s.service.Sketch())
}

// Start starts the web server on the specified port. It returns
// http.ErrServerClosed after Shutdown.
func (s *Server) Start(port int) error {
	addr := fmt.Sprintf(":%d", port)
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	logging.Info("starting web server", "url", "http://localhost"+addr)
	return s.http.ListenAndServe()
}

// Shutdown stops accepting requests and waits for active ones.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}
