package web

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/ritzau/provgraph/pkg/logging"
	"github.com/ritzau/provgraph/pkg/metrics"
)

func captureLogs(t *testing.T, level slog.Level) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := logging.Level()
	logging.SetOutput(&buf, false)
	logging.SetLevel(level)
	t.Cleanup(func() {
		logging.SetOutput(&bytes.Buffer{}, false)
		logging.SetLevel(prev)
	})
	return &buf
}

func testRouter(seen *string) *mux.Router {
	r := mux.NewRouter()
	r.Use(requestMiddleware)
	r.HandleFunc("/api/graphs/{symbol}", func(w http.ResponseWriter, r *http.Request) {
		*seen = logging.GetRequestID(r.Context())
		if mux.Vars(r)["symbol"] == "$missing" {
			http.Error(w, "unbound", http.StatusNotFound)
		}
	})
	r.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {})
	return r
}

func TestRequestMiddlewareLabelsByRoute(t *testing.T) {
	logs := captureLogs(t, slog.LevelInfo)
	var seen string
	h := testRouter(&seen)
	ok := metrics.HTTPRequests.WithLabelValues("/api/graphs/{symbol}", "GET", "200")
	before := testutil.ToFloat64(ok)

	req := httptest.NewRequest(http.MethodGet, "/api/graphs/$x", nil)
	req.Header.Set("X-Request-ID", "fixed-id")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, "fixed-id", seen)
	assert.Equal(t, "fixed-id", rec.Header().Get("X-Request-ID"))
	assert.Equal(t, before+1, testutil.ToFloat64(ok))
	assert.Contains(t, logs.String(), "route=/api/graphs/{symbol}")
	assert.NotContains(t, logs.String(), "$x")
}

func TestRequestMiddlewareGeneratesID(t *testing.T) {
	captureLogs(t, slog.LevelInfo)
	var seen string
	rec := httptest.NewRecorder()
	testRouter(&seen).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/graphs/$y", nil))

	assert.Len(t, rec.Header().Get("X-Request-ID"), 36)
	assert.Equal(t, rec.Header().Get("X-Request-ID"), seen)
}

func TestRequestMiddlewareLevels(t *testing.T) {
	logs := captureLogs(t, slog.LevelInfo)
	var seen string
	h := testRouter(&seen)

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Empty(t, logs.String(), "scrapes log at debug")

	notFound := metrics.HTTPRequests.WithLabelValues("/api/graphs/{symbol}", "GET", "404")
	before := testutil.ToFloat64(notFound)
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/graphs/$missing", nil))
	assert.Contains(t, logs.String(), "[WARN]")
	assert.Contains(t, logs.String(), "status=404")
	assert.Equal(t, before+1, testutil.ToFloat64(notFound))
}
