package metrics

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/riverqueue/river/rivertype"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInit(t *testing.T) {
	Init("v1.0.0", "abc123", "2026-01-30")
	Init("v1.0.1", "def456", "2026-02-01")

	assert.Equal(t, 1, testutil.CollectAndCount(AppInfo))
	assert.Equal(t, float64(1), testutil.ToFloat64(AppInfo.WithLabelValues("v1.0.1", "def456", "2026-02-01")))
}

func TestInstrumentUsesRouteLabel(t *testing.T) {
	handler := Instrument("GET /api/books/{id}", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte("missing"))
	}))

	before := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues(http.MethodGet, "GET /api/books/{id}", "404"))
	req := httptest.NewRequest(http.MethodGet, "/api/books/4f1c1f4e-0000-0000-0000-000000000000", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	after := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues(http.MethodGet, "GET /api/books/{id}", "404"))
	assert.Equal(t, before+1, after)
}

func TestInstrumentKeepsFlusher(t *testing.T) {
	handler := Instrument("GET /stream", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("a"))
		require.NoError(t, http.NewResponseController(w).Flush())
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stream", nil))
	assert.True(t, rec.Flushed)
}

func TestHandlerExposesRegistry(t *testing.T) {
	BooksExportedRows.Add(3)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "cmpc_libros_books_exported_rows_total"))
}

func TestRecordQuery(t *testing.T) {
	before := testutil.ToFloat64(DBErrors.WithLabelValues("list_books", "timeout"))
	RecordQuery("list_books", time.Now(), context.DeadlineExceeded)
	RecordQuery("list_books", time.Now(), nil)
	assert.Equal(t, before+1, testutil.ToFloat64(DBErrors.WithLabelValues("list_books", "timeout")))
}

func TestRiverMetricsHook(t *testing.T) {
	hook := NewRiverMetricsHook()
	ctx := context.Background()
	job := &rivertype.JobRow{ID: 42, Kind: "book_purge"}

	require.NoError(t, hook.InsertBegin(ctx, &rivertype.JobInsertParams{Kind: "book_purge"}))
	require.NoError(t, hook.WorkBegin(ctx, job))
	assert.Equal(t, float64(1), testutil.ToFloat64(RiverJobsInFlight.WithLabelValues("book_purge")))

	require.NoError(t, hook.WorkEnd(ctx, job, errors.New("boom")))
	assert.Equal(t, float64(0), testutil.ToFloat64(RiverJobsInFlight.WithLabelValues("book_purge")))
	assert.Equal(t, float64(1), testutil.ToFloat64(RiverJobsCompleted.WithLabelValues("book_purge", ResultError)))
	assert.Empty(t, hook.startTime)
}

func TestPoolCollector(t *testing.T) {
	// pgxpool connects lazily, so no server is needed to read stats.
	pool, err := pgxpool.New(context.Background(), "postgres://cmpc@127.0.0.1:1/cmpc_libros?pool_max_conns=7")
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	collector := NewPoolCollector(pool)
	assert.Equal(t, 7, testutil.CollectAndCount(collector))

	expected := `
# HELP cmpc_libros_db_connections_max_open Maximum number of open database connections allowed
# TYPE cmpc_libros_db_connections_max_open gauge
cmpc_libros_db_connections_max_open 7
`
	require.NoError(t, testutil.CollectAndCompare(collector, strings.NewReader(expected), "cmpc_libros_db_connections_max_open"))
}
