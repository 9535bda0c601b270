package handlers

import (
	"errors"
	"net/http"

	"github.com/cmpc-libros/server/internal/audit"
	"github.com/cmpc-libros/server/internal/domain/books"
	"github.com/cmpc-libros/server/internal/metrics"
	"github.com/rs/zerolog"
)

type BooksHandler struct {
	Service *books.Service
	Audit   *audit.Logger
	Env     string
}

func NewBooksHandler(service *books.Service, auditLogger *audit.Logger, env string) *BooksHandler {
	if auditLogger == nil {
		auditLogger = audit.Nop()
	}
	return &BooksHandler{Service: service, Audit: auditLogger, Env: env}
}

func (h *BooksHandler) List(w http.ResponseWriter, r *http.Request) {
	query, err := books.ParseQuery(r.URL.Query())
	if err != nil {
		writeServiceError(w, r, err, h.Env)
		return
	}
	result, err := h.Service.List(r.Context(), query)
	if err != nil {
		writeServiceError(w, r, err, h.Env)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *BooksHandler) Get(w http.ResponseWriter, r *http.Request) {
	book, err := h.Service.Get(r.Context(), pathParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, err, h.Env)
		return
	}
	writeJSON(w, http.StatusOK, book)
}

func (h *BooksHandler) Create(w http.ResponseWriter, r *http.Request) {
	var input books.CreateInput
	if err := decodeJSON(r, &input, false); err != nil {
		writeDecodeError(w, r, err, h.Env)
		return
	}
	book, err := h.Service.Create(r.Context(), input)
	metrics.BookOperations.WithLabelValues("create", metrics.ResultOf(err)).Inc()
	if err != nil {
		h.Audit.Failure(r.Context(), "book-create", "book", "", err, map[string]any{"title": input.Title})
		writeServiceError(w, r, err, h.Env)
		return
	}
	h.Audit.Success(r.Context(), "book-create", "book", book.ID.String(), map[string]any{"title": book.Title})
	writeJSON(w, http.StatusCreated, book)
}

func (h *BooksHandler) Update(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	var input books.UpdateInput
	if err := decodeJSON(r, &input, true); err != nil {
		writeDecodeError(w, r, err, h.Env)
		return
	}
	book, err := h.Service.Update(r.Context(), id, input)
	metrics.BookOperations.WithLabelValues("update", metrics.ResultOf(err)).Inc()
	if err != nil {
		h.Audit.Failure(r.Context(), "book-update", "book", id, err, nil)
		writeServiceError(w, r, err, h.Env)
		return
	}
	h.Audit.Success(r.Context(), "book-update", "book", id, nil)
	writeJSON(w, http.StatusOK, book)
}

func (h *BooksHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	err := h.Service.Delete(r.Context(), id)
	metrics.BookOperations.WithLabelValues("delete", metrics.ResultOf(err)).Inc()
	if err != nil {
		h.Audit.Failure(r.Context(), "book-delete", "book", id, err, nil)
		writeServiceError(w, r, err, h.Env)
		return
	}
	h.Audit.Success(r.Context(), "book-delete", "book", id, nil)
	writeJSON(w, http.StatusOK, messageResponse{Message: "Book successfully deleted"})
}

func (h *BooksHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Service.Stats(r.Context())
	if err != nil {
		writeServiceError(w, r, err, h.Env)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// ExportCSV streams every matching book as CSV. Once the first byte is out
// the status can no longer change, so later failures are only logged.
func (h *BooksHandler) ExportCSV(w http.ResponseWriter, r *http.Request) {
	filters, sort, err := books.ParseExportQuery(r.URL.Query())
	if err != nil {
		writeServiceError(w, r, err, h.Env)
		return
	}

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", "attachment; filename="+books.ExportFilename)
	w.WriteHeader(http.StatusOK)

	out := &flushWriter{w: w, rc: http.NewResponseController(w)}
	rows, err := h.Service.ExportCSV(r.Context(), filters, sort, out)
	metrics.BooksExportedRows.Add(float64(rows))

	details := map[string]any{"rows": rows}
	if err != nil {
		zerolog.Ctx(r.Context()).Error().Err(err).Int("rows", rows).Msg("csv export aborted")
		h.Audit.Failure(r.Context(), "book-export", "book", "", err, details)
		return
	}
	h.Audit.Success(r.Context(), "book-export", "book", "", details)
}

// flushWriter pushes every chunk the CSV writer emits to the client.
type flushWriter struct {
	w  http.ResponseWriter
	rc *http.ResponseController
}

func (f *flushWriter) Write(p []byte) (int, error) {
	n, err := f.w.Write(p)
	if err != nil {
		return n, err
	}
	if err := f.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return n, err
	}
	return n, nil
}
