package problem

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, res *httptest.ResponseRecorder) ProblemDetails {
	t.Helper()
	var body ProblemDetails
	require.NoError(t, json.NewDecoder(res.Body).Decode(&body))
	return body
}

func TestWrite_DevIncludesDetail(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/books/123", nil)
	res := httptest.NewRecorder()

	Write(res, req, http.StatusInternalServerError, TypeServerError, "Internal Server Error", errors.New("boom"), "development")

	assert.Equal(t, "application/problem+json", res.Header().Get("Content-Type"))
	body := decode(t, res)
	assert.Equal(t, "boom", body.Detail)
	assert.Equal(t, "/api/books/123", body.Instance)
	assert.Equal(t, http.StatusInternalServerError, body.Status)
}

func TestWrite_ProdHidesErrorText(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/books", nil)
	res := httptest.NewRecorder()

	Write(res, req, http.StatusInternalServerError, TypeServerError, "Internal Server Error", errors.New("pq: secret column"), "production")

	body := decode(t, res)
	assert.Equal(t, http.StatusText(http.StatusInternalServerError), body.Detail)
}

func TestWrite_TimestampIsUTC(t *testing.T) {
	fixed := time.Date(2024, 3, 1, 12, 0, 0, 0, time.FixedZone("CLT", -3*3600))
	now = func() time.Time { return fixed }
	t.Cleanup(func() { now = time.Now })

	res := httptest.NewRecorder()
	Write(res, httptest.NewRequest(http.MethodGet, "/", nil), http.StatusTeapot, "about:blank", "teapot", nil, "test")

	assert.Equal(t, "2024-03-01T15:00:00Z", decode(t, res).Timestamp)
}

func TestHelpers_DetailSurvivesProduction(t *testing.T) {
	res := httptest.NewRecorder()
	NotFound(res, httptest.NewRequest(http.MethodGet, "/api/books/x", nil), "Book with ID x not found", "production")

	require.Equal(t, http.StatusNotFound, res.Code)
	body := decode(t, res)
	assert.Equal(t, "Book with ID x not found", body.Detail)
	assert.Equal(t, TypeNotFound, body.Type)
}

func TestBadRequest_FieldErrors(t *testing.T) {
	res := httptest.NewRecorder()
	BadRequest(res, httptest.NewRequest(http.MethodPost, "/api/books", nil), "Validation failed",
		map[string]string{"price": "must be greater than or equal to 0"}, "production")

	require.Equal(t, http.StatusBadRequest, res.Code)
	body := decode(t, res)
	assert.Equal(t, "must be greater than or equal to 0", body.Errors["price"])
}
