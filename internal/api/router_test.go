package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cmpc-libros/server/internal/auth"
	"github.com/cmpc-libros/server/internal/config"
	"github.com/cmpc-libros/server/internal/domain/books"
	"github.com/cmpc-libros/server/internal/domain/users"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMethodMux(t *testing.T) {
	mux := methodMux(map[string]http.Handler{
		http.MethodGet: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("GET response"))
		}),
		http.MethodPost: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte("POST response"))
		}),
	})

	tests := []struct {
		method     string
		wantStatus int
		wantBody   string
		wantAllow  string
	}{
		{method: http.MethodGet, wantStatus: http.StatusOK, wantBody: "GET response"},
		{method: http.MethodPost, wantStatus: http.StatusCreated, wantBody: "POST response"},
		{method: http.MethodPut, wantStatus: http.StatusMethodNotAllowed, wantAllow: "GET, POST"},
		{method: http.MethodDelete, wantStatus: http.StatusMethodNotAllowed, wantAllow: "GET, POST"},
	}
	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, httptest.NewRequest(tt.method, "/test", nil))
			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantBody != "" {
				assert.Equal(t, tt.wantBody, rec.Body.String())
			}
			assert.Equal(t, tt.wantAllow, rec.Header().Get("Allow"))
		})
	}
}

func TestAllowedMethods(t *testing.T) {
	noop := http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})
	assert.Equal(t, "", allowedMethods(map[string]http.Handler{}))
	assert.Equal(t, "GET", allowedMethods(map[string]http.Handler{http.MethodGet: noop}))
	assert.Equal(t, "DELETE, GET, PATCH", allowedMethods(map[string]http.Handler{
		http.MethodPatch:  noop,
		http.MethodGet:    noop,
		http.MethodDelete: noop,
	}))
}

// knownUsers answers session lookups from a fixed set.
type knownUsers struct {
	users.Repository
	byID map[uuid.UUID]users.User
}

func (k knownUsers) GetByID(_ context.Context, id uuid.UUID) (*users.User, error) {
	u, ok := k.byID[id]
	if !ok {
		return nil, users.ErrNotFound
	}
	return &u, nil
}

type listOnlyBooks struct {
	books.Repository
	listed []books.Query
}

func (l *listOnlyBooks) List(_ context.Context, q books.Query) ([]books.Book, int64, error) {
	l.listed = append(l.listed, q)
	return []books.Book{{ID: uuid.New(), Title: "Rayuela", Genre: books.GenreFiction}}, 1, nil
}

type routerFixture struct {
	router *Router
	jwt    *auth.JWTManager
	books  *listOnlyBooks
	tokens map[auth.Role]string
}

func newRouterFixture(t *testing.T) routerFixture {
	t.Helper()
	jwt := auth.NewJWTManager("router-secret", 15*time.Minute, "cmpc-libros")
	known := knownUsers{byID: map[uuid.UUID]users.User{}}
	tokens := map[auth.Role]string{}
	for _, role := range []auth.Role{auth.RoleAdmin, auth.RoleEmployee, auth.RoleClient} {
		u := users.User{ID: uuid.New(), Email: strings.ToLower(string(role)) + "@cmpc.test", Role: role, IsActive: true}
		known.byID[u.ID] = u
		token, err := jwt.Generate(u.ID.String(), u.Email, role)
		require.NoError(t, err)
		tokens[role] = token
	}

	repo := &listOnlyBooks{}
	router := NewRouter(Deps{
		Config: config.Config{Environment: "test"},
		Logger: zerolog.Nop(),
		Books:  books.NewService(repo),
		Users:  users.NewService(users.Deps{Users: known, JWT: jwt}),
		JWT:    jwt,
	})
	t.Cleanup(router.Close)
	return routerFixture{router: router, jwt: jwt, books: repo, tokens: tokens}
}

func (f routerFixture) do(method, target string, role auth.Role, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if role != "" {
		req.Header.Set("Authorization", "Bearer "+f.tokens[role])
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func TestRouter_Guards(t *testing.T) {
	f := newRouterFixture(t)

	tests := []struct {
		name       string
		method     string
		target     string
		role       auth.Role
		body       string
		wantStatus int
	}{
		{name: "list without token", method: http.MethodGet, target: "/api/books", wantStatus: http.StatusUnauthorized},
		{name: "client creates book", method: http.MethodPost, target: "/api/books", role: auth.RoleClient, body: `{}`, wantStatus: http.StatusForbidden},
		{name: "employee deletes book", method: http.MethodDelete, target: "/api/books/" + uuid.NewString(), role: auth.RoleEmployee, wantStatus: http.StatusForbidden},
		{name: "client exports csv", method: http.MethodGet, target: "/api/books/export/csv", role: auth.RoleClient, wantStatus: http.StatusForbidden},
		{name: "employee lists users", method: http.MethodGet, target: "/api/users", role: auth.RoleEmployee, wantStatus: http.StatusForbidden},
		{name: "unsupported method", method: http.MethodPut, target: "/api/books", role: auth.RoleAdmin, wantStatus: http.StatusMethodNotAllowed},
		{name: "unknown route", method: http.MethodGet, target: "/api/nope", wantStatus: http.StatusNotFound},
		{name: "version is public", method: http.MethodGet, target: "/version", wantStatus: http.StatusOK},
		{name: "liveness", method: http.MethodGet, target: "/healthz", wantStatus: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(tt.method, tt.target, tt.role, tt.body)
			assert.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
		})
	}
}

func TestRouter_MethodNotAllowedListsMethods(t *testing.T) {
	f := newRouterFixture(t)
	rec := f.do(http.MethodPut, "/api/books/"+uuid.NewString(), auth.RoleAdmin, "")
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, "DELETE, GET, PATCH", rec.Header().Get("Allow"))
}

func TestRouter_ListBooks(t *testing.T) {
	f := newRouterFixture(t)

	rec := f.do(http.MethodGet, "/api/books?genre=FICTION&limit=5", auth.RoleClient, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	var body books.ListResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Data, 1)
	assert.Equal(t, "Rayuela", body.Data[0].Title)
	assert.Equal(t, 5, body.Pagination.Limit)

	require.Len(t, f.books.listed, 1)
	require.NotNil(t, f.books.listed[0].Filters.Genre)
	assert.Equal(t, books.GenreFiction, *f.books.listed[0].Filters.Genre)
}

func TestRouter_NotFoundIsProblemJSON(t *testing.T) {
	f := newRouterFixture(t)
	rec := f.do(http.MethodGet, "/api/unknown", "", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "/api/unknown")
}
