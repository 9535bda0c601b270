// Package apiclient is a typed client for the book inventory REST API. It
// keeps the caller's tokens and transparently refreshes an expired access
// token once per request.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cmpc-libros/server/internal/domain/books"
	"github.com/cmpc-libros/server/internal/domain/users"
	"golang.org/x/sync/singleflight"
)

// ErrSessionExpired is returned when a 401 could not be recovered by
// refreshing. It wraps the server's *APIError and the client's tokens are
// cleared when it is returned.
var ErrSessionExpired = errors.New("session expired")

// refreshTimeout bounds a shared refresh independently of the caller that
// started it.
const refreshTimeout = 15 * time.Second

// APIError is a problem+json response from the server.
type APIError struct {
	Status int               `json:"status"`
	Title  string            `json:"title"`
	Detail string            `json:"detail"`
	Errors map[string]string `json:"errors,omitempty"`
}

func (e *APIError) Error() string {
	msg := e.Detail
	if msg == "" {
		msg = e.Title
	}
	if msg == "" {
		msg = http.StatusText(e.Status)
	}
	return fmt.Sprintf("api error %d: %s", e.Status, msg)
}

// StatusOf returns the HTTP status carried by err, or 0.
func StatusOf(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status
	}
	return 0
}

type Client struct {
	BaseURL    string
	HTTPClient *http.Client

	mu      sync.RWMutex
	tokens  users.Tokens
	refresh singleflight.Group
}

func New(baseURL string) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) Tokens() users.Tokens {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tokens
}

func (c *Client) SetTokens(tokens users.Tokens) {
	c.mu.Lock()
	c.tokens = tokens
	c.mu.Unlock()
}

func (c *Client) clearTokens() {
	c.SetTokens(users.Tokens{})
}

func (c *Client) Login(ctx context.Context, email, password string) (*users.Session, error) {
	var session users.Session
	err := c.do(ctx, request{method: http.MethodPost, path: "/api/auth/login", body: users.LoginInput{Email: email, Password: password}}, &session)
	if err != nil {
		return nil, err
	}
	c.SetTokens(session.Tokens)
	return &session, nil
}

// Register creates an account. When the client already holds an admin
// session the request is sent with it, which permits elevated roles.
func (c *Client) Register(ctx context.Context, input users.RegisterInput) (*users.Session, error) {
	var session users.Session
	authed := c.Tokens().AccessToken != ""
	err := c.do(ctx, request{method: http.MethodPost, path: "/api/auth/register", body: input, authed: authed}, &session)
	if err != nil {
		return nil, err
	}
	if !authed {
		c.SetTokens(session.Tokens)
	}
	return &session, nil
}

// Refresh exchanges the stored refresh token for a new pair.
func (c *Client) Refresh(ctx context.Context) error {
	_, err := c.refreshTokens(ctx, c.Tokens().AccessToken)
	return err
}

// Logout revokes the session server side and forgets the tokens locally.
func (c *Client) Logout(ctx context.Context) error {
	body := map[string]string{"refreshToken": c.Tokens().RefreshToken}
	err := c.do(ctx, request{method: http.MethodPost, path: "/api/auth/logout", body: body, authed: true}, nil)
	c.clearTokens()
	return err
}

func (c *Client) Profile(ctx context.Context) (*users.User, error) {
	var user users.User
	if err := c.do(ctx, request{method: http.MethodGet, path: "/api/auth/profile", authed: true}, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// BookQuery mirrors the list endpoint's query parameters. Zero values are
// omitted.
type BookQuery struct {
	Search        string
	Title         string
	Author        string
	Publisher     string
	Genre         books.Genre
	Availability  *bool
	InStock       bool
	MinPrice      string
	MaxPrice      string
	SortBy        string
	SortDirection string
	Page          int
	Limit         int
}

func (q BookQuery) Values() url.Values {
	v := url.Values{}
	set := func(key, value string) {
		if value != "" {
			v.Set(key, value)
		}
	}
	set("search", q.Search)
	set("title", q.Title)
	set("author", q.Author)
	set("publisher", q.Publisher)
	set("genre", string(q.Genre))
	if q.Availability != nil {
		v.Set("availability", strconv.FormatBool(*q.Availability))
	}
	if q.InStock {
		v.Set("inStock", "true")
	}
	set("minPrice", q.MinPrice)
	set("maxPrice", q.MaxPrice)
	set("sortBy", q.SortBy)
	set("sortDirection", q.SortDirection)
	if q.Page > 0 {
		v.Set("page", strconv.Itoa(q.Page))
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	return v
}

func (c *Client) ListBooks(ctx context.Context, query BookQuery) (*books.ListResult, error) {
	var result books.ListResult
	if err := c.do(ctx, request{method: http.MethodGet, path: "/api/books", query: query.Values(), authed: true}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) GetBook(ctx context.Context, id string) (*books.Book, error) {
	var book books.Book
	if err := c.do(ctx, request{method: http.MethodGet, path: "/api/books/" + url.PathEscape(id), authed: true}, &book); err != nil {
		return nil, err
	}
	return &book, nil
}

func (c *Client) CreateBook(ctx context.Context, input books.CreateInput) (*books.Book, error) {
	var book books.Book
	if err := c.do(ctx, request{method: http.MethodPost, path: "/api/books", body: input, authed: true}, &book); err != nil {
		return nil, err
	}
	return &book, nil
}

func (c *Client) UpdateBook(ctx context.Context, id string, input books.UpdateInput) (*books.Book, error) {
	var book books.Book
	if err := c.do(ctx, request{method: http.MethodPatch, path: "/api/books/" + url.PathEscape(id), body: input, authed: true}, &book); err != nil {
		return nil, err
	}
	return &book, nil
}

func (c *Client) DeleteBook(ctx context.Context, id string) error {
	return c.do(ctx, request{method: http.MethodDelete, path: "/api/books/" + url.PathEscape(id), authed: true}, nil)
}

func (c *Client) BookStats(ctx context.Context) (*books.Stats, error) {
	var stats books.Stats
	if err := c.do(ctx, request{method: http.MethodGet, path: "/api/books/stats", authed: true}, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// ExportCSV streams the CSV export matching query into w.
func (c *Client) ExportCSV(ctx context.Context, query BookQuery, w io.Writer) error {
	resp, err := c.send(ctx, request{method: http.MethodGet, path: "/api/books/export/csv", query: query.Values(), authed: true})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if _, err := io.Copy(w, resp.Body); err != nil {
		return fmt.Errorf("read export: %w", err)
	}
	return nil
}

type request struct {
	method string
	path   string
	query  url.Values
	body   any
	authed bool
}

func (c *Client) do(ctx context.Context, req request, out any) error {
	resp, err := c.send(ctx, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", req.method, req.path, err)
	}
	return nil
}

// send returns a 2xx response or an error. An authenticated request that
// gets 401 is retried once after a refresh.
func (c *Client) send(ctx context.Context, req request) (*http.Response, error) {
	var payload []byte
	if req.body != nil {
		var err error
		if payload, err = json.Marshal(req.body); err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
	}

	access := c.Tokens().AccessToken
	resp, err := c.roundTrip(ctx, req, payload, access)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized && req.authed && c.Tokens().RefreshToken != "" {
		drain(resp)
		access, err = c.refreshTokens(ctx, access)
		if err != nil {
			return nil, err
		}
		if resp, err = c.roundTrip(ctx, req, payload, access); err != nil {
			return nil, err
		}
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer drain(resp)
	apiErr := decodeAPIError(resp)
	if apiErr.Status == http.StatusUnauthorized && req.authed {
		c.clearTokens()
		return nil, fmt.Errorf("%w: %w", ErrSessionExpired, apiErr)
	}
	return nil, apiErr
}

func (c *Client) roundTrip(ctx context.Context, req request, payload []byte, access string) (*http.Response, error) {
	target := c.BaseURL + req.path
	if len(req.query) > 0 {
		target += "?" + req.query.Encode()
	}
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.method, target, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if payload != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if req.authed && access != "" {
		httpReq.Header.Set("Authorization", "Bearer "+access)
	}
	resp, err := c.httpClient().Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", req.method, req.path, err)
	}
	return resp, nil
}

// refreshTokens rotates the token pair. Concurrent callers share one
// refresh call, which is not cancelled when the caller that started it
// gives up. If another caller already replaced stale, the current access
// token is returned without hitting the server. Tokens are cleared only
// when the server rejects the refresh.
func (c *Client) refreshTokens(ctx context.Context, stale string) (string, error) {
	ch := c.refresh.DoChan("refresh", func() (any, error) {
		current := c.Tokens()
		if current.AccessToken != "" && current.AccessToken != stale {
			return current.AccessToken, nil
		}
		if current.RefreshToken == "" {
			return "", ErrSessionExpired
		}
		refreshCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()
		var next users.Tokens
		err := c.do(refreshCtx, request{
			method: http.MethodPost,
			path:   "/api/auth/refresh",
			body:   map[string]string{"refreshToken": current.RefreshToken},
		}, &next)
		if err != nil {
			var apiErr *APIError
			if errors.As(err, &apiErr) {
				c.clearTokens()
				return "", fmt.Errorf("%w: %w", ErrSessionExpired, err)
			}
			return "", fmt.Errorf("refresh session: %w", err)
		}
		c.SetTokens(next)
		return next.AccessToken, nil
	})
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func decodeAPIError(resp *http.Response) *APIError {
	apiErr := &APIError{}
	if data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10)); err == nil && len(data) > 0 {
		_ = json.Unmarshal(data, apiErr)
	}
	apiErr.Status = resp.StatusCode
	return apiErr
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}
