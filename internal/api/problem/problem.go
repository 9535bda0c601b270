// Package problem writes RFC 7807 error responses.
package problem

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

const contentType = "application/problem+json"

const typeBase = "https://cmpc-libros.dev/problems/"

// Problem type URIs.
const (
	TypeValidation   = typeBase + "validation-error"
	TypeNotFound     = typeBase + "not-found"
	TypeUnauthorized = typeBase + "unauthorized"
	TypeForbidden    = typeBase + "forbidden"
	TypeConflict     = typeBase + "conflict"
	TypeRateLimited  = typeBase + "rate-limited"
	TypeTooLarge     = typeBase + "payload-too-large"
	TypeServerError  = typeBase + "server-error"
	TypeUnavailable  = typeBase + "service-unavailable"
)

type ProblemDetails struct {
	Type      string            `json:"type"`
	Title     string            `json:"title"`
	Status    int               `json:"status"`
	Detail    string            `json:"detail,omitempty"`
	Instance  string            `json:"instance,omitempty"`
	Timestamp string            `json:"timestamp"`
	Errors    map[string]string `json:"errors,omitempty"`
}

type Option func(*ProblemDetails)

// WithDetail sets a user-facing message that is shown in every environment.
func WithDetail(detail string) Option {
	return func(p *ProblemDetails) {
		p.Detail = detail
	}
}

func WithErrors(errs map[string]string) Option {
	return func(p *ProblemDetails) {
		p.Errors = errs
	}
}

var now = time.Now

// Write renders a problem response. The text of err is only exposed in
// development and test environments unless WithDetail supplies a message.
func Write(w http.ResponseWriter, r *http.Request, status int, typ, title string, err error, env string, opts ...Option) {
	problem := ProblemDetails{
		Type:      typ,
		Title:     title,
		Status:    status,
		Timestamp: now().UTC().Format(time.RFC3339),
	}

	for _, opt := range opts {
		opt(&problem)
	}

	if problem.Detail == "" && err != nil {
		if env == "development" || env == "test" {
			problem.Detail = err.Error()
		} else {
			problem.Detail = http.StatusText(status)
		}
	}

	if r != nil {
		problem.Instance = r.URL.Path
		logProblem(r, status, typ, title, err)
	}

	WriteProblem(w, problem)
}

func logProblem(r *http.Request, status int, typ, title string, err error) {
	if err == nil || status < 400 {
		return
	}
	logger := zerolog.Ctx(r.Context())
	event := logger.Warn()
	if status >= 500 {
		event = logger.Error()
	}
	event.Err(err).
		Int("status", status).
		Str("type", typ).
		Str("path", r.URL.Path).
		Str("method", r.Method).
		Msg(title)
}

func WriteProblem(w http.ResponseWriter, problem ProblemDetails) {
	payload, err := json.Marshal(problem)
	if err != nil {
		fallback := fmt.Sprintf("{\"type\":\"about:blank\",\"title\":\"%s\",\"status\":500}", http.StatusText(http.StatusInternalServerError))
		w.Header().Set("Content-Type", contentType)
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(fallback))
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(problem.Status)
	_, _ = w.Write(payload)
}

// BadRequest writes a 400 with a message and optional per-field errors.
func BadRequest(w http.ResponseWriter, r *http.Request, detail string, fields map[string]string, env string) {
	Write(w, r, http.StatusBadRequest, TypeValidation, "Bad Request", ErrInvalidInput, env,
		WithDetail(detail), WithErrors(fields))
}

func NotFound(w http.ResponseWriter, r *http.Request, detail string, env string) {
	Write(w, r, http.StatusNotFound, TypeNotFound, "Not Found", ErrNotFound, env, WithDetail(detail))
}

func Unauthorized(w http.ResponseWriter, r *http.Request, detail string, env string) {
	Write(w, r, http.StatusUnauthorized, TypeUnauthorized, "Unauthorized", ErrUnauthorized, env, WithDetail(detail))
}

func Forbidden(w http.ResponseWriter, r *http.Request, detail string, env string) {
	Write(w, r, http.StatusForbidden, TypeForbidden, "Forbidden", ErrForbidden, env, WithDetail(detail))
}

func Conflict(w http.ResponseWriter, r *http.Request, detail string, env string) {
	Write(w, r, http.StatusConflict, TypeConflict, "Conflict", ErrConflict, env, WithDetail(detail))
}

func Internal(w http.ResponseWriter, r *http.Request, err error, env string) {
	Write(w, r, http.StatusInternalServerError, TypeServerError, "Internal Server Error", err, env)
}

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = errors.New("not found")
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrConflict     = errors.New("conflict")
)
