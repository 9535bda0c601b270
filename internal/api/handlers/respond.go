// Package handlers implements the JSON endpoints of the books API.
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/cmpc-libros/server/internal/api/problem"
	"github.com/cmpc-libros/server/internal/auth"
	"github.com/cmpc-libros/server/internal/domain/books"
	"github.com/cmpc-libros/server/internal/domain/users"
	"github.com/cmpc-libros/server/internal/validation"
)

type messageResponse struct {
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func pathParam(r *http.Request, key string) string {
	if r == nil {
		return ""
	}
	return strings.TrimSpace(r.PathValue(key))
}

var errEmptyBody = errors.New("request body is empty")

// bodyTooLargeError marks a body cut off by http.MaxBytesReader.
type bodyTooLargeError struct {
	limit int64
}

func (e bodyTooLargeError) Error() string {
	return fmt.Sprintf("request body exceeds %d bytes", e.limit)
}

// decodeJSON reads exactly one JSON object into dst and rejects unknown
// fields. allowEmpty lets PATCH-style endpoints accept a missing body.
func decodeJSON(r *http.Request, dst any, allowEmpty bool) error {
	if r.Body == nil {
		if allowEmpty {
			return nil
		}
		return errEmptyBody
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		var syntaxErr *json.SyntaxError
		var typeErr *json.UnmarshalTypeError
		switch {
		case errors.Is(err, io.EOF):
			if allowEmpty {
				return nil
			}
			return errEmptyBody
		case errors.As(err, &maxErr):
			return bodyTooLargeError{limit: maxErr.Limit}
		case errors.As(err, &syntaxErr):
			return fmt.Errorf("malformed JSON at offset %d", syntaxErr.Offset)
		case errors.As(err, &typeErr):
			if typeErr.Field != "" {
				return validation.FieldError(typeErr.Field, "has the wrong type")
			}
			return errors.New("request body has the wrong type")
		case errors.Is(err, books.ErrInvalidMoney):
			return validation.FieldError("price", books.ErrInvalidMoney.Error())
		case strings.HasPrefix(err.Error(), "json: unknown field "):
			field := strings.Trim(strings.TrimPrefix(err.Error(), "json: unknown field "), `"`)
			return validation.FieldError(field, "is not allowed")
		}
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if dec.More() {
		return errors.New("request body must contain a single JSON object")
	}
	return nil
}

// writeDecodeError answers a body that could not be decoded.
func writeDecodeError(w http.ResponseWriter, r *http.Request, err error, env string) {
	var tooLarge bodyTooLargeError
	var verr *validation.Error
	switch {
	case errors.As(err, &tooLarge):
		problem.Write(w, r, http.StatusRequestEntityTooLarge, problem.TypeTooLarge, "Payload Too Large", err, env,
			problem.WithDetail(tooLarge.Error()))
	case errors.As(err, &verr):
		problem.BadRequest(w, r, "Validation failed", verr.Fields, env)
	default:
		problem.BadRequest(w, r, err.Error(), nil, env)
	}
}

// writeServiceError maps domain errors onto problem responses. Anything
// unrecognised is a 500.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error, env string) {
	var verr *validation.Error
	var ferr books.FilterError
	switch {
	case errors.As(err, &verr):
		problem.BadRequest(w, r, "Validation failed", verr.Fields, env)
	case errors.As(err, &ferr):
		problem.BadRequest(w, r, ferr.Error(), map[string]string{ferr.Field: ferr.Message}, env)
	case errors.Is(err, books.ErrInvalidID):
		problem.BadRequest(w, r, "Invalid book id", map[string]string{"id": "must be a valid UUID"}, env)
	case errors.Is(err, books.ErrNotFound):
		problem.NotFound(w, r, books.NotFoundMessage(pathParam(r, "id")), env)
	case errors.Is(err, users.ErrInvalidUserID):
		problem.BadRequest(w, r, "Invalid user id", map[string]string{"id": "must be a valid UUID"}, env)
	case errors.Is(err, users.ErrNotFound):
		problem.NotFound(w, r, users.NotFoundMessage(pathParam(r, "id")), env)
	case errors.Is(err, users.ErrEmailTaken):
		problem.Conflict(w, r, "User with this email already exists", env)
	case errors.Is(err, users.ErrInvalidCredentials):
		problem.Unauthorized(w, r, "Invalid credentials", env)
	case errors.Is(err, users.ErrInvalidRefreshToken):
		problem.Unauthorized(w, r, "Invalid or expired refresh token", env)
	case errors.Is(err, users.ErrInvalidPassword):
		problem.Unauthorized(w, r, "Current password is incorrect", env)
	case errors.Is(err, users.ErrInactiveUser):
		problem.Unauthorized(w, r, "User not found or inactive", env)
	case errors.Is(err, users.ErrForbiddenProfile):
		problem.Forbidden(w, r, "You can only access your own profile", env)
	case errors.Is(err, users.ErrRoleChangeForbidden):
		problem.Forbidden(w, r, "Only admins can change roles", env)
	case errors.Is(err, users.ErrElevatedRole):
		problem.Forbidden(w, r, "Only admins can create employee or admin accounts", env)
	case errors.Is(err, users.ErrAdminRequired):
		problem.Forbidden(w, r, "Insufficient permissions", env)
	case errors.Is(err, users.ErrCannotDeleteSelf):
		problem.BadRequest(w, r, "You cannot delete your own account", nil, env)
	case errors.Is(err, auth.ErrPasswordTooLong):
		problem.BadRequest(w, r, "Validation failed", map[string]string{"password": "must be at most 72 bytes"}, env)
	default:
		problem.Internal(w, r, err, env)
	}
}
