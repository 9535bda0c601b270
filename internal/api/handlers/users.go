package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/cmpc-libros/server/internal/api/middleware"
	"github.com/cmpc-libros/server/internal/api/problem"
	"github.com/cmpc-libros/server/internal/auth"
	"github.com/cmpc-libros/server/internal/domain/users"
)

type UsersHandler struct {
	Service *users.Service
	Env     string
}

func NewUsersHandler(service *users.Service, env string) *UsersHandler {
	return &UsersHandler{Service: service, Env: env}
}

func (h *UsersHandler) List(w http.ResponseWriter, r *http.Request) {
	filters, fields := parseUserFilters(r)
	if len(fields) > 0 {
		problem.BadRequest(w, r, "Invalid query parameters", fields, h.Env)
		return
	}
	result, err := h.Service.List(r.Context(), filters)
	if err != nil {
		writeServiceError(w, r, err, h.Env)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *UsersHandler) Get(w http.ResponseWriter, r *http.Request) {
	claims := middleware.ClaimsFromContext(r.Context())
	if claims == nil {
		problem.Unauthorized(w, r, "Authentication required", h.Env)
		return
	}
	user, err := h.Service.Get(r.Context(), claims, pathParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, err, h.Env)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (h *UsersHandler) Update(w http.ResponseWriter, r *http.Request) {
	claims := middleware.ClaimsFromContext(r.Context())
	if claims == nil {
		problem.Unauthorized(w, r, "Authentication required", h.Env)
		return
	}
	var input users.UpdateInput
	if err := decodeJSON(r, &input, true); err != nil {
		writeDecodeError(w, r, err, h.Env)
		return
	}
	user, err := h.Service.Update(r.Context(), claims, pathParam(r, "id"), input)
	if err != nil {
		writeServiceError(w, r, err, h.Env)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (h *UsersHandler) Delete(w http.ResponseWriter, r *http.Request) {
	claims := middleware.ClaimsFromContext(r.Context())
	if claims == nil {
		problem.Unauthorized(w, r, "Authentication required", h.Env)
		return
	}
	if err := h.Service.Delete(r.Context(), claims, pathParam(r, "id")); err != nil {
		writeServiceError(w, r, err, h.Env)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: "User successfully deleted"})
}

func parseUserFilters(r *http.Request) (users.ListFilters, map[string]string) {
	q := r.URL.Query()
	fields := map[string]string{}
	filters := users.ListFilters{Page: 1, Limit: users.DefaultLimit}

	if raw := strings.TrimSpace(q.Get("page")); raw != "" {
		page, err := strconv.Atoi(raw)
		if err != nil || page < 1 {
			fields["page"] = "must be at least 1"
		}
		filters.Page = page
	}
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 || limit > users.MaxLimit {
			fields["limit"] = "must be between 1 and " + strconv.Itoa(users.MaxLimit)
		}
		filters.Limit = limit
	}
	if raw := strings.TrimSpace(q.Get("role")); raw != "" {
		role, ok := auth.ParseRole(raw)
		if !ok {
			fields["role"] = "must be one of: ADMIN, EMPLOYEE, CLIENT"
		}
		filters.Role = &role
	}
	if raw := strings.TrimSpace(q.Get("isActive")); raw != "" {
		active, err := strconv.ParseBool(raw)
		if err != nil {
			fields["isActive"] = "must be true or false"
		}
		filters.IsActive = &active
	}
	return filters, fields
}
