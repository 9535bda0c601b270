package handlers

import (
	"net/http"

	"github.com/cmpc-libros/server/internal/api/middleware"
	"github.com/cmpc-libros/server/internal/api/problem"
	"github.com/cmpc-libros/server/internal/domain/users"
	"github.com/cmpc-libros/server/internal/metrics"
)

type AuthHandler struct {
	Service *users.Service
	Env     string
}

func NewAuthHandler(service *users.Service, env string) *AuthHandler {
	return &AuthHandler{Service: service, Env: env}
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// Register runs behind Authenticator.Optional so an admin token can create
// staff accounts.
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var input users.RegisterInput
	if err := decodeJSON(r, &input, false); err != nil {
		writeDecodeError(w, r, err, h.Env)
		return
	}
	session, err := h.Service.Register(r.Context(), input, middleware.ClaimsFromContext(r.Context()))
	metrics.AuthEvents.WithLabelValues("register", metrics.ResultOf(err)).Inc()
	if err != nil {
		writeServiceError(w, r, err, h.Env)
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var input users.LoginInput
	if err := decodeJSON(r, &input, false); err != nil {
		writeDecodeError(w, r, err, h.Env)
		return
	}
	session, err := h.Service.Login(r.Context(), input)
	metrics.AuthEvents.WithLabelValues("login", metrics.ResultOf(err)).Inc()
	if err != nil {
		writeServiceError(w, r, err, h.Env)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var input refreshRequest
	if err := decodeJSON(r, &input, false); err != nil {
		writeDecodeError(w, r, err, h.Env)
		return
	}
	tokens, err := h.Service.Refresh(r.Context(), input.RefreshToken)
	metrics.AuthEvents.WithLabelValues("refresh", metrics.ResultOf(err)).Inc()
	if err != nil {
		writeServiceError(w, r, err, h.Env)
		return
	}
	writeJSON(w, http.StatusOK, tokens)
}

func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	claims := middleware.ClaimsFromContext(r.Context())
	if claims == nil {
		problem.Unauthorized(w, r, "Authentication required", h.Env)
		return
	}
	var input refreshRequest
	if err := decodeJSON(r, &input, true); err != nil {
		writeDecodeError(w, r, err, h.Env)
		return
	}
	err := h.Service.Logout(r.Context(), claims, input.RefreshToken)
	metrics.AuthEvents.WithLabelValues("logout", metrics.ResultOf(err)).Inc()
	if err != nil {
		writeServiceError(w, r, err, h.Env)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: "Logged out successfully"})
}

func (h *AuthHandler) Profile(w http.ResponseWriter, r *http.Request) {
	claims := middleware.ClaimsFromContext(r.Context())
	if claims == nil {
		problem.Unauthorized(w, r, "Authentication required", h.Env)
		return
	}
	user, err := h.Service.Profile(r.Context(), claims)
	if err != nil {
		writeServiceError(w, r, err, h.Env)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (h *AuthHandler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	claims := middleware.ClaimsFromContext(r.Context())
	if claims == nil {
		problem.Unauthorized(w, r, "Authentication required", h.Env)
		return
	}
	var input users.ProfileInput
	if err := decodeJSON(r, &input, true); err != nil {
		writeDecodeError(w, r, err, h.Env)
		return
	}
	user, err := h.Service.UpdateProfile(r.Context(), claims, input)
	if err != nil {
		writeServiceError(w, r, err, h.Env)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (h *AuthHandler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	claims := middleware.ClaimsFromContext(r.Context())
	if claims == nil {
		problem.Unauthorized(w, r, "Authentication required", h.Env)
		return
	}
	var input users.ChangePasswordInput
	if err := decodeJSON(r, &input, false); err != nil {
		writeDecodeError(w, r, err, h.Env)
		return
	}
	err := h.Service.ChangePassword(r.Context(), claims, input)
	metrics.AuthEvents.WithLabelValues("change_password", metrics.ResultOf(err)).Inc()
	if err != nil {
		writeServiceError(w, r, err, h.Env)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: "Password changed successfully"})
}
