package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/cmpc-libros/server/internal/api/problem"
	"github.com/cmpc-libros/server/internal/audit"
	"github.com/cmpc-libros/server/internal/auth"
	"github.com/cmpc-libros/server/internal/domain/users"
	"github.com/rs/zerolog"
)

const (
	claimsKey contextKey = "claims"
	userKey   contextKey = "user"
)

// SessionChecker confirms that a token with valid signature still belongs to
// an active, unrevoked session.
type SessionChecker interface {
	CheckSession(ctx context.Context, claims *auth.Claims) (*users.User, error)
}

// Authenticator validates bearer tokens on protected routes.
type Authenticator struct {
	jwt      *auth.JWTManager
	sessions SessionChecker
	env      string
}

func NewAuthenticator(manager *auth.JWTManager, sessions SessionChecker, env string) *Authenticator {
	return &Authenticator{jwt: manager, sessions: sessions, env: env}
}

// Require rejects requests without a valid access token.
func (a *Authenticator) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := strings.TrimSpace(r.Header.Get("Authorization"))
		if header == "" {
			problem.Unauthorized(w, r, "Missing authorization header", a.env)
			return
		}
		ctx, ok := a.authenticate(w, r, header)
		if !ok {
			return
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Optional attaches the caller when a token is sent and passes anonymous
// requests through. A token that is present but invalid is still rejected.
func (a *Authenticator) Optional(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := strings.TrimSpace(r.Header.Get("Authorization"))
		if header == "" {
			next.ServeHTTP(w, r)
			return
		}
		ctx, ok := a.authenticate(w, r, header)
		if !ok {
			return
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *Authenticator) authenticate(w http.ResponseWriter, r *http.Request, header string) (context.Context, bool) {
	token, err := auth.TokenFromHeader(header)
	if err != nil {
		problem.Unauthorized(w, r, "Invalid authorization format", a.env)
		return nil, false
	}
	claims, err := a.jwt.Validate(token)
	if err != nil {
		problem.Unauthorized(w, r, "Invalid or expired token", a.env)
		return nil, false
	}

	ctx := r.Context()
	var user *users.User
	if a.sessions != nil {
		user, err = a.sessions.CheckSession(ctx, claims)
		switch {
		case errors.Is(err, auth.ErrRevokedToken):
			problem.Unauthorized(w, r, "Token has been revoked", a.env)
			return nil, false
		case errors.Is(err, users.ErrInactiveUser), errors.Is(err, auth.ErrInvalidToken):
			problem.Unauthorized(w, r, "User not found or inactive", a.env)
			return nil, false
		case err != nil:
			problem.Internal(w, r, err, a.env)
			return nil, false
		}
		// Role changes take effect without waiting for the token to expire.
		claims.Role = user.Role
	}

	ctx = context.WithValue(ctx, claimsKey, claims)
	if user != nil {
		ctx = context.WithValue(ctx, userKey, user)
	}
	ctx = audit.WithActor(ctx, claims.Email)
	logger := zerolog.Ctx(ctx).With().Str("user_id", claims.Subject).Logger()
	ctx = logger.WithContext(ctx)
	return ctx, true
}

// RequireRole answers 403 unless the authenticated caller holds one of roles.
// It must run after Require.
func RequireRole(env string, roles ...auth.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := ClaimsFromContext(r.Context())
			if claims == nil {
				problem.Unauthorized(w, r, "Authentication required", env)
				return
			}
			if !auth.HasRole(claims.Role, roles...) {
				problem.Forbidden(w, r, "Insufficient permissions", env)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func ClaimsFromContext(ctx context.Context) *auth.Claims {
	if ctx == nil {
		return nil
	}
	claims, _ := ctx.Value(claimsKey).(*auth.Claims)
	return claims
}

func UserFromContext(ctx context.Context) *users.User {
	if ctx == nil {
		return nil
	}
	user, _ := ctx.Value(userKey).(*users.User)
	return user
}

// ContextWithClaims is used by tests and in-process callers that authenticate
// outside HTTP.
func ContextWithClaims(ctx context.Context, claims *auth.Claims) context.Context {
	return context.WithValue(ctx, claimsKey, claims)
}
