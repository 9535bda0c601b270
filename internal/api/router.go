// Package api assembles the HTTP surface: routes, per-route guards and the
// global middleware chain.
package api

import (
	"net/http"
	"sort"
	"strings"

	"github.com/cmpc-libros/server/internal/api/handlers"
	"github.com/cmpc-libros/server/internal/api/middleware"
	"github.com/cmpc-libros/server/internal/api/problem"
	"github.com/cmpc-libros/server/internal/audit"
	"github.com/cmpc-libros/server/internal/auth"
	"github.com/cmpc-libros/server/internal/config"
	"github.com/cmpc-libros/server/internal/domain/books"
	"github.com/cmpc-libros/server/internal/domain/users"
	"github.com/cmpc-libros/server/internal/mcp"
	"github.com/cmpc-libros/server/internal/metrics"
	"github.com/rs/zerolog"
)

// Deps are the services the router wires into handlers.
type Deps struct {
	Config config.Config
	Logger zerolog.Logger
	Books  *books.Service
	Users  *users.Service
	JWT    *auth.JWTManager
	Audit  *audit.Logger
	Health *handlers.HealthChecker
	// MCP is mounted at /api/mcp for staff when non-nil.
	MCP http.Handler

	Version   string
	GitCommit string
	BuildDate string
}

// Router is the root handler. Close releases the rate limiter's sweeper.
type Router struct {
	handler http.Handler
	limiter *middleware.RateLimiter
}

func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rt.handler.ServeHTTP(w, r)
}

func (rt *Router) Close() {
	rt.limiter.Close()
}

func NewRouter(deps Deps) *Router {
	cfg := deps.Config
	env := cfg.Environment
	limiter := middleware.NewRateLimiter(cfg.RateLimit, env)
	authn := middleware.NewAuthenticator(deps.JWT, deps.Users, env)

	booksHandler := handlers.NewBooksHandler(deps.Books, deps.Audit, env)
	authHandler := handlers.NewAuthHandler(deps.Users, env)
	usersHandler := handlers.NewUsersHandler(deps.Users, env)
	health := deps.Health
	if health == nil {
		health = handlers.NewHealthChecker(nil, deps.Version, deps.GitCommit)
	}

	public := limiter.Tier(middleware.TierPublic)
	login := limiter.Tier(middleware.TierLogin)
	// signedIn authenticates, rate limits per user, then checks roles.
	signedIn := func(h http.HandlerFunc, roles ...auth.Role) http.Handler {
		var next http.Handler = h
		if len(roles) > 0 {
			next = middleware.RequireRole(env, roles...)(next)
		}
		return authn.Require(limiter.Tier(middleware.TierAuthenticated)(next))
	}

	mux := http.NewServeMux()
	route := func(pattern string, maxBody int64, methods map[string]http.Handler) {
		h := middleware.RequestSize(maxBody)(methodMux(methods))
		mux.Handle(pattern, metrics.Instrument(pattern, middleware.Tracing(pattern, h)))
	}
	probe := func(pattern string, h http.Handler) {
		mux.Handle(pattern, metrics.Instrument(pattern, methodMux(map[string]http.Handler{http.MethodGet: h})))
	}

	probe("/health", health.Health())
	probe("/healthz", handlers.Healthz())
	probe("/readyz", health.Readyz())
	mux.Handle("/metrics", metrics.Handler())
	route("/version", middleware.DefaultMaxBodySize, map[string]http.Handler{
		http.MethodGet: public(VersionHandler(deps.Version, deps.GitCommit, deps.BuildDate)),
	})
	route("/api/openapi.json", middleware.DefaultMaxBodySize, map[string]http.Handler{
		http.MethodGet: public(OpenAPIHandler()),
	})

	route("/api/auth/register", middleware.DefaultMaxBodySize, map[string]http.Handler{
		http.MethodPost: login(authn.Optional(http.HandlerFunc(authHandler.Register))),
	})
	route("/api/auth/login", middleware.DefaultMaxBodySize, map[string]http.Handler{
		http.MethodPost: login(http.HandlerFunc(authHandler.Login)),
	})
	route("/api/auth/refresh", middleware.DefaultMaxBodySize, map[string]http.Handler{
		http.MethodPost: login(http.HandlerFunc(authHandler.Refresh)),
	})
	route("/api/auth/logout", middleware.DefaultMaxBodySize, map[string]http.Handler{
		http.MethodPost: signedIn(authHandler.Logout),
	})
	route("/api/auth/profile", middleware.DefaultMaxBodySize, map[string]http.Handler{
		http.MethodGet:   signedIn(authHandler.Profile),
		http.MethodPatch: signedIn(authHandler.UpdateProfile),
	})
	route("/api/auth/change-password", middleware.DefaultMaxBodySize, map[string]http.Handler{
		http.MethodPost: signedIn(authHandler.ChangePassword),
	})

	route("/api/books", middleware.DefaultMaxBodySize, map[string]http.Handler{
		http.MethodGet:  signedIn(booksHandler.List),
		http.MethodPost: signedIn(booksHandler.Create, auth.StaffRoles...),
	})
	route("/api/books/stats", middleware.DefaultMaxBodySize, map[string]http.Handler{
		http.MethodGet: signedIn(booksHandler.Stats),
	})
	route("/api/books/export/csv", middleware.DefaultMaxBodySize, map[string]http.Handler{
		http.MethodGet: signedIn(booksHandler.ExportCSV, auth.StaffRoles...),
	})
	route("/api/books/{id}", middleware.DefaultMaxBodySize, map[string]http.Handler{
		http.MethodGet:    signedIn(booksHandler.Get),
		http.MethodPatch:  signedIn(booksHandler.Update, auth.StaffRoles...),
		http.MethodDelete: signedIn(booksHandler.Delete, auth.RoleAdmin),
	})

	route("/api/users", middleware.DefaultMaxBodySize, map[string]http.Handler{
		http.MethodGet: signedIn(usersHandler.List, auth.RoleAdmin),
	})
	route("/api/users/{id}", middleware.DefaultMaxBodySize, map[string]http.Handler{
		http.MethodGet:    signedIn(usersHandler.Get),
		http.MethodPatch:  signedIn(usersHandler.Update),
		http.MethodDelete: signedIn(usersHandler.Delete, auth.RoleAdmin),
	})

	if deps.MCP != nil {
		staffMCP := signedIn(deps.MCP.ServeHTTP, auth.StaffRoles...)
		route(mcp.HTTPPath, middleware.MCPMaxBodySize, map[string]http.Handler{
			http.MethodGet:    staffMCP,
			http.MethodPost:   staffMCP,
			http.MethodDelete: staffMCP,
		})
	}

	mux.Handle("/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		problem.NotFound(w, r, "Route "+r.Method+" "+r.URL.Path+" not found", env)
	}))

	var h http.Handler = mux
	h = middleware.CORS(cfg.CORS, deps.Logger)(h)
	h = middleware.SecurityHeaders(cfg.IsProduction())(h)
	h = middleware.RequestLogging()(h)
	h = middleware.Recover(env)(h)
	h = middleware.CorrelationID(deps.Logger, cfg.RateLimit.TrustedProxyCIDRs)(h)

	return &Router{handler: h, limiter: limiter}
}

// methodMux dispatches on r.Method and answers 405 with an Allow header.
func methodMux(handlers map[string]http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := handlers[r.Method]; ok {
			handler.ServeHTTP(w, r)
			return
		}
		w.Header().Set("Allow", allowedMethods(handlers))
		w.WriteHeader(http.StatusMethodNotAllowed)
	})
}

func allowedMethods(handlers map[string]http.Handler) string {
	methods := make([]string, 0, len(handlers))
	for method := range handlers {
		methods = append(methods, method)
	}
	sort.Strings(methods)
	return strings.Join(methods, ", ")
}
