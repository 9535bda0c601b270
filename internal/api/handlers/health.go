package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cmpc-libros/server/internal/metrics"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	statusPass = "pass"
	statusWarn = "warn"
	statusFail = "fail"
)

// HealthCheck is the body of GET /health.
type HealthCheck struct {
	Status    string                 `json:"status"`
	Version   string                 `json:"version"`
	GitCommit string                 `json:"git_commit"`
	Checks    map[string]CheckResult `json:"checks"`
	Timestamp string                 `json:"timestamp"`
}

type CheckResult struct {
	Status    string         `json:"status"`
	Message   string         `json:"message,omitempty"`
	LatencyMs int64          `json:"latency_ms,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// DB is the slice of pgxpool the checks use.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
}

// RevocationPinger is satisfied by the Redis revocation list.
type RevocationPinger interface {
	Ping(ctx context.Context) error
}

type HealthChecker struct {
	db          DB
	stat        func() *pgxpool.Stat
	revocations RevocationPinger
	jobsEnabled bool
	version     string
	gitCommit   string
}

func NewHealthChecker(pool *pgxpool.Pool, version, gitCommit string) *HealthChecker {
	h := &HealthChecker{version: version, gitCommit: gitCommit}
	if pool != nil {
		h.db = pool
		h.stat = pool.Stat
	}
	return h
}

// WithRevocations adds a check for the shared revocation store.
func (h *HealthChecker) WithRevocations(p RevocationPinger) *HealthChecker {
	h.revocations = p
	return h
}

// WithJobs adds a check that the job queue tables exist.
func (h *HealthChecker) WithJobs(enabled bool) *HealthChecker {
	h.jobsEnabled = enabled
	return h
}

func (h *HealthChecker) Health() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
			respondHealth(w, http.StatusServiceUnavailable, "shutting_down")
			return
		default:
		}

		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		checks := map[string]CheckResult{
			"database":   h.checkDatabase(ctx),
			"migrations": h.checkMigrations(ctx),
		}
		if h.jobsEnabled {
			checks["job_queue"] = h.checkJobQueue(ctx)
		}
		if h.revocations != nil {
			checks["redis"] = h.checkRevocations(ctx)
		}

		overall := "healthy"
		status := http.StatusOK
		for name, check := range checks {
			recordCheck(name, check)
			switch check.Status {
			case statusFail:
				overall = "unhealthy"
				status = http.StatusServiceUnavailable
			case statusWarn:
				if overall == "healthy" {
					overall = "degraded"
				}
			}
		}

		writeJSON(w, status, HealthCheck{
			Status:    overall,
			Version:   h.version,
			GitCommit: h.gitCommit,
			Checks:    checks,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		})
	}
}

func recordCheck(name string, check CheckResult) {
	value := 0.0
	switch check.Status {
	case statusPass:
		value = 1
	case statusWarn:
		value = 0.5
	}
	metrics.HealthCheckStatus.WithLabelValues(name).Set(value)
	metrics.HealthCheckLatency.WithLabelValues(name).Set(float64(check.LatencyMs) / 1000)
}

func (h *HealthChecker) checkDatabase(ctx context.Context) CheckResult {
	if h.db == nil {
		return CheckResult{Status: statusFail, Message: "Database pool not initialized"}
	}
	start := time.Now()
	dbCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	err := h.db.Ping(dbCtx)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		message := "Database ping failed"
		switch {
		case errors.Is(dbCtx.Err(), context.DeadlineExceeded):
			message = "Database ping timed out after 2 seconds"
		case strings.Contains(err.Error(), "connection refused"):
			message = "Database connection refused"
		case strings.Contains(err.Error(), "authentication failed"):
			message = "Database authentication failed"
		}
		return CheckResult{
			Status:    statusFail,
			Message:   message,
			LatencyMs: latency,
			Details:   map[string]any{"error": err.Error()},
		}
	}

	result := CheckResult{Status: statusPass, Message: "PostgreSQL connection successful", LatencyMs: latency}
	if h.stat != nil {
		stats := h.stat()
		result.Details = map[string]any{
			"max_connections":      stats.MaxConns(),
			"total_connections":    stats.TotalConns(),
			"idle_connections":     stats.IdleConns(),
			"acquired_connections": stats.AcquiredConns(),
		}
	}
	return result
}

func (h *HealthChecker) checkMigrations(ctx context.Context) CheckResult {
	if h.db == nil {
		return CheckResult{Status: statusFail, Message: "Database pool not initialized"}
	}
	start := time.Now()
	migCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	var (
		version int64
		dirty   bool
	)
	err := h.db.QueryRow(migCtx, `SELECT version, dirty FROM schema_migrations ORDER BY version DESC LIMIT 1`).Scan(&version, &dirty)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.Is(err, pgx.ErrNoRows) || (errors.As(err, &pgErr) && pgErr.Code == "42P01") {
			return CheckResult{
				Status:    statusFail,
				Message:   "No migrations applied",
				LatencyMs: latency,
				Details:   map[string]any{"remediation": "Run: server migrate up"},
			}
		}
		return CheckResult{
			Status:    statusFail,
			Message:   "Failed to query migration version",
			LatencyMs: latency,
			Details:   map[string]any{"error": err.Error()},
		}
	}
	if dirty {
		return CheckResult{
			Status:    statusFail,
			Message:   "Database in dirty migration state",
			LatencyMs: latency,
			Details:   map[string]any{"version": version, "dirty": true},
		}
	}
	return CheckResult{
		Status:    statusPass,
		Message:   fmt.Sprintf("Migrations applied (version %d)", version),
		LatencyMs: latency,
		Details:   map[string]any{"version": version, "dirty": false},
	}
}

func (h *HealthChecker) checkJobQueue(ctx context.Context) CheckResult {
	if h.db == nil {
		return CheckResult{Status: statusFail, Message: "Database pool not initialized"}
	}
	start := time.Now()
	jobCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	var exists bool
	err := h.db.QueryRow(jobCtx, `SELECT to_regclass('river_job') IS NOT NULL`).Scan(&exists)
	if err != nil {
		return CheckResult{
			Status:    statusFail,
			Message:   "Failed to check job queue",
			LatencyMs: time.Since(start).Milliseconds(),
			Details:   map[string]any{"error": err.Error()},
		}
	}
	if !exists {
		return CheckResult{
			Status:    statusWarn,
			Message:   "Job queue tables not found",
			LatencyMs: time.Since(start).Milliseconds(),
			Details:   map[string]any{"remediation": "Run: server migrate up"},
		}
	}

	var active int64
	err = h.db.QueryRow(jobCtx, `SELECT count(*) FROM river_job WHERE state = ANY($1)`, []string{"available", "running", "retryable"}).Scan(&active)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return CheckResult{
			Status:    statusFail,
			Message:   "Failed to query job queue",
			LatencyMs: latency,
			Details:   map[string]any{"error": err.Error()},
		}
	}
	return CheckResult{
		Status:    statusPass,
		Message:   "Job queue operational",
		LatencyMs: latency,
		Details:   map[string]any{"active_jobs": active},
	}
}

func (h *HealthChecker) checkRevocations(ctx context.Context) CheckResult {
	start := time.Now()
	redisCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	if err := h.revocations.Ping(redisCtx); err != nil {
		return CheckResult{
			Status:    statusFail,
			Message:   "Redis ping failed",
			LatencyMs: time.Since(start).Milliseconds(),
			Details:   map[string]any{"error": err.Error()},
		}
	}
	return CheckResult{Status: statusPass, Message: "Redis reachable", LatencyMs: time.Since(start).Milliseconds()}
}

// Readyz reports ready once the database answers a ping.
func (h *HealthChecker) Readyz() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.db == nil {
			respondHealth(w, http.StatusServiceUnavailable, "not_ready")
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.db.Ping(ctx); err != nil {
			respondHealth(w, http.StatusServiceUnavailable, "not_ready")
			return
		}
		respondHealth(w, http.StatusOK, "ready")
	})
}

// Healthz is a liveness probe; it never touches dependencies.
func Healthz() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		respondHealth(w, http.StatusOK, "ok")
	})
}

type healthResponse struct {
	Status string `json:"status"`
}

func respondHealth(w http.ResponseWriter, status int, value string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(healthResponse{Status: value})
}
