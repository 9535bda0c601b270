// Package jobs runs background work on a River queue backed by Postgres.
package jobs

import (
	"log/slog"
	"math"
	"time"

	"github.com/cmpc-libros/server/internal/config"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivertype"
)

const (
	JobKindRefreshTokenCleanup = "refresh_token_cleanup"
	JobKindBookPurge           = "book_purge"
	JobKindWelcomeEmail        = "welcome_email"
)

const (
	CleanupMaxAttempts       = 3
	DefaultWelcomeAttempts   = 5
	QueueEmail               = "email"
	refreshCleanupInterval   = time.Hour
	bookPurgeInterval        = 24 * time.Hour
	defaultRefreshTokenGrace = 24 * time.Hour
)

// RetryConfig controls per-kind retry behavior.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// RetryPolicy implements River's ClientRetryPolicy with per-kind exponential backoff.
type RetryPolicy struct {
	Default RetryConfig
	ByKind  map[string]RetryConfig
}

// NewRetryPolicy builds the policy; welcomeAttempts <= 0 keeps the default.
func NewRetryPolicy(welcomeAttempts int) *RetryPolicy {
	if welcomeAttempts <= 0 {
		welcomeAttempts = DefaultWelcomeAttempts
	}
	return &RetryPolicy{
		Default: RetryConfig{
			MaxAttempts: CleanupMaxAttempts,
			BaseDelay:   30 * time.Second,
			MaxDelay:    30 * time.Minute,
		},
		ByKind: map[string]RetryConfig{
			JobKindRefreshTokenCleanup: {
				MaxAttempts: CleanupMaxAttempts,
				BaseDelay:   time.Minute,
				MaxDelay:    15 * time.Minute,
			},
			JobKindBookPurge: {
				MaxAttempts: CleanupMaxAttempts,
				BaseDelay:   5 * time.Minute,
				MaxDelay:    time.Hour,
			},
			JobKindWelcomeEmail: {
				MaxAttempts: welcomeAttempts,
				BaseDelay:   30 * time.Second,
				MaxDelay:    30 * time.Minute,
			},
		},
	}
}

// NextRetry doubles the base delay per attempt, capped at MaxDelay.
func (p *RetryPolicy) NextRetry(job *rivertype.JobRow) time.Time {
	cfg := p.configFor(job.Kind)
	if cfg.BaseDelay == 0 {
		return time.Now()
	}

	attempt := job.Attempt
	if attempt < 1 {
		attempt = 1
	}
	delay := time.Duration(float64(cfg.BaseDelay) * math.Pow(2, float64(attempt-1)))
	if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}

	if job.AttemptedAt != nil {
		return job.AttemptedAt.Add(delay)
	}
	return time.Now().Add(delay)
}

func (p *RetryPolicy) configFor(kind string) RetryConfig {
	if p == nil {
		return RetryConfig{MaxAttempts: CleanupMaxAttempts, BaseDelay: time.Minute, MaxDelay: time.Hour}
	}
	if cfg, ok := p.ByKind[kind]; ok {
		return cfg
	}
	return p.Default
}

// InsertOpts returns the insert options for a job kind.
func (p *RetryPolicy) InsertOpts(kind string) *river.InsertOpts {
	opts := &river.InsertOpts{MaxAttempts: p.configFor(kind).MaxAttempts}
	if kind == JobKindWelcomeEmail {
		opts.Queue = QueueEmail
	}
	return opts
}

// NewClientConfig builds the River configuration shared by the server and
// the CLI.
func NewClientConfig(cfg config.JobsConfig, workers *river.Workers, logger *slog.Logger, hooks []rivertype.Hook) *river.Config {
	policy := NewRetryPolicy(cfg.RetryWelcomeEmail)
	rc := &river.Config{
		Workers:     workers,
		RetryPolicy: policy,
		MaxAttempts: policy.Default.MaxAttempts,
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: 5},
			QueueEmail:         {MaxWorkers: 2},
		},
		Hooks: hooks,
	}
	if cfg.PeriodicJobsEnabled {
		rc.PeriodicJobs = NewPeriodicJobs()
	}
	if logger != nil {
		rc.Logger = logger
		rc.ErrorHandler = NewAlertingErrorHandler(logger, nil)
	}
	return rc
}

// NewClient creates a River client using pgx v5.
func NewClient(pool *pgxpool.Pool, rc *river.Config) (*river.Client[pgx.Tx], error) {
	return river.NewClient(riverpgxv5.New(pool), rc)
}

// NewInsertOnlyClient can enqueue jobs but never works them.
func NewInsertOnlyClient(pool *pgxpool.Pool) (*river.Client[pgx.Tx], error) {
	return river.NewClient(riverpgxv5.New(pool), &river.Config{})
}

// NewPeriodicJobs schedules the cleanup jobs: refresh tokens hourly, book
// purge daily.
func NewPeriodicJobs() []*river.PeriodicJob {
	return []*river.PeriodicJob{
		river.NewPeriodicJob(
			river.PeriodicInterval(refreshCleanupInterval),
			func() (river.JobArgs, *river.InsertOpts) {
				return RefreshTokenCleanupArgs{}, nil
			},
			&river.PeriodicJobOpts{RunOnStart: true},
		),
		river.NewPeriodicJob(
			river.PeriodicInterval(bookPurgeInterval),
			func() (river.JobArgs, *river.InsertOpts) {
				return BookPurgeArgs{}, nil
			},
			&river.PeriodicJobOpts{RunOnStart: false},
		),
	}
}
