package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cmpc-libros/server/internal/config"
	"github.com/cmpc-libros/server/internal/domain/users"
	"github.com/cmpc-libros/server/internal/metrics"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"
)

// RefreshTokenCleanupArgs deletes refresh tokens that expired or were
// revoked more than the grace period ago.
type RefreshTokenCleanupArgs struct{}

func (RefreshTokenCleanupArgs) Kind() string { return JobKindRefreshTokenCleanup }

// BookPurgeArgs hard-deletes books past the soft-delete retention.
type BookPurgeArgs struct{}

func (BookPurgeArgs) Kind() string { return JobKindBookPurge }

type WelcomeEmailArgs struct {
	UserID   string `json:"user_id"`
	Email    string `json:"email"`
	FullName string `json:"full_name"`
}

func (WelcomeEmailArgs) Kind() string { return JobKindWelcomeEmail }

type TokenPurger interface {
	PurgeStaleTokens(ctx context.Context, grace time.Duration) (int64, error)
}

type BookPurger interface {
	PurgeDeleted(ctx context.Context, retention time.Duration) (int64, error)
}

type WelcomeSender interface {
	SendWelcome(ctx context.Context, to, fullName string) error
}

type RefreshTokenCleanupWorker struct {
	river.WorkerDefaults[RefreshTokenCleanupArgs]
	Tokens TokenPurger
	Grace  time.Duration
	Logger *slog.Logger
}

func (w RefreshTokenCleanupWorker) Work(ctx context.Context, job *river.Job[RefreshTokenCleanupArgs]) error {
	if w.Tokens == nil {
		return fmt.Errorf("token store not configured")
	}
	grace := w.Grace
	if grace <= 0 {
		grace = defaultRefreshTokenGrace
	}

	start := time.Now()
	deleted, err := w.Tokens.PurgeStaleTokens(ctx, grace)
	if err != nil {
		return fmt.Errorf("purge refresh tokens: %w", err)
	}
	metrics.RefreshTokensPurged.Add(float64(deleted))
	loggerOrDefault(w.Logger).Info("refresh token cleanup completed",
		"deleted", deleted,
		"grace", grace.String(),
		"attempt", job.Attempt,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

type BookPurgeWorker struct {
	river.WorkerDefaults[BookPurgeArgs]
	Books     BookPurger
	Retention time.Duration
	Logger    *slog.Logger
}

func (w BookPurgeWorker) Work(ctx context.Context, job *river.Job[BookPurgeArgs]) error {
	if w.Books == nil {
		return fmt.Errorf("book store not configured")
	}
	logger := loggerOrDefault(w.Logger)
	if w.Retention <= 0 {
		logger.Info("book purge disabled", "retention", w.Retention.String())
		return nil
	}

	purged, err := w.Books.PurgeDeleted(ctx, w.Retention)
	if err != nil {
		return fmt.Errorf("purge books: %w", err)
	}
	metrics.BooksPurged.Add(float64(purged))
	logger.Info("book purge completed",
		"purged", purged,
		"retention", w.Retention.String(),
		"attempt", job.Attempt,
	)
	return nil
}

type WelcomeEmailWorker struct {
	river.WorkerDefaults[WelcomeEmailArgs]
	Sender WelcomeSender
	Logger *slog.Logger
}

func (w WelcomeEmailWorker) Work(ctx context.Context, job *river.Job[WelcomeEmailArgs]) error {
	if w.Sender == nil {
		return fmt.Errorf("email sender not configured")
	}
	if job.Args.Email == "" {
		return river.JobCancel(fmt.Errorf("welcome email for user %s has no address", job.Args.UserID))
	}
	if err := w.Sender.SendWelcome(ctx, job.Args.Email, job.Args.FullName); err != nil {
		return fmt.Errorf("send welcome email: %w", err)
	}
	loggerOrDefault(w.Logger).Info("welcome email sent", "user_id", job.Args.UserID, "attempt", job.Attempt)
	return nil
}

// WorkerDeps carries what the workers call into.
type WorkerDeps struct {
	Tokens TokenPurger
	Books  BookPurger
	Sender WelcomeSender
	Config config.JobsConfig
	Logger *slog.Logger
}

// NewWorkers registers every worker kind.
func NewWorkers(deps WorkerDeps) *river.Workers {
	workers := river.NewWorkers()
	river.AddWorker(workers, RefreshTokenCleanupWorker{
		Tokens: deps.Tokens,
		Grace:  deps.Config.RefreshTokenGrace,
		Logger: deps.Logger,
	})
	river.AddWorker(workers, BookPurgeWorker{
		Books:     deps.Books,
		Retention: deps.Config.BookPurgeRetention,
		Logger:    deps.Logger,
	})
	river.AddWorker(workers, WelcomeEmailWorker{
		Sender: deps.Sender,
		Logger: deps.Logger,
	})
	return workers
}

// Inserter is the part of a River client used to enqueue jobs.
type Inserter interface {
	Insert(ctx context.Context, args river.JobArgs, opts *river.InsertOpts) (*rivertype.JobInsertResult, error)
}

// WelcomeNotifier enqueues a welcome_email job per registration.
type WelcomeNotifier struct {
	client Inserter
	policy *RetryPolicy
}

var _ users.WelcomeNotifier = (*WelcomeNotifier)(nil)

func NewWelcomeNotifier(client Inserter, retryAttempts int) *WelcomeNotifier {
	return &WelcomeNotifier{client: client, policy: NewRetryPolicy(retryAttempts)}
}

func (n *WelcomeNotifier) NotifyRegistered(ctx context.Context, user users.User) error {
	_, err := n.client.Insert(ctx, WelcomeEmailArgs{
		UserID:   user.ID.String(),
		Email:    user.Email,
		FullName: user.FullName,
	}, n.policy.InsertOpts(JobKindWelcomeEmail))
	if err != nil {
		return fmt.Errorf("enqueue welcome email: %w", err)
	}
	return nil
}

// DirectNotifier sends the welcome email inline; used when the queue is off.
type DirectNotifier struct {
	Sender WelcomeSender
}

func (n DirectNotifier) NotifyRegistered(ctx context.Context, user users.User) error {
	return n.Sender.SendWelcome(ctx, user.Email, user.FullName)
}

func loggerOrDefault(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.Default()
	}
	return logger
}
