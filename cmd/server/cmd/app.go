package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/cmpc-libros/server/internal/audit"
	"github.com/cmpc-libros/server/internal/auth"
	"github.com/cmpc-libros/server/internal/config"
	"github.com/cmpc-libros/server/internal/domain/books"
	"github.com/cmpc-libros/server/internal/domain/users"
	"github.com/cmpc-libros/server/internal/email"
	"github.com/cmpc-libros/server/internal/jobs"
	"github.com/cmpc-libros/server/internal/storage/postgres"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"
	"github.com/rs/zerolog"
)

func loadConfig(opts *globalOptions) (config.Config, error) {
	cfg, err := config.LoadWithFile(opts.configPath)
	if err != nil {
		return config.Config{}, err
	}
	if opts.logLevel != "" {
		cfg.Logging.Level = opts.logLevel
	}
	if opts.logFormat != "" {
		cfg.Logging.Format = opts.logFormat
	}
	return cfg, nil
}

func connect(ctx context.Context, cfg config.Config) (*pgxpool.Pool, error) {
	pool, err := postgres.Connect(ctx, cfg.Database.URL, postgres.PoolOptions{
		MaxConns: int32(cfg.Database.MaxConnections),
		MinConns: int32(cfg.Database.MaxIdle),
	})
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}
	return pool, nil
}

// app holds the services shared by serve and the maintenance commands.
type app struct {
	cfg    config.Config
	logger zerolog.Logger
	pool   *pgxpool.Pool
	repo   *postgres.Repository

	jwt         *auth.JWTManager
	audit       *audit.Logger
	revocations auth.RevocationList
	redis       *auth.RedisRevocationList
	mailer      *email.Service

	books *books.Service
	users *users.Service

	closers []func()
}

type appOptions struct {
	// enqueueJobs sends welcome emails through the job queue.
	enqueueJobs bool
}

func newApp(ctx context.Context, cfg config.Config, logger zerolog.Logger, opts appOptions) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	pool, err := connect(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.pool = pool
	a.closers = append(a.closers, pool.Close)

	if a.repo, err = postgres.NewRepository(pool); err != nil {
		a.Close()
		return nil, err
	}

	a.audit = audit.NewLoggerWithZerolog(logger)
	if cfg.Logging.AuditLogFile != "" {
		fileAudit, err := audit.NewFileLogger(logger, cfg.Logging.AuditLogFile)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("open audit log: %w", err)
		}
		a.audit = fileAudit
		a.closers = append(a.closers, func() { _ = fileAudit.Close() })
	}

	if cfg.Redis.URL != "" {
		redisList, err := auth.NewRedisRevocationList(ctx, cfg.Redis.URL)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		a.redis = redisList
		a.revocations = redisList
		a.closers = append(a.closers, func() { _ = redisList.Close() })
	} else {
		memoryList := auth.NewMemoryRevocationList(time.Minute)
		a.revocations = memoryList
		a.closers = append(a.closers, memoryList.Close)
	}

	if a.mailer, err = email.NewService(cfg.Email, cfg.Server.BaseURL, logger); err != nil {
		a.Close()
		return nil, err
	}

	var notifier users.WelcomeNotifier
	switch {
	case opts.enqueueJobs:
		inserter, err := jobs.NewInsertOnlyClient(pool)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("create job inserter: %w", err)
		}
		notifier = jobs.NewWelcomeNotifier(inserter, cfg.Jobs.RetryWelcomeEmail)
	case cfg.Email.Enabled:
		notifier = jobs.DirectNotifier{Sender: a.mailer}
	}

	a.jwt = auth.NewJWTManager(cfg.Auth.JWTSecret, cfg.Auth.JWTExpiry, cfg.Auth.Issuer)
	a.books = books.NewService(a.repo.Books())
	a.users = users.NewService(users.Deps{
		Users:         a.repo.Users(),
		Tokens:        a.repo.RefreshTokens(),
		JWT:           a.jwt,
		Hasher:        auth.NewPasswordHasher(cfg.Auth.BcryptCost),
		Revocations:   a.revocations,
		RefreshExpiry: cfg.Auth.RefreshExpiry,
		Notifier:      notifier,
		Audit:         a.audit,
		Logger:        logger,
	})
	return a, nil
}

// newJobClient builds the River client that works the queue.
func (a *app) newJobClient(hooks ...rivertype.Hook) (*river.Client[pgx.Tx], error) {
	logger := newSlogLogger(a.cfg.Logging)
	workers := jobs.NewWorkers(jobs.WorkerDeps{
		Tokens: a.users,
		Books:  a.books,
		Sender: a.mailer,
		Config: a.cfg.Jobs,
		Logger: logger,
	})
	return jobs.NewClient(a.pool, jobs.NewClientConfig(a.cfg.Jobs, workers, logger, hooks))
}

// bootstrapAdmin creates or promotes the configured admin account.
func (a *app) bootstrapAdmin(ctx context.Context) error {
	b := a.cfg.AdminBootstrap
	if b.Email == "" || b.Password == "" {
		a.logger.Debug().Msg("admin bootstrap not configured; skipping")
		return nil
	}
	user, created, err := a.users.EnsureAdmin(ctx, b.Email, b.Password, b.FullName)
	if err != nil {
		return err
	}
	event := a.logger.Info().Str("user_id", user.ID.String()).Bool("created", created)
	if !a.cfg.IsProduction() {
		event = event.Str("email", user.Email)
	}
	event.Msg("admin account ready")
	return nil
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// newSlogLogger is the structured logger handed to River, which only
// accepts log/slog.
func newSlogLogger(cfg config.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	_ = level.UnmarshalText([]byte(cfg.Level))
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "console" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
