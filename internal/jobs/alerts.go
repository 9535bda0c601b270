package jobs

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"
)

// AlertFunc is invoked when a job fails or panics.
type AlertFunc func(ctx context.Context, job *rivertype.JobRow, err error)

// AlertingErrorHandler logs job failures and forwards them to Notify. A
// failure on the last allowed attempt is logged at error level; earlier
// ones are warnings.
type AlertingErrorHandler struct {
	Logger *slog.Logger
	Notify AlertFunc
}

func NewAlertingErrorHandler(logger *slog.Logger, notify AlertFunc) *AlertingErrorHandler {
	return &AlertingErrorHandler{Logger: logger, Notify: notify}
}

func (h *AlertingErrorHandler) HandleError(ctx context.Context, job *rivertype.JobRow, err error) *river.ErrorHandlerResult {
	h.log(job, "job failed", err)
	if h.Notify != nil {
		h.Notify(ctx, job, err)
	}
	return nil
}

func (h *AlertingErrorHandler) HandlePanic(ctx context.Context, job *rivertype.JobRow, panicVal any, trace string) *river.ErrorHandlerResult {
	panicErr := fmt.Errorf("panic: %v", panicVal)
	h.log(job, "job panicked", panicErr, "trace", trace)
	if h.Notify != nil {
		h.Notify(ctx, job, panicErr)
	}
	return nil
}

func (h *AlertingErrorHandler) log(job *rivertype.JobRow, msg string, err error, extra ...any) {
	if h.Logger == nil {
		return
	}
	final := job.Attempt >= job.MaxAttempts
	args := append([]any{
		"job_id", job.ID,
		"kind", job.Kind,
		"attempt", job.Attempt,
		"max_attempts", job.MaxAttempts,
		"final", final,
		"error", err,
	}, extra...)
	level := slog.LevelWarn
	if final {
		level = slog.LevelError
	}
	h.Logger.Log(context.Background(), level, msg, args...)
}
