// Package audit records who did what to which resource.
package audit

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// Entry is one audited operation.
type Entry struct {
	Timestamp    time.Time      `json:"timestamp"`
	Operation    string         `json:"operation"`
	Actor        string         `json:"actor,omitempty"`
	ResourceType string         `json:"resource_type,omitempty"`
	ResourceID   string         `json:"resource_id,omitempty"`
	IPAddress    string         `json:"ip_address,omitempty"`
	RequestID    string         `json:"request_id,omitempty"`
	Status       string         `json:"status"`
	Error        string         `json:"error,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
}

// Logger writes audit entries as structured zerolog events.
type Logger struct {
	logger zerolog.Logger
	file   *zerolog.Logger
	closer io.Closer
}

// NewLoggerWithZerolog tags every entry with type=AUDIT on the given logger.
func NewLoggerWithZerolog(logger zerolog.Logger) *Logger {
	return &Logger{logger: logger.With().Str("type", "AUDIT").Logger()}
}

// NewFileLogger duplicates audit entries into an append-only file.
func NewFileLogger(logger zerolog.Logger, path string) (*Logger, error) {
	if path == "" {
		return NewLoggerWithZerolog(logger), nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, err
	}
	fileLogger := zerolog.New(f).With().Timestamp().Str("type", "AUDIT").Logger()
	l := NewLoggerWithZerolog(logger)
	l.file = &fileLogger
	l.closer = f
	return l, nil
}

// Nop discards everything.
func Nop() *Logger {
	return NewLoggerWithZerolog(zerolog.Nop())
}

func (l *Logger) Close() error {
	if l == nil || l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

func (l *Logger) Log(entry Entry) {
	if l == nil {
		return
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	entry.Details = Redact(entry.Details)

	write(l.logger, entry)
	if l.file != nil {
		write(*l.file, entry)
	}
}

func write(logger zerolog.Logger, entry Entry) {
	event := logger.Info()
	if entry.Status == StatusFailure {
		event = logger.Warn()
	}
	event.Interface("audit", entry).Msg(entry.Operation)
}

// Success logs a completed operation, pulling actor and request metadata
// from ctx when present.
func (l *Logger) Success(ctx context.Context, operation, resourceType, resourceID string, details map[string]any) {
	l.Log(fromContext(ctx, Entry{
		Operation:    operation,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Status:       StatusSuccess,
		Details:      details,
	}))
}

// Failure logs a rejected or failed operation. The operation name gets an
// "-error" suffix so failures can be grepped separately.
func (l *Logger) Failure(ctx context.Context, operation, resourceType, resourceID string, err error, details map[string]any) {
	entry := Entry{
		Operation:    operation + "-error",
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Status:       StatusFailure,
		Details:      details,
	}
	if err != nil {
		entry.Error = err.Error()
	}
	l.Log(fromContext(ctx, entry))
}

var sensitiveKeys = map[string]struct{}{
	"password":     {},
	"oldpassword":  {},
	"newpassword":  {},
	"refreshtoken": {},
	"accesstoken":  {},
	"token":        {},
}

const redacted = "***"

// Redact returns a copy of details with secret values replaced, recursing
// into nested maps.
func Redact(details map[string]any) map[string]any {
	if details == nil {
		return nil
	}
	out := make(map[string]any, len(details))
	for k, v := range details {
		if _, secret := sensitiveKeys[strings.ToLower(k)]; secret {
			out[k] = redacted
			continue
		}
		if nested, ok := v.(map[string]any); ok {
			out[k] = Redact(nested)
			continue
		}
		out[k] = v
	}
	return out
}

type contextKey int

const metadataKey contextKey = iota

// Metadata is request information attached by the HTTP layer.
type Metadata struct {
	Actor     string
	IPAddress string
	RequestID string
}

// WithMetadata stores request metadata for later audit entries.
func WithMetadata(ctx context.Context, md Metadata) context.Context {
	return context.WithValue(ctx, metadataKey, md)
}

// WithActor replaces the actor on existing metadata.
func WithActor(ctx context.Context, actor string) context.Context {
	md, _ := ctx.Value(metadataKey).(Metadata)
	md.Actor = actor
	return WithMetadata(ctx, md)
}

func fromContext(ctx context.Context, entry Entry) Entry {
	if ctx == nil {
		return entry
	}
	if md, ok := ctx.Value(metadataKey).(Metadata); ok {
		entry.Actor = md.Actor
		entry.IPAddress = md.IPAddress
		entry.RequestID = md.RequestID
	}
	return entry
}
