package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/felipealfah/leasepool/internal/domain"
)

// LogConfig holds configuration for the structured logger.
type LogConfig struct {
	Level       string // "debug", "info", "warn", "error"
	Format      string // "json" or "text"
	ServiceName string
	Environment string
	Output      io.Writer // defaults to os.Stdout
}

// sensitivePatterns are matched case-insensitively against attribute keys.
// A match replaces the value with [REDACTED].
var sensitivePatterns = []string{
	"api_key",
	"apikey",
	"_key",
	"secret",
	"_token",
	"password",
	"credential",
	"authorization",
	"sms_code",
	"verification_code",
}

// maskedKeys keep the tail of the value so numbers stay traceable in logs.
var maskedKeys = map[string]bool{
	"phone":        true,
	"phone_number": true,
}

// InitLogger creates a structured logger with secret redaction and sets it as
// the slog default.
func InitLogger(cfg LogConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if strings.ToLower(cfg.Format) == "text" {
		handler = slog.NewTextHandler(out, redacting(opts))
	} else {
		handler = NewRedactingHandler(out, opts)
	}

	logger := slog.New(handler).With(
		slog.String("service", cfg.ServiceName),
		slog.String("environment", cfg.Environment),
	)

	slog.SetDefault(logger)
	return logger
}

// NewRedactingHandler creates a JSON handler that applies the same redaction
// as InitLogger on top of any caller-supplied ReplaceAttr.
func NewRedactingHandler(w io.Writer, opts *slog.HandlerOptions) slog.Handler {
	return slog.NewJSONHandler(w, redacting(opts))
}

// redacting returns a copy of opts whose ReplaceAttr runs redaction after
// the caller's own.
func redacting(opts *slog.HandlerOptions) *slog.HandlerOptions {
	out := &slog.HandlerOptions{}
	if opts != nil {
		*out = *opts
	}
	inner := out.ReplaceAttr
	out.ReplaceAttr = func(groups []string, a slog.Attr) slog.Attr {
		if inner != nil {
			a = inner(groups, a)
		}
		return redactSecrets(groups, a)
	}
	return out
}

func redactSecrets(_ []string, a slog.Attr) slog.Attr {
	keyLower := strings.ToLower(a.Key)
	if maskedKeys[keyLower] && a.Value.Kind() == slog.KindString {
		return slog.String(a.Key, domain.MaskPhone(a.Value.String()))
	}
	for _, pattern := range sensitivePatterns {
		if strings.Contains(keyLower, pattern) {
			return slog.String(a.Key, "[REDACTED]")
		}
	}
	return a
}

// WithTraceID returns a new logger carrying the trace ID from ctx, if any.
func WithTraceID(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if traceID := TraceIDFromContext(ctx); traceID != "" {
		return logger.With(slog.String("trace_id", traceID))
	}
	return logger
}

// DiscardLogger returns a logger that drops everything. Used as the default
// when a component is constructed without one.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
