package observability

import (
	"context"
	"maps"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pitabwire/civicportal/internal/config"
	"github.com/pitabwire/civicportal/model"
)

type loggerKey struct{}

// NewLogger creates a zap.Logger writing to stdout. LogFormat "console"
// selects the human-readable encoder; anything else logs JSON.
//
// Log level usage conventions:
//   - error: store or Redis failures, unhandled panics, 5xx responses
//   - warn:  4xx responses, rejected transitions, circuit breaker open
//   - info:  request start/end, submissions, reviews, catalog load
//   - debug: cache operations, redacted request bodies
func NewLogger(cfg config.ObservabilityConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}

	encoding := "json"
	encodeLevel := zapcore.LowercaseLevelEncoder
	if cfg.LogFormat == "console" {
		encoding = "console"
		encodeLevel = zapcore.CapitalColorLevelEncoder
	}

	zapCfg := zap.Config{
		Level:    zap.NewAtomicLevelAt(level),
		Encoding: encoding,
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "timestamp",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    encodeLevel,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.MillisDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	return zapCfg.Build()
}

// WithLogger stores a logger in the context.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// LoggerFrom returns the logger stored in the context, or fallback.
func LoggerFrom(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok && l != nil {
		return l
	}
	return fallback
}

// RequestLogger returns the context logger enriched with the caller's
// subject and correlation id.
func RequestLogger(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	logger := LoggerFrom(ctx, fallback)

	rctx := model.RequestContextFrom(ctx)
	if rctx == nil {
		return logger
	}

	fields := []zap.Field{
		zap.String("subject_id", rctx.SubjectID),
		zap.String("correlation_id", rctx.CorrelationID),
	}
	if rctx.TraceID != "" {
		fields = append(fields, zap.String("trace_id", rctx.TraceID))
	}
	return logger.With(fields...)
}

var defaultSensitiveFields = map[string]bool{
	"password":         true,
	"current_password": true,
	"new_password":     true,
	"confirm_password": true,
	"token":            true,
	"access_token":     true,
	"authorization":    true,
	"national_id":      true,
	"bank_account":     true,
	"signing_key":      true,
}

// RedactBody returns a copy of body with sensitive fields replaced by
// "[REDACTED]". Nested objects are redacted too. Debug logging only.
func RedactBody(body map[string]any, sensitiveFields []string) map[string]any {
	if body == nil {
		return nil
	}

	redactSet := maps.Clone(defaultSensitiveFields)
	for _, f := range sensitiveFields {
		redactSet[f] = true
	}

	result := make(map[string]any, len(body))
	for k, v := range body {
		switch {
		case redactSet[k]:
			result[k] = "[REDACTED]"
		default:
			if nested, ok := v.(map[string]any); ok {
				result[k] = RedactBody(nested, sensitiveFields)
			} else {
				result[k] = v
			}
		}
	}
	return result
}
