package logging

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	logger *zap.Logger
	once   sync.Once
)

type contextKey string

// Context keys the hub attaches so every log line carries its connection and
// room scope.
const (
	CorrelationIDKey contextKey = "correlation_id"
	ConnectionIDKey  contextKey = "connection_id"
	RoomIDKey        contextKey = "room_id"
)

// Initialize sets up the global logger. Development gets colored console
// output; production gets JSON with ISO8601 timestamps.
func Initialize(development bool) error {
	var err error
	once.Do(func() {
		var config zap.Config
		if development {
			config = zap.NewDevelopmentConfig()
			config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		} else {
			config = zap.NewProductionConfig()
			config.EncoderConfig.TimeKey = "timestamp"
			config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		}

		config.OutputPaths = []string{"stdout"}
		config.ErrorOutputPaths = []string{"stderr"}

		logger, err = config.Build(zap.AddCallerSkip(1))
	})
	return err
}

// GetLogger returns the global logger instance.
func GetLogger() *zap.Logger {
	if logger == nil {
		// Fallback for tests and code that runs before Initialize.
		l, _ := zap.NewDevelopment()
		return l
	}
	return logger
}

// Debug logs a message at DebugLevel. Signaling relays log here because
// candidate traffic is high-volume.
func Debug(ctx context.Context, msg string, fields ...zap.Field) {
	GetLogger().Debug(msg, appendContextFields(ctx, fields)...)
}

// Info logs a message at InfoLevel.
func Info(ctx context.Context, msg string, fields ...zap.Field) {
	GetLogger().Info(msg, appendContextFields(ctx, fields)...)
}

// Warn logs a message at WarnLevel.
func Warn(ctx context.Context, msg string, fields ...zap.Field) {
	GetLogger().Warn(msg, appendContextFields(ctx, fields)...)
}

// Error logs a message at ErrorLevel.
func Error(ctx context.Context, msg string, fields ...zap.Field) {
	GetLogger().Error(msg, appendContextFields(ctx, fields)...)
}

// Fatal logs a message at FatalLevel and exits.
func Fatal(ctx context.Context, msg string, fields ...zap.Field) {
	GetLogger().Fatal(msg, appendContextFields(ctx, fields)...)
}

func appendContextFields(ctx context.Context, fields []zap.Field) []zap.Field {
	if ctx == nil {
		return fields
	}

	if cid, ok := ctx.Value(CorrelationIDKey).(string); ok {
		fields = append(fields, zap.String("correlation_id", cid))
	}
	if conn, ok := ctx.Value(ConnectionIDKey).(string); ok {
		fields = append(fields, zap.String("connection_id", conn))
	}
	if rid, ok := ctx.Value(RoomIDKey).(string); ok {
		fields = append(fields, zap.String("room_id", rid))
	}

	fields = append(fields, zap.String("service", "signaling-hub"))

	return fields
}

// RedactEmail masks the local part of an email address before it reaches a
// log line. Auth claims are the only email source in this service.
func RedactEmail(email string) string {
	if len(email) == 0 {
		return ""
	}
	atIndex := -1
	for i, c := range email {
		if c == '@' {
			atIndex = i
			break
		}
	}
	if atIndex > 0 {
		return "***" + email[atIndex:]
	}
	return "***"
}
