// Package logging provides the process-wide structured logger used across
// the chat client: HTTP transport, socket session, entity cache and the
// session orchestrator all log through here so a single Initialize call
// controls format and level for the whole client.
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

const (
	CorrelationIDKey contextKey = "correlation_id"
	InstallationKey  contextKey = "installation"
	PersonIDKey      contextKey = "person_id"
	RoomIDKey        contextKey = "room_id"
	FrameNonceKey    contextKey = "frame_nonce"
)

// Initialize sets up the global logger. development selects human-readable,
// color-coded console output; otherwise JSON output with ISO8601 timestamps.
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

// GetLogger returns the global logger, falling back to a development logger
// if Initialize was never called (e.g. a package exercised directly in a
// unit test without bootstrapping the client).
func GetLogger() *zap.Logger {
	if logger == nil {
		l, _ := zap.NewDevelopment()
		return l
	}
	return logger
}

func Info(ctx context.Context, msg string, fields ...zap.Field) {
	GetLogger().Info(msg, appendContextFields(ctx, fields)...)
}

func Warn(ctx context.Context, msg string, fields ...zap.Field) {
	GetLogger().Warn(msg, appendContextFields(ctx, fields)...)
}

func Error(ctx context.Context, msg string, fields ...zap.Field) {
	GetLogger().Error(msg, appendContextFields(ctx, fields)...)
}

func Debug(ctx context.Context, msg string, fields ...zap.Field) {
	GetLogger().Debug(msg, appendContextFields(ctx, fields)...)
}

func appendContextFields(ctx context.Context, fields []zap.Field) []zap.Field {
	if ctx == nil {
		return fields
	}

	if cid, ok := ctx.Value(CorrelationIDKey).(string); ok {
		fields = append(fields, zap.String("correlation_id", cid))
	}
	if inst, ok := ctx.Value(InstallationKey).(string); ok {
		fields = append(fields, zap.String("installation", inst))
	}
	if pid, ok := ctx.Value(PersonIDKey).(int); ok {
		fields = append(fields, zap.Int("person_id", pid))
	}
	if rid, ok := ctx.Value(RoomIDKey).(int); ok {
		fields = append(fields, zap.Int("room_id", rid))
	}
	if nonce, ok := ctx.Value(FrameNonceKey).(int64); ok {
		fields = append(fields, zap.Int64("frame_nonce", nonce))
	}

	fields = append(fields, zap.String("service", "teamchat-client"))

	return fields
}

// RedactToken masks a bearer/cookie-style secret down to a short prefix so
// it can still be correlated across log lines without leaking the value.
func RedactToken(token string) string {
	if len(token) == 0 {
		return ""
	}
	if len(token) <= 8 {
		return "***"
	}
	return token[:4] + "***"
}

// RedactEmail masks the local part of an email address, keeping the domain
// for correlation purposes.
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
