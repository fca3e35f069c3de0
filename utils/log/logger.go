package log

import (
	"context"
	"os"

	"go.uber.org/zap"
)

// CtxKey is the type for logging-relevant context values.
type CtxKey string

const (
	CtxUserID    CtxKey = "user_id"
	CtxCallID    CtxKey = "call_id"
	CtxModel     CtxKey = "model"
	CtxRequestID CtxKey = "request_id"
)

var logger *zap.Logger

func init() {
	if os.Getenv("DEBUG") == "true" {
		logger, _ = zap.NewDevelopment()
	} else {
		logger, _ = zap.NewProduction()
	}
}

// WithCtx returns a logger carrying whatever identifying fields the context
// holds.
func WithCtx(ctx context.Context) *zap.Logger {
	fields := []zap.Field{}

	for _, key := range []CtxKey{CtxUserID, CtxCallID, CtxModel, CtxRequestID} {
		if v := ctx.Value(key); v != nil {
			fields = append(fields, zap.Any(string(key), v))
		}
	}

	return logger.With(fields...)
}

// With returns a logger with the given fields attached.
func With(fields ...zap.Field) *zap.Logger {
	return logger.With(fields...)
}
