package logging

import (
	"go.uber.org/zap"
)

// ZapAdapter wraps a *zap.SugaredLogger to implement the Logger interface.
// The sugared API accepts the same alternating key/value argument convention
// the runtime uses at its log sites.
type ZapAdapter struct {
	sugar *zap.SugaredLogger
}

// NewZapAdapter creates a Logger from an existing *zap.Logger.
func NewZapAdapter(logger *zap.Logger) *ZapAdapter {
	return &ZapAdapter{sugar: logger.Sugar()}
}

// NewProductionZapLogger creates a Logger backed by zap's production
// configuration (JSON, info level, sampling). Errors constructing the zap
// core fall back to a no-op zap logger rather than failing the caller.
func NewProductionZapLogger() Logger {
	logger, err := zap.NewProduction(zap.AddCallerSkip(1))
	if err != nil {
		return &ZapAdapter{sugar: zap.NewNop().Sugar()}
	}
	return &ZapAdapter{sugar: logger.Sugar()}
}

// NewDevelopmentZapLogger creates a Logger backed by zap's development
// configuration (console encoding, debug level).
func NewDevelopmentZapLogger() Logger {
	logger, err := zap.NewDevelopment(zap.AddCallerSkip(1))
	if err != nil {
		return &ZapAdapter{sugar: zap.NewNop().Sugar()}
	}
	return &ZapAdapter{sugar: logger.Sugar()}
}

// Debug logs a debug message.
func (z *ZapAdapter) Debug(msg string, args ...any) { z.sugar.Debugw(msg, args...) }

// Info logs an informational message.
func (z *ZapAdapter) Info(msg string, args ...any) { z.sugar.Infow(msg, args...) }

// Warn logs a warning message.
func (z *ZapAdapter) Warn(msg string, args ...any) { z.sugar.Warnw(msg, args...) }

// Error logs an error message.
func (z *ZapAdapter) Error(msg string, args ...any) { z.sugar.Errorw(msg, args...) }

// Sync flushes buffered log entries. Call on shutdown.
func (z *ZapAdapter) Sync() error { return z.sugar.Sync() }
