// Package logging wires zap into the engine's error boundary. Nothing here
// is ever called from the audio thread.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds the engine's logger. Verbose selects development encoding with
// debug level.
func New(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	return cfg.Build()
}

// ErrorHandler defines the interface for handling engine errors.
type ErrorHandler interface {
	HandleError(error)
}

// ZapErrorHandler logs every error through a zap logger.
type ZapErrorHandler struct {
	Log *zap.Logger
}

// HandleError implements ErrorHandler.
func (h *ZapErrorHandler) HandleError(err error) {
	if h.Log != nil {
		h.Log.Error("engine error", zap.Error(err))
	}
}

// PanicErrorHandler panics on any error (useful for development).
type PanicErrorHandler struct{}

// HandleError implements ErrorHandler by panicking.
func (h *PanicErrorHandler) HandleError(err error) {
	panic("engine error: " + err.Error())
}
