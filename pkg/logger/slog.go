package logger

import (
	"log/slog"
	"os"
)

// SlogHandler adapts log/slog to the Logger interface.
type SlogHandler struct {
	logger *slog.Logger
}

func New(h slog.Handler) *SlogHandler {
	return &SlogHandler{logger: slog.New(h)}
}

// Default returns a text logger writing to stdout. Components that are
// handed a nil Logger fall back to this.
func Default() *SlogHandler {
	return New(slog.NewTextHandler(os.Stdout, nil))
}

func (h *SlogHandler) Error(msg string, args ...any) {
	h.logger.Error(msg, args...)
}

func (h *SlogHandler) Warn(msg string, args ...any) {
	h.logger.Warn(msg, args...)
}

func (h *SlogHandler) Info(msg string, args ...any) {
	h.logger.Info(msg, args...)
}

func (h *SlogHandler) Debug(msg string, args ...any) {
	h.logger.Debug(msg, args...)
}
