package logger

import (
	"io"

	"github.com/rs/zerolog"
)

// ZerologHandler adapts a zerolog.Logger to the Logger interface.
// The daemon uses this so engine logs share the process log stream.
type ZerologHandler struct {
	logger zerolog.Logger
}

func NewZerolog(w io.Writer) *ZerologHandler {
	return &ZerologHandler{
		logger: zerolog.New(w).With().Timestamp().Logger(),
	}
}

func FromZerolog(l zerolog.Logger) *ZerologHandler {
	return &ZerologHandler{logger: l}
}

func (h *ZerologHandler) Error(msg string, args ...any) { h.emit(h.logger.Error(), msg, args) }
func (h *ZerologHandler) Warn(msg string, args ...any)  { h.emit(h.logger.Warn(), msg, args) }
func (h *ZerologHandler) Info(msg string, args ...any)  { h.emit(h.logger.Info(), msg, args) }
func (h *ZerologHandler) Debug(msg string, args ...any) { h.emit(h.logger.Debug(), msg, args) }

// emit maps slog-style alternating key/value args onto zerolog fields.
func (h *ZerologHandler) emit(ev *zerolog.Event, msg string, args []any) {
	for i := 0; i+1 < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			continue
		}
		ev = ev.Interface(key, args[i+1])
	}
	ev.Msg(msg)
}
