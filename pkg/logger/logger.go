// Package logger provides the logging surface shared by all engine
// components. Library code logs through the Logger interface; the daemon
// wires a zerolog-backed implementation, tests usually use the slog one
// with a buffer handler.
package logger

type Logger interface {
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
	Info(msg string, args ...any)
	Debug(msg string, args ...any)
}
