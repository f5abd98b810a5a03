package logging

import (
	"io"
	"log/slog"
	"os"
)

// New returns a JSON logger writing to stdout and installs it as the slog default.
func New(level slog.Level, service string) *slog.Logger {
	return newWithWriter(os.Stdout, level, service)
}

func newWithWriter(w io.Writer, level slog.Level, service string) *slog.Logger {
	logger := slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})).With("service", service)
	slog.SetDefault(logger)
	return logger
}
