package app

import (
	"io"
	"log/slog"
	"strings"

	"github.com/ggonzalez94/defi-yield/internal/config"
)

// newLogger writes diagnostics to w, never to the envelope stream.
func newLogger(settings config.Settings, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(settings.LogLevel)}
	var handler slog.Handler
	if strings.EqualFold(settings.LogFormat, "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler).With("cli", "defi-yield")
}

func parseLevel(v string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "error":
		return slog.LevelError
	default:
		return slog.LevelWarn
	}
}
