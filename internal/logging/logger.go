package logging

import (
	"log/slog"
	"os"
)

// New creates a new structured logger.
// app: application name (e.g., "chunkwire-server")
// level: one of "debug", "info", "warn", "error" (default: "info")
// format: "json" selects slog.JSONHandler; anything else (including
// "") falls back to the default text handler, since operators driving
// the binaries by hand want the compact text form.
func New(app, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: parseLevel(level),
	}

	var h slog.Handler
	if format == "json" {
		h = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		h = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(h).With(
		slog.String("app", app),
		slog.Int("pid", os.Getpid()),
	)
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	case "info":
		return slog.LevelInfo
	default:
		return slog.LevelInfo
	}
}
