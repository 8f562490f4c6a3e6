// Package observability provides logging, metrics, and tracing.
package observability

import (
	"io"
	"log/slog"
	"os"

	"github.com/fairyhunter13/jobguard/internal/config"
)

// SetupLogger configures a JSON slog logger from the logging config.
// With logging disabled it returns a logger that discards everything,
// so call sites never need nil checks.
func SetupLogger(cfg config.Config) *slog.Logger {
	if !cfg.Logging.Enabled {
		return slog.New(slog.NewJSONHandler(io.Discard, nil))
	}

	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Logging.Level)}
	h := slog.NewJSONHandler(os.Stdout, opts)
	return slog.New(h).With(
		slog.String("component", cfg.Logging.Prefix),
		slog.String("queue", cfg.QueueName),
		slog.String("queue_type", cfg.QueueType),
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
	default:
		return slog.LevelInfo
	}
}
