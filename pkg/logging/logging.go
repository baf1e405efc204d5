package logging

import (
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
)

var Logger *slog.Logger

func init() {
	handler := tint.NewHandler(os.Stderr, &tint.Options{
		// Minimum log level (Info, Debug, etc.)
		Level: slog.LevelInfo,

		// Show time (you can also set a custom time format)
		TimeFormat: time.RFC3339,

		// Add source file:line
		AddSource: true,
	})

	Logger = slog.New(handler)
}

// WithLevel returns a logger with the given minimum level, same handler
// options otherwise.
func WithLevel(level slog.Level) *slog.Logger {
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.RFC3339,
		AddSource:  true,
	}))
}
