package logger

import (
	"log/slog"
	"os"
)

// HandlerConfig configures the slog handler.
type HandlerConfig struct {
	Level     slog.Level
	AddSource bool
}

// NewHandler creates a JSON slog handler writing to stdout.
// A nil config uses Info level without source locations.
func NewHandler(cfg *HandlerConfig) slog.Handler {
	if cfg == nil {
		cfg = &HandlerConfig{Level: slog.LevelInfo}
	}

	return slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     cfg.Level,
		AddSource: cfg.AddSource,
	})
}
