package app

import (
	"log/slog"
	"os"
)

// NewLogger builds the process logger. Production runs at Info with
// JSON output regardless of LOG_FORMAT, development keeps Debug and
// source locations for tracing handler paths.
func NewLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelDebug, AddSource: true}
	if cfg.IsProduction() {
		opts = &slog.HandlerOptions{Level: slog.LevelInfo}
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	if cfg != nil && cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
