package app

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewLoggerProductionDropsDebug(t *testing.T) {
	log := NewLogger(&Config{AppEnv: "production", LogFormat: "pretty"})
	require.False(t, log.Enabled(context.Background(), slog.LevelDebug))
	require.True(t, log.Enabled(context.Background(), slog.LevelInfo))
}

func TestNewLoggerDevelopmentKeepsDebug(t *testing.T) {
	log := NewLogger(&Config{AppEnv: "development", LogFormat: "json"})
	require.True(t, log.Enabled(context.Background(), slog.LevelDebug))
}
