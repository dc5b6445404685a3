package logger_test

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/kyson-dev/akon/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogger_Setup(t *testing.T) {
	logger.ResetForTest()
	defer logger.ResetForTest()

	logger.Setup(logger.Config{Debug: true})
	l := logger.Get()
	assert.NotNil(t, l, "logger instance should not be nil")
	assert.True(t, l.Enabled(context.Background(), slog.LevelDebug), "logger level should be debug")
	assert.True(t, logger.IsDebug())
}

func TestLogger_LevelOverridesDebug(t *testing.T) {
	logger.ResetForTest()
	defer logger.ResetForTest()

	logger.Setup(logger.Config{Debug: true, Level: "warn"})
	assert.False(t, logger.Get().Enabled(context.Background(), slog.LevelInfo))
	assert.False(t, logger.IsDebug())
}

func TestLogger_FileConfig(t *testing.T) {
	logger.ResetForTest()
	defer logger.ResetForTest()

	logPath := filepath.Join(t.TempDir(), "test.log")
	logger.Setup(logger.Config{Debug: true, FilePath: logPath})

	logger.Info("test file log content", "attempt", 2)

	assert.FileExists(t, logPath)
	content, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(content), "test file log content")
	assert.Contains(t, string(content), "attempt=2")
}

func TestLogger_RedactsCredentials(t *testing.T) {
	logger.ResetForTest()
	defer logger.ResetForTest()

	logPath := filepath.Join(t.TempDir(), "redact.log")
	logger.Setup(logger.Config{FilePath: logPath})

	logger.Info("spawning tunnel", "password", "hunter2", "session_token", "abc123", "server", "vpn.example.com")

	content, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.NotContains(t, string(content), "hunter2")
	assert.NotContains(t, string(content), "abc123")
	assert.Contains(t, string(content), "vpn.example.com")
	assert.Contains(t, string(content), "[REDACTED]")
}
