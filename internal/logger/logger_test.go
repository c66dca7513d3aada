package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"rlguard/internal/models"
	"rlguard/internal/version"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testInfo = version.Info{Version: "1.0.0", GitCommit: "abc1234", InstanceID: "instance-1"}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		expected  slog.Level
		expectErr bool
	}{
		{name: "debug", input: "debug", expected: slog.LevelDebug},
		{name: "info", input: "info", expected: slog.LevelInfo},
		{name: "warn", input: "warn", expected: slog.LevelWarn},
		{name: "warning alias", input: "warning", expected: slog.LevelWarn},
		{name: "error", input: "error", expected: slog.LevelError},
		{name: "uppercase", input: "DEBUG", expected: slog.LevelDebug},
		{name: "invalid", input: "invalid", expectErr: true},
		{name: "empty", input: "", expectErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			level, err := parseLevel(tt.input)
			if tt.expectErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, level)
		})
	}
}

func TestSetupConsoleOutputs(t *testing.T) {
	for _, output := range []string{"stdout", "stderr"} {
		t.Run(output, func(t *testing.T) {
			logger, closer, err := Setup(models.LoggingConfig{Level: "info", Format: "json", Output: output}, testInfo)
			require.NoError(t, err)
			assert.Nil(t, closer)
			assert.NotNil(t, logger)
		})
	}
}

func TestSetupFileOutput(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "guard.log")

	logger, closer, err := Setup(models.LoggingConfig{
		Level:    "info",
		Format:   "json",
		Output:   "file",
		FilePath: logFile,
	}, testInfo)
	require.NoError(t, err)
	require.NotNil(t, closer)
	defer closer.Close()

	logger.Info("Attempt recorded", "action", "login", "block_duration", 15*time.Minute)

	data, err := os.ReadFile(logFile)
	require.NoError(t, err)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(data), &entry))
	assert.Equal(t, "Attempt recorded", entry["msg"])
	assert.Equal(t, "login", entry["action"])
	assert.Equal(t, "15m0s", entry["block_duration"])
	assert.Equal(t, "1.0.0", entry["version"])
	assert.Equal(t, "instance-1", entry["instance_id"])
}

func TestSetupErrors(t *testing.T) {
	tests := []struct {
		name string
		cfg  models.LoggingConfig
	}{
		{name: "file without path", cfg: models.LoggingConfig{Level: "info", Format: "json", Output: "file"}},
		{name: "unwritable path", cfg: models.LoggingConfig{Level: "info", Format: "json", Output: "file", FilePath: "/nonexistent/directory/guard.log"}},
		{name: "invalid level", cfg: models.LoggingConfig{Level: "loud", Format: "json", Output: "stdout"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := Setup(tt.cfg, testInfo)
			assert.Error(t, err)
		})
	}
}

func TestHandlerRedactsSecrets(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(newHandler(&buf, "text", slog.LevelInfo))

	logger.Info("Loaded configuration", "admin_token", "s3cret", "DSN", "postgres://u:p@db/guard", "action", "login")

	output := buf.String()
	assert.NotContains(t, output, "s3cret")
	assert.NotContains(t, output, "u:p@db")
	assert.Equal(t, 2, strings.Count(output, redacted))
	assert.Contains(t, output, "action=login")
}

func TestOpenWriter(t *testing.T) {
	tests := []struct {
		name      string
		output    string
		filePath  string
		expectErr bool
	}{
		{name: "stdout", output: "stdout"},
		{name: "stderr", output: "stderr"},
		{name: "default fallback", output: "anything"},
		{name: "file missing path", output: "file", expectErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			writer, closer, err := openWriter(tt.output, tt.filePath)
			if tt.expectErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, writer)
			if closer != nil {
				closer.Close()
			}
		})
	}
}

func TestLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(newHandler(&buf, "text", slog.LevelWarn))

	logger.Info("should not appear")
	logger.Warn("should appear")

	output := buf.String()
	assert.NotContains(t, output, "should not appear")
	assert.Contains(t, output, "should appear")
}
