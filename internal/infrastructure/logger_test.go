package infrastructure

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"licensegate/internal/config"
)

func TestCreateLoggerBothOutputs(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "logs", "gate.log")
	var console bytes.Buffer

	logger, file, err := createLogger(config.LoggingConfig{
		Level:  "info",
		Format: "text",
		Output: "both",
	}, logFile, &console)
	require.NoError(t, err)
	require.NotNil(t, file)

	logger.Info("license checked", "result", "proceed")
	require.NoError(t, file.Close())

	assert.Contains(t, console.String(), "msg=\"license checked\"")

	content, err := os.ReadFile(logFile)
	require.NoError(t, err)
	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(content), &entry), "file output is always JSON")
	assert.Equal(t, "license checked", entry["msg"])
	assert.Equal(t, "proceed", entry["result"])

	info, err := os.Stat(logFile)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestCreateLoggerFileWithoutPath(t *testing.T) {
	_, _, err := createLogger(config.LoggingConfig{Output: "file"}, "", &bytes.Buffer{})
	assert.Error(t, err)
}

func TestInitializeLogger(t *testing.T) {
	ResetLoggerForTesting()
	t.Cleanup(ResetLoggerForTesting)

	logFile := filepath.Join(t.TempDir(), "app.log")
	logger, err := InitializeLogger(config.LoggingConfig{Level: "info", Format: "json", Output: "file"}, logFile)
	require.NoError(t, err)
	assert.Same(t, logger, GetLogger())

	logger.Info("started")
	require.NoError(t, CloseLogFile())

	content, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Contains(t, string(content), `"msg":"started"`)
}

func TestTraceIDInjection(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(config.LoggingConfig{Level: "info", Format: "json"}, &buf)

	ctx := WithTraceID(context.Background(), "trace-123")
	logger.InfoContext(ctx, "with trace")
	logger.InfoContext(context.Background(), "without trace")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)

	var first, second map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &second))
	assert.Equal(t, "trace-123", first["trace_id"])
	assert.NotContains(t, second, "trace_id")
}

func TestLogLevels(t *testing.T) {
	tests := []struct {
		level     string
		debugSeen bool
		infoSeen  bool
		warnSeen  bool
	}{
		{"debug", true, true, true},
		{"info", false, true, true},
		{"warn", false, false, true},
		{"error", false, false, false},
		{"bogus", false, true, true},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			var buf bytes.Buffer
			logger := NewLogger(config.LoggingConfig{Level: tt.level, Format: "json"}, &buf)
			logger.Debug("debug-line")
			logger.Info("info-line")
			logger.Warn("warn-line")

			out := buf.String()
			assert.Equal(t, tt.debugSeen, strings.Contains(out, "debug-line"))
			assert.Equal(t, tt.infoSeen, strings.Contains(out, "info-line"))
			assert.Equal(t, tt.warnSeen, strings.Contains(out, "warn-line"))
		})
	}
}

func TestContextHelpers(t *testing.T) {
	ctx := EnsureTraceID(context.Background())
	id := GetTraceID(ctx)
	assert.NotEmpty(t, id)
	assert.Equal(t, id, GetTraceID(EnsureTraceID(ctx)), "existing trace ID is kept")
	assert.NotEqual(t, id, GenerateTraceID())

	var buf bytes.Buffer
	WithComponent(NewLogger(config.LoggingConfig{Format: "json"}, &buf), "gate").Info("x")
	assert.Contains(t, buf.String(), `"component":"gate"`)
}
