package log

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestParseLogLevelAcceptsKnownNames(t *testing.T) {
	testCases := []struct {
		input    string
		expected zapcore.Level
	}{
		{"debug", zapcore.DebugLevel},
		{"INFO", zapcore.InfoLevel},
		{"  warn  ", zapcore.WarnLevel},
		{"error", zapcore.ErrorLevel},
	}

	for _, tc := range testCases {
		got, err := ParseLogLevel(tc.input)
		assert.NoError(t, err, tc.input)
		assert.Equal(t, tc.expected, got, tc.input)
	}
}

func TestParseLogLevelRejectsUnknownName(t *testing.T) {
	_, err := ParseLogLevel("verbose")
	assert.Error(t, err)
}

func TestCreateLoggerWithEmptyPathWritesToStderr(t *testing.T) {
	l, err := CreateLogger("", zapcore.InfoLevel)
	require.NoError(t, err)
	require.NotNil(t, l)
	l.Infow("test message")
}

func TestCreateLoggerWithLumberjackWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.log")
	l := CreateLoggerWithLumberjack(path, 1, zapcore.InfoLevel)
	require.NotNil(t, l)

	l.Infow("hello", "key", "value")
	require.NoError(t, l.Sync())

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(content), "hello")
}

func TestInitReplacesPackageLogger(t *testing.T) {
	prev := Logger
	t.Cleanup(func() { Logger = prev })

	path := filepath.Join(t.TempDir(), "daemon.log")
	require.NoError(t, Init(path, "debug"))
	assert.NotSame(t, prev, Logger)
}

func TestInitRejectsBadLevel(t *testing.T) {
	prev := Logger
	t.Cleanup(func() { Logger = prev })

	err := Init("", "not-a-level")
	assert.Error(t, err)
}
