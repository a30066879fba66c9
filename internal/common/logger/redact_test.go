package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRedactingCoreScrubsMessageAndFields(t *testing.T) {
	t.Setenv(RedactEnvVar, `sk-[a-z0-9]+,password=\S+`)

	path := filepath.Join(t.TempDir(), "out.log")
	log, err := NewLogger(LoggingConfig{Level: "info", Format: "json", OutputPath: path})
	require.NoError(t, err)

	log.Info("credential sk-abc123 leaked", zap.String("detail", "password=hunter2 in config"))
	require.NoError(t, log.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	body := string(data)
	assert.NotContains(t, body, "sk-abc123")
	assert.NotContains(t, body, "hunter2")
	assert.Contains(t, body, RedactedPlaceholder)
}

func TestRedactionDisabledWithoutPatterns(t *testing.T) {
	t.Setenv(RedactEnvVar, "")

	path := filepath.Join(t.TempDir(), "out.log")
	log, err := NewLogger(LoggingConfig{Level: "info", Format: "json", OutputPath: path})
	require.NoError(t, err)

	log.Info("plain message")
	require.NoError(t, log.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "plain message")
}
