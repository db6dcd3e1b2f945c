package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWritesToFile(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "logs", "npcagent.log")

	l, err := New(Config{Level: "debug", File: logFile, Redaction: true})
	require.NoError(t, err)

	component := l.Component("llm")
	component.Info().Str("api_key", "sk-abcdefghijklmnopqrstuvwxyz0123").Msg("client ready")
	require.NoError(t, l.Close())

	data, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"component":"llm"`)
	assert.Contains(t, string(data), "client ready")
	assert.NotContains(t, string(data), "abcdefghijklmnopqrstuvwxyz0123")
}

func TestNewDefaultsLevel(t *testing.T) {
	l, err := New(Config{Level: "nonsense"})
	require.NoError(t, err)
	defer l.Close()

	assert.Equal(t, zerolog.InfoLevel, l.GetZerolog().GetLevel())
	assert.Nil(t, l.redactor)
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "info", cfg.Level)
	assert.True(t, cfg.Console)
	assert.True(t, cfg.Redaction)
	assert.Equal(t, 50, cfg.MaxSize)
	assert.Equal(t, 7, cfg.MaxAge)
}
