package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sysu-ecnc-dev/workforce-coordinator/backend/internal/config"
)

func TestLoggerWritesConsoleAndFile(t *testing.T) {
	cfg := &config.Config{Environment: "test"}
	cfg.Log.Level = "debug"
	cfg.Log.File = filepath.Join(t.TempDir(), "coordinator.log")
	cfg.Log.MaxSize = 1

	var console bytes.Buffer
	logger, closer := NewWithWriter(cfg, &console)

	logger.With("component", "session").Debug("会话状态变化", "session", "s-1", "to", "OPTIMIZING_GLOBALLY")
	require.NoError(t, closer.Close())

	assert.Contains(t, console.String(), "会话状态变化")
	assert.Contains(t, console.String(), "component=session")

	data, err := os.ReadFile(cfg.Log.File)
	require.NoError(t, err)

	var record map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(data), &record))
	assert.Equal(t, "会话状态变化", record["msg"])
	assert.Equal(t, "test", record["environment"])
	assert.Equal(t, "s-1", record["session"])
}

func TestLevelFiltering(t *testing.T) {
	cfg := &config.Config{}
	cfg.Log.Level = "warn"

	var console bytes.Buffer
	logger, closer := NewWithWriter(cfg, &console)
	defer closer.Close()

	logger.Info("不应该输出")
	logger.Warn("应该输出")

	assert.NotContains(t, console.String(), "不应该输出")
	assert.Contains(t, console.String(), "应该输出")

	assert.Equal(t, parseLevel("nonsense"), parseLevel("info"))
}
