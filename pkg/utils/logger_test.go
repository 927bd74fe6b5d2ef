package utils

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HKUDS/nanobot-gateway/pkg/config"
)

func TestSetupLogger_WritesJSONFile(t *testing.T) {
	dir := t.TempDir()
	logger, closer, err := SetupLogger(config.LogConfig{Level: "debug", Filename: "test.log", MaxSizeMB: 1}, dir)
	require.NoError(t, err)

	logger.Debug().Str("job_id", "abc12345").Msg("hello")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(filepath.Join(dir, "test.log"))
	require.NoError(t, err)

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(data), &line))
	assert.Equal(t, "debug", line["level"])
	assert.Equal(t, "abc12345", line["job_id"])
	assert.Equal(t, "hello", line["message"])
}

func TestSetupLogger_LevelFilter(t *testing.T) {
	dir := t.TempDir()
	logger, closer, err := SetupLogger(config.LogConfig{Level: "warn"}, dir)
	require.NoError(t, err)

	logger.Info().Msg("dropped")
	logger.Warn().Msg("kept")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(filepath.Join(dir, "nanobot.log"))
	require.NoError(t, err)
	assert.NotContains(t, string(data), "dropped")
	assert.Contains(t, string(data), "kept")
}
