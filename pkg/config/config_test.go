package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.json"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadConfig_JSONOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"gateway": {"port": 9000},
		"channels": {"slack": {"enabled": true, "botToken": "xoxb-1"}},
		"cron": {"store": {"driver": "sqlite", "path": "/tmp/cron.db"}}
	}`), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Gateway.Port)
	assert.Equal(t, "0.0.0.0", cfg.Gateway.Host, "untouched defaults survive")
	assert.True(t, cfg.Channels.Slack.Enabled)
	assert.Equal(t, "xoxb-1", cfg.Channels.Slack.BotToken)
	assert.Equal(t, "sqlite", cfg.Cron.Store.Driver)
	assert.Equal(t, 600, cfg.Cron.DefaultTimeoutSeconds)
}

func TestLoadConfig_YAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
channels:
  whatsapp:
    enabled: true
    bridgeUrl: ws://bridge:3001
  googlechat:
    credentialSource: inline
    token: abc
cron:
  maxSleepSeconds: 5
`), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.True(t, cfg.Channels.WhatsApp.Enabled)
	assert.Equal(t, "ws://bridge:3001", cfg.Channels.WhatsApp.BridgeURL)
	assert.Equal(t, 60, cfg.Channels.WhatsApp.QRTimeoutSeconds)
	assert.Equal(t, "inline", cfg.Channels.GoogleChat.CredentialSource)
	assert.Equal(t, 5, cfg.Cron.MaxSleepSeconds)
}

func TestLoadConfig_Invalid(t *testing.T) {
	dir := t.TempDir()

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"gateway":`), 0644))
	_, err := LoadConfig(bad)
	assert.Error(t, err)

	driver := filepath.Join(dir, "driver.json")
	require.NoError(t, os.WriteFile(driver, []byte(`{"cron":{"store":{"driver":"redis"}}}`), 0644))
	_, err = LoadConfig(driver)
	assert.ErrorContains(t, err, "redis")
}

func TestSaveConfig_RoundTrip(t *testing.T) {
	for _, name := range []string{"config.json", "config.yml"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "nested", name)
			cfg := DefaultConfig()
			cfg.Channels.Signal.Enabled = true
			cfg.Channels.Signal.Account = "+15550001"

			require.NoError(t, SaveConfig(path, cfg))
			loaded, err := LoadConfig(path)
			require.NoError(t, err)
			assert.Equal(t, cfg, loaded)
		})
	}
}
