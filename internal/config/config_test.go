package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingToken(t *testing.T) {
	t.Setenv("CHAT_BOT_TOKEN", "")
	t.Setenv("TELEGRAM_TOKEN", "")

	_, err := Load("")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMissingToken))
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CHAT_BOT_TOKEN", "secret")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "secret", cfg.Chat.Token)
	assert.Equal(t, GatewayTelegram, cfg.Chat.Gateway)
	assert.Equal(t, "amigo", cfg.Robot.Name)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "ws://localhost:9090", cfg.Engine.URL)
	assert.Equal(t, "conversation_engine", cfg.Engine.Action)
	assert.Equal(t, 10*time.Second, cfg.Engine.WaitTimeout)
	assert.Equal(t, 3, cfg.Engine.MaxRetries)
	assert.False(t, cfg.AI.Enabled())
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("CHAT_BOT_TOKEN", "secret")
	t.Setenv("ROBOT_NAME", "hero")
	t.Setenv("CHAT_GATEWAY", "WebSocket")
	t.Setenv("PORT", "127.0.0.1:9000")
	t.Setenv("ENGINE_URL", "ws://robot:9090/")
	t.Setenv("ENGINE_WAIT_TIMEOUT", "3s")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "hero", cfg.Robot.Name)
	assert.Equal(t, GatewayWebSocket, cfg.Chat.Gateway)
	assert.Equal(t, "127.0.0.1:9000", cfg.Server.Addr)
	assert.Equal(t, "ws://robot:9090", cfg.Engine.URL)
	assert.Equal(t, 3*time.Second, cfg.Engine.WaitTimeout)
}

func TestLoadConfigFile(t *testing.T) {
	t.Setenv("CHAT_BOT_TOKEN", "")
	t.Setenv("TELEGRAM_TOKEN", "")

	path := filepath.Join(t.TempDir(), "bridge.toml")
	content := []byte("[chat]\nbot_token = \"from-file\"\ngateway = \"websocket\"\n\n[robot]\nname = \"sergio\"\n")
	require.NoError(t, os.WriteFile(path, content, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-file", cfg.Chat.Token)
	assert.Equal(t, GatewayWebSocket, cfg.Chat.Gateway)
	assert.Equal(t, "sergio", cfg.Robot.Name)
}

func TestLoadRejectsUnknownGateway(t *testing.T) {
	t.Setenv("CHAT_BOT_TOKEN", "secret")
	t.Setenv("CHAT_GATEWAY", "irc")

	_, err := Load("")
	assert.Error(t, err)
}

func TestLoadServerConfig(t *testing.T) {
	cfg, err := loadServerConfig("9090")
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Addr)

	_, err = loadServerConfig("90 90")
	assert.Error(t, err)
}
