package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "ws://localhost:8888/ws", cfg.ServerURL)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "general", cfg.DefaultRoom)
	assert.Equal(t, 5, cfg.Reconnect.MaxAttempts)
	assert.Equal(t, time.Second, cfg.Reconnect.Delay)
	assert.Equal(t, 20, cfg.History.PageSize)
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chat.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server_url: ws://chat.example.com/ws
default_room: lobby
reconnect:
  max_attempts: 3
  delay: 250ms
history:
  page_size: 50
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "ws://chat.example.com/ws", cfg.ServerURL)
	assert.Equal(t, "lobby", cfg.DefaultRoom)
	assert.Equal(t, 3, cfg.Reconnect.MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.Reconnect.Delay)
	assert.Equal(t, 50, cfg.History.PageSize)
	assert.Equal(t, "info", cfg.LogLevel, "unset keys keep defaults")
}

func TestLoad_Env(t *testing.T) {
	t.Setenv("CHAT_DEFAULT_ROOM", "random")
	t.Setenv("CHAT_RECONNECT_MAX_ATTEMPTS", "7")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "random", cfg.DefaultRoom)
	assert.Equal(t, 7, cfg.Reconnect.MaxAttempts)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorIs(t, err, ErrRead)
}
