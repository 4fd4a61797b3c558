package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chatrail.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaults(t *testing.T) {
	s, err := Load("")
	require.NoError(t, err)
	require.Equal(t, PushModeWebsocket, s.Push.Mode)
	require.Equal(t, "localhost:6379", s.Push.Redis.Addr)
	require.Equal(t, 1200*time.Millisecond, s.Engine.ReadGrace)
}

func TestFileOverridesDefaults(t *testing.T) {
	path := writeConfigFile(t, `
api:
  base_url: https://api.example.com
  agent_id: agent-1
push:
  mode: redis
  redis:
    addr: redis.internal:6379
engine:
  read_grace: 2s
`)
	s, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "https://api.example.com", s.API.BaseURL)
	require.Equal(t, PushModeRedis, s.Push.Mode)
	require.Equal(t, "redis.internal:6379", s.Push.Redis.Addr)
	// File values only touch what they name.
	require.Equal(t, "chatrail-widget", s.Push.Redis.Group)
	require.Equal(t, 2*time.Second, s.Engine.ReadGrace)
}

func TestEnvironmentOverridesFile(t *testing.T) {
	path := writeConfigFile(t, `
api:
  base_url: https://api.example.com
  agent_id: agent-1
`)
	t.Setenv("CHATRAIL_API_BASE_URL", "https://staging.example.com")
	t.Setenv("CHATRAIL_PUSH_MODE", "none")

	s, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "https://staging.example.com", s.API.BaseURL)
	require.Equal(t, "agent-1", s.API.AgentID)
	require.Equal(t, PushModeNone, s.Push.Mode)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	s := Default()
	require.Error(t, s.Validate())

	s.API.BaseURL = "https://api.example.com"
	s.API.AgentID = "agent-1"
	require.Error(t, s.Validate(), "websocket mode without endpoint")

	s.Push.WebsocketEndpoint = "wss://push.example.com/v1/subscribe"
	require.NoError(t, s.Validate())

	s.Push.Mode = PushModeNone
	require.NoError(t, s.Validate())

	s.Push.Mode = PushMode("carrier-pigeon")
	require.Error(t, s.Validate())
}
