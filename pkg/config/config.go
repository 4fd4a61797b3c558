// Package config loads engine settings from an optional YAML file overlaid
// with environment variables. Precedence: defaults < file < environment.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/pkg/errors"

	"github.com/chatrail/chatrail/pkg/redisstream"
)

// PushMode selects the production push binding.
type PushMode string

const (
	PushModeWebsocket PushMode = "websocket"
	PushModeRedis     PushMode = "redis"
	PushModeNone      PushMode = "none"
)

// APISettings locates the conversation backend.
type APISettings struct {
	BaseURL string `yaml:"base_url" env:"CHATRAIL_API_BASE_URL"`
	AgentID string `yaml:"agent_id" env:"CHATRAIL_AGENT_ID"`
	LeadID  string `yaml:"lead_id" env:"CHATRAIL_LEAD_ID"`
}

// PushSettings selects and configures the push channel.
type PushSettings struct {
	Mode              PushMode            `yaml:"mode" env:"CHATRAIL_PUSH_MODE"`
	WebsocketEndpoint string              `yaml:"websocket_endpoint" env:"CHATRAIL_PUSH_WS_ENDPOINT"`
	Redis             redisstream.Settings `yaml:"redis"`
}

// CacheSettings configures the local conversation snapshot cache. An empty
// path means in-memory only.
type CacheSettings struct {
	Path string `yaml:"path" env:"CHATRAIL_CACHE_PATH"`
}

// EngineSettings tunes the orchestrator.
type EngineSettings struct {
	ReadGrace time.Duration `yaml:"read_grace" env:"CHATRAIL_READ_GRACE"`
}

// Settings is the full configuration tree.
type Settings struct {
	API    APISettings    `yaml:"api"`
	Push   PushSettings   `yaml:"push"`
	Cache  CacheSettings  `yaml:"cache"`
	Engine EngineSettings `yaml:"engine"`
}

// Default returns the settings used when neither file nor environment says
// otherwise.
func Default() Settings {
	return Settings{
		Push: PushSettings{
			Mode: PushModeWebsocket,
			Redis: redisstream.Settings{
				Addr:     "localhost:6379",
				Group:    "chatrail-widget",
				Consumer: "widget-1",
			},
		},
		Engine: EngineSettings{ReadGrace: 1200 * time.Millisecond},
	}
}

// Load reads the YAML file at path (skipped when empty) and overlays the
// environment on top.
func Load(path string) (Settings, error) {
	s := Default()
	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Settings{}, errors.Wrapf(err, "config: read %s", path)
		}
		if err := unmarshalYAML(data, &s); err != nil {
			return Settings{}, err
		}
	}
	if err := env.Parse(&s); err != nil {
		return Settings{}, errors.Wrap(err, "config: parse environment")
	}
	return s, nil
}

// Validate checks the fields a live session cannot run without.
func (s Settings) Validate() error {
	if strings.TrimSpace(s.API.BaseURL) == "" {
		return errors.New("config: api.base_url is required")
	}
	if strings.TrimSpace(s.API.AgentID) == "" {
		return errors.New("config: api.agent_id is required")
	}
	switch s.Push.Mode {
	case PushModeWebsocket:
		if strings.TrimSpace(s.Push.WebsocketEndpoint) == "" {
			return errors.New("config: push.websocket_endpoint is required in websocket mode")
		}
	case PushModeRedis:
		if strings.TrimSpace(s.Push.Redis.Addr) == "" {
			return errors.New("config: push.redis.addr is required in redis mode")
		}
	case PushModeNone:
	default:
		return errors.Errorf("config: unknown push mode %q", s.Push.Mode)
	}
	return nil
}
