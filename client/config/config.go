package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

var ErrRead = errors.New("unable to read config")

// Config holds all client configuration. Values are read by viper from an
// optional YAML file and CHAT_-prefixed environment variables, with
// sensible defaults for everything.
type Config struct {
	ServerURL    string          `mapstructure:"server_url"`
	LogLevel     string          `mapstructure:"log_level"`
	DefaultRoom  string          `mapstructure:"default_room"`
	IdentityFile string          `mapstructure:"identity_file"`
	Reconnect    ReconnectConfig `mapstructure:"reconnect"`
	History      HistoryConfig   `mapstructure:"history"`
}

// ReconnectConfig bounds the transport retry policy.
type ReconnectConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	Delay       time.Duration `mapstructure:"delay"`
}

// HistoryConfig controls history pagination.
type HistoryConfig struct {
	PageSize int `mapstructure:"page_size"`
}

// Load reads configuration from path (optional) and the environment.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("server_url", "ws://localhost:8888/ws")
	v.SetDefault("log_level", "info")
	v.SetDefault("default_room", "general")
	v.SetDefault("identity_file", "")
	v.SetDefault("reconnect.max_attempts", 5)
	v.SetDefault("reconnect.delay", time.Second)
	v.SetDefault("history.page_size", 20)

	v.SetEnvPrefix("CHAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Join(ErrRead, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Join(ErrRead, err)
	}
	return &cfg, nil
}
