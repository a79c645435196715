// Package config provides file/env configuration loading for meshchat.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"meshchat/pkg/protocol"
)

// Config is the root application configuration.
type Config struct {
	// Port is the TCP listening port.
	Port int `mapstructure:"port"`
	// Nickname is announced to peers on connect.
	Nickname string `mapstructure:"nickname"`
	// Bootstrap lists "host:port" peers dialed at startup.
	Bootstrap []string `mapstructure:"bootstrap"`
	// TTL is the hop budget for locally originated chat messages.
	TTL int `mapstructure:"ttl"`
	// LogLevel: debug, info, warn, error.
	LogLevel string `mapstructure:"log_level"`
	// Tor publishes the listener as a hidden service and dials peers
	// through the SOCKS proxy.
	Tor bool `mapstructure:"tor"`
}

// Default returns a Config populated with working defaults.
func Default() *Config {
	return &Config{
		Port:     9000,
		Nickname: defaultNickname(),
		TTL:      3,
		LogLevel: "info",
	}
}

// Load reads configuration from path when non-empty, otherwise searches
// common locations for a meshchat.yaml. Environment variables override
// with the prefix MESHCHAT, e.g. MESHCHAT_LOG_LEVEL=debug.
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("MESHCHAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault("port", cfg.Port)
	v.SetDefault("nickname", cfg.Nickname)
	v.SetDefault("bootstrap", cfg.Bootstrap)
	v.SetDefault("ttl", cfg.TTL)
	v.SetDefault("log_level", cfg.LogLevel)
	v.SetDefault("tor", cfg.Tor)

	if path == "" {
		if envPath := os.Getenv("MESHCHAT_CONFIG"); envPath != "" {
			path = envPath
		}
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("meshchat")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".meshchat"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: read: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("config: invalid port: %d", c.Port)
	}
	if c.TTL < 1 || c.TTL > protocol.MaxTTL {
		return fmt.Errorf("config: ttl must be 1..%d, got %d", protocol.MaxTTL, c.TTL)
	}
	switch strings.ToLower(strings.TrimSpace(c.LogLevel)) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("config: invalid log_level: %q", c.LogLevel)
	}
	if strings.TrimSpace(c.Nickname) == "" {
		c.Nickname = defaultNickname()
	}
	return nil
}

func defaultNickname() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "anonymous"
}
