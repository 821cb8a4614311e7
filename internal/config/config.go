package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var (
	ErrBadHeartbeat = errors.New("heartbeat_interval must be positive")
	ErrBadWindow    = errors.New("watch_window must be shorter than stale_after")
	ErrBadQueue     = errors.New("send_queue must be positive")
	ErrBadPolicy    = errors.New("backpressure must be kick or drop")
)

type Config struct {
	Mode              string        `mapstructure:"mode"`
	Port              int           `mapstructure:"port"`
	LogLevel          string        `mapstructure:"log_level"`
	ReadLimit         int64         `mapstructure:"read_limit"`
	SendQueue         int           `mapstructure:"send_queue"`
	Backpressure      string        `mapstructure:"backpressure"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	WatchWindow       time.Duration `mapstructure:"watch_window"`
	StaleAfter        time.Duration `mapstructure:"stale_after"`
	RoomTTL           time.Duration `mapstructure:"room_ttl"`
	DefaultRoom       string        `mapstructure:"default_room"`
	Fallback          bool          `mapstructure:"fallback"`
	Secret            string        `mapstructure:"secret"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("log_level", "info")
	v.SetDefault("read_limit", 1<<20)
	v.SetDefault("send_queue", 256)
	v.SetDefault("backpressure", "kick")
	v.SetDefault("heartbeat_interval", "5s")
	v.SetDefault("watch_window", "15s")
	v.SetDefault("stale_after", "30s")
	v.SetDefault("room_ttl", "2m")
	v.SetDefault("default_room", "default")
	v.SetDefault("fallback", true)
	v.SetDefault("secret", "cowrite-dev-secret")
}

// Default returns the built-in configuration without reading any file.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// Load reads config/config.<CONFIG_ENV>.yaml (or path when set), applies
// COWRITE_* environment overrides and then any flags changed on the command
// line. Flag names use dashes for the underscored keys.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	if path == "" {
		env := os.Getenv("CONFIG_ENV")
		if env == "" {
			env = "dev"
		}
		path = fmt.Sprintf("config/config.%s.yaml", env)
	}
	v.SetConfigFile(path)

	v.SetEnvPrefix("COWRITE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if flags != nil {
		for _, key := range []string{"port", "log_level", "mode", "room_ttl", "fallback", "default_room"} {
			if f := flags.Lookup(strings.ReplaceAll(key, "_", "-")); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", key, err)
				}
			}
		}
	}

	if err := v.ReadInConfig(); err != nil {
		fmt.Fprintf(os.Stderr, "config file not found (%s), using defaults\n", path)
	} else {
		fmt.Fprintf(os.Stderr, "loaded config: %s\n", path)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.HeartbeatInterval <= 0 {
		return ErrBadHeartbeat
	}
	if c.WatchWindow >= c.StaleAfter {
		return ErrBadWindow
	}
	if c.SendQueue <= 0 {
		return ErrBadQueue
	}
	if c.Backpressure != "kick" && c.Backpressure != "drop" {
		return ErrBadPolicy
	}
	return nil
}
