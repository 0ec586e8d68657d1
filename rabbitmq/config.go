package rabbitmq

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog"
)

// EnvPrefix prefixes every environment variable read by LoadConfigFromEnv
const EnvPrefix = "RABBIT_"

// Config holds the connection settings that can come from the environment
// or a TOML file. Apply it to a factory with WithConfig.
type Config struct {
	Host              string        `env:"HOST"`
	Port              int           `env:"PORT"`
	VHost             string        `env:"VHOST"`
	Username          string        `env:"USERNAME"`
	Password          string        `env:"PASSWORD"`
	ConnectionTimeout time.Duration `env:"CONNECTION_TIMEOUT"`
	RpcTimeout        time.Duration `env:"RPC_TIMEOUT"`
	PollInterval      time.Duration `env:"POLL_INTERVAL"`
	ChannelMax        uint16        `env:"CHANNEL_MAX"`
	FrameMax          uint32        `env:"FRAME_MAX"`
	LogLevel          string        `env:"LOG_LEVEL"`
}

// DefaultConfig returns the defaults used by NewConnectionFactory
func DefaultConfig() Config {
	return Config{
		Host:              "localhost",
		Port:              5672,
		VHost:             "/",
		Username:          "guest",
		Password:          "guest",
		ConnectionTimeout: 60 * time.Second,
		RpcTimeout:        DefaultRpcTimeout,
		PollInterval:      DefaultPollInterval,
		LogLevel:          "info",
	}
}

// LoadConfigFromEnv overlays RABBIT_* environment variables on the defaults
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()
	if err := parseEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func parseEnv(cfg *Config) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

type fileConfig struct {
	Host              string `toml:"host"`
	Port              int    `toml:"port"`
	VHost             string `toml:"vhost"`
	Username          string `toml:"username"`
	Password          string `toml:"password"`
	ConnectionTimeout string `toml:"connection_timeout"`
	RpcTimeout        string `toml:"rpc_timeout"`
	PollInterval      string `toml:"poll_interval"`
	ChannelMax        int    `toml:"channel_max"`
	FrameMax          int64  `toml:"frame_max"`
	LogLevel          string `toml:"log_level"`
}

// LoadConfigFile reads a TOML file over the defaults. Keys missing from the
// file keep their default; unknown keys are an error.
func LoadConfigFile(path string) (Config, error) {
	cfg := DefaultConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("load config %s: unknown keys %v", path, undecoded)
	}

	if meta.IsDefined("host") {
		cfg.Host = strings.TrimSpace(raw.Host)
	}
	if meta.IsDefined("port") {
		cfg.Port = raw.Port
	}
	if meta.IsDefined("vhost") {
		cfg.VHost = raw.VHost
	}
	if meta.IsDefined("username") {
		cfg.Username = raw.Username
	}
	if meta.IsDefined("password") {
		cfg.Password = raw.Password
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	if meta.IsDefined("channel_max") {
		if raw.ChannelMax < 0 || raw.ChannelMax > 65535 {
			return Config{}, fmt.Errorf("channel_max out of range: %d", raw.ChannelMax)
		}
		cfg.ChannelMax = uint16(raw.ChannelMax)
	}
	if meta.IsDefined("frame_max") {
		if raw.FrameMax < 0 || raw.FrameMax > 1<<32-1 {
			return Config{}, fmt.Errorf("frame_max out of range: %d", raw.FrameMax)
		}
		cfg.FrameMax = uint32(raw.FrameMax)
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"connection_timeout", raw.ConnectionTimeout, &cfg.ConnectionTimeout},
		{"rpc_timeout", raw.RpcTimeout, &cfg.RpcTimeout},
		{"poll_interval", raw.PollInterval, &cfg.PollInterval},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", d.key, err)
		}
		*d.dst = v
	}

	return cfg, nil
}

// LoadConfig reads path when it is not empty, then applies RABBIT_*
// environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		var err error
		if cfg, err = LoadConfigFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := parseEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Level returns the configured zerolog level, defaulting to info
func (c Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(c.LogLevel)))
	if err != nil || c.LogLevel == "" {
		return zerolog.InfoLevel
	}
	return lvl
}
