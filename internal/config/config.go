package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Mode string `mapstructure:"mode"`

	GatewayURLs       []string      `mapstructure:"gateway_urls"`
	BackoffBase       time.Duration `mapstructure:"backoff_base"`
	BackoffCap        time.Duration `mapstructure:"backoff_cap"`
	HandshakeTimeout  time.Duration `mapstructure:"handshake_timeout"`
	HeartbeatFallback time.Duration `mapstructure:"heartbeat_fallback"`
	SendQueue         int           `mapstructure:"send_queue"`
	DialLimit         int           `mapstructure:"dial_limit"`
	DialInterval      time.Duration `mapstructure:"dial_interval"`

	AwaitTimeout time.Duration `mapstructure:"await_timeout"`

	DebugAddr string `mapstructure:"debug_addr"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetDefault("mode", "release")
	v.SetDefault("gateway_urls", []string{"wss://gateway.voxkit.dev/ws"})
	v.SetDefault("backoff_base", "300ms")
	v.SetDefault("backoff_cap", "5s")
	v.SetDefault("handshake_timeout", "10s")
	v.SetDefault("heartbeat_fallback", "30s")
	v.SetDefault("send_queue", 32)
	v.SetDefault("dial_limit", 8)
	v.SetDefault("dial_interval", "30s")
	v.SetDefault("await_timeout", "10s")
	v.SetDefault("debug_addr", "")

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("config file not found (%s), using defaults\n", fileName)
	} else {
		fmt.Printf("loaded config: %s\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
