package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Mode   string `mapstructure:"mode"`
	Port   int    `mapstructure:"port"`
	Secret string `mapstructure:"secret"`

	// Server side.
	ReadLimit            int64         `mapstructure:"read_limit"`
	MatchInterval        time.Duration `mapstructure:"match_interval"`
	EstimatedWaitSeconds int           `mapstructure:"estimated_wait_seconds"`
	ChatRateLimit        int           `mapstructure:"chat_rate_limit"`
	ChatRateInterval     time.Duration `mapstructure:"chat_rate_interval"`
	TokenTTL             time.Duration `mapstructure:"token_ttl"`

	// Client side.
	APIURL               string        `mapstructure:"api_url"`
	WSURL                string        `mapstructure:"ws_url"`
	STUNServers          []string      `mapstructure:"stun_servers"`
	KeepAlivePeriod      time.Duration `mapstructure:"keepalive_period"`
	ReconnectDelay       time.Duration `mapstructure:"reconnect_delay"`
	ICEFailTimeout       time.Duration `mapstructure:"ice_fail_timeout"`
	ICEDisconnectTimeout time.Duration `mapstructure:"ice_disconnect_timeout"`
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

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("⚠️ Config file not found (%s), using defaults\n", fileName)
	} else {
		fmt.Printf("✅ Loaded config: %s\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8000)
	v.SetDefault("secret", "dev-secret-change-me")

	v.SetDefault("read_limit", 65536)
	v.SetDefault("match_interval", "2s")
	v.SetDefault("estimated_wait_seconds", 20)
	v.SetDefault("chat_rate_limit", 20)
	v.SetDefault("chat_rate_interval", "10s")
	v.SetDefault("token_ttl", "168h")

	v.SetDefault("api_url", "http://localhost:8000")
	v.SetDefault("ws_url", "ws://localhost:8000")
	v.SetDefault("stun_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("keepalive_period", "30s")
	v.SetDefault("reconnect_delay", "3s")
	v.SetDefault("ice_fail_timeout", "5s")
	v.SetDefault("ice_disconnect_timeout", "10s")
}
