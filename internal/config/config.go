package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Redis      RedisConfig
	Server     ServerConfig
	Engine     EngineConfig
	Settlement SettlementConfig
	Webhook    WebhookConfig
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type EngineConfig struct {
	FlushIntervalSec int64 `mapstructure:"flush_interval_sec"`
}

type SettlementConfig struct {
	URL         string `mapstructure:"url"`
	APIKey      string `mapstructure:"api_key"`
	OperatorKey string `mapstructure:"operator_key"`
	TimeoutSec  int64  `mapstructure:"timeout_sec"`
}

type WebhookConfig struct {
	URL string `mapstructure:"url"`
}

func Load() (*Config, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("redis.addr", "redis:6379")
	v.SetDefault("engine.flush_interval_sec", 60)
	v.SetDefault("settlement.timeout_sec", 30)

	// Config file (optional)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/app")
	_ = v.ReadInConfig()

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit env bindings
	bindings := map[string]string{
		"redis.addr":                "REDIS_ADDR",
		"redis.password":            "REDIS_PASSWORD",
		"server.port":               "PORT",
		"engine.flush_interval_sec": "FLUSH_INTERVAL_SEC",
		"settlement.url":            "SETTLEMENT_URL",
		"settlement.api_key":        "SETTLEMENT_API_KEY",
		"settlement.operator_key":   "OPERATOR_KEY",
		"settlement.timeout_sec":    "SETTLEMENT_TIMEOUT_SEC",
		"webhook.url":               "WEBHOOK_URL",
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	type req struct {
		val  string
		name string
	}
	for _, r := range []req{
		{c.Settlement.URL, "SETTLEMENT_URL"},
		{c.Settlement.OperatorKey, "OPERATOR_KEY"},
	} {
		if r.val == "" {
			return fmt.Errorf("required config missing: %s", r.name)
		}
	}
	if c.Engine.FlushIntervalSec <= 0 {
		return fmt.Errorf("FLUSH_INTERVAL_SEC must be positive")
	}
	return nil
}
