package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
)

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Broker    BrokerConfig
	API       APIConfig
	Auth      AuthConfig
	Worker    WorkerConfig
	Settle    SettleConfig
	Outbox    OutboxConfig
	Operators []OperatorConfig `mapstructure:"operators"`
	Log       LogConfig
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type DatabaseConfig struct {
	URL string `mapstructure:"url"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	// BufferAddr is the settlement-buffer Redis; empty means same as Addr.
	BufferAddr string `mapstructure:"buffer_addr"`
}

type BrokerConfig struct {
	URL string `mapstructure:"url"`
}

type APIConfig struct {
	Prefix string `mapstructure:"prefix"`
}

type AuthConfig struct {
	CacheTTLSec int64 `mapstructure:"cache_ttl_sec"`
}

type WorkerConfig struct {
	ExpressWorkers int `mapstructure:"express_workers"`
	RegularWorkers int `mapstructure:"regular_workers"`
	Prefetch       int `mapstructure:"prefetch"`
}

type SettleConfig struct {
	IntervalMS int64 `mapstructure:"interval_ms"`
	BatchSize  int   `mapstructure:"batch_size"`
}

type OutboxConfig struct {
	PollMS    int64 `mapstructure:"poll_ms"`
	BatchSize int   `mapstructure:"batch_size"`
}

type OperatorConfig struct {
	Name       string `mapstructure:"name"`
	URL        string `mapstructure:"url"`
	Priority   int    `mapstructure:"priority"`
	TimeoutSec int    `mapstructure:"timeout_sec"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

func (a AuthConfig) CacheTTL() time.Duration { return time.Duration(a.CacheTTLSec) * time.Second }

func (s SettleConfig) Interval() time.Duration {
	return time.Duration(s.IntervalMS) * time.Millisecond
}

func (o OutboxConfig) Poll() time.Duration { return time.Duration(o.PollMS) * time.Millisecond }

func (o OperatorConfig) Timeout() time.Duration {
	return time.Duration(o.TimeoutSec) * time.Second
}

func Load() (*Config, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("redis.addr", "redis:6379")
	v.SetDefault("api.prefix", "/api/v1")
	v.SetDefault("auth.cache_ttl_sec", 12*60*60)
	v.SetDefault("worker.express_workers", 8)
	v.SetDefault("worker.regular_workers", 4)
	v.SetDefault("worker.prefetch", 1000)
	v.SetDefault("settle.interval_ms", 2000)
	v.SetDefault("settle.batch_size", 10000)
	v.SetDefault("outbox.poll_ms", 200)
	v.SetDefault("outbox.batch_size", 100)
	v.SetDefault("log.level", "info")
	v.SetDefault("operators", []map[string]any{
		{"name": "operator_1", "url": "http://localhost:9000/send", "priority": 1, "timeout_sec": 5},
		{"name": "operator_2", "url": "http://localhost:9001/send", "priority": 2, "timeout_sec": 5},
		{"name": "operator_3", "url": "http://localhost:9002/send", "priority": 3, "timeout_sec": 5},
	})

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
		"server.port":            "PORT",
		"database.url":           "DATABASE_URL",
		"redis.addr":             "REDIS_ADDR",
		"redis.password":         "REDIS_PASSWORD",
		"redis.buffer_addr":      "BUFFER_REDIS_ADDR",
		"broker.url":             "RABBITMQ_URL",
		"api.prefix":             "API_PREFIX",
		"auth.cache_ttl_sec":     "AUTH_CACHE_TTL_SEC",
		"worker.express_workers": "EXPRESS_WORKERS",
		"worker.regular_workers": "REGULAR_WORKERS",
		"worker.prefetch":        "WORKER_PREFETCH",
		"settle.interval_ms":     "SETTLE_INTERVAL_MS",
		"settle.batch_size":      "SETTLE_BATCH_SIZE",
		"outbox.poll_ms":         "OUTBOX_POLL_MS",
		"outbox.batch_size":      "OUTBOX_BATCH_SIZE",
		"log.level":              "LOG_LEVEL",
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
	if cfg.Redis.BufferAddr == "" {
		cfg.Redis.BufferAddr = cfg.Redis.Addr
	}

	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	type req struct {
		val  string
		name string
	}
	for _, r := range []req{
		{c.Database.URL, "DATABASE_URL"},
		{c.Broker.URL, "RABBITMQ_URL"},
	} {
		if r.val == "" {
			return fmt.Errorf("required config missing: %s", r.name)
		}
	}
	if len(c.Operators) == 0 {
		return fmt.Errorf("at least one operator must be configured")
	}
	for _, op := range c.Operators {
		if op.URL == "" {
			return fmt.Errorf("operator %q: url missing", op.Name)
		}
	}
	return nil
}

// NewLogger builds the process logger at the configured level.
func NewLogger(level string) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if level != "" {
		lvl, err := zap.ParseAtomicLevel(strings.ToLower(level))
		if err != nil {
			return nil, fmt.Errorf("parse log level %q: %w", level, err)
		}
		zc.Level = lvl
	}
	return zc.Build()
}
