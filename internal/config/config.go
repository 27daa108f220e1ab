package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Environment string
	Host        string `toml:"host"`
	Port        int    `toml:"port"`

	// logging
	LogLevel    string `toml:"log_level"`
	LogsPath    string `toml:"logs_path"`
	LogToStdout bool   `toml:"log_to_stdout"`

	SentryEnabled           bool `toml:"sentry_enabled"`
	HoneycombTracingEnabled bool `toml:"honeycomb_tracing_enabled"`

	// postgres
	PostgresHost     string `toml:"postgres_host"`
	PostgresPort     string `toml:"postgres_port"`
	PostgresDBName   string `toml:"postgres_db_name"`
	PostgresUser     string `toml:"postgres_user"`
	PostgresMaxConns int    `toml:"postgres_max_conns"`

	// redis
	RedisHost string `toml:"redis_host"`
	RedisPort string `toml:"redis_port"`

	// sessions
	SessionTTLHours int `toml:"session_ttl_hours"`

	// rate limiting
	LoginRateLimitAllowed       int `toml:"login_rate_limit_allowed"`
	LoginRateLimitWindowMins    int `toml:"login_rate_limit_window_mins"`
	RegisterRateLimitAllowed    int `toml:"register_rate_limit_allowed"`
	RegisterRateLimitWindowMins int `toml:"register_rate_limit_window_mins"`

	// prometheus metrics server
	PrometheusMetricsHost string `toml:"prometheus_metrics_host"`
	PrometheusMetricsPort string `toml:"prometheus_metrics_port"`
}

func (c *Config) IsProduction() bool {
	return strings.ToLower(c.Environment) == "production"
}

func (c *Config) SessionTTL() time.Duration {
	if c.SessionTTLHours <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(c.SessionTTLHours) * time.Hour
}

type Toml struct {
	Development *Config
	Production  *Config
}

func (t *Toml) Get(env string) (*Config, error) {
	switch strings.ToLower(env) {
	case "dev", "development":
		return t.Development, nil
	case "prod", "production":
		return t.Production, nil
	default:
		return nil, fmt.Errorf("unknown env: %s", env)
	}
}

func Load(env, path string) (*Config, error) {
	var configToml Toml
	if _, err := toml.DecodeFile(path, &configToml); err != nil {
		return nil, fmt.Errorf("decode config file: %w", err)
	}

	cfg, err := configToml.Get(env)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return nil, fmt.Errorf("config section for env %s missing", env)
	}

	switch strings.ToLower(env) {
	case "prod", "production":
		cfg.Environment = "production"
	default:
		cfg.Environment = "development"
	}

	return cfg, nil
}
