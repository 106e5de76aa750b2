package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Poller     PollerConfig     `yaml:"poller" mapstructure:"poller"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the run store.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// ServerConfig configures the HTTP server and its ingestion routes.
type ServerConfig struct {
	Port                int      `yaml:"port" mapstructure:"port"`
	WebhookSecret       string   `yaml:"webhook_secret" mapstructure:"webhook_secret"`
	CORSOrigins         []string `yaml:"cors_origins" mapstructure:"cors_origins"`
	IngestRatePerSec    float64  `yaml:"ingest_rate_per_sec" mapstructure:"ingest_rate_per_sec"`
	IngestBurst         int      `yaml:"ingest_burst" mapstructure:"ingest_burst"`
	ShutdownTimeoutSecs int      `yaml:"shutdown_timeout_secs" mapstructure:"shutdown_timeout_secs"`
}

// PollerConfig configures the status poller used by the watch command.
type PollerConfig struct {
	BaseURL            string `yaml:"base_url" mapstructure:"base_url"`
	InitialDelayMs     int    `yaml:"initial_delay_ms" mapstructure:"initial_delay_ms"`
	IntervalMs         int    `yaml:"interval_ms" mapstructure:"interval_ms"`
	NotFoundRetries    int    `yaml:"not_found_retries" mapstructure:"not_found_retries"`
	NotFoundDelayMs    int    `yaml:"not_found_delay_ms" mapstructure:"not_found_delay_ms"`
	MaxRetries         int    `yaml:"max_retries" mapstructure:"max_retries"`
	BackoffBaseMs      int    `yaml:"backoff_base_ms" mapstructure:"backoff_base_ms"`
	MaxRuntimeMins     int    `yaml:"max_runtime_mins" mapstructure:"max_runtime_mins"`
	StaleThreshold     int    `yaml:"stale_threshold" mapstructure:"stale_threshold"`
	RequestTimeoutSecs int    `yaml:"request_timeout_secs" mapstructure:"request_timeout_secs"`
}

// Durations converts the millisecond and minute settings.
func (p PollerConfig) Durations() (initial, interval, notFound, backoff, maxRuntime time.Duration) {
	return time.Duration(p.InitialDelayMs) * time.Millisecond,
		time.Duration(p.IntervalMs) * time.Millisecond,
		time.Duration(p.NotFoundDelayMs) * time.Millisecond,
		time.Duration(p.BackoffBaseMs) * time.Millisecond,
		time.Duration(p.MaxRuntimeMins) * time.Minute
}

// MonitoringConfig configures the stalled-run checker.
type MonitoringConfig struct {
	CheckIntervalSecs int `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	StallAfterMins    int `yaml:"stall_after_mins" mapstructure:"stall_after_mins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("RUNSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("server.webhook_secret", "RUNSYNC_SERVER_WEBHOOK_SECRET", "WEBHOOK_SECRET"); err != nil {
		return nil, eris.Wrap(err, "config: bind webhook secret")
	}

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.ingest_rate_per_sec", 50)
	v.SetDefault("server.ingest_burst", 100)
	v.SetDefault("server.shutdown_timeout_secs", 15)
	v.SetDefault("poller.base_url", "http://localhost:8080")
	v.SetDefault("poller.initial_delay_ms", 2000)
	v.SetDefault("poller.interval_ms", 5000)
	v.SetDefault("poller.not_found_retries", 5)
	v.SetDefault("poller.not_found_delay_ms", 1000)
	v.SetDefault("poller.max_retries", 3)
	v.SetDefault("poller.backoff_base_ms", 5000)
	v.SetDefault("poller.max_runtime_mins", 35)
	v.SetDefault("poller.stale_threshold", 12)
	v.SetDefault("poller.request_timeout_secs", 15)
	v.SetDefault("monitoring.check_interval_secs", 60)
	v.SetDefault("monitoring.stall_after_mins", 10)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings a command needs. mode is one of "serve",
// "store" or "watch".
func (c *Config) Validate(mode string) error {
	var problems []string

	needStore := mode == "serve" || mode == "store"
	if needStore {
		switch c.Store.Driver {
		case "postgres":
			if c.Store.DatabaseURL == "" {
				problems = append(problems, "store.database_url is required for the postgres driver")
			}
		case "sqlite":
			if c.Store.DatabaseURL == "" {
				problems = append(problems, "store.database_url is required (sqlite file path)")
			}
		default:
			problems = append(problems, "store.driver must be postgres or sqlite")
		}
	}

	switch mode {
	case "serve":
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			problems = append(problems, "server.port must be between 1 and 65535")
		}
		if c.Server.WebhookSecret == "" {
			zap.L().Warn("server.webhook_secret is empty; ingestion requests will be rejected")
		}
	case "watch":
		if c.Poller.BaseURL == "" {
			problems = append(problems, "poller.base_url is required")
		}
		if c.Poller.IntervalMs <= 0 {
			problems = append(problems, "poller.interval_ms must be positive")
		}
	}

	if len(problems) > 0 {
		return eris.Errorf("config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
