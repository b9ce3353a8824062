// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Definitions   DefinitionsConfig   `yaml:"definitions"`
	Skills        SkillsConfig        `yaml:"skills"`
	Orchestrator  OrchestratorConfig  `yaml:"orchestrator"`
	Store         StoreConfig         `yaml:"store"`
	HITL          HITLConfig          `yaml:"hitl"`
	Idempotency   IdempotencyConfig   `yaml:"idempotency"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	CORS            CORSConfig    `yaml:"cors"`
}

// CORSConfig describes Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// DefinitionsConfig describes where to find sequence definition files.
type DefinitionsConfig struct {
	Directories []string `yaml:"directories"`
}

// SkillsConfig describes the skill execution service.
type SkillsConfig struct {
	BaseURL         string               `yaml:"base_url"`
	TokenEnv        string               `yaml:"token_env"`
	Timeout         time.Duration        `yaml:"timeout"`
	StoreFullOutput bool                 `yaml:"store_full_output"`
	CircuitBreaker  CircuitBreakerConfig `yaml:"circuit_breaker"`
	Retry           RetryConfig          `yaml:"retry"`
}

// CircuitBreakerConfig describes circuit breaker settings per skill.
type CircuitBreakerConfig struct {
	FailureThreshold   int           `yaml:"failure_threshold"`
	SuccessThreshold   int           `yaml:"success_threshold"`
	Timeout            time.Duration `yaml:"timeout"`
	ErrorRateThreshold float64       `yaml:"error_rate_threshold"`
	ErrorRateWindow    time.Duration `yaml:"error_rate_window"`
}

// RetryConfig describes retry settings for skill calls.
type RetryConfig struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	BackoffInitial    time.Duration `yaml:"backoff_initial"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	BackoffMax        time.Duration `yaml:"backoff_max"`
}

// OrchestratorConfig describes run-level execution settings.
type OrchestratorConfig struct {
	DryRun      bool          `yaml:"dry_run"`
	MaxParallel int           `yaml:"max_parallel"`
	TokenBudget int           `yaml:"token_budget"`
	TimeBudget  time.Duration `yaml:"time_budget"`
}

// StoreConfig describes execution and approval persistence.
type StoreConfig struct {
	Driver          string        `yaml:"driver"`
	DSNEnv          string        `yaml:"dsn_env"`
	SQLitePath      string        `yaml:"sqlite_path"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	AutoMigrate     bool          `yaml:"auto_migrate"`
}

// HITLConfig describes approval gate settings.
type HITLConfig struct {
	DefaultTimeoutMinutes int            `yaml:"default_timeout_minutes"`
	PollInterval          time.Duration  `yaml:"poll_interval"`
	SweepInterval         time.Duration  `yaml:"sweep_interval"`
	Slack                 SlackConfig    `yaml:"slack"`
	Telegram              TelegramConfig `yaml:"telegram"`
	Discord               DiscordConfig  `yaml:"discord"`
	Bus                   BusConfig      `yaml:"bus"`
}

// SlackConfig describes the Slack approval channel.
type SlackConfig struct {
	Enabled          bool   `yaml:"enabled"`
	TokenEnv         string `yaml:"token_env"`
	SigningSecretEnv string `yaml:"signing_secret_env"`
	DefaultChannelID string `yaml:"default_channel_id"`
}

// TelegramConfig describes the Telegram approval channel.
type TelegramConfig struct {
	Enabled  bool   `yaml:"enabled"`
	TokenEnv string `yaml:"token_env"`
	ChatID   int64  `yaml:"chat_id"`
}

// DiscordConfig describes the Discord approval channel.
type DiscordConfig struct {
	Enabled   bool   `yaml:"enabled"`
	TokenEnv  string `yaml:"token_env"`
	ChannelID string `yaml:"channel_id"`
}

// BusConfig describes the cross-instance decision bus.
type BusConfig struct {
	Driver  string `yaml:"driver"`
	AddrEnv string `yaml:"addr_env"`
	DB      int    `yaml:"db"`
	Channel string `yaml:"channel"`
}

// IdempotencyConfig describes execution trigger deduplication.
type IdempotencyConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Driver     string        `yaml:"driver"`
	AddrEnv    string        `yaml:"addr_env"`
	DB         int           `yaml:"db"`
	DefaultTTL time.Duration `yaml:"default_ttl"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel string        `yaml:"log_level"`
	Tracing  TracingConfig `yaml:"tracing"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			HandlerTimeout:  25 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			CORS: CORSConfig{
				AllowedMethods: []string{"GET", "POST", "OPTIONS"},
				AllowedHeaders: []string{"Content-Type", "X-Organization-Id", "X-User-Id",
					"X-Correlation-Id", "X-Idempotency-Key"},
				MaxAge: 86400,
			},
		},
		Definitions: DefinitionsConfig{
			Directories: []string{"/sequences"},
		},
		Skills: SkillsConfig{
			TokenEnv: "SEQUENCER_SKILLS_TOKEN",
			Timeout:  60 * time.Second,
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold: 5,
				SuccessThreshold: 2,
				Timeout:          30 * time.Second,
			},
			Retry: RetryConfig{
				MaxAttempts:       3,
				BackoffInitial:    200 * time.Millisecond,
				BackoffMultiplier: 2,
				BackoffMax:        5 * time.Second,
			},
		},
		Orchestrator: OrchestratorConfig{
			MaxParallel: 8,
		},
		Store: StoreConfig{
			Driver:          "memory",
			DSNEnv:          "SEQUENCER_DATABASE_URL",
			SQLitePath:      "sequencer.db",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			AutoMigrate:     true,
		},
		HITL: HITLConfig{
			DefaultTimeoutMinutes: 60,
			PollInterval:          5 * time.Second,
			SweepInterval:         30 * time.Second,
			Slack: SlackConfig{
				TokenEnv:         "SLACK_BOT_TOKEN",
				SigningSecretEnv: "SLACK_SIGNING_SECRET",
			},
			Telegram: TelegramConfig{TokenEnv: "TELEGRAM_BOT_TOKEN"},
			Discord:  DiscordConfig{TokenEnv: "DISCORD_BOT_TOKEN"},
			Bus: BusConfig{
				Driver:  "none",
				AddrEnv: "SEQUENCER_REDIS_ADDR",
				Channel: "sequencer:hitl:decisions",
			},
		},
		Idempotency: IdempotencyConfig{
			Driver:     "memory",
			AddrEnv:    "SEQUENCER_REDIS_ADDR",
			DefaultTTL: 24 * time.Hour,
		},
		Observability: ObservabilityConfig{
			LogLevel: "info",
			Tracing: TracingConfig{
				Exporter:     "otlp",
				SamplingRate: 0.1,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

// Load reads a YAML config file, applies environment variable overrides,
// and validates required fields.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required fields are present and valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if len(c.Definitions.Directories) == 0 {
		errs = append(errs, "definitions.directories must not be empty")
	}
	if c.Skills.Timeout <= 0 {
		errs = append(errs, "skills.timeout must be positive")
	}
	if c.Orchestrator.MaxParallel < 1 {
		errs = append(errs, "orchestrator.max_parallel must be at least 1")
	}
	if c.Orchestrator.TokenBudget < 0 {
		errs = append(errs, "orchestrator.token_budget must not be negative")
	}

	switch c.Store.Driver {
	case "memory":
	case "postgres":
		if c.Store.DSNEnv == "" {
			errs = append(errs, "store.dsn_env is required for the postgres driver")
		}
	case "sqlite":
		if c.Store.SQLitePath == "" {
			errs = append(errs, "store.sqlite_path is required for the sqlite driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q is not one of memory, postgres, sqlite", c.Store.Driver))
	}

	if c.HITL.DefaultTimeoutMinutes < 1 {
		errs = append(errs, "hitl.default_timeout_minutes must be at least 1")
	}
	if c.HITL.PollInterval <= 0 {
		errs = append(errs, "hitl.poll_interval must be positive")
	}
	if c.HITL.Telegram.Enabled && c.HITL.Telegram.ChatID == 0 {
		errs = append(errs, "hitl.telegram.chat_id is required when telegram is enabled")
	}
	if c.HITL.Discord.Enabled && c.HITL.Discord.ChannelID == "" {
		errs = append(errs, "hitl.discord.channel_id is required when discord is enabled")
	}
	switch c.HITL.Bus.Driver {
	case "", "none", "redis":
	default:
		errs = append(errs, fmt.Sprintf("hitl.bus.driver %q is not one of none, redis", c.HITL.Bus.Driver))
	}

	if c.Idempotency.Enabled {
		switch c.Idempotency.Driver {
		case "memory", "redis":
		default:
			errs = append(errs, fmt.Sprintf("idempotency.driver %q is not one of memory, redis", c.Idempotency.Driver))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// applyEnvOverrides reads SEQUENCER_* environment variables and overrides
// config values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SEQUENCER_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("SEQUENCER_SKILLS_BASE_URL"); v != "" {
		cfg.Skills.BaseURL = v
	}
	if v := os.Getenv("SEQUENCER_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("SEQUENCER_ORCHESTRATOR_DRY_RUN"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Orchestrator.DryRun = b
		}
	}
	if v := os.Getenv("SEQUENCER_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
	if v := os.Getenv("SEQUENCER_DEFINITIONS_DIRECTORIES"); v != "" {
		cfg.Definitions.Directories = strings.Split(v, ",")
	}
}
