package config

import (
	"os"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/market-pulse/internal/cost"
	"github.com/sells-group/market-pulse/internal/model"
	"github.com/sells-group/market-pulse/internal/resilience"
)

// Config is the top-level application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Providers  ProvidersConfig  `yaml:"providers" mapstructure:"providers"`
	Refresh    RefreshConfig    `yaml:"refresh" mapstructure:"refresh"`
	Enrichment EnrichmentConfig `yaml:"enrichment" mapstructure:"enrichment"`
	Scheduler  SchedulerConfig  `yaml:"scheduler" mapstructure:"scheduler"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	Redis      RedisConfig      `yaml:"redis" mapstructure:"redis"`
	Pricing    cost.Rates       `yaml:"pricing" mapstructure:"pricing"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
}

// StoreConfig configures the persistence layer.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// ProvidersConfig configures the content providers and the order in which
// their copies of a duplicate item win.
type ProvidersConfig struct {
	Priority        []string       `yaml:"priority" mapstructure:"priority"`
	Finnhub         ProviderConfig `yaml:"finnhub" mapstructure:"finnhub"`
	FinnhubEarnings ProviderConfig `yaml:"finnhub_earnings" mapstructure:"finnhub_earnings"`
	AlphaVantage    ProviderConfig `yaml:"alphavantage" mapstructure:"alphavantage"`
	Marketaux       ProviderConfig `yaml:"marketaux" mapstructure:"marketaux"`
	RSS             RSSConfig      `yaml:"rss" mapstructure:"rss"`
	Social          SocialConfig   `yaml:"social" mapstructure:"social"`
}

// ProviderConfig configures one API-backed provider. A zero WindowLimit
// leaves the provider unmetered.
type ProviderConfig struct {
	Enabled        bool    `yaml:"enabled" mapstructure:"enabled"`
	Key            string  `yaml:"key" mapstructure:"key"`
	BaseURL        string  `yaml:"base_url" mapstructure:"base_url"`
	WindowLimit    int     `yaml:"window_limit" mapstructure:"window_limit"`
	WindowSecs     int     `yaml:"window_secs" mapstructure:"window_secs"`
	CallsPerEntity int     `yaml:"calls_per_entity" mapstructure:"calls_per_entity"`
	RPS            float64 `yaml:"rps" mapstructure:"rps"`
	Burst          int     `yaml:"burst" mapstructure:"burst"`
	TimeoutSecs    int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// Window returns the quota window as a duration.
func (p ProviderConfig) Window() time.Duration {
	return time.Duration(p.WindowSecs) * time.Second
}

// RSSConfig configures syndication feeds. Each feed registers as its own
// provider; a URL containing {entity} is fetched once per entity.
type RSSConfig struct {
	Enabled     bool         `yaml:"enabled" mapstructure:"enabled"`
	Feeds       []FeedConfig `yaml:"feeds" mapstructure:"feeds"`
	RPS         float64      `yaml:"rps" mapstructure:"rps"`
	Burst       int          `yaml:"burst" mapstructure:"burst"`
	TimeoutSecs int          `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// SocialConfig configures the social timeline gateway. Key is optional and
// sent as a bearer token. An empty Accounts list follows the built-in
// curated list.
type SocialConfig struct {
	ProviderConfig `yaml:",inline" mapstructure:",squash"`
	Accounts       []string `yaml:"accounts" mapstructure:"accounts"`
	PerAccount     int      `yaml:"per_account" mapstructure:"per_account"`
}

// FeedConfig names one RSS or Atom feed.
type FeedConfig struct {
	Name string `yaml:"name" mapstructure:"name"`
	URL  string `yaml:"url" mapstructure:"url"`
}

// RefreshConfig configures the chunked refresh over the entity universe.
type RefreshConfig struct {
	Group               string   `yaml:"group" mapstructure:"group"`
	Entities            []string `yaml:"entities" mapstructure:"entities"`
	UniverseFile        string   `yaml:"universe_file" mapstructure:"universe_file"`
	MaxChunk            int      `yaml:"max_chunk" mapstructure:"max_chunk"`
	LookbackHours       int      `yaml:"lookback_hours" mapstructure:"lookback_hours"`
	FetchLimit          int      `yaml:"fetch_limit" mapstructure:"fetch_limit"`
	PendingBatch        int      `yaml:"pending_batch" mapstructure:"pending_batch"`
	EarningsHorizonDays int      `yaml:"earnings_horizon_days" mapstructure:"earnings_horizon_days"`
}

// EnrichmentConfig configures annotation.
type EnrichmentConfig struct {
	RelevanceThreshold float64     `yaml:"relevance_threshold" mapstructure:"relevance_threshold"`
	Concurrency        int         `yaml:"concurrency" mapstructure:"concurrency"`
	CacheSize          int         `yaml:"cache_size" mapstructure:"cache_size"`
	BodyChars          int         `yaml:"body_chars" mapstructure:"body_chars"`
	Retry              RetryConfig `yaml:"retry" mapstructure:"retry"`
}

// RetryConfig configures oracle retries.
type RetryConfig struct {
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier"`
	Jitter           float64 `yaml:"jitter" mapstructure:"jitter"`
}

// Resilience converts the settings into a retry policy.
func (r RetryConfig) Resilience() resilience.RetryConfig {
	return resilience.FromSettings(r.MaxAttempts, r.InitialBackoffMs, r.MaxBackoffMs, r.Multiplier, r.Jitter)
}

// SchedulerConfig configures periodic refresh. Cron wins over IntervalMins
// when both are set.
type SchedulerConfig struct {
	IntervalMins int    `yaml:"interval_mins" mapstructure:"interval_mins"`
	Cron         string `yaml:"cron" mapstructure:"cron"`
	RunOnStart   bool   `yaml:"run_on_start" mapstructure:"run_on_start"`
}

// AnthropicConfig configures the Claude annotator.
type AnthropicConfig struct {
	Key       string `yaml:"key" mapstructure:"key"`
	BaseURL   string `yaml:"base_url" mapstructure:"base_url"`
	Model     string `yaml:"model" mapstructure:"model"`
	MaxTokens int64  `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// RedisConfig configures the shared annotation cache tier. Empty Addr
// disables it.
type RedisConfig struct {
	Addr      string `yaml:"addr" mapstructure:"addr"`
	Password  string `yaml:"password" mapstructure:"password"`
	DB        int    `yaml:"db" mapstructure:"db"`
	KeyPrefix string `yaml:"key_prefix" mapstructure:"key_prefix"`
	TTLHours  int    `yaml:"ttl_hours" mapstructure:"ttl_hours"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// LogConfig configures logging. A non-empty File tees output into a
// rotating log file.
type LogConfig struct {
	Level      string `yaml:"level" mapstructure:"level"`
	Format     string `yaml:"format" mapstructure:"format"`
	File       string `yaml:"file" mapstructure:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" mapstructure:"max_age_days"`
}

// MonitoringConfig configures health checks and alerting.
type MonitoringConfig struct {
	Enabled              bool    `yaml:"enabled" mapstructure:"enabled"`
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours  int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	PendingThreshold     int     `yaml:"pending_threshold" mapstructure:"pending_threshold"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("PULSE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

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

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "market-pulse.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)

	v.SetDefault("providers.priority", []string{"finnhub", "marketaux", "alphavantage", "finnhub-earnings", "rss", "social"})
	v.SetDefault("providers.finnhub.enabled", true)
	v.SetDefault("providers.finnhub.key", "")
	v.SetDefault("providers.finnhub.base_url", "https://finnhub.io/api/v1")
	v.SetDefault("providers.finnhub.window_limit", 60)
	v.SetDefault("providers.finnhub.window_secs", 60)
	v.SetDefault("providers.finnhub.calls_per_entity", 1)
	v.SetDefault("providers.finnhub.rps", 1.0)
	v.SetDefault("providers.finnhub.burst", 5)
	v.SetDefault("providers.finnhub.timeout_secs", 15)
	v.SetDefault("providers.finnhub_earnings.enabled", false)
	v.SetDefault("providers.finnhub_earnings.key", "")
	v.SetDefault("providers.finnhub_earnings.base_url", "https://finnhub.io/api/v1")
	v.SetDefault("providers.finnhub_earnings.window_limit", 30)
	v.SetDefault("providers.finnhub_earnings.window_secs", 60)
	v.SetDefault("providers.finnhub_earnings.calls_per_entity", 1)
	v.SetDefault("providers.finnhub_earnings.rps", 0.5)
	v.SetDefault("providers.finnhub_earnings.burst", 2)
	v.SetDefault("providers.finnhub_earnings.timeout_secs", 15)
	v.SetDefault("providers.alphavantage.enabled", false)
	v.SetDefault("providers.alphavantage.key", "")
	v.SetDefault("providers.alphavantage.base_url", "https://www.alphavantage.co/query")
	v.SetDefault("providers.alphavantage.window_limit", 25)
	v.SetDefault("providers.alphavantage.window_secs", 86400)
	v.SetDefault("providers.alphavantage.calls_per_entity", 1)
	v.SetDefault("providers.alphavantage.rps", 0.2)
	v.SetDefault("providers.alphavantage.burst", 1)
	v.SetDefault("providers.alphavantage.timeout_secs", 30)
	v.SetDefault("providers.marketaux.enabled", false)
	v.SetDefault("providers.marketaux.key", "")
	v.SetDefault("providers.marketaux.base_url", "https://api.marketaux.com")
	v.SetDefault("providers.marketaux.window_limit", 100)
	v.SetDefault("providers.marketaux.window_secs", 86400)
	v.SetDefault("providers.marketaux.calls_per_entity", 1)
	v.SetDefault("providers.marketaux.rps", 0.5)
	v.SetDefault("providers.marketaux.burst", 2)
	v.SetDefault("providers.marketaux.timeout_secs", 20)
	v.SetDefault("providers.social.enabled", false)
	v.SetDefault("providers.social.key", "")
	v.SetDefault("providers.social.base_url", "")
	v.SetDefault("providers.social.window_limit", 60)
	v.SetDefault("providers.social.window_secs", 900)
	v.SetDefault("providers.social.calls_per_entity", 1)
	v.SetDefault("providers.social.rps", 1.0)
	v.SetDefault("providers.social.burst", 2)
	v.SetDefault("providers.social.timeout_secs", 20)
	v.SetDefault("providers.social.accounts", []string{})
	v.SetDefault("providers.social.per_account", 10)
	v.SetDefault("providers.rss.enabled", false)
	v.SetDefault("providers.rss.rps", 2.0)
	v.SetDefault("providers.rss.burst", 4)
	v.SetDefault("providers.rss.timeout_secs", 20)

	v.SetDefault("refresh.group", "default")
	v.SetDefault("refresh.entities", []string{})
	v.SetDefault("refresh.universe_file", "")
	v.SetDefault("refresh.max_chunk", 25)
	v.SetDefault("refresh.lookback_hours", 48)
	v.SetDefault("refresh.fetch_limit", 50)
	v.SetDefault("refresh.pending_batch", 50)
	v.SetDefault("refresh.earnings_horizon_days", 90)

	v.SetDefault("enrichment.relevance_threshold", 0.5)
	v.SetDefault("enrichment.concurrency", 4)
	v.SetDefault("enrichment.cache_size", 4096)
	v.SetDefault("enrichment.body_chars", 4000)
	v.SetDefault("enrichment.retry.max_attempts", 3)
	v.SetDefault("enrichment.retry.initial_backoff_ms", 500)
	v.SetDefault("enrichment.retry.max_backoff_ms", 10000)
	v.SetDefault("enrichment.retry.multiplier", 2.0)
	v.SetDefault("enrichment.retry.jitter", 0.25)

	v.SetDefault("scheduler.interval_mins", 240)
	v.SetDefault("scheduler.cron", "")
	v.SetDefault("scheduler.run_on_start", true)

	v.SetDefault("anthropic.key", "")
	v.SetDefault("anthropic.base_url", "")
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_tokens", 1024)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "pulse:ann:")
	v.SetDefault("redis.ttl_hours", 168)

	for name, r := range cost.DefaultRates().Anthropic {
		prefix := "pricing.anthropic." + name + "."
		v.SetDefault(prefix+"input", r.Input)
		v.SetDefault(prefix+"output", r.Output)
		v.SetDefault(prefix+"cache_write_mul", r.CacheWriteMul)
		v.SetDefault(prefix+"cache_read_mul", r.CacheReadMul)
	}

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 30)

	v.SetDefault("monitoring.enabled", false)
	v.SetDefault("monitoring.webhook_url", "")
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.failure_rate_threshold", 0.5)
	v.SetDefault("monitoring.pending_threshold", 500)
}

// Validate checks that the settings required by mode are present. Modes
// are "refresh" and "serve"; any other mode only needs the store.
func (c *Config) Validate(mode string) error {
	var problems []string
	require := func(ok bool, msg string) {
		if !ok {
			problems = append(problems, msg)
		}
	}

	require(c.Store.Driver == "sqlite" || c.Store.Driver == "postgres", "store.driver must be sqlite or postgres")
	require(c.Store.DatabaseURL != "", "store.database_url is required")

	if mode == "refresh" || mode == "serve" {
		require(c.Anthropic.Key != "", "anthropic.key is required")
		require(c.Refresh.MaxChunk > 0, "refresh.max_chunk must be positive")
		require(c.Refresh.LookbackHours > 0, "refresh.lookback_hours must be positive")
		require(c.Enrichment.RelevanceThreshold >= 0 && c.Enrichment.RelevanceThreshold <= 1,
			"enrichment.relevance_threshold must be within [0, 1]")
		require(len(c.Refresh.Entities) > 0 || c.Refresh.UniverseFile != "",
			"refresh.entities or refresh.universe_file is required")

		keyed := map[string]ProviderConfig{
			"finnhub":          c.Providers.Finnhub,
			"finnhub_earnings": c.Providers.FinnhubEarnings,
			"alphavantage":     c.Providers.AlphaVantage,
			"marketaux":        c.Providers.Marketaux,
		}
		enabled := 0
		for name, p := range keyed {
			if !p.Enabled {
				continue
			}
			enabled++
			require(p.Key != "", "providers."+name+".key is required")
			require(p.WindowLimit == 0 || p.WindowSecs > 0, "providers."+name+".window_secs must be positive")
		}
		if p := c.Providers.Social; p.Enabled {
			enabled++
			require(p.BaseURL != "", "providers.social.base_url is required")
			require(p.WindowLimit == 0 || p.WindowSecs > 0, "providers.social.window_secs must be positive")
		}
		if c.Providers.RSS.Enabled {
			enabled += len(c.Providers.RSS.Feeds)
			for _, f := range c.Providers.RSS.Feeds {
				require(f.Name != "" && f.URL != "", "providers.rss.feeds entries need a name and url")
			}
		}
		require(enabled > 0, "at least one provider must be enabled")
	}

	if mode == "serve" {
		require(c.Server.Port > 0 && c.Server.Port < 65536, "server.port must be between 1 and 65535")
	}

	if len(problems) > 0 {
		return eris.Errorf("config: invalid for %s: %s", mode, strings.Join(problems, "; "))
	}
	return nil
}

// Universe returns the configured entities merged with the universe file,
// normalized, de-duplicated and sorted.
func (c *Config) Universe() ([]string, error) {
	var fromFile []string
	if c.Refresh.UniverseFile != "" {
		var err error
		if fromFile, err = LoadUniverse(c.Refresh.UniverseFile); err != nil {
			return nil, err
		}
	}
	return model.UnionEntities(c.Refresh.Entities, fromFile), nil
}

type universeFile struct {
	Entities []string `yaml:"entities"`
}

// LoadUniverse reads an entity list from a YAML file with a top-level
// entities key.
func LoadUniverse(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "config: read universe %s", path)
	}
	var u universeFile
	if err := yaml.Unmarshal(data, &u); err != nil {
		return nil, eris.Wrapf(err, "config: parse universe %s", path)
	}
	return u.Entities, nil
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

	if cfg.File != "" {
		rotator := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
		}
		fileCore := zapcore.NewCore(
			zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
			zapcore.AddSync(rotator),
			zapCfg.Level,
		)
		logger = zap.New(zapcore.NewTee(logger.Core(), fileCore), zap.AddCaller())
	}

	zap.ReplaceGlobals(logger)

	return nil
}
