package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })
	return dir
}

func TestLoadDefaults(t *testing.T) {
	// Change to temp dir so no config.yaml is found
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "market-pulse.db", cfg.Store.DatabaseURL)
	assert.Equal(t, int32(10), cfg.Store.MaxConns)
	assert.Equal(t, []string{"finnhub", "marketaux", "alphavantage", "finnhub-earnings", "rss", "social"}, cfg.Providers.Priority)
	assert.False(t, cfg.Providers.Social.Enabled)
	assert.Equal(t, 10, cfg.Providers.Social.PerAccount)
	assert.Equal(t, 15*time.Minute, cfg.Providers.Social.Window())
	assert.True(t, cfg.Providers.Finnhub.Enabled)
	assert.Equal(t, 60, cfg.Providers.Finnhub.WindowLimit)
	assert.Equal(t, time.Minute, cfg.Providers.Finnhub.Window())
	assert.Equal(t, 25, cfg.Providers.AlphaVantage.WindowLimit)
	assert.Equal(t, 24*time.Hour, cfg.Providers.AlphaVantage.Window())
	assert.Equal(t, "https://api.marketaux.com", cfg.Providers.Marketaux.BaseURL)
	assert.Equal(t, "default", cfg.Refresh.Group)
	assert.Equal(t, 25, cfg.Refresh.MaxChunk)
	assert.Equal(t, 48, cfg.Refresh.LookbackHours)
	assert.Equal(t, 90, cfg.Refresh.EarningsHorizonDays)
	assert.InDelta(t, 0.5, cfg.Enrichment.RelevanceThreshold, 0.001)
	assert.Equal(t, 4, cfg.Enrichment.Concurrency)
	assert.Equal(t, 4096, cfg.Enrichment.CacheSize)
	assert.Equal(t, 3, cfg.Enrichment.Retry.MaxAttempts)
	assert.InDelta(t, 0.25, cfg.Enrichment.Retry.Jitter, 0.001)
	assert.Equal(t, 240, cfg.Scheduler.IntervalMins)
	assert.True(t, cfg.Scheduler.RunOnStart)
	assert.Equal(t, "claude-haiku-4-5-20251001", cfg.Anthropic.Model)
	assert.Equal(t, int64(1024), cfg.Anthropic.MaxTokens)
	assert.Empty(t, cfg.Redis.Addr)
	assert.Equal(t, "pulse:ann:", cfg.Redis.KeyPrefix)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, []string{"*"}, cfg.Server.CORSOrigins)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 100, cfg.Log.MaxSizeMB)
	assert.Equal(t, 500, cfg.Monitoring.PendingThreshold)

	haiku, ok := cfg.Pricing.Anthropic["claude-haiku-4-5-20251001"]
	require.True(t, ok)
	assert.InDelta(t, 1.0, haiku.Input, 0.001)
	assert.InDelta(t, 0.1, haiku.CacheReadMul, 0.001)
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: postgres
  database_url: postgres://localhost/pulse
providers:
  priority: [marketaux, finnhub]
  marketaux:
    enabled: true
    key: mx-key
  rss:
    enabled: true
    feeds:
      - name: yahoo
        url: https://feeds.finance.yahoo.com/rss/2.0/headline?s={entity}
refresh:
  entities: [aapl, msft]
  max_chunk: 10
log:
  level: debug
  format: console
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "postgres://localhost/pulse", cfg.Store.DatabaseURL)
	assert.Equal(t, []string{"marketaux", "finnhub"}, cfg.Providers.Priority)
	assert.True(t, cfg.Providers.Marketaux.Enabled)
	assert.Equal(t, "mx-key", cfg.Providers.Marketaux.Key)
	require.Len(t, cfg.Providers.RSS.Feeds, 1)
	assert.Equal(t, "yahoo", cfg.Providers.RSS.Feeds[0].Name)
	assert.Equal(t, []string{"aapl", "msft"}, cfg.Refresh.Entities)
	assert.Equal(t, 10, cfg.Refresh.MaxChunk)
	assert.Equal(t, "debug", cfg.Log.Level)
	// Defaults still apply for unset values
	assert.Equal(t, 100, cfg.Providers.Marketaux.WindowLimit)
	assert.Equal(t, 48, cfg.Refresh.LookbackHours)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	t.Setenv("PULSE_STORE_DRIVER", "postgres")
	t.Setenv("PULSE_LOG_LEVEL", "warn")
	t.Setenv("PULSE_PROVIDERS_FINNHUB_KEY", "fh-key")
	t.Setenv("PULSE_ENRICHMENT_RETRY_MAX_ATTEMPTS", "5")

	cfg, err := Load()
	require.NoError(t, err)

	// Env overrides file
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "fh-key", cfg.Providers.Finnhub.Key)
	assert.Equal(t, 5, cfg.Enrichment.Retry.MaxAttempts)
}

func TestLoadInvalidYAML(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("store: [unclosed"), 0644))

	_, err := Load()
	assert.Error(t, err)
}

func TestRetryConfig_Resilience(t *testing.T) {
	rc := RetryConfig{MaxAttempts: 4, InitialBackoffMs: 200, MaxBackoffMs: 2000, Multiplier: 3, Jitter: 0.1}.Resilience()
	assert.Equal(t, 4, rc.MaxAttempts)
	assert.Equal(t, 200*time.Millisecond, rc.InitialBackoff)
	assert.Equal(t, 2*time.Second, rc.MaxBackoff)
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerWithFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pulse.log")
	require.NoError(t, InitLogger(LogConfig{Level: "info", Format: "json", File: path, MaxSizeMB: 1}))

	zap.L().Info("rotating file check")
	_ = zap.L().Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "rotating file check")
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}

// validDefaults returns a Config that passes refresh and serve validation.
func validDefaults() *Config {
	cfg := &Config{}
	cfg.Store.Driver = "sqlite"
	cfg.Store.DatabaseURL = "pulse.db"
	cfg.Anthropic.Key = "sk-ant-key"
	cfg.Refresh.Entities = []string{"AAPL"}
	cfg.Refresh.MaxChunk = 25
	cfg.Refresh.LookbackHours = 48
	cfg.Enrichment.RelevanceThreshold = 0.5
	cfg.Providers.Finnhub = ProviderConfig{Enabled: true, Key: "fh", WindowLimit: 60, WindowSecs: 60}
	cfg.Server.Port = 8080
	return cfg
}

func TestValidateRefresh_AllPresent(t *testing.T) {
	assert.NoError(t, validDefaults().Validate("refresh"))
}

func TestValidateRefresh_MissingFields(t *testing.T) {
	cfg := validDefaults()
	cfg.Anthropic.Key = ""
	cfg.Refresh.Entities = nil
	cfg.Providers.Finnhub.Key = ""

	err := cfg.Validate("refresh")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "anthropic.key is required")
	assert.Contains(t, err.Error(), "refresh.entities or refresh.universe_file is required")
	assert.Contains(t, err.Error(), "providers.finnhub.key is required")
}

func TestValidateRefresh_NoProviders(t *testing.T) {
	cfg := validDefaults()
	cfg.Providers.Finnhub.Enabled = false

	err := cfg.Validate("refresh")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least one provider must be enabled")
}

func TestValidateRefresh_RSSOnly(t *testing.T) {
	cfg := validDefaults()
	cfg.Providers.Finnhub.Enabled = false
	cfg.Providers.RSS = RSSConfig{Enabled: true, Feeds: []FeedConfig{{Name: "wire", URL: "https://example.com/rss"}}}

	assert.NoError(t, cfg.Validate("refresh"))
}

func TestValidateRefresh_SocialOnly(t *testing.T) {
	cfg := validDefaults()
	cfg.Providers.Finnhub.Enabled = false
	cfg.Providers.Social.Enabled = true

	err := cfg.Validate("refresh")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "providers.social.base_url is required")

	cfg.Providers.Social.BaseURL = "http://timeline.internal/v1"
	assert.NoError(t, cfg.Validate("refresh"))
}

func TestLoadFromFile_SocialAccounts(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(`
providers:
  social:
    enabled: true
    base_url: http://timeline.internal/v1
    window_limit: 20
    accounts: ["@WSJ", "mingchikuo"]
    per_account: 5
`), 0o644))

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.Providers.Social.Enabled)
	assert.Equal(t, "http://timeline.internal/v1", cfg.Providers.Social.BaseURL)
	assert.Equal(t, 20, cfg.Providers.Social.WindowLimit)
	assert.Equal(t, 900, cfg.Providers.Social.WindowSecs)
	assert.Equal(t, []string{"@WSJ", "mingchikuo"}, cfg.Providers.Social.Accounts)
	assert.Equal(t, 5, cfg.Providers.Social.PerAccount)
}

func TestValidateRefresh_ThresholdOutOfRange(t *testing.T) {
	cfg := validDefaults()
	cfg.Enrichment.RelevanceThreshold = 1.5

	err := cfg.Validate("refresh")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "relevance_threshold")
}

func TestValidateServe_InvalidPort(t *testing.T) {
	cfg := validDefaults()
	cfg.Server.Port = 0

	err := cfg.Validate("serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.port")
	// Port only matters for serve.
	assert.NoError(t, cfg.Validate("refresh"))
}

func TestValidateQuery_OnlyNeedsStore(t *testing.T) {
	cfg := &Config{}
	cfg.Store.Driver = "postgres"
	cfg.Store.DatabaseURL = "postgres://localhost/pulse"
	assert.NoError(t, cfg.Validate("items"))

	cfg.Store.Driver = "mysql"
	err := cfg.Validate("items")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.driver")
}

func TestUniverse_MergesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "universe.yaml")
	require.NoError(t, os.WriteFile(path, []byte("entities:\n  - msft\n  - GOOGL\n  - aapl\n"), 0644))

	cfg := validDefaults()
	cfg.Refresh.Entities = []string{"AAPL", " tsla "}
	cfg.Refresh.UniverseFile = path

	got, err := cfg.Universe()
	require.NoError(t, err)
	assert.Equal(t, []string{"AAPL", "GOOGL", "MSFT", "TSLA"}, got)
}

func TestLoadUniverse_Errors(t *testing.T) {
	_, err := LoadUniverse(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("entities: {"), 0644))
	_, err = LoadUniverse(bad)
	assert.Error(t, err)
}
