package main

import (
	"context"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/market-pulse/internal/config"
	"github.com/sells-group/market-pulse/internal/cost"
	"github.com/sells-group/market-pulse/internal/dedup"
	"github.com/sells-group/market-pulse/internal/enrich"
	"github.com/sells-group/market-pulse/internal/fingerprint"
	"github.com/sells-group/market-pulse/internal/oracle"
	"github.com/sells-group/market-pulse/internal/orchestrator"
	"github.com/sells-group/market-pulse/internal/provider"
	"github.com/sells-group/market-pulse/internal/quota"
	"github.com/sells-group/market-pulse/internal/resilience"
	"github.com/sells-group/market-pulse/internal/store"
	"github.com/sells-group/market-pulse/pkg/alphavantage"
	anthropicpkg "github.com/sells-group/market-pulse/pkg/anthropic"
	"github.com/sells-group/market-pulse/pkg/finnhub"
	"github.com/sells-group/market-pulse/pkg/marketaux"
	"github.com/sells-group/market-pulse/pkg/social"
)

// pipelineEnv holds everything the refresh and serve commands need.
type pipelineEnv struct {
	Store        store.Store
	Tracker      *quota.Tracker
	Registry     *provider.Registry
	Cache        enrich.Cache
	Orchestrator *orchestrator.Orchestrator

	redis *redis.Client
}

// Close releases resources held by the pipeline environment.
func (pe *pipelineEnv) Close() {
	if pe.redis != nil {
		_ = pe.redis.Close()
	}
	if pe.Store != nil {
		_ = pe.Store.Close()
	}
}

// initPipeline validates the config for mode, opens the store and wires
// providers, caches, the oracle and the orchestrator. Callers should defer
// env.Close().
func initPipeline(ctx context.Context, mode string) (*pipelineEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	entities, err := cfg.Universe()
	if err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	env := &pipelineEnv{Store: st}

	env.Tracker = quota.NewTracker(quotaLimits(cfg.Providers))
	env.Registry, err = buildRegistry(cfg.Providers, cfg.Refresh, env.Tracker, cost.NewCalculator(cfg.Pricing))
	if err != nil {
		env.Close()
		return nil, err
	}

	env.redis = initRedis(cfg.Redis)
	env.Cache, err = buildCache(st, env.redis, cfg.Enrichment, cfg.Redis)
	if err != nil {
		env.Close()
		return nil, err
	}

	claude := oracle.NewClaude(
		newAnthropicClient(cfg.Anthropic),
		oracle.ClaudeConfig{
			Model:     cfg.Anthropic.Model,
			MaxTokens: cfg.Anthropic.MaxTokens,
			BodyChars: cfg.Enrichment.BodyChars,
		},
		cost.NewCalculator(cfg.Pricing),
	)

	retry := cfg.Enrichment.Retry.Resilience()
	retry.OnRetry = resilience.RetryLogger("anthropic", "annotate")
	worker := enrich.NewWorker(env.Cache, claude, enrich.Config{
		Concurrency: cfg.Enrichment.Concurrency,
		Retry:       retry,
	})

	d := dedup.New(st, fingerprint.New(0))
	env.Orchestrator = orchestrator.New(st, env.Registry, env.Tracker, d, worker, orchestrator.Config{
		Group:        cfg.Refresh.Group,
		Entities:     entities,
		Priority:     cfg.Providers.Priority,
		MaxChunk:     cfg.Refresh.MaxChunk,
		Lookback:     time.Duration(cfg.Refresh.LookbackHours) * time.Hour,
		FetchLimit:   cfg.Refresh.FetchLimit,
		PendingBatch: cfg.Refresh.PendingBatch,
	})
	if err := env.Orchestrator.RestoreQuota(ctx); err != nil {
		zap.L().Warn("quota restore failed, starting with full budgets", zap.Error(err))
	}

	zap.L().Info("pipeline initialized",
		zap.String("store", cfg.Store.Driver),
		zap.Strings("providers", env.Registry.Names()),
		zap.Int("entities", len(entities)),
		zap.Bool("redis", env.redis != nil),
	)
	return env, nil
}

// initStore opens and migrates the configured store.
func initStore(ctx context.Context) (store.Store, error) {
	var (
		st  store.Store
		err error
	)
	switch cfg.Store.Driver {
	case "sqlite":
		st, err = store.NewSQLite(cfg.Store.DatabaseURL)
	case "postgres":
		st, err = store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

// apiProviders maps provider names to their API settings.
func apiProviders(pc config.ProvidersConfig) map[string]config.ProviderConfig {
	return map[string]config.ProviderConfig{
		"finnhub":          pc.Finnhub,
		"finnhub-earnings": pc.FinnhubEarnings,
		"alphavantage":     pc.AlphaVantage,
		"marketaux":        pc.Marketaux,
		"social":           pc.Social.ProviderConfig,
	}
}

func quotaLimits(pc config.ProvidersConfig) map[string]quota.Limit {
	limits := make(map[string]quota.Limit)
	for name, p := range apiProviders(pc) {
		if p.Enabled && p.WindowLimit > 0 {
			limits[name] = quota.Limit{Calls: p.WindowLimit, Window: p.Window()}
		}
	}
	return limits
}

// buildRegistry registers every enabled provider behind its quota, pacer
// and circuit breaker.
func buildRegistry(pc config.ProvidersConfig, rc config.RefreshConfig, tracker *quota.Tracker, calc *cost.Calculator) (*provider.Registry, error) {
	reg := provider.NewRegistry()
	breakerCfg := resilience.DefaultCircuitBreakerConfig()
	breakerCfg.ShouldTrip = provider.IsUnavailable
	breakers := resilience.NewBreakers(breakerCfg)

	add := func(a provider.Adapter, p config.ProviderConfig) error {
		var pacer *provider.Pacer
		if p.RPS > 0 {
			pacer = provider.NewPacer(a.Name(), rate.Limit(p.RPS), p.Burst)
		}
		guarded := provider.NewGuarded(a, tracker, pacer, breakers.Get(a.Name())).WithCost(calc.ProviderCall)
		if err := reg.Register(guarded, p.CallsPerEntity); err != nil {
			return eris.Wrapf(err, "register provider %s", a.Name())
		}
		return nil
	}

	if p := pc.Finnhub; p.Enabled {
		c := finnhub.NewClient(p.Key, finnhub.WithBaseURL(p.BaseURL), finnhub.WithHTTPClient(httpClient(p.TimeoutSecs)))
		if err := add(provider.NewFinnhubNews(c), p); err != nil {
			return nil, err
		}
	}
	if p := pc.FinnhubEarnings; p.Enabled {
		c := finnhub.NewClient(p.Key, finnhub.WithBaseURL(p.BaseURL), finnhub.WithHTTPClient(httpClient(p.TimeoutSecs)))
		horizon := time.Duration(rc.EarningsHorizonDays) * 24 * time.Hour
		if err := add(provider.NewFinnhubEarnings(c, horizon), p); err != nil {
			return nil, err
		}
	}
	if p := pc.AlphaVantage; p.Enabled {
		c := alphavantage.NewClient(p.Key, alphavantage.WithBaseURL(p.BaseURL), alphavantage.WithHTTPClient(httpClient(p.TimeoutSecs)))
		if err := add(provider.NewAlphaVantage(c), p); err != nil {
			return nil, err
		}
	}
	if p := pc.Marketaux; p.Enabled {
		c := marketaux.NewClient(p.Key, marketaux.WithBaseURL(p.BaseURL), marketaux.WithHTTPClient(httpClient(p.TimeoutSecs)))
		if err := add(provider.NewMarketaux(c), p); err != nil {
			return nil, err
		}
	}
	if p := pc.Social; p.Enabled {
		c := social.NewClient(p.Key, social.WithBaseURL(p.BaseURL), social.WithHTTPClient(httpClient(p.TimeoutSecs)))
		if err := add(provider.NewSocial(c, p.Accounts, p.PerAccount), p.ProviderConfig); err != nil {
			return nil, err
		}
	}
	if pc.RSS.Enabled {
		feedCfg := config.ProviderConfig{RPS: pc.RSS.RPS, Burst: pc.RSS.Burst, CallsPerEntity: 1}
		hc := httpClient(pc.RSS.TimeoutSecs)
		for _, f := range pc.RSS.Feeds {
			if err := add(provider.NewRSS(f.Name, f.URL, hc), feedCfg); err != nil {
				return nil, err
			}
		}
	}
	return reg, nil
}

func httpClient(timeoutSecs int) *http.Client {
	if timeoutSecs <= 0 {
		timeoutSecs = 30
	}
	return &http.Client{Timeout: time.Duration(timeoutSecs) * time.Second}
}

func initRedis(rc config.RedisConfig) *redis.Client {
	if rc.Addr == "" {
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     rc.Addr,
		Password: rc.Password,
		DB:       rc.DB,
	})
}

// buildCache layers the in-process LRU, the optional Redis tier and the
// store. The store is the authoritative last layer.
func buildCache(st enrich.AnnotationStore, rdb *redis.Client, ec config.EnrichmentConfig, rc config.RedisConfig) (enrich.Cache, error) {
	mem, err := enrich.NewMemoryCache(ec.CacheSize)
	if err != nil {
		return nil, eris.Wrap(err, "create annotation cache")
	}
	layers := []enrich.Cache{mem}
	if rdb != nil {
		ttl := time.Duration(rc.TTLHours) * time.Hour
		layers = append(layers, enrich.NewRedisCache(rdb, rc.KeyPrefix, ttl))
	}
	layers = append(layers, enrich.NewStoreCache(st))
	return enrich.NewLayered(layers...), nil
}

func newAnthropicClient(ac config.AnthropicConfig) anthropicpkg.Client {
	var opts []anthropicpkg.Option
	if ac.BaseURL != "" {
		opts = append(opts, anthropicpkg.WithBaseURL(ac.BaseURL))
	}
	return anthropicpkg.NewClient(ac.Key, opts...)
}
