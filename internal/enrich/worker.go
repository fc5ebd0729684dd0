package enrich

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/sells-group/market-pulse/internal/metrics"
	"github.com/sells-group/market-pulse/internal/model"
	"github.com/sells-group/market-pulse/internal/oracle"
	"github.com/sells-group/market-pulse/internal/resilience"
)

// Config tunes the enrichment worker.
type Config struct {
	// Concurrency bounds the number of fingerprints resolved at once.
	Concurrency int
	// Retry is the policy for oracle calls. ShouldRetry is overridden so only
	// Unavailable and QuotaExceeded failures are retried.
	Retry resilience.RetryConfig
}

// Stats counts the outcome of one Enrich call. Item counts are per item,
// OracleCalls counts every attempt including retries.
type Stats struct {
	Annotated   int `json:"annotated"`
	CacheHits   int `json:"cache_hits"`
	OracleCalls int `json:"oracle_calls"`
	Pending     int `json:"pending"`
}

// Worker annotates items through the cache, falling back to the oracle on a
// miss.
type Worker struct {
	cache  Cache
	oracle oracle.Oracle
	cfg    Config
	group  singleflight.Group
	log    *zap.Logger
}

// NewWorker creates an enrichment worker.
func NewWorker(cache Cache, o oracle.Oracle, cfg Config) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = resilience.DefaultRetryConfig()
	}
	cfg.Retry.ShouldRetry = oracle.IsRetryable
	return &Worker{
		cache:  cache,
		oracle: o,
		cfg:    cfg,
		log:    zap.L().With(zap.String("component", "enrich")),
	}
}

type resolution struct {
	ann      *model.Annotation
	fromHit  bool
	oracleOK bool
}

// Enrich attaches annotations to every item that lacks one. Items sharing a
// fingerprint are resolved once. Items whose fingerprint could not be
// annotated are marked pending. Only context cancellation is returned as an
// error.
func (w *Worker) Enrich(ctx context.Context, items []*model.StoredItem) (Stats, error) {
	groups := make(map[string][]*model.StoredItem)
	var order []string
	for _, it := range items {
		if it.Annotation != nil {
			continue
		}
		if _, ok := groups[it.Fingerprint]; !ok {
			order = append(order, it.Fingerprint)
		}
		groups[it.Fingerprint] = append(groups[it.Fingerprint], it)
	}

	var (
		mu    sync.Mutex
		stats Stats
		calls atomic.Int64
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.cfg.Concurrency)
	for _, fp := range order {
		members := groups[fp]
		g.Go(func() error {
			res, err := w.resolve(gctx, fp, members[0], &calls)
			if gctx.Err() != nil {
				return gctx.Err()
			}

			mu.Lock()
			defer mu.Unlock()
			for _, it := range members {
				if res.oracleOK || err != nil {
					it.EnrichAttempts++
				}
				if err != nil {
					it.Pending = true
					stats.Pending++
					continue
				}
				it.Annotation = res.ann
				it.Pending = false
				stats.Annotated++
				if res.fromHit {
					stats.CacheHits++
				}
			}
			if err != nil {
				w.log.Warn("enrichment failed, item left pending",
					zap.String("fingerprint", fp),
					zap.String("kind", oracle.KindOf(err).String()),
					zap.Int("items", len(members)),
					zap.Error(err),
				)
			}
			return nil
		})
	}
	err := g.Wait()
	stats.OracleCalls = int(calls.Load())

	metrics.RecordAnnotation("cache_hit", stats.CacheHits)
	metrics.RecordAnnotation("oracle", stats.Annotated-stats.CacheHits)
	metrics.RecordAnnotation("pending", stats.Pending)

	return stats, err
}

// resolve returns the annotation for one fingerprint. A failed lookup is
// treated as a miss; a failed store is returned as an error.
func (w *Worker) resolve(ctx context.Context, fp string, rep *model.StoredItem, calls *atomic.Int64) (resolution, error) {
	if ann, ok, err := w.cache.Get(ctx, fp); err != nil {
		w.log.Warn("cache lookup failed", zap.String("fingerprint", fp), zap.Error(err))
	} else if ok {
		return resolution{ann: ann, fromHit: true}, nil
	}

	v, err, _ := w.group.Do(fp, func() (any, error) {
		ann, err := resilience.DoVal(ctx, w.cfg.Retry, func(ctx context.Context) (*model.Annotation, error) {
			calls.Add(1)
			return w.oracle.Annotate(ctx, rep.Title, rep.Body)
		})
		if err != nil {
			return nil, err
		}
		// Items only reference annotations by fingerprint, so an annotation
		// that could not be stored would be lost on save. Leave them pending.
		winner, err := w.cache.PutIfAbsent(ctx, fp, ann)
		if err != nil {
			return nil, eris.Wrapf(err, "enrich: store annotation %s", fp)
		}
		return winner, nil
	})
	if err != nil {
		return resolution{}, err
	}
	return resolution{ann: v.(*model.Annotation), oracleOK: true}, nil
}

// Relevant returns the annotated items whose relevance is strictly above
// threshold, preserving order.
func Relevant(items []*model.StoredItem, threshold float64) []*model.StoredItem {
	var out []*model.StoredItem
	for _, it := range items {
		if it.Relevant(threshold) {
			out = append(out, it)
		}
	}
	return out
}
