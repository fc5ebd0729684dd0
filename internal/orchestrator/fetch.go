package orchestrator

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/market-pulse/internal/model"
	"github.com/sells-group/market-pulse/internal/provider"
)

// fetchResult is what one provider produced for the chunk.
type fetchResult struct {
	name      string
	items     []model.RawItem
	cursors   []model.FetchCursor
	calls     int
	malformed int
	err       error
}

// fetchAll runs every provider concurrently. Results come back in priority
// order so dedup sees the preferred provider's copy of a story first.
func (o *Orchestrator) fetchAll(ctx context.Context, entries []provider.Entry, chunk []string, fetchedAt time.Time) []fetchResult {
	results := make([]fetchResult, len(entries))
	var g errgroup.Group
	for i, e := range entries {
		g.Go(func() error {
			results[i] = o.fetchProvider(ctx, e.Adapter, chunk, fetchedAt)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// fetchProvider calls one provider for each entity in turn. RateLimited,
// AuthFailed and Unavailable stop the provider for this cycle; Malformed
// responses are skipped. Rows dropped from an otherwise good response are
// counted as malformed and the rest of the response is kept.
func (o *Orchestrator) fetchProvider(ctx context.Context, a provider.Adapter, chunk []string, fetchedAt time.Time) fetchResult {
	res := fetchResult{name: a.Name()}
	log := zap.L().With(zap.String("component", "orchestrator"), zap.String("provider", a.Name()))

	targets := chunk
	if a.Scope() == provider.ScopeGlobal {
		targets = []string{model.UniverseEntity}
	}

	for _, entity := range targets {
		if ctx.Err() != nil {
			res.err = ctx.Err()
			return res
		}

		since, err := o.since(ctx, a.Name(), entity, fetchedAt)
		if err != nil {
			res.err = err
			return res
		}

		arg := entity
		if entity == model.UniverseEntity {
			arg = ""
		}
		items, err := a.Fetch(ctx, arg, since, o.cfg.FetchLimit)
		if n := provider.DroppedCount(err); n > 0 {
			res.malformed += n
			log.Warn("orchestrator: dropped malformed rows",
				zap.String("entity", entity), zap.Int("rows", n), zap.Error(err))
			err = nil
		}
		if err != nil {
			if ctx.Err() != nil {
				res.err = ctx.Err()
				return res
			}
			if provider.KindOf(err) == provider.KindMalformed {
				res.malformed++
				log.Warn("orchestrator: dropping malformed response",
					zap.String("entity", entity), zap.Error(err))
				continue
			}
			res.err = err
			if provider.KindOf(err) == 0 {
				res.err = &provider.Error{Provider: a.Name(), Kind: provider.KindUnavailable, Err: err}
			}
			log.Warn("orchestrator: provider stopped for this cycle",
				zap.String("entity", entity),
				zap.String("kind", provider.KindOf(res.err).String()),
				zap.Error(err))
			return res
		}

		res.calls++
		res.items = append(res.items, items...)
		res.cursors = append(res.cursors, model.FetchCursor{
			Provider:      a.Name(),
			Entity:        entity,
			LastFetchedAt: fetchedAt,
			UpdatedAt:     fetchedAt,
		})
	}
	return res
}

// since is the lower bound for a fetch: the previous successful fetch of
// the pair, or now minus the lookback window.
func (o *Orchestrator) since(ctx context.Context, providerName, entity string, now time.Time) (time.Time, error) {
	cur, err := o.store.LoadCursor(ctx, providerName, entity)
	if err != nil {
		return time.Time{}, eris.Wrapf(err, "orchestrator: load cursor %s/%s", providerName, entity)
	}
	if cur.LastFetchedAt.IsZero() {
		return now.Add(-o.cfg.Lookback), nil
	}
	return cur.LastFetchedAt, nil
}
