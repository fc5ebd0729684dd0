package provider

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/market-pulse/internal/model"
	"github.com/sells-group/market-pulse/pkg/alphavantage"
)

// AlphaVantage fetches NEWS_SENTIMENT articles per ticker. Articles carry
// no stable id, so they are keyed by fingerprint.
type AlphaVantage struct {
	client alphavantage.Client
}

// NewAlphaVantage creates the Alpha Vantage adapter.
func NewAlphaVantage(c alphavantage.Client) *AlphaVantage {
	return &AlphaVantage{client: c}
}

func (a *AlphaVantage) Name() string { return "alphavantage" }

func (a *AlphaVantage) Scope() Scope { return ScopeEntity }

func (a *AlphaVantage) Fetch(ctx context.Context, entity string, since time.Time, limit int) ([]model.RawItem, error) {
	drops := rowDrops{provider: a.Name()}
	articles, err := a.client.NewsSentiment(ctx, entity, since, limit)
	if err = drops.absorb(err); err != nil {
		var throttled *alphavantage.ThrottledError
		var rejected *alphavantage.RejectedError
		switch {
		case errors.As(err, &throttled):
			return nil, &Error{Provider: a.Name(), Kind: KindRateLimited, RetryAfter: DefaultRetryAfter, Err: err}
		case errors.As(err, &rejected):
			return nil, &Error{Provider: a.Name(), Kind: KindAuthFailed, Err: err}
		}
		return nil, Classify(a.Name(), err)
	}

	var items []model.RawItem
	for _, art := range articles {
		published, err := art.Published()
		if err != nil {
			zap.L().Debug("provider: skipping article with bad timestamp",
				zap.String("provider", a.Name()),
				zap.String("time_published", art.TimePublished),
			)
			drops.add(err)
			continue
		}
		if published.Before(since) {
			continue
		}
		refs := []string{entity}
		for _, ts := range art.TickerSentiment {
			refs = append(refs, ts.Ticker)
		}
		items = append(items, model.RawItem{
			Provider:    a.Name(),
			Kind:        model.ItemKindNews,
			EntityRefs:  model.UnionEntities(refs),
			PublishedAt: published,
			Title:       art.Title,
			Body:        art.Summary,
			URL:         art.URL,
		})
		if limit > 0 && len(items) >= limit {
			break
		}
	}
	return items, drops.err()
}
