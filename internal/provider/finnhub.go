package provider

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/market-pulse/internal/model"
	"github.com/sells-group/market-pulse/pkg/finnhub"
)

// FinnhubNews fetches company news per ticker.
type FinnhubNews struct {
	client  finnhub.Client
	nowFunc func() time.Time
}

// NewFinnhubNews creates the finnhub news adapter.
func NewFinnhubNews(c finnhub.Client) *FinnhubNews {
	return &FinnhubNews{client: c, nowFunc: time.Now}
}

func (f *FinnhubNews) Name() string { return "finnhub" }

func (f *FinnhubNews) Scope() Scope { return ScopeEntity }

func (f *FinnhubNews) Fetch(ctx context.Context, entity string, since time.Time, limit int) ([]model.RawItem, error) {
	drops := rowDrops{provider: f.Name()}
	articles, err := f.client.CompanyNews(ctx, entity, since, f.nowFunc())
	if err = drops.absorb(err); err != nil {
		return nil, Classify(f.Name(), err)
	}

	var items []model.RawItem
	for _, a := range articles {
		published := time.Unix(a.Datetime, 0).UTC()
		// company-news filters by calendar date only.
		if published.Before(since) {
			continue
		}
		it := model.RawItem{
			Provider:    f.Name(),
			Kind:        model.ItemKindNews,
			EntityRefs:  model.UnionEntities([]string{entity}, strings.Split(a.Related, ",")),
			PublishedAt: published,
			Title:       a.Headline,
			Body:        a.Summary,
			URL:         a.URL,
		}
		if a.ID != 0 {
			it.ExternalID = strconv.FormatInt(a.ID, 10)
		}
		items = append(items, it)
		if limit > 0 && len(items) >= limit {
			break
		}
	}
	return items, drops.err()
}

// FinnhubEarnings turns the earnings calendar into earnings items.
type FinnhubEarnings struct {
	client  finnhub.Client
	horizon time.Duration
	nowFunc func() time.Time
}

// NewFinnhubEarnings creates the earnings adapter, looking horizon ahead of
// now for scheduled reports.
func NewFinnhubEarnings(c finnhub.Client, horizon time.Duration) *FinnhubEarnings {
	if horizon <= 0 {
		horizon = 90 * 24 * time.Hour
	}
	return &FinnhubEarnings{client: c, horizon: horizon, nowFunc: time.Now}
}

func (f *FinnhubEarnings) Name() string { return "finnhub-earnings" }

func (f *FinnhubEarnings) Scope() Scope { return ScopeEntity }

func (f *FinnhubEarnings) Fetch(ctx context.Context, entity string, since time.Time, limit int) ([]model.RawItem, error) {
	now := f.nowFunc()
	drops := rowDrops{provider: f.Name()}
	earnings, err := f.client.EarningsCalendar(ctx, entity, since, now.Add(f.horizon))
	if err = drops.absorb(err); err != nil {
		return nil, Classify(f.Name(), err)
	}

	var items []model.RawItem
	for _, e := range earnings {
		date, err := time.ParseInLocation("2006-01-02", e.Date, time.UTC)
		if err != nil {
			zap.L().Debug("provider: skipping earnings row with bad date",
				zap.String("provider", f.Name()),
				zap.String("symbol", e.Symbol),
				zap.String("date", e.Date),
			)
			drops.add(err)
			continue
		}
		symbol := model.NormalizeEntity(e.Symbol)
		if symbol == "" {
			symbol = model.NormalizeEntity(entity)
		}
		items = append(items, model.RawItem{
			Provider:    f.Name(),
			ExternalID:  fmt.Sprintf("%s:%s:%d", symbol, e.Date, e.Quarter),
			Kind:        model.ItemKindEarnings,
			EntityRefs:  []string{symbol},
			PublishedAt: date,
			Title:       earningsTitle(symbol, e),
			Body:        earningsBody(e),
		})
		if limit > 0 && len(items) >= limit {
			break
		}
	}
	return items, drops.err()
}

func earningsTitle(symbol string, e finnhub.Earning) string {
	when := ""
	switch e.Hour {
	case "bmo":
		when = " before market open"
	case "amc":
		when = " after market close"
	}
	return fmt.Sprintf("%s Q%d %d earnings on %s%s", symbol, e.Quarter, e.Year, e.Date, when)
}

func earningsBody(e finnhub.Earning) string {
	var parts []string
	if e.EPSEstimate != nil {
		parts = append(parts, fmt.Sprintf("EPS estimate %.2f", *e.EPSEstimate))
	}
	if e.EPSActual != nil {
		parts = append(parts, fmt.Sprintf("EPS actual %.2f", *e.EPSActual))
	}
	if e.RevenueEstimate != nil {
		parts = append(parts, fmt.Sprintf("revenue estimate %.0f", *e.RevenueEstimate))
	}
	if e.RevenueActual != nil {
		parts = append(parts, fmt.Sprintf("revenue actual %.0f", *e.RevenueActual))
	}
	return strings.Join(parts, ", ")
}
