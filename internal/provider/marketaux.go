package provider

import (
	"context"
	"time"

	"github.com/sells-group/market-pulse/internal/model"
	"github.com/sells-group/market-pulse/pkg/marketaux"
)

// Marketaux fetches entity-filtered news per ticker.
type Marketaux struct {
	client marketaux.Client
}

// NewMarketaux creates the Marketaux adapter.
func NewMarketaux(c marketaux.Client) *Marketaux {
	return &Marketaux{client: c}
}

func (m *Marketaux) Name() string { return "marketaux" }

func (m *Marketaux) Scope() Scope { return ScopeEntity }

func (m *Marketaux) Fetch(ctx context.Context, entity string, since time.Time, limit int) ([]model.RawItem, error) {
	drops := rowDrops{provider: m.Name()}
	articles, err := m.client.News(ctx, entity, since, limit)
	if err = drops.absorb(err); err != nil {
		return nil, Classify(m.Name(), err)
	}

	items := make([]model.RawItem, 0, len(articles))
	for _, a := range articles {
		refs := []string{entity}
		for _, e := range a.Entities {
			refs = append(refs, e.Symbol)
		}
		body := a.Description
		if body == "" {
			body = a.Snippet
		}
		items = append(items, model.RawItem{
			Provider:    m.Name(),
			ExternalID:  a.UUID,
			Kind:        model.ItemKindNews,
			EntityRefs:  model.UnionEntities(refs),
			PublishedAt: a.PublishedAt.UTC(),
			Title:       a.Title,
			Body:        body,
			URL:         a.URL,
		})
		if limit > 0 && len(items) >= limit {
			break
		}
	}
	return items, drops.err()
}
