package provider

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/mmcdole/gofeed"

	"github.com/sells-group/market-pulse/internal/model"
)

// EntityPlaceholder in an RSS URL template is replaced by the ticker.
const EntityPlaceholder = "{entity}"

// RSS reads an RSS or Atom feed. A URL containing {entity} makes the
// adapter entity-scoped; otherwise it is fetched once per cycle.
type RSS struct {
	name     string
	template string
	parser   *gofeed.Parser
}

// NewRSS creates a feed adapter. hc may be nil.
func NewRSS(name, urlTemplate string, hc *http.Client) *RSS {
	p := gofeed.NewParser()
	if hc == nil {
		hc = &http.Client{Timeout: 20 * time.Second}
	}
	p.Client = hc
	p.UserAgent = "market-pulse/1.0"
	return &RSS{name: name, template: urlTemplate, parser: p}
}

func (r *RSS) Name() string { return r.name }

func (r *RSS) Scope() Scope {
	if strings.Contains(r.template, EntityPlaceholder) {
		return ScopeEntity
	}
	return ScopeGlobal
}

// httpStatusError adapts gofeed.HTTPError to Classify.
type httpStatusError struct {
	gofeed.HTTPError
}

func (e httpStatusError) HTTPStatus() int { return e.StatusCode }

func (r *RSS) Fetch(ctx context.Context, entity string, since time.Time, limit int) ([]model.RawItem, error) {
	feedURL := strings.ReplaceAll(r.template, EntityPlaceholder, url.QueryEscape(entity))

	feed, err := r.parser.ParseURLWithContext(feedURL, ctx)
	if err != nil {
		var he gofeed.HTTPError
		var ue *url.Error
		switch {
		case errors.As(err, &he):
			return nil, Classify(r.name, httpStatusError{he})
		case errors.As(err, &ue):
			return nil, &Error{Provider: r.name, Kind: KindUnavailable, Err: err}
		default:
			return nil, &Error{Provider: r.name, Kind: KindMalformed, Err: err}
		}
	}

	var refs []string
	if r.Scope() == ScopeEntity {
		refs = model.UnionEntities([]string{entity})
	}

	var items []model.RawItem
	for _, fi := range feed.Items {
		published := itemTime(fi)
		if published.IsZero() || published.Before(since) {
			continue
		}
		id := fi.GUID
		if id == "" {
			id = fi.Link
		}
		body := fi.Content
		if body == "" {
			body = fi.Description
		}
		items = append(items, model.RawItem{
			Provider:    r.name,
			ExternalID:  id,
			Kind:        model.ItemKindNews,
			EntityRefs:  refs,
			PublishedAt: published,
			Title:       strings.TrimSpace(fi.Title),
			Body:        htmlText(body),
			URL:         fi.Link,
		})
		if limit > 0 && len(items) >= limit {
			break
		}
	}
	return items, nil
}

func itemTime(fi *gofeed.Item) time.Time {
	switch {
	case fi.PublishedParsed != nil:
		return fi.PublishedParsed.UTC()
	case fi.UpdatedParsed != nil:
		return fi.UpdatedParsed.UTC()
	default:
		return time.Time{}
	}
}

// htmlText flattens an HTML fragment to whitespace-normalized text.
func htmlText(s string) string {
	if !strings.Contains(s, "<") {
		return strings.Join(strings.Fields(s), " ")
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(s))
	if err != nil {
		return strings.Join(strings.Fields(s), " ")
	}
	doc.Find("script, style").Remove()
	return strings.Join(strings.Fields(doc.Text()), " ")
}
