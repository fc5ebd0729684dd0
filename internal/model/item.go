package model

import (
	"slices"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// ItemKind identifies the category of financial content an item carries.
type ItemKind string

const (
	ItemKindNews     ItemKind = "news"
	ItemKindEarnings ItemKind = "earnings"
	ItemKindSocial   ItemKind = "social"
)

// RawItem is a single piece of content as returned by a provider adapter.
// It is never mutated after the adapter hands it over.
type RawItem struct {
	Provider    string             `json:"provider"`
	ExternalID  string             `json:"external_id,omitempty"`
	Kind        ItemKind           `json:"kind"`
	EntityRefs  []string           `json:"entity_refs"`
	PublishedAt time.Time          `json:"published_at"`
	Title       string             `json:"title"`
	Body        string             `json:"body"`
	URL         string             `json:"url,omitempty"`
	Engagement  map[string]float64 `json:"engagement,omitempty"`
}

// ErrMalformedItem is returned by Validate for items that cannot be stored.
var ErrMalformedItem = eris.New("malformed item")

// Validate reports items with no provider or no text content.
func (r RawItem) Validate() error {
	if r.Provider == "" {
		return eris.Wrap(ErrMalformedItem, "missing provider")
	}
	if strings.TrimSpace(r.Title) == "" && strings.TrimSpace(r.Body) == "" {
		return eris.Wrapf(ErrMalformedItem, "%s item %q has no title or body", r.Provider, r.ExternalID)
	}
	return nil
}

// ProviderKey returns the provider-scoped identity of the item, or "" when
// the provider assigned no external id.
func (r RawItem) ProviderKey() string {
	if r.ExternalID == "" {
		return ""
	}
	return r.Provider + ":" + r.ExternalID
}

// Sentiment is the polarity assigned by the annotation oracle.
type Sentiment string

const (
	SentimentPositive Sentiment = "positive"
	SentimentNegative Sentiment = "negative"
	SentimentNeutral  Sentiment = "neutral"
)

// Valid reports whether s is one of the known sentiments.
func (s Sentiment) Valid() bool {
	switch s {
	case SentimentPositive, SentimentNegative, SentimentNeutral:
		return true
	default:
		return false
	}
}

// Annotation is the AI-generated enrichment for one fingerprint. Once
// computed it is never edited; re-analysis goes through cache invalidation.
type Annotation struct {
	Tickers        []string  `json:"tickers"`
	Sentiment      Sentiment `json:"sentiment"`
	SentimentScore float64   `json:"sentiment_score"`
	RelevanceScore float64   `json:"relevance_score"`
	Headline       string    `json:"headline"`
	Summary        string    `json:"summary"`
	Model          string    `json:"model,omitempty"`
	AnnotatedAt    time.Time `json:"annotated_at"`
}

// Validate checks the annotation's enum and score ranges.
func (a *Annotation) Validate() error {
	if a == nil {
		return eris.New("annotation is nil")
	}
	if !a.Sentiment.Valid() {
		return eris.Errorf("invalid sentiment %q", a.Sentiment)
	}
	if a.SentimentScore < -1 || a.SentimentScore > 1 {
		return eris.Errorf("sentiment_score %.3f out of range [-1, 1]", a.SentimentScore)
	}
	if a.RelevanceScore < 0 || a.RelevanceScore > 1 {
		return eris.Errorf("relevance_score %.3f out of range [0, 1]", a.RelevanceScore)
	}
	return nil
}

// StoredItem is a deduplicated item as persisted by the store.
type StoredItem struct {
	RawItem

	DedupKey       string      `json:"dedup_key"`
	Fingerprint    string      `json:"fingerprint"`
	FirstSeenAt    time.Time   `json:"first_seen_at"`
	LastSeenAt     time.Time   `json:"last_seen_at"`
	Annotation     *Annotation `json:"annotation,omitempty"`
	Pending        bool        `json:"pending"`
	EnrichAttempts int         `json:"enrich_attempts"`
}

// MergeEntityRefs unions refs into the item's entity set, keeping it sorted.
// It returns true if the set changed.
func (s *StoredItem) MergeEntityRefs(refs []string) bool {
	merged := UnionEntities(s.EntityRefs, refs)
	if slices.Equal(merged, s.EntityRefs) {
		return false
	}
	s.EntityRefs = merged
	return true
}

// Relevant reports whether the item is annotated with a relevance score
// strictly above threshold.
func (s *StoredItem) Relevant(threshold float64) bool {
	return s.Annotation != nil && s.Annotation.RelevanceScore > threshold
}

// NormalizeEntity upper-cases and trims a ticker symbol.
func NormalizeEntity(e string) string {
	return strings.ToUpper(strings.TrimSpace(e))
}

// UnionEntities returns the sorted, de-duplicated union of the given sets.
// Empty symbols are dropped.
func UnionEntities(sets ...[]string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, set := range sets {
		for _, e := range set {
			e = NormalizeEntity(e)
			if e == "" {
				continue
			}
			if _, ok := seen[e]; ok {
				continue
			}
			seen[e] = struct{}{}
			out = append(out, e)
		}
	}
	slices.Sort(out)
	return out
}
