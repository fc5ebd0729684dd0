package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRawItem_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		item    RawItem
		wantErr bool
	}{
		{"title only", RawItem{Provider: "finnhub", Title: "Apple beats"}, false},
		{"body only", RawItem{Provider: "rss", Body: "Shares rose"}, false},
		{"missing provider", RawItem{Title: "x"}, true},
		{"blank content", RawItem{Provider: "finnhub", Title: "  ", Body: "\n"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.item.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrMalformedItem)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestRawItem_ProviderKey(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "finnhub:123", RawItem{Provider: "finnhub", ExternalID: "123"}.ProviderKey())
	assert.Empty(t, RawItem{Provider: "alphavantage"}.ProviderKey())
}

func TestUnionEntities(t *testing.T) {
	t.Parallel()

	got := UnionEntities([]string{"msft", "AAPL"}, []string{"aapl", " googl ", ""})
	assert.Equal(t, []string{"AAPL", "GOOGL", "MSFT"}, got)
	assert.Nil(t, UnionEntities(nil, []string{""}))
}

func TestStoredItem_MergeEntityRefs(t *testing.T) {
	t.Parallel()

	item := &StoredItem{RawItem: RawItem{EntityRefs: []string{"AAPL"}}}
	assert.True(t, item.MergeEntityRefs([]string{"MSFT"}))
	assert.Equal(t, []string{"AAPL", "MSFT"}, item.EntityRefs)
	assert.False(t, item.MergeEntityRefs([]string{"msft"}))
}

func TestStoredItem_Relevant(t *testing.T) {
	t.Parallel()

	item := &StoredItem{}
	assert.False(t, item.Relevant(0.5), "unannotated items are never relevant")

	item.Annotation = &Annotation{RelevanceScore: 0.5}
	assert.False(t, item.Relevant(0.5), "threshold is exclusive")

	item.Annotation.RelevanceScore = 0.51
	assert.True(t, item.Relevant(0.5))
}

func TestAnnotation_Validate(t *testing.T) {
	t.Parallel()

	ok := &Annotation{Sentiment: SentimentPositive, SentimentScore: 0.4, RelevanceScore: 0.9}
	assert.NoError(t, ok.Validate())

	assert.Error(t, (*Annotation)(nil).Validate())
	assert.Error(t, (&Annotation{Sentiment: "bullish"}).Validate())
	assert.Error(t, (&Annotation{Sentiment: SentimentNeutral, SentimentScore: 1.5}).Validate())
	assert.Error(t, (&Annotation{Sentiment: SentimentNeutral, RelevanceScore: -0.1}).Validate())
}

func TestQuotaBudget_Remaining(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 1, 2, 9, 0, 0, 0, time.UTC)
	b := QuotaBudget{WindowStart: start, CallsMade: 4, WindowLimit: 5, WindowDuration: time.Minute}

	assert.Equal(t, 1, b.Remaining(start.Add(30*time.Second)))
	assert.Equal(t, 30*time.Second, b.ResetsIn(start.Add(30*time.Second)))
	assert.True(t, b.Expired(start.Add(time.Minute)))
	assert.Equal(t, 5, b.Remaining(start.Add(time.Minute)))

	b.CallsMade = 7
	assert.Equal(t, 0, b.Remaining(start))
}
