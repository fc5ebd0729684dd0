package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/market-pulse/internal/cost"
	"github.com/sells-group/market-pulse/internal/metrics"
	"github.com/sells-group/market-pulse/internal/model"
	"github.com/sells-group/market-pulse/internal/resilience"
	"github.com/sells-group/market-pulse/pkg/anthropic"
)

const systemPrompt = `You are a financial news analyst covering publicly traded companies.
Analyze the item you are given and extract:
1. tickers: stock tickers the item is about, e.g. ["AAPL", "MSFT"]
2. sentiment: one of "positive", "negative", "neutral"
3. sentiment_score: -1.0 (very negative) to 1.0 (very positive), 0 is neutral
4. relevance_score: 0.0 to 1.0, how material the item is to investors
5. headline: a concise headline of at most 15 words
6. summary: a 1-2 sentence summary

Score relevance high only for company-specific financial or business news:
earnings, guidance, acquisitions, product launches, executive moves, regulation,
market-moving events. Score opinions, memes and general chatter low.

Respond with a single JSON object with exactly these keys and no other text.`

// ClaudeConfig configures the Claude annotator.
type ClaudeConfig struct {
	Model     string
	MaxTokens int64
	// BodyChars caps the body runes sent to the model.
	BodyChars int
}

// Claude annotates content with the Anthropic Messages API.
type Claude struct {
	client  anthropic.Client
	cfg     ClaudeConfig
	costs   *cost.Calculator
	system  []anthropic.SystemBlock
	nowFunc func() time.Time
}

// NewClaude creates a Claude annotator. costs may be nil.
func NewClaude(client anthropic.Client, cfg ClaudeConfig, costs *cost.Calculator) *Claude {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}
	if cfg.BodyChars <= 0 {
		cfg.BodyChars = 4000
	}
	return &Claude{
		client:  client,
		cfg:     cfg,
		costs:   costs,
		system:  anthropic.BuildCachedSystemBlocks(systemPrompt),
		nowFunc: time.Now,
	}
}

type annotationReply struct {
	Tickers        []string `json:"tickers"`
	Sentiment      string   `json:"sentiment"`
	SentimentScore *float64 `json:"sentiment_score"`
	RelevanceScore *float64 `json:"relevance_score"`
	Headline       string   `json:"headline"`
	Summary        string   `json:"summary"`
}

// Annotate asks Claude for an annotation of title and body.
func (c *Claude) Annotate(ctx context.Context, title, body string) (*model.Annotation, error) {
	temp := 0.0
	req := anthropic.MessageRequest{
		Model:       c.cfg.Model,
		MaxTokens:   c.cfg.MaxTokens,
		System:      c.system,
		Messages:    []anthropic.Message{{Role: "user", Content: userMessage(title, body, c.cfg.BodyChars)}},
		Temperature: &temp,
	}

	resp, err := c.client.CreateMessage(ctx, req)
	if err != nil {
		oerr := classify(err)
		metrics.RecordOracleCall(c.cfg.Model, oerr.Kind.String(), 0)
		return nil, oerr
	}

	modelID := resp.Model
	if modelID == "" {
		modelID = c.cfg.Model
	}
	c.recordCost(modelID, resp.Usage)

	ann, err := parseAnnotation(resp.Text())
	if err != nil {
		zap.L().Warn("oracle: invalid annotation reply",
			zap.String("model", modelID),
			zap.String("stop_reason", resp.StopReason),
			zap.Error(err),
		)
		return nil, InvalidResponse(err)
	}
	ann.Model = modelID
	ann.AnnotatedAt = c.nowFunc().UTC()
	return ann, nil
}

func (c *Claude) recordCost(modelID string, u anthropic.TokenUsage) {
	var usd float64
	if c.costs != nil {
		usd = c.costs.Claude(modelID, u.InputTokens, u.OutputTokens, u.CacheCreationInputTokens, u.CacheReadInputTokens)
	}
	metrics.RecordOracleCall(modelID, "ok", usd)
	zap.L().Debug("oracle: cost attribution",
		zap.String("model", modelID),
		zap.Int64("input_tokens", u.InputTokens),
		zap.Int64("output_tokens", u.OutputTokens),
		zap.Int64("cache_write_tokens", u.CacheCreationInputTokens),
		zap.Int64("cache_read_tokens", u.CacheReadInputTokens),
		zap.Float64("estimated_cost_usd", usd),
	)
}

func userMessage(title, body string, bodyChars int) string {
	if utf8.RuneCountInString(body) > bodyChars {
		body = string([]rune(body)[:bodyChars])
	}
	var b strings.Builder
	b.WriteString("Title: ")
	b.WriteString(strings.TrimSpace(title))
	b.WriteString("\n\nBody:\n")
	b.WriteString(strings.TrimSpace(body))
	return b.String()
}

// classify maps client failures onto oracle error kinds: 429 is a quota
// failure, 408/5xx/529 and transport errors are unavailability, and any
// other status is treated as an unusable response.
func classify(err error) *Error {
	var apiErr *anthropic.APIError
	if !errors.As(err, &apiErr) {
		return Unavailable(err)
	}
	switch {
	case apiErr.StatusCode == http.StatusTooManyRequests:
		return QuotaExceeded(err, apiErr.RetryAfter)
	case resilience.IsTransientHTTPStatus(apiErr.StatusCode):
		return &Error{Kind: KindUnavailable, RetryAfter: apiErr.RetryAfter, Err: err}
	default:
		return InvalidResponse(err)
	}
}

// parseAnnotation extracts the first JSON object from text and validates it.
func parseAnnotation(text string) (*model.Annotation, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, eris.New("no JSON object in reply")
	}

	var reply annotationReply
	if err := json.Unmarshal([]byte(text[start:end+1]), &reply); err != nil {
		return nil, eris.Wrap(err, "decode annotation reply")
	}
	if reply.SentimentScore == nil || reply.RelevanceScore == nil {
		return nil, eris.New("reply is missing a score")
	}

	ann := &model.Annotation{
		Tickers:        model.UnionEntities(reply.Tickers),
		Sentiment:      model.Sentiment(strings.ToLower(strings.TrimSpace(reply.Sentiment))),
		SentimentScore: *reply.SentimentScore,
		RelevanceScore: *reply.RelevanceScore,
		Headline:       strings.TrimSpace(reply.Headline),
		Summary:        strings.TrimSpace(reply.Summary),
	}
	if ann.Tickers == nil {
		ann.Tickers = []string{}
	}
	if err := ann.Validate(); err != nil {
		return nil, err
	}
	return ann, nil
}
