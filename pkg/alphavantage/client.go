// Package alphavantage provides a client for the Alpha Vantage
// NEWS_SENTIMENT endpoint.
package alphavantage

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/market-pulse/internal/resilience"
	"github.com/sells-group/market-pulse/pkg/jsonrows"
)

// TimeLayout is the format of time_published and time_from.
const TimeLayout = "20060102T150405"

// Client defines the Alpha Vantage operations used by the news adapter.
// Feed entries that fail to decode are skipped and reported through a
// *jsonrows.Error returned with the remaining articles.
type Client interface {
	NewsSentiment(ctx context.Context, ticker string, from time.Time, limit int) ([]Article, error)
}

// Article is one entry of the NEWS_SENTIMENT feed.
type Article struct {
	Title                 string            `json:"title"`
	URL                   string            `json:"url"`
	TimePublished         string            `json:"time_published"`
	Summary               string            `json:"summary"`
	Source                string            `json:"source"`
	OverallSentimentScore float64           `json:"overall_sentiment_score"`
	OverallSentimentLabel string            `json:"overall_sentiment_label"`
	TickerSentiment       []TickerSentiment `json:"ticker_sentiment"`
}

// TickerSentiment is a per-ticker score attached to an article.
type TickerSentiment struct {
	Ticker               string `json:"ticker"`
	RelevanceScore       string `json:"relevance_score"`
	TickerSentimentScore string `json:"ticker_sentiment_score"`
	TickerSentimentLabel string `json:"ticker_sentiment_label"`
}

// Published parses TimePublished as UTC.
func (a Article) Published() (time.Time, error) {
	return time.ParseInLocation(TimeLayout, a.TimePublished, time.UTC)
}

type newsResponse struct {
	Feed         []json.RawMessage `json:"feed"`
	Note         string            `json:"Note"`
	Information  string            `json:"Information"`
	ErrorMessage string            `json:"Error Message"`
}

// APIError is returned for non-2xx responses.
type APIError struct {
	StatusCode int
	RetryAfter time.Duration
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("alphavantage: status %d: %s", e.StatusCode, e.Body)
}

// HTTPStatus returns the response status code.
func (e *APIError) HTTPStatus() int { return e.StatusCode }

// RetryHint returns the Retry-After duration, if any.
func (e *APIError) RetryHint() time.Duration { return e.RetryAfter }

// ThrottledError is returned when Alpha Vantage answers 200 with a Note or
// Information payload instead of data, which is how it signals an exhausted
// call allowance.
type ThrottledError struct {
	Message string
}

func (e *ThrottledError) Error() string {
	return "alphavantage: throttled: " + e.Message
}

// RejectedError is returned for an "Error Message" payload, typically an
// invalid key or parameter.
type RejectedError struct {
	Message string
}

func (e *RejectedError) Error() string {
	return "alphavantage: rejected: " + e.Message
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL sets a custom base URL. An empty u keeps the default.
func WithBaseURL(u string) Option {
	return func(c *httpClient) {
		if u != "" {
			c.baseURL = u
		}
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

type httpClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
}

// NewClient creates a new Alpha Vantage client.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: "https://www.alphavantage.co/query",
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) NewsSentiment(ctx context.Context, ticker string, from time.Time, limit int) ([]Article, error) {
	q := url.Values{}
	q.Set("function", "NEWS_SENTIMENT")
	q.Set("tickers", ticker)
	q.Set("sort", "LATEST")
	q.Set("apikey", c.apiKey)
	if !from.IsZero() {
		q.Set("time_from", from.UTC().Format("20060102T1504"))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(min(limit, 1000)))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, eris.Wrap(err, "alphavantage: build request")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrapf(err, "alphavantage: news %s", ticker)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, eris.Wrap(err, "alphavantage: read body")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b := string(body)
		if len(b) > 256 {
			b = b[:256]
		}
		return nil, &APIError{
			StatusCode: resp.StatusCode,
			RetryAfter: resilience.ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
			Body:       b,
		}
	}

	var out newsResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, eris.Wrap(err, "alphavantage: decode response")
	}
	switch {
	case out.ErrorMessage != "":
		return nil, &RejectedError{Message: out.ErrorMessage}
	case out.Note != "":
		return nil, &ThrottledError{Message: out.Note}
	case out.Information != "" && out.Feed == nil:
		return nil, &ThrottledError{Message: out.Information}
	}
	articles, err := jsonrows.Decode[Article](out.Feed)
	if err != nil {
		return articles, eris.Wrapf(err, "alphavantage: news %s", ticker)
	}
	return articles, nil
}
