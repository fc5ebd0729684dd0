// Package marketaux provides a client for the Marketaux news API.
package marketaux

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

// Client defines the Marketaux operations used by the news adapter. Bad
// rows in data are skipped and counted in a *jsonrows.Error.
type Client interface {
	News(ctx context.Context, symbol string, publishedAfter time.Time, limit int) ([]Article, error)
}

// Article is one entry of /v1/news/all.
type Article struct {
	UUID        string    `json:"uuid"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Snippet     string    `json:"snippet"`
	URL         string    `json:"url"`
	Source      string    `json:"source"`
	PublishedAt time.Time `json:"published_at"`
	Entities    []Entity  `json:"entities"`
}

// Entity is a security mentioned in an article.
type Entity struct {
	Symbol         string  `json:"symbol"`
	Name           string  `json:"name"`
	Type           string  `json:"type"`
	MatchScore     float64 `json:"match_score"`
	SentimentScore float64 `json:"sentiment_score"`
}

type newsResponse struct {
	Data []json.RawMessage `json:"data"`
}

type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// APIError is returned for non-2xx responses.
type APIError struct {
	StatusCode int
	RetryAfter time.Duration
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("marketaux: status %d: %s %s", e.StatusCode, e.Code, e.Message)
}

// HTTPStatus returns the response status code.
func (e *APIError) HTTPStatus() int { return e.StatusCode }

// RetryHint returns the Retry-After duration, if any.
func (e *APIError) RetryHint() time.Duration { return e.RetryAfter }

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

// NewClient creates a new Marketaux client.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: "https://api.marketaux.com",
		http:    &http.Client{Timeout: 20 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) News(ctx context.Context, symbol string, publishedAfter time.Time, limit int) ([]Article, error) {
	q := url.Values{}
	q.Set("api_token", c.apiKey)
	q.Set("symbols", symbol)
	q.Set("language", "en")
	q.Set("filter_entities", "true")
	if !publishedAfter.IsZero() {
		q.Set("published_after", publishedAfter.UTC().Format("2006-01-02T15:04"))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/news/all?"+q.Encode(), nil)
	if err != nil {
		return nil, eris.Wrap(err, "marketaux: build request")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrapf(err, "marketaux: news %s", symbol)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, eris.Wrap(err, "marketaux: read body")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{
			StatusCode: resp.StatusCode,
			RetryAfter: resilience.ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
		}
		var er errorResponse
		if json.Unmarshal(body, &er) == nil {
			apiErr.Code = er.Error.Code
			apiErr.Message = er.Error.Message
		}
		return nil, apiErr
	}

	var out newsResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, eris.Wrap(err, "marketaux: decode response")
	}
	articles, err := jsonrows.Decode[Article](out.Data)
	if err != nil {
		return articles, eris.Wrapf(err, "marketaux: news %s", symbol)
	}
	return articles, nil
}
