// Package finnhub provides a client for the Finnhub company news and
// earnings calendar APIs.
package finnhub

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/market-pulse/internal/resilience"
	"github.com/sells-group/market-pulse/pkg/jsonrows"
)

// Client defines the Finnhub operations used by the provider adapters.
// Rows that fail to decode are skipped; the rest are returned alongside a
// *jsonrows.Error counting them.
type Client interface {
	// CompanyNews returns news for symbol published between from and to
	// (inclusive calendar dates).
	CompanyNews(ctx context.Context, symbol string, from, to time.Time) ([]NewsArticle, error)
	// EarningsCalendar returns scheduled and reported earnings for symbol.
	EarningsCalendar(ctx context.Context, symbol string, from, to time.Time) ([]Earning, error)
}

// NewsArticle is one entry of the company-news response.
type NewsArticle struct {
	ID       int64  `json:"id"`
	Category string `json:"category"`
	Datetime int64  `json:"datetime"`
	Headline string `json:"headline"`
	Image    string `json:"image"`
	Related  string `json:"related"`
	Source   string `json:"source"`
	Summary  string `json:"summary"`
	URL      string `json:"url"`
}

// Earning is one entry of the earnings calendar.
type Earning struct {
	Date            string   `json:"date"`
	EPSActual       *float64 `json:"epsActual"`
	EPSEstimate     *float64 `json:"epsEstimate"`
	Hour            string   `json:"hour"`
	Quarter         int      `json:"quarter"`
	RevenueActual   *float64 `json:"revenueActual"`
	RevenueEstimate *float64 `json:"revenueEstimate"`
	Symbol          string   `json:"symbol"`
	Year            int      `json:"year"`
}

type earningsResponse struct {
	EarningsCalendar []json.RawMessage `json:"earningsCalendar"`
}

// APIError is returned for non-2xx responses.
type APIError struct {
	StatusCode int
	RetryAfter time.Duration
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("finnhub: status %d: %s", e.StatusCode, e.Body)
}

// HTTPStatus returns the response status code.
func (e *APIError) HTTPStatus() int { return e.StatusCode }

// RetryHint returns the Retry-After duration sent by Finnhub, if any.
func (e *APIError) RetryHint() time.Duration { return e.RetryAfter }

// Option configures the Finnhub client.
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

// NewClient creates a new Finnhub client.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: "https://finnhub.io/api/v1",
		http:    &http.Client{Timeout: 20 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

const dateLayout = "2006-01-02"

func (c *httpClient) CompanyNews(ctx context.Context, symbol string, from, to time.Time) ([]NewsArticle, error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("from", from.UTC().Format(dateLayout))
	q.Set("to", to.UTC().Format(dateLayout))

	var rows []json.RawMessage
	if err := c.get(ctx, "/company-news", q, &rows); err != nil {
		return nil, eris.Wrapf(err, "finnhub: company news %s", symbol)
	}
	articles, err := jsonrows.Decode[NewsArticle](rows)
	if err != nil {
		return articles, eris.Wrapf(err, "finnhub: company news %s", symbol)
	}
	return articles, nil
}

func (c *httpClient) EarningsCalendar(ctx context.Context, symbol string, from, to time.Time) ([]Earning, error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("from", from.UTC().Format(dateLayout))
	q.Set("to", to.UTC().Format(dateLayout))

	var resp earningsResponse
	if err := c.get(ctx, "/calendar/earnings", q, &resp); err != nil {
		return nil, eris.Wrapf(err, "finnhub: earnings calendar %s", symbol)
	}
	earnings, err := jsonrows.Decode[Earning](resp.EarningsCalendar)
	if err != nil {
		return earnings, eris.Wrapf(err, "finnhub: earnings calendar %s", symbol)
	}
	return earnings, nil
}

func (c *httpClient) get(ctx context.Context, path string, q url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+q.Encode(), nil)
	if err != nil {
		return eris.Wrap(err, "build request")
	}
	req.Header.Set("X-Finnhub-Token", c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return eris.Wrap(err, "do request")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return eris.Wrap(err, "read body")
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{
			StatusCode: resp.StatusCode,
			RetryAfter: resilience.ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
			Body:       truncate(string(body), 256),
		}
	}

	if err := json.Unmarshal(body, out); err != nil {
		return eris.Wrap(err, "decode response")
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
