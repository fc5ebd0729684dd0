// Package social provides a client for a social timeline gateway that
// serves recent posts of public accounts as JSON.
package social

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/market-pulse/internal/resilience"
	"github.com/sells-group/market-pulse/pkg/jsonrows"
)

// Client defines the timeline operations used by the social adapter.
// Posts that fail to decode are skipped and counted in a *jsonrows.Error
// returned with the others.
type Client interface {
	// UserPosts returns up to limit posts by account created at or after
	// since, newest first. account is given without the leading @.
	UserPosts(ctx context.Context, account string, since time.Time, limit int) ([]Post, error)
}

// Post is one public post.
type Post struct {
	ID        string    `json:"id"`
	Author    string    `json:"author"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
	Likes     int64     `json:"likes"`
	Retweets  int64     `json:"retweets"`
	Replies   int64     `json:"replies"`
	URL       string    `json:"url"`
}

// Permalink returns URL, or the canonical status link when the gateway
// omitted it.
func (p Post) Permalink(account string) string {
	if p.URL != "" {
		return p.URL
	}
	return fmt.Sprintf("https://x.com/%s/status/%s", account, p.ID)
}

type postsResponse struct {
	Posts []json.RawMessage `json:"posts"`
}

// APIError is returned for non-2xx responses.
type APIError struct {
	StatusCode int
	RetryAfter time.Duration
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("social: status %d: %s", e.StatusCode, e.Body)
}

// HTTPStatus returns the response status code.
func (e *APIError) HTTPStatus() int { return e.StatusCode }

// RetryHint returns the Retry-After duration sent by the gateway, if any.
func (e *APIError) RetryHint() time.Duration { return e.RetryAfter }

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL sets a custom base URL. An empty u keeps the default.
func WithBaseURL(u string) Option {
	return func(c *httpClient) {
		if u != "" {
			c.baseURL = strings.TrimRight(u, "/")
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
	token   string
	baseURL string
	http    *http.Client
}

// NewClient creates a new timeline client. token is sent as a bearer
// token when non-empty.
func NewClient(token string, opts ...Option) Client {
	c := &httpClient{
		token:   token,
		baseURL: "http://localhost:8090/v1",
		http:    &http.Client{Timeout: 20 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) UserPosts(ctx context.Context, account string, since time.Time, limit int) ([]Post, error) {
	q := url.Values{}
	if !since.IsZero() {
		q.Set("since", since.UTC().Format(time.RFC3339))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	u := c.baseURL + "/users/" + url.PathEscape(account) + "/posts?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, eris.Wrap(err, "social: build request")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrapf(err, "social: posts @%s", account)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, eris.Wrap(err, "social: read body")
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

	var out postsResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, eris.Wrap(err, "social: decode response")
	}
	posts, err := jsonrows.Decode[Post](out.Posts)
	if err != nil {
		return posts, eris.Wrapf(err, "social: posts @%s", account)
	}
	return posts, nil
}
