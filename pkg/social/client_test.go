package social

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/market-pulse/pkg/jsonrows"
)

func TestUserPosts(t *testing.T) {
	var gotPath, gotAuth string
	var gotQuery map[string][]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotQuery = r.URL.Query()
		_, _ = w.Write([]byte(`{"posts":[{"id":"1901","author":"mingchikuo","text":"Apple cuts iPhone orders","created_at":"2026-04-02T12:00:00Z","likes":1200,"retweets":300,"replies":45}]}`))
	}))
	defer srv.Close()

	c := NewClient("tok", WithBaseURL(srv.URL+"/v1/"))
	since := time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)
	got, err := c.UserPosts(context.Background(), "mingchikuo", since, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)

	assert.Equal(t, "/v1/users/mingchikuo/posts", gotPath)
	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Equal(t, []string{"2026-04-01T08:00:00Z"}, gotQuery["since"])
	assert.Equal(t, []string{"10"}, gotQuery["limit"])
	assert.Equal(t, int64(1200), got[0].Likes)
	assert.Equal(t, "https://x.com/mingchikuo/status/1901", got[0].Permalink("mingchikuo"))
}

func TestUserPosts_SkipsUndecodableRow(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"posts":[
			{"id":"1","text":"ok","created_at":"2026-04-02T12:00:00Z","likes":3},
			{"id":"2","text":"bad","created_at":"2026-04-02T12:00:00Z","likes":"many"}
		]}`))
	}))
	defer srv.Close()

	c := NewClient("", WithBaseURL(srv.URL))
	got, err := c.UserPosts(context.Background(), "wsj", time.Time{}, 0)
	assert.Equal(t, 1, jsonrows.Skipped(err))
	require.Len(t, got, 1)
	assert.Equal(t, "1", got[0].ID)
}

func TestUserPosts_RateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "120")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewClient("", WithBaseURL(srv.URL))
	_, err := c.UserPosts(context.Background(), "wsj", time.Time{}, 0)

	var ae *APIError
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, http.StatusTooManyRequests, ae.HTTPStatus())
	assert.Equal(t, 2*time.Minute, ae.RetryHint())
}
