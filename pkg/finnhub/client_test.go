package finnhub

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

func TestCompanyNews_Success(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/company-news", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("X-Finnhub-Token"))
		assert.Equal(t, "AAPL", r.URL.Query().Get("symbol"))
		assert.Equal(t, "2026-04-01", r.URL.Query().Get("from"))
		assert.Equal(t, "2026-04-03", r.URL.Query().Get("to"))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{"id":123,"category":"company","datetime":1775210400,"headline":"Apple beats","related":"AAPL","source":"Reuters","summary":"Revenue up","url":"https://example.com/a"}]`))
	}))
	defer srv.Close()

	c := NewClient("test-key", WithBaseURL(srv.URL))
	from := time.Date(2026, 4, 1, 15, 0, 0, 0, time.UTC)
	to := time.Date(2026, 4, 3, 9, 0, 0, 0, time.UTC)

	got, err := c.CompanyNews(context.Background(), "AAPL", from, to)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int64(123), got[0].ID)
	assert.Equal(t, "Apple beats", got[0].Headline)
	assert.Equal(t, "AAPL", got[0].Related)
}

func TestEarningsCalendar_Success(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/calendar/earnings", r.URL.Path)
		w.Write([]byte(`{"earningsCalendar":[{"date":"2026-04-30","epsActual":null,"epsEstimate":1.62,"hour":"amc","quarter":2,"symbol":"AAPL","year":2026}]}`))
	}))
	defer srv.Close()

	c := NewClient("k", WithBaseURL(srv.URL))
	got, err := c.EarningsCalendar(context.Background(), "AAPL", time.Now(), time.Now().AddDate(0, 3, 0))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Nil(t, got[0].EPSActual)
	require.NotNil(t, got[0].EPSEstimate)
	assert.InDelta(t, 1.62, *got[0].EPSEstimate, 0.0001)
	assert.Equal(t, 2, got[0].Quarter)
}

func TestCompanyNews_RateLimited(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "42")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":"API limit reached"}`))
	}))
	defer srv.Close()

	c := NewClient("k", WithBaseURL(srv.URL))
	_, err := c.CompanyNews(context.Background(), "AAPL", time.Now(), time.Now())
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusTooManyRequests, apiErr.HTTPStatus())
	assert.Equal(t, 42*time.Second, apiErr.RetryHint())
	assert.Contains(t, err.Error(), "429")
}

func TestCompanyNews_BadJSON(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html>maintenance</html>`))
	}))
	defer srv.Close()

	c := NewClient("k", WithBaseURL(srv.URL))
	_, err := c.CompanyNews(context.Background(), "AAPL", time.Now(), time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode response")
}

func TestCompanyNews_SkipsUndecodableRow(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[
			{"id":123,"datetime":1775210400,"headline":"Apple beats","related":"AAPL"},
			{"id":"bad","datetime":1775210400,"headline":"Broken row","related":"AAPL"}
		]`))
	}))
	defer srv.Close()

	c := NewClient("k", WithBaseURL(srv.URL))
	got, err := c.CompanyNews(context.Background(), "AAPL", time.Now(), time.Now())
	require.Error(t, err)
	assert.Equal(t, 1, jsonrows.Skipped(err))
	require.Len(t, got, 1)
	assert.Equal(t, "Apple beats", got[0].Headline)
}

func TestEarningsCalendar_SkipsUndecodableRow(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"earningsCalendar":[{"date":"2026-04-30","quarter":2,"symbol":"AAPL","year":2026},{"date":"2026-05-01","quarter":"Q2","symbol":"AAPL"}]}`))
	}))
	defer srv.Close()

	c := NewClient("k", WithBaseURL(srv.URL))
	got, err := c.EarningsCalendar(context.Background(), "AAPL", time.Now(), time.Now())
	assert.Equal(t, 1, jsonrows.Skipped(err))
	require.Len(t, got, 1)
	assert.Equal(t, "2026-04-30", got[0].Date)
}
