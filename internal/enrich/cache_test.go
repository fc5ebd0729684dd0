package enrich

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/market-pulse/internal/model"
)

func ann(headline string) *model.Annotation {
	return &model.Annotation{
		Tickers:        []string{"AAPL"},
		Sentiment:      model.SentimentPositive,
		SentimentScore: 0.4,
		RelevanceScore: 0.9,
		Headline:       headline,
		Summary:        "s",
	}
}

func TestMemoryCache_PutIfAbsentKeepsFirst(t *testing.T) {
	ctx := context.Background()
	c, err := NewMemoryCache(8)
	require.NoError(t, err)

	_, ok, err := c.Get(ctx, "fp")
	require.NoError(t, err)
	assert.False(t, ok)

	w, err := c.PutIfAbsent(ctx, "fp", ann("first"))
	require.NoError(t, err)
	assert.Equal(t, "first", w.Headline)

	w, err = c.PutIfAbsent(ctx, "fp", ann("second"))
	require.NoError(t, err)
	assert.Equal(t, "first", w.Headline)

	require.NoError(t, c.Invalidate(ctx, "fp"))
	assert.Zero(t, c.cache.Len())
}

func TestMemoryCache_ConcurrentPutSingleWinner(t *testing.T) {
	ctx := context.Background()
	c, err := NewMemoryCache(8)
	require.NoError(t, err)

	var wg sync.WaitGroup
	winners := make([]*model.Annotation, 16)
	for i := range winners {
		wg.Add(1)
		go func() {
			defer wg.Done()
			winners[i], _ = c.PutIfAbsent(ctx, "fp", ann("h"))
		}()
	}
	wg.Wait()
	for _, w := range winners[1:] {
		assert.Same(t, winners[0], w)
	}
}

type fakeAnnotationStore struct {
	anns   map[string]*model.Annotation
	resets []string
	getErr error
}

func (f *fakeAnnotationStore) GetAnnotation(_ context.Context, fp string) (*model.Annotation, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return f.anns[fp], nil
}

func (f *fakeAnnotationStore) PutAnnotationIfAbsent(_ context.Context, fp string, a *model.Annotation) (*model.Annotation, error) {
	if existing, ok := f.anns[fp]; ok {
		return existing, nil
	}
	f.anns[fp] = a
	return a, nil
}

func (f *fakeAnnotationStore) ResetAnnotation(_ context.Context, fp string) (int, error) {
	delete(f.anns, fp)
	f.resets = append(f.resets, fp)
	return 1, nil
}

func TestStoreCache(t *testing.T) {
	ctx := context.Background()
	fs := &fakeAnnotationStore{anns: map[string]*model.Annotation{}}
	c := NewStoreCache(fs)

	_, ok, err := c.Get(ctx, "fp")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = c.PutIfAbsent(ctx, "fp", ann("stored"))
	require.NoError(t, err)
	got, ok, err := c.Get(ctx, "fp")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "stored", got.Headline)

	require.NoError(t, c.Invalidate(ctx, "fp"))
	assert.Equal(t, []string{"fp"}, fs.resets)
}

func TestLayered_BackfillsFasterLayers(t *testing.T) {
	ctx := context.Background()
	mem, err := NewMemoryCache(8)
	require.NoError(t, err)
	fs := &fakeAnnotationStore{anns: map[string]*model.Annotation{"fp": ann("durable")}}
	l := NewLayered(mem, NewStoreCache(fs))

	got, ok, err := l.Get(ctx, "fp")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "durable", got.Headline)

	cached, ok, _ := mem.Get(ctx, "fp")
	require.True(t, ok)
	assert.Equal(t, "durable", cached.Headline)
}

func TestLayered_PutIfAbsentUsesAuthority(t *testing.T) {
	ctx := context.Background()
	mem, err := NewMemoryCache(8)
	require.NoError(t, err)
	fs := &fakeAnnotationStore{anns: map[string]*model.Annotation{"fp": ann("other process")}}
	l := NewLayered(mem, NewStoreCache(fs))

	w, err := l.PutIfAbsent(ctx, "fp", ann("mine"))
	require.NoError(t, err)
	assert.Equal(t, "other process", w.Headline)

	cached, ok, _ := mem.Get(ctx, "fp")
	require.True(t, ok)
	assert.Equal(t, "other process", cached.Headline)
}

func TestLayered_LayerErrorFallsThrough(t *testing.T) {
	ctx := context.Background()
	broken := &fakeAnnotationStore{getErr: errors.New("db down")}
	mem, err := NewMemoryCache(8)
	require.NoError(t, err)
	l := NewLayered(mem, NewStoreCache(broken))

	_, ok, err := l.Get(ctx, "fp")
	assert.False(t, ok)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db down")
}

type fakeRedis struct {
	mu   sync.Mutex
	data map[string]string
	ttls map[string]time.Duration
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{data: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (f *fakeRedis) Get(_ context.Context, key string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeRedis) SetNX(_ context.Context, key string, value any, exp time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.data[key]; ok {
		return redis.NewBoolResult(false, nil)
	}
	f.data[key] = string(value.([]byte))
	f.ttls[key] = exp
	return redis.NewBoolResult(true, nil)
}

func (f *fakeRedis) Del(_ context.Context, keys ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, k := range keys {
		if _, ok := f.data[k]; ok {
			delete(f.data, k)
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

func TestRedisCache(t *testing.T) {
	ctx := context.Background()
	fr := newFakeRedis()
	c := NewRedisCache(fr, "", 24*time.Hour)

	_, ok, err := c.Get(ctx, "fp")
	require.NoError(t, err)
	assert.False(t, ok)

	w, err := c.PutIfAbsent(ctx, "fp", ann("first"))
	require.NoError(t, err)
	assert.Equal(t, "first", w.Headline)
	assert.Equal(t, 24*time.Hour, fr.ttls["pulse:ann:fp"])

	w, err = c.PutIfAbsent(ctx, "fp", ann("second"))
	require.NoError(t, err)
	assert.Equal(t, "first", w.Headline)

	got, ok, err := c.Get(ctx, "fp")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, model.SentimentPositive, got.Sentiment)

	require.NoError(t, c.Invalidate(ctx, "fp"))
	_, ok, err = c.Get(ctx, "fp")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisCache_CorruptEntry(t *testing.T) {
	fr := newFakeRedis()
	fr.data["pulse:ann:fp"] = "{not json"
	c := NewRedisCache(fr, "", 0)

	_, _, err := c.Get(context.Background(), "fp")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode")
}
