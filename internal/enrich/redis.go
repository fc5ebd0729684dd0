package enrich

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"

	"github.com/sells-group/market-pulse/internal/model"
)

// RedisClient is the subset of *redis.Client used by RedisCache.
type RedisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// RedisCache shares annotations between processes. SETNX gives the first
// writer of a fingerprint ownership of the entry.
type RedisCache struct {
	client RedisClient
	prefix string
	ttl    time.Duration
}

// NewRedisCache creates a Redis-backed cache. A zero ttl keeps entries
// until invalidated.
func NewRedisCache(client RedisClient, prefix string, ttl time.Duration) *RedisCache {
	if prefix == "" {
		prefix = "pulse:ann:"
	}
	return &RedisCache{client: client, prefix: prefix, ttl: ttl}
}

func (r *RedisCache) key(fp string) string {
	return r.prefix + fp
}

func (r *RedisCache) Get(ctx context.Context, fp string) (*model.Annotation, bool, error) {
	raw, err := r.client.Get(ctx, r.key(fp)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, eris.Wrapf(err, "redis: get %s", fp)
	}
	var ann model.Annotation
	if err := json.Unmarshal(raw, &ann); err != nil {
		return nil, false, eris.Wrapf(err, "redis: decode %s", fp)
	}
	return &ann, true, nil
}

func (r *RedisCache) PutIfAbsent(ctx context.Context, fp string, ann *model.Annotation) (*model.Annotation, error) {
	raw, err := json.Marshal(ann)
	if err != nil {
		return nil, eris.Wrap(err, "redis: encode annotation")
	}
	set, err := r.client.SetNX(ctx, r.key(fp), raw, r.ttl).Result()
	if err != nil {
		return nil, eris.Wrapf(err, "redis: setnx %s", fp)
	}
	if set {
		return ann, nil
	}
	winner, ok, err := r.Get(ctx, fp)
	if err != nil {
		return nil, err
	}
	if !ok {
		// Expired between SETNX and GET.
		return ann, nil
	}
	return winner, nil
}

func (r *RedisCache) Invalidate(ctx context.Context, fp string) error {
	return eris.Wrapf(r.client.Del(ctx, r.key(fp)).Err(), "redis: del %s", fp)
}
