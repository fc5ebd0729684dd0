// Package enrich attaches oracle annotations to stored items, consulting a
// layered annotation cache so each fingerprint is analyzed at most once.
package enrich

import (
	"context"
	"errors"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rotisserie/eris"

	"github.com/sells-group/market-pulse/internal/model"
)

// Cache maps fingerprints to annotations.
type Cache interface {
	// Get returns the cached annotation for fp. The bool is false on a miss.
	Get(ctx context.Context, fp string) (*model.Annotation, bool, error)
	// PutIfAbsent stores ann unless fp already has an annotation and returns
	// the annotation that is cached afterwards.
	PutIfAbsent(ctx context.Context, fp string, ann *model.Annotation) (*model.Annotation, error)
	// Invalidate drops fp so the next lookup misses.
	Invalidate(ctx context.Context, fp string) error
}

// MemoryCache is a bounded in-process LRU cache.
type MemoryCache struct {
	mu    sync.Mutex
	cache *lru.Cache[string, *model.Annotation]
}

// NewMemoryCache creates an LRU cache holding up to size annotations.
func NewMemoryCache(size int) (*MemoryCache, error) {
	if size <= 0 {
		size = 4096
	}
	c, err := lru.New[string, *model.Annotation](size)
	if err != nil {
		return nil, eris.Wrap(err, "enrich: create lru")
	}
	return &MemoryCache{cache: c}, nil
}

func (m *MemoryCache) Get(_ context.Context, fp string) (*model.Annotation, bool, error) {
	ann, ok := m.cache.Get(fp)
	return ann, ok, nil
}

func (m *MemoryCache) PutIfAbsent(_ context.Context, fp string, ann *model.Annotation) (*model.Annotation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.cache.Get(fp); ok {
		return existing, nil
	}
	m.cache.Add(fp, ann)
	return ann, nil
}

func (m *MemoryCache) Invalidate(_ context.Context, fp string) error {
	m.cache.Remove(fp)
	return nil
}

// AnnotationStore is the persistence subset backing StoreCache.
type AnnotationStore interface {
	GetAnnotation(ctx context.Context, fingerprint string) (*model.Annotation, error)
	PutAnnotationIfAbsent(ctx context.Context, fingerprint string, ann *model.Annotation) (*model.Annotation, error)
	ResetAnnotation(ctx context.Context, fingerprint string) (int, error)
}

// StoreCache is the authoritative cache layer backed by the annotations table.
type StoreCache struct {
	store AnnotationStore
}

// NewStoreCache wraps an annotation store as a Cache.
func NewStoreCache(s AnnotationStore) *StoreCache {
	return &StoreCache{store: s}
}

func (s *StoreCache) Get(ctx context.Context, fp string) (*model.Annotation, bool, error) {
	ann, err := s.store.GetAnnotation(ctx, fp)
	if err != nil {
		return nil, false, err
	}
	return ann, ann != nil, nil
}

func (s *StoreCache) PutIfAbsent(ctx context.Context, fp string, ann *model.Annotation) (*model.Annotation, error) {
	return s.store.PutAnnotationIfAbsent(ctx, fp, ann)
}

// Invalidate removes the stored annotation and marks the items carrying fp
// pending, so the next cycle re-enriches them.
func (s *StoreCache) Invalidate(ctx context.Context, fp string) error {
	_, err := s.store.ResetAnnotation(ctx, fp)
	return err
}

// Layered reads through its layers in order and treats the last layer as the
// authority for PutIfAbsent. Hits in a later layer are copied into earlier
// ones.
type Layered struct {
	layers []Cache
}

// NewLayered builds a cache from fastest to most authoritative layer.
func NewLayered(layers ...Cache) *Layered {
	return &Layered{layers: layers}
}

func (l *Layered) Get(ctx context.Context, fp string) (*model.Annotation, bool, error) {
	var errs []error
	for i, layer := range l.layers {
		ann, ok, err := layer.Get(ctx, fp)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			for _, earlier := range l.layers[:i] {
				_, _ = earlier.PutIfAbsent(ctx, fp, ann)
			}
			return ann, true, nil
		}
	}
	return nil, false, errors.Join(errs...)
}

func (l *Layered) PutIfAbsent(ctx context.Context, fp string, ann *model.Annotation) (*model.Annotation, error) {
	if len(l.layers) == 0 {
		return ann, nil
	}
	winner, err := l.layers[len(l.layers)-1].PutIfAbsent(ctx, fp, ann)
	if err != nil {
		return nil, err
	}
	for _, layer := range l.layers[:len(l.layers)-1] {
		_, _ = layer.PutIfAbsent(ctx, fp, winner)
	}
	return winner, nil
}

func (l *Layered) Invalidate(ctx context.Context, fp string) error {
	var errs []error
	for _, layer := range l.layers {
		if err := layer.Invalidate(ctx, fp); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
