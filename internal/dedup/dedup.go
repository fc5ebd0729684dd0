// Package dedup decides whether fetched items are new, updates of stored
// items, or duplicates of stories already seen from another provider.
package dedup

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/market-pulse/internal/fingerprint"
	"github.com/sells-group/market-pulse/internal/model"
)

// Outcome is the classification of a raw item.
type Outcome int

const (
	// New items get a fresh StoredItem.
	New Outcome = iota
	// Duplicate items match a stored item by fingerprint; only their entity
	// refs are kept.
	Duplicate
	// Update items match a stored item by provider and external id.
	Update
)

func (o Outcome) String() string {
	switch o {
	case New:
		return "new"
	case Duplicate:
		return "duplicate"
	case Update:
		return "update"
	default:
		return "unknown"
	}
}

// Decision is the result of checking one raw item. Item is the stored item
// the raw item resolved to, already carrying any merged state.
type Decision struct {
	Outcome Outcome
	Key     string
	Item    *model.StoredItem
}

// Index looks up persisted items. Lookups return nil, nil when nothing
// matches.
type Index interface {
	GetItemByKey(ctx context.Context, key string) (*model.StoredItem, error)
	GetItemByFingerprint(ctx context.Context, fp string) (*model.StoredItem, error)
}

// Deduplicator creates per-chunk batches over a persisted index.
type Deduplicator struct {
	index Index
	fp    *fingerprint.Fingerprinter

	// nowFunc allows test injection of time.
	nowFunc func() time.Time
}

// New returns a Deduplicator. A nil fingerprinter selects the default one.
func New(index Index, fp *fingerprint.Fingerprinter) *Deduplicator {
	if fp == nil {
		fp = fingerprint.New(fingerprint.DefaultBodyPrefix)
	}
	return &Deduplicator{index: index, fp: fp, nowFunc: time.Now}
}

// Batch tracks the items touched while deduplicating one chunk so that
// repeated stories inside the chunk resolve against each other before they
// reach the store. A Batch is not safe for concurrent use.
type Batch struct {
	d     *Deduplicator
	now   time.Time
	byKey map[string]*model.StoredItem
	byFP  map[string]*model.StoredItem
	order []*model.StoredItem
}

// NewBatch starts an empty batch. All items touched by the batch share the
// batch's timestamp.
func (d *Deduplicator) NewBatch() *Batch {
	return &Batch{
		d:     d,
		now:   d.nowFunc().UTC(),
		byKey: make(map[string]*model.StoredItem),
		byFP:  make(map[string]*model.StoredItem),
	}
}

// Adopt registers already-loaded stored items (for example items awaiting
// re-enrichment) so later checks resolve to the same instances.
func (b *Batch) Adopt(items ...*model.StoredItem) {
	for _, it := range items {
		if it == nil {
			continue
		}
		if _, ok := b.byKey[it.DedupKey]; ok {
			continue
		}
		b.track(it)
	}
}

// Check classifies raw against the batch and the persisted index and
// applies the resulting merge to the returned stored item.
func (b *Batch) Check(ctx context.Context, raw model.RawItem) (Decision, error) {
	if err := raw.Validate(); err != nil {
		return Decision{}, err
	}

	if key := raw.ProviderKey(); key != "" {
		existing, err := b.lookupKey(ctx, key)
		if err != nil {
			return Decision{}, err
		}
		if existing != nil {
			existing.LastSeenAt = b.now
			existing.MergeEntityRefs(raw.EntityRefs)
			return Decision{Outcome: Update, Key: key, Item: existing}, nil
		}
	}

	fp := b.d.fp.Sum(raw.Title, raw.Body)
	existing, err := b.lookupFingerprint(ctx, fp)
	if err != nil {
		return Decision{}, err
	}
	if existing != nil {
		existing.MergeEntityRefs(raw.EntityRefs)
		return Decision{Outcome: Duplicate, Key: existing.DedupKey, Item: existing}, nil
	}

	item := &model.StoredItem{
		RawItem:     raw,
		DedupKey:    raw.ProviderKey(),
		Fingerprint: fp,
		FirstSeenAt: b.now,
		LastSeenAt:  b.now,
	}
	if item.DedupKey == "" {
		item.DedupKey = fp
	}
	item.EntityRefs = model.UnionEntities(raw.EntityRefs)
	b.track(item)
	return Decision{Outcome: New, Key: item.DedupKey, Item: item}, nil
}

// Items returns every stored item touched by the batch in first-touch order.
func (b *Batch) Items() []*model.StoredItem {
	out := make([]*model.StoredItem, len(b.order))
	copy(out, b.order)
	return out
}

// Len returns the number of distinct stored items in the batch.
func (b *Batch) Len() int {
	return len(b.order)
}

func (b *Batch) lookupKey(ctx context.Context, key string) (*model.StoredItem, error) {
	if it, ok := b.byKey[key]; ok {
		return it, nil
	}
	it, err := b.d.index.GetItemByKey(ctx, key)
	if err != nil {
		return nil, eris.Wrapf(err, "dedup: lookup key %s", key)
	}
	if it != nil {
		b.track(it)
	}
	return it, nil
}

func (b *Batch) lookupFingerprint(ctx context.Context, fp string) (*model.StoredItem, error) {
	if it, ok := b.byFP[fp]; ok {
		return it, nil
	}
	it, err := b.d.index.GetItemByFingerprint(ctx, fp)
	if err != nil {
		return nil, eris.Wrapf(err, "dedup: lookup fingerprint %s", fp)
	}
	if it == nil {
		return nil, nil
	}
	// The index may hand back an instance already tracked under its key.
	if tracked, ok := b.byKey[it.DedupKey]; ok {
		return tracked, nil
	}
	b.track(it)
	return it, nil
}

func (b *Batch) track(it *model.StoredItem) {
	b.byKey[it.DedupKey] = it
	if it.Fingerprint != "" {
		if _, ok := b.byFP[it.Fingerprint]; !ok {
			b.byFP[it.Fingerprint] = it
		}
	}
	b.order = append(b.order, it)
}
