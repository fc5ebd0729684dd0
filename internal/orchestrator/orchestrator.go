package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/market-pulse/internal/dedup"
	"github.com/sells-group/market-pulse/internal/enrich"
	"github.com/sells-group/market-pulse/internal/metrics"
	"github.com/sells-group/market-pulse/internal/model"
	"github.com/sells-group/market-pulse/internal/provider"
	"github.com/sells-group/market-pulse/internal/quota"
	"github.com/sells-group/market-pulse/internal/store"
)

// Config holds the refresh parameters.
type Config struct {
	Group        string
	Entities     []string
	Priority     []string
	MaxChunk     int
	Lookback     time.Duration
	FetchLimit   int
	PendingBatch int
}

// Enricher annotates items in place.
type Enricher interface {
	Enrich(ctx context.Context, items []*model.StoredItem) (enrich.Stats, error)
}

// ErrNoEntities is returned when the universe is empty.
var ErrNoEntities = eris.New("orchestrator: entity universe is empty")

// Orchestrator runs one cycle at a time. RunCycle must not be called
// concurrently; the scheduler serializes cycles.
type Orchestrator struct {
	store    store.Store
	registry *provider.Registry
	tracker  *quota.Tracker
	dedup    *dedup.Deduplicator
	enricher Enricher
	cfg      Config

	mu          sync.RWMutex
	state       State
	pausedUntil time.Time
	last        *Result

	// nowFunc allows test injection of time.
	nowFunc func() time.Time
}

// New creates an orchestrator.
func New(st store.Store, reg *provider.Registry, tracker *quota.Tracker, d *dedup.Deduplicator, e Enricher, cfg Config) *Orchestrator {
	if cfg.Group == "" {
		cfg.Group = "default"
	}
	if cfg.MaxChunk <= 0 {
		cfg.MaxChunk = 25
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = 48 * time.Hour
	}
	entities := make([]string, 0, len(cfg.Entities))
	seen := make(map[string]bool, len(cfg.Entities))
	for _, e := range cfg.Entities {
		e = model.NormalizeEntity(e)
		if e == "" || seen[e] {
			continue
		}
		seen[e] = true
		entities = append(entities, e)
	}
	cfg.Entities = entities
	return &Orchestrator{
		store:    st,
		registry: reg,
		tracker:  tracker,
		dedup:    d,
		enricher: e,
		cfg:      cfg,
		nowFunc:  time.Now,
	}
}

// Snapshot returns the current state and the last cycle result.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return Snapshot{State: o.state.String(), PausedUntil: o.pausedUntil, LastResult: o.last}
}

// State returns the current state.
func (o *Orchestrator) State() State {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
}

// RestoreQuota loads persisted budgets into the tracker so a restart does
// not re-spend a window.
func (o *Orchestrator) RestoreQuota(ctx context.Context) error {
	budgets, err := o.store.LoadQuota(ctx)
	if err != nil {
		return eris.Wrap(err, "orchestrator: load quota")
	}
	o.tracker.Restore(budgets)
	return nil
}

// plan picks the next chunk of the universe.
func (o *Orchestrator) plan(ctx context.Context, entries []provider.Entry) (start int, chunk []string, next int, err error) {
	n := len(o.cfg.Entities)
	if n == 0 {
		return 0, nil, 0, ErrNoEntities
	}
	cur, err := o.store.LoadCursor(ctx, o.cfg.Group, model.UniverseEntity)
	if err != nil {
		return 0, nil, 0, eris.Wrap(err, "orchestrator: load group cursor")
	}
	start = cur.LastChunkIndex
	if start < 0 || start >= n {
		start = 0
	}
	end := min(start+o.chunkSize(entries), n)
	next = end
	if next >= n {
		next = 0
	}
	return start, o.cfg.Entities[start:end], next, nil
}

// chunkSize is the number of entities every quota-limited, entity-scoped
// provider can still afford, clamped to [1, MaxChunk]. Providers with no
// budget left do not shrink the chunk; they will be denied and reported.
func (o *Orchestrator) chunkSize(entries []provider.Entry) int {
	size := o.cfg.MaxChunk
	for _, e := range entries {
		if e.Adapter.Scope() != provider.ScopeEntity {
			continue
		}
		remaining, limited := o.tracker.Remaining(e.Name())
		if !limited || remaining == 0 {
			continue
		}
		size = min(size, remaining/e.CallsPerEntity)
	}
	return max(size, 1)
}

// RunCycle refreshes the next chunk. The returned error is non-nil only
// when the cycle could not be started or recorded; failures inside the
// cycle are reported through Result.
func (o *Orchestrator) RunCycle(ctx context.Context) (*Result, error) {
	started := o.nowFunc()
	log := zap.L().With(zap.String("component", "orchestrator"), zap.String("group", o.cfg.Group))

	o.setState(StatePlanning)
	entries := o.registry.Ordered(o.cfg.Priority)
	start, chunk, next, err := o.plan(ctx, entries)
	if err != nil {
		o.setState(StateIdle)
		return nil, err
	}

	cycle, err := o.store.CreateCycle(ctx, o.cfg.Group, start, chunk)
	if err != nil {
		o.setState(StateIdle)
		return nil, eris.Wrap(err, "orchestrator: create cycle")
	}
	log = log.With(zap.String("cycle_id", cycle.ID))
	log.Info("orchestrator: cycle planned",
		zap.Int("chunk_start", start),
		zap.Strings("entities", chunk),
		zap.Int("providers", len(entries)),
	)

	res := &Result{CycleID: cycle.ID, ChunkStart: start, Entities: chunk, NextIndex: start}
	o.execute(ctx, log, entries, chunk, next, res)
	res.Duration = o.nowFunc().Sub(started)

	cycle.Status = res.Status
	cycle.Stats = res.Stats
	cycle.ProviderErrors = res.ProviderErrors
	cycle.RetryAfter = res.RetryAfter
	cycle.Error = res.Error
	if err := o.store.FinishCycle(context.WithoutCancel(ctx), cycle); err != nil {
		log.Error("orchestrator: failed to record cycle", zap.Error(err))
	}
	metrics.RecordCycle(string(res.Status), res.Duration)

	o.mu.Lock()
	o.last = res
	if res.Status == model.CycleStatusPaused {
		o.state = StatePaused
		o.pausedUntil = o.nowFunc().Add(res.RetryAfter)
	} else {
		o.state = StateIdle
		o.pausedUntil = time.Time{}
	}
	o.mu.Unlock()

	log.Info("orchestrator: cycle finished",
		zap.String("status", string(res.Status)),
		zap.Int("fetched", res.Stats.Fetched),
		zap.Int("new", res.Stats.New),
		zap.Int("duplicates", res.Stats.Duplicates),
		zap.Int("annotated", res.Stats.Annotated),
		zap.Int("pending", res.Stats.Pending),
		zap.Bool("advanced", res.Advanced),
		zap.Duration("duration", res.Duration),
	)
	return res, nil
}

func (o *Orchestrator) execute(ctx context.Context, log *zap.Logger, entries []provider.Entry, chunk []string, next int, res *Result) {
	fail := func(status model.CycleStatus, err error) {
		res.Status = status
		res.Error = err.Error()
		log.Error("orchestrator: cycle aborted", zap.String("status", string(status)), zap.Error(err))
	}
	cancelled := func() bool {
		if ctx.Err() != nil {
			fail(model.CycleStatusCancelled, ctx.Err())
			return true
		}
		return false
	}

	// Fetching
	o.setState(StateFetching)
	fetchedAt := o.nowFunc()
	results := o.fetchAll(ctx, entries, chunk, fetchedAt)
	if cancelled() {
		return
	}

	var (
		raws       []model.RawItem
		cursors    []model.FetchCursor
		succeeded  bool
		rateLimits []time.Duration
	)
	for _, r := range results {
		res.Stats.Malformed += r.malformed
		raws = append(raws, r.items...)
		cursors = append(cursors, r.cursors...)
		if r.calls > 0 {
			succeeded = true
		}
		if r.err != nil {
			if res.ProviderErrors == nil {
				res.ProviderErrors = make(map[string]string)
			}
			res.ProviderErrors[r.name] = r.err.Error()
			var pe *provider.Error
			if errors.As(r.err, &pe) && pe.Kind == provider.KindRateLimited {
				rateLimits = append(rateLimits, pe.RetryAfter)
			}
		}
	}
	res.Stats.Fetched = len(raws)

	if len(entries) > 0 && len(rateLimits) == len(entries) {
		res.Status = model.CycleStatusPaused
		res.RetryAfter = rateLimits[0]
		for _, d := range rateLimits[1:] {
			res.RetryAfter = min(res.RetryAfter, d)
		}
		res.Stats = model.CycleStats{Malformed: res.Stats.Malformed}
		if err := o.store.SaveQuota(context.WithoutCancel(ctx), o.tracker.Snapshot()); err != nil {
			log.Warn("orchestrator: failed to persist quota", zap.Error(err))
		}
		log.Warn("orchestrator: every provider rate limited, pausing",
			zap.Duration("retry_after", res.RetryAfter))
		return
	}

	// Deduplicating
	o.setState(StateDeduplicating)
	batch := o.dedup.NewBatch()
	if o.cfg.PendingBatch > 0 {
		pending, err := o.store.ListPending(ctx, o.cfg.PendingBatch)
		if err != nil {
			log.Warn("orchestrator: failed to load pending items", zap.Error(err))
		}
		for i := range pending {
			batch.Adopt(&pending[i])
		}
	}
	for _, raw := range raws {
		d, err := batch.Check(ctx, raw)
		if errors.Is(err, model.ErrMalformedItem) {
			res.Stats.Malformed++
			metrics.RecordItem("malformed")
			continue
		}
		if err != nil {
			if !cancelled() {
				fail(model.CycleStatusFailed, err)
			}
			return
		}
		switch d.Outcome {
		case dedup.New:
			res.Stats.New++
		case dedup.Duplicate:
			res.Stats.Duplicates++
		case dedup.Update:
			res.Stats.Updates++
		}
		metrics.RecordItem(d.Outcome.String())
	}

	// Enriching
	o.setState(StateEnriching)
	items := batch.Items()
	es, err := o.enricher.Enrich(ctx, items)
	res.Stats.Annotated = es.Annotated
	res.Stats.CacheHits = es.CacheHits
	res.Stats.OracleCalls = es.OracleCalls
	res.Stats.Pending = es.Pending
	if cancelled() {
		return
	}
	if err != nil {
		fail(model.CycleStatusFailed, err)
		return
	}

	// Persisting
	o.setState(StatePersisting)
	values := make([]model.StoredItem, len(items))
	for i, it := range items {
		values[i] = *it
	}
	n, err := o.store.UpsertItems(ctx, values)
	if err != nil {
		fail(model.CycleStatusFailed, eris.Wrap(err, "orchestrator: persist items"))
		return
	}
	res.Stats.Persisted = n

	if succeeded {
		cursors = append(cursors, model.FetchCursor{
			Provider:       o.cfg.Group,
			Entity:         model.UniverseEntity,
			LastFetchedAt:  fetchedAt,
			LastChunkIndex: next,
			UpdatedAt:      o.nowFunc(),
		})
	}
	if err := o.store.SaveCursors(ctx, cursors); err != nil {
		fail(model.CycleStatusFailed, eris.Wrap(err, "orchestrator: save cursors"))
		return
	}
	if err := o.store.SaveQuota(ctx, o.tracker.Snapshot()); err != nil {
		log.Warn("orchestrator: failed to persist quota", zap.Error(err))
	}
	if pending, err := o.store.CountPending(ctx); err == nil {
		metrics.SetPending(pending)
	}

	if !succeeded && len(entries) > 0 {
		res.Status = model.CycleStatusFailed
		res.Error = "no provider succeeded for the chunk"
		return
	}
	res.Status = model.CycleStatusCompleted
	res.Advanced = succeeded
	if succeeded {
		res.NextIndex = next
	}
}
