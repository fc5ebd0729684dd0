package monitoring

import (
	"context"
	"sort"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/market-pulse/internal/model"
	"github.com/sells-group/market-pulse/internal/store"
)

// MetricsSnapshot holds a point-in-time view of refresh health.
type MetricsSnapshot struct {
	// Cycle metrics (within lookback window).
	CyclesTotal     int     `json:"cycles_total"`
	CyclesCompleted int     `json:"cycles_completed"`
	CyclesFailed    int     `json:"cycles_failed"`
	CyclesPaused    int     `json:"cycles_paused"`
	CyclesCancelled int     `json:"cycles_cancelled"`
	CyclesRunning   int     `json:"cycles_running"`
	CycleFailRate   float64 `json:"cycle_fail_rate"`

	// Item flow (within lookback window).
	ItemsFetched int `json:"items_fetched"`
	ItemsNew     int `json:"items_new"`
	Annotated    int `json:"annotated"`
	OracleCalls  int `json:"oracle_calls"`

	// Enrichment backlog.
	PendingDepth int `json:"pending_depth"`

	Quota     []QuotaStatus `json:"quota,omitempty"`
	LastCycle *model.Cycle  `json:"last_cycle,omitempty"`

	// Metadata.
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// QuotaStatus is one provider's budget as of collection time.
type QuotaStatus struct {
	Provider  string        `json:"provider"`
	Limit     int           `json:"limit"`
	Remaining int           `json:"remaining"`
	ResetsIn  time.Duration `json:"resets_in"`
}

// CycleSource abstracts the store methods needed by the collector.
type CycleSource interface {
	ListCycles(ctx context.Context, filter store.CycleFilter) ([]model.Cycle, error)
	CountPending(ctx context.Context) (int, error)
}

// QuotaSource reports provider budgets, e.g. a quota.Tracker.
type QuotaSource interface {
	Snapshot() []model.QuotaBudget
}

// maxCycles bounds the cycles scanned per collection.
const maxCycles = 10000

// Collector gathers metrics from the store and quota tracker.
type Collector struct {
	cycles CycleSource
	quota  QuotaSource

	nowFunc func() time.Time
}

// NewCollector creates a new metrics collector. quota may be nil.
func NewCollector(cycles CycleSource, quota QuotaSource) *Collector {
	return &Collector{cycles: cycles, quota: quota, nowFunc: time.Now}
}

// Collect gathers a snapshot of refresh metrics over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := c.nowFunc().UTC()
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}

	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)

	cycles, err := c.cycles.ListCycles(ctx, store.CycleFilter{Limit: maxCycles})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list cycles")
	}
	if len(cycles) > 0 {
		last := cycles[0]
		snap.LastCycle = &last
	}

	for _, cy := range cycles {
		if cy.StartedAt.Before(cutoff) {
			continue
		}
		snap.CyclesTotal++
		switch cy.Status {
		case model.CycleStatusCompleted:
			snap.CyclesCompleted++
		case model.CycleStatusFailed:
			snap.CyclesFailed++
		case model.CycleStatusPaused:
			snap.CyclesPaused++
		case model.CycleStatusCancelled:
			snap.CyclesCancelled++
		case model.CycleStatusRunning:
			snap.CyclesRunning++
		}
		snap.ItemsFetched += cy.Stats.Fetched
		snap.ItemsNew += cy.Stats.New
		snap.Annotated += cy.Stats.Annotated
		snap.OracleCalls += cy.Stats.OracleCalls
	}

	if finished := snap.CyclesCompleted + snap.CyclesFailed; finished > 0 {
		snap.CycleFailRate = float64(snap.CyclesFailed) / float64(finished)
	}

	pending, err := c.cycles.CountPending(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count pending")
	}
	snap.PendingDepth = pending

	if c.quota != nil {
		for _, b := range c.quota.Snapshot() {
			snap.Quota = append(snap.Quota, QuotaStatus{
				Provider:  b.Provider,
				Limit:     b.WindowLimit,
				Remaining: b.Remaining(now),
				ResetsIn:  b.ResetsIn(now),
			})
		}
		sort.Slice(snap.Quota, func(i, j int) bool { return snap.Quota[i].Provider < snap.Quota[j].Provider })
	}

	return snap, nil
}
