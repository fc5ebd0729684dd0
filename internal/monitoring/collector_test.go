package monitoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/market-pulse/internal/model"
	"github.com/sells-group/market-pulse/internal/store"
)

var now = time.Date(2026, 4, 2, 14, 0, 0, 0, time.UTC)

// mockStore implements CycleSource for testing.
type mockStore struct {
	cycles   []model.Cycle
	pending  int
	listErr  error
	countErr error
}

func (m *mockStore) ListCycles(_ context.Context, filter store.CycleFilter) ([]model.Cycle, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	var out []model.Cycle
	for _, c := range m.cycles {
		if filter.Status != "" && c.Status != filter.Status {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func (m *mockStore) CountPending(context.Context) (int, error) {
	return m.pending, m.countErr
}

type mockQuota []model.QuotaBudget

func (m mockQuota) Snapshot() []model.QuotaBudget { return m }

func newTestCollector(st CycleSource, q QuotaSource) *Collector {
	c := NewCollector(st, q)
	c.nowFunc = func() time.Time { return now }
	return c
}

func cycle(status model.CycleStatus, age time.Duration, stats model.CycleStats) model.Cycle {
	return model.Cycle{ID: string(status) + age.String(), Status: status, StartedAt: now.Add(-age), Stats: stats}
}

func TestCollector_EmptyStore(t *testing.T) {
	c := newTestCollector(&mockStore{}, nil)

	snap, err := c.Collect(context.Background(), 24)
	require.NoError(t, err)
	assert.Zero(t, snap.CyclesTotal)
	assert.Zero(t, snap.CycleFailRate)
	assert.Nil(t, snap.LastCycle)
	assert.Equal(t, 24, snap.LookbackHours)
	assert.Equal(t, now, snap.CollectedAt)
}

func TestCollector_CycleMetrics(t *testing.T) {
	st := &mockStore{
		cycles: []model.Cycle{
			cycle(model.CycleStatusCompleted, time.Hour, model.CycleStats{Fetched: 10, New: 4, Annotated: 3, OracleCalls: 2}),
			cycle(model.CycleStatusFailed, 2*time.Hour, model.CycleStats{Fetched: 2}),
			cycle(model.CycleStatusPaused, 3*time.Hour, model.CycleStats{}),
			cycle(model.CycleStatusCompleted, 4*time.Hour, model.CycleStats{Fetched: 5, New: 5, Annotated: 5, OracleCalls: 5}),
			cycle(model.CycleStatusCancelled, 5*time.Hour, model.CycleStats{}),
			// Outside the window.
			cycle(model.CycleStatusFailed, 48*time.Hour, model.CycleStats{Fetched: 100}),
		},
		pending: 7,
	}
	c := newTestCollector(st, nil)

	snap, err := c.Collect(context.Background(), 24)
	require.NoError(t, err)

	assert.Equal(t, 5, snap.CyclesTotal)
	assert.Equal(t, 2, snap.CyclesCompleted)
	assert.Equal(t, 1, snap.CyclesFailed)
	assert.Equal(t, 1, snap.CyclesPaused)
	assert.Equal(t, 1, snap.CyclesCancelled)
	assert.InDelta(t, 1.0/3.0, snap.CycleFailRate, 0.001)
	assert.Equal(t, 17, snap.ItemsFetched)
	assert.Equal(t, 9, snap.ItemsNew)
	assert.Equal(t, 8, snap.Annotated)
	assert.Equal(t, 7, snap.OracleCalls)
	assert.Equal(t, 7, snap.PendingDepth)
	require.NotNil(t, snap.LastCycle)
	assert.Equal(t, st.cycles[0].ID, snap.LastCycle.ID)
}

func TestCollector_Quota(t *testing.T) {
	q := mockQuota{
		{Provider: "marketaux", WindowStart: now.Add(-time.Hour), CallsMade: 100, WindowLimit: 100, WindowDuration: 24 * time.Hour},
		{Provider: "finnhub", WindowStart: now.Add(-30 * time.Second), CallsMade: 20, WindowLimit: 60, WindowDuration: time.Minute},
	}
	c := newTestCollector(&mockStore{}, q)

	snap, err := c.Collect(context.Background(), 24)
	require.NoError(t, err)
	require.Len(t, snap.Quota, 2)

	assert.Equal(t, "finnhub", snap.Quota[0].Provider)
	assert.Equal(t, 40, snap.Quota[0].Remaining)
	assert.Equal(t, 30*time.Second, snap.Quota[0].ResetsIn)
	assert.Equal(t, "marketaux", snap.Quota[1].Provider)
	assert.Zero(t, snap.Quota[1].Remaining)
	assert.Equal(t, 23*time.Hour, snap.Quota[1].ResetsIn)
}

func TestCollector_ListError(t *testing.T) {
	c := newTestCollector(&mockStore{listErr: errors.New("db down")}, nil)
	_, err := c.Collect(context.Background(), 24)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "list cycles")
}

func TestCollector_CountPendingError(t *testing.T) {
	c := newTestCollector(&mockStore{countErr: errors.New("db down")}, nil)
	_, err := c.Collect(context.Background(), 24)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "count pending")
}

func TestCollector_FailureRateZeroFinished(t *testing.T) {
	st := &mockStore{cycles: []model.Cycle{
		cycle(model.CycleStatusRunning, time.Minute, model.CycleStats{}),
		cycle(model.CycleStatusPaused, time.Hour, model.CycleStats{}),
	}}
	c := newTestCollector(st, nil)

	snap, err := c.Collect(context.Background(), 24)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.CyclesRunning)
	assert.Zero(t, snap.CycleFailRate)
}
