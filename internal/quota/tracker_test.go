package quota

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/market-pulse/internal/model"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestTracker(limits map[string]Limit) (*Tracker, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)}
	tr := NewTracker(limits)
	tr.nowFunc = clock.Now
	return tr, clock
}

func TestReserve_GrantsUntilLimit(t *testing.T) {
	tr, _ := newTestTracker(map[string]Limit{"finnhub": {Calls: 3, Window: time.Minute}})

	for i := 0; i < 3; i++ {
		r := tr.Reserve("finnhub")
		require.True(t, r.Granted, "call %d should be granted", i+1)
	}

	r := tr.Reserve("finnhub")
	assert.False(t, r.Granted)
	assert.Equal(t, time.Minute, r.RetryAfter)
}

func TestReserve_DenialDoesNotConsume(t *testing.T) {
	tr, clock := newTestTracker(map[string]Limit{"av": {Calls: 1, Window: time.Minute}})

	require.True(t, tr.Reserve("av").Granted)
	for i := 0; i < 5; i++ {
		assert.False(t, tr.Reserve("av").Granted)
	}

	snap := tr.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, 1, snap[0].CallsMade)

	clock.Advance(20 * time.Second)
	r := tr.Reserve("av")
	assert.False(t, r.Granted)
	assert.Equal(t, 40*time.Second, r.RetryAfter)
}

func TestReserve_WindowResets(t *testing.T) {
	tr, clock := newTestTracker(map[string]Limit{"finnhub": {Calls: 2, Window: time.Minute}})

	tr.Reserve("finnhub")
	tr.Reserve("finnhub")
	assert.False(t, tr.Reserve("finnhub").Granted)

	clock.Advance(time.Minute)
	assert.True(t, tr.Reserve("finnhub").Granted)

	n, limited := tr.Remaining("finnhub")
	assert.True(t, limited)
	assert.Equal(t, 1, n)
}

func TestReserve_UnknownProviderUnlimited(t *testing.T) {
	tr, _ := newTestTracker(nil)

	for i := 0; i < 100; i++ {
		assert.True(t, tr.Reserve("rss").Granted)
	}
	_, limited := tr.Remaining("rss")
	assert.False(t, limited)
}

func TestReserve_ConcurrentNeverExceedsLimit(t *testing.T) {
	tr, _ := newTestTracker(map[string]Limit{"marketaux": {Calls: 25, Window: time.Hour}})

	var granted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if tr.Reserve("marketaux").Granted {
				granted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(25), granted.Load())
	snap := tr.Snapshot()
	require.Len(t, snap, 1)
	assert.LessOrEqual(t, snap[0].CallsMade, snap[0].WindowLimit)
}

func TestExhaust_BlocksUntilRetryAfter(t *testing.T) {
	tr, clock := newTestTracker(map[string]Limit{"finnhub": {Calls: 60, Window: time.Minute}})

	require.True(t, tr.Reserve("finnhub").Granted)
	tr.Exhaust("finnhub", 5*time.Minute)

	r := tr.Reserve("finnhub")
	assert.False(t, r.Granted)
	assert.Equal(t, 5*time.Minute, r.RetryAfter)

	n, _ := tr.Remaining("finnhub")
	assert.Equal(t, 0, n)

	clock.Advance(5 * time.Minute)
	assert.True(t, tr.Reserve("finnhub").Granted)
}

func TestRestore_AppliesOpenWindowsOnly(t *testing.T) {
	tr, clock := newTestTracker(map[string]Limit{
		"av":      {Calls: 25, Window: 24 * time.Hour},
		"finnhub": {Calls: 60, Window: time.Minute},
	})
	now := clock.Now()

	tr.Restore([]model.QuotaBudget{
		{Provider: "av", WindowStart: now.Add(-time.Hour), CallsMade: 20, WindowLimit: 999},
		{Provider: "finnhub", WindowStart: now.Add(-2 * time.Minute), CallsMade: 59},
		{Provider: "unknown", WindowStart: now, CallsMade: 1},
	})

	n, _ := tr.Remaining("av")
	assert.Equal(t, 5, n, "restored calls count against configured limit")

	n, _ = tr.Remaining("finnhub")
	assert.Equal(t, 60, n, "expired windows are not restored")

	assert.Len(t, tr.Snapshot(), 2)
}
