// Package quota tracks per-provider call budgets over fixed time windows.
package quota

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/market-pulse/internal/model"
)

// Limit is the call budget of one provider.
type Limit struct {
	Calls  int
	Window time.Duration
}

// Reservation is the outcome of Reserve. When Granted is false, RetryAfter
// is the time until the provider's window resets.
type Reservation struct {
	Granted    bool
	RetryAfter time.Duration
}

// Tracker hands out call permits per provider. Providers without a
// configured limit are unlimited. Safe for concurrent use.
type Tracker struct {
	mu      sync.Mutex
	budgets map[string]*model.QuotaBudget

	// nowFunc allows test injection of time.
	nowFunc func() time.Time
}

// NewTracker creates a tracker for the given per-provider limits. Limits with
// a non-positive call count or window are ignored.
func NewTracker(limits map[string]Limit) *Tracker {
	t := &Tracker{
		budgets: make(map[string]*model.QuotaBudget, len(limits)),
		nowFunc: time.Now,
	}
	for name, l := range limits {
		if l.Calls <= 0 || l.Window <= 0 {
			continue
		}
		t.budgets[name] = &model.QuotaBudget{
			Provider:       name,
			WindowLimit:    l.Calls,
			WindowDuration: l.Window,
		}
	}
	return t
}

// Reserve consumes one call from the provider's budget if any is left.
// Denied reservations do not consume budget.
func (t *Tracker) Reserve(provider string) Reservation {
	t.mu.Lock()
	defer t.mu.Unlock()

	b, ok := t.budgets[provider]
	if !ok {
		return Reservation{Granted: true}
	}

	now := t.nowFunc()
	t.roll(b, now)

	if b.CallsMade >= b.WindowLimit {
		return Reservation{RetryAfter: b.ResetsIn(now)}
	}
	b.CallsMade++
	return Reservation{Granted: true}
}

// Remaining returns the calls left in the current window. limited is false
// for providers without a configured budget.
func (t *Tracker) Remaining(provider string) (n int, limited bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	b, ok := t.budgets[provider]
	if !ok {
		return 0, false
	}
	return b.Remaining(t.nowFunc()), true
}

// Exhaust marks the provider's budget as spent for retryAfter. It is used
// when the provider itself rejects a call that the tracker had granted.
func (t *Tracker) Exhaust(provider string, retryAfter time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	b, ok := t.budgets[provider]
	if !ok {
		return
	}
	now := t.nowFunc()
	t.roll(b, now)
	b.CallsMade = b.WindowLimit
	if resetAt := now.Add(retryAfter); resetAt.After(b.WindowStart.Add(b.WindowDuration)) {
		b.WindowStart = resetAt.Add(-b.WindowDuration)
	}
	zap.L().Warn("quota: provider budget exhausted by upstream",
		zap.String("provider", provider),
		zap.Duration("retry_after", retryAfter),
	)
}

// Snapshot returns a copy of every tracked budget, sorted by provider.
func (t *Tracker) Snapshot() []model.QuotaBudget {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.nowFunc()
	out := make([]model.QuotaBudget, 0, len(t.budgets))
	for _, b := range t.budgets {
		t.roll(b, now)
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out
}

// Restore loads previously persisted budgets. Only budgets for configured
// providers whose window is still open are applied; limits always come from
// the tracker's own configuration.
func (t *Tracker) Restore(budgets []model.QuotaBudget) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.nowFunc()
	for _, saved := range budgets {
		b, ok := t.budgets[saved.Provider]
		if !ok {
			continue
		}
		saved.WindowDuration = b.WindowDuration
		if saved.Expired(now) {
			continue
		}
		b.WindowStart = saved.WindowStart
		b.CallsMade = min(saved.CallsMade, b.WindowLimit)
	}
}

// roll starts a new window once the current one has elapsed.
func (t *Tracker) roll(b *model.QuotaBudget, now time.Time) {
	if b.Expired(now) {
		b.WindowStart = now
		b.CallsMade = 0
	}
}
