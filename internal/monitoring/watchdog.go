package monitoring

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/market-pulse/internal/config"
)

const defaultWatchInterval = 5 * time.Minute

// Watchdog samples refresh health on an interval and posts alerts when a
// condition starts firing. An alert that keeps firing is not re-sent until
// it has cleared once.
type Watchdog struct {
	collector *Collector
	alerter   *Alerter
	interval  time.Duration
	lookback  int
	log       *zap.Logger

	firing map[string]bool
}

// NewWatchdog creates a health watchdog. A non-positive check interval
// selects five minutes.
func NewWatchdog(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig) *Watchdog {
	interval := time.Duration(cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = defaultWatchInterval
	}
	return &Watchdog{
		collector: collector,
		alerter:   alerter,
		interval:  interval,
		lookback:  cfg.LookbackWindowHours,
		log:       zap.L().With(zap.String("component", "monitoring.watchdog")),
		firing:    make(map[string]bool),
	}
}

// Run samples once immediately, then on every tick until ctx is cancelled.
func (w *Watchdog) Run(ctx context.Context) {
	w.log.Info("monitoring: watching refresh health",
		zap.Duration("interval", w.interval),
		zap.Int("lookback_hours", w.lookback),
	)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		if ctx.Err() == nil {
			w.sample(ctx)
		}
		select {
		case <-ctx.Done():
			w.log.Info("monitoring: watchdog stopped")
			return
		case <-ticker.C:
		}
	}
}

// sample collects one snapshot, logs it and sends alerts that were not
// firing on the previous sample. It returns the number sent.
func (w *Watchdog) sample(ctx context.Context) int {
	snap, err := w.collector.Collect(ctx, w.lookback)
	if err != nil {
		w.log.Error("monitoring: health snapshot failed", zap.Error(err))
		return 0
	}

	exhausted := exhaustedQuotas(snap)
	fields := []zap.Field{
		zap.Int("pending_depth", snap.PendingDepth),
		zap.Float64("cycle_fail_rate", snap.CycleFailRate),
		zap.Int("cycles", snap.CyclesTotal),
		zap.Int("cycles_paused", snap.CyclesPaused),
		zap.Strings("quota_exhausted", exhausted),
	}
	if snap.LastCycle != nil {
		fields = append(fields,
			zap.String("last_cycle", snap.LastCycle.ID),
			zap.String("last_status", string(snap.LastCycle.Status)),
		)
	}

	alerts := w.alerter.Evaluate(snap)
	if len(alerts) == 0 {
		w.log.Debug("monitoring: refresh healthy", fields...)
	} else {
		w.log.Warn("monitoring: refresh degraded", append(fields, zap.Int("alerts", len(alerts)))...)
	}

	fresh := w.transition(alerts)
	if len(fresh) == 0 {
		return 0
	}
	return w.alerter.SendAlerts(ctx, fresh)
}

// transition records which alerts are firing now and returns those that
// were not firing before.
func (w *Watchdog) transition(alerts []Alert) []Alert {
	now := make(map[string]bool, len(alerts))
	var fresh []Alert
	for _, a := range alerts {
		key := alertKey(a)
		now[key] = true
		if !w.firing[key] {
			fresh = append(fresh, a)
		}
	}
	for key := range w.firing {
		if !now[key] {
			w.log.Info("monitoring: alert cleared", zap.String("alert", key))
		}
	}
	w.firing = now
	return fresh
}

// alertKey separates per-provider quota alerts from each other.
func alertKey(a Alert) string {
	if p, ok := a.Details["provider"].(string); ok {
		return string(a.Type) + ":" + p
	}
	return string(a.Type)
}

func exhaustedQuotas(snap *MetricsSnapshot) []string {
	var out []string
	for _, q := range snap.Quota {
		if q.Limit > 0 && q.Remaining <= 0 {
			out = append(out, q.Provider)
		}
	}
	return out
}
