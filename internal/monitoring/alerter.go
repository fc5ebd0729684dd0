package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/market-pulse/internal/config"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertCycleFailureRate AlertType = "cycle_failure_rate"
	AlertPendingBacklog   AlertType = "pending_backlog"
	AlertQuotaExhausted   AlertType = "quota_exhausted"
)

// minFinishedCycles is the sample size below which the failure rate is not
// judged.
const minFinishedCycles = 3

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a MetricsSnapshot against configured thresholds
// and sends alerts via webhook when thresholds are breached.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	finished := snap.CyclesCompleted + snap.CyclesFailed
	if finished >= minFinishedCycles && snap.CycleFailRate > a.cfg.FailureRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertCycleFailureRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"Refresh cycle failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d finished in last %dh)",
				snap.CycleFailRate*100, a.cfg.FailureRateThreshold*100,
				snap.CyclesFailed, finished, snap.LookbackHours,
			),
			Details: map[string]any{
				"failure_rate": snap.CycleFailRate,
				"threshold":    a.cfg.FailureRateThreshold,
				"failed":       snap.CyclesFailed,
				"finished":     finished,
			},
			Timestamp: now,
		})
	}

	if a.cfg.PendingThreshold > 0 && snap.PendingDepth > a.cfg.PendingThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertPendingBacklog,
			Severity: "medium",
			Message: fmt.Sprintf(
				"%d items awaiting annotation exceeds threshold %d",
				snap.PendingDepth, a.cfg.PendingThreshold,
			),
			Details: map[string]any{
				"pending":   snap.PendingDepth,
				"threshold": a.cfg.PendingThreshold,
			},
			Timestamp: now,
		})
	}

	for _, q := range snap.Quota {
		if q.Limit == 0 || q.Remaining > 0 {
			continue
		}
		alerts = append(alerts, Alert{
			Type:     AlertQuotaExhausted,
			Severity: "low",
			Message: fmt.Sprintf(
				"Provider %s has no calls left (resets in %s)",
				q.Provider, q.ResetsIn.Round(time.Second),
			),
			Details: map[string]any{
				"provider":  q.Provider,
				"limit":     q.Limit,
				"resets_in": q.ResetsIn.String(),
			},
			Timestamp: now,
		})
	}

	return alerts
}

// SendAlerts delivers alerts to the configured webhook URL.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if err := a.sendWebhook(ctx, alert); err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}

func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
