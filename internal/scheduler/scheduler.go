// Package scheduler drives refresh cycles from a cron schedule and manual
// triggers, one cycle at a time.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/market-pulse/internal/model"
	"github.com/sells-group/market-pulse/internal/orchestrator"
)

// Runner runs one refresh cycle.
type Runner interface {
	RunCycle(ctx context.Context) (*orchestrator.Result, error)
}

// TriggerResult is the outcome of a manual trigger.
type TriggerResult int

const (
	// Accepted means a cycle will start shortly.
	Accepted TriggerResult = iota
	// Coalesced means a cycle is already running or queued.
	Coalesced
)

func (r TriggerResult) String() string {
	if r == Coalesced {
		return "coalesced"
	}
	return "accepted"
}

// BackoffError rejects a trigger while the orchestrator is paused.
type BackoffError struct {
	Remaining time.Duration
}

func (e *BackoffError) Error() string {
	return fmt.Sprintf("refresh paused by provider rate limits, retry in %s", e.Remaining.Round(time.Second))
}

// Config controls when cycles run.
type Config struct {
	// Interval between periodic cycles when Cron is empty.
	Interval time.Duration
	// Cron is a standard five-field expression or descriptor such as
	// "@hourly". It takes precedence over Interval.
	Cron string
	// RunOnStart queues a cycle as soon as Run starts.
	RunOnStart bool
}

// Status is the scheduler's externally visible state.
type Status struct {
	Running     bool                 `json:"running"`
	PausedUntil time.Time            `json:"paused_until,omitempty"`
	NextRun     time.Time            `json:"next_run"`
	LastResult  *orchestrator.Result `json:"last_result,omitempty"`
	LastError   string               `json:"last_error,omitempty"`
}

// Scheduler serializes cycles on the goroutine that calls Run.
type Scheduler struct {
	runner   Runner
	schedule cron.Schedule
	cfg      Config
	trigger  chan struct{}

	mu          sync.Mutex
	running     bool
	pausedUntil time.Time
	nextRun     time.Time
	lastResult  *orchestrator.Result
	lastErr     string

	// nowFunc allows test injection of time.
	nowFunc func() time.Time
}

// New creates a scheduler.
func New(runner Runner, cfg Config) (*Scheduler, error) {
	var schedule cron.Schedule
	if cfg.Cron != "" {
		s, err := cron.ParseStandard(cfg.Cron)
		if err != nil {
			return nil, eris.Wrapf(err, "scheduler: parse cron %q", cfg.Cron)
		}
		schedule = s
	} else {
		if cfg.Interval <= 0 {
			cfg.Interval = 4 * time.Hour
		}
		schedule = cron.Every(cfg.Interval)
	}
	return &Scheduler{
		runner:   runner,
		schedule: schedule,
		cfg:      cfg,
		trigger:  make(chan struct{}, 1),
		nowFunc:  time.Now,
	}, nil
}

// Trigger requests a cycle now.
func (s *Scheduler) Trigger() (TriggerResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return Coalesced, nil
	}
	if remaining := s.pausedUntil.Sub(s.nowFunc()); remaining > 0 {
		return 0, &BackoffError{Remaining: remaining}
	}
	select {
	case s.trigger <- struct{}{}:
		return Accepted, nil
	default:
		return Coalesced, nil
	}
}

// PauseUntil restores a rate-limit backoff recorded before a restart.
// Triggers are rejected and periodic cycles skipped until t.
func (s *Scheduler) PauseUntil(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.After(s.nowFunc()) {
		s.pausedUntil = t
	}
}

// Status returns a snapshot of the scheduler state.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		Running:     s.running,
		PausedUntil: s.pausedUntil,
		NextRun:     s.nextRun,
		LastResult:  s.lastResult,
		LastError:   s.lastErr,
	}
}

// Run blocks until ctx is cancelled. Cancellation also cancels the
// in-flight cycle.
func (s *Scheduler) Run(ctx context.Context) error {
	log := zap.L().With(zap.String("component", "scheduler"))
	if s.cfg.RunOnStart {
		if _, err := s.Trigger(); err != nil {
			log.Info("scheduler: initial cycle deferred", zap.Error(err))
		}
	}

	for {
		now := s.nowFunc()
		next := s.schedule.Next(now)
		s.mu.Lock()
		s.nextRun = next
		pausedUntil := s.pausedUntil
		s.mu.Unlock()

		tick := time.NewTimer(next.Sub(now))
		var resume <-chan time.Time
		var resumeTimer *time.Timer
		if !pausedUntil.IsZero() {
			resumeTimer = time.NewTimer(max(pausedUntil.Sub(now), 0))
			resume = resumeTimer.C
		}

		var reason string
		select {
		case <-ctx.Done():
			tick.Stop()
			if resumeTimer != nil {
				resumeTimer.Stop()
			}
			log.Info("scheduler: stopped")
			return nil
		case <-tick.C:
			reason = "schedule"
		case <-s.trigger:
			reason = "trigger"
		case <-resume:
			reason = "resume"
		}
		tick.Stop()
		if resumeTimer != nil {
			resumeTimer.Stop()
		}

		if reason == "schedule" && s.paused() {
			log.Info("scheduler: skipping periodic cycle during backoff")
			continue
		}
		s.runCycle(ctx, log, reason)
	}
}

func (s *Scheduler) paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pausedUntil.After(s.nowFunc())
}

func (s *Scheduler) runCycle(ctx context.Context, log *zap.Logger, reason string) {
	s.mu.Lock()
	s.running = true
	s.pausedUntil = time.Time{}
	s.mu.Unlock()

	log.Info("scheduler: starting cycle", zap.String("reason", reason))
	res, err := s.safeRun(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
	s.lastErr = ""
	if err != nil {
		s.lastErr = err.Error()
		log.Error("scheduler: cycle failed to run", zap.Error(err))
		return
	}
	s.lastResult = res
	if res != nil && res.Status == model.CycleStatusPaused {
		s.pausedUntil = s.nowFunc().Add(res.RetryAfter)
		log.Warn("scheduler: paused", zap.Time("until", s.pausedUntil))
	}
}

func (s *Scheduler) safeRun(ctx context.Context) (res *orchestrator.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = eris.Errorf("scheduler: cycle panicked: %v", r)
		}
	}()
	return s.runner.RunCycle(ctx)
}
