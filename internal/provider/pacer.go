package provider

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Pacer wraps a rate.Limiter with adaptive rate adjustment.
// On success it increases the rate by 20% (up to 2x initial).
// On an upstream 429 it halves the rate (down to initial/4 minimum).
type Pacer struct {
	mu          sync.Mutex
	name        string
	limiter     *rate.Limiter
	maxRate     rate.Limit
	minRate     rate.Limit
	currentRate rate.Limit
}

// NewPacer creates an adaptive pacer for the named provider.
func NewPacer(name string, initialRate rate.Limit, burst int) *Pacer {
	if burst < 1 {
		burst = 1
	}
	return &Pacer{
		name:        name,
		limiter:     rate.NewLimiter(initialRate, burst),
		maxRate:     initialRate * 2,
		minRate:     initialRate / 4,
		currentRate: initialRate,
	}
}

// Wait blocks until the limiter allows a call.
func (p *Pacer) Wait(ctx context.Context) error {
	return p.limiter.Wait(ctx)
}

// OnSuccess increases the rate by 20%, up to 2x initial.
func (p *Pacer) OnSuccess() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.set(min(p.currentRate*1.2, p.maxRate))
}

// OnRateLimit halves the rate.
func (p *Pacer) OnRateLimit() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.set(max(p.currentRate*0.5, p.minRate))
	zap.L().Warn("provider: reducing call rate after 429",
		zap.String("provider", p.name),
		zap.Float64("new_rate", float64(p.currentRate)),
	)
}

// Limit returns the current rate.
func (p *Pacer) Limit() rate.Limit {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.currentRate
}

func (p *Pacer) set(r rate.Limit) {
	p.currentRate = r
	p.limiter.SetLimit(r)
}
