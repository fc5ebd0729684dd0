package provider

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/market-pulse/internal/metrics"
	"github.com/sells-group/market-pulse/internal/model"
	"github.com/sells-group/market-pulse/internal/quota"
	"github.com/sells-group/market-pulse/internal/resilience"
)

// ErrQuotaDenied is wrapped in the RateLimited error returned when the local
// quota tracker refuses a call.
var ErrQuotaDenied = eris.New("local quota exhausted")

// Guarded wraps an adapter so every call first passes the circuit breaker,
// then obtains a quota reservation, then waits for the pacer. Denials are
// returned immediately and never retried here.
type Guarded struct {
	inner   Adapter
	tracker *quota.Tracker
	pacer   *Pacer
	breaker *resilience.CircuitBreaker
	perCall func(provider string) float64
}

// NewGuarded wraps inner. pacer and breaker may be nil.
func NewGuarded(inner Adapter, tracker *quota.Tracker, pacer *Pacer, breaker *resilience.CircuitBreaker) *Guarded {
	return &Guarded{inner: inner, tracker: tracker, pacer: pacer, breaker: breaker}
}

// WithCost attributes a flat price to every request that reaches the
// provider, e.g. (*cost.Calculator).ProviderCall.
func (g *Guarded) WithCost(perCall func(provider string) float64) *Guarded {
	g.perCall = perCall
	return g
}

func (g *Guarded) Name() string { return g.inner.Name() }

func (g *Guarded) Scope() Scope { return g.inner.Scope() }

// Fetch calls the wrapped adapter and classifies its failure.
func (g *Guarded) Fetch(ctx context.Context, entity string, since time.Time, limit int) ([]model.RawItem, error) {
	name := g.inner.Name()

	if g.breaker != nil {
		if err := g.breaker.Allow(); err != nil {
			metrics.RecordProviderCall(name, "circuit_open", 0)
			return nil, &Error{Provider: name, Kind: KindUnavailable, Err: err}
		}
	}

	res := g.tracker.Reserve(name)
	if !res.Granted {
		metrics.RecordProviderCall(name, "quota_denied", 0)
		return nil, &Error{Provider: name, Kind: KindRateLimited, RetryAfter: res.RetryAfter, Err: ErrQuotaDenied}
	}
	g.reportRemaining(name)

	if g.pacer != nil {
		if err := g.pacer.Wait(ctx); err != nil {
			return nil, eris.Wrapf(err, "provider %s: pace", name)
		}
	}

	start := time.Now()
	items, err := g.inner.Fetch(ctx, entity, since, limit)
	elapsed := time.Since(start)
	if g.perCall != nil {
		metrics.RecordProviderCost(name, g.perCall(name))
	}
	if err != nil && ctx.Err() != nil {
		return nil, ctx.Err()
	}
	// Dropped rows do not make the call a failure.
	var partial error
	if DroppedCount(err) > 0 {
		partial, err = err, nil
	}
	err = Classify(name, err)

	if g.breaker != nil {
		g.breaker.Record(err)
		metrics.SetCircuitOpen(name, g.breaker.State() != resilience.CircuitClosed)
	}

	switch kind := KindOf(err); {
	case err == nil:
		if g.pacer != nil {
			g.pacer.OnSuccess()
		}
		metrics.RecordProviderCall(name, "ok", elapsed)
	case kind == KindRateLimited:
		var pe *Error
		if errors.As(err, &pe) {
			g.tracker.Exhaust(name, pe.RetryAfter)
		}
		if g.pacer != nil {
			g.pacer.OnRateLimit()
		}
		g.reportRemaining(name)
		metrics.RecordProviderCall(name, kind.String(), elapsed)
	default:
		metrics.RecordProviderCall(name, kind.String(), elapsed)
	}
	if err != nil {
		return items, err
	}
	return items, partial
}

func (g *Guarded) reportRemaining(name string) {
	if n, limited := g.tracker.Remaining(name); limited {
		metrics.SetQuotaRemaining(name, n)
	}
}
