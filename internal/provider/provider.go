// Package provider defines the adapter contract for content providers, the
// classification of their failures, and the quota-aware guard the
// orchestrator calls them through.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sells-group/market-pulse/internal/model"
	"github.com/sells-group/market-pulse/internal/resilience"
	"github.com/sells-group/market-pulse/pkg/jsonrows"
)

// Scope says whether an adapter is called once per entity or once per cycle.
type Scope int

const (
	// ScopeEntity adapters are called for every entity in the chunk.
	ScopeEntity Scope = iota
	// ScopeGlobal adapters ignore the entity and are called once per cycle.
	ScopeGlobal
)

func (s Scope) String() string {
	if s == ScopeGlobal {
		return "global"
	}
	return "entity"
}

// Adapter fetches raw items from one external source.
type Adapter interface {
	Name() string
	Scope() Scope
	// Fetch returns items about entity published at or after since, at most
	// limit of them. Global adapters receive an empty entity. A *Dropped
	// error accompanies usable items when some rows could not be parsed.
	Fetch(ctx context.Context, entity string, since time.Time, limit int) ([]model.RawItem, error)
}

// Kind classifies adapter failures.
type Kind int

const (
	KindRateLimited Kind = iota + 1
	KindAuthFailed
	KindUnavailable
	KindMalformed
)

func (k Kind) String() string {
	switch k {
	case KindRateLimited:
		return "rate_limited"
	case KindAuthFailed:
		return "auth_failed"
	case KindUnavailable:
		return "unavailable"
	case KindMalformed:
		return "malformed"
	default:
		return "unknown"
	}
}

// DefaultRetryAfter is used for a 429 without a usable Retry-After header.
const DefaultRetryAfter = 60 * time.Second

// Error is the failure type returned by adapters and the guard.
type Error struct {
	Provider   string
	Kind       Kind
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Kind == KindRateLimited {
		return fmt.Sprintf("provider %s %s (retry after %s): %v", e.Provider, e.Kind, e.RetryAfter, e.Err)
	}
	return fmt.Sprintf("provider %s %s: %v", e.Provider, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// RetryHint exposes RetryAfter to resilience helpers.
func (e *Error) RetryHint() time.Duration { return e.RetryAfter }

// KindOf returns the Kind of err, or 0 when err is not an *Error.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return 0
}

// IsUnavailable reports whether err should count against a provider's
// circuit breaker.
func IsUnavailable(err error) bool {
	return KindOf(err) == KindUnavailable
}

// Dropped reports rows a provider sent that could not be turned into items.
// The call itself succeeded and the items returned with it are valid.
type Dropped struct {
	Provider string
	Count    int
	Err      error
}

func (d *Dropped) Error() string {
	return fmt.Sprintf("provider %s dropped %d malformed row(s): %v", d.Provider, d.Count, d.Err)
}

func (d *Dropped) Unwrap() error { return d.Err }

// DroppedCount returns the number of rows err reports as dropped, or 0.
func DroppedCount(err error) int {
	var d *Dropped
	if errors.As(err, &d) {
		return d.Count
	}
	return 0
}

// rowDrops accumulates unusable rows while an adapter maps a response.
type rowDrops struct {
	provider string
	count    int
	first    error
}

// absorb takes the row-level part of a client error. It returns nil when
// err only reported skipped rows, and err unchanged otherwise.
func (d *rowDrops) absorb(err error) error {
	n := jsonrows.Skipped(err)
	if n == 0 {
		return err
	}
	d.count += n
	if d.first == nil {
		d.first = err
	}
	return nil
}

func (d *rowDrops) add(err error) {
	d.count++
	if d.first == nil {
		d.first = err
	}
}

func (d *rowDrops) err() error {
	if d.count == 0 {
		return nil
	}
	return &Dropped{Provider: d.provider, Count: d.count, Err: d.first}
}

// statusCoder is implemented by the pkg client API errors.
type statusCoder interface {
	HTTPStatus() int
}

// Classify turns a client error into an *Error for provider. Errors that
// are already classified pass through unchanged.
func Classify(provider string, err error) error {
	if err == nil {
		return nil
	}
	var pe *Error
	var d *Dropped
	if errors.As(err, &pe) || errors.As(err, &d) {
		return err
	}

	e := &Error{Provider: provider, Err: err}

	var sc statusCoder
	if errors.As(err, &sc) {
		status := sc.HTTPStatus()
		switch {
		case status == http.StatusUnauthorized || status == http.StatusForbidden:
			e.Kind = KindAuthFailed
		case status == http.StatusTooManyRequests:
			e.Kind = KindRateLimited
			e.RetryAfter = DefaultRetryAfter
			var hint resilience.RetryHinter
			if errors.As(err, &hint) && hint.RetryHint() > 0 {
				e.RetryAfter = hint.RetryHint()
			}
		case status == http.StatusRequestTimeout || status >= 500:
			e.Kind = KindUnavailable
		default:
			e.Kind = KindMalformed
		}
		return e
	}

	// Anything that is not a decode failure is a transport problem:
	// timeouts, refused connections, truncated bodies.
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		e.Kind = KindMalformed
	} else {
		e.Kind = KindUnavailable
	}
	return e
}
