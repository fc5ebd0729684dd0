// Package oracle defines the annotation oracle contract and its Claude
// implementation.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sells-group/market-pulse/internal/model"
)

// Oracle produces an annotation for one piece of content.
type Oracle interface {
	Annotate(ctx context.Context, title, body string) (*model.Annotation, error)
}

// Kind classifies oracle failures.
type Kind int

const (
	// KindUnavailable covers transport failures and 5xx/overloaded responses.
	KindUnavailable Kind = iota + 1
	// KindQuotaExceeded means the oracle rate-limited the call.
	KindQuotaExceeded
	// KindInvalidResponse means the reply could not be turned into a valid
	// annotation. Retrying the same input is not expected to help.
	KindInvalidResponse
)

func (k Kind) String() string {
	switch k {
	case KindUnavailable:
		return "unavailable"
	case KindQuotaExceeded:
		return "quota_exceeded"
	case KindInvalidResponse:
		return "invalid_response"
	default:
		return "unknown"
	}
}

// Error is the failure type returned by Oracle implementations.
type Error struct {
	Kind       Kind
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	return fmt.Sprintf("oracle %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// RetryHint exposes the oracle's Retry-After to the retry loop.
func (e *Error) RetryHint() time.Duration { return e.RetryAfter }

// Unavailable wraps err as a KindUnavailable failure.
func Unavailable(err error) *Error {
	return &Error{Kind: KindUnavailable, Err: err}
}

// QuotaExceeded wraps err as a KindQuotaExceeded failure.
func QuotaExceeded(err error, retryAfter time.Duration) *Error {
	return &Error{Kind: KindQuotaExceeded, RetryAfter: retryAfter, Err: err}
}

// InvalidResponse wraps err as a KindInvalidResponse failure.
func InvalidResponse(err error) *Error {
	return &Error{Kind: KindInvalidResponse, Err: err}
}

// KindOf returns the Kind of err, or 0 when err is not an *Error.
func KindOf(err error) Kind {
	var oe *Error
	if errors.As(err, &oe) {
		return oe.Kind
	}
	return 0
}

// IsRetryable reports whether another attempt may succeed.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindUnavailable, KindQuotaExceeded:
		return true
	default:
		return false
	}
}
