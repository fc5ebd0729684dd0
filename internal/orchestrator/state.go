// Package orchestrator runs refresh cycles: it plans the next chunk of the
// entity universe against the providers' remaining quota, fetches, dedups,
// enriches and persists it, and advances the universe cursor.
package orchestrator

import (
	"time"

	"github.com/sells-group/market-pulse/internal/model"
)

// State is the orchestrator's position in a cycle.
type State int

const (
	StateIdle State = iota
	StatePlanning
	StateFetching
	StateDeduplicating
	StateEnriching
	StatePersisting
	StatePaused
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePlanning:
		return "planning"
	case StateFetching:
		return "fetching"
	case StateDeduplicating:
		return "deduplicating"
	case StateEnriching:
		return "enriching"
	case StatePersisting:
		return "persisting"
	case StatePaused:
		return "paused"
	default:
		return "unknown"
	}
}

// Result reports the outcome of one cycle.
type Result struct {
	CycleID    string            `json:"cycle_id"`
	Status     model.CycleStatus `json:"status"`
	ChunkStart int               `json:"chunk_start"`
	Entities   []string          `json:"entities"`
	// NextIndex is the universe cursor after the cycle.
	NextIndex      int               `json:"next_index"`
	Advanced       bool              `json:"advanced"`
	Stats          model.CycleStats  `json:"stats"`
	ProviderErrors map[string]string `json:"provider_errors,omitempty"`
	// RetryAfter is the suggested backoff when Status is paused.
	RetryAfter time.Duration `json:"retry_after,omitempty"`
	Error      string        `json:"error,omitempty"`
	Duration   time.Duration `json:"duration"`
}

// Snapshot is the orchestrator's externally visible state.
type Snapshot struct {
	State       string    `json:"state"`
	PausedUntil time.Time `json:"paused_until,omitempty"`
	LastResult  *Result   `json:"last_result,omitempty"`
}
