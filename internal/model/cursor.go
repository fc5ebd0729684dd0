package model

import "time"

// UniverseEntity is the entity slot used for a provider group's position in
// the entity universe. Its LastChunkIndex holds the index of the next entity
// to refresh.
const UniverseEntity = "*"

// FetchCursor records refresh progress for one (provider, entity) pair.
type FetchCursor struct {
	Provider       string    `json:"provider"`
	Entity         string    `json:"entity"`
	LastFetchedAt  time.Time `json:"last_fetched_at"`
	LastChunkIndex int       `json:"last_chunk_index"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// QuotaBudget is the call budget of one provider within a fixed window.
type QuotaBudget struct {
	Provider       string        `json:"provider"`
	WindowStart    time.Time     `json:"window_start"`
	CallsMade      int           `json:"calls_made"`
	WindowLimit    int           `json:"window_limit"`
	WindowDuration time.Duration `json:"window_duration"`
}

// Remaining returns the number of calls left in the window as of now. An
// elapsed window counts as fully available.
func (b QuotaBudget) Remaining(now time.Time) int {
	if b.Expired(now) {
		return b.WindowLimit
	}
	if n := b.WindowLimit - b.CallsMade; n > 0 {
		return n
	}
	return 0
}

// Expired reports whether the window has rolled over as of now.
func (b QuotaBudget) Expired(now time.Time) bool {
	return !now.Before(b.WindowStart.Add(b.WindowDuration))
}

// ResetsIn returns the time left until the window rolls over.
func (b QuotaBudget) ResetsIn(now time.Time) time.Duration {
	d := b.WindowStart.Add(b.WindowDuration).Sub(now)
	if d < 0 {
		return 0
	}
	return d
}
