package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/market-pulse/internal/model"
)

// ErrCycleRunning is returned by CreateCycle while another cycle for the
// same group is running, whether in this process or another.
var ErrCycleRunning = eris.New("store: a cycle is already running for this group")

// StaleCycleAfter bounds how long a running record blocks new cycles. A
// process that crashed mid-cycle leaves one behind.
const StaleCycleAfter = time.Hour

// ItemFilter specifies criteria for querying stored items.
type ItemFilter struct {
	Entity string    `json:"entity,omitempty"`
	From   time.Time `json:"from,omitempty"`
	To     time.Time `json:"to,omitempty"`
	// MinRelevance keeps only annotated items scoring strictly above it.
	// Nil returns every item, annotated or not.
	MinRelevance *float64 `json:"min_relevance,omitempty"`
	Limit        int      `json:"limit,omitempty"`
}

// CycleFilter specifies criteria for listing refresh cycles.
type CycleFilter struct {
	Group  string            `json:"group,omitempty"`
	Status model.CycleStatus `json:"status,omitempty"`
	Limit  int               `json:"limit,omitempty"`
}

// DefaultQueryLimit caps unbounded item and cycle queries.
const DefaultQueryLimit = 100

// Store defines the persistence interface for the refresh pipeline.
type Store interface {
	// Items
	UpsertItems(ctx context.Context, items []model.StoredItem) (int, error)
	GetItemByKey(ctx context.Context, dedupKey string) (*model.StoredItem, error)
	GetItemByFingerprint(ctx context.Context, fingerprint string) (*model.StoredItem, error)
	QueryItems(ctx context.Context, filter ItemFilter) ([]model.StoredItem, error)
	ListPending(ctx context.Context, limit int) ([]model.StoredItem, error)
	CountPending(ctx context.Context) (int, error)

	// Annotations
	GetAnnotation(ctx context.Context, fingerprint string) (*model.Annotation, error)
	PutAnnotationIfAbsent(ctx context.Context, fingerprint string, ann *model.Annotation) (*model.Annotation, error)
	ResetAnnotation(ctx context.Context, fingerprint string) (int, error)

	// Cursors and quota
	LoadCursor(ctx context.Context, provider, entity string) (model.FetchCursor, error)
	SaveCursors(ctx context.Context, cursors []model.FetchCursor) error
	LoadQuota(ctx context.Context) ([]model.QuotaBudget, error)
	SaveQuota(ctx context.Context, budgets []model.QuotaBudget) error

	// Cycles. CreateCycle fails with ErrCycleRunning while the group has a
	// running cycle younger than StaleCycleAfter.
	CreateCycle(ctx context.Context, group string, chunkStart int, entities []string) (*model.Cycle, error)
	FinishCycle(ctx context.Context, cycle *model.Cycle) error
	ListCycles(ctx context.Context, filter CycleFilter) ([]model.Cycle, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

func queryLimit(n int) uint64 {
	if n <= 0 {
		return DefaultQueryLimit
	}
	return uint64(n)
}
