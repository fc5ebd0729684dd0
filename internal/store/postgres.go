package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/market-pulse/internal/db"
	"github.com/sells-group/market-pulse/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
	nowFunc func() time.Time
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close, nowFunc: time.Now}, nil
}

// Pool returns the underlying database pool.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS items (
	dedup_key       TEXT PRIMARY KEY,
	fingerprint     TEXT NOT NULL,
	provider        TEXT NOT NULL,
	external_id     TEXT NOT NULL DEFAULT '',
	kind            TEXT NOT NULL DEFAULT 'news',
	entity_refs     TEXT[] NOT NULL DEFAULT '{}',
	published_at    TIMESTAMPTZ NOT NULL,
	title           TEXT NOT NULL DEFAULT '',
	body            TEXT NOT NULL DEFAULT '',
	url             TEXT NOT NULL DEFAULT '',
	engagement      JSONB,
	first_seen_at   TIMESTAMPTZ NOT NULL,
	last_seen_at    TIMESTAMPTZ NOT NULL,
	annotation      JSONB,
	pending         BOOLEAN NOT NULL DEFAULT FALSE,
	enrich_attempts INTEGER NOT NULL DEFAULT 0,
	relevance       DOUBLE PRECISION
);

CREATE INDEX IF NOT EXISTS idx_items_fingerprint ON items(fingerprint, first_seen_at);
CREATE INDEX IF NOT EXISTS idx_items_published_at ON items(published_at DESC);
CREATE INDEX IF NOT EXISTS idx_items_entity_refs ON items USING GIN (entity_refs);
CREATE INDEX IF NOT EXISTS idx_items_pending ON items(first_seen_at) WHERE pending;

CREATE TABLE IF NOT EXISTS annotations (
	fingerprint TEXT PRIMARY KEY,
	annotation  JSONB NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS fetch_cursors (
	provider         TEXT NOT NULL,
	entity           TEXT NOT NULL,
	last_fetched_at  TIMESTAMPTZ,
	last_chunk_index INTEGER NOT NULL DEFAULT 0,
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (provider, entity)
);

CREATE TABLE IF NOT EXISTS quota_budgets (
	provider     TEXT PRIMARY KEY,
	window_start TIMESTAMPTZ NOT NULL,
	calls_made   INTEGER NOT NULL,
	window_limit INTEGER NOT NULL,
	window_ms    BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS cycles (
	id              TEXT PRIMARY KEY,
	grp             TEXT NOT NULL,
	status          TEXT NOT NULL DEFAULT 'running',
	chunk_start     INTEGER NOT NULL DEFAULT 0,
	entities        TEXT[] NOT NULL DEFAULT '{}',
	stats           JSONB NOT NULL DEFAULT '{}',
	provider_errors JSONB,
	retry_after_ms  BIGINT NOT NULL DEFAULT 0,
	error           TEXT NOT NULL DEFAULT '',
	started_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	finished_at     TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_cycles_started_at ON cycles(started_at DESC);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) now() time.Time {
	if s.nowFunc == nil {
		return time.Now().UTC()
	}
	return s.nowFunc().UTC()
}

var itemUpsert = db.UpsertConfig{
	Table: "items",
	Columns: []string{
		"dedup_key", "fingerprint", "provider", "external_id", "kind", "entity_refs",
		"published_at", "title", "body", "url", "engagement", "first_seen_at",
		"last_seen_at", "annotation", "pending", "enrich_attempts", "relevance",
	},
	ConflictKeys: []string{"dedup_key"},
	UpdateCols:   []string{"entity_refs", "last_seen_at", "annotation", "pending", "enrich_attempts", "relevance"},
}

// UpsertItems merges items through a COPY-backed bulk upsert. Existing rows
// keep first_seen_at and content.
func (s *PostgresStore) UpsertItems(ctx context.Context, items []model.StoredItem) (int, error) {
	if len(items) == 0 {
		return 0, nil
	}
	rows := make([][]any, 0, len(items))
	for i := range items {
		it := &items[i]
		enc, err := encodeItem(it)
		if err != nil {
			return 0, err
		}
		rows = append(rows, []any{
			it.DedupKey, it.Fingerprint, it.Provider, it.ExternalID, string(it.Kind),
			nonNil(it.EntityRefs), it.PublishedAt.UTC(), it.Title, it.Body, it.URL,
			enc.engagement, it.FirstSeenAt.UTC(), it.LastSeenAt.UTC(), enc.annotation,
			it.Pending, it.EnrichAttempts, enc.relevance,
		})
	}
	if _, err := db.BulkUpsert(ctx, s.pool, itemUpsert, rows); err != nil {
		return 0, eris.Wrap(err, "postgres: upsert items")
	}
	return len(items), nil
}

func (s *PostgresStore) GetItemByKey(ctx context.Context, dedupKey string) (*model.StoredItem, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+itemColumns+` FROM items WHERE dedup_key = $1`, dedupKey)
	it, err := scanPostgresItem(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return it, eris.Wrapf(err, "postgres: get item %s", dedupKey)
}

// GetItemByFingerprint returns the earliest-seen item carrying fingerprint.
func (s *PostgresStore) GetItemByFingerprint(ctx context.Context, fingerprint string) (*model.StoredItem, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+itemColumns+` FROM items WHERE fingerprint = $1 ORDER BY first_seen_at, dedup_key LIMIT 1`, fingerprint)
	it, err := scanPostgresItem(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return it, eris.Wrapf(err, "postgres: get item by fingerprint %s", fingerprint)
}

func (s *PostgresStore) QueryItems(ctx context.Context, filter ItemFilter) ([]model.StoredItem, error) {
	query, args, err := postgresDialect.itemsQuery(filter)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: build items query")
	}
	return s.queryItems(ctx, query, args...)
}

func (s *PostgresStore) ListPending(ctx context.Context, limit int) ([]model.StoredItem, error) {
	return s.queryItems(ctx,
		`SELECT `+itemColumns+` FROM items WHERE pending ORDER BY first_seen_at, dedup_key LIMIT $1`,
		int64(queryLimit(limit)))
}

func (s *PostgresStore) CountPending(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM items WHERE pending`).Scan(&n)
	return n, eris.Wrap(err, "postgres: count pending")
}

func (s *PostgresStore) queryItems(ctx context.Context, query string, args ...any) ([]model.StoredItem, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: query items")
	}
	defer rows.Close()

	var items []model.StoredItem
	for rows.Next() {
		it, err := scanPostgresItem(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan item")
		}
		items = append(items, *it)
	}
	return items, eris.Wrap(rows.Err(), "postgres: iterate items")
}

func (s *PostgresStore) GetAnnotation(ctx context.Context, fingerprint string) (*model.Annotation, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx,
		`SELECT annotation FROM annotations WHERE fingerprint = $1`, fingerprint).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get annotation %s", fingerprint)
	}
	return decodeAnnotation(string(raw))
}

// PutAnnotationIfAbsent stores ann unless an annotation for fingerprint
// already exists, and returns whichever annotation is stored afterwards.
func (s *PostgresStore) PutAnnotationIfAbsent(ctx context.Context, fingerprint string, ann *model.Annotation) (*model.Annotation, error) {
	raw, err := json.Marshal(ann)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal annotation")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO annotations (fingerprint, annotation, created_at) VALUES ($1, $2, $3) ON CONFLICT (fingerprint) DO NOTHING`,
		fingerprint, string(raw), s.now())
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: put annotation %s", fingerprint)
	}
	winner, err := s.GetAnnotation(ctx, fingerprint)
	if err != nil {
		return nil, err
	}
	if winner == nil {
		return nil, eris.Errorf("postgres: annotation %s vanished after insert", fingerprint)
	}
	return winner, nil
}

// ResetAnnotation drops the stored annotation for fingerprint and marks every
// item carrying it pending. It returns the number of items reset.
func (s *PostgresStore) ResetAnnotation(ctx context.Context, fingerprint string) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: begin reset annotation")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, `DELETE FROM annotations WHERE fingerprint = $1`, fingerprint); err != nil {
		return 0, eris.Wrapf(err, "postgres: delete annotation %s", fingerprint)
	}
	tag, err := tx.Exec(ctx,
		`UPDATE items SET annotation = NULL, relevance = NULL, pending = TRUE, enrich_attempts = 0 WHERE fingerprint = $1`,
		fingerprint)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: reset items %s", fingerprint)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrap(err, "postgres: commit reset annotation")
	}
	return int(tag.RowsAffected()), nil
}

// LoadCursor returns the cursor for (provider, entity), or a zero cursor when
// none has been saved.
func (s *PostgresStore) LoadCursor(ctx context.Context, provider, entity string) (model.FetchCursor, error) {
	c := model.FetchCursor{Provider: provider, Entity: entity}
	var fetched *time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT last_fetched_at, last_chunk_index, updated_at FROM fetch_cursors WHERE provider = $1 AND entity = $2`,
		provider, entity).Scan(&fetched, &c.LastChunkIndex, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return c, nil
	}
	if err != nil {
		return c, eris.Wrapf(err, "postgres: load cursor %s/%s", provider, entity)
	}
	if fetched != nil {
		c.LastFetchedAt = fetched.UTC()
	}
	c.UpdatedAt = c.UpdatedAt.UTC()
	return c, nil
}

var cursorUpsert = db.UpsertConfig{
	Table:        "fetch_cursors",
	Columns:      []string{"provider", "entity", "last_fetched_at", "last_chunk_index", "updated_at"},
	ConflictKeys: []string{"provider", "entity"},
}

func (s *PostgresStore) SaveCursors(ctx context.Context, cursors []model.FetchCursor) error {
	rows := make([][]any, 0, len(cursors))
	for _, c := range cursors {
		var fetched any
		if !c.LastFetchedAt.IsZero() {
			fetched = c.LastFetchedAt.UTC()
		}
		rows = append(rows, []any{c.Provider, c.Entity, fetched, c.LastChunkIndex, c.UpdatedAt.UTC()})
	}
	_, err := db.BulkUpsert(ctx, s.pool, cursorUpsert, rows)
	return eris.Wrap(err, "postgres: save cursors")
}

func (s *PostgresStore) LoadQuota(ctx context.Context) ([]model.QuotaBudget, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT provider, window_start, calls_made, window_limit, window_ms FROM quota_budgets ORDER BY provider`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: load quota")
	}
	defer rows.Close()

	var budgets []model.QuotaBudget
	for rows.Next() {
		var b model.QuotaBudget
		var windowMs int64
		if err := rows.Scan(&b.Provider, &b.WindowStart, &b.CallsMade, &b.WindowLimit, &windowMs); err != nil {
			return nil, eris.Wrap(err, "postgres: scan quota")
		}
		b.WindowStart = b.WindowStart.UTC()
		b.WindowDuration = time.Duration(windowMs) * time.Millisecond
		budgets = append(budgets, b)
	}
	return budgets, eris.Wrap(rows.Err(), "postgres: iterate quota")
}

var quotaUpsert = db.UpsertConfig{
	Table:        "quota_budgets",
	Columns:      []string{"provider", "window_start", "calls_made", "window_limit", "window_ms"},
	ConflictKeys: []string{"provider"},
}

func (s *PostgresStore) SaveQuota(ctx context.Context, budgets []model.QuotaBudget) error {
	rows := make([][]any, 0, len(budgets))
	for _, b := range budgets {
		rows = append(rows, []any{b.Provider, b.WindowStart.UTC(), b.CallsMade, b.WindowLimit, b.WindowDuration.Milliseconds()})
	}
	_, err := db.BulkUpsert(ctx, s.pool, quotaUpsert, rows)
	return eris.Wrap(err, "postgres: save quota")
}

func (s *PostgresStore) CreateCycle(ctx context.Context, group string, chunkStart int, entities []string) (*model.Cycle, error) {
	c := &model.Cycle{
		ID:         uuid.New().String(),
		Group:      group,
		Status:     model.CycleStatusRunning,
		ChunkStart: chunkStart,
		Entities:   entities,
		StartedAt:  s.now(),
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: begin create cycle")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	// Serializes cycle creation per group across processes until commit.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext('pulse:cycle:' || $1))`, group); err != nil {
		return nil, eris.Wrapf(err, "postgres: lock cycle group %s", group)
	}
	var running bool
	err = tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM cycles WHERE grp = $1 AND status = $2 AND started_at > $3)`,
		group, string(model.CycleStatusRunning), c.StartedAt.Add(-StaleCycleAfter)).Scan(&running)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: check running cycle %s", group)
	}
	if running {
		return nil, eris.Wrapf(ErrCycleRunning, "postgres: group %s", group)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO cycles (id, grp, status, chunk_start, entities, started_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		c.ID, c.Group, string(c.Status), c.ChunkStart, nonNil(entities), c.StartedAt)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert cycle")
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "postgres: commit create cycle")
	}
	return c, nil
}

// FinishCycle records the cycle's terminal status, stats and errors. It sets
// FinishedAt when the caller has not.
func (s *PostgresStore) FinishCycle(ctx context.Context, c *model.Cycle) error {
	if c.FinishedAt == nil {
		now := s.now()
		c.FinishedAt = &now
	}
	enc, err := encodeCycle(c)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE cycles SET status = $1, stats = $2, provider_errors = $3, retry_after_ms = $4, error = $5, finished_at = $6 WHERE id = $7`,
		string(c.Status), enc.stats, enc.providerErrors, c.RetryAfter.Milliseconds(), c.Error, *c.FinishedAt, c.ID)
	if err != nil {
		return eris.Wrapf(err, "postgres: finish cycle %s", c.ID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("cycle not found: %s", c.ID)
	}
	return nil
}

func (s *PostgresStore) ListCycles(ctx context.Context, filter CycleFilter) ([]model.Cycle, error) {
	query, args, err := postgresDialect.cyclesQuery(filter)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: build cycles query")
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list cycles")
	}
	defer rows.Close()

	var cycles []model.Cycle
	for rows.Next() {
		var (
			c                     model.Cycle
			status                string
			stats, providerErrors []byte
			retryMs               int64
		)
		if err := rows.Scan(&c.ID, &c.Group, &status, &c.ChunkStart, &c.Entities, &stats,
			&providerErrors, &retryMs, &c.Error, &c.StartedAt, &c.FinishedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan cycle")
		}
		c.Status = model.CycleStatus(status)
		if err := decodeCycle(&c, nil, stats, providerErrors); err != nil {
			return nil, err
		}
		c.RetryAfter = time.Duration(retryMs) * time.Millisecond
		cycles = append(cycles, c)
	}
	return cycles, eris.Wrap(rows.Err(), "postgres: iterate cycles")
}

func scanPostgresItem(row pgx.Row) (*model.StoredItem, error) {
	var (
		it                     model.StoredItem
		kind                   string
		engagement, annotation []byte
	)
	err := row.Scan(&it.DedupKey, &it.Fingerprint, &it.Provider, &it.ExternalID, &kind,
		&it.EntityRefs, &it.PublishedAt, &it.Title, &it.Body, &it.URL, &engagement,
		&it.FirstSeenAt, &it.LastSeenAt, &annotation, &it.Pending, &it.EnrichAttempts)
	if err != nil {
		return nil, err
	}
	it.Kind = model.ItemKind(kind)
	it.PublishedAt = it.PublishedAt.UTC()
	it.FirstSeenAt = it.FirstSeenAt.UTC()
	it.LastSeenAt = it.LastSeenAt.UTC()
	if err := decodeItem(&it, nil, engagement, annotation); err != nil {
		return nil, err
	}
	return &it, nil
}
