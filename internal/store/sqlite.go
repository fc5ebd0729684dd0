package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/market-pulse/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. Timestamps are
// stored as unix milliseconds so range filters compare numerically.
type SQLiteStore struct {
	db      *sql.DB
	nowFunc func() time.Time
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db, nowFunc: time.Now}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS items (
	dedup_key       TEXT PRIMARY KEY,
	fingerprint     TEXT NOT NULL,
	provider        TEXT NOT NULL,
	external_id     TEXT NOT NULL DEFAULT '',
	kind            TEXT NOT NULL DEFAULT 'news',
	entity_refs     TEXT NOT NULL DEFAULT '[]',
	published_at    INTEGER NOT NULL,
	title           TEXT NOT NULL DEFAULT '',
	body            TEXT NOT NULL DEFAULT '',
	url             TEXT NOT NULL DEFAULT '',
	engagement      TEXT,
	first_seen_at   INTEGER NOT NULL,
	last_seen_at    INTEGER NOT NULL,
	annotation      TEXT,
	relevance       REAL,
	pending         INTEGER NOT NULL DEFAULT 0,
	enrich_attempts INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS annotations (
	fingerprint TEXT PRIMARY KEY,
	annotation  TEXT NOT NULL,
	created_at  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS fetch_cursors (
	provider         TEXT NOT NULL,
	entity           TEXT NOT NULL,
	last_fetched_at  INTEGER NOT NULL DEFAULT 0,
	last_chunk_index INTEGER NOT NULL DEFAULT 0,
	updated_at       INTEGER NOT NULL,
	PRIMARY KEY (provider, entity)
);

CREATE TABLE IF NOT EXISTS quota_budgets (
	provider     TEXT PRIMARY KEY,
	window_start INTEGER NOT NULL,
	calls_made   INTEGER NOT NULL,
	window_limit INTEGER NOT NULL,
	window_ms    INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS cycles (
	id              TEXT PRIMARY KEY,
	grp             TEXT NOT NULL,
	status          TEXT NOT NULL DEFAULT 'running',
	chunk_start     INTEGER NOT NULL DEFAULT 0,
	entities        TEXT NOT NULL DEFAULT '[]',
	stats           TEXT NOT NULL DEFAULT '{}',
	provider_errors TEXT,
	retry_after_ms  INTEGER NOT NULL DEFAULT 0,
	error           TEXT NOT NULL DEFAULT '',
	started_at      INTEGER NOT NULL,
	finished_at     INTEGER
);

CREATE INDEX IF NOT EXISTS idx_items_fingerprint ON items(fingerprint, first_seen_at);
CREATE INDEX IF NOT EXISTS idx_items_published_at ON items(published_at);
CREATE INDEX IF NOT EXISTS idx_items_pending ON items(pending, first_seen_at);
CREATE INDEX IF NOT EXISTS idx_cycles_started_at ON cycles(started_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const sqliteUpsertItem = `INSERT INTO items (` + itemColumns + `, relevance)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(dedup_key) DO UPDATE SET
	entity_refs = excluded.entity_refs,
	last_seen_at = excluded.last_seen_at,
	annotation = excluded.annotation,
	relevance = excluded.relevance,
	pending = excluded.pending,
	enrich_attempts = excluded.enrich_attempts`

// UpsertItems writes items in a single transaction. An existing row keeps its
// first_seen_at and content; only the mutable fields are replaced.
func (s *SQLiteStore) UpsertItems(ctx context.Context, items []model.StoredItem) (int, error) {
	if len(items) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin upsert items")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, sqliteUpsertItem)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: prepare upsert items")
	}
	defer stmt.Close() //nolint:errcheck

	for i := range items {
		it := &items[i]
		enc, err := encodeItem(it)
		if err != nil {
			return 0, err
		}
		_, err = stmt.ExecContext(ctx,
			it.DedupKey, it.Fingerprint, it.Provider, it.ExternalID, string(it.Kind),
			enc.entityRefs, toMillis(it.PublishedAt), it.Title, it.Body, it.URL,
			enc.engagement, toMillis(it.FirstSeenAt), toMillis(it.LastSeenAt),
			enc.annotation, it.Pending, it.EnrichAttempts, enc.relevance,
		)
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: upsert item %s", it.DedupKey)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit upsert items")
	}
	return len(items), nil
}

func (s *SQLiteStore) GetItemByKey(ctx context.Context, dedupKey string) (*model.StoredItem, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM items WHERE dedup_key = ?`, dedupKey)
	it, err := scanSQLiteItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return it, eris.Wrapf(err, "sqlite: get item %s", dedupKey)
}

// GetItemByFingerprint returns the earliest-seen item carrying fingerprint.
func (s *SQLiteStore) GetItemByFingerprint(ctx context.Context, fingerprint string) (*model.StoredItem, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM items WHERE fingerprint = ? ORDER BY first_seen_at, dedup_key LIMIT 1`, fingerprint)
	it, err := scanSQLiteItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return it, eris.Wrapf(err, "sqlite: get item by fingerprint %s", fingerprint)
}

func (s *SQLiteStore) QueryItems(ctx context.Context, filter ItemFilter) ([]model.StoredItem, error) {
	query, args, err := sqliteDialect.itemsQuery(filter)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: build items query")
	}
	return s.queryItems(ctx, query, args...)
}

func (s *SQLiteStore) ListPending(ctx context.Context, limit int) ([]model.StoredItem, error) {
	return s.queryItems(ctx,
		`SELECT `+itemColumns+` FROM items WHERE pending = 1 ORDER BY first_seen_at, dedup_key LIMIT ?`,
		queryLimit(limit))
}

func (s *SQLiteStore) CountPending(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM items WHERE pending = 1`).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count pending")
}

func (s *SQLiteStore) queryItems(ctx context.Context, query string, args ...any) ([]model.StoredItem, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query items")
	}
	defer rows.Close() //nolint:errcheck

	var items []model.StoredItem
	for rows.Next() {
		it, err := scanSQLiteItem(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan item")
		}
		items = append(items, *it)
	}
	return items, eris.Wrap(rows.Err(), "sqlite: iterate items")
}

func (s *SQLiteStore) GetAnnotation(ctx context.Context, fingerprint string) (*model.Annotation, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT annotation FROM annotations WHERE fingerprint = ?`, fingerprint).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get annotation %s", fingerprint)
	}
	return decodeAnnotation(raw)
}

// PutAnnotationIfAbsent stores ann unless an annotation for fingerprint
// already exists, and returns whichever annotation is stored afterwards.
func (s *SQLiteStore) PutAnnotationIfAbsent(ctx context.Context, fingerprint string, ann *model.Annotation) (*model.Annotation, error) {
	raw, err := json.Marshal(ann)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal annotation")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO annotations (fingerprint, annotation, created_at) VALUES (?, ?, ?)
		 ON CONFLICT(fingerprint) DO NOTHING`,
		fingerprint, string(raw), toMillis(s.nowFunc()))
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: put annotation %s", fingerprint)
	}
	winner, err := s.GetAnnotation(ctx, fingerprint)
	if err != nil {
		return nil, err
	}
	if winner == nil {
		return nil, eris.Errorf("sqlite: annotation %s vanished after insert", fingerprint)
	}
	return winner, nil
}

// ResetAnnotation drops the stored annotation for fingerprint and marks every
// item carrying it pending. It returns the number of items reset.
func (s *SQLiteStore) ResetAnnotation(ctx context.Context, fingerprint string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin reset annotation")
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM annotations WHERE fingerprint = ?`, fingerprint); err != nil {
		return 0, eris.Wrapf(err, "sqlite: delete annotation %s", fingerprint)
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE items SET annotation = NULL, relevance = NULL, pending = 1, enrich_attempts = 0 WHERE fingerprint = ?`,
		fingerprint)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: reset items %s", fingerprint)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, eris.Wrap(err, "rows affected")
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit reset annotation")
	}
	return int(n), nil
}

// LoadCursor returns the cursor for (provider, entity), or a zero cursor when
// none has been saved.
func (s *SQLiteStore) LoadCursor(ctx context.Context, provider, entity string) (model.FetchCursor, error) {
	c := model.FetchCursor{Provider: provider, Entity: entity}
	var fetched, updated int64
	err := s.db.QueryRowContext(ctx,
		`SELECT last_fetched_at, last_chunk_index, updated_at FROM fetch_cursors WHERE provider = ? AND entity = ?`,
		provider, entity).Scan(&fetched, &c.LastChunkIndex, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return c, nil
	}
	if err != nil {
		return c, eris.Wrapf(err, "sqlite: load cursor %s/%s", provider, entity)
	}
	c.LastFetchedAt = fromMillis(fetched)
	c.UpdatedAt = fromMillis(updated)
	return c, nil
}

func (s *SQLiteStore) SaveCursors(ctx context.Context, cursors []model.FetchCursor) error {
	if len(cursors) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin save cursors")
	}
	defer tx.Rollback() //nolint:errcheck

	for _, c := range cursors {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO fetch_cursors (provider, entity, last_fetched_at, last_chunk_index, updated_at)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(provider, entity) DO UPDATE SET
				last_fetched_at = excluded.last_fetched_at,
				last_chunk_index = excluded.last_chunk_index,
				updated_at = excluded.updated_at`,
			c.Provider, c.Entity, toMillis(c.LastFetchedAt), c.LastChunkIndex, toMillis(c.UpdatedAt))
		if err != nil {
			return eris.Wrapf(err, "sqlite: save cursor %s/%s", c.Provider, c.Entity)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit save cursors")
}

func (s *SQLiteStore) LoadQuota(ctx context.Context) ([]model.QuotaBudget, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT provider, window_start, calls_made, window_limit, window_ms FROM quota_budgets ORDER BY provider`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: load quota")
	}
	defer rows.Close() //nolint:errcheck

	var budgets []model.QuotaBudget
	for rows.Next() {
		var b model.QuotaBudget
		var start, windowMs int64
		if err := rows.Scan(&b.Provider, &start, &b.CallsMade, &b.WindowLimit, &windowMs); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan quota")
		}
		b.WindowStart = fromMillis(start)
		b.WindowDuration = time.Duration(windowMs) * time.Millisecond
		budgets = append(budgets, b)
	}
	return budgets, eris.Wrap(rows.Err(), "sqlite: iterate quota")
}

func (s *SQLiteStore) SaveQuota(ctx context.Context, budgets []model.QuotaBudget) error {
	if len(budgets) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin save quota")
	}
	defer tx.Rollback() //nolint:errcheck

	for _, b := range budgets {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO quota_budgets (provider, window_start, calls_made, window_limit, window_ms)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(provider) DO UPDATE SET
				window_start = excluded.window_start,
				calls_made = excluded.calls_made,
				window_limit = excluded.window_limit,
				window_ms = excluded.window_ms`,
			b.Provider, toMillis(b.WindowStart), b.CallsMade, b.WindowLimit, b.WindowDuration.Milliseconds())
		if err != nil {
			return eris.Wrapf(err, "sqlite: save quota %s", b.Provider)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit save quota")
}

func (s *SQLiteStore) CreateCycle(ctx context.Context, group string, chunkStart int, entities []string) (*model.Cycle, error) {
	c := &model.Cycle{
		ID:         uuid.New().String(),
		Group:      group,
		Status:     model.CycleStatusRunning,
		ChunkStart: chunkStart,
		Entities:   entities,
		StartedAt:  s.nowFunc().UTC().Truncate(time.Millisecond),
	}
	entitiesJSON, err := json.Marshal(nonNil(entities))
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal entities")
	}
	// One statement, so the check and the insert share SQLite's write lock.
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO cycles (id, grp, status, chunk_start, entities, started_at)
		SELECT ?, ?, ?, ?, ?, ?
		WHERE NOT EXISTS (SELECT 1 FROM cycles WHERE grp = ? AND status = ? AND started_at > ?)`,
		c.ID, c.Group, string(c.Status), c.ChunkStart, string(entitiesJSON), toMillis(c.StartedAt),
		c.Group, string(model.CycleStatusRunning), toMillis(c.StartedAt.Add(-StaleCycleAfter)))
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert cycle")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert cycle rows affected")
	}
	if n == 0 {
		return nil, eris.Wrapf(ErrCycleRunning, "sqlite: group %s", group)
	}
	return c, nil
}

// FinishCycle records the cycle's terminal status, stats and errors. It sets
// FinishedAt when the caller has not.
func (s *SQLiteStore) FinishCycle(ctx context.Context, c *model.Cycle) error {
	if c.FinishedAt == nil {
		now := s.nowFunc().UTC().Truncate(time.Millisecond)
		c.FinishedAt = &now
	}
	enc, err := encodeCycle(c)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE cycles SET status = ?, stats = ?, provider_errors = ?, retry_after_ms = ?, error = ?, finished_at = ? WHERE id = ?`,
		string(c.Status), enc.stats, enc.providerErrors, c.RetryAfter.Milliseconds(), c.Error, toMillis(*c.FinishedAt), c.ID)
	if err != nil {
		return eris.Wrapf(err, "sqlite: finish cycle %s", c.ID)
	}
	return checkRowsAffected(res, "cycle", c.ID)
}

func (s *SQLiteStore) ListCycles(ctx context.Context, filter CycleFilter) ([]model.Cycle, error) {
	query, args, err := sqliteDialect.cyclesQuery(filter)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: build cycles query")
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list cycles")
	}
	defer rows.Close() //nolint:errcheck

	var cycles []model.Cycle
	for rows.Next() {
		var (
			c                model.Cycle
			entities, stats  string
			providerErrors   sql.NullString
			retryMs, started int64
			finished         sql.NullInt64
		)
		if err := rows.Scan(&c.ID, &c.Group, &c.Status, &c.ChunkStart, &entities, &stats,
			&providerErrors, &retryMs, &c.Error, &started, &finished); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan cycle")
		}
		if err := decodeCycle(&c, []byte(entities), []byte(stats), []byte(providerErrors.String)); err != nil {
			return nil, err
		}
		c.RetryAfter = time.Duration(retryMs) * time.Millisecond
		c.StartedAt = fromMillis(started)
		if finished.Valid {
			t := fromMillis(finished.Int64)
			c.FinishedAt = &t
		}
		cycles = append(cycles, c)
	}
	return cycles, eris.Wrap(rows.Err(), "sqlite: iterate cycles")
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanSQLiteItem(row scannable) (*model.StoredItem, error) {
	var (
		it                             model.StoredItem
		refs                           string
		published, firstSeen, lastSeen int64
		engagement, annotation         sql.NullString
	)
	err := row.Scan(&it.DedupKey, &it.Fingerprint, &it.Provider, &it.ExternalID, &it.Kind,
		&refs, &published, &it.Title, &it.Body, &it.URL, &engagement,
		&firstSeen, &lastSeen, &annotation, &it.Pending, &it.EnrichAttempts)
	if err != nil {
		return nil, err
	}
	it.PublishedAt = fromMillis(published)
	it.FirstSeenAt = fromMillis(firstSeen)
	it.LastSeenAt = fromMillis(lastSeen)
	if err := decodeItem(&it, []byte(refs), []byte(engagement.String), []byte(annotation.String)); err != nil {
		return nil, err
	}
	return &it, nil
}
