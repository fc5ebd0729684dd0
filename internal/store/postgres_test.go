package store

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/market-pulse/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock, nowFunc: func() time.Time { return t0 }}
	return s, mock
}

var itemRowColumns = []string{
	"dedup_key", "fingerprint", "provider", "external_id", "kind", "entity_refs", "published_at",
	"title", "body", "url", "engagement", "first_seen_at", "last_seen_at", "annotation", "pending", "enrich_attempts",
}

func TestPostgresStore_GetItemByKey_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT dedup_key, .* FROM items WHERE dedup_key = \$1`).
		WithArgs("finnhub:404").
		WillReturnError(pgx.ErrNoRows)

	got, err := s.GetItemByKey(context.Background(), "finnhub:404")
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetItemByKey(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	rows := mock.NewRows(itemRowColumns).AddRow(
		"finnhub:123", "fp", "finnhub", "123", "news", []string{"AAPL", "MSFT"}, t0,
		"Apple beats", "Revenue up", "https://example.com/a", []byte(`{"likes":4}`), t0, t0.Add(time.Hour),
		[]byte(`{"tickers":["AAPL"],"sentiment":"positive","sentiment_score":0.5,"relevance_score":0.9,"headline":"h","summary":"s","annotated_at":"2026-04-02T14:00:00Z"}`),
		false, 1,
	)
	mock.ExpectQuery(`FROM items WHERE dedup_key = \$1`).WithArgs("finnhub:123").WillReturnRows(rows)

	got, err := s.GetItemByKey(context.Background(), "finnhub:123")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, model.ItemKindNews, got.Kind)
	assert.Equal(t, []string{"AAPL", "MSFT"}, got.EntityRefs)
	assert.InDelta(t, 4.0, got.Engagement["likes"], 1e-9)
	require.NotNil(t, got.Annotation)
	assert.Equal(t, model.SentimentPositive, got.Annotation.Sentiment)
	assert.Equal(t, 1, got.EnrichAttempts)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpsertItems(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	a := storedItem("1", "f1", t0, "AAPL")
	a.Annotation = annotation(0.8)
	b := storedItem("2", "f2", t0, "MSFT")
	b.Pending = true

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE "_tmp_upsert_items"`).WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_items"}, itemUpsert.Columns).WillReturnResult(2)
	mock.ExpectExec(`INSERT INTO "items" .* ON CONFLICT \("dedup_key"\) DO UPDATE SET "entity_refs" = EXCLUDED."entity_refs"`).
		WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectCommit()

	n, err := s.UpsertItems(context.Background(), []model.StoredItem{a, b})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpsertItems_Empty(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	n, err := s.UpsertItems(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_QueryItems_Filters(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	threshold := 0.5

	mock.ExpectQuery(`FROM items WHERE \$1 = ANY\(entity_refs\) AND published_at >= \$2 AND relevance > \$3 ORDER BY published_at DESC, dedup_key LIMIT 20`).
		WithArgs("AAPL", t0, threshold).
		WillReturnRows(mock.NewRows(itemRowColumns))

	got, err := s.QueryItems(context.Background(), ItemFilter{Entity: "AAPL", From: t0, MinRelevance: &threshold, Limit: 20})
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CountPending(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM items WHERE pending`).
		WillReturnRows(mock.NewRows([]string{"count"}).AddRow(7))

	n, err := s.CountPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_PutAnnotationIfAbsent_ReturnsWinner(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO annotations .* ON CONFLICT \(fingerprint\) DO NOTHING`).
		WithArgs("fp", pgxmock.AnyArg(), t0).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectQuery(`SELECT annotation FROM annotations WHERE fingerprint = \$1`).
		WithArgs("fp").
		WillReturnRows(mock.NewRows([]string{"annotation"}).AddRow(
			[]byte(`{"tickers":["MSFT"],"sentiment":"negative","sentiment_score":-0.4,"relevance_score":0.7,"headline":"first","summary":"s"}`)))

	got, err := s.PutAnnotationIfAbsent(context.Background(), "fp", annotation(0.2))
	require.NoError(t, err)
	assert.Equal(t, "first", got.Headline)
	assert.Equal(t, model.SentimentNegative, got.Sentiment)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ResetAnnotation(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM annotations WHERE fingerprint = \$1`).WithArgs("fp").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectExec(`UPDATE items SET annotation = NULL, relevance = NULL, pending = TRUE`).WithArgs("fp").
		WillReturnResult(pgxmock.NewResult("UPDATE", 3))
	mock.ExpectCommit()

	n, err := s.ResetAnnotation(context.Background(), "fp")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_LoadCursor_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM fetch_cursors WHERE provider = \$1 AND entity = \$2`).
		WithArgs("default", model.UniverseEntity).
		WillReturnError(pgx.ErrNoRows)

	c, err := s.LoadCursor(context.Background(), "default", model.UniverseEntity)
	require.NoError(t, err)
	assert.Equal(t, 0, c.LastChunkIndex)
	assert.True(t, c.LastFetchedAt.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SaveCursors(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE "_tmp_upsert_fetch_cursors"`).WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_fetch_cursors"}, cursorUpsert.Columns).WillReturnResult(1)
	mock.ExpectExec(`ON CONFLICT \("provider", "entity"\) DO UPDATE`).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	err := s.SaveCursors(context.Background(), []model.FetchCursor{
		{Provider: "default", Entity: model.UniverseEntity, LastChunkIndex: 2, UpdatedAt: t0},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FinishCycle_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE cycles SET status = \$1`).
		WithArgs("failed", pgxmock.AnyArg(), nil, int64(0), "boom", t0, "missing").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.FinishCycle(context.Background(), &model.Cycle{ID: "missing", Status: model.CycleStatusFailed, Error: "boom"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle not found")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateCycle(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`pg_advisory_xact_lock`).
		WithArgs("default").
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("default", "running", t0.Add(-StaleCycleAfter)).
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectExec(`INSERT INTO cycles`).
		WithArgs(pgxmock.AnyArg(), "default", "running", 3, []string{"AAPL"}, t0).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	c, err := s.CreateCycle(context.Background(), "default", 3, []string{"AAPL"})
	require.NoError(t, err)
	assert.Len(t, c.ID, 36)
	assert.Equal(t, t0, c.StartedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateCycle_RefusesWhileRunning(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`pg_advisory_xact_lock`).
		WithArgs("default").
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("default", "running", t0.Add(-StaleCycleAfter)).
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectRollback()

	_, err := s.CreateCycle(context.Background(), "default", 0, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCycleRunning)
	assert.NoError(t, mock.ExpectationsWereMet())
}
