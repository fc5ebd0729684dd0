package db

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBulkUpsert_EmptyRows(t *testing.T) {
	n, err := BulkUpsert(context.TODO(), nil, UpsertConfig{
		Table:        "pulse.items",
		Columns:      []string{"dedup_key", "title"},
		ConflictKeys: []string{"dedup_key"},
	}, nil)
	assert.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestBulkUpsert_NoColumns(t *testing.T) {
	_, err := BulkUpsert(context.TODO(), nil, UpsertConfig{
		Table:        "pulse.items",
		ConflictKeys: []string{"dedup_key"},
	}, [][]any{{"finnhub:1", "a"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no columns specified")
}

func TestBulkUpsert_NoConflictKeys(t *testing.T) {
	_, err := BulkUpsert(context.TODO(), nil, UpsertConfig{
		Table:   "pulse.items",
		Columns: []string{"dedup_key", "title"},
	}, [][]any{{"finnhub:1", "a"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no conflict keys specified")
}

func TestBulkUpsert_Success(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	cols := []string{"dedup_key", "title", "first_seen_at", "last_seen_at"}
	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE "_tmp_upsert_pulse_items" \(LIKE "pulse"."items"`).
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_pulse_items"}, cols).WillReturnResult(2)
	mock.ExpectExec(`ON CONFLICT \("dedup_key"\) DO UPDATE SET "title" = EXCLUDED."title", "last_seen_at" = EXCLUDED."last_seen_at"$`).
		WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectCommit()

	n, err := BulkUpsert(context.Background(), mock, UpsertConfig{
		Table:        "pulse.items",
		Columns:      cols,
		ConflictKeys: []string{"dedup_key"},
		UpdateCols:   []string{"title", "last_seen_at"},
	}, [][]any{{"finnhub:1", "a", 1, 1}, {"finnhub:2", "b", 1, 1}})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBulkUpsert_CopyError(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE`).WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_annotations"}, []string{"fingerprint"}).
		WillReturnError(errors.New("permission denied"))
	mock.ExpectRollback()

	_, err = BulkUpsert(context.Background(), mock, UpsertConfig{
		Table:        "annotations",
		Columns:      []string{"fingerprint"},
		ConflictKeys: []string{"fingerprint"},
	}, [][]any{{"abc"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "COPY into temp table for annotations")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertStatement(t *testing.T) {
	got := upsertStatement("annotations", `"_tmp"`, `"fingerprint", "body"`, `"fingerprint"`, []string{})
	assert.Equal(t, `INSERT INTO "annotations" ("fingerprint", "body") SELECT "fingerprint", "body" FROM "_tmp" ON CONFLICT ("fingerprint") DO NOTHING`, got)

	got = upsertStatement("pulse.items", `"_tmp"`, `"k", "v"`, `"k"`, []string{"v"})
	assert.Contains(t, got, `INSERT INTO "pulse"."items"`)
	assert.Contains(t, got, `DO UPDATE SET "v" = EXCLUDED."v"`)
}

func TestSanitizeTable(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"simple", `"simple"`},
		{"pulse.items", `"pulse"."items"`},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := sanitizeTable(tt.input)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestQuoteAndJoin(t *testing.T) {
	result := quoteAndJoin([]string{"id", "name", "value"})
	assert.Equal(t, `"id", "name", "value"`, result)
}
