package store

import (
	"time"

	sq "github.com/Masterminds/squirrel"
)

const itemColumns = "dedup_key, fingerprint, provider, external_id, kind, entity_refs, published_at, title, body, url, engagement, first_seen_at, last_seen_at, annotation, pending, enrich_attempts"

const cycleColumns = "id, grp, status, chunk_start, entities, stats, provider_errors, retry_after_ms, error, started_at, finished_at"

// dialect captures the differences between the SQLite and Postgres schemas
// that show up in filter predicates.
type dialect struct {
	placeholder sq.PlaceholderFormat
	hasEntity   func(entity string) sq.Sqlizer
	timeArg     func(t time.Time) any
}

var sqliteDialect = dialect{
	placeholder: sq.Question,
	hasEntity: func(entity string) sq.Sqlizer {
		return sq.Expr("EXISTS (SELECT 1 FROM json_each(items.entity_refs) WHERE json_each.value = ?)", entity)
	},
	timeArg: func(t time.Time) any { return toMillis(t) },
}

var postgresDialect = dialect{
	placeholder: sq.Dollar,
	hasEntity: func(entity string) sq.Sqlizer {
		return sq.Expr("? = ANY(entity_refs)", entity)
	},
	timeArg: func(t time.Time) any { return t.UTC() },
}

// itemsQuery builds the SELECT for QueryItems. Newest items come first.
func (d dialect) itemsQuery(f ItemFilter) (string, []any, error) {
	q := sq.Select(itemColumns).From("items").PlaceholderFormat(d.placeholder)

	if f.Entity != "" {
		q = q.Where(d.hasEntity(f.Entity))
	}
	if !f.From.IsZero() {
		q = q.Where(sq.GtOrEq{"published_at": d.timeArg(f.From)})
	}
	if !f.To.IsZero() {
		q = q.Where(sq.Lt{"published_at": d.timeArg(f.To)})
	}
	if f.MinRelevance != nil {
		q = q.Where(sq.Gt{"relevance": *f.MinRelevance})
	}

	return q.OrderBy("published_at DESC", "dedup_key").Limit(queryLimit(f.Limit)).ToSql()
}

func (d dialect) cyclesQuery(f CycleFilter) (string, []any, error) {
	q := sq.Select(cycleColumns).From("cycles").PlaceholderFormat(d.placeholder)

	if f.Group != "" {
		q = q.Where(sq.Eq{"grp": f.Group})
	}
	if f.Status != "" {
		q = q.Where(sq.Eq{"status": string(f.Status)})
	}

	return q.OrderBy("started_at DESC").Limit(queryLimit(f.Limit)).ToSql()
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
