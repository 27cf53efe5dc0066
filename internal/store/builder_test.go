package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opaca/internal/ddl"
	"opaca/internal/query"
)

func TestSelectBuildPostgresPlaceholders(t *testing.T) {
	db := Wrap(nil, ddl.Postgres)
	q := db.Table("posts").
		Select("id", "title").
		Where(query.And{Nodes: []query.Node{
			query.Cond{Column: "status", Op: query.OpEq, Value: "live"},
			query.Cond{Column: "views", Op: query.OpGt, Value: 10.0},
		}}).
		OrderBy("created_at", true).
		Limit(20).
		Offset(40)

	sqlText, args := q.build()
	assert.Equal(t,
		`select "id", "title" from "posts" where ("status" = $1 and "views" > $2) order by "created_at" desc limit 20 offset 40`,
		sqlText)
	assert.Equal(t, []any{"live", 10.0}, args)
}

func TestSelectBuildSQLitePlaceholders(t *testing.T) {
	db := Wrap(nil, ddl.SQLite)
	sqlText, args := db.Table("posts").
		Select().
		Where(query.Cond{Column: "tag", Op: query.OpIn, Value: []any{"a", "b"}}).
		build()
	assert.Equal(t, `select * from "posts" where "tag" in (?, ?)`, sqlText)
	assert.Equal(t, []any{"a", "b"}, args)
}

func TestRenderNullConditions(t *testing.T) {
	db := Wrap(nil, ddl.Postgres)
	sqlText, args := db.Table("posts").Select().
		Where(query.And{Nodes: []query.Node{
			query.Cond{Column: "deleted_at", Op: query.OpEq, Value: nil},
			query.Cond{Column: "tenant", Op: query.OpNe, Value: nil},
		}}).
		build()
	assert.Contains(t, sqlText, `"deleted_at" is null`)
	assert.Contains(t, sqlText, `"tenant" is not null`)
	assert.Empty(t, args)
}

func TestRenderOrGrouping(t *testing.T) {
	db := Wrap(nil, ddl.Postgres)
	sqlText, _ := db.Table("posts").Select().
		Where(query.And{Nodes: []query.Node{
			query.Cond{Column: "active", Op: query.OpEq, Value: true},
			query.Or{Nodes: []query.Node{
				query.Cond{Column: "tag", Op: query.OpEq, Value: "a"},
				query.Cond{Column: "tag", Op: query.OpEq, Value: "b"},
			}},
		}}).
		build()
	assert.Equal(t,
		`select * from "posts" where ("active" = $1 and ("tag" = $2 or "tag" = $3))`,
		sqlText)
}

func TestBindValueSQLite(t *testing.T) {
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, ts.UnixMilli(), bindValue(ddl.SQLite, ts))
	assert.Equal(t, int64(1), bindValue(ddl.SQLite, true))
	assert.Equal(t, int64(0), bindValue(ddl.SQLite, false))
	assert.Equal(t, "x", bindValue(ddl.SQLite, "x"))

	// postgres drivers take native values
	assert.Equal(t, ts, bindValue(ddl.Postgres, ts))
	assert.Equal(t, true, bindValue(ddl.Postgres, true))
}

func openTestDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "store_test.db")
	raw, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	raw.SetMaxOpenConns(1)
	t.Cleanup(func() { raw.Close() })

	_, err = raw.Exec(`create table "items" ("id" text primary key, "name" text, "rank" integer)`)
	require.NoError(t, err)
	return Wrap(raw, ddl.SQLite)
}

func TestCRUDRoundTrip(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	items := db.Table("items")

	require.NoError(t, items.Insert(ctx, map[string]any{"id": "a", "name": "alpha", "rank": 2}))
	require.NoError(t, items.Insert(ctx, map[string]any{"id": "b", "name": "beta", "rank": 1}))

	rows, err := items.Select().OrderBy("rank", false).All(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "beta", rows[0]["name"])

	one, err := items.Select().Where(query.Cond{Column: "id", Op: query.OpEq, Value: "a"}).One(ctx)
	require.NoError(t, err)
	require.NotNil(t, one)
	assert.Equal(t, "alpha", one["name"])

	none, err := items.Select().Where(query.Cond{Column: "id", Op: query.OpEq, Value: "zz"}).One(ctx)
	require.NoError(t, err)
	assert.Nil(t, none)

	n, err := items.Update(ctx, map[string]any{"name": "ALPHA"}, query.Cond{Column: "id", Op: query.OpEq, Value: "a"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	total, err := items.Count(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)

	n, err = items.Delete(ctx, query.Cond{Column: "id", Op: query.OpEq, Value: "b"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	total, err = items.Count(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
}
