package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"opaca/internal/ddl"
	"opaca/internal/query"
)

// TableRef is a builder root bound to one physical table.
type TableRef struct {
	db   *DB
	name string
}

func ident(s string) string { return `"` + strings.ToLower(s) + `"` }

// placeholders renders $1..$n for postgres and ? for sqlite.
type placeholders struct {
	dialect ddl.Dialect
	n       int
}

func (p *placeholders) next() string {
	p.n++
	if p.dialect == ddl.SQLite {
		return "?"
	}
	return fmt.Sprintf("$%d", p.n)
}

// bindValue normalizes Go values into what the dialect's driver stores:
// sqlite gets epoch-millisecond integers for times and 0/1 for booleans.
func bindValue(d ddl.Dialect, v any) any {
	if d != ddl.SQLite {
		return v
	}
	switch t := v.(type) {
	case time.Time:
		return t.UnixMilli()
	case bool:
		if t {
			return int64(1)
		}
		return int64(0)
	default:
		return v
	}
}

func renderNode(n query.Node, d ddl.Dialect, ph *placeholders, args *[]any) string {
	switch t := n.(type) {
	case query.Cond:
		return renderCond(t, d, ph, args)
	case query.And:
		parts := make([]string, 0, len(t.Nodes))
		for _, c := range t.Nodes {
			parts = append(parts, renderNode(c, d, ph, args))
		}
		return "(" + strings.Join(parts, " and ") + ")"
	case query.Or:
		parts := make([]string, 0, len(t.Nodes))
		for _, c := range t.Nodes {
			parts = append(parts, renderNode(c, d, ph, args))
		}
		return "(" + strings.Join(parts, " or ") + ")"
	default:
		return "true"
	}
}

func renderCond(c query.Cond, d ddl.Dialect, ph *placeholders, args *[]any) string {
	col := ident(c.Column)
	switch c.Op {
	case query.OpEq:
		if c.Value == nil {
			return col + " is null"
		}
		*args = append(*args, bindValue(d, c.Value))
		return col + " = " + ph.next()
	case query.OpNe:
		if c.Value == nil {
			return col + " is not null"
		}
		*args = append(*args, bindValue(d, c.Value))
		return col + " <> " + ph.next()
	case query.OpGt, query.OpGte, query.OpLt, query.OpLte:
		ops := map[query.Op]string{query.OpGt: ">", query.OpGte: ">=", query.OpLt: "<", query.OpLte: "<="}
		*args = append(*args, bindValue(d, c.Value))
		return col + " " + ops[c.Op] + " " + ph.next()
	case query.OpIn:
		vals, _ := c.Value.([]any)
		if len(vals) == 0 {
			// compiled predicates never carry empty in-lists; render a
			// no-op guard if one slips through
			return "true"
		}
		marks := make([]string, 0, len(vals))
		for _, v := range vals {
			*args = append(*args, bindValue(d, v))
			marks = append(marks, ph.next())
		}
		return col + " in (" + strings.Join(marks, ", ") + ")"
	case query.OpLike:
		*args = append(*args, bindValue(d, c.Value))
		return col + " like " + ph.next()
	default:
		return "true"
	}
}

// SelectQuery accumulates a list query.
type SelectQuery struct {
	t       *TableRef
	columns []string
	where   query.Node
	orderBy string
	desc    bool
	limit   int
	offset  int
}

// Select starts a query projecting the given columns (all when empty).
func (t *TableRef) Select(cols ...string) *SelectQuery {
	return &SelectQuery{t: t, columns: cols, limit: -1, offset: -1}
}

func (q *SelectQuery) Where(n query.Node) *SelectQuery { q.where = n; return q }
func (q *SelectQuery) OrderBy(col string, desc bool) *SelectQuery {
	q.orderBy, q.desc = col, desc
	return q
}
func (q *SelectQuery) Limit(n int) *SelectQuery  { q.limit = n; return q }
func (q *SelectQuery) Offset(n int) *SelectQuery { q.offset = n; return q }

func (q *SelectQuery) build() (string, []any) {
	proj := "*"
	if len(q.columns) > 0 {
		quoted := make([]string, 0, len(q.columns))
		for _, c := range q.columns {
			quoted = append(quoted, ident(c))
		}
		proj = strings.Join(quoted, ", ")
	}
	var b strings.Builder
	var args []any
	ph := &placeholders{dialect: q.t.db.dialect}
	fmt.Fprintf(&b, "select %s from %s", proj, ident(q.t.name))
	if q.where != nil {
		b.WriteString(" where ")
		b.WriteString(renderNode(q.where, q.t.db.dialect, ph, &args))
	}
	if q.orderBy != "" {
		dir := "asc"
		if q.desc {
			dir = "desc"
		}
		fmt.Fprintf(&b, " order by %s %s", ident(q.orderBy), dir)
	}
	if q.limit >= 0 {
		fmt.Fprintf(&b, " limit %d", q.limit)
	}
	if q.offset > 0 {
		fmt.Fprintf(&b, " offset %d", q.offset)
	}
	return b.String(), args
}

// All materializes every matching row as a column→value map.
func (q *SelectQuery) All(ctx context.Context) ([]map[string]any, error) {
	sqlText, args := q.build()
	rows, err := q.t.db.sql.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out []map[string]any
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]any, len(cols))
		for i, c := range cols {
			if b, ok := vals[i].([]byte); ok {
				row[c] = string(b)
			} else {
				row[c] = vals[i]
			}
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// One returns the first matching row, or nil when nothing matches.
func (q *SelectQuery) One(ctx context.Context) (map[string]any, error) {
	q.limit = 1
	rows, err := q.All(ctx)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

// Count returns the number of rows matching the predicate.
func (t *TableRef) Count(ctx context.Context, where query.Node) (int64, error) {
	var b strings.Builder
	var args []any
	ph := &placeholders{dialect: t.db.dialect}
	fmt.Fprintf(&b, "select count(*) from %s", ident(t.name))
	if where != nil {
		b.WriteString(" where ")
		b.WriteString(renderNode(where, t.db.dialect, ph, &args))
	}
	var n int64
	err := t.db.sql.QueryRowContext(ctx, b.String(), args...).Scan(&n)
	return n, err
}

// sortedKeys keeps rendered column order deterministic.
func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Insert writes one row.
func (t *TableRef) Insert(ctx context.Context, values map[string]any) error {
	keys := sortedKeys(values)
	cols := make([]string, 0, len(keys))
	marks := make([]string, 0, len(keys))
	args := make([]any, 0, len(keys))
	ph := &placeholders{dialect: t.db.dialect}
	for _, k := range keys {
		cols = append(cols, ident(k))
		marks = append(marks, ph.next())
		args = append(args, bindValue(t.db.dialect, values[k]))
	}
	sqlText := fmt.Sprintf("insert into %s (%s) values (%s)",
		ident(t.name), strings.Join(cols, ", "), strings.Join(marks, ", "))
	_, err := t.db.sql.ExecContext(ctx, sqlText, args...)
	return err
}

// Update writes the given values into every row matching the predicate and
// reports how many rows matched.
func (t *TableRef) Update(ctx context.Context, values map[string]any, where query.Node) (int64, error) {
	keys := sortedKeys(values)
	ph := &placeholders{dialect: t.db.dialect}
	sets := make([]string, 0, len(keys))
	var args []any
	for _, k := range keys {
		sets = append(sets, ident(k)+" = "+ph.next())
		args = append(args, bindValue(t.db.dialect, values[k]))
	}
	var b strings.Builder
	fmt.Fprintf(&b, "update %s set %s", ident(t.name), strings.Join(sets, ", "))
	if where != nil {
		b.WriteString(" where ")
		b.WriteString(renderNode(where, t.db.dialect, ph, &args))
	}
	res, err := t.db.sql.ExecContext(ctx, b.String(), args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Delete removes every row matching the predicate.
func (t *TableRef) Delete(ctx context.Context, where query.Node) (int64, error) {
	var b strings.Builder
	var args []any
	ph := &placeholders{dialect: t.db.dialect}
	fmt.Fprintf(&b, "delete from %s", ident(t.name))
	if where != nil {
		b.WriteString(" where ")
		b.WriteString(renderNode(where, t.db.dialect, ph, &args))
	}
	res, err := t.db.sql.ExecContext(ctx, b.String(), args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
