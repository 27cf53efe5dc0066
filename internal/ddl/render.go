package ddl

import (
	"fmt"
	"strings"
)

func ident(s string) string { return `"` + strings.ToLower(s) + `"` }

// RenderDDL produces idempotent statements for one table: a CREATE TABLE
// IF NOT EXISTS followed by one CREATE INDEX IF NOT EXISTS per index.
func RenderDDL(t *Table) []string {
	cols := make([]string, 0, len(t.Columns))
	for _, c := range t.Columns {
		var b strings.Builder
		b.WriteString(ident(c.Name))
		b.WriteByte(' ')
		b.WriteString(c.Type)
		if c.PrimaryKey {
			b.WriteString(" primary key")
		}
		if c.NotNull && !c.PrimaryKey {
			b.WriteString(" not null")
		}
		if c.Unique {
			b.WriteString(" unique")
		}
		if c.Default != "" {
			b.WriteString(" default ")
			b.WriteString(c.Default)
		}
		cols = append(cols, b.String())
	}

	out := []string{fmt.Sprintf("create table if not exists %s (\n  %s\n);",
		ident(t.Name), strings.Join(cols, ",\n  "))}

	for _, idx := range t.Indexes {
		kind := "index"
		if idx.Unique {
			kind = "unique index"
		}
		out = append(out, fmt.Sprintf("create %s if not exists %s on %s (%s);",
			kind, ident(idx.Name), ident(t.Name), ident(idx.Column)))
	}
	return out
}

// RenderAll renders every table's statements in order.
func RenderAll(tables []*Table) []string {
	var out []string
	for _, t := range tables {
		out = append(out, RenderDDL(t)...)
	}
	return out
}
