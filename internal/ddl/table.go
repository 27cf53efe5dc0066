package ddl

import (
	"fmt"
	"strings"

	"opaca/internal/schema"
)

// Index is one compiled index specification.
type Index struct {
	Name   string
	Column string
	Unique bool
}

// Table is the dialect-specific physical form of one collection.
type Table struct {
	Name    string
	Dialect Dialect
	Columns []Column
	Indexes []Index
}

var reserved = map[string]struct{}{
	"user": {}, "select": {}, "table": {}, "insert": {}, "update": {}, "delete": {},
	"where": {}, "join": {}, "group": {}, "order": {}, "limit": {}, "offset": {},
	"primary": {}, "foreign": {}, "key": {}, "constraint": {}, "default": {},
	"from": {}, "into": {}, "values": {}, "unique": {}, "index": {}, "create": {},
	"drop": {}, "alter": {}, "schema": {}, "grant": {}, "revoke": {},
}

func isReserved(s string) bool { _, ok := reserved[strings.ToLower(s)]; return ok }

// plural is deliberately naive; enough for posts, products, users.
func plural(s string) string {
	s = strings.ToLower(s)
	switch {
	case strings.HasSuffix(s, "s"):
		return s
	case strings.HasSuffix(s, "y") && len(s) > 1 && !strings.ContainsRune("aeiou", rune(s[len(s)-2])):
		return s[:len(s)-1] + "ies"
	default:
		return s + "s"
	}
}

// TableName derives the physical table name for a collection slug.
func TableName(slug string) string {
	t := plural(strings.ToLower(strings.ReplaceAll(slug, "-", "_")))
	if isReserved(t) {
		t = "t_" + t
	}
	return t
}

// CompileTable maps one built collection to its physical table. The three
// implicit columns come first: primary key, created_at, updated_at. A
// declared field named like the primary key suppresses the implicit one.
// Compiling the same collection twice yields structurally identical output.
func CompileTable(col schema.BuiltCollection, d Dialect) (*Table, error) {
	if col.Slug == "" || len(col.Fields) == 0 {
		return nil, fmt.Errorf("collection %q is malformed", col.Name)
	}

	t := &Table{Name: TableName(col.Slug), Dialect: d}

	pkDeclared := false
	for _, f := range col.Fields {
		if f.ColumnName == col.PrimaryKey {
			pkDeclared = true
		}
	}
	if !pkDeclared {
		t.Columns = append(t.Columns, Column{Name: col.PrimaryKey, Type: "text", PrimaryKey: true, NotNull: true})
	}

	tsType := "timestamptz"
	tsDefault := "now()"
	if d == SQLite {
		tsType = "integer"
		tsDefault = "(cast(strftime('%s','now') as integer) * 1000)"
	}
	// updated_at is refreshed by the engine on every update
	t.Columns = append(t.Columns,
		Column{Name: "created_at", Type: tsType, NotNull: true, Default: tsDefault},
		Column{Name: "updated_at", Type: tsType, NotNull: true, Default: tsDefault},
	)

	seenIdx := make(map[string]struct{})
	for _, f := range col.Fields {
		if f.Name == "" {
			// unreachable when the flattener contract holds
			return nil, fmt.Errorf("collection %q: leaf field without a name", col.Name)
		}
		c := mapColumn(d, f.ColumnName, f)
		if c == nil {
			continue
		}
		if f.ColumnName == col.PrimaryKey {
			c.PrimaryKey = true
			c.NotNull = true
		}
		t.Columns = append(t.Columns, *c)

		switch {
		case f.References:
			addIndex(t, seenIdx, Index{Name: t.Name + "_" + f.ColumnName + "_ref_idx", Column: f.ColumnName})
		case f.Indexed:
			addIndex(t, seenIdx, Index{Name: t.Name + "_" + f.ColumnName + "_idx", Column: f.ColumnName})
		case f.Type == schema.KindRelationship && f.Relationship != nil && !f.Relationship.Many:
			// FK-shaped columns get a lookup index
			addIndex(t, seenIdx, Index{Name: t.Name + "_" + f.ColumnName + "_idx", Column: f.ColumnName})
		}
	}

	return t, nil
}

func addIndex(t *Table, seen map[string]struct{}, idx Index) {
	if idx.Name == "" {
		return
	}
	if _, dup := seen[idx.Name]; dup {
		return
	}
	seen[idx.Name] = struct{}{}
	t.Indexes = append(t.Indexes, idx)
}

// CompileAll compiles every collection of the build in declaration order.
func CompileAll(built *schema.Built, d Dialect) ([]*Table, error) {
	var out []*Table
	for _, slug := range built.Order() {
		col, _ := built.Collection(slug)
		t, err := CompileTable(col, d)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}
