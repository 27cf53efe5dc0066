package ddl

import (
	"fmt"
	"strings"

	"opaca/internal/schema"
)

// Dialect selects the physical type vocabulary. It is decided once at
// startup by the hosting application and threaded through the compiler.
type Dialect int

const (
	Postgres Dialect = iota
	SQLite
)

func (d Dialect) String() string {
	if d == SQLite {
		return "sqlite"
	}
	return "postgres"
}

// ParseDialect maps a configuration value to a Dialect.
func ParseDialect(s string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "postgres", "postgresql", "pg":
		return Postgres, nil
	case "sqlite", "sqlite3":
		return SQLite, nil
	default:
		return Postgres, fmt.Errorf("unknown dialect %q", s)
	}
}

// Column is one physical column of a compiled table.
type Column struct {
	Name       string
	Type       string
	PrimaryKey bool
	NotNull    bool
	Unique     bool
	Default    string // rendered SQL expression, empty = none
}

// mapColumn maps one leaf field to its physical column for the dialect.
// It is a pure function of the field and returns nil for anything that has
// no column form (row containers never reach here).
func mapColumn(d Dialect, columnName string, f schema.BuiltField) *Column {
	base := baseType(d, f)
	if base == "" {
		return nil
	}
	col := &Column{Name: columnName, Type: base}

	if f.Required {
		col.NotNull = true
	}
	if f.Unique {
		col.Unique = true
	}
	if f.Default != nil {
		col.Default = renderDefault(d, f)
	} else if f.Type == schema.KindJSON {
		col.Default = quoteLiteral("{}")
	} else if f.Type == schema.KindArray {
		col.Default = quoteLiteral("[]")
	}
	return col
}

func baseType(d Dialect, f schema.BuiltField) string {
	switch {
	case f.IsTextLike(), f.Type == schema.KindEnum:
		return "text"
	case f.Type == schema.KindNumber:
		if strings.EqualFold(f.NumberMode, "int") {
			if d == SQLite {
				return "integer"
			}
			return "bigint"
		}
		if d == SQLite {
			return "real"
		}
		return "double precision"
	case f.Type == schema.KindCheckbox, f.Type == schema.KindSwitcher:
		// sqlite has no native boolean; 0/1 integers instead
		if d == SQLite {
			return "integer"
		}
		return "boolean"
	case f.Type == schema.KindDate:
		// sqlite stores epoch milliseconds for portability
		if d == SQLite {
			return "integer"
		}
		return "timestamptz"
	case f.Type == schema.KindJSON, f.Type == schema.KindArray:
		if d == SQLite {
			return "text"
		}
		return "jsonb"
	case f.Type == schema.KindRelationship:
		if f.Relationship != nil && f.Relationship.Many {
			// list of ids, no FK column on the owning table
			if d == SQLite {
				return "text"
			}
			return "jsonb"
		}
		// same storage type as the target's primary key
		return "text"
	case f.Type == schema.KindSelect:
		return selectType(d, f)
	default:
		return ""
	}
}

func selectType(d Dialect, f schema.BuiltField) string {
	if f.Select == nil {
		return ""
	}
	if f.Select.Multiple {
		if d == SQLite {
			return "text"
		}
		return "jsonb"
	}
	if f.Select.Relationship != nil {
		// stores the target's value field; ids and values are text-shaped
		return "text"
	}
	// static: infer from the first option's value
	if len(f.Select.Options) > 0 {
		switch f.Select.Options[0].Value.(type) {
		case int, int64, float64:
			if d == SQLite {
				return "real"
			}
			return "double precision"
		case bool:
			if d == SQLite {
				return "integer"
			}
			return "boolean"
		}
	}
	return "text"
}

func renderDefault(d Dialect, f schema.BuiltField) string {
	if s, ok := f.Default.(string); ok && strings.EqualFold(s, "now") {
		if d == SQLite {
			return "(cast(strftime('%s','now') as integer) * 1000)"
		}
		return "now()"
	}
	switch v := f.Default.(type) {
	case string:
		return quoteLiteral(v)
	case bool:
		if d == SQLite {
			if v {
				return "1"
			}
			return "0"
		}
		if v {
			return "true"
		}
		return "false"
	case int, int64:
		return fmt.Sprintf("%d", v)
	case float64:
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v))
		}
		return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%f", v), "0"), ".")
	default:
		return quoteLiteral(fmt.Sprintf("%v", v))
	}
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
