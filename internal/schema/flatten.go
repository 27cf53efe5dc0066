package schema

import (
	"fmt"
	"strings"
)

// Flatten expands row containers recursively and resolves column names.
// The result contains no row markers; children are spliced in at the
// container's position in declaration order. A nameless leaf or a duplicate
// name is a ConfigError; column naming has no fallback downstream.
func Flatten(fields []Field) ([]Field, error) {
	out, err := flattenInto(nil, fields)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(out))
	for _, f := range out {
		key := strings.ToLower(f.Name)
		if _, dup := seen[key]; dup {
			return nil, configErrf("duplicate field %q", f.Name)
		}
		seen[key] = struct{}{}
	}
	return out, nil
}

func flattenInto(out []Field, fields []Field) ([]Field, error) {
	var err error
	for _, f := range fields {
		if f.Type == KindRow {
			if f.Name != "" {
				return nil, configErrf("row container must not carry a name (got %q)", f.Name)
			}
			out, err = flattenInto(out, f.Fields)
			if err != nil {
				return nil, err
			}
			continue
		}
		if strings.TrimSpace(f.Name) == "" {
			return nil, configErrf("field of type %q has no name", f.Type)
		}
		f.Name = strings.TrimSpace(f.Name)
		if f.ColumnName == "" {
			f.ColumnName = Slugify(f.Name, "_")
		}
		f.ColumnName = strings.ToLower(f.ColumnName)
		out = append(out, f)
	}
	return out, nil
}

// ConfigError is fatal at build time; nothing downstream recovers from it.
type ConfigError struct {
	msg string
}

func (e *ConfigError) Error() string { return e.msg }

func configErrf(format string, args ...any) error {
	return &ConfigError{msg: fmt.Sprintf(format, args...)}
}
