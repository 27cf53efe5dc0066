package crud

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"opaca/internal/schema"
)

// validator holds the insert/update shapes compiled from one collection.
// Insert enforces required fields and materializes defaults; update is the
// all-optional partial of the same shape. Both coerce strictly per kind
// and report every violation, not just the first.
type validator struct {
	fields []schema.BuiltField
	byKey  map[string]schema.BuiltField // field name and column name both resolve
}

func newValidator(col schema.BuiltCollection) *validator {
	v := &validator{byKey: make(map[string]schema.BuiltField, len(col.Fields)*2)}
	for _, f := range col.Fields {
		v.fields = append(v.fields, f)
		v.byKey[f.Name] = f
		v.byKey[f.ColumnName] = f
	}
	return v
}

// normalize maps payload keys onto column names and drops unknown keys.
func (v *validator) normalize(obj map[string]any) map[string]any {
	out := make(map[string]any, len(obj))
	for k, val := range obj {
		if f, ok := v.byKey[k]; ok {
			out[f.ColumnName] = val
		}
	}
	return out
}

func (v *validator) validateInsert(obj map[string]any) (map[string]any, []FieldError) {
	out := v.normalize(obj)
	var errs []FieldError

	for _, f := range v.fields {
		if _, present := out[f.ColumnName]; !present && f.Default != nil {
			if def, err := defaultValue(f); err == nil {
				out[f.ColumnName] = def
			}
		}
	}
	for _, f := range v.fields {
		if !f.Required {
			continue
		}
		if val, ok := out[f.ColumnName]; !ok || val == nil {
			errs = append(errs, ferr(ErrRequired, f.Name, "field '"+f.Name+"' is required"))
		}
	}
	errs = append(errs, v.coerceAll(out)...)
	return out, errs
}

func (v *validator) validateUpdate(obj map[string]any) (map[string]any, []FieldError) {
	out := v.normalize(obj)
	return out, v.coerceAll(out)
}

func (v *validator) coerceAll(out map[string]any) []FieldError {
	var errs []FieldError
	for col, val := range out {
		f := v.byKey[col]
		if val == nil {
			continue
		}
		norm, err := coerceValue(f, val)
		if err != nil {
			errs = append(errs, ferr(codeFor(err), f.Name, "field '"+f.Name+"' "+err.Error()))
			continue
		}
		out[col] = norm
	}
	return errs
}

type enumError struct{ msg string }

func (e *enumError) Error() string { return e.msg }

func codeFor(err error) string {
	var ee *enumError
	if errors.As(err, &ee) {
		return ErrEnumInvalid
	}
	return ErrTypeMismatch
}

func defaultValue(f schema.BuiltField) (any, error) {
	if f.Type == schema.KindDate {
		if s, ok := f.Default.(string); ok && strings.EqualFold(s, "now") {
			return time.Now().UTC(), nil
		}
	}
	return coerceValue(f, f.Default)
}

func coerceValue(f schema.BuiltField, v any) (any, error) {
	switch {
	case f.IsTextLike():
		return toStringStrict(v)
	case f.Type == schema.KindEnum:
		s, err := toStringStrict(v)
		if err != nil {
			return nil, err
		}
		for _, ev := range f.Enum {
			if s == ev {
				return s, nil
			}
		}
		return nil, &enumError{msg: fmt.Sprintf("value %q is not allowed", s)}
	case f.Type == schema.KindNumber:
		if strings.EqualFold(f.NumberMode, "int") {
			return toIntStrict(v)
		}
		return toFloatStrict(v)
	case f.Type == schema.KindCheckbox, f.Type == schema.KindSwitcher:
		return toBoolStrict(v)
	case f.Type == schema.KindDate:
		return toDateStrict(v)
	case f.Type == schema.KindJSON:
		switch v.(type) {
		case map[string]any, []any:
			return v, nil
		}
		return nil, errors.New("must be a JSON object or array")
	case f.Type == schema.KindArray:
		if _, ok := v.([]any); ok {
			return v, nil
		}
		return nil, errors.New("must be an array")
	case f.Type == schema.KindRelationship:
		if f.Relationship != nil && f.Relationship.Many {
			return toIDList(v)
		}
		return toStringStrict(v)
	case f.Type == schema.KindSelect:
		return coerceSelect(f, v)
	default:
		return v, nil
	}
}

func coerceSelect(f schema.BuiltField, v any) (any, error) {
	if f.Select == nil {
		return v, nil
	}
	if f.Select.Multiple {
		arr, ok := v.([]any)
		if !ok {
			return nil, errors.New("must be an array of values")
		}
		out := make([]any, 0, len(arr))
		for _, it := range arr {
			norm, err := coerceSelectOne(f, it)
			if err != nil {
				return nil, err
			}
			out = append(out, norm)
		}
		return out, nil
	}
	return coerceSelectOne(f, v)
}

func coerceSelectOne(f schema.BuiltField, v any) (any, error) {
	// relationship-backed selects store foreign values verbatim; static
	// options must match a declared value
	if f.Select.Relationship != nil {
		return v, nil
	}
	if len(f.Select.Options) == 0 {
		return v, nil
	}
	for _, opt := range f.Select.Options {
		if fmt.Sprintf("%v", opt.Value) == fmt.Sprintf("%v", v) {
			return opt.Value, nil
		}
	}
	return nil, &enumError{msg: fmt.Sprintf("value %v is not a declared option", v)}
}

func toIDList(v any) (any, error) {
	switch arr := v.(type) {
	case []any:
		for _, it := range arr {
			if _, ok := it.(string); !ok {
				return nil, errors.New("must be an array of ids")
			}
		}
		return arr, nil
	case []string:
		out := make([]any, 0, len(arr))
		for _, s := range arr {
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, errors.New("must be an array of ids")
	}
}

func toStringStrict(v any) (string, error) {
	if s, ok := v.(string); ok {
		return s, nil
	}
	return "", errors.New("must be a string")
}

func toIntStrict(v any) (int64, error) {
	switch t := v.(type) {
	case float64:
		if t != float64(int64(t)) {
			return 0, errors.New("must be an integer")
		}
		return int64(t), nil
	case int:
		return int64(t), nil
	case int64:
		return t, nil
	case string:
		n, err := strconv.ParseInt(t, 10, 64)
		if err != nil {
			return 0, errors.New("must be an integer")
		}
		return n, nil
	default:
		return 0, errors.New("must be an integer")
	}
}

func toFloatStrict(v any) (float64, error) {
	switch t := v.(type) {
	case float64:
		return t, nil
	case int:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case string:
		f, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return 0, errors.New("must be a number")
		}
		return f, nil
	default:
		return 0, errors.New("must be a number")
	}
}

func toBoolStrict(v any) (bool, error) {
	if b, ok := v.(bool); ok {
		return b, nil
	}
	return false, errors.New("must be a boolean")
}

func toDateStrict(v any) (time.Time, error) {
	switch t := v.(type) {
	case string:
		if ts, err := time.Parse(time.RFC3339, t); err == nil {
			return ts.UTC(), nil
		}
		if ts, err := time.Parse("2006-01-02", t); err == nil {
			return ts.UTC(), nil
		}
		return time.Time{}, errors.New("must be an RFC3339 datetime or YYYY-MM-DD date")
	case float64:
		return time.UnixMilli(int64(t)).UTC(), nil
	case time.Time:
		return t.UTC(), nil
	default:
		return time.Time{}, errors.New("must be a datetime")
	}
}
