package schema

import "strings"

// Kind is the declared type of a field.
type Kind string

const (
	KindText         Kind = "text"
	KindTextarea     Kind = "textarea"
	KindRichText     Kind = "richText"
	KindCode         Kind = "code"
	KindEmail        Kind = "email"
	KindUpload       Kind = "upload"
	KindRadioGroup   Kind = "radioGroup"
	KindNumber       Kind = "number"
	KindCheckbox     Kind = "checkbox"
	KindSwitcher     Kind = "switcher"
	KindDate         Kind = "date"
	KindJSON         Kind = "json"
	KindArray        Kind = "array"
	KindEnum         Kind = "enum"
	KindRelationship Kind = "relationship"
	KindSelect       Kind = "select"
	// KindRow groups fields for presentation only; it carries no name and
	// never survives flattening.
	KindRow Kind = "row"
)

// Field describes one declared attribute of a collection.
type Field struct {
	Name       string `yaml:"name" json:"name"`
	Type       Kind   `yaml:"type" json:"type"`
	Required   bool   `yaml:"required,omitempty" json:"required,omitempty"`
	Unique     bool   `yaml:"unique,omitempty" json:"unique,omitempty"`
	Indexed    bool   `yaml:"indexed,omitempty" json:"indexed,omitempty"`
	Default    any    `yaml:"default,omitempty" json:"default,omitempty"`
	ColumnName string `yaml:"columnName,omitempty" json:"columnName,omitempty"`

	// NumberMode selects integer vs floating storage for number fields:
	// "int" or "float" (default).
	NumberMode string `yaml:"mode,omitempty" json:"mode,omitempty"`

	// References marks an extra index on the column (covering lookups by
	// an externally-managed reference).
	References bool `yaml:"references,omitempty" json:"references,omitempty"`

	Enum         []string      `yaml:"enum,omitempty" json:"enum,omitempty"`
	Relationship *Relationship `yaml:"relationship,omitempty" json:"relationship,omitempty"`
	Select       *Select       `yaml:"select,omitempty" json:"select,omitempty"`

	// Row children; only meaningful when Type == KindRow.
	Fields []Field `yaml:"fields,omitempty" json:"fields,omitempty"`
}

// Relationship points a field at another collection.
type Relationship struct {
	To      string `yaml:"to" json:"to"`
	Many    bool   `yaml:"many,omitempty" json:"many,omitempty"`
	Through string `yaml:"through,omitempty" json:"through,omitempty"`
}

// Select declares an option list, optionally backed by another collection.
type Select struct {
	Options      []Option            `yaml:"options,omitempty" json:"options,omitempty"`
	Multiple     bool                `yaml:"multiple,omitempty" json:"multiple,omitempty"`
	Relationship *SelectRelationship `yaml:"relationship,omitempty" json:"relationship,omitempty"`
}

// Option is one selectable value with its display label.
type Option struct {
	Label string `yaml:"label" json:"label"`
	Value any    `yaml:"value" json:"value"`
}

// SelectRelationship backs a select's values by a field of another collection.
type SelectRelationship struct {
	To         string `yaml:"to" json:"to"`
	ValueField string `yaml:"valueField" json:"valueField"`
}

// Collection is one author-declared entity type.
type Collection struct {
	Name       string  `yaml:"name" json:"name"`
	Slug       string  `yaml:"slug,omitempty" json:"slug,omitempty"`
	Icon       string  `yaml:"icon,omitempty" json:"icon,omitempty"`
	PrimaryKey string  `yaml:"primaryKey,omitempty" json:"primaryKey,omitempty"`
	Fields     []Field `yaml:"fields" json:"fields"`
}

// Config is the raw, author-supplied declaration set.
type Config struct {
	Collections []Collection `yaml:"collections" json:"collections"`
}

// RelationTarget reports the collection a field points at, covering both
// relationship fields and relationship-backed selects.
func (f *Field) RelationTarget() (to string, ok bool) {
	if f.Type == KindRelationship && f.Relationship != nil {
		return f.Relationship.To, true
	}
	if f.Type == KindSelect && f.Select != nil && f.Select.Relationship != nil {
		return f.Select.Relationship.To, true
	}
	return "", false
}

// IsMany reports whether the field stores a list of related ids.
func (f *Field) IsMany() bool {
	if f.Type == KindRelationship && f.Relationship != nil {
		return f.Relationship.Many
	}
	if f.Type == KindSelect && f.Select != nil {
		return f.Select.Multiple
	}
	return false
}

// clone returns a copy sharing no pointers with the receiver, so handing
// it out cannot mutate the original through Relationship, Select, Enum or
// nested row children.
func (f Field) clone() Field {
	if f.Enum != nil {
		f.Enum = append([]string(nil), f.Enum...)
	}
	if f.Relationship != nil {
		r := *f.Relationship
		f.Relationship = &r
	}
	if f.Select != nil {
		s := *f.Select
		if s.Options != nil {
			s.Options = append([]Option(nil), s.Options...)
		}
		if s.Relationship != nil {
			sr := *s.Relationship
			s.Relationship = &sr
		}
		f.Select = &s
	}
	if f.Fields != nil {
		kids := make([]Field, len(f.Fields))
		for i, c := range f.Fields {
			kids[i] = c.clone()
		}
		f.Fields = kids
	}
	return f
}

// textKinds are every kind stored as a plain text column.
var textKinds = map[Kind]struct{}{
	KindText: {}, KindTextarea: {}, KindRichText: {}, KindCode: {},
	KindEmail: {}, KindUpload: {}, KindRadioGroup: {},
}

// IsTextLike reports whether the field maps to a variable-length text column.
func (f *Field) IsTextLike() bool {
	_, ok := textKinds[f.Type]
	return ok
}

// Slugify lowers s, splits camelCase boundaries and replaces every run of
// non-alphanumerics with sep: "Published At" and "publishedAt" both become
// "published_at" with sep "_".
func Slugify(s, sep string) string {
	var b strings.Builder
	pending := false
	prevLower := false
	for _, r := range strings.TrimSpace(s) {
		upper := r >= 'A' && r <= 'Z'
		lower := (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')
		if !upper && !lower {
			pending = b.Len() > 0
			prevLower = false
			continue
		}
		if upper && prevLower {
			pending = true
		}
		if pending {
			b.WriteString(sep)
			pending = false
		}
		if upper {
			r += 'a' - 'A'
		}
		b.WriteRune(r)
		prevLower = !upper
	}
	return b.String()
}
