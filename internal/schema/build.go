package schema

import (
	"regexp"
	"strings"
)

var slugRe = regexp.MustCompile(`^[a-z0-9]+([_-][a-z0-9]+)*$`)

// BuiltField is the flattened, resolved form of a Field. Path is globally
// unique ("<slug>.<name>").
type BuiltField struct {
	Field
	Path string
}

// BuiltCollection is a validated, normalized Collection. Slug, Icon and
// PrimaryKey are guaranteed non-empty.
type BuiltCollection struct {
	Name       string
	Slug       string
	Icon       string
	PrimaryKey string
	Fields     []BuiltField
}

// Relation is one registered relationship edge.
type Relation struct {
	From       string // owning collection slug
	FieldName  string
	Path       string
	To         string // target collection slug
	Many       bool
	Through    string
	ValueField string // set for relationship-backed selects
}

// Built is the immutable build artifact: every other component holds a
// long-lived reference to it and relies on it never changing. All accessors
// return copies of internal slices.
type Built struct {
	collections map[string]*BuiltCollection
	order       []string
	bySlug      map[string]int
	byName      map[string]string // lower(name) -> slug

	fieldsByCollection map[string][]BuiltField
	fieldByPath        map[string]BuiltField

	relationships []Relation
	byTarget      map[string][]Relation

	selectOptionsByPath      map[string][]Option
	selectRelationshipByPath map[string]SelectRelationship
}

// Sanitize validates and normalizes the raw config into a Built artifact.
// Each collection passes Normalize → Flatten → Resolve → Index strictly in
// order; any failure aborts the whole build.
func Sanitize(raw Config) (*Built, error) {
	if len(raw.Collections) == 0 {
		return nil, configErrf("config has no collections")
	}

	b := &Built{
		collections:              make(map[string]*BuiltCollection, len(raw.Collections)),
		bySlug:                   make(map[string]int, len(raw.Collections)),
		byName:                   make(map[string]string, len(raw.Collections)),
		fieldsByCollection:       make(map[string][]BuiltField, len(raw.Collections)),
		fieldByPath:              make(map[string]BuiltField),
		byTarget:                 make(map[string][]Relation),
		selectOptionsByPath:      make(map[string][]Option),
		selectRelationshipByPath: make(map[string]SelectRelationship),
	}

	// Stage 1+2 for everyone first, so stage 3 can resolve forward
	// references between collections.
	built := make([]*BuiltCollection, 0, len(raw.Collections))
	for _, rc := range raw.Collections {
		col, err := normalize(rc)
		if err != nil {
			return nil, err
		}
		flat, err := Flatten(rc.Fields)
		if err != nil {
			return nil, configErrf("collection %q: %v", col.Name, err)
		}
		if len(flat) == 0 {
			return nil, configErrf("collection %q has no fields", col.Name)
		}
		for _, f := range flat {
			col.Fields = append(col.Fields, BuiltField{Field: f, Path: col.Slug + "." + f.Name})
		}
		if _, dup := b.collections[col.Slug]; dup {
			return nil, configErrf("duplicate collection slug %q", col.Slug)
		}
		nameKey := strings.ToLower(col.Name)
		if _, dup := b.byName[nameKey]; dup {
			return nil, configErrf("duplicate collection name %q", col.Name)
		}
		b.collections[col.Slug] = col
		b.byName[nameKey] = col.Slug
		built = append(built, col)
	}

	// Stage 3: resolve relationship and relationship-backed select targets.
	for _, col := range built {
		for _, f := range col.Fields {
			to, ok := f.RelationTarget()
			if !ok {
				continue
			}
			if _, known := b.collections[to]; !known {
				return nil, configErrf("%s: unknown relationship target %q", f.Path, to)
			}
			rel := Relation{
				From:      col.Slug,
				FieldName: f.Name,
				Path:      f.Path,
				To:        to,
				Many:      f.IsMany(),
			}
			if f.Type == KindRelationship {
				rel.Through = f.Relationship.Through
			}
			if f.Type == KindSelect {
				rel.ValueField = f.Select.Relationship.ValueField
				b.selectRelationshipByPath[f.Path] = *f.Select.Relationship
			}
			b.relationships = append(b.relationships, rel)
			b.byTarget[to] = append(b.byTarget[to], rel)
		}
	}

	// Stage 4: order and field indices.
	for _, col := range built {
		b.bySlug[col.Slug] = len(b.order)
		b.order = append(b.order, col.Slug)
		b.fieldsByCollection[col.Slug] = col.Fields
		for _, f := range col.Fields {
			b.fieldByPath[f.Path] = f
			if f.Type == KindSelect && f.Select != nil && len(f.Select.Options) > 0 {
				b.selectOptionsByPath[f.Path] = f.Select.Options
			}
		}
	}

	return b, nil
}

func normalize(raw Collection) (*BuiltCollection, error) {
	name := strings.TrimSpace(raw.Name)
	if name == "" {
		return nil, configErrf("collection with empty name")
	}
	slug := strings.TrimSpace(raw.Slug)
	if slug == "" {
		slug = Slugify(name, "-")
	}
	if !slugRe.MatchString(slug) {
		return nil, configErrf("collection %q: invalid slug %q", name, slug)
	}
	pk := strings.TrimSpace(raw.PrimaryKey)
	if pk == "" {
		pk = "id"
	}
	icon := strings.TrimSpace(raw.Icon)
	if icon == "" {
		icon = "box"
	}
	return &BuiltCollection{Name: name, Slug: slug, Icon: icon, PrimaryKey: pk}, nil
}

// copyFields deep-copies built fields; the shallow slice copy would still
// share Relationship/Select/Enum pointers with the artifact.
func copyFields(src []BuiltField) []BuiltField {
	out := make([]BuiltField, len(src))
	for i, f := range src {
		out[i] = BuiltField{Field: f.Field.clone(), Path: f.Path}
	}
	return out
}

// Collection returns a copy of the built collection for slug.
func (b *Built) Collection(slug string) (BuiltCollection, bool) {
	col, ok := b.collections[slug]
	if !ok {
		return BuiltCollection{}, false
	}
	out := *col
	out.Fields = copyFields(col.Fields)
	return out, true
}

// Order returns collection slugs in declaration order.
func (b *Built) Order() []string {
	return append([]string(nil), b.order...)
}

// IndexOf returns the declaration position of slug.
func (b *Built) IndexOf(slug string) (int, bool) {
	i, ok := b.bySlug[slug]
	return i, ok
}

// SlugForName resolves a collection name (case-insensitive) to its slug.
func (b *Built) SlugForName(name string) (string, bool) {
	slug, ok := b.byName[strings.ToLower(strings.TrimSpace(name))]
	return slug, ok
}

// Fields returns the flattened field list of a collection.
func (b *Built) Fields(slug string) []BuiltField {
	return copyFields(b.fieldsByCollection[slug])
}

// FieldByPath resolves "<slug>.<fieldName>".
func (b *Built) FieldByPath(path string) (BuiltField, bool) {
	f, ok := b.fieldByPath[path]
	if !ok {
		return BuiltField{}, false
	}
	return BuiltField{Field: f.Field.clone(), Path: f.Path}, true
}

// Relationships returns every registered relation in declaration order.
func (b *Built) Relationships() []Relation {
	return append([]Relation(nil), b.relationships...)
}

// RelationshipsTo returns the relations pointing at the given collection.
func (b *Built) RelationshipsTo(slug string) []Relation {
	return append([]Relation(nil), b.byTarget[slug]...)
}

// SelectOptions returns the static options declared at path, if any.
func (b *Built) SelectOptions(path string) ([]Option, bool) {
	opts, ok := b.selectOptionsByPath[path]
	if !ok {
		return nil, false
	}
	return append([]Option(nil), opts...), true
}

// SelectRelationship returns the backing relationship of a select at path.
func (b *Built) SelectRelationship(path string) (SelectRelationship, bool) {
	rel, ok := b.selectRelationshipByPath[path]
	return rel, ok
}
