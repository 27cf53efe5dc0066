// Package query compiles the structured filter grammar of the HTTP surface
// into a boolean predicate tree over compiled columns:
//
//	where.<field>[<op>]=<value>             top-level condition (AND-ed)
//	or.<n>.where.<field>[<op>]=<value>      condition in OR-group n
//
// Groups are OR-ed internally, then AND-ed with each other and with the
// top-level conditions. Unknown field names are ignored, not rejected, to
// tolerate stale query parameters from callers.
package query

import (
	"math"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Op is a comparison operator of the filter grammar.
type Op string

const (
	OpEq   Op = "eq"
	OpNe   Op = "ne"
	OpGt   Op = "gt"
	OpGte  Op = "gte"
	OpLt   Op = "lt"
	OpLte  Op = "lte"
	OpIn   Op = "in"
	OpLike Op = "like"
)

var validOps = map[Op]struct{}{
	OpEq: {}, OpNe: {}, OpGt: {}, OpGte: {}, OpLt: {}, OpLte: {}, OpIn: {}, OpLike: {},
}

// Kind drives value coercion for a column.
type Kind int

const (
	KindString Kind = iota
	KindNumber
	KindBool
	KindDate
	KindJSON
)

// ColumnKinds maps known column names to their declared kind. Fields
// absent from the map are unknown and silently dropped during compilation.
type ColumnKinds map[string]Kind

// Node is a composable predicate value.
type Node interface{ isNode() }

// Cond is a single column comparison. For OpIn, Value is a []any.
type Cond struct {
	Column string
	Op     Op
	Value  any
}

// And conjoins its children.
type And struct{ Nodes []Node }

// Or disjoins its children.
type Or struct{ Nodes []Node }

func (Cond) isNode() {}
func (And) isNode()  {}
func (Or) isNode()   {}

var (
	whereRe   = regexp.MustCompile(`^where\.([A-Za-z0-9_.-]+?)(?:\[([a-z]+)\])?$`)
	orWhereRe = regexp.MustCompile(`^or\.(\d+)\.where\.([A-Za-z0-9_.-]+?)(?:\[([a-z]+)\])?$`)
)

// Compile parses the query string into a predicate, or nil when no
// recognized filter keys are present.
func Compile(kinds ColumnKinds, q url.Values) Node {
	var top []Node
	groups := make(map[int][]Node)

	// url.Values iteration order is not stable; walk keys sorted so the
	// compiled tree is deterministic.
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		for _, raw := range q[key] {
			if m := whereRe.FindStringSubmatch(key); m != nil {
				if c, ok := buildCond(kinds, m[1], m[2], raw); ok {
					top = append(top, c)
				}
				continue
			}
			if m := orWhereRe.FindStringSubmatch(key); m != nil {
				n, _ := strconv.Atoi(m[1])
				if c, ok := buildCond(kinds, m[2], m[3], raw); ok {
					groups[n] = append(groups[n], c)
				}
			}
		}
	}

	groupIdx := make([]int, 0, len(groups))
	for n := range groups {
		groupIdx = append(groupIdx, n)
	}
	sort.Ints(groupIdx)
	for _, n := range groupIdx {
		nodes := groups[n]
		if len(nodes) == 1 {
			top = append(top, nodes[0])
			continue
		}
		top = append(top, Or{Nodes: nodes})
	}

	switch len(top) {
	case 0:
		return nil
	case 1:
		return top[0]
	default:
		return And{Nodes: top}
	}
}

func buildCond(kinds ColumnKinds, field, opStr, raw string) (Node, bool) {
	kind, known := kinds[field]
	if !known {
		return nil, false
	}
	op := OpEq
	if opStr != "" {
		op = Op(opStr)
		if _, ok := validOps[op]; !ok {
			return nil, false
		}
	}

	if op == OpIn {
		var vals []any
		for _, part := range strings.Split(raw, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			vals = append(vals, coerce(kind, part))
		}
		// an empty in-list compiles to no condition, not "match nothing";
		// pinned by tests so a change here is a conscious one
		if len(vals) == 0 {
			return nil, false
		}
		return Cond{Column: field, Op: OpIn, Value: vals}, true
	}

	return Cond{Column: field, Op: op, Value: coerce(kind, raw)}, true
}

var allDigitsRe = regexp.MustCompile(`^\d+$`)

func coerce(kind Kind, raw string) any {
	if raw == "null" {
		return nil
	}
	switch raw {
	case "true":
		return true
	case "false":
		return false
	}
	switch kind {
	case KindNumber:
		if f, err := strconv.ParseFloat(raw, 64); err == nil && !math.IsInf(f, 0) && !math.IsNaN(f) {
			return f
		}
		return raw
	case KindDate:
		if allDigitsRe.MatchString(raw) {
			ms, _ := strconv.ParseInt(raw, 10, 64)
			return time.UnixMilli(ms).UTC()
		}
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			return t.UTC()
		}
		if t, err := time.Parse("2006-01-02", raw); err == nil {
			return t.UTC()
		}
		return raw
	default:
		return raw
	}
}
