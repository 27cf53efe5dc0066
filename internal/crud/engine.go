// Package crud implements the generic list/get/create/update/delete engine
// over compiled collections. Every request walks the same pipeline:
// Authorize → Scope (tenant) → Filter (soft delete + predicate) → Execute →
// Serialize → Audit; any step may short-circuit with a status-coded Error.
package crud

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"opaca/internal/ddl"
	"opaca/internal/query"
	"opaca/internal/schema"
	"opaca/internal/store"
)

const DefaultLimit = 20

// Options tunes engine-wide behavior and carries the per-table policies,
// keyed by collection slug.
type Options struct {
	MaxLimit int
	Tables   map[string]TableConfig
}

// Engine is stateless between requests; the build artifact it holds is
// immutable, so one engine serves arbitrarily many concurrent requests.
type Engine struct {
	db      *store.DB
	log     *zap.Logger
	maxLim  int
	tables  map[string]*table
	entropy io.Reader
}

type table struct {
	slug     string
	physical string
	col      schema.BuiltCollection
	cfg      TableConfig
	acl      ACL
	val      *validator
	idColumn string

	kinds    query.ColumnKinds
	columns  map[string]struct{}
	jsonCols map[string]struct{}
	dateCols map[string]struct{}
	boolCols map[string]struct{}
	readOnly map[string]struct{}

	limiter *rate.Limiter
}

// New builds the engine from the build artifact, a storage handle, and the
// per-table policy configuration.
func New(built *schema.Built, db *store.DB, log *zap.Logger, opts Options) (*Engine, error) {
	if log == nil {
		log = zap.NewNop()
	}
	maxLim := opts.MaxLimit
	if maxLim <= 0 {
		maxLim = 100
	}
	e := &Engine{
		db:     db,
		log:    log,
		maxLim: maxLim,
		tables: make(map[string]*table),
		// MonotonicEntropy is not safe for concurrent readers; the locked
		// wrapper serializes id generation across requests
		entropy: &ulid.LockedMonotonicReader{
			MonotonicReader: ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
		},
	}
	for _, slug := range built.Order() {
		col, _ := built.Collection(slug)
		cfg := opts.Tables[slug]
		t, err := newTable(col, cfg)
		if err != nil {
			return nil, err
		}
		e.tables[slug] = t
	}
	return e, nil
}

func newTable(col schema.BuiltCollection, cfg TableConfig) (*table, error) {
	t := &table{
		slug:     col.Slug,
		physical: ddl.TableName(col.Slug),
		col:      col,
		cfg:      cfg,
		acl:      cfg.ACL,
		val:      newValidator(col),
		idColumn: cfg.IDColumn,
		kinds:    make(query.ColumnKinds),
		columns:  make(map[string]struct{}),
		jsonCols: make(map[string]struct{}),
		dateCols: make(map[string]struct{}),
		boolCols: make(map[string]struct{}),
		readOnly: make(map[string]struct{}),
	}
	if t.acl == nil {
		t.acl = AllowAll{}
	}
	if t.idColumn == "" {
		t.idColumn = col.PrimaryKey
	}

	t.columns[t.idColumn] = struct{}{}
	t.kinds[t.idColumn] = query.KindString
	for _, c := range []string{"created_at", "updated_at"} {
		t.columns[c] = struct{}{}
		t.kinds[c] = query.KindDate
		t.dateCols[c] = struct{}{}
	}

	for _, f := range col.Fields {
		t.columns[f.ColumnName] = struct{}{}
		t.kinds[f.ColumnName] = columnKind(f)
		switch t.kinds[f.ColumnName] {
		case query.KindJSON:
			t.jsonCols[f.ColumnName] = struct{}{}
		case query.KindDate:
			t.dateCols[f.ColumnName] = struct{}{}
		case query.KindBool:
			t.boolCols[f.ColumnName] = struct{}{}
		}
	}
	for _, c := range cfg.JSONFields {
		t.jsonCols[c] = struct{}{}
		t.kinds[c] = query.KindJSON
	}
	for _, c := range cfg.ReadOnly {
		t.readOnly[strings.ToLower(c)] = struct{}{}
	}

	if sd := cfg.SoftDelete; sd != nil {
		if _, ok := t.columns[sd.Column]; !ok {
			return nil, fmt.Errorf("collection %q: soft-delete column %q is not a known column", col.Slug, sd.Column)
		}
	}
	if tn := cfg.Tenant; tn != nil {
		if _, ok := t.columns[tn.Column]; !ok {
			return nil, fmt.Errorf("collection %q: tenant column %q is not a known column", col.Slug, tn.Column)
		}
	}
	if rl := cfg.RateLimit; rl != nil && rl.PerSecond > 0 {
		burst := rl.Burst
		if burst <= 0 {
			burst = 1
		}
		t.limiter = rate.NewLimiter(rate.Limit(rl.PerSecond), burst)
	}
	return t, nil
}

func columnKind(f schema.BuiltField) query.Kind {
	switch {
	case f.Type == schema.KindNumber:
		return query.KindNumber
	case f.Type == schema.KindCheckbox, f.Type == schema.KindSwitcher:
		return query.KindBool
	case f.Type == schema.KindDate:
		return query.KindDate
	case f.Type == schema.KindJSON, f.Type == schema.KindArray:
		return query.KindJSON
	case f.Type == schema.KindRelationship && f.Relationship != nil && f.Relationship.Many:
		return query.KindJSON
	case f.Type == schema.KindSelect && f.Select != nil && f.Select.Multiple:
		return query.KindJSON
	default:
		return query.KindString
	}
}

func (e *Engine) newID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), e.entropy).String()
}

// Tables lists the slugs the engine serves, in no particular order.
func (e *Engine) Tables() []string {
	out := make([]string, 0, len(e.tables))
	for slug := range e.tables {
		out = append(out, slug)
	}
	return out
}

// Collection exposes the built collection behind a served slug.
func (e *Engine) Collection(slug string) (schema.BuiltCollection, bool) {
	t, ok := e.tables[slug]
	if !ok {
		return schema.BuiltCollection{}, false
	}
	return t.col, true
}

func (e *Engine) table(name string) (*table, *Error) {
	t, ok := e.tables[name]
	if !ok {
		return nil, errNotFound("table")
	}
	if t.limiter != nil && !t.limiter.Allow() {
		return nil, errTooManyRequests()
	}
	return t, nil
}

// scope builds the tenant + soft-delete conditions every read and scoped
// write conjoins. includeDeleted lifts the soft-delete exclusion.
func (t *table) scope(req *Request, includeDeleted bool) ([]query.Node, *Error) {
	var conds []query.Node
	if tn := t.cfg.Tenant; tn != nil {
		if req.TenantID == "" {
			if !tn.Optional {
				return nil, errBadRequest("tenant id is required")
			}
		} else {
			conds = append(conds, query.Cond{Column: tn.Column, Op: query.OpEq, Value: req.TenantID})
		}
	}
	if sd := t.cfg.SoftDelete; sd != nil && sd.ExcludeByDefault && !includeDeleted {
		conds = append(conds, query.Cond{Column: sd.Column, Op: query.OpEq, Value: nil})
	}
	return conds, nil
}

func conjoin(conds []query.Node) query.Node {
	switch len(conds) {
	case 0:
		return nil
	case 1:
		return conds[0]
	default:
		return query.And{Nodes: conds}
	}
}

// ListResult is the list response envelope.
type ListResult struct {
	Data     []map[string]any `json:"data"`
	Limit    int              `json:"limit"`
	Offset   int              `json:"offset"`
	OrderBy  string           `json:"orderBy"`
	Order    string           `json:"order"`
	Selected []string         `json:"selected"`
}

type listParams struct {
	limit    int
	offset   int
	orderBy  string
	desc     bool
	selected []string
}

func (e *Engine) parseListParams(t *table, req *Request) listParams {
	p := listParams{limit: DefaultLimit, orderBy: "created_at", desc: true}

	// limit=0 means unset and falls back to the default; the clamp floor
	// is 1 so zero can never mean "no rows"
	if n, err := strconv.Atoi(req.Query.Get("limit")); err == nil && n >= 1 {
		p.limit = n
	}
	if p.limit > e.maxLim {
		p.limit = e.maxLim
	}
	if n, err := strconv.Atoi(req.Query.Get("offset")); err == nil && n > 0 {
		p.offset = n
	}
	if ob := strings.TrimSpace(req.Query.Get("orderBy")); ob != "" {
		if _, known := t.columns[ob]; known {
			p.orderBy = ob
		}
	}
	if strings.EqualFold(req.Query.Get("order"), "asc") {
		p.desc = false
	}
	if sel := strings.TrimSpace(req.Query.Get("select")); sel != "" {
		for _, c := range strings.Split(sel, ",") {
			c = strings.TrimSpace(c)
			if _, known := t.columns[c]; known {
				p.selected = append(p.selected, c)
			}
		}
	}
	return p
}

// List runs a filtered, scoped, paginated query.
func (e *Engine) List(ctx context.Context, req *Request) (*ListResult, error) {
	t, aerr := e.table(req.Table)
	if aerr != nil {
		return nil, aerr
	}
	if !t.acl.CanList(ctx, req) {
		return nil, errForbidden()
	}
	conds, aerr := t.scope(req, false)
	if aerr != nil {
		return nil, aerr
	}
	if p := query.Compile(t.kinds, req.Query); p != nil {
		conds = append(conds, p)
	}
	params := e.parseListParams(t, req)

	rows, err := e.db.Table(t.physical).
		Select(params.selected...).
		Where(conjoin(conds)).
		OrderBy(params.orderBy, params.desc).
		Limit(params.limit).
		Offset(params.offset).
		All(ctx)
	if err != nil {
		return nil, errInternal("list failed", err)
	}

	data := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		data = append(data, t.serialize(e.db.Dialect(), row))
	}
	res := &ListResult{
		Data:     data,
		Limit:    params.limit,
		Offset:   params.offset,
		OrderBy:  params.orderBy,
		Order:    order(params.desc),
		Selected: params.selected,
	}
	if aerr := e.audit(ctx, t, AuditEvent{
		Kind: "read", Table: t.slug, Actor: req.Actor,
		Payload: map[string]any{"query": req.Query.Encode()},
	}); aerr != nil {
		return nil, aerr
	}
	return res, nil
}

func order(desc bool) string {
	if desc {
		return "desc"
	}
	return "asc"
}

// Count reports how many rows match the scoped predicate.
func (e *Engine) Count(ctx context.Context, req *Request) (int64, error) {
	t, aerr := e.table(req.Table)
	if aerr != nil {
		return 0, aerr
	}
	if !t.acl.CanList(ctx, req) {
		return 0, errForbidden()
	}
	conds, aerr := t.scope(req, false)
	if aerr != nil {
		return 0, aerr
	}
	if p := query.Compile(t.kinds, req.Query); p != nil {
		conds = append(conds, p)
	}
	n, err := e.db.Table(t.physical).Count(ctx, conjoin(conds))
	if err != nil {
		return 0, errInternal("count failed", err)
	}
	return n, nil
}

// Get fetches one row by id under full scoping. A scope miss and a missing
// row are both a plain 404; existence outside the caller's scope is never
// disclosed.
func (e *Engine) Get(ctx context.Context, req *Request) (map[string]any, error) {
	t, aerr := e.table(req.Table)
	if aerr != nil {
		return nil, aerr
	}
	if !t.acl.CanRead(ctx, req) {
		return nil, errForbidden()
	}
	row, aerr := e.fetch(ctx, t, req, false)
	if aerr != nil {
		return nil, aerr
	}
	out := t.serialize(e.db.Dialect(), row)
	if aerr := e.audit(ctx, t, AuditEvent{Kind: "read", Table: t.slug, ID: req.ID, Actor: req.Actor}); aerr != nil {
		return nil, aerr
	}
	return out, nil
}

func (e *Engine) fetch(ctx context.Context, t *table, req *Request, includeDeleted bool) (map[string]any, *Error) {
	conds, aerr := t.scope(req, includeDeleted)
	if aerr != nil {
		return nil, aerr
	}
	conds = append(conds, query.Cond{Column: t.idColumn, Op: query.OpEq, Value: req.ID})
	row, err := e.db.Table(t.physical).Select().Where(conjoin(conds)).One(ctx)
	if err != nil {
		return nil, errInternal("get failed", err)
	}
	if row == nil {
		return nil, errNotFound("row")
	}
	return row, nil
}

// Create validates, strips read-only fields, injects the tenant id, runs
// hooks and persists one row.
func (e *Engine) Create(ctx context.Context, req *Request) (map[string]any, error) {
	t, aerr := e.table(req.Table)
	if aerr != nil {
		return nil, aerr
	}
	if req.Body == nil {
		return nil, errBadRequest("invalid JSON body")
	}

	payload, errs := t.val.validateInsert(req.Body)
	if len(errs) > 0 {
		return nil, errValidation(errs)
	}
	t.stripReadOnly(payload)
	if tn := t.cfg.Tenant; tn != nil {
		if req.TenantID == "" {
			if !tn.Optional {
				return nil, errBadRequest("tenant id is required")
			}
		} else if _, present := payload[tn.Column]; !present {
			payload[tn.Column] = req.TenantID
		}
	}
	if !t.acl.CanCreate(ctx, req) {
		return nil, errForbidden()
	}
	if t.cfg.Hooks.BeforeCreate != nil {
		next, err := t.cfg.Hooks.BeforeCreate(ctx, req, payload)
		if aerr := e.hookErr(t, "beforeCreate", err); aerr != nil {
			return nil, aerr
		}
		if next != nil {
			payload = next
		}
	}

	now := time.Now().UTC()
	// a declared primary key keeps the caller's value; the implicit one is
	// never user-suppliable and gets generated here
	if v, ok := payload[t.idColumn]; !ok || v == nil {
		payload[t.idColumn] = e.newID()
	}
	payload["created_at"] = now
	payload["updated_at"] = now

	if err := e.db.Table(t.physical).Insert(ctx, t.encode(payload)); err != nil {
		return nil, errInternal("insert failed", err)
	}

	out := t.serialize(e.db.Dialect(), t.encode(payload))
	if t.cfg.Hooks.AfterCreate != nil {
		if aerr := e.hookErr(t, "afterCreate", t.cfg.Hooks.AfterCreate(ctx, req, out)); aerr != nil {
			return nil, aerr
		}
	}
	rowID, _ := payload[t.idColumn].(string)
	if aerr := e.audit(ctx, t, AuditEvent{
		Kind: "create", Table: t.slug, ID: rowID, Actor: req.Actor, Payload: out,
	}); aerr != nil {
		return nil, aerr
	}
	return out, nil
}

// Update applies a partial payload to one scoped row. The tenant column
// itself is stripped from the payload; tenancy cannot be reassigned here.
func (e *Engine) Update(ctx context.Context, req *Request) (map[string]any, error) {
	t, aerr := e.table(req.Table)
	if aerr != nil {
		return nil, aerr
	}
	if req.Body == nil {
		return nil, errBadRequest("invalid JSON body")
	}

	payload, errs := t.val.validateUpdate(req.Body)
	if len(errs) > 0 {
		return nil, errValidation(errs)
	}
	t.stripReadOnly(payload)
	if tn := t.cfg.Tenant; tn != nil {
		delete(payload, tn.Column)
	}
	delete(payload, t.idColumn)
	if len(payload) == 0 {
		return nil, errBadRequest("empty update")
	}
	if !t.acl.CanUpdate(ctx, req) {
		return nil, errForbidden()
	}
	if t.cfg.Hooks.BeforeUpdate != nil {
		next, err := t.cfg.Hooks.BeforeUpdate(ctx, req, payload)
		if aerr := e.hookErr(t, "beforeUpdate", err); aerr != nil {
			return nil, aerr
		}
		if next != nil {
			payload = next
		}
	}

	conds, aerr := t.scope(req, false)
	if aerr != nil {
		return nil, aerr
	}
	conds = append(conds, query.Cond{Column: t.idColumn, Op: query.OpEq, Value: req.ID})
	payload["updated_at"] = time.Now().UTC()

	n, err := e.db.Table(t.physical).Update(ctx, t.encode(payload), conjoin(conds))
	if err != nil {
		return nil, errInternal("update failed", err)
	}
	if n == 0 {
		return nil, errNotFound("row")
	}

	row, aerr := e.fetch(ctx, t, req, false)
	if aerr != nil {
		return nil, aerr
	}
	out := t.serialize(e.db.Dialect(), row)
	if t.cfg.Hooks.AfterUpdate != nil {
		if aerr := e.hookErr(t, "afterUpdate", t.cfg.Hooks.AfterUpdate(ctx, req, out)); aerr != nil {
			return nil, aerr
		}
	}
	if aerr := e.audit(ctx, t, AuditEvent{
		Kind: "update", Table: t.slug, ID: req.ID, Actor: req.Actor, Payload: out,
	}); aerr != nil {
		return nil, aerr
	}
	return out, nil
}

// DeleteResult reports whether the delete was soft.
type DeleteResult struct {
	OK   bool `json:"ok"`
	Soft bool `json:"soft"`
}

// Delete removes one scoped row: an update of the soft-delete sentinel
// when configured, a physical delete otherwise.
func (e *Engine) Delete(ctx context.Context, req *Request) (*DeleteResult, error) {
	t, aerr := e.table(req.Table)
	if aerr != nil {
		return nil, aerr
	}
	if !t.acl.CanDelete(ctx, req) {
		return nil, errForbidden()
	}
	if t.cfg.Hooks.BeforeDelete != nil {
		if aerr := e.hookErr(t, "beforeDelete", t.cfg.Hooks.BeforeDelete(ctx, req, req.ID)); aerr != nil {
			return nil, aerr
		}
	}

	conds, aerr := t.scope(req, false)
	if aerr != nil {
		return nil, aerr
	}
	conds = append(conds, query.Cond{Column: t.idColumn, Op: query.OpEq, Value: req.ID})

	soft := t.cfg.SoftDelete != nil
	var n int64
	var err error
	if soft {
		sd := t.cfg.SoftDelete
		// already-deleted rows don't match again; the sentinel must be null
		conds = append(conds, query.Cond{Column: sd.Column, Op: query.OpEq, Value: nil})
		n, err = e.db.Table(t.physical).Update(ctx, map[string]any{
			sd.Column:    sd.now(),
			"updated_at": time.Now().UTC(),
		}, conjoin(conds))
	} else {
		n, err = e.db.Table(t.physical).Delete(ctx, conjoin(conds))
	}
	if err != nil {
		return nil, errInternal("delete failed", err)
	}
	if n == 0 {
		return nil, errNotFound("row")
	}

	if t.cfg.Hooks.AfterDelete != nil {
		if aerr := e.hookErr(t, "afterDelete", t.cfg.Hooks.AfterDelete(ctx, req, req.ID, soft)); aerr != nil {
			return nil, aerr
		}
	}
	if aerr := e.audit(ctx, t, AuditEvent{
		Kind: "delete", Table: t.slug, ID: req.ID, Actor: req.Actor, Soft: soft,
	}); aerr != nil {
		return nil, aerr
	}
	return &DeleteResult{OK: true, Soft: soft}, nil
}

// Restore clears the soft-delete sentinel of one scoped row. Tables
// without soft delete have nothing to restore and answer 404.
func (e *Engine) Restore(ctx context.Context, req *Request) (map[string]any, error) {
	t, aerr := e.table(req.Table)
	if aerr != nil {
		return nil, aerr
	}
	sd := t.cfg.SoftDelete
	if sd == nil {
		return nil, errNotFound("row")
	}
	if !t.acl.CanUpdate(ctx, req) {
		return nil, errForbidden()
	}
	conds, aerr := t.scope(req, true)
	if aerr != nil {
		return nil, aerr
	}
	conds = append(conds,
		query.Cond{Column: t.idColumn, Op: query.OpEq, Value: req.ID},
		query.Cond{Column: sd.Column, Op: query.OpNe, Value: nil},
	)
	n, err := e.db.Table(t.physical).Update(ctx, map[string]any{
		sd.Column:    nil,
		"updated_at": time.Now().UTC(),
	}, conjoin(conds))
	if err != nil {
		return nil, errInternal("restore failed", err)
	}
	if n == 0 {
		return nil, errNotFound("row")
	}
	row, aerr := e.fetch(ctx, t, req, true)
	if aerr != nil {
		return nil, aerr
	}
	return t.serialize(e.db.Dialect(), row), nil
}

func (t *table) stripReadOnly(payload map[string]any) {
	for col := range payload {
		if _, ro := t.readOnly[strings.ToLower(col)]; ro {
			delete(payload, col)
		}
	}
}

func (e *Engine) hookErr(t *table, name string, err error) *Error {
	if err == nil {
		return nil
	}
	if t.cfg.Hooks.BestEffort {
		e.log.Warn("hook failed", zap.String("table", t.slug), zap.String("hook", name), zap.Error(err))
		return nil
	}
	return errInternal("hook "+name+" failed", err)
}

func (e *Engine) audit(ctx context.Context, t *table, ev AuditEvent) *Error {
	if t.cfg.Audit.Sink == nil {
		return nil
	}
	if err := t.cfg.Audit.Sink.OnEvent(ctx, ev); err != nil {
		if t.cfg.Audit.BestEffort {
			e.log.Warn("audit sink failed", zap.String("table", t.slug), zap.String("kind", ev.Kind), zap.Error(err))
			return nil
		}
		return errInternal("audit sink failed", err)
	}
	return nil
}

// encode converts validated payload values into the storage representation:
// JSON-kind values are serialized, everything else passes through (the
// store handles per-dialect time/bool binding).
func (t *table) encode(payload map[string]any) map[string]any {
	out := make(map[string]any, len(payload))
	for col, v := range payload {
		if _, isJSON := t.jsonCols[col]; isJSON && v != nil {
			if _, already := v.(string); !already {
				b, err := json.Marshal(v)
				if err == nil {
					out[col] = string(b)
					continue
				}
			}
		}
		out[col] = v
	}
	return out
}

// serialize converts one storage row into its response form: JSON columns
// are deserialized, dates normalized to RFC3339, sqlite integer booleans
// mapped back to true/false.
func (t *table) serialize(d ddl.Dialect, row map[string]any) map[string]any {
	out := make(map[string]any, len(row))
	for col, v := range row {
		switch {
		case v == nil:
			out[col] = nil
		case inSet(t.jsonCols, col):
			out[col] = decodeJSON(v)
		case inSet(t.dateCols, col):
			out[col] = decodeDate(v)
		case inSet(t.boolCols, col) && d == ddl.SQLite:
			out[col] = decodeBool(v)
		default:
			out[col] = v
		}
	}
	return out
}

func inSet(set map[string]struct{}, k string) bool {
	_, ok := set[k]
	return ok
}

func decodeJSON(v any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	var out any
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return s
	}
	return out
}

func decodeDate(v any) any {
	switch ts := v.(type) {
	case time.Time:
		return ts.UTC().Format(time.RFC3339)
	case int64:
		return time.UnixMilli(ts).UTC().Format(time.RFC3339)
	case float64:
		return time.UnixMilli(int64(ts)).UTC().Format(time.RFC3339)
	case string:
		return ts
	default:
		return v
	}
}

func decodeBool(v any) any {
	switch n := v.(type) {
	case int64:
		return n != 0
	case bool:
		return n
	default:
		return v
	}
}
