package crud_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"opaca/internal/crud"
	"opaca/internal/ddl"
	"opaca/internal/schema"
	"opaca/internal/store"
)

func testBuilt(t *testing.T) *schema.Built {
	t.Helper()
	built, err := schema.Sanitize(schema.Config{Collections: []schema.Collection{
		{Name: "Posts", Fields: []schema.Field{
			{Name: "title", Type: schema.KindText, Required: true},
			{Name: "views", Type: schema.KindNumber, NumberMode: "int"},
			{Name: "active", Type: schema.KindCheckbox, Default: true},
			{Name: "secret", Type: schema.KindText},
			{Name: "tenant", Type: schema.KindText},
			{Name: "deletedAt", Type: schema.KindDate},
			{Name: "tags", Type: schema.KindArray},
		}},
	}})
	require.NoError(t, err)
	return built
}

func newEngine(t *testing.T, tables map[string]crud.TableConfig) *crud.Engine {
	t.Helper()
	return newEngineFor(t, testBuilt(t), tables)
}

func newEngineFor(t *testing.T, built *schema.Built, tables map[string]crud.TableConfig) *crud.Engine {
	t.Helper()

	raw, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "crud_test.db"))
	require.NoError(t, err)
	raw.SetMaxOpenConns(1)
	t.Cleanup(func() { raw.Close() })

	compiled, err := ddl.CompileAll(built, ddl.SQLite)
	require.NoError(t, err)
	require.NoError(t, ddl.Apply(context.Background(), raw, ddl.RenderAll(compiled)))

	eng, err := crud.New(built, store.Wrap(raw, ddl.SQLite), zap.NewNop(), crud.Options{
		MaxLimit: 50,
		Tables:   tables,
	})
	require.NoError(t, err)
	return eng
}

func req(table, id string, q url.Values) *crud.Request {
	if q == nil {
		q = url.Values{}
	}
	return &crud.Request{Table: table, ID: id, Actor: "tester", Query: q}
}

func statusOf(t *testing.T, err error) *crud.Error {
	t.Helper()
	var ce *crud.Error
	require.ErrorAs(t, err, &ce)
	return ce
}

func TestCreateReadUpdateDeleteCycle(t *testing.T) {
	eng := newEngine(t, nil)
	ctx := context.Background()

	create := req("posts", "", nil)
	create.Body = map[string]any{"title": "Pen", "views": float64(3), "tags": []any{"a"}}
	out, err := eng.Create(ctx, create)
	require.NoError(t, err)

	id, _ := out["id"].(string)
	require.Len(t, id, 26)
	assert.Equal(t, "Pen", out["title"])
	assert.Equal(t, true, out["active"])
	assert.EqualValues(t, 3, out["views"])
	assert.Equal(t, []any{"a"}, out["tags"])
	created, ok := out["created_at"].(string)
	require.True(t, ok)
	_, perr := time.Parse(time.RFC3339, created)
	require.NoError(t, perr)

	got, err := eng.Get(ctx, req("posts", id, nil))
	require.NoError(t, err)
	assert.Equal(t, "Pen", got["title"])
	assert.Equal(t, true, got["active"])
	assert.Equal(t, []any{"a"}, got["tags"])

	upd := req("posts", id, nil)
	upd.Body = map[string]any{"views": float64(9)}
	got, err = eng.Update(ctx, upd)
	require.NoError(t, err)
	assert.EqualValues(t, 9, got["views"])
	assert.Equal(t, "Pen", got["title"])

	res, err := eng.Delete(ctx, req("posts", id, nil))
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.False(t, res.Soft)

	_, err = eng.Get(ctx, req("posts", id, nil))
	assert.Equal(t, http.StatusNotFound, statusOf(t, err).Status)
}

func seedPosts(t *testing.T, eng *crud.Engine, n int) {
	t.Helper()
	for i := 1; i <= n; i++ {
		r := req("posts", "", nil)
		r.Body = map[string]any{"title": fmt.Sprintf("post %d", i), "views": float64(i)}
		_, err := eng.Create(context.Background(), r)
		require.NoError(t, err)
	}
}

func TestListDefaultsAndClamp(t *testing.T) {
	eng := newEngine(t, nil)
	seedPosts(t, eng, 25)
	ctx := context.Background()

	res, err := eng.List(ctx, req("posts", "", nil))
	require.NoError(t, err)
	assert.Len(t, res.Data, 20)
	assert.Equal(t, 20, res.Limit)
	assert.Equal(t, "created_at", res.OrderBy)
	assert.Equal(t, "desc", res.Order)

	res, err = eng.List(ctx, req("posts", "", url.Values{"limit": {"0"}}))
	require.NoError(t, err)
	assert.Equal(t, 20, res.Limit)

	res, err = eng.List(ctx, req("posts", "", url.Values{"limit": {"500"}}))
	require.NoError(t, err)
	assert.Equal(t, 50, res.Limit)
	assert.Len(t, res.Data, 25)

	res, err = eng.List(ctx, req("posts", "", url.Values{
		"limit": {"10"}, "offset": {"20"}, "orderBy": {"bogus"}, "order": {"asc"},
	}))
	require.NoError(t, err)
	assert.Len(t, res.Data, 5)
	assert.Equal(t, 10, res.Limit)
	assert.Equal(t, 20, res.Offset)
	assert.Equal(t, "created_at", res.OrderBy)
	assert.Equal(t, "asc", res.Order)
}

func TestListFilterAndOrder(t *testing.T) {
	eng := newEngine(t, nil)
	seedPosts(t, eng, 10)
	ctx := context.Background()

	res, err := eng.List(ctx, req("posts", "", url.Values{"where.views[gt]": {"5"}}))
	require.NoError(t, err)
	assert.Len(t, res.Data, 5)

	res, err = eng.List(ctx, req("posts", "", url.Values{
		"orderBy": {"views"}, "order": {"asc"},
	}))
	require.NoError(t, err)
	require.Len(t, res.Data, 10)
	assert.EqualValues(t, 1, res.Data[0]["views"])
	assert.EqualValues(t, 10, res.Data[9]["views"])

	n, err := eng.Count(ctx, req("posts", "", url.Values{"where.views[lte]": {"3"}}))
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestListProjection(t *testing.T) {
	eng := newEngine(t, nil)
	seedPosts(t, eng, 2)

	res, err := eng.List(context.Background(), req("posts", "", url.Values{"select": {"title,bogus"}}))
	require.NoError(t, err)
	assert.Equal(t, []string{"title"}, res.Selected)
	require.NotEmpty(t, res.Data)
	assert.Contains(t, res.Data[0], "title")
	assert.NotContains(t, res.Data[0], "views")
}

func TestSoftDeleteLifecycle(t *testing.T) {
	eng := newEngine(t, map[string]crud.TableConfig{
		"posts": {SoftDelete: &crud.SoftDelete{Column: "deleted_at", ExcludeByDefault: true}},
	})
	ctx := context.Background()

	create := req("posts", "", nil)
	create.Body = map[string]any{"title": "keeper"}
	row, err := eng.Create(ctx, create)
	require.NoError(t, err)
	id := row["id"].(string)

	res, err := eng.Delete(ctx, req("posts", id, nil))
	require.NoError(t, err)
	assert.True(t, res.Soft)

	list, err := eng.List(ctx, req("posts", "", nil))
	require.NoError(t, err)
	assert.Empty(t, list.Data)

	_, err = eng.Get(ctx, req("posts", id, nil))
	assert.Equal(t, http.StatusNotFound, statusOf(t, err).Status)

	n, err := eng.Count(ctx, req("posts", "", nil))
	require.NoError(t, err)
	assert.Zero(t, n)

	// deleting an already soft-deleted row matches nothing
	_, err = eng.Delete(ctx, req("posts", id, nil))
	assert.Equal(t, http.StatusNotFound, statusOf(t, err).Status)

	restored, err := eng.Restore(ctx, req("posts", id, nil))
	require.NoError(t, err)
	assert.Nil(t, restored["deleted_at"])

	list, err = eng.List(ctx, req("posts", "", nil))
	require.NoError(t, err)
	assert.Len(t, list.Data, 1)

	// nothing left to restore
	_, err = eng.Restore(ctx, req("posts", id, nil))
	assert.Equal(t, http.StatusNotFound, statusOf(t, err).Status)
}

func TestRestoreWithoutSoftDelete(t *testing.T) {
	eng := newEngine(t, nil)
	_, err := eng.Restore(context.Background(), req("posts", "anything", nil))
	assert.Equal(t, http.StatusNotFound, statusOf(t, err).Status)
}

func TestTenantIsolation(t *testing.T) {
	eng := newEngine(t, map[string]crud.TableConfig{
		"posts": {Tenant: &crud.Tenant{Column: "tenant"}},
	})
	ctx := context.Background()

	_, err := eng.List(ctx, req("posts", "", nil))
	assert.Equal(t, http.StatusBadRequest, statusOf(t, err).Status)

	create := req("posts", "", nil)
	create.TenantID = "t1"
	create.Body = map[string]any{"title": "mine"}
	row, err := eng.Create(ctx, create)
	require.NoError(t, err)
	id := row["id"].(string)
	assert.Equal(t, "t1", row["tenant"])

	other := req("posts", id, nil)
	other.TenantID = "t2"
	_, err = eng.Get(ctx, other)
	assert.Equal(t, http.StatusNotFound, statusOf(t, err).Status)

	// the tenant column cannot be reassigned through update
	upd := req("posts", id, nil)
	upd.TenantID = "t1"
	upd.Body = map[string]any{"tenant": "t2", "views": float64(1)}
	got, err := eng.Update(ctx, upd)
	require.NoError(t, err)
	assert.Equal(t, "t1", got["tenant"])

	upd.Body = map[string]any{"tenant": "t2"}
	_, err = eng.Update(ctx, upd)
	assert.Equal(t, http.StatusBadRequest, statusOf(t, err).Status)
}

func TestCreateRequiresTenant(t *testing.T) {
	eng := newEngine(t, map[string]crud.TableConfig{
		"posts": {Tenant: &crud.Tenant{Column: "tenant"}},
	})
	ctx := context.Background()

	// no tenant id: rejected before anything is written
	create := req("posts", "", nil)
	create.Body = map[string]any{"title": "orphan"}
	_, err := eng.Create(ctx, create)
	assert.Equal(t, http.StatusBadRequest, statusOf(t, err).Status)

	listed := req("posts", "", nil)
	listed.TenantID = "t1"
	res, lerr := eng.List(ctx, listed)
	require.NoError(t, lerr)
	assert.Empty(t, res.Data)
}

func TestCreateOptionalTenantMayBeAbsent(t *testing.T) {
	eng := newEngine(t, map[string]crud.TableConfig{
		"posts": {Tenant: &crud.Tenant{Column: "tenant", Optional: true}},
	})
	create := req("posts", "", nil)
	create.Body = map[string]any{"title": "shared"}
	row, err := eng.Create(context.Background(), create)
	require.NoError(t, err)
	assert.Nil(t, row["tenant"])
}

func TestDeclaredPrimaryKeyKeepsCallerValue(t *testing.T) {
	built, err := schema.Sanitize(schema.Config{Collections: []schema.Collection{
		{Name: "Codes", PrimaryKey: "code", Fields: []schema.Field{
			{Name: "code", Type: schema.KindText, Required: true},
			{Name: "label", Type: schema.KindText},
		}},
	}})
	require.NoError(t, err)
	eng := newEngineFor(t, built, nil)
	ctx := context.Background()

	create := req("codes", "", nil)
	create.Body = map[string]any{"code": "ABC", "label": "alpha"}
	row, cerr := eng.Create(ctx, create)
	require.NoError(t, cerr)
	assert.Equal(t, "ABC", row["code"])

	got, gerr := eng.Get(ctx, req("codes", "ABC", nil))
	require.NoError(t, gerr)
	assert.Equal(t, "alpha", got["label"])
}

func TestImplicitPrimaryKeyIsNotUserSuppliable(t *testing.T) {
	eng := newEngine(t, nil)
	create := req("posts", "", nil)
	create.Body = map[string]any{"title": "x", "id": "custom-id"}
	row, err := eng.Create(context.Background(), create)
	require.NoError(t, err)
	assert.NotEqual(t, "custom-id", row["id"])
	assert.Len(t, row["id"], 26)
}

func TestConcurrentCreatesYieldUniqueIDs(t *testing.T) {
	eng := newEngine(t, nil)
	ctx := context.Background()

	const workers, perWorker = 8, 5
	ids := make(chan string, workers*perWorker)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				create := req("posts", "", nil)
				create.Body = map[string]any{"title": fmt.Sprintf("w%d-%d", n, i)}
				row, err := eng.Create(ctx, create)
				assert.NoError(t, err)
				if err == nil {
					ids <- row["id"].(string)
				}
			}
		}(w)
	}
	wg.Wait()
	close(ids)

	seen := make(map[string]struct{})
	for id := range ids {
		_, dup := seen[id]
		assert.False(t, dup, "duplicate id %s", id)
		seen[id] = struct{}{}
	}
	assert.Len(t, seen, workers*perWorker)
}

func TestSoftDeletedRowsVisibleWhenNotExcluded(t *testing.T) {
	eng := newEngine(t, map[string]crud.TableConfig{
		"posts": {SoftDelete: &crud.SoftDelete{Column: "deleted_at", ExcludeByDefault: false}},
	})
	ctx := context.Background()

	create := req("posts", "", nil)
	create.Body = map[string]any{"title": "lingering"}
	row, err := eng.Create(ctx, create)
	require.NoError(t, err)
	id := row["id"].(string)

	res, err := eng.Delete(ctx, req("posts", id, nil))
	require.NoError(t, err)
	assert.True(t, res.Soft)

	got, err := eng.Get(ctx, req("posts", id, nil))
	require.NoError(t, err)
	assert.NotNil(t, got["deleted_at"])

	list, err := eng.List(ctx, req("posts", "", nil))
	require.NoError(t, err)
	assert.Len(t, list.Data, 1)
}

func TestReadOnlyFieldsAreStripped(t *testing.T) {
	eng := newEngine(t, map[string]crud.TableConfig{
		"posts": {ReadOnly: []string{"secret"}},
	})
	ctx := context.Background()

	create := req("posts", "", nil)
	create.Body = map[string]any{"title": "x", "secret": "hide me"}
	row, err := eng.Create(ctx, create)
	require.NoError(t, err)
	id := row["id"].(string)

	got, err := eng.Get(ctx, req("posts", id, nil))
	require.NoError(t, err)
	assert.Nil(t, got["secret"])

	upd := req("posts", id, nil)
	upd.Body = map[string]any{"secret": "still hidden", "views": float64(1)}
	got, err = eng.Update(ctx, upd)
	require.NoError(t, err)
	assert.Nil(t, got["secret"])
}

type denyWrites struct{ crud.AllowAll }

func (denyWrites) CanCreate(context.Context, *crud.Request) bool { return false }
func (denyWrites) CanDelete(context.Context, *crud.Request) bool { return false }

func TestACLForbidden(t *testing.T) {
	eng := newEngine(t, map[string]crud.TableConfig{
		"posts": {ACL: denyWrites{}},
	})
	ctx := context.Background()

	create := req("posts", "", nil)
	create.Body = map[string]any{"title": "nope"}
	_, err := eng.Create(ctx, create)
	assert.Equal(t, http.StatusForbidden, statusOf(t, err).Status)

	_, err = eng.Delete(ctx, req("posts", "id", nil))
	assert.Equal(t, http.StatusForbidden, statusOf(t, err).Status)

	// reads stay open
	_, err = eng.List(ctx, req("posts", "", nil))
	require.NoError(t, err)
}

func TestBeforeCreateTransformsPayload(t *testing.T) {
	eng := newEngine(t, map[string]crud.TableConfig{
		"posts": {Hooks: crud.Hooks{
			BeforeCreate: func(_ context.Context, _ *crud.Request, payload map[string]any) (map[string]any, error) {
				payload["views"] = int64(42)
				return payload, nil
			},
		}},
	})
	create := req("posts", "", nil)
	create.Body = map[string]any{"title": "hooked"}
	out, err := eng.Create(context.Background(), create)
	require.NoError(t, err)
	assert.EqualValues(t, 42, out["views"])
}

func TestHookFailurePolicy(t *testing.T) {
	failing := crud.Hooks{
		AfterCreate: func(context.Context, *crud.Request, map[string]any) error {
			return errors.New("downstream unavailable")
		},
	}

	strict := newEngine(t, map[string]crud.TableConfig{"posts": {Hooks: failing}})
	create := req("posts", "", nil)
	create.Body = map[string]any{"title": "x"}
	_, err := strict.Create(context.Background(), create)
	assert.Equal(t, http.StatusInternalServerError, statusOf(t, err).Status)

	failing.BestEffort = true
	lenient := newEngine(t, map[string]crud.TableConfig{"posts": {Hooks: failing}})
	_, err = lenient.Create(context.Background(), create)
	require.NoError(t, err)
}

type memorySink struct{ events []crud.AuditEvent }

func (s *memorySink) OnEvent(_ context.Context, ev crud.AuditEvent) error {
	s.events = append(s.events, ev)
	return nil
}

type failingSink struct{}

func (failingSink) OnEvent(context.Context, crud.AuditEvent) error {
	return errors.New("sink down")
}

func TestAuditTrail(t *testing.T) {
	sink := &memorySink{}
	eng := newEngine(t, map[string]crud.TableConfig{
		"posts": {Audit: crud.Audit{Sink: sink}},
	})
	ctx := context.Background()

	create := req("posts", "", nil)
	create.Body = map[string]any{"title": "tracked"}
	row, err := eng.Create(ctx, create)
	require.NoError(t, err)
	id := row["id"].(string)

	upd := req("posts", id, nil)
	upd.Body = map[string]any{"views": float64(1)}
	_, err = eng.Update(ctx, upd)
	require.NoError(t, err)

	_, err = eng.Delete(ctx, req("posts", id, nil))
	require.NoError(t, err)

	require.Len(t, sink.events, 3)
	assert.Equal(t, "create", sink.events[0].Kind)
	assert.Equal(t, "update", sink.events[1].Kind)
	assert.Equal(t, "delete", sink.events[2].Kind)
	assert.Equal(t, id, sink.events[2].ID)
	assert.Equal(t, "tester", sink.events[0].Actor)
}

func TestAuditFailurePolicy(t *testing.T) {
	strict := newEngine(t, map[string]crud.TableConfig{
		"posts": {Audit: crud.Audit{Sink: failingSink{}}},
	})
	_, err := strict.List(context.Background(), req("posts", "", nil))
	assert.Equal(t, http.StatusInternalServerError, statusOf(t, err).Status)

	lenient := newEngine(t, map[string]crud.TableConfig{
		"posts": {Audit: crud.Audit{Sink: failingSink{}, BestEffort: true}},
	})
	_, err = lenient.List(context.Background(), req("posts", "", nil))
	require.NoError(t, err)
}

func TestRateLimit(t *testing.T) {
	eng := newEngine(t, map[string]crud.TableConfig{
		"posts": {RateLimit: &crud.RateLimit{PerSecond: 0.001, Burst: 1}},
	})
	ctx := context.Background()

	_, err := eng.List(ctx, req("posts", "", nil))
	require.NoError(t, err)
	_, err = eng.List(ctx, req("posts", "", nil))
	assert.Equal(t, http.StatusTooManyRequests, statusOf(t, err).Status)
}

func TestUnknownTable(t *testing.T) {
	eng := newEngine(t, nil)
	_, err := eng.List(context.Background(), req("widgets", "", nil))
	assert.Equal(t, http.StatusNotFound, statusOf(t, err).Status)
}

func TestValidationEnvelope(t *testing.T) {
	eng := newEngine(t, nil)
	create := req("posts", "", nil)
	create.Body = map[string]any{"views": "lots"}
	_, err := eng.Create(context.Background(), create)

	ce := statusOf(t, err)
	assert.Equal(t, http.StatusUnprocessableEntity, ce.Status)
	require.Len(t, ce.Details, 2)
}

func TestUpdateMissingRow(t *testing.T) {
	eng := newEngine(t, nil)
	upd := req("posts", "01HZZZZZZZZZZZZZZZZZZZZZZZ", nil)
	upd.Body = map[string]any{"views": float64(1)}
	_, err := eng.Update(context.Background(), upd)
	assert.Equal(t, http.StatusNotFound, statusOf(t, err).Status)
}

func TestBadTableConfigRejected(t *testing.T) {
	built := testBuilt(t)
	_, err := crud.New(built, store.Wrap(nil, ddl.SQLite), nil, crud.Options{
		Tables: map[string]crud.TableConfig{
			"posts": {SoftDelete: &crud.SoftDelete{Column: "nope"}},
		},
	})
	require.Error(t, err)
}
