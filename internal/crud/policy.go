package crud

import (
	"context"
	"net/url"
	"time"
)

// Request carries everything the policy layer may inspect about one
// incoming operation. The transport builds it; the engine never reads the
// raw HTTP request.
type Request struct {
	Table    string
	ID       string
	Actor    string
	TenantID string
	Query    url.Values
	Body     map[string]any
}

// ACL gates each operation. Every method must return true before the
// operation proceeds; a false short-circuits with a 403 before any
// storage mutation.
type ACL interface {
	CanList(ctx context.Context, req *Request) bool
	CanRead(ctx context.Context, req *Request) bool
	CanCreate(ctx context.Context, req *Request) bool
	CanUpdate(ctx context.Context, req *Request) bool
	CanDelete(ctx context.Context, req *Request) bool
}

// AllowAll permits everything; the default when a table has no ACL.
type AllowAll struct{}

func (AllowAll) CanList(context.Context, *Request) bool   { return true }
func (AllowAll) CanRead(context.Context, *Request) bool   { return true }
func (AllowAll) CanCreate(context.Context, *Request) bool { return true }
func (AllowAll) CanUpdate(context.Context, *Request) bool { return true }
func (AllowAll) CanDelete(context.Context, *Request) bool { return true }

// Hooks are lifecycle callbacks around mutations. Before-hooks may
// transform the payload; after-hooks observe the result. When BestEffort
// is false (the default) a hook failure aborts the request.
type Hooks struct {
	BeforeCreate func(ctx context.Context, req *Request, payload map[string]any) (map[string]any, error)
	AfterCreate  func(ctx context.Context, req *Request, row map[string]any) error
	BeforeUpdate func(ctx context.Context, req *Request, payload map[string]any) (map[string]any, error)
	AfterUpdate  func(ctx context.Context, req *Request, row map[string]any) error
	BeforeDelete func(ctx context.Context, req *Request, id string) error
	AfterDelete  func(ctx context.Context, req *Request, id string, soft bool) error
	BestEffort   bool
}

// SoftDelete marks rows invisible through a sentinel column instead of
// removing them.
type SoftDelete struct {
	Column string
	// ExcludeByDefault conjoins "<Column> is null" onto list/get scoping.
	ExcludeByDefault bool
	// Now produces the sentinel value; defaults to time.Now().UTC().
	Now func() time.Time
}

func (s *SoftDelete) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

// Tenant isolates rows by caller-supplied tenant identity via an equality
// condition on Column.
type Tenant struct {
	Column string
	// Optional reports whether requests without a tenant id are allowed
	// (they then see every row). By default the id is required.
	Optional bool
}

// AuditEvent is the tagged event handed to the audit sink.
type AuditEvent struct {
	Kind    string         `json:"kind"` // create | update | delete | read
	Table   string         `json:"table"`
	ID      string         `json:"id,omitempty"`
	Actor   string         `json:"actor,omitempty"`
	Soft    bool           `json:"soft,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}

// AuditSink receives one event per completed operation.
type AuditSink interface {
	OnEvent(ctx context.Context, ev AuditEvent) error
}

// Audit couples a sink with its failure policy. When BestEffort is false
// (the default) a sink failure fails the request.
type Audit struct {
	Sink       AuditSink
	BestEffort bool
}

// RateLimit is a per-table token bucket; exceeding it answers 429.
type RateLimit struct {
	PerSecond float64
	Burst     int
}

// TableConfig is the per-table policy bundle supplied by the hosting
// application. The zero value means: id column from the collection,
// nothing read-only, allow-all ACL, no hooks, hard delete, no tenant, no
// audit, no rate limit.
type TableConfig struct {
	IDColumn   string
	ReadOnly   []string
	JSONFields []string
	ACL        ACL
	Hooks      Hooks
	SoftDelete *SoftDelete
	Tenant     *Tenant
	Audit      Audit
	RateLimit  *RateLimit
}
