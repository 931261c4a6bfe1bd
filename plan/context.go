package plan

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/iperfex-team/dataverse-bulkmw/backend"
)

// Executor runs a unit of work against a backend.Client, hiding whether
// that client comes from a single bound connection or is checked out of
// and returned to a pool (spec §3 QueryPlanContext: "the bound
// BackendClient or pool"). A pool-backed Executor also feeds batch
// duration/throttle signals back to the pool's rate controller.
type Executor interface {
	WithClient(ctx context.Context, fn func(backend.Client) error) error
}

// singleClientExecutor adapts one already-authenticated client, with no
// pooling or rate-limiting — used for tests and for a single bound
// connection handed in directly.
type singleClientExecutor struct{ c backend.Client }

// SingleClientExecutor wraps c as an Executor with no pooling behavior.
func SingleClientExecutor(c backend.Client) Executor { return singleClientExecutor{c} }

func (s singleClientExecutor) WithClient(ctx context.Context, fn func(backend.Client) error) error {
	return fn(s.c)
}

// ProgressLevel classifies a progress event's severity.
type ProgressLevel int

const (
	ProgressInfo ProgressLevel = iota
	ProgressWarning
)

// ProgressSink receives human-facing progress updates, e.g. the metadata
// executor's "this operation is O(entities)" warning (spec §4.K).
type ProgressSink interface {
	Report(level ProgressLevel, message string)
}

type nopProgressSink struct{}

func (nopProgressSink) Report(ProgressLevel, string) {}

// Expr is the opaque AST node type an external SQL parser hands to
// Evaluator. The parser itself is out of scope (spec §1); the core treats
// its output as an input contract.
type Expr = any

// Evaluator evaluates a parsed expression against a row and the current
// variable scope.
type Evaluator interface {
	Eval(expr Expr, row Row, scope *Scope) (Value, error)
}

// Stats is the running execution statistics carried on the context (spec
// §3 QueryPlanContext): pages fetched, rows read, last paging cookie, and
// total count when known. Safe for concurrent use by fan-out nodes like
// ParallelPartition.
type Stats struct {
	pagesFetched atomic.Int64
	rowsRead     atomic.Int64

	mu               sync.Mutex
	lastPagingCookie string
	totalCount       *int64
}

func (s *Stats) IncPagesFetched()          { s.pagesFetched.Add(1) }
func (s *Stats) PagesFetched() int64       { return s.pagesFetched.Load() }
func (s *Stats) AddRowsRead(n int64)       { s.rowsRead.Add(n) }
func (s *Stats) RowsRead() int64           { return s.rowsRead.Load() }

func (s *Stats) SetLastPagingCookie(cookie string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastPagingCookie = cookie
}

func (s *Stats) LastPagingCookie() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastPagingCookie
}

func (s *Stats) SetTotalCount(n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := n
	s.totalCount = &v
}

func (s *Stats) TotalCount() (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.totalCount == nil {
		return 0, false
	}
	return *s.totalCount, true
}

// Scope is the script execution variable stack (spec §3 "Script variable
// scope"): DECLARE adds to the current frame, SET mutates the nearest
// enclosing definition, reads walk outward.
type Scope struct {
	mu     sync.Mutex
	frames []map[string]Value
}

// NewScope returns a scope with a single root frame.
func NewScope() *Scope {
	return &Scope{frames: []map[string]Value{make(map[string]Value)}}
}

// Push opens a new, innermost frame (entering a BEGIN…END block).
func (s *Scope) Push() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, make(map[string]Value))
}

// Pop closes the innermost frame.
func (s *Scope) Pop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.frames) <= 1 {
		return // never pop the root frame
	}
	s.frames = s.frames[:len(s.frames)-1]
}

// Declare adds name to the current (innermost) frame, shadowing any outer
// binding of the same name.
func (s *Scope) Declare(name string, v Value) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames[len(s.frames)-1][name] = v
}

// Set mutates the nearest enclosing binding of name. It returns an
// UndefinedVariable error (as a *backend.Error) if no frame defines name.
func (s *Scope) Set(name string, v Value) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.frames) - 1; i >= 0; i-- {
		if _, ok := s.frames[i][name]; ok {
			s.frames[i][name] = v
			return nil
		}
	}
	return &backend.Error{
		Code:     "Script.UndefinedVariable",
		Message:  fmt.Sprintf("variable %s is not defined", name),
		Severity: backend.SeverityError,
	}
}

// Get reads name, walking outward from the innermost frame.
func (s *Scope) Get(name string) (Value, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.frames) - 1; i >= 0; i-- {
		if v, ok := s.frames[i][name]; ok {
			return v, true
		}
	}
	return Value{}, false
}

// Context is the QueryPlanContext: shared execution state passed to every
// node (spec §3). A plan tree borrows whatever Default/Remotes point to
// for the duration of a single enumeration; it owns no backend resources
// itself.
type Context struct {
	Default   Executor
	Remotes   map[string]Executor // remote label -> executor, for [LABEL].entity scans
	Evaluator Evaluator
	Progress  ProgressSink
	Scope     *Scope
	Stats     *Stats

	// Tracer instruments spans around each node's ExecuteAsync (spec
	// §4.M). Never nil: NewContext defaults it to the global
	// TracerProvider's no-op tracer, so node implementations can call
	// Tracer.Start unconditionally without a nil check.
	Tracer trace.Tracer
}

// NewContext builds a context with sane defaults (no-op progress sink,
// fresh stats and root scope, no-op tracer) around the given default
// executor. Callers that want real spans set Tracer to a tracer built
// from their own trace.TracerProvider (e.g. metrics.Tracer(provider))
// after construction.
func NewContext(def Executor) *Context {
	return &Context{
		Default:  def,
		Remotes:  make(map[string]Executor),
		Progress: nopProgressSink{},
		Scope:    NewScope(),
		Stats:    &Stats{},
		Tracer:   otel.GetTracerProvider().Tracer("github.com/iperfex-team/dataverse-bulkmw/plan"),
	}
}

// StartSpan starts a span named after a node's Description via this
// context's Tracer, the shared entry point every plan.Node.ExecuteAsync
// uses so span creation isn't duplicated per node implementation (spec
// §4.M: "spans around ... PlanNode.ExecuteAsync per node").
func (c *Context) StartSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return c.Tracer.Start(ctx, name)
}

// Executor resolves label to the remote executor registered under it, or
// the default executor when label is empty (spec §4.H RemoteScan).
func (c *Context) Executor(label string) (Executor, error) {
	if label == "" {
		if c.Default == nil {
			return nil, fmt.Errorf("plan: no default executor bound")
		}
		return c.Default, nil
	}
	ex, ok := c.Remotes[label]
	if !ok {
		return nil, &backend.Error{
			Code:     backend.CodeOperationNotFound,
			Message:  fmt.Sprintf("remote label [%s] is not bound to an executor", label),
			Severity: backend.SeverityError,
			Context:  map[string]any{"label": label},
		}
	}
	return ex, nil
}

// report is a nil-safe helper node implementations use instead of
// reaching into pctx.Progress directly.
func (c *Context) report(level ProgressLevel, message string) {
	if c.Progress == nil {
		return
	}
	c.Progress.Report(level, message)
}

// Report is the exported form of report, used by nodes outside this
// package.
func (c *Context) Report(level ProgressLevel, message string) { c.report(level, message) }
