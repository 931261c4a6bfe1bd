// Package backend defines the narrow contract the core speaks to the remote
// record service through, and the stable error taxonomy that crosses it.
//
// Nothing in this package does network I/O. A concrete BackendClient lives
// in sqlbackend (a reference adapter over database/sql, for integration
// tests) or memquery (an in-memory double, for unit tests); production
// callers bring their own.
package backend

import "context"

// Client is a single authenticated session against one endpoint. It is
// owned exclusively by the pool that constructed it and is never shared
// across pools. Implementations are not required to be safe for concurrent
// calls; the pool ensures at most one in-flight call per client.
type Client interface {
	// Execute runs a single request/response round trip.
	Execute(ctx context.Context, req Request) (Response, error)

	// RetrieveMultiple returns one page of results for a native query.
	// pagingCookie is empty on the first call.
	RetrieveMultiple(ctx context.Context, query string, pageCount int32, pagingCookie string) (Page, error)

	// GetTotalCount returns an optimized count for entity, or (0, false) if
	// this backend doesn't support an O(1) count for it.
	GetTotalCount(ctx context.Context, entity string) (count int64, ok bool, err error)

	// ExecuteMultiple runs a batch of requests and returns their outcomes in
	// the same order as ops. Without ContinueOnError the slice ends at the
	// first failed request, so it may be shorter than ops.
	ExecuteMultiple(ctx context.Context, ops []Request, opts ExecuteMultipleOptions) ([]Outcome, error)
}

// Request is one unit of work sent to Execute or batched into
// ExecuteMultiple. Entity/Operation/Payload are intentionally untyped: the
// wire encoding of the backend's native query/record format is out of
// scope (spec §6).
type Request struct {
	Operation string // "Create", "Update", "Upsert", "Delete", or a message name for Execute
	Entity    string
	ID        string
	Payload   map[string]any
}

// Response is the result of a single Execute call.
type Response struct {
	Entity string
	ID     string
	Fields map[string]any
}

// ExecuteMultipleOptions mirrors the two knobs every bulk protocol of this
// shape exposes: whether to keep going after a per-record fault, and
// whether the backend should echo back full result payloads.
type ExecuteMultipleOptions struct {
	ContinueOnError bool
	ReturnResponses bool
}

// Outcome is the per-request result inside an ExecuteMultiple response.
type Outcome struct {
	Index    int
	Response *Response
	Err      error
}

// Page is one page of RetrieveMultiple results.
type Page struct {
	Records      []Response
	MoreRecords  bool
	PagingCookie string
	PageNumber   int32
	TotalCount   *int64 // nil when the backend didn't report it
}
