// Package memquery is an in-memory, table-backed backend.Client double
// used by unit tests across scan/, pool/, metadata/, bulk/. It
// does no network I/O (spec §4.A's explicit allowance for a test double),
// grounded on the teacher's habit of keeping a clean handler-facing
// interface (server.Handler wraps *sql.DB) that tests can substitute.
package memquery

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/iperfex-team/dataverse-bulkmw/backend"
)

// Table is one in-memory entity collection, keyed by record ID.
type Table struct {
	mu      sync.Mutex
	records []map[string]any
	nextID  int
}

func newTable() *Table { return &Table{} }

// Client is the in-memory backend.Client double. Every Table is keyed by
// entity logical name; RetrieveMultiple treats Query as a literal table
// name (the native-query grammar itself is out of scope, spec §1) and
// pages through the table's records in insertion order.
type Client struct {
	mu         sync.Mutex
	tables     map[string]*Table
	pageSize   int32
	throttleAt int // if > 0, the Nth call to any method returns Throttled once
	calls      int
}

// New constructs an empty double with the given default page size for
// RetrieveMultiple when the caller passes pageCount <= 0.
func New(pageSize int32) *Client {
	if pageSize <= 0 {
		pageSize = 50
	}
	return &Client{tables: make(map[string]*Table), pageSize: pageSize}
}

// Seed installs rows into entity's table, for test setup.
func (c *Client) Seed(entity string, rows ...map[string]any) {
	c.mu.Lock()
	t, ok := c.tables[entity]
	if !ok {
		t = newTable()
		c.tables[entity] = t
	}
	c.mu.Unlock()

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, r := range rows {
		if _, ok := r["id"]; !ok {
			t.nextID++
			r["id"] = strconv.Itoa(t.nextID)
		}
		t.records = append(t.records, r)
	}
}

// ThrottleOnCall configures the double to return a Throttled error on the
// nth call to any Client method (1-indexed), once, for rate-controller
// tests.
func (c *Client) ThrottleOnCall(n int) { c.throttleAt = n }

func (c *Client) countCall() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return c.throttleAt > 0 && c.calls == c.throttleAt
}

func (c *Client) table(entity string) *Table {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tables[entity]
	if !ok {
		t = newTable()
		c.tables[entity] = t
	}
	return t
}

func (c *Client) Execute(ctx context.Context, req backend.Request) (backend.Response, error) {
	if c.countCall() {
		return backend.Response{}, backend.Throttled(0)
	}

	t := c.table(req.Entity)
	t.mu.Lock()
	defer t.mu.Unlock()

	switch req.Operation {
	case "Create", "Upsert":
		id := req.ID
		if id == "" {
			t.nextID++
			id = strconv.Itoa(t.nextID)
		}
		rec := map[string]any{"id": id}
		for k, v := range req.Payload {
			rec[k] = v
		}
		if req.Operation == "Upsert" {
			for i, r := range t.records {
				if fmt.Sprint(r["id"]) == id {
					t.records[i] = rec
					return backend.Response{Entity: req.Entity, ID: id, Fields: rec}, nil
				}
			}
		}
		t.records = append(t.records, rec)
		return backend.Response{Entity: req.Entity, ID: id, Fields: rec}, nil

	case "Update":
		for i, r := range t.records {
			if fmt.Sprint(r["id"]) == req.ID {
				for k, v := range req.Payload {
					r[k] = v
				}
				t.records[i] = r
				return backend.Response{Entity: req.Entity, ID: req.ID, Fields: r}, nil
			}
		}
		return backend.Response{}, backend.NotFound(req.Entity, req.ID)

	case "Delete":
		for i, r := range t.records {
			if fmt.Sprint(r["id"]) == req.ID {
				t.records = append(t.records[:i], t.records[i+1:]...)
				return backend.Response{Entity: req.Entity, ID: req.ID}, nil
			}
		}
		return backend.Response{}, backend.NotFound(req.Entity, req.ID)

	default:
		return backend.Response{}, backend.UnsupportedFeature(req.Operation)
	}
}

// RetrieveMultiple treats query as a literal entity name and pages
// through its records using a numeric-string paging cookie.
func (c *Client) RetrieveMultiple(ctx context.Context, query string, pageCount int32, pagingCookie string) (backend.Page, error) {
	if c.countCall() {
		return backend.Page{}, backend.Throttled(0)
	}

	t := c.table(query)
	t.mu.Lock()
	defer t.mu.Unlock()

	size := pageCount
	if size <= 0 {
		size = c.pageSize
	}
	start := 0
	if pagingCookie != "" {
		if n, err := strconv.Atoi(pagingCookie); err == nil {
			start = n
		}
	}
	if start > len(t.records) {
		start = len(t.records)
	}
	end := start + int(size)
	if end > len(t.records) {
		end = len(t.records)
	}

	slice := t.records[start:end]
	records := make([]backend.Response, len(slice))
	for i, r := range slice {
		records[i] = backend.Response{Entity: query, ID: fmt.Sprint(r["id"]), Fields: r}
	}

	more := end < len(t.records)
	cookie := ""
	if more {
		cookie = strconv.Itoa(end)
	}
	total := int64(len(t.records))

	return backend.Page{
		Records:      records,
		MoreRecords:  more,
		PagingCookie: cookie,
		PageNumber:   1,
		TotalCount:   &total,
	}, nil
}

func (c *Client) GetTotalCount(ctx context.Context, entity string) (int64, bool, error) {
	if c.countCall() {
		return 0, false, backend.Throttled(0)
	}
	t := c.table(entity)
	t.mu.Lock()
	defer t.mu.Unlock()
	return int64(len(t.records)), true, nil
}

func (c *Client) ExecuteMultiple(ctx context.Context, ops []backend.Request, opts backend.ExecuteMultipleOptions) ([]backend.Outcome, error) {
	if c.countCall() {
		return nil, backend.Throttled(0)
	}

	outcomes := make([]backend.Outcome, len(ops))
	for i, op := range ops {
		resp, err := c.Execute(ctx, op)
		if err != nil {
			outcomes[i] = backend.Outcome{Index: i, Err: err}
			if !opts.ContinueOnError {
				return outcomes[:i+1], nil
			}
			continue
		}
		var r *backend.Response
		if opts.ReturnResponses {
			r = &resp
		}
		outcomes[i] = backend.Outcome{Index: i, Response: r}
	}
	return outcomes, nil
}

// SortedEntities returns the entity names with seeded tables, for tests
// that want deterministic iteration (e.g. the metadata executor's
// ListEntities).
func (c *Client) SortedEntities() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.tables))
	for name := range c.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
