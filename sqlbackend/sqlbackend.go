// Package sqlbackend is a reference backend.Client implementation over
// database/sql, used for local integration testing of the engine end to
// end against a real SQL store. It is grounded directly on the teacher's
// Handler.db *sql.DB and PoolConfig (server/types.go, server/server.go):
// this package keeps the same pool-tuning knobs, field names, and
// defaults verbatim as sqlbackend.PoolConfig.
package sqlbackend

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"github.com/iperfex-team/dataverse-bulkmw/backend"
)

// PoolConfig mirrors the teacher's server.PoolConfig verbatim: the same
// three knobs, same defaults (server/server.go's NewHandler).
type PoolConfig struct {
	MaxIdleConns    int
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
}

// DefaultPoolConfig matches the teacher's NewHandler default literally.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxIdleConns:    10,
		MaxOpenConns:    20,
		ConnMaxLifetime: 3 * time.Minute,
	}
}

func (p PoolConfig) withDefaults() PoolConfig {
	d := DefaultPoolConfig()
	if p.MaxIdleConns == 0 {
		p.MaxIdleConns = d.MaxIdleConns
	}
	if p.MaxOpenConns == 0 {
		p.MaxOpenConns = d.MaxOpenConns
	}
	if p.ConnMaxLifetime == 0 {
		p.ConnMaxLifetime = d.ConnMaxLifetime
	}
	return p
}

// Client adapts backend.Client to a database/sql.DB. Every entity is
// expected to be an existing table; native queries (spec §6, out of
// scope to construct) are passed straight through as the table name to
// select from, keeping this adapter a thin reference rather than a
// dialect translator.
type Client struct {
	db *sql.DB
}

// Open opens a MySQL connection using dsn and tunes it per conf,
// following the teacher's NewHandler/'open' mode pool setup verbatim.
func Open(dsn string, conf PoolConfig) (*Client, error) {
	conf = conf.withDefaults()
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlbackend: opening connection: %w", err)
	}
	db.SetMaxIdleConns(conf.MaxIdleConns)
	db.SetMaxOpenConns(conf.MaxOpenConns)
	db.SetConnMaxLifetime(conf.ConnMaxLifetime)
	return &Client{db: db}, nil
}

// New wraps an already-configured *sql.DB, for callers that manage their
// own pool tuning or use a driver other than MySQL.
func New(db *sql.DB) *Client { return &Client{db: db} }

func (c *Client) Close() error { return c.db.Close() }

func (c *Client) Execute(ctx context.Context, req backend.Request) (backend.Response, error) {
	switch req.Operation {
	case "Create", "Upsert":
		return c.insert(ctx, req)
	case "Update":
		return c.update(ctx, req)
	case "Delete":
		return c.delete(ctx, req)
	default:
		return backend.Response{}, backend.UnsupportedFeature(req.Operation)
	}
}

func (c *Client) insert(ctx context.Context, req backend.Request) (backend.Response, error) {
	cols := make([]string, 0, len(req.Payload))
	placeholders := make([]string, 0, len(req.Payload))
	args := make([]any, 0, len(req.Payload))
	for k, v := range req.Payload {
		cols = append(cols, k)
		placeholders = append(placeholders, "?")
		args = append(args, v)
	}
	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", req.Entity, strings.Join(cols, ", "), strings.Join(placeholders, ", "))
	res, err := c.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return backend.Response{}, classify(err)
	}
	id, _ := res.LastInsertId()
	return backend.Response{Entity: req.Entity, ID: strconv.FormatInt(id, 10), Fields: req.Payload}, nil
}

func (c *Client) update(ctx context.Context, req backend.Request) (backend.Response, error) {
	sets := make([]string, 0, len(req.Payload))
	args := make([]any, 0, len(req.Payload)+1)
	for k, v := range req.Payload {
		sets = append(sets, k+" = ?")
		args = append(args, v)
	}
	args = append(args, req.ID)
	stmt := fmt.Sprintf("UPDATE %s SET %s WHERE id = ?", req.Entity, strings.Join(sets, ", "))
	if _, err := c.db.ExecContext(ctx, stmt, args...); err != nil {
		return backend.Response{}, classify(err)
	}
	return backend.Response{Entity: req.Entity, ID: req.ID, Fields: req.Payload}, nil
}

func (c *Client) delete(ctx context.Context, req backend.Request) (backend.Response, error) {
	stmt := fmt.Sprintf("DELETE FROM %s WHERE id = ?", req.Entity)
	if _, err := c.db.ExecContext(ctx, stmt, req.ID); err != nil {
		return backend.Response{}, classify(err)
	}
	return backend.Response{Entity: req.Entity, ID: req.ID}, nil
}

// RetrieveMultiple treats query as a literal table name and pages with a
// LIMIT/OFFSET cookie. Translating the backend's native (XML-shaped)
// query format is out of scope (spec §6); a production adapter would
// compile that grammar to SQL upstream of this method.
func (c *Client) RetrieveMultiple(ctx context.Context, query string, pageCount int32, pagingCookie string) (backend.Page, error) {
	limit := pageCount
	if limit <= 0 {
		limit = 100
	}
	offset := 0
	if pagingCookie != "" {
		if n, err := strconv.Atoi(pagingCookie); err == nil {
			offset = n
		}
	}

	rows, err := c.db.QueryContext(ctx, fmt.Sprintf("SELECT * FROM %s LIMIT ? OFFSET ?", query), limit+1, offset)
	if err != nil {
		return backend.Page{}, classify(err)
	}
	defer rows.Close()

	records, err := scanRows(rows, query, int(limit))
	if err != nil {
		return backend.Page{}, classify(err)
	}

	more := len(records) > int(limit)
	if more {
		records = records[:limit]
	}
	cookie := ""
	if more {
		cookie = strconv.Itoa(offset + int(limit))
	}

	return backend.Page{
		Records:      records,
		MoreRecords:  more,
		PagingCookie: cookie,
		PageNumber:   1,
	}, nil
}

func (c *Client) GetTotalCount(ctx context.Context, entity string) (int64, bool, error) {
	var count int64
	err := c.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", entity)).Scan(&count)
	if err != nil {
		return 0, false, classify(err)
	}
	return count, true, nil
}

func (c *Client) ExecuteMultiple(ctx context.Context, ops []backend.Request, opts backend.ExecuteMultipleOptions) ([]backend.Outcome, error) {
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

func scanRows(rows *sql.Rows, entity string, limit int) ([]backend.Response, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var out []backend.Response
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		fields := make(map[string]any, len(cols))
		var id string
		for i, col := range cols {
			v := vals[i]
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			fields[col] = v
			if strings.EqualFold(col, "id") {
				id = fmt.Sprint(v)
			}
		}
		out = append(out, backend.Response{Entity: entity, ID: id, Fields: fields})
	}
	return out, rows.Err()
}

// classify maps a database/sql error to the taxonomy (spec §4.L). A
// production adapter detects the backend's throttle and aggregate-limit
// wire signatures here (spec §6); this reference adapter treats every
// database/sql error as transient, since MySQL itself has no concept of
// the record-service-specific throttle/aggregate-limit faults.
func classify(err error) error {
	if err == nil {
		return nil
	}
	return backend.Transient(err)
}
