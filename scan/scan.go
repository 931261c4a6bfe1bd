// Package scan implements the leaf PlanNodes (spec §4.H): RemoteScan,
// PagingScan, CountOptimized, and Prefetch. MetadataScan lives in the
// metadata package, which wraps a metadata executor behind the same
// plan.Node interface (see metadata.Scan).
package scan

import (
	"context"
	"fmt"

	"github.com/iperfex-team/dataverse-bulkmw/backend"
	"github.com/iperfex-team/dataverse-bulkmw/plan"
)

// RemoteScan issues a one-shot retrieval (no auto-paging) of a native
// backend query against the default or a labeled remote executor.
type RemoteScan struct {
	plan.Leaf
	Query       string
	RemoteLabel string // empty selects the context's default executor
	Columns     []string
	Entity      string
}

func (n *RemoteScan) Description() string {
	if n.RemoteLabel != "" {
		return fmt.Sprintf("RemoteScan[%s](%s)", n.RemoteLabel, n.Query)
	}
	return fmt.Sprintf("RemoteScan(%s)", n.Query)
}

func (n *RemoteScan) EstimatedRows() int64 { return -1 }

func (n *RemoteScan) ExecuteAsync(ctx context.Context, pctx *plan.Context) <-chan plan.RowOrErr {
	ctx, span := pctx.StartSpan(ctx, n.Description())
	out := make(chan plan.RowOrErr)
	go func() {
		defer close(out)
		defer span.End()

		ex, err := pctx.Executor(n.RemoteLabel)
		if err != nil {
			plan.Emit(ctx, out, plan.RowOrErr{Err: err})
			return
		}

		var page backend.Page
		runErr := ex.WithClient(ctx, func(c backend.Client) error {
			p, err := c.RetrieveMultiple(ctx, n.Query, 0, "")
			if err != nil {
				return err
			}
			page = p
			return nil
		})
		if runErr != nil {
			plan.Emit(ctx, out, plan.RowOrErr{Err: runErr})
			return
		}

		pctx.Stats.IncPagesFetched()
		if page.TotalCount != nil {
			pctx.Stats.SetTotalCount(*page.TotalCount)
		}
		pctx.Stats.AddRowsRead(int64(len(page.Records)))

		for _, rec := range page.Records {
			row := responseToRow(rec, n.Columns)
			if !plan.Emit(ctx, out, plan.RowOrErr{Row: row}) {
				return
			}
		}
	}()
	return out
}

// responseToRow projects a backend.Response into a plan.Row, filtering to
// columns when non-empty.
func responseToRow(resp backend.Response, columns []string) plan.Row {
	keys := make([]string, 0, len(resp.Fields)+1)
	vals := make([]plan.Value, 0, len(resp.Fields)+1)
	keys = append(keys, "id")
	vals = append(vals, plan.String(resp.ID))
	for k, v := range resp.Fields {
		keys = append(keys, k)
		vals = append(vals, toValue(v))
	}
	row := plan.NewRow(resp.Entity, keys, vals)
	if len(columns) == 0 {
		return row
	}
	return row.Project(columns)
}

// toValue converts an untyped backend field into a plan.Value. The wire
// encoding of backend field types is out of scope (spec §6); this handles
// the shapes a Go-native BackendClient naturally produces.
func toValue(v any) plan.Value {
	switch t := v.(type) {
	case nil:
		return plan.Null()
	case bool:
		return plan.Bool(t)
	case int:
		return plan.Int(int64(t))
	case int32:
		return plan.Int(int64(t))
	case int64:
		return plan.Int(t)
	case float32:
		return plan.Float(float64(t))
	case float64:
		return plan.Float(t)
	case string:
		return plan.String(t)
	case backend.Response:
		return plan.Reference(plan.Ref{Entity: t.Entity, ID: t.ID})
	default:
		return plan.String(fmt.Sprintf("%v", t))
	}
}
