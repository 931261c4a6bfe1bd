package scan

import (
	"context"
	"fmt"

	"github.com/iperfex-team/dataverse-bulkmw/backend"
	"github.com/iperfex-team/dataverse-bulkmw/plan"
)

// CountOptimized attempts the backend's O(1) GetTotalCount and yields one
// row {alias: count}. When the backend doesn't support it (or returns
// null), it delegates to Fallback; with no fallback it yields nothing
// (spec §4.H).
type CountOptimized struct {
	plan.Leaf
	Entity      string
	Alias       string
	RemoteLabel string
	Fallback    plan.Node
}

func (n *CountOptimized) Description() string {
	return fmt.Sprintf("CountOptimized(%s as %s)", n.Entity, n.Alias)
}

func (n *CountOptimized) EstimatedRows() int64 { return 1 }

func (n *CountOptimized) Children() []plan.Node {
	if n.Fallback == nil {
		return nil
	}
	return []plan.Node{n.Fallback}
}

func (n *CountOptimized) ExecuteAsync(ctx context.Context, pctx *plan.Context) <-chan plan.RowOrErr {
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

		var count int64
		var ok bool
		runErr := ex.WithClient(ctx, func(c backend.Client) error {
			v, supported, err := c.GetTotalCount(ctx, n.Entity)
			if err != nil {
				return err
			}
			count, ok = v, supported
			return nil
		})
		if runErr != nil {
			plan.Emit(ctx, out, plan.RowOrErr{Err: runErr})
			return
		}

		if ok {
			row := plan.NewRow(n.Entity, []string{n.Alias}, []plan.Value{plan.Int(count)})
			plan.Emit(ctx, out, plan.RowOrErr{Row: row})
			return
		}

		if n.Fallback == nil {
			return
		}
		child := n.Fallback.ExecuteAsync(ctx, pctx)
		for v := range child {
			if !plan.Emit(ctx, out, v) {
				return
			}
			if v.Err != nil {
				return
			}
		}
	}()
	return out
}
