// Package transform implements the row-transforming PlanNodes (spec
// §4.I): ClientFilter, MergeAggregate, and ParallelPartition.
package transform

import (
	"context"
	"fmt"

	"github.com/iperfex-team/dataverse-bulkmw/plan"
)

// ClientFilter evaluates a pre-compiled predicate against each input row
// and passes rows that match, for conditions the planner could not push
// to the backend.
type ClientFilter struct {
	Child     plan.Node
	Predicate plan.Expr
}

func (n *ClientFilter) Description() string {
	return fmt.Sprintf("ClientFilter(%s)", n.Child.Description())
}

func (n *ClientFilter) EstimatedRows() int64 { return n.Child.EstimatedRows() }

func (n *ClientFilter) Children() []plan.Node { return []plan.Node{n.Child} }

func (n *ClientFilter) ExecuteAsync(ctx context.Context, pctx *plan.Context) <-chan plan.RowOrErr {
	ctx, span := pctx.StartSpan(ctx, n.Description())
	out := make(chan plan.RowOrErr)
	go func() {
		defer close(out)
		defer span.End()

		if pctx.Evaluator == nil {
			plan.Emit(ctx, out, plan.RowOrErr{Err: fmt.Errorf("transform: ClientFilter requires a bound expression evaluator")})
			return
		}

		in := n.Child.ExecuteAsync(ctx, pctx)
		for v := range in {
			if v.Err != nil {
				plan.Emit(ctx, out, v)
				return
			}

			result, err := pctx.Evaluator.Eval(n.Predicate, v.Row, pctx.Scope)
			if err != nil {
				plan.Emit(ctx, out, plan.RowOrErr{Err: err})
				return
			}
			if result.Kind == plan.KindBool && result.Bool {
				if !plan.Emit(ctx, out, v) {
					return
				}
			}
		}
	}()
	return out
}
