package transform

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/iperfex-team/dataverse-bulkmw/plan"
)

// staticNode is a minimal plan.Node that replays a fixed row set, or fails
// with a fixed error after emitting them, for transform-package tests.
type staticNode struct {
	plan.Leaf
	rows []plan.Row
	err  error
}

func (n *staticNode) Description() string  { return "static" }
func (n *staticNode) EstimatedRows() int64 { return int64(len(n.rows)) }

func (n *staticNode) ExecuteAsync(ctx context.Context, pctx *plan.Context) <-chan plan.RowOrErr {
	out := make(chan plan.RowOrErr)
	go func() {
		defer close(out)
		for _, r := range n.rows {
			if !plan.Emit(ctx, out, plan.RowOrErr{Row: r}) {
				return
			}
		}
		if n.err != nil {
			plan.Emit(ctx, out, plan.RowOrErr{Err: n.err})
		}
	}()
	return out
}

// predicateEvaluator evaluates expr as a func(plan.Row) (plan.Value, error).
type predicateEvaluator struct{}

func (predicateEvaluator) Eval(expr plan.Expr, row plan.Row, scope *plan.Scope) (plan.Value, error) {
	fn, ok := expr.(func(plan.Row) (plan.Value, error))
	if !ok {
		return plan.Value{}, errors.New("transform test: expr is not a func(plan.Row)")
	}
	return fn(row)
}

func revenueAbove(threshold int64) plan.Expr {
	return func(row plan.Row) (plan.Value, error) {
		v, ok := row.Get("revenue")
		if !ok {
			return plan.Bool(false), nil
		}
		return plan.Bool(v.Int > threshold), nil
	}
}

func TestClientFilterPassesMatchingRows(t *testing.T) {
	rows := []plan.Row{
		plan.NewRow("account", []string{"revenue"}, []plan.Value{plan.Int(100)}),
		plan.NewRow("account", []string{"revenue"}, []plan.Value{plan.Int(5)}),
	}
	n := &ClientFilter{Child: &staticNode{rows: rows}, Predicate: revenueAbove(10)}

	pctx := plan.NewContext(nil)
	pctx.Evaluator = predicateEvaluator{}

	got, err := plan.Collect(context.Background(), n.ExecuteAsync(context.Background(), pctx))
	require.NoError(t, err)
	require.Len(t, got, 1)
	v, _ := got[0].Get("revenue")
	require.Equal(t, int64(100), v.Int)
}

func TestClientFilterRequiresBoundEvaluator(t *testing.T) {
	n := &ClientFilter{Child: &staticNode{}, Predicate: revenueAbove(10)}
	pctx := plan.NewContext(nil)

	_, err := plan.Collect(context.Background(), n.ExecuteAsync(context.Background(), pctx))
	require.Error(t, err)
}

func TestClientFilterPropagatesChildError(t *testing.T) {
	n := &ClientFilter{Child: &staticNode{err: errors.New("boom")}, Predicate: revenueAbove(10)}
	pctx := plan.NewContext(nil)
	pctx.Evaluator = predicateEvaluator{}

	_, err := plan.Collect(context.Background(), n.ExecuteAsync(context.Background(), pctx))
	require.Error(t, err)
}
