// Package script implements the script execution node (spec §4.J):
// DECLARE/SET/IF/BEGIN…END statements and embedded SELECT, operating over
// a plan.Context's variable scope. It intentionally implements no loops
// or labels (spec §4.J): a future version that adds them must cap
// iteration counts to bound runaway execution, which is out of scope here.
package script

import (
	"context"
	"fmt"

	"github.com/iperfex-team/dataverse-bulkmw/backend"
	"github.com/iperfex-team/dataverse-bulkmw/plan"
)

// Statement is one parsed script statement. Each statement kind is its own
// type implementing Statement, mirroring the AST shape an external parser
// hands the engine (spec §1: parsing is out of scope).
type Statement interface {
	isStatement()
}

// Declare implements `DECLARE @name type [= expr]`.
type Declare struct {
	Name string
	Expr plan.Expr // nil means "type-zero" value
	Zero plan.Value
}

func (Declare) isStatement() {}

// Set implements `SET @name = expr`.
type Set struct {
	Name string
	Expr plan.Expr
}

func (Set) isStatement() {}

// If implements `IF cond THEN block [ELSE block]`.
type If struct {
	Cond plan.Expr
	Then []Statement
	Else []Statement // nil if no ELSE
}

func (If) isStatement() {}

// Block implements a `BEGIN … END` block: statements run in order,
// variable bindings persist within the block, and the block's output is
// the rows of the last row-producing statement.
type Block struct {
	Statements []Statement
}

func (Block) isStatement() {}

// Select embeds a parsed SELECT. Handing its AST to the planner has
// already happened upstream — Select simply holds the constructed plan
// tree to run in place.
type Select struct {
	Plan plan.Node
}

func (Select) isStatement() {}

// Node executes a sequence of statements (spec §4.J). It implements
// plan.Node so a script can be embedded anywhere a plan tree is expected.
type Node struct {
	plan.Leaf
	Statements []Statement
}

func (n *Node) Description() string { return "Script" }

func (n *Node) EstimatedRows() int64 { return -1 }

func (n *Node) ExecuteAsync(ctx context.Context, pctx *plan.Context) <-chan plan.RowOrErr {
	ctx, span := pctx.StartSpan(ctx, n.Description())
	out := make(chan plan.RowOrErr)
	go func() {
		defer close(out)
		defer span.End()
		if err := runBlock(ctx, pctx, out, n.Statements); err != nil {
			plan.Emit(ctx, out, plan.RowOrErr{Err: err})
		}
	}()
	return out
}

// runBlock executes stmts in order, forwarding the last row-producing
// statement's rows to out, and returns the first error encountered.
// Earlier row-producing statements' rows are intentionally discarded
// (spec §4.J: "the output is the rows produced by the last row-producing
// statement").
func runBlock(ctx context.Context, pctx *plan.Context, out chan<- plan.RowOrErr, stmts []Statement) error {
	last := -1
	for i, stmt := range stmts {
		switch stmt.(type) {
		case If, Block, Select:
			last = i
		}
	}
	for i, stmt := range stmts {
		isLast := i == last
		rows, produced, err := execStatement(ctx, pctx, stmt)
		if err != nil {
			return err
		}
		if produced && isLast {
			for v := range rows {
				if v.Err != nil {
					return v.Err
				}
				if !plan.Emit(ctx, out, v) {
					return ctx.Err()
				}
			}
		} else if produced {
			// Drain and discard: an earlier statement's rows are not part
			// of the block's output, but its side effects (SET inside an
			// embedded SELECT's subqueries, if any) must still happen.
			for v := range rows {
				if v.Err != nil {
					return v.Err
				}
			}
		}
	}
	return nil
}

// execStatement runs one statement. produced reports whether this
// statement kind can yield rows (IF, Block and Select do; DECLARE/SET do
// not). A Block forwards the rows of its own last row-producing statement.
func execStatement(ctx context.Context, pctx *plan.Context, stmt Statement) (<-chan plan.RowOrErr, bool, error) {
	switch s := stmt.(type) {
	case Declare:
		val := s.Zero
		if s.Expr != nil {
			v, err := eval(pctx, s.Expr, plan.Row{})
			if err != nil {
				return nil, false, err
			}
			val = v
		}
		pctx.Scope.Declare(s.Name, val)
		return nil, false, nil

	case Set:
		v, err := eval(pctx, s.Expr, plan.Row{})
		if err != nil {
			return nil, false, err
		}
		if err := pctx.Scope.Set(s.Name, v); err != nil {
			return nil, false, err
		}
		return nil, false, nil

	case If:
		v, err := eval(pctx, s.Cond, plan.Row{})
		if err != nil {
			return nil, false, err
		}
		branch := s.Else
		if v.Kind == plan.KindBool && v.Bool {
			branch = s.Then
		}
		if branch == nil {
			return nil, false, nil
		}
		out := make(chan plan.RowOrErr)
		go func() {
			defer close(out)
			if err := runBlock(ctx, pctx, out, branch); err != nil {
				plan.Emit(ctx, out, plan.RowOrErr{Err: err})
			}
		}()
		return out, true, nil

	case Block:
		out := make(chan plan.RowOrErr)
		go func() {
			defer close(out)
			pctx.Scope.Push()
			defer pctx.Scope.Pop()
			if err := runBlock(ctx, pctx, out, s.Statements); err != nil {
				plan.Emit(ctx, out, plan.RowOrErr{Err: err})
			}
		}()
		return out, true, nil

	case Select:
		return s.Plan.ExecuteAsync(ctx, pctx), true, nil

	default:
		return nil, false, fmt.Errorf("script: unknown statement type %T", stmt)
	}
}

func eval(pctx *plan.Context, expr plan.Expr, row plan.Row) (plan.Value, error) {
	if pctx.Evaluator == nil {
		return plan.Value{}, &backend.Error{
			Code:     backend.CodeQueryUnsupportedFeature,
			Message:  "script execution requires a bound expression evaluator",
			Severity: backend.SeverityError,
		}
	}
	return pctx.Evaluator.Eval(expr, row, pctx.Scope)
}
