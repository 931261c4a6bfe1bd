package transform

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/iperfex-team/dataverse-bulkmw/backend"
	"github.com/iperfex-team/dataverse-bulkmw/plan"
)

// AggFunc names a merge-aggregate function (spec §4.I).
type AggFunc int

const (
	FuncCount AggFunc = iota
	FuncSum
	FuncAvg
	FuncMin
	FuncMax
	FuncStdev
	FuncVar
	FuncStringAgg
	FuncCountDistinct // always rejected; see MergeAggregate.ExecuteAsync
)

// AggregateSpec describes one output aggregate column and the partial
// columns it reads from input rows.
type AggregateSpec struct {
	Alias  string
	Func   AggFunc
	Source string // partial column read for COUNT/SUM/MIN/MAX/STRING_AGG, and for AVG's value

	// CountColumn is AVG's companion count alias (spec: "each input must
	// carry a companion count alias, else fall back to treating each
	// partial as weight 1"). Optional.
	CountColumn string

	// SumColumn/SumSqColumn/CountColumn (reused) carry STDEV/VAR's inputs:
	// count, sum, sumOfSquares, per partial.
	SumColumn   string
	SumSqColumn string

	Separator string // STRING_AGG separator
}

// MergeAggregate consumes partial aggregates produced by partitioned
// scans and merges them per GROUP BY group (spec §4.I). It buffers its
// entire input, as documented by the framework's exception to the
// no-buffering rule.
type MergeAggregate struct {
	Child      plan.Node
	GroupBy    []string
	Aggregates []AggregateSpec
}

func (n *MergeAggregate) Description() string {
	return fmt.Sprintf("MergeAggregate(group=%v)", n.GroupBy)
}

func (n *MergeAggregate) EstimatedRows() int64 { return -1 }

func (n *MergeAggregate) Children() []plan.Node { return []plan.Node{n.Child} }

type groupAccumulator struct {
	row plan.Row // first row seen for this group, for GROUP BY column values

	count        map[string]int64
	sum          map[string]float64
	sawSum       map[string]bool
	min          map[string]plan.Value
	max          map[string]plan.Value
	weightedSum  map[string]float64
	weight       map[string]float64
	sawWeight    map[string]bool
	stdevCount   map[string]int64
	stdevSum     map[string]float64
	stdevSumSq   map[string]float64
	stringParts  map[string][]string
}

func newGroupAccumulator(row plan.Row) *groupAccumulator {
	return &groupAccumulator{
		row:         row,
		count:       map[string]int64{},
		sum:         map[string]float64{},
		sawSum:      map[string]bool{},
		min:         map[string]plan.Value{},
		max:         map[string]plan.Value{},
		weightedSum: map[string]float64{},
		weight:      map[string]float64{},
		sawWeight:   map[string]bool{},
		stdevCount:  map[string]int64{},
		stdevSum:    map[string]float64{},
		stdevSumSq:  map[string]float64{},
		stringParts: map[string][]string{},
	}
}

func (n *MergeAggregate) ExecuteAsync(ctx context.Context, pctx *plan.Context) <-chan plan.RowOrErr {
	ctx, span := pctx.StartSpan(ctx, n.Description())
	out := make(chan plan.RowOrErr)
	go func() {
		defer close(out)
		defer span.End()

		for _, spec := range n.Aggregates {
			if spec.Func == FuncCountDistinct {
				plan.Emit(ctx, out, plan.RowOrErr{Err: backend.UnsupportedFeature("COUNT(DISTINCT) under a partitioned MergeAggregate")})
				return
			}
		}

		rows, err := plan.Collect(ctx, n.Child.ExecuteAsync(ctx, pctx))
		if err != nil {
			plan.Emit(ctx, out, plan.RowOrErr{Err: err})
			return
		}

		groups := make(map[string]*groupAccumulator)
		var order []string
		for _, row := range rows {
			key := plan.GroupKey(row, n.GroupBy)
			acc, ok := groups[key]
			if !ok {
				acc = newGroupAccumulator(row)
				groups[key] = acc
				order = append(order, key)
			}
			for _, spec := range n.Aggregates {
				n.accumulate(acc, spec, row)
			}
		}

		for _, key := range order {
			acc := groups[key]
			row := acc.row.Project(n.GroupBy)
			for _, spec := range n.Aggregates {
				row = row.With(spec.Alias, n.finalize(acc, spec))
			}
			if !plan.Emit(ctx, out, plan.RowOrErr{Row: row}) {
				return
			}
		}
	}()
	return out
}

func (n *MergeAggregate) accumulate(acc *groupAccumulator, spec AggregateSpec, row plan.Row) {
	switch spec.Func {
	case FuncCount, FuncSum:
		if v, ok := row.Get(spec.Source); ok {
			if f, ok := v.AsFloat64(); ok {
				acc.sum[spec.Alias] += f
				acc.sawSum[spec.Alias] = true
			}
		}

	case FuncAvg:
		v, ok := row.Get(spec.Source)
		if !ok {
			return
		}
		f, ok := v.AsFloat64()
		if !ok {
			return
		}
		weight := 1.0
		if spec.CountColumn != "" {
			if cv, ok := row.Get(spec.CountColumn); ok {
				if cf, ok := cv.AsFloat64(); ok {
					weight = cf
				}
			}
		}
		acc.weightedSum[spec.Alias] += f * weight
		acc.weight[spec.Alias] += weight
		acc.sawWeight[spec.Alias] = true

	case FuncMin:
		v, ok := row.Get(spec.Source)
		if !ok || v.IsNull() {
			return
		}
		cur, seen := acc.min[spec.Alias]
		if !seen || less(v, cur) {
			acc.min[spec.Alias] = v
		}

	case FuncMax:
		v, ok := row.Get(spec.Source)
		if !ok || v.IsNull() {
			return
		}
		cur, seen := acc.max[spec.Alias]
		if !seen || less(cur, v) {
			acc.max[spec.Alias] = v
		}

	case FuncStdev, FuncVar:
		countCol, sumCol, sumSqCol := spec.CountColumn, spec.SumColumn, spec.SumSqColumn
		if cv, ok := row.Get(countCol); ok {
			if cf, ok := cv.AsFloat64(); ok {
				acc.stdevCount[spec.Alias] += int64(cf)
			}
		}
		if sv, ok := row.Get(sumCol); ok {
			if sf, ok := sv.AsFloat64(); ok {
				acc.stdevSum[spec.Alias] += sf
			}
		}
		if sq, ok := row.Get(sumSqCol); ok {
			if sqf, ok := sq.AsFloat64(); ok {
				acc.stdevSumSq[spec.Alias] += sqf
			}
		}

	case FuncStringAgg:
		if v, ok := row.Get(spec.Source); ok && !v.IsNull() {
			acc.stringParts[spec.Alias] = append(acc.stringParts[spec.Alias], v.String())
		}
	}
}

func (n *MergeAggregate) finalize(acc *groupAccumulator, spec AggregateSpec) plan.Value {
	switch spec.Func {
	case FuncCount, FuncSum:
		if !acc.sawSum[spec.Alias] {
			if spec.Func == FuncCount {
				return plan.Int(0)
			}
			return plan.Null()
		}
		if spec.Func == FuncCount {
			return plan.Int(int64(acc.sum[spec.Alias]))
		}
		return plan.Float(acc.sum[spec.Alias])

	case FuncAvg:
		if !acc.sawWeight[spec.Alias] || acc.weight[spec.Alias] == 0 {
			return plan.Null()
		}
		return plan.Float(acc.weightedSum[spec.Alias] / acc.weight[spec.Alias])

	case FuncMin:
		if v, ok := acc.min[spec.Alias]; ok {
			return v
		}
		return plan.Null()

	case FuncMax:
		if v, ok := acc.max[spec.Alias]; ok {
			return v
		}
		return plan.Null()

	case FuncStdev, FuncVar:
		count := acc.stdevCount[spec.Alias]
		if count == 0 {
			return plan.Null()
		}
		if count == 1 {
			return plan.Float(0)
		}
		nF := float64(count)
		sum := acc.stdevSum[spec.Alias]
		sumSq := acc.stdevSumSq[spec.Alias]
		variance := (sumSq - (sum*sum)/nF) / (nF - 1)
		if variance < 0 {
			variance = 0 // guard against floating-point rounding below zero
		}
		if spec.Func == FuncVar {
			return plan.Float(variance)
		}
		return plan.Float(math.Sqrt(variance))

	case FuncStringAgg:
		return plan.String(strings.Join(acc.stringParts[spec.Alias], spec.Separator))
	}
	return plan.Null()
}

// less compares two Values numerically when both are numeric, falling
// back to lexical string comparison otherwise (MIN/MAX are documented
// generically, spec §4.I, without restricting them to numeric columns).
func less(a, b plan.Value) bool {
	af, aok := a.AsFloat64()
	bf, bok := b.AsFloat64()
	if aok && bok {
		return af < bf
	}
	return a.String() < b.String()
}
