// Package plan implements the PlanNode framework (spec §4.G): the
// recursive, lazy, cancellation-aware tree of streaming query rows that
// scan, transform, and script nodes compose into.
//
// Nodes are implemented as channel-backed generators rather than
// compiler-sugared async iterators, per spec §9's design note — this
// mirrors the teacher's own channel-based task shapes (WorkerPool.queue,
// amqp.Connection.NotifyClose) rather than reaching for a coroutine
// library the ecosystem doesn't offer for this.
package plan

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ValueKind discriminates QueryValue's sum type (spec §9 design note:
// nullable numeric columns become an explicit sum type, not
// language-level null).
type ValueKind int

const (
	KindNull ValueKind = iota
	KindBool
	KindInt
	KindFloat
	KindDecimal
	KindString
	KindTimestamp
	KindUUID
	KindRef
)

// Ref is a foreign-key target: an identifier plus an optional resolved
// display value (spec §3 "QueryValue").
type Ref struct {
	Entity  string
	ID      string
	Display string // empty if not resolved
}

// Value is a single cell of a QueryRow: either a scalar or a Ref, or null.
// QueryValue in the spec's vocabulary.
type Value struct {
	Kind ValueKind

	Bool      bool
	Int       int64
	Float     float64
	Decimal   string // exact decimal text, to avoid float rounding of money-shaped columns
	Str       string
	Timestamp string // RFC3339; kept as text, the wire format is out of scope
	UUID      uuid.UUID
	Ref       Ref
}

func Null() Value                { return Value{Kind: KindNull} }
func Bool(v bool) Value          { return Value{Kind: KindBool, Bool: v} }
func Int(v int64) Value          { return Value{Kind: KindInt, Int: v} }
func Float(v float64) Value      { return Value{Kind: KindFloat, Float: v} }
func Decimal(v string) Value     { return Value{Kind: KindDecimal, Decimal: v} }
func String(v string) Value      { return Value{Kind: KindString, Str: v} }
func Timestamp(v string) Value   { return Value{Kind: KindTimestamp, Timestamp: v} }
func UUID(v uuid.UUID) Value     { return Value{Kind: KindUUID, UUID: v} }
func Reference(r Ref) Value      { return Value{Kind: KindRef, Ref: r} }

// IsNull reports whether v is the null value.
func (v Value) IsNull() bool { return v.Kind == KindNull }

// String renders v as text. GroupKey joins these renderings with
// groupSeparator (substituting nullSentinel for nulls) to build group
// keys, and MergeAggregate uses them for STRING_AGG and for MIN/MAX over
// non-numeric values.
func (v Value) String() string {
	switch v.Kind {
	case KindNull:
		return "<NULL>"
	case KindBool:
		return fmt.Sprintf("%v", v.Bool)
	case KindInt:
		return fmt.Sprintf("%d", v.Int)
	case KindFloat:
		return fmt.Sprintf("%v", v.Float)
	case KindDecimal:
		return v.Decimal
	case KindString:
		return v.Str
	case KindTimestamp:
		return v.Timestamp
	case KindUUID:
		return v.UUID.String()
	case KindRef:
		if v.Ref.Display != "" {
			return v.Ref.Display
		}
		return v.Ref.ID
	default:
		return ""
	}
}

// AsFloat64 converts Int and Float values to float64 for merge-aggregate
// arithmetic. Every other kind, Decimal included, returns (0, false).
func (v Value) AsFloat64() (float64, bool) {
	switch v.Kind {
	case KindInt:
		return float64(v.Int), true
	case KindFloat:
		return v.Float, true
	case KindNull:
		return 0, false
	default:
		return 0, false
	}
}

// Row is an immutable, case-insensitive mapping from column name to Value,
// plus the originating entity name (spec §3 "QueryRow"). Key order is
// insignificant; Row stores a lower-cased lookup index alongside the
// original-case column list so iteration can still report original names.
type Row struct {
	Entity  string
	columns []string // original case, in insertion order
	values  map[string]Value // lower-cased key -> value
}

// NewRow builds a Row from ordered column/value pairs.
func NewRow(entity string, columns []string, values []Value) Row {
	if len(columns) != len(values) {
		panic("plan: NewRow column/value length mismatch")
	}
	m := make(map[string]Value, len(columns))
	for i, c := range columns {
		m[strings.ToLower(c)] = values[i]
	}
	return Row{Entity: entity, columns: append([]string(nil), columns...), values: m}
}

// Get returns the value for column (case-insensitive), or null with ok=false
// if the column isn't present.
func (r Row) Get(column string) (Value, bool) {
	v, ok := r.values[strings.ToLower(column)]
	return v, ok
}

// Columns returns the row's column names in their original case and
// insertion order.
func (r Row) Columns() []string {
	return append([]string(nil), r.columns...)
}

// With returns a copy of r with column set to value, adding the column if
// it's new. Rows are immutable after construction (spec §3), so this
// always allocates a new Row rather than mutating r.
func (r Row) With(column string, value Value) Row {
	cols := r.columns
	lower := strings.ToLower(column)
	if _, exists := r.values[lower]; !exists {
		cols = append(append([]string(nil), r.columns...), column)
	}
	m := make(map[string]Value, len(r.values)+1)
	for k, v := range r.values {
		m[k] = v
	}
	m[lower] = value
	return Row{Entity: r.Entity, columns: cols, values: m}
}

// Project returns a copy of r containing only the requested columns, in
// the requested order, skipping any that don't exist. Used by
// MetadataScan's requested-columns filtering.
func (r Row) Project(columns []string) Row {
	out := Row{Entity: r.Entity, values: make(map[string]Value, len(columns))}
	for _, c := range columns {
		if v, ok := r.Get(c); ok {
			out.columns = append(out.columns, c)
			out.values[strings.ToLower(c)] = v
		}
	}
	return out
}

// groupSeparator is a non-printable byte unlikely to appear in real column
// values, used to build a stable serialization of GROUP BY column values
// (spec §4.I MergeAggregate). 0x1F is the ASCII "unit separator".
const groupSeparator = "\x1f"

// nullSentinel marks a null value inside a group key so that a genuine
// empty string and SQL NULL never collide.
const nullSentinel = "\x00NULL\x00"

// GroupKey builds a stable string key for row over the given columns,
// used to bucket partial aggregates by GROUP BY value (spec §4.I, §8
// merge-aggregate laws).
func GroupKey(row Row, columns []string) string {
	parts := make([]string, len(columns))
	for i, c := range columns {
		v, ok := row.Get(c)
		if !ok || v.IsNull() {
			parts[i] = nullSentinel
			continue
		}
		parts[i] = v.String()
	}
	return strings.Join(parts, groupSeparator)
}
