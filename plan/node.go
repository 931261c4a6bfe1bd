package plan

import "context"

// RowOrErr is the element type sent down a node's output channel: exactly
// one of Row/Err is meaningful per value, and the channel closes when the
// node is exhausted (spec glossary "RowOrErr").
type RowOrErr struct {
	Row Row
	Err error
}

// Node is a single node of the query plan tree (spec §4.G). Nodes are
// immutable after construction and are single-use producers: a node whose
// ExecuteAsync channel has been drained cannot be re-enumerated; callers
// that need to run the same query twice must reconstruct the tree.
type Node interface {
	// Description is a human-readable summary, used for EXPLAIN-style
	// output and logging.
	Description() string

	// EstimatedRows returns a best-effort row estimate, or -1 if unknown.
	EstimatedRows() int64

	// Children returns this node's child nodes, if any.
	Children() []Node

	// ExecuteAsync starts lazy, cancellation-aware row production. Every
	// send on the returned channel must be accompanied by a select on
	// ctx.Done() so cancellation is honored at each row (spec §4.G).
	ExecuteAsync(ctx context.Context, pctx *Context) <-chan RowOrErr
}

// Emit is a convenience used by node implementations' producer goroutines:
// it sends v on out, honoring ctx cancellation, and reports whether the
// send happened (false means ctx was cancelled first).
func Emit(ctx context.Context, out chan<- RowOrErr, v RowOrErr) bool {
	select {
	case out <- v:
		return true
	case <-ctx.Done():
		return false
	}
}

// Collect drains ch into a slice, for tests and for nodes documented to
// buffer their entire input (e.g. MergeAggregate). It stops early and
// returns ctx.Err() if ctx is cancelled before ch closes.
func Collect(ctx context.Context, ch <-chan RowOrErr) ([]Row, error) {
	var rows []Row
	for {
		select {
		case v, ok := <-ch:
			if !ok {
				return rows, nil
			}
			if v.Err != nil {
				return rows, v.Err
			}
			rows = append(rows, v.Row)
		case <-ctx.Done():
			return rows, ctx.Err()
		}
	}
}

// Leaf is an embeddable helper for leaf nodes (no children).
type Leaf struct{}

func (Leaf) Children() []Node { return nil }
